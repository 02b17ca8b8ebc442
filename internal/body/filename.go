package body

import (
	"path"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

// NormalizeFilename makes a client-supplied upload filename safe to forward:
// directory components are dropped, bytes that are not valid UTF-8 are read
// as ISO-8859-1, and the result is NFC so names from macOS (NFD) compare
// equal to everyone else's.
func NormalizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}

	if !utf8.ValidString(name) {
		if decoded, err := charmap.ISO8859_1.NewDecoder().String(name); err == nil {
			name = decoded
		}
	}
	return norm.NFC.String(name)
}
