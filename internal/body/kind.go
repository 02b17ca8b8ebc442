// Package body decodes inbound request bodies by content type and re-encodes
// them for the backend.
package body

import (
	"mime"
	"strings"
)

// Kind is the decoded shape of a request body.
type Kind int

const (
	KindRaw Kind = iota
	KindJSON
	KindMultipart
	KindURLEncoded
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindMultipart:
		return "multipart"
	case KindURLEncoded:
		return "urlencoded"
	default:
		return "raw"
	}
}

// KindOf classifies a Content-Type header value. Missing or unparsable
// values are KindRaw.
func KindOf(contentType string) Kind {
	if contentType == "" {
		return KindRaw
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return KindRaw
	}
	switch strings.ToLower(mediaType) {
	case "application/json":
		return KindJSON
	case "multipart/form-data":
		return KindMultipart
	case "application/x-www-form-urlencoded":
		return KindURLEncoded
	default:
		return KindRaw
	}
}
