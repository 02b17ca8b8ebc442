package body

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"sync"

	"goods-admin-proxy/internal/upload"
)

// Content types set on re-encoded bodies.
const (
	ContentTypeJSON       = "application/json"
	ContentTypeURLEncoded = "application/x-www-form-urlencoded"
)

// Body is a decoded request body. Exactly one of Raw, JSON, URLEncoded or
// Multipart.
type Body interface {
	Kind() Kind
	// Encode returns the bytes to send to the backend. It is called at most once.
	Encode() (*Encoded, error)
	// Close releases resources held by the body, including temp files.
	Close() error
}

// Encoded is a body ready to be sent.
type Encoded struct {
	Body io.ReadCloser
	// ContentType replaces the inbound Content-Type when non-empty.
	ContentType string
	// ContentLength is -1 when unknown.
	ContentLength int64
}

// Raw is forwarded byte for byte.
type Raw struct {
	Reader        io.Reader
	ContentLength int64
}

// NewRaw wraps r. A zero length becomes http.NoBody so the transport does
// not probe the reader.
func NewRaw(r io.Reader, contentLength int64) *Raw {
	if r == nil || contentLength == 0 {
		return &Raw{Reader: http.NoBody, ContentLength: 0}
	}
	return &Raw{Reader: r, ContentLength: contentLength}
}

func (b *Raw) Kind() Kind { return KindRaw }

func (b *Raw) Encode() (*Encoded, error) {
	if b.Reader == http.NoBody {
		return &Encoded{Body: http.NoBody, ContentLength: 0}, nil
	}
	// The inbound body is owned and closed by the server.
	return &Encoded{Body: io.NopCloser(b.Reader), ContentLength: b.ContentLength}, nil
}

func (b *Raw) Close() error { return nil }

// JSON holds a parsed JSON document. Numbers are json.Number so they are
// written back exactly as received.
type JSON struct {
	Value any
}

func (b *JSON) Kind() Kind { return KindJSON }

func (b *JSON) Encode() (*Encoded, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(b.Value); err != nil {
		return nil, fmt.Errorf("encode json body: %w", err)
	}
	data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return &Encoded{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentType:   ContentTypeJSON,
		ContentLength: int64(len(data)),
	}, nil
}

func (b *JSON) Close() error { return nil }

// URLEncoded holds parsed form fields.
type URLEncoded struct {
	Values url.Values
}

func (b *URLEncoded) Kind() Kind { return KindURLEncoded }

func (b *URLEncoded) Encode() (*Encoded, error) {
	data := b.Values.Encode()
	return &Encoded{
		Body:          io.NopCloser(strings.NewReader(data)),
		ContentType:   ContentTypeURLEncoded,
		ContentLength: int64(len(data)),
	}, nil
}

func (b *URLEncoded) Close() error { return nil }

// Part is one multipart part: a text field when File is nil, a spooled file
// otherwise.
type Part struct {
	Name  string
	Value string
	File  *upload.File
}

// Multipart holds the parts of a multipart/form-data body in their original
// order. File contents live in the upload store until Close.
type Multipart struct {
	Parts []Part

	store    *upload.Store
	boundary string

	mu     sync.Mutex
	pr     *io.PipeReader
	done   chan struct{}
	closed bool
}

// NewMultipart creates a Multipart body whose files belong to store.
func NewMultipart(parts []Part, store *upload.Store) *Multipart {
	return &Multipart{
		Parts:    parts,
		store:    store,
		boundary: multipart.NewWriter(io.Discard).Boundary(),
	}
}

func (b *Multipart) Kind() Kind { return KindMultipart }

// Files returns the file parts.
func (b *Multipart) Files() []*upload.File {
	var files []*upload.File
	for _, p := range b.Parts {
		if p.File != nil {
			files = append(files, p.File)
		}
	}
	return files
}

// Boundary returns the boundary used by Encode.
func (b *Multipart) Boundary() string {
	return b.boundary
}

// Encode streams a new multipart body through a pipe, reading each file from
// disk as the backend consumes it. The length is computed up front by
// writing the part headers to a counter, so Content-Length is exact.
func (b *Multipart) Encode() (*Encoded, error) {
	length, err := b.size()
	if err != nil {
		return nil, fmt.Errorf("size multipart body: %w", err)
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("encode multipart body: already closed")
	}
	b.pr, b.done = pr, done
	b.mu.Unlock()

	go func() {
		defer close(done)
		_ = pw.CloseWithError(b.write(pw, copyFile))
	}()

	return &Encoded{
		Body:          pr,
		ContentType:   "multipart/form-data; boundary=" + b.boundary,
		ContentLength: length,
	}, nil
}

// Close stops any in-flight encoding and removes the spooled files.
func (b *Multipart) Close() error {
	b.mu.Lock()
	b.closed = true
	pr, done := b.pr, b.done
	b.mu.Unlock()

	if pr != nil {
		_ = pr.CloseWithError(io.ErrClosedPipe)
		<-done
	}
	if b.store == nil {
		return nil
	}
	return b.store.Remove(b.Files()...)
}

// size returns the exact encoded length without reading any file.
func (b *Multipart) size() (int64, error) {
	var cw countingWriter
	err := b.write(&cw, func(w io.Writer, f *upload.File) error {
		cw.n += f.Size
		return nil
	})
	return cw.n, err
}

// write emits every part to w. File contents are produced by body.
func (b *Multipart) write(w io.Writer, body func(io.Writer, *upload.File) error) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(b.boundary); err != nil {
		return err
	}
	for _, p := range b.Parts {
		if p.File == nil {
			if err := mw.WriteField(p.Name, p.Value); err != nil {
				return fmt.Errorf("write field %q: %w", p.Name, err)
			}
			continue
		}
		pw, err := mw.CreatePart(fileHeader(p.Name, p.File))
		if err != nil {
			return fmt.Errorf("create file part %q: %w", p.Name, err)
		}
		if err := body(pw, p.File); err != nil {
			return fmt.Errorf("write file part %q: %w", p.Name, err)
		}
	}
	return mw.Close()
}

func copyFile(w io.Writer, f *upload.File) error {
	src, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	n, err := io.Copy(w, src)
	if err != nil {
		return err
	}
	if n != f.Size {
		return fmt.Errorf("temp upload %s changed size: %d != %d", f.Path, n, f.Size)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func fileHeader(field string, f *upload.File) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(f.Filename)))
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	return h
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
