package body

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/url"

	"goods-admin-proxy/internal/config"
	"goods-admin-proxy/internal/upload"
)

var (
	// ErrMalformed is returned when a body does not match its declared content type.
	ErrMalformed = errors.New("malformed request body")
	// ErrFieldsTooLarge is returned when multipart text fields exceed proxy.max_field_bytes.
	ErrFieldsTooLarge = errors.New("multipart text fields exceed limit")
)

// fallbackFilename names a file part whose client filename normalises to "".
const fallbackFilename = "upload"

// Decoder parses request bodies into a Body.
type Decoder struct {
	store         *upload.Store
	maxFieldBytes int64
	logger        *slog.Logger
}

// NewDecoder creates a Decoder that spools multipart files to store.
func NewDecoder(cfg *config.Config, store *upload.Store, logger *slog.Logger) *Decoder {
	return &Decoder{
		store:         store,
		maxFieldBytes: cfg.Proxy.MaxFieldBytes,
		logger:        logger.With("component", "body_decoder"),
	}
}

// Decode reads r according to contentType. The returned Body must be closed
// by the caller once the backend call has finished.
func (d *Decoder) Decode(contentType string, r io.Reader, contentLength int64) (Body, error) {
	if r == nil || contentLength == 0 {
		return NewRaw(nil, 0), nil
	}

	switch KindOf(contentType) {
	case KindJSON:
		return decodeJSON(r)
	case KindURLEncoded:
		return decodeURLEncoded(r)
	case KindMultipart:
		return d.decodeMultipart(contentType, r)
	default:
		return NewRaw(r, contentLength), nil
	}
}

func decodeJSON(r io.Reader) (Body, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read json body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return NewRaw(nil, 0), nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: json: %w", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: json: trailing data after document", ErrMalformed)
	}
	return &JSON{Value: v}, nil
}

func decodeURLEncoded(r io.Reader) (Body, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read urlencoded body: %w", err)
	}
	values, err := url.ParseQuery(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: urlencoded: %w", ErrMalformed, err)
	}
	return &URLEncoded{Values: values}, nil
}

func (d *Decoder) decodeMultipart(contentType string, r io.Reader) (Body, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: multipart: %w", ErrMalformed, err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: multipart: missing boundary", ErrMalformed)
	}

	var parts []Part
	fail := func(err error) (Body, error) {
		var files []*upload.File
		for _, p := range parts {
			if p.File != nil {
				files = append(files, p.File)
			}
		}
		_ = d.store.Remove(files...)
		return nil, err
	}

	mr := multipart.NewReader(r, boundary)
	fieldBudget := d.maxFieldBytes
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("%w: multipart: %w", ErrMalformed, err))
		}

		name := p.FormName()
		if name == "" {
			_ = p.Close()
			continue
		}

		if p.FileName() == "" {
			if emptyFileInput(p) {
				_ = p.Close()
				continue
			}
			value, err := io.ReadAll(io.LimitReader(p, fieldBudget+1))
			_ = p.Close()
			if err != nil {
				return fail(fmt.Errorf("read multipart field %q: %w", name, err))
			}
			if int64(len(value)) > fieldBudget {
				return fail(ErrFieldsTooLarge)
			}
			fieldBudget -= int64(len(value))
			parts = append(parts, Part{Name: name, Value: string(value)})
			continue
		}

		filename := NormalizeFilename(p.FileName())
		if filename == "" {
			// A name like "/" or "." normalises to nothing; an empty
			// filename would read as "no file selected" downstream.
			filename = fallbackFilename
		}
		f, err := d.store.Save(name, filename, p.Header.Get("Content-Type"), p)
		_ = p.Close()
		if err != nil {
			return fail(fmt.Errorf("spool multipart file %q: %w", name, err))
		}
		parts = append(parts, Part{Name: name, File: f})
	}

	d.logger.Debug("decoded multipart body", "parts", len(parts))
	return NewMultipart(parts, d.store), nil
}

// emptyFileInput reports whether p is a file input submitted with no file
// selected, which browsers send as filename="".
func emptyFileInput(p *multipart.Part) bool {
	_, params, err := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
	if err != nil {
		return false
	}
	_, ok := params["filename"]
	return ok
}
