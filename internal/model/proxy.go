// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a browser request to be forwarded to the backend.
type ProxyRequest struct {
	Ctx       context.Context
	Method    string
	Path      string // decoded, for logging
	RawPath   string // escaped path as received
	RawQuery  string
	Header    http.Header
	RequestID string

	Body          io.Reader
	ContentLength int64 // -1 when unknown
}

// ProxyResponse represents the backend response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
