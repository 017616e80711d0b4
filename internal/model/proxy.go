// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Target is the request-target as received: path plus raw query.
	Target        string
	Header        http.Header
	ContentLength int64
	Body          io.Reader
}

// Outcome is the result of forwarding one request. It is one of
// Responded, Rejected or Failed.
type Outcome interface {
	outcome()
}

// Responded is an upstream answer relayed verbatim.
type Responded struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Rejected is a non-2xx upstream answer. Only the status and body are
// relayed; the response is labelled application/json.
type Rejected struct {
	StatusCode int
	Body       []byte
}

// Failed means no usable upstream response was obtained. Reason is the
// caller-facing description; Err is the underlying cause, kept for logs.
type Failed struct {
	Reason string
	Err    error
}

func (Responded) outcome() {}
func (Rejected) outcome()  {}
func (Failed) outcome()    {}

