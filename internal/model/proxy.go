// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded upstream.
// The body is materialized eagerly so it can be replayed across attempts.
type ProxyRequest struct {
	Method string
	Path   string // upstream path relative to the base URL, no leading slash
	Query  url.Values
	Header http.Header
	Body   []byte
	Stream bool
}

// ProxyResponse represents the raw upstream response from one attempt.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Outcome classifies a single upstream attempt for the rotation controller.
type Outcome int

const (
	// OutcomeSuccess means the upstream answered with a non-429 status.
	// Body validity is judged later; a 500 with an error body still lands here.
	OutcomeSuccess Outcome = iota
	// OutcomeRateLimited means the upstream answered 429.
	OutcomeRateLimited
	// OutcomeTransient means the attempt failed at the network level.
	OutcomeTransient
)

// String returns the metrics label for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransient:
		return "transient"
	}
	return "unknown"
}

// Attempt is the result of dispatching one transformed request with one token.
type Attempt struct {
	Outcome  Outcome
	Response *ProxyResponse // set when Outcome is OutcomeSuccess; caller owns Body
	ErrBody  []byte         // captured body of a 429 response
	Err      error          // set when Outcome is OutcomeTransient
}

// Result is the single terminal response produced for one inbound request.
// Exactly one of Body or Stream is set.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
}

// ErrorEnvelope is the OpenAI-compatible error response shape.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the message and machine-readable type of an error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewErrorEnvelope builds an envelope with the given message and type.
func NewErrorEnvelope(message, errType string) ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorDetail{Message: message, Type: errType}}
}
