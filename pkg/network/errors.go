package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Common errors returned by the transport.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrRateLimited is returned when the error budget is critical and the
	// request was not sent.
	ErrRateLimited = errors.New("request blocked: error limit critical")
)

// ErrorClass represents a classification of transport errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassAuth represents 401 and 403.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 and 520 responses and local blocks.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents connection-level failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassTimeout represents timeouts.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassParse represents a response body that could not be parsed.
	ErrorClassParse ErrorClass = "parse"

	// ErrorClassUnknown represents unexpected failures inside the dispatcher.
	ErrorClassUnknown ErrorClass = "unknown"
)

// Error is a transport error. It carries the raw response when the server
// answered, and the elapsed network time.
type Error struct {
	Class       ErrorClass
	StatusCode  int
	Response    *Response
	NetworkTime time.Duration
	Err         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s error (status %d): %v", e.Class, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s error (status %d)", e.Class, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Class, e.Err)
	default:
		return fmt.Sprintf("%s error", e.Class)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// AsError returns err as *Error if it is or wraps one.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ParseError reports a response that could not be converted into the
// request's result type.
type ParseError struct {
	Response *Response
	Err      error
}

// NewParseError wraps err with the offending response.
func NewParseError(resp *Response, err error) *ParseError {
	return &ParseError{Response: resp, Err: err}
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse response: %v", e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status code to an error class. 2xx and 304
// return the empty class.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorClassAuth
	case status == http.StatusTooManyRequests || status == 520:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classifyTransportError maps an error from http.Client.Do to a class.
func classifyTransportError(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}
	return ErrorClassNetwork
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork, ErrorClassTimeout:
		return true
	default:
		// 4xx and parse errors will fail the same way again
		return false
	}
}
