package client

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/reqdispatch/pkg/network"
)

// Common errors returned by the client.
var (
	// ErrRequestCanceled is returned by Future.Get when the wait is abandoned
	// and the request has been cancelled.
	ErrRequestCanceled = errors.New("request canceled")

	// ErrUnexpectedResult is delivered when a result does not have the
	// request kind's type.
	ErrUnexpectedResult = errors.New("unexpected result type")
)

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	if e, ok := network.AsError(err); ok {
		return e.StatusCode
	}
	return 0
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, status int) bool {
	return status != 0 && StatusCode(err) == status
}

// IsRetryable reports whether err belongs to a class the transport retries.
func IsRetryable(err error) bool {
	e, ok := network.AsError(err)
	if !ok {
		return false
	}
	switch e.Class {
	case network.ErrorClassServer, network.ErrorClassRateLimit, network.ErrorClassNetwork, network.ErrorClassTimeout:
		return true
	default:
		return false
	}
}

func unexpectedResult(want string, got any) error {
	return fmt.Errorf("%w: want %s, got %T", ErrUnexpectedResult, want, got)
}
