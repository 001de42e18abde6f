package client

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("request timed out")
	ErrConnectionFailed = errors.New("connection failed")
	ErrBadStatus        = errors.New("unexpected http status")
	ErrMalformedBody    = errors.New("malformed response body")
	ErrExhausted        = errors.New("retries exhausted")

	// ErrInvalidResponse means the server answered with a decodable body
	// that lacks a usable code. It is not retried.
	ErrInvalidResponse = errors.New("invalid response")
)

// TransportError is returned once every attempt of a call has failed. It
// matches ErrExhausted and the cause of the last attempt.
type TransportError struct {
	URL      string
	Proxy    string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("post %s via %s: %d attempt(s): %v", e.URL, e.Proxy, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrExhausted, e.Err}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v: %d: %s", ErrBadStatus, e.code, e.body)
}

func (e *statusError) Unwrap() error { return ErrBadStatus }
