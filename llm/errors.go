package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies why a completion failed.
type ErrorKind string

const (
	// KindTimeout means the call exceeded its deadline.
	KindTimeout ErrorKind = "timeout"

	// KindCanceled means the caller canceled the context.
	KindCanceled ErrorKind = "canceled"

	// KindUnavailable covers transport failures, rate limiting and 5xx responses.
	KindUnavailable ErrorKind = "unavailable"

	// KindProvider covers non-retryable provider rejections (auth, bad request).
	KindProvider ErrorKind = "provider"

	// KindEmpty means the provider answered with no content.
	KindEmpty ErrorKind = "empty"
)

// Error is a classified completion failure.
type Error struct {
	Kind       ErrorKind
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("llm %s (%s): %v", e.Kind, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of a classified error. Unclassified errors are
// inspected for context and network timeouts before falling back to provider.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return classify(err)
}

// IsTransient returns true if a later attempt could succeed.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUnavailable:
		return true
	}
	return false
}

// IsFatal returns true if the error should not be retried against the same endpoint.
func IsFatal(err error) bool {
	return KindOf(err) == KindProvider
}

func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindUnavailable
	}
	return KindProvider
}
