package generation

import (
	"errors"
	"fmt"

	"github.com/c360studio/stageflow/llm"
	"github.com/c360studio/stageflow/model"
)

// ErrorKind is the failure taxonomy of a generation attempt.
type ErrorKind string

const (
	KindTimeout       ErrorKind = "TIMEOUT"
	KindNetwork       ErrorKind = "NETWORK"
	KindSchema        ErrorKind = "SCHEMA"
	KindEmptyResponse ErrorKind = "EMPTY_RESPONSE"
	KindUnknown       ErrorKind = "UNKNOWN"

	// KindCanceled means the caller abandoned the call. It is never reported
	// to a client because the session that asked for it is already gone.
	KindCanceled ErrorKind = "CANCELED"
)

// Error is a failed generation attempt.
type Error struct {
	Kind    ErrorKind
	Tier    model.Tier
	Attempt int
	// Raw holds the unparsed completion for SCHEMA failures.
	Raw string
	Err error
}

func (e *Error) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("generation %s (tier %s, attempt %d): %v", e.Kind, e.Tier, e.Attempt, e.Err)
	}
	return fmt.Sprintf("generation %s (tier %s): %v", e.Kind, e.Tier, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the generation kind of err, or UNKNOWN for foreign errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// fromLLM maps a backend error kind to the generation taxonomy.
func fromLLM(k llm.ErrorKind) ErrorKind {
	switch k {
	case llm.KindTimeout:
		return KindTimeout
	case llm.KindCanceled:
		return KindCanceled
	case llm.KindUnavailable:
		return KindNetwork
	case llm.KindEmpty:
		return KindEmptyResponse
	}
	return KindUnknown
}
