package orchestrator

import (
	"fmt"

	"github.com/c360studio/stageflow/generation"
	"github.com/c360studio/stageflow/stream"
	"github.com/c360studio/stageflow/workflow"
)

// StageError is the terminal failure of a stage run.
type StageError struct {
	Code    stream.ErrorCode
	Message string
	Issues  []workflow.QualityIssue
	Err     error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrorCode implements stream.CodedError.
func (e *StageError) ErrorCode() stream.ErrorCode {
	return e.Code
}

func unknownError(msg string, err error) *StageError {
	return &StageError{Code: stream.CodeUnknown, Message: msg, Err: err}
}

// generationError maps a generation failure to its wire code and hint.
// EMPTY_RESPONSE is reported as SCHEMA.
func generationError(err error) *StageError {
	se := &StageError{Err: err}
	switch generation.KindOf(err) {
	case generation.KindTimeout:
		se.Code, se.Message = stream.CodeTimeout, "generation timed out, retry or switch tier"
	case generation.KindNetwork:
		se.Code, se.Message = stream.CodeNetwork, "could not reach the generation backend"
	case generation.KindSchema:
		se.Code, se.Message = stream.CodeSchema, "generated output did not match the expected structure"
	case generation.KindEmptyResponse:
		se.Code, se.Message = stream.CodeSchema, "generation backend returned an empty response"
	default:
		se.Code, se.Message = stream.CodeUnknown, "generation failed"
	}
	return se
}

func qaError(issues []workflow.QualityIssue) *StageError {
	msg := "output failed quality checks"
	for _, is := range issues {
		if is.Severity == workflow.SeverityBlocker {
			msg = fmt.Sprintf("%s: %s", msg, is.Hint)
			break
		}
	}
	return &StageError{Code: stream.CodeQA, Message: msg, Issues: issues}
}
