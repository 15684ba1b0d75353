package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindInvalidInput      Kind = "invalid_input"
	KindClassifierFailure Kind = "classifier_failure"
	KindNoPrediction      Kind = "no_prediction"
	KindUnknownFood       Kind = "unknown_food"
)

// Reason refines a classifier failure.
type Reason string

const (
	ReasonTimeout   Reason = "timeout"
	ReasonStatus    Reason = "status"
	ReasonMalformed Reason = "malformed_response"
	ReasonTransport Reason = "transport"
)

// Error is the terminal failure of a single pipeline run.
type Error struct {
	Kind   Kind
	Reason Reason
	// Label is set for KindUnknownFood.
	Label string
	// StatusCode and Body carry the upstream response for status failures.
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnknownFood:
		return fmt.Sprintf("unknown food %q", e.Label)
	case KindNoPrediction:
		return "could not identify food"
	case KindClassifierFailure:
		if e.Err != nil {
			return fmt.Sprintf("classifier failure (%s): %v", e.Reason, e.Err)
		}
		return fmt.Sprintf("classifier failure (%s)", e.Reason)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind of err, or "" when err is not a pipeline error.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}

func invalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Err: fmt.Errorf(format, args...)}
}
