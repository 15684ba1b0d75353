package classifier

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse is wrapped by every ParseError.
var ErrMalformedResponse = errors.New("malformed prediction response")

// StatusError is returned when the endpoint answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("prediction endpoint status %d", e.StatusCode)
	}
	return fmt.Sprintf("prediction endpoint status %d: %s", e.StatusCode, e.Body)
}

// ParseError reports a 200 response whose body does not match the schema.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrMalformedResponse, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrMalformedResponse, e.Reason)
}

func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedResponse}
	}
	return []error{ErrMalformedResponse, e.Err}
}
