package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyInstruction = errors.New("workflow: instruction must not be empty")
	ErrInvalidThreshold = errors.New("workflow: threshold must not be negative")
	ErrEmptyResponse    = errors.New("workflow: responder returned empty content")
)

// StepError reports a run that aborted while in State.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("workflow: %s step failed: %v", e.State, e.Err)
}

func (e *StepError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// FailedState returns the state tag of a *StepError wrapped in err.
func FailedState(err error) (State, bool) {
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		return "", false
	}
	return stepErr.State, true
}
