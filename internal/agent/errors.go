// internal/agent/errors.go
package agent

import (
	"errors"
	"fmt"
)

// ErrorCode is a string type used for structured error reporting from action executors.
type ErrorCode string

const (
	// -- General Execution Errors --
	ErrCodeExecutionFailure  ErrorCode = "EXECUTION_FAILURE"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeUnknownAction     ErrorCode = "UNKNOWN_ACTION"
	ErrCodeJSONMarshalFailed ErrorCode = "JSON_MARSHAL_FAILED"

	// -- Browser/DOM Errors --
	ErrCodeElementNotFound ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeTimeoutError    ErrorCode = "TIMEOUT_ERROR"
	ErrCodeNavigationError ErrorCode = "NAVIGATION_ERROR"
	ErrCodeScriptError     ErrorCode = "SCRIPT_ERROR"

	// -- Internal System Errors --
	ErrCodeExecutorPanic ErrorCode = "EXECUTOR_PANIC"
)

// ErrUnknownAction is matched by every *UnknownActionError.
var ErrUnknownAction = errors.New("unknown action")

// UnknownActionError reports a tool name outside the catalogue.
type UnknownActionError struct {
	Name string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Name)
}

func (e *UnknownActionError) Is(target error) bool { return target == ErrUnknownAction }

// ActionError is a recovered failure of a single browser action. It becomes
// the action's result text and never stops a run.
type ActionError struct {
	Code    ErrorCode
	Action  string
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("Error executing %s [%s]: %s", e.Action, e.Code, e.Message)
}

// DecisionError reports a decision call that failed or returned unusable tool calls.
type DecisionError struct {
	Op       string
	Attempts int
	// Timeout is set when the call was abandoned because its own deadline expired.
	Timeout bool
	Err     error
}

func (e *DecisionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("decision %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("decision %s failed: %v", e.Op, e.Err)
}

func (e *DecisionError) Unwrap() error { return e.Err }

// FatalError is an unrecoverable infrastructure failure. It carries the last
// known state so callers can report where the run stopped.
type FatalError struct {
	Phase     string
	Err       error
	LastState AgentState
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error during %s (iteration %d, url %q): %v",
		e.Phase, e.LastState.Iteration, e.LastState.CurrentURL, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
