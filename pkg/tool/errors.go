package tool

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a tool call failure and decides how the task loop
// reacts to it.
type ErrorKind int

const (
	// KindFatal is an unrecoverable engine defect; it aborts the task.
	KindFatal ErrorKind = iota
	// KindRespondToModel is a malformed or unsupported request; it is
	// converted to a failed tool result and fed back to the model.
	KindRespondToModel
	// KindDenied is an approval or sandbox rejection; also fed back to
	// the model as a failed result, never fatal.
	KindDenied
)

func (k ErrorKind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindRespondToModel:
		return "respond_to_model"
	case KindDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// CallError is the engine-level failure of a tool call. Execution failures
// of the tool itself (non-zero exit, timeout) are not CallErrors; they are
// ordinary outputs with success=false.
type CallError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *CallError) Unwrap() error { return e.Err }

// Fatalf builds a task-aborting error.
func Fatalf(format string, args ...interface{}) *CallError {
	return &CallError{Kind: KindFatal, Msg: fmt.Sprintf(format, args...)}
}

// RespondToModelf builds an error the model gets to see and self-correct.
func RespondToModelf(format string, args ...interface{}) *CallError {
	return &CallError{Kind: KindRespondToModel, Msg: fmt.Sprintf(format, args...)}
}

// Deniedf builds an approval/sandbox rejection error.
func Deniedf(format string, args ...interface{}) *CallError {
	return &CallError{Kind: KindDenied, Msg: fmt.Sprintf(format, args...)}
}

// AsCallError extracts a CallError; unclassified errors default to Fatal so
// nothing silently keeps running after an engine defect.
func AsCallError(err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return &CallError{Kind: KindFatal, Msg: "internal error", Err: err}
}

var (
	// ErrUnsupportedTool marks a call to a tool with no registered
	// handler. Model-visible, not fatal.
	ErrUnsupportedTool = errors.New("unsupported tool")

	// ErrMissingCallID marks a shell-style call without an identifier.
	ErrMissingCallID = errors.New("missing call id")
)
