package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition        = errors.New("invalid state transition")
	ErrPreConditionNotFulfilled = errors.New("precondition not fulfilled")
	ErrUpdateNotFound           = errors.New("update not found")
	ErrArgumentOutOfRange       = errors.New("argument out of range")
	ErrEngineFailure            = errors.New("update engine failure")

	errEulaNotAccepted = errors.New("eula is still not accepted")
)

// InvalidTransitionError reports a move the transition table does not define.
type InvalidTransitionError struct {
	From StateID
	To   StateID
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// PreConditionNotFulfilledError reports a defined move whose guard refused it.
type PreConditionNotFulfilledError struct {
	From   StateID
	To     StateID
	Reason string
}

func (e *PreConditionNotFulfilledError) Error() string {
	return fmt.Sprintf("cannot change state from %s to %s: %s", e.From, e.To, e.Reason)
}

func (e *PreConditionNotFulfilledError) Is(target error) bool {
	return target == ErrPreConditionNotFulfilled
}

type UpdateNotFoundError struct {
	ID string
}

func (e *UpdateNotFoundError) Error() string {
	if e.ID == "" {
		return "update not found: no search result available"
	}
	return fmt.Sprintf("update %q not found in the current search result", e.ID)
}

func (e *UpdateNotFoundError) Is(target error) bool { return target == ErrUpdateNotFound }

type ArgumentOutOfRangeError struct {
	Name  string
	Value int
	Max   int
}

func (e *ArgumentOutOfRangeError) Error() string {
	return fmt.Sprintf("%s %d is out of range [0, %d]", e.Name, e.Value, e.Max)
}

func (e *ArgumentOutOfRangeError) Is(target error) bool { return target == ErrArgumentOutOfRange }

// EngineError wraps a failure reported by the update engine.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) Is(target error) bool { return target == ErrEngineFailure }

func engineError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Op: op, Err: err}
}
