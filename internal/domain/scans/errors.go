package scans

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError marks a bad request shape or an illegal state transition.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a *ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError marks an unknown scan, assignment, benchmark or target.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ExecutionTimeoutError is returned when the checker outlives its deadline and was killed.
type ExecutionTimeoutError struct {
	Timeout time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("checker timed out after %s and was terminated", e.Timeout)
}

// ExecutionFailedError is a non-zero exit or a failure envelope from the checker.
type ExecutionFailedError struct {
	ExitCode int
	Stderr   string
	Msg      string
}

func (e *ExecutionFailedError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = fmt.Sprintf("checker exited with code %d", e.ExitCode)
	}
	if e.Stderr != "" {
		return msg + ": " + e.Stderr
	}
	return msg
}

// ErrStaleWrite is returned by Repository.SaveState when the row changed since it was read.
var ErrStaleWrite = errors.New("scan was modified concurrently")

// BrokerUnavailableError means the dispatch mechanism itself is down.
type BrokerUnavailableError struct {
	Broker string
	Err    error
}

func (e *BrokerUnavailableError) Error() string {
	return fmt.Sprintf("%s broker unavailable: %v", e.Broker, e.Err)
}

func (e *BrokerUnavailableError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

func IsBrokerUnavailable(err error) bool {
	var v *BrokerUnavailableError
	return errors.As(err, &v)
}

func IsTimeout(err error) bool {
	var v *ExecutionTimeoutError
	return errors.As(err, &v)
}
