package pipeline

import (
	"errors"
	"fmt"
)

// retryableError marks a transient failure: the stage may be attempted
// again within the same run.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// fatalError marks a permanent failure: retrying within this run cannot
// help. The stage is marked failed immediately and left for a fix run or
// operator attention.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Retryable wraps err as a transient failure.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Retryablef is shorthand for Retryable(fmt.Errorf(...)).
func Retryablef(format string, args ...interface{}) error {
	return &retryableError{err: fmt.Errorf(format, args...)}
}

// Fatal wraps err as a permanent failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Fatalf is shorthand for Fatal(fmt.Errorf(...)).
func Fatalf(format string, args ...interface{}) error {
	return &fatalError{err: fmt.Errorf(format, args...)}
}

// orchestrationFault marks a failure of the run machinery itself, such as
// the state store rejecting a progress write. Faults abort the whole run
// instead of being tallied as item failures.
type orchestrationFault struct {
	err error
}

func (e *orchestrationFault) Error() string { return e.err.Error() }
func (e *orchestrationFault) Unwrap() error { return e.err }

// Fault wraps err as an orchestration fault.
func Fault(err error) error {
	if err == nil {
		return nil
	}
	return &orchestrationFault{err: err}
}

// IsFault reports whether err is an orchestration fault.
func IsFault(err error) bool {
	var fault *orchestrationFault
	return errors.As(err, &fault)
}

// IsRetryable reports whether err allows another attempt. Errors carrying
// no classification default to retryable: network and store hiccups are the
// common case, and a fix run catches anything that keeps failing.
func IsRetryable(err error) bool {
	var fatal *fatalError
	return !errors.As(err, &fatal)
}
