package nodeflow

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCycle marks a graph that is not a DAG.
	ErrCycle = errors.New("workflow contains a cycle")
	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition is returned when an execution status would move
	// backwards or leave a terminal state.
	ErrIllegalTransition = errors.New("illegal execution status transition")
	// ErrCancelled is returned when an execution was cancelled between nodes.
	ErrCancelled = errors.New("execution cancelled")
)

// ConfigError is a permanent failure: retrying with the same inputs cannot
// succeed.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

// TransientError is a failure expected to heal on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NonRetriable marks err as permanent. A nil err stays nil.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	var cfg *ConfigError
	if errors.As(err, &cfg) {
		return err
	}
	return &ConfigError{Err: err}
}

// NonRetriablef formats a permanent error.
func NonRetriablef(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// Transient marks err as retriable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsRetriable classifies err. Configuration errors, cycles and cancellation
// are permanent; everything else, including unclassified errors, is
// retriable.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var cfg *ConfigError
	if errors.As(err, &cfg) {
		return false
	}
	if errors.Is(err, ErrCycle) || errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
