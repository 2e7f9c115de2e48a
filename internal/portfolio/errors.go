package portfolio

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid configuration. Fatal at startup.
	ErrConfiguration = errors.New("configuration error")
	// ErrInsufficientData marks a computation that fell back for lack of history.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrTimeout marks a collaborator call that exceeded its deadline.
	ErrTimeout = errors.New("collaborator call timed out")
	// ErrNotRunning is returned by engine operations outside the RUNNING state.
	ErrNotRunning = errors.New("engine is not running")
	// ErrUnknownStrategy is returned for ids that are not in the pool.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// ExecutionError wraps a failure inside a strategy or exchange collaborator.
type ExecutionError struct {
	StrategyID string
	Op         string
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.StrategyID == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("strategy %s: %s failed: %v", e.StrategyID, e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError builds an ExecutionError.
func NewExecutionError(strategyID, op string, err error) error {
	return &ExecutionError{StrategyID: strategyID, Op: op, Err: err}
}

// ConfigErrorf builds an error that satisfies errors.Is(err, ErrConfiguration).
func ConfigErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
