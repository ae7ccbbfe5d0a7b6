package liquidity

import (
	"errors"
	"fmt"
)

var (
	// ErrQuoteUnavailable means no provider quote survived the slippage filter.
	ErrQuoteUnavailable = errors.New("Unable to get quote for route")
	// ErrSlippageExceeded covers single leg and compound slippage violations.
	ErrSlippageExceeded = errors.New("slippage exceeded")
	// ErrUnsupportedStrategy is returned when execution is dispatched to an unknown strategy.
	ErrUnsupportedStrategy = errors.New("unsupported strategy")
	// ErrPersistencePartialFailure marks a batch write where some records failed.
	ErrPersistencePartialFailure = errors.New("rebalance batch partially persisted")
	// ErrExternalExecution wraps provider execute or receive-message failures.
	ErrExternalExecution = errors.New("external execution failure")
	// ErrRecoveryFailure marks a job that exhausted its attempts.
	ErrRecoveryFailure = errors.New("recovery failure")
)

// UnsupportedStrategyError names the strategy that could not be dispatched.
type UnsupportedStrategyError struct {
	Strategy Strategy
}

func (e *UnsupportedStrategyError) Error() string {
	return fmt.Sprintf("Strategy not supported: %s", e.Strategy)
}

func (e *UnsupportedStrategyError) Unwrap() error { return ErrUnsupportedStrategy }

// SlippageError reports the offending slippage and the configured bound.
type SlippageError struct {
	Slippage float64
	Max      float64
	Fallback bool
}

func (e *SlippageError) Error() string {
	if e.Fallback {
		return fmt.Sprintf("Fallback quote slippage %v exceeds maximum allowed %v", e.Slippage, e.Max)
	}
	return fmt.Sprintf("quote slippage %v exceeds maximum allowed %v", e.Slippage, e.Max)
}

func (e *SlippageError) Unwrap() error { return ErrSlippageExceeded }

// PartialFailureError is returned by batch persistence when some writes failed.
type PartialFailureError struct {
	Failed int
	Total  int
	Errs   []error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%d out of %d rebalances failed to persist", e.Failed, e.Total)
}

func (e *PartialFailureError) Unwrap() []error {
	return append([]error{ErrPersistencePartialFailure}, e.Errs...)
}

// ExecutionFailed tags a provider error as an external execution failure.
func ExecutionFailed(strategy Strategy, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrExternalExecution, strategy, err)
}
