package service

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned while the store breaker rejects calls.
var ErrCircuitOpen = errors.New("store circuit breaker open")

// QueryError reports a backing store failure. It never reaches callers of
// LoadViewport or GetCounts; those degrade to empty results.
type QueryError struct {
	Dataset string
	Op      string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s query on dataset %q failed: %v", e.Op, e.Dataset, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

func classifyBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}
