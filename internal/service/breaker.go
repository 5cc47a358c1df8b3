package service

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/poimap/server/internal/logging"
	"github.com/poimap/server/internal/metrics"
)

// BreakerConfig contains store circuit breaker settings.
// MaxFailures <= 0 disables the breaker.
type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// storeBreaker trips after consecutive store failures so a dead backend is not
// hammered by every viewport request and prefetch.
type storeBreaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

func newStoreBreaker(dataset string, cfg BreakerConfig) *storeBreaker {
	if cfg.MaxFailures == 0 {
		return nil
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	metrics.BreakerState.WithLabelValues(dataset).Set(0)
	st := gobreaker.Settings{
		Name:        "store:" + dataset,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// caller cancellation says nothing about backend health
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(dataset).Set(float64(to))
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("store breaker state changed")
		},
	}
	return &storeBreaker{cb: gobreaker.NewCircuitBreaker[any](st)}
}

// execute runs fn through the breaker. A nil breaker calls fn directly.
func (b *storeBreaker) execute(fn func() (any, error)) (any, error) {
	if b == nil {
		return fn()
	}
	v, err := b.cb.Execute(fn)
	if err != nil {
		return nil, classifyBreakerErr(err)
	}
	return v, nil
}
