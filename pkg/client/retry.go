package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sweep_retry_wait_seconds",
		Help:    "Wait duration before retries by error class",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_retry_exhausted_total",
		Help: "Total number of times a retry ceiling was hit by error class",
	}, []string{"error_class"})
)

// retryTransient executes fn until it succeeds, fails fatally, or hits the
// configured attempt ceiling. Transient failures (429, 5xx, network) wait
// before the next attempt: the reset-header-derived wait for 429, the
// fixed transient wait otherwise. cfg.MaxAttempts == 0 retries forever.
func retryTransient(ctx context.Context, cfg Config, logger zerolog.Logger, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !shouldRetry(apiErr.Class) {
			// Fatal: surface the specific error untouched.
			return err
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			retryExhaustedTotal.WithLabelValues(string(apiErr.Class)).Inc()
			logger.Warn().
				Str("error_class", string(apiErr.Class)).
				Int("max_attempts", cfg.MaxAttempts).
				Msg("Retry attempts exhausted")
			return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, attempt, apiErr)
		}

		wait := apiErr.RetryAfter
		if wait <= 0 {
			wait = cfg.TransientWait
		}

		retriesTotal.WithLabelValues(string(apiErr.Class)).Inc()
		retryWaitSeconds.WithLabelValues(string(apiErr.Class)).Observe(wait.Seconds())

		logger.Debug().
			Str("error_class", string(apiErr.Class)).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Retrying request after wait")

		select {
		case <-ctx.Done():
			logger.Warn().
				Str("error_class", string(apiErr.Class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry wait")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(wait):
		}
	}
}
