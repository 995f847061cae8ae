package sink

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rerun-io/chunkstream/internal/circuitbreaker"
	"github.com/rerun-io/chunkstream/pkg/models"
)

// ResilientSink wraps a sink with retry and circuit breaker protection.
// Transient delivery failures are retried with exponential backoff; a
// persistently failing sink opens the breaker so chunks fail fast instead of
// stalling the emit workers on a dead downstream.
type ResilientSink struct {
	inner  Sink
	cb     *circuitbreaker.CircuitBreaker
	logger zerolog.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// ResilientConfig tunes retry and breaker behavior.
type ResilientConfig struct {
	MaxFailures         int
	Timeout             time.Duration
	HalfOpenMaxRequests int

	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultResilientConfig returns the default tuning.
func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
		MaxRetries:          3,
		RetryDelay:          100 * time.Millisecond,
		RetryMaxDelay:       5 * time.Second,
	}
}

// NewResilientSink wraps inner with retries and a circuit breaker.
func NewResilientSink(inner Sink, cfg *ResilientConfig, logger zerolog.Logger) *ResilientSink {
	if cfg == nil {
		cfg = DefaultResilientConfig()
	}

	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:                "sink",
		MaxFailures:         cfg.MaxFailures,
		Timeout:             cfg.Timeout,
		HalfOpenMaxRequests: cfg.HalfOpenMaxRequests,
	}, logger)

	return &ResilientSink{
		inner:         inner,
		cb:            cb,
		logger:        logger.With().Str("component", "resilient-sink").Logger(),
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

// Consume delivers the chunk through the breaker, retrying transient
// failures with exponential backoff.
func (r *ResilientSink) Consume(ctx context.Context, chunk *models.Chunk) error {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := r.cb.Execute(func() error {
			return r.inner.Consume(ctx, chunk)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		// An open breaker will reject every retry too; bail immediately.
		if err == circuitbreaker.ErrCircuitOpen {
			r.logger.Warn().
				Str("entity_path", chunk.EntityPath).
				Msg("Chunk delivery rejected, circuit breaker open")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := r.retryDelay * time.Duration(1<<uint(attempt))
		if delay > r.retryMaxDelay {
			delay = r.retryMaxDelay
		}

		r.logger.Warn().
			Err(err).
			Str("entity_path", chunk.EntityPath).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("Chunk delivery failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// Close closes the wrapped sink.
func (r *ResilientSink) Close() error {
	return r.inner.Close()
}

// BreakerOpen reports whether deliveries are currently being rejected.
func (r *ResilientSink) BreakerOpen() bool {
	return r.cb.IsOpen()
}
