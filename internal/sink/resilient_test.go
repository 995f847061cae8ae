package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rerun-io/chunkstream/internal/circuitbreaker"
	"github.com/rerun-io/chunkstream/pkg/models"
)

// flakySink fails the first failCount deliveries, then succeeds.
type flakySink struct {
	mu        sync.Mutex
	failCount int
	calls     int
	closed    bool
}

func (f *flakySink) Consume(ctx context.Context, chunk *models.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failCount {
		return errors.New("downstream unavailable")
	}
	return nil
}

func (f *flakySink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *flakySink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:         3,
		Timeout:             50 * time.Millisecond,
		HalfOpenMaxRequests: 1,
		MaxRetries:          3,
		RetryDelay:          time.Millisecond,
		RetryMaxDelay:       5 * time.Millisecond,
	}
}

func TestResilientSinkRetriesTransientFailures(t *testing.T) {
	inner := &flakySink{failCount: 2}
	rs := NewResilientSink(inner, testResilientConfig(), zerolog.Nop())

	if err := rs.Consume(context.Background(), testChunk()); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got := inner.callCount(); got != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", got)
	}
}

func TestResilientSinkExhaustsRetries(t *testing.T) {
	inner := &flakySink{failCount: 100}
	cfg := testResilientConfig()
	cfg.MaxFailures = 10 // keep the breaker out of the way
	rs := NewResilientSink(inner, cfg, zerolog.Nop())

	err := rs.Consume(context.Background(), testChunk())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := inner.callCount(); got != cfg.MaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", cfg.MaxRetries+1, got)
	}
}

func TestResilientSinkOpenBreakerFailsFast(t *testing.T) {
	inner := &flakySink{failCount: 100}
	rs := NewResilientSink(inner, testResilientConfig(), zerolog.Nop())

	// Trip the breaker.
	_ = rs.Consume(context.Background(), testChunk())
	if !rs.BreakerOpen() {
		t.Fatal("expected breaker to be open")
	}

	before := inner.callCount()
	err := rs.Consume(context.Background(), testChunk())
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if got := inner.callCount(); got != before {
		t.Fatalf("inner sink invoked %d times while breaker open", got-before)
	}
}

func TestResilientSinkRecoversAfterTimeout(t *testing.T) {
	inner := &flakySink{failCount: 3}
	rs := NewResilientSink(inner, testResilientConfig(), zerolog.Nop())

	_ = rs.Consume(context.Background(), testChunk())
	if !rs.BreakerOpen() {
		t.Fatal("expected breaker to be open")
	}

	time.Sleep(60 * time.Millisecond)

	if err := rs.Consume(context.Background(), testChunk()); err != nil {
		t.Fatalf("Consume after recovery: %v", err)
	}
	if rs.BreakerOpen() {
		t.Fatal("expected breaker to close after successful probe")
	}
}

func TestResilientSinkHonorsContextCancellation(t *testing.T) {
	inner := &flakySink{failCount: 100}
	cfg := testResilientConfig()
	cfg.MaxFailures = 10
	cfg.RetryDelay = time.Second
	rs := NewResilientSink(inner, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rs.Consume(ctx, testChunk()) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after cancellation")
	}
}

func TestResilientSinkCloseDelegates(t *testing.T) {
	inner := &flakySink{}
	rs := NewResilientSink(inner, nil, zerolog.Nop())

	if err := rs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !inner.closed {
		t.Fatal("expected inner sink to be closed")
	}
}
