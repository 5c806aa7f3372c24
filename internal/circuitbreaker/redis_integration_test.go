//go:build integration

package circuitbreaker

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis circuit breaker tests")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func newRedisBreaker(t *testing.T, cfg Config) *RedisBreaker {
	t.Helper()
	b := NewRedis(newRedisClient(t), "test-"+t.Name(), cfg)
	ctx := context.Background()
	b.Reset(ctx)
	t.Cleanup(func() { b.Reset(ctx) })
	return b
}

func TestRedisBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b := newRedisBreaker(t, Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Minute})

	if b.State(ctx) != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State(ctx))
	}

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx)
	}

	if b.State(ctx) != StateOpen {
		t.Errorf("expected StateOpen, got %v", b.State(ctx))
	}
	if err := b.Allow(ctx); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() = %v, want ErrOpen", err)
	}
}

func TestRedisBreaker_HalfOpenCloses(t *testing.T) {
	ctx := context.Background()
	b := newRedisBreaker(t, Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: time.Second})

	b.RecordFailure(ctx)
	b.RecordFailure(ctx)

	time.Sleep(1100 * time.Millisecond)

	if err := b.Allow(ctx); err != nil {
		t.Fatalf("Allow() after timeout = %v", err)
	}
	if b.State(ctx) != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State(ctx))
	}

	b.RecordSuccess(ctx)
	b.RecordSuccess(ctx)

	if b.State(ctx) != StateClosed || b.Failures(ctx) != 0 {
		t.Errorf("state = %v, failures = %d", b.State(ctx), b.Failures(ctx))
	}
}

func TestRedisBreaker_HalfOpenReopens(t *testing.T) {
	ctx := context.Background()
	b := newRedisBreaker(t, Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: time.Second})

	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	time.Sleep(1100 * time.Millisecond)
	b.Allow(ctx)

	b.RecordFailure(ctx)

	if b.State(ctx) != StateOpen {
		t.Errorf("expected StateOpen, got %v", b.State(ctx))
	}
}

func TestRedisBreaker_Reset(t *testing.T) {
	ctx := context.Background()
	b := newRedisBreaker(t, Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})

	b.RecordFailure(ctx)
	if err := b.Reset(ctx); err != nil {
		t.Fatalf("Reset() = %v", err)
	}
	if b.State(ctx) != StateClosed {
		t.Errorf("expected StateClosed after reset, got %v", b.State(ctx))
	}
}
