package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*InMemoryBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewInMemory(cfg)
	b.now = clock.now
	return b, clock
}

func TestInMemoryBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())

	if b.State(context.Background()) != StateClosed {
		t.Errorf("expected StateClosed, got %v", b.State(context.Background()))
	}
	if err := b.Allow(context.Background()); err != nil {
		t.Errorf("Allow() = %v", err)
	}
}

func TestInMemoryBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Minute})

	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	if b.State(ctx) != StateClosed {
		t.Fatalf("opened before threshold")
	}

	b.RecordFailure(ctx)
	if b.State(ctx) != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State(ctx))
	}
	if err := b.Allow(ctx); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() = %v, want ErrOpen", err)
	}
}

func TestInMemoryBreaker_SuccessResetsStreak(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})

	b.RecordFailure(ctx)
	b.RecordSuccess(ctx)
	b.RecordFailure(ctx)

	if b.State(ctx) != StateClosed || b.Failures() != 1 {
		t.Errorf("state = %v, failures = %d", b.State(ctx), b.Failures())
	}
}

func TestInMemoryBreaker_HalfOpenTransitions(t *testing.T) {
	tests := []struct {
		name      string
		afterOpen func(ctx context.Context, b *InMemoryBreaker)
		want      State
	}{
		{
			name: "closes after successes",
			afterOpen: func(ctx context.Context, b *InMemoryBreaker) {
				b.RecordSuccess(ctx)
				b.RecordSuccess(ctx)
			},
			want: StateClosed,
		},
		{
			name: "stays half-open below success threshold",
			afterOpen: func(ctx context.Context, b *InMemoryBreaker) {
				b.RecordSuccess(ctx)
			},
			want: StateHalfOpen,
		},
		{
			name: "reopens on failure",
			afterOpen: func(ctx context.Context, b *InMemoryBreaker) {
				b.RecordFailure(ctx)
			},
			want: StateOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b, clock := newTestBreaker(Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 30 * time.Second})

			b.RecordFailure(ctx)
			b.RecordFailure(ctx)

			clock.advance(29 * time.Second)
			if err := b.Allow(ctx); !errors.Is(err, ErrOpen) {
				t.Fatalf("Allow() before timeout = %v", err)
			}

			clock.advance(time.Second)
			if err := b.Allow(ctx); err != nil {
				t.Fatalf("Allow() after timeout = %v", err)
			}
			if b.State(ctx) != StateHalfOpen {
				t.Fatalf("expected StateHalfOpen, got %v", b.State(ctx))
			}

			tt.afterOpen(ctx, b)

			if got := b.State(ctx); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
