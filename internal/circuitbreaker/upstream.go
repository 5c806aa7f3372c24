package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
	"github.com/felipepmaragno/cookie-gateway/internal/metrics"
	"github.com/felipepmaragno/cookie-gateway/internal/provider/sourcegraph"
)

// Upstream opens one streamed completion call.
type Upstream interface {
	Stream(ctx context.Context, cred domain.Credential, req sourcegraph.Request) (*sourcegraph.Response, error)
}

// GuardedUpstream rejects calls while the breaker is open. Transport failures
// and 5xx answers count against the circuit; any other answer proves the
// upstream is reachable.
type GuardedUpstream struct {
	next    Upstream
	breaker Breaker
}

func NewGuardedUpstream(next Upstream, breaker Breaker) *GuardedUpstream {
	return &GuardedUpstream{next: next, breaker: breaker}
}

func (g *GuardedUpstream) Stream(ctx context.Context, cred domain.Credential, req sourcegraph.Request) (*sourcegraph.Response, error) {
	if err := g.breaker.Allow(ctx); err != nil {
		metrics.RecordCircuitRejection()
		return nil, &domain.UpstreamError{
			Kind:   domain.UpstreamTransport,
			Detail: "upstream temporarily unavailable",
			Err:    err,
		}
	}

	resp, err := g.next.Stream(ctx, cred, req)
	switch {
	case err == nil:
		g.breaker.RecordSuccess(ctx)
	case errors.Is(err, context.Canceled):
	case countsAsOutage(err):
		g.breaker.RecordFailure(ctx)
		if g.breaker.State(ctx) == StateOpen {
			slog.Warn("upstream circuit open", "error", err)
		}
	default:
		g.breaker.RecordSuccess(ctx)
	}
	return resp, err
}

func countsAsOutage(err error) bool {
	var upErr *domain.UpstreamError
	if !errors.As(err, &upErr) {
		return true
	}
	return upErr.StatusCode == 0 || upErr.StatusCode >= 500
}
