// Package dispatch sends chat requests upstream using a pooled session
// credential and exposes the reply as a pull-based sequence of text deltas.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/felipepmaragno/cookie-gateway/internal/domain"
	"github.com/felipepmaragno/cookie-gateway/internal/metrics"
	"github.com/felipepmaragno/cookie-gateway/internal/provider/sourcegraph"
	"github.com/felipepmaragno/cookie-gateway/internal/router"
	"github.com/felipepmaragno/cookie-gateway/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// CredentialStore reads the externally administered credential pool. Both
// calls hit the store every time.
type CredentialStore interface {
	// PickRandomActive returns domain.ErrNoCredentialAvailable when the pool is empty.
	PickRandomActive(ctx context.Context) (*domain.Credential, error)
	CountActive(ctx context.Context) (int, error)
}

// UsageRecorder accepts usage records without blocking the caller.
type UsageRecorder interface {
	Record(ctx context.Context, rec domain.UsageRecord)
}

// Upstream opens one streamed completion call.
type Upstream interface {
	Stream(ctx context.Context, cred domain.Credential, req sourcegraph.Request) (*sourcegraph.Response, error)
}

// RetryPolicy selects how a failed upstream call is handled.
type RetryPolicy string

const (
	// PolicySingle reports the first upstream failure to the caller.
	PolicySingle RetryPolicy = "single"
	// PolicyRotate retries a 429 with a freshly picked credential.
	PolicyRotate RetryPolicy = "rotate"
)

const (
	defaultMaxAttempts   = 3
	defaultRetryBaseWait = 500 * time.Millisecond
	maxRetryWait         = 30 * time.Second
)

type Config struct {
	Models         *router.Router
	Credentials    CredentialStore
	Usage          UsageRecorder
	Upstream       Upstream
	Policy         RetryPolicy
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

type Dispatcher struct {
	models         *router.Router
	credentials    CredentialStore
	usage          UsageRecorder
	upstream       Upstream
	policy         RetryPolicy
	maxAttempts    int
	retryBaseDelay time.Duration
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		models:         cfg.Models,
		credentials:    cfg.Credentials,
		usage:          cfg.Usage,
		upstream:       cfg.Upstream,
		policy:         cfg.Policy,
		maxAttempts:    cfg.MaxAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
	}
	if d.models == nil {
		d.models = router.Default()
	}
	if d.policy == "" {
		d.policy = PolicySingle
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxAttempts
	}
	if d.retryBaseDelay <= 0 {
		d.retryBaseDelay = defaultRetryBaseWait
	}
	return d
}

// Dispatch resolves the model, selects a credential and opens the upstream
// stream. Failures before the first byte is streamed are returned here;
// later failures surface from Stream.Recv. Every attempt that reached
// credential selection yields exactly one usage record.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.ChatRequest, caller domain.CallerContext) (*Stream, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "dispatch.chat")

	route, ok := d.models.Resolve(req.Model)
	if !ok {
		err := fmt.Errorf("%w: %s", domain.ErrInvalidModel, req.Model)
		d.fail(span, req.Model, "invalid_model", err)
		return nil, err
	}
	telemetry.AddDispatchAttributes(span, route.Name, route.ModelRef, caller.RequestID)

	body, err := sourcegraph.Translate(req, route.ModelRef)
	if err != nil {
		d.fail(span, route.Name, "translation_error", err)
		return nil, err
	}

	attempts := 1
	if d.policy == PolicyRotate {
		attempts = d.rotationBudget(ctx)
	}

	var wait *backoff.ExponentialBackOff
	for attempt := 1; ; attempt++ {
		cred, err := d.credentials.PickRandomActive(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrNoCredentialAvailable) {
				slog.Error("credential lookup failed", "error", err, "request_id", caller.RequestID)
				err = fmt.Errorf("%w: %w", domain.ErrNoCredentialAvailable, err)
			}
			d.record(ctx, caller, nil, route.Name, err)
			d.fail(span, route.Name, "no_credential", err)
			return nil, err
		}
		telemetry.AddAttemptAttributes(span, cred.ID, attempt)

		resp, err := d.upstream.Stream(ctx, *cred, body)
		if err == nil {
			metrics.RecordUpstreamStatus(resp.StatusCode)
			return newStream(ctx, d, span, resp, caller, route.Name, cred.ID, start), nil
		}

		metrics.RecordUpstreamStatus(statusOf(err))
		d.record(ctx, caller, &cred.ID, route.Name, err)

		if attempt >= attempts || !rateLimited(err) {
			slog.Warn("upstream call failed",
				"error", err,
				"request_id", caller.RequestID,
				"credential_id", cred.ID,
				"model", route.Name,
				"attempt", attempt,
			)
			d.fail(span, route.Name, "upstream_error", err)
			return nil, err
		}

		if wait == nil {
			wait = d.newBackoff()
		}
		delay := wait.NextBackOff()
		slog.Info("upstream rate limited, rotating credential",
			"request_id", caller.RequestID,
			"credential_id", cred.ID,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay_ms", delay.Milliseconds(),
		)
		metrics.RecordCredentialRotation()
		if err := sleep(ctx, delay); err != nil {
			d.fail(span, route.Name, "canceled", err)
			return nil, err
		}
	}
}

// rotationBudget bounds rotation by the configured attempts and the pool size.
func (d *Dispatcher) rotationBudget(ctx context.Context) int {
	n, err := d.credentials.CountActive(ctx)
	if err != nil {
		slog.Warn("count active credentials failed", "error", err)
		return 1
	}
	metrics.SetActiveCredentials(n)
	return max(1, min(d.maxAttempts, n))
}

func (d *Dispatcher) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryBaseDelay
	b.RandomizationFactor = 0.1
	b.Multiplier = 2
	b.MaxInterval = maxRetryWait
	b.Reset()
	return b
}

// record emits one usage record. A nil err marks success.
func (d *Dispatcher) record(ctx context.Context, caller domain.CallerContext, credentialID *int64, model string, err error) {
	rec := domain.UsageRecord{
		IPAddress:    caller.IP,
		CredentialID: credentialID,
		CallerID:     caller.CallerID,
		Model:        &model,
		Success:      err == nil,
		Timestamp:    time.Now().UTC(),
	}
	if err != nil {
		msg := usageMessage(err)
		rec.ErrorMessage = &msg
	}
	d.usage.Record(context.WithoutCancel(ctx), rec)
}

func (d *Dispatcher) fail(span trace.Span, model, outcome string, err error) {
	metrics.RecordDispatch(model, outcome)
	telemetry.AddOutcomeAttributes(span, outcome, 0)
	telemetry.AddErrorAttribute(span, err)
	span.End()
}

// usageMessage renders a bounded diagnostic for a usage record.
func usageMessage(err error) string {
	var upErr *domain.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.UsageMessage()
	}
	return domain.SanitizeDetail(err.Error(), domain.MaxErrorDetail)
}

func statusOf(err error) int {
	var upErr *domain.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.StatusCode
	}
	return 0
}

func rateLimited(err error) bool {
	var upErr *domain.UpstreamError
	return errors.As(err, &upErr) && upErr.RateLimited()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
