package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
	"github.com/felipepmaragno/cookie-gateway/internal/metrics"
	"github.com/felipepmaragno/cookie-gateway/internal/provider/sourcegraph"
	"github.com/felipepmaragno/cookie-gateway/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// ErrStreamClosed is recorded when a stream is closed before reaching its end.
var ErrStreamClosed = errors.New("stream closed before completion")

// Stream is a single-pass sequence of text deltas from one upstream call.
// It is not safe for concurrent use.
type Stream struct {
	ctx          context.Context
	d            *Dispatcher
	span         trace.Span
	resp         *sourcegraph.Response
	caller       domain.CallerContext
	model        string
	credentialID int64
	start        time.Time

	deltas int
	once   sync.Once
	err    error
}

func newStream(ctx context.Context, d *Dispatcher, span trace.Span, resp *sourcegraph.Response, caller domain.CallerContext, model string, credentialID int64, start time.Time) *Stream {
	metrics.IncrementActiveStreams()
	return &Stream{
		ctx:          ctx,
		d:            d,
		span:         span,
		resp:         resp,
		caller:       caller,
		model:        model,
		credentialID: credentialID,
		start:        start,
	}
}

// Model returns the public model name the stream was resolved for.
func (s *Stream) Model() string {
	return s.model
}

func (s *Stream) CredentialID() int64 {
	return s.credentialID
}

// Recv returns the next text delta in upstream order. It returns io.EOF after
// a terminal marker or end of stream, and the failure otherwise.
func (s *Stream) Recv() (string, error) {
	if s.err != nil {
		return "", s.err
	}

	for {
		raw, err := s.resp.Next()
		if err == io.EOF {
			s.finish(nil)
			s.err = io.EOF
			return "", io.EOF
		}
		if err != nil {
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				err = errors.Join(err, ctxErr)
			}
			s.finish(err)
			s.err = err
			return "", err
		}

		text, ok := sourcegraph.NormalizeDelta(raw)
		if !ok {
			continue
		}
		s.deltas++
		metrics.RecordDelta(s.model)
		return text, nil
	}
}

// Close releases the upstream body. Closing before the end of the stream
// records the attempt as failed.
func (s *Stream) Close() error {
	s.finish(ErrStreamClosed)
	return s.resp.Close()
}

func (s *Stream) finish(err error) {
	s.once.Do(func() {
		metrics.DecrementActiveStreams()
		s.d.record(s.ctx, s.caller, &s.credentialID, s.model, err)

		outcome := "success"
		switch {
		case errors.Is(err, ErrStreamClosed):
			outcome = "canceled"
		case errors.Is(err, context.Canceled):
			outcome = "canceled"
		case err != nil:
			outcome = "stream_error"
		}

		metrics.RecordDispatch(s.model, outcome)
		telemetry.AddOutcomeAttributes(s.span, outcome, s.deltas)
		if err != nil {
			telemetry.AddErrorAttribute(s.span, err)
			slog.Warn("upstream stream ended with error",
				"error", err,
				"request_id", s.caller.RequestID,
				"credential_id", s.credentialID,
				"model", s.model,
				"deltas", s.deltas,
			)
		} else {
			slog.Debug("upstream stream completed",
				"request_id", s.caller.RequestID,
				"credential_id", s.credentialID,
				"model", s.model,
				"deltas", s.deltas,
				"duration_ms", time.Since(s.start).Milliseconds(),
			)
		}
		s.span.End()
	})
}
