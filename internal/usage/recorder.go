// Package usage persists usage records off the request path.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
	"github.com/felipepmaragno/cookie-gateway/internal/metrics"
)

const (
	defaultBufferSize  = 1024
	defaultSinkTimeout = 5 * time.Second
)

// Sink stores or forwards one usage record.
type Sink interface {
	Insert(ctx context.Context, rec domain.UsageRecord) error
}

// AsyncRecorder queues records and writes them to every sink from a single
// worker. Record never blocks; a full queue drops the record.
type AsyncRecorder struct {
	sinks       []Sink
	queue       chan domain.UsageRecord
	sinkTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsyncRecorder(bufferSize int, sinks ...Sink) *AsyncRecorder {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	r := &AsyncRecorder{
		sinks:       sinks,
		queue:       make(chan domain.UsageRecord, bufferSize),
		sinkTimeout: defaultSinkTimeout,
		done:        make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *AsyncRecorder) Record(ctx context.Context, rec domain.UsageRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		metrics.RecordUsage("dropped")
		slog.Warn("usage recorder closed, dropping record", "ip", rec.IPAddress)
		return
	}

	select {
	case r.queue <- rec:
	default:
		metrics.RecordUsage("dropped")
		slog.Warn("usage queue full, dropping record", "ip", rec.IPAddress, "success", rec.Success)
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		r.write(rec)
	}
}

func (r *AsyncRecorder) write(rec domain.UsageRecord) {
	for _, sink := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.sinkTimeout)
		err := sink.Insert(ctx, rec)
		cancel()
		if err != nil {
			metrics.RecordUsage("failed")
			slog.Error("failed to write usage record", "error", err)
			continue
		}
		metrics.RecordUsage("written")
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("usage recorder drain interrupted"), ctx.Err())
	}
}
