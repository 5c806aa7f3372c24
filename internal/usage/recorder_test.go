package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
	"github.com/felipepmaragno/cookie-gateway/internal/metrics"
	"github.com/felipepmaragno/cookie-gateway/internal/repository"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type MockSink struct {
	InsertFunc func(ctx context.Context, rec domain.UsageRecord) error
}

func (m *MockSink) Insert(ctx context.Context, rec domain.UsageRecord) error {
	return m.InsertFunc(ctx, rec)
}

func TestAsyncRecorder_WritesAllSinks(t *testing.T) {
	first := repository.NewInMemoryUsageRepository()
	second := repository.NewInMemoryUsageRepository()
	r := NewAsyncRecorder(10, first, second)

	for i := 0; i < 5; i++ {
		r.Record(context.Background(), domain.UsageRecord{IPAddress: "10.0.0.1", Success: true})
	}

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for name, repo := range map[string]*repository.InMemoryUsageRepository{"first": first, "second": second} {
		records := repo.Records()
		if len(records) != 5 {
			t.Errorf("%s sink records = %d, want 5", name, len(records))
		}
		for _, rec := range records {
			if rec.Timestamp.IsZero() {
				t.Errorf("%s sink got record without timestamp", name)
			}
		}
	}
}

func TestAsyncRecorder_SinkErrorSwallowed(t *testing.T) {
	metrics.UsageRecords.Reset()

	failing := &MockSink{InsertFunc: func(ctx context.Context, rec domain.UsageRecord) error {
		return errors.New("disk full")
	}}
	ok := repository.NewInMemoryUsageRepository()
	r := NewAsyncRecorder(10, failing, ok)

	r.Record(context.Background(), domain.UsageRecord{IPAddress: "10.0.0.1"})
	r.Close(context.Background())

	if len(ok.Records()) != 1 {
		t.Error("healthy sink did not receive record")
	}
	if got := testutil.ToFloat64(metrics.UsageRecords.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
}

func TestAsyncRecorder_RecordNeverBlocks(t *testing.T) {
	metrics.UsageRecords.Reset()

	release := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	blocking := &MockSink{InsertFunc: func(ctx context.Context, rec domain.UsageRecord) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}}
	r := NewAsyncRecorder(1, blocking)

	r.Record(context.Background(), domain.UsageRecord{IPAddress: "a"})
	<-started

	done := make(chan struct{})
	go func() {
		r.Record(context.Background(), domain.UsageRecord{IPAddress: "b"})
		r.Record(context.Background(), domain.UsageRecord{IPAddress: "c"})
		r.Record(context.Background(), domain.UsageRecord{IPAddress: "d"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	if got := testutil.ToFloat64(metrics.UsageRecords.WithLabelValues("dropped")); got != 2 {
		t.Errorf("dropped = %v, want 2", got)
	}

	close(release)
	r.Close(context.Background())
}

func TestAsyncRecorder_RecordAfterClose(t *testing.T) {
	repo := repository.NewInMemoryUsageRepository()
	r := NewAsyncRecorder(10, repo)

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r.Record(context.Background(), domain.UsageRecord{IPAddress: "late"})

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if len(repo.Records()) != 0 {
		t.Error("record accepted after close")
	}
}

func TestAsyncRecorder_CloseHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	blocking := &MockSink{InsertFunc: func(ctx context.Context, rec domain.UsageRecord) error {
		<-release
		return nil
	}}
	r := NewAsyncRecorder(10, blocking)
	r.Record(context.Background(), domain.UsageRecord{IPAddress: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := r.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want deadline exceeded", err)
	}
}
