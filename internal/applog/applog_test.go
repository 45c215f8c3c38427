package applog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/booru/core/internal/models"
)

type fakeWriter struct {
	mu      sync.Mutex
	entries []models.AppLogEntry
}

func (f *fakeWriter) InsertBatch(ctx context.Context, entries []models.AppLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeWriter) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeWriter) DeleteOldestBatch(ctx context.Context, maxRows, batchSize int) (int64, error) {
	return 0, nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestPipelineFlushesOnBatchSize(t *testing.T) {
	w := &fakeWriter{}
	p := New(w, Config{Capacity: 100, BatchSize: 5, FlushInterval: time.Hour, RetentionPeriod: time.Hour})
	p.Start()
	defer p.Stop()

	for i := 0; i < 5; i++ {
		p.Record(models.LogLevelInfo, "test", "message")
	}

	deadline := time.Now().Add(2 * time.Second)
	for w.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if w.count() != 5 {
		t.Fatalf("expected 5 entries flushed, got %d", w.count())
	}
}

func TestPipelineFlushesOnTicker(t *testing.T) {
	w := &fakeWriter{}
	p := New(w, Config{Capacity: 100, BatchSize: 100, FlushInterval: 20 * time.Millisecond, RetentionPeriod: time.Hour})
	p.Start()
	defer p.Stop()

	p.Record(models.LogLevelWarning, "test", "one entry")

	deadline := time.Now().Add(2 * time.Second)
	for w.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if w.count() != 1 {
		t.Fatalf("expected 1 entry flushed via ticker, got %d", w.count())
	}
}

func TestPipelineDropsOnFullChannel(t *testing.T) {
	w := &fakeWriter{}
	p := New(w, Config{Capacity: 1, BatchSize: 100, FlushInterval: time.Hour, RetentionPeriod: time.Hour})
	// Do not Start(): nothing drains the channel, so the second Record must drop.
	p.Record(models.LogLevelError, "test", "first")
	p.Record(models.LogLevelError, "test", "second")

	if p.Dropped() != 1 {
		t.Fatalf("expected 1 dropped entry, got %d", p.Dropped())
	}
}

func TestPipelineStopFlushesRemaining(t *testing.T) {
	w := &fakeWriter{}
	p := New(w, Config{Capacity: 100, BatchSize: 100, FlushInterval: time.Hour, RetentionPeriod: time.Hour})
	p.Start()

	p.Record(models.LogLevelDebug, "test", "a")
	p.Record(models.LogLevelDebug, "test", "b")
	p.Stop()

	if w.count() != 2 {
		t.Fatalf("expected 2 entries flushed on stop, got %d", w.count())
	}
}
