package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/booru/core/internal/models"
)

type fakeWriter struct {
	mu       sync.Mutex
	written  []models.Post
	failNext bool
}

func (f *fakeWriter) InsertBatch(ctx context.Context, posts []models.Post) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("boom")
	}
	f.written = append(f.written, posts...)
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func newPost() models.Post {
	return models.Post{ID: uuid.New(), LibraryID: uuid.New(), RelativePath: "a.jpg"}
}

func TestFlushDrainsOutstandingItems(t *testing.T) {
	w := &fakeWriter{}
	sink := New(w, 10, 100, 10*time.Millisecond)
	sink.Start()
	defer sink.Stop()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := sink.Enqueue(ctx, newPost()); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := w.count(); got != 5 {
		t.Fatalf("expected 5 persisted posts after flush, got %d", got)
	}
}

func TestBatchSizeTriggersFlushWithoutExplicitCall(t *testing.T) {
	w := &fakeWriter{}
	// New caps the flush interval at DefaultFlushInterval (200ms), so the
	// deadline stays below it: only the batchSize trigger can meet it.
	sink := New(w, 100, 3, time.Hour)
	sink.Start()
	defer sink.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		sink.Enqueue(ctx, newPost())
	}

	deadline := time.After(150 * time.Millisecond)
	for w.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected batch flush at size 3, got %d", w.count())
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestFailedBatchIsDiscardedNotRetried(t *testing.T) {
	w := &fakeWriter{failNext: true}
	sink := New(w, 10, 100, 10*time.Millisecond)
	sink.Start()
	defer sink.Stop()

	ctx := context.Background()
	sink.Enqueue(ctx, newPost())
	if err := sink.Flush(ctx); err == nil {
		t.Fatalf("expected flush to surface the batch error")
	}

	sink.Enqueue(ctx, newPost())
	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("second flush should succeed: %v", err)
	}
	if got := w.count(); got != 1 {
		t.Fatalf("expected only the second batch's post to persist, got %d", got)
	}
}

func TestStopDrainsQueuedItems(t *testing.T) {
	w := &fakeWriter{}
	sink := New(w, 100, 100, time.Hour)
	sink.Start()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		sink.Enqueue(ctx, newPost())
	}
	sink.Stop()

	if got := w.count(); got != 4 {
		t.Fatalf("expected Stop to drain and commit queued items, got %d", got)
	}
}
