// Package ingest is the post ingestion sink: a process-wide bounded
// channel with a single background consumer that batches new posts into
// the store.
package ingest

import (
	"context"
	"log"
	"time"

	"github.com/booru/core/internal/models"
)

// PostWriter is the persistence capability the sink needs. It is satisfied
// by the repository package; kept as a narrow interface here so the sink
// doesn't import persistence concerns it doesn't use.
type PostWriter interface {
	InsertBatch(ctx context.Context, posts []models.Post) error
}

type flushRequest struct {
	done chan error
}

// Sink has the lifecycle init -> run -> drain on shutdown.
// Enqueue is a plain blocking channel send: once the channel is full,
// callers block, which is exactly the backpressure the scanner needs.
type Sink struct {
	writer        PostWriter
	ch            chan models.Post
	flushCh       chan flushRequest
	stopCh        chan struct{}
	doneCh        chan struct{}
	batchSize     int
	flushInterval time.Duration
}

const (
	DefaultChannelCapacity = 1000
	DefaultBatchSize       = 100
	DefaultFlushInterval   = 200 * time.Millisecond
)

func New(writer PostWriter, channelCapacity, batchSize int, flushInterval time.Duration) *Sink {
	if channelCapacity <= 0 {
		channelCapacity = DefaultChannelCapacity
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 || flushInterval > DefaultFlushInterval {
		flushInterval = DefaultFlushInterval
	}
	return &Sink{
		writer:        writer,
		ch:            make(chan models.Post, channelCapacity),
		flushCh:       make(chan flushRequest),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// Start spawns the single consumer goroutine. Call once.
func (s *Sink) Start() {
	go s.run()
}

// Enqueue blocks once the channel is full, exerting backpressure on the
// caller (typically the scanner). It returns early if ctx is cancelled.
func (s *Sink) Enqueue(ctx context.Context, post models.Post) error {
	select {
	case s.ch <- post:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush drains outstanding items and commits before returning.
func (s *Sink) Flush(ctx context.Context) error {
	req := flushRequest{done: make(chan error, 1)}
	select {
	case s.flushCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals the consumer to drain and exit, and waits for it to finish.
func (s *Sink) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sink) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	buffer := make([]models.Post, 0, s.batchSize)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		err := s.writer.InsertBatch(context.Background(), buffer)
		if err != nil {
			log.Printf("ingest: batch of %d posts failed, discarding: %v", len(buffer), err)
		}
		buffer = buffer[:0]
		return err
	}

	// drain empties whatever is already queued in the channel, then commits
	// the remainder, returning the first batch error encountered.
	drain := func() error {
		var firstErr error
		for {
			select {
			case post := <-s.ch:
				buffer = append(buffer, post)
				if len(buffer) >= s.batchSize {
					if err := flush(); err != nil && firstErr == nil {
						firstErr = err
					}
				}
				continue
			default:
			}
			break
		}
		if err := flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	for {
		select {
		case post := <-s.ch:
			buffer = append(buffer, post)
			if len(buffer) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case req := <-s.flushCh:
			req.done <- drain()
		case <-s.stopCh:
			drain()
			return
		}
	}
}
