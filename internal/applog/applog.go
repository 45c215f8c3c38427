// Package applog is the log capture pipeline: a bounded in-process
// channel feeding a batched writer, plus a retention service. Structured
// rows persisted here are a separate concern from the ambient log.Printf
// lines the rest of the module uses for process-level messages.
package applog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/booru/core/internal/models"
)

type Writer interface {
	InsertBatch(ctx context.Context, entries []models.AppLogEntry) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOldestBatch(ctx context.Context, maxRows, batchSize int) (int64, error)
}

type Config struct {
	Capacity        int
	BatchSize       int
	FlushInterval   time.Duration
	RetentionDays   int
	MaxRows         int
	RetentionPeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		Capacity:        5000,
		BatchSize:       100,
		FlushInterval:   2 * time.Second,
		RetentionDays:   30,
		MaxRows:         100000,
		RetentionPeriod: time.Hour,
	}
}

// Pipeline owns the channel, the writer goroutine, and the retention timer.
// writing is a process-wide flag set while a batch is being persisted, so
// that persistence never feeds records back into the channel. It is not
// scoped to the writer goroutine: a Record call from any goroutine made
// while a batch is being written is dropped, and is not counted by Dropped.
type Pipeline struct {
	cfg      Config
	writer   Writer
	ch       chan models.AppLogEntry
	stopCh   chan struct{}
	doneCh   chan struct{}
	writing  int32
	dropped  int64
}

func New(writer Writer, cfg Config) *Pipeline {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = DefaultConfig().RetentionPeriod
	}
	return &Pipeline{
		cfg:    cfg,
		writer: writer,
		ch:     make(chan models.AppLogEntry, cfg.Capacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Record enqueues a log entry. On a full channel the newest write is
// dropped; log loss here is an accepted tradeoff, never a blocking call.
func (p *Pipeline) Record(level models.LogLevel, category, message string) {
	if atomic.LoadInt32(&p.writing) == 1 {
		return
	}
	entry := models.AppLogEntry{
		ID:           uuid.New(),
		TimestampUtc: time.Now().UTC(),
		Level:        level,
		Category:     category,
		Message:      message,
	}
	select {
	case p.ch <- entry:
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

func (p *Pipeline) Dropped() int64 {
	return atomic.LoadInt64(&p.dropped)
}

// Start spawns the writer loop and the retention loop.
func (p *Pipeline) Start() {
	go p.runWriter()
	go p.runRetention()
}

func (p *Pipeline) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Pipeline) runWriter() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	buffer := make([]models.AppLogEntry, 0, p.cfg.BatchSize)
	flush := func() {
		if len(buffer) == 0 {
			return
		}
		atomic.StoreInt32(&p.writing, 1)
		p.writer.InsertBatch(context.Background(), buffer)
		atomic.StoreInt32(&p.writing, 0)
		buffer = buffer[:0]
	}

	for {
		select {
		case e := <-p.ch:
			buffer = append(buffer, e)
			if len(buffer) >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-p.stopCh:
			for {
				select {
				case e := <-p.ch:
					buffer = append(buffer, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (p *Pipeline) runRetention() {
	ticker := time.NewTicker(p.cfg.RetentionPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.enforceRetention()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pipeline) enforceRetention() {
	ctx := context.Background()
	cutoff := time.Now().UTC().AddDate(0, 0, -p.cfg.RetentionDays)
	p.writer.DeleteOlderThan(ctx, cutoff)

	for {
		n, err := p.writer.DeleteOldestBatch(ctx, p.cfg.MaxRows, 1000)
		if err != nil || n == 0 {
			return
		}
	}
}
