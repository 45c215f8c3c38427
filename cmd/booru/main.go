// Command booru is the server-core entrypoint: it wires every component in
// internal/ into a running process and blocks until terminated. HTTP
// routing, cookie auth, and the thumbnail file server are external
// collaborators and are not started here.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/booru/core/internal/applog"
	"github.com/booru/core/internal/config"
	"github.com/booru/core/internal/db"
	"github.com/booru/core/internal/duplicate"
	"github.com/booru/core/internal/ffmpeg"
	"github.com/booru/core/internal/ingest"
	"github.com/booru/core/internal/jobs"
	"github.com/booru/core/internal/librarysync"
	"github.com/booru/core/internal/phash"
	"github.com/booru/core/internal/repository"
	"github.com/booru/core/internal/scheduler"
	"github.com/booru/core/internal/version"
)

const bannerArt = `
  _
 | |__   ___   ___  _ __ _   _
 | '_ \ / _ \ / _ \| '__| | | |
 | |_) | (_) | (_) | |  | |_| |
 |_.__/ \___/ \___/|_|   \__,_|
`

// defaultThumbnailMaxSize is the longest-side cap GenerateThumbnail
// enforces when no per-request override is given.
const defaultThumbnailMaxSize = 512

func main() {
	v := version.Load()
	fmt.Print(bannerArt)
	fmt.Printf("  booru server core — version %s\n\n", v)

	cfg := config.Load()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer database.Close()

	if err := db.Migrate(database, "migrations"); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		log.Fatalf("ffmpeg not found on PATH: %v", err)
	}
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		log.Fatalf("ffprobe not found on PATH: %v", err)
	}

	libraries := repository.NewLibraryRepository(database)
	posts := repository.NewPostRepository(database)
	tags := repository.NewTagRepository(database)
	jobRepo := repository.NewJobRepository(database)
	duplicateRepo := repository.NewDuplicateRepository(database)
	appLogRepo := repository.NewAppLogRepository(database)

	if n, err := jobRepo.ReconcileOnStartup(); err != nil {
		log.Fatalf("reconcile job executions: %v", err)
	} else if n > 0 {
		log.Printf("reconciled %d job execution(s) left Running after an unclean shutdown", n)
	}

	logPipeline := applog.New(appLogRepo, applog.Config{
		Capacity:      cfg.Logging.Db.Capacity,
		BatchSize:     cfg.Logging.Db.BatchSize,
		FlushInterval: time.Duration(cfg.Logging.Db.FlushIntervalMs) * time.Millisecond,
		RetentionDays: cfg.Logging.Db.RetentionDays,
		MaxRows:       cfg.Logging.Db.MaxRows,
	})
	logPipeline.Start()

	sink := ingest.New(posts, cfg.Ingestion.ChannelCapacity, cfg.Ingestion.BatchSize, 0)
	sink.Start()

	syncProcessor := librarysync.New(posts, libraries, sink)

	metadataLimiter := rate.NewLimiter(rate.Limit(cfg.Processing.MetadataParallelism), cfg.Processing.MetadataParallelism)
	similarityLimiter := rate.NewLimiter(rate.Limit(cfg.Processing.SimilarityParallelism), cfg.Processing.SimilarityParallelism)
	thumbnailLimiter := rate.NewLimiter(rate.Limit(cfg.Processing.ThumbnailParallelism), cfg.Processing.ThumbnailParallelism)

	prober := ffmpeg.NewFFprobe(ffprobePath, 30*time.Second).WithLimiter(metadataLimiter)
	thumbnailer := ffmpeg.NewThumbnailer(ffmpegPath, 60*time.Second).WithLimiter(thumbnailLimiter).WithTempDir(cfg.Storage.TempPath)
	hasher := phash.New(ffmpegPath, 30*time.Second).WithLimiter(similarityLimiter)

	dupEngine := duplicate.New(posts, duplicateRepo, posts, libraries)

	registry := jobs.NewRegistry()
	jobs.RegisterAll(registry, &jobs.Deps{
		Libraries:             libraries,
		Posts:                 posts,
		Tags:                  tags,
		Sync:                  syncProcessor,
		Thumbnailer:           thumbnailer,
		Prober:                prober,
		Hasher:                hasher,
		Duplicates:            dupEngine,
		ThumbnailDir:          cfg.Storage.ThumbnailPath,
		ThumbnailMaxSize:      defaultThumbnailMaxSize,
		ScannerParallelism:    cfg.Scanner.Parallelism,
		MetadataParallelism:   cfg.Processing.MetadataParallelism,
		SimilarityParallelism: cfg.Processing.SimilarityParallelism,
		ThumbnailParallelism:  cfg.Processing.ThumbnailParallelism,
	})

	runner := jobs.NewRunner(registry, jobRepo, time.Duration(cfg.Processing.JobProgressReportIntervalMs)*time.Millisecond)
	runner.UseLogPipeline(logPipeline)

	queueConcurrency := cfg.Processing.MetadataParallelism + cfg.Processing.SimilarityParallelism + cfg.Processing.ThumbnailParallelism + cfg.Scanner.Parallelism
	queue := jobs.NewQueue(cfg.RedisAddr, queueConcurrency)
	runner.UseQueue(queue)

	mirror := jobs.NewRedisMirror(cfg.RedisAddr)
	runner.UseRedisMirror(mirror)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Queue.Start is non-blocking: it launches asynq's worker goroutines and
	// returns immediately, so a start error is only ever logged here, never
	// used to drive shutdown.
	go func() {
		if err := queue.Start(ctx); err != nil {
			log.Printf("job queue worker failed to start: %v", err)
		}
	}()

	var sched *scheduler.Scheduler
	if cfg.Processing.RunScheduler {
		sched = scheduler.New(jobRepo, runner)
		sched.Start()
		log.Println("scheduler started")
	}

	log.Println("booru core started, awaiting shutdown signal")
	<-ctx.Done()
	log.Println("shutdown signal received, draining background workers")

	if sched != nil {
		sched.Stop()
	}
	queue.Stop()
	mirror.Close()
	if err := sink.Flush(context.Background()); err != nil {
		log.Printf("final ingestion flush: %v", err)
	}
	sink.Stop()
	logPipeline.Stop()

	log.Println("booru core stopped")
}
