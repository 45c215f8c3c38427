package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/hibiken/asynq"
)

// TaskRunJob is the single task type the queue carries: "go execute the
// JobContext already registered for this job id". The job's own identity,
// cancellation, and reporting live in the Runner; asynq here only supplies
// the concurrency-limited worker pool that picks tasks up.
const TaskRunJob = "job:run"

type runJobPayload struct {
	JobID string `json:"jobId"`
}

type Queue struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
}

func NewQueue(redisAddr string, concurrency int) *Queue {
	if concurrency < 1 {
		concurrency = 4
	}
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}
	client := asynq.NewClient(redisOpt)
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	inspector := asynq.NewInspector(redisOpt)
	return &Queue{client: client, server: server, mux: mux, inspector: inspector}
}

// isTaskConflict checks whether the error indicates a task ID conflict,
// using errors.Is for unwrapped sentinel values and a string fallback.
func isTaskConflict(err error) bool {
	if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "task ID conflicts") || strings.Contains(msg, "duplicate task")
}

// enqueueRun schedules jobID for execution by whichever asynq worker picks
// it up next. Deterministic TaskID per job id means a second enqueue of the
// same job id is silently absorbed rather than double-run.
func (q *Queue) enqueueRun(jobID string) error {
	data, err := json.Marshal(runJobPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal run-job payload: %w", err)
	}
	task := asynq.NewTask(TaskRunJob, data)
	_, err = q.client.Enqueue(task, asynq.TaskID(jobID), asynq.MaxRetry(0))
	if err == nil {
		return nil
	}
	if isTaskConflict(err) {
		log.Printf("jobs: run task for %s already queued, skipping", jobID)
		return nil
	}
	return fmt.Errorf("enqueue run task: %w", err)
}

func (q *Queue) Start(ctx context.Context) error {
	log.Println("jobs: asynq worker pool starting")
	return q.server.Start(q.mux)
}

func (q *Queue) Stop() {
	q.server.Shutdown()
	q.client.Close()
	q.inspector.Close()
}
