// Package jobs is the job registry and runner: a named, cancellable,
// progress-reporting execution facility for the core's long-running
// operations, dispatched through an asynq-backed worker pool.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/booru/core/internal/applog"
	"github.com/booru/core/internal/booruerr"
	"github.com/booru/core/internal/models"
)

// Mode selects whether an enrichment job reprocesses everything or only
// posts lacking the output.
type Mode string

const (
	ModeMissing Mode = "Missing"
	ModeAll     Mode = "All"
)

// Definition is one registered job: its identity plus the function the
// Runner invokes.
type Definition struct {
	Key             string
	DisplayOrder    int
	Name            string
	Description     string
	SupportsAllMode bool
	Run             func(jc *JobContext) (resultJSON *string, resultSchemaVersion int, err error)
}

// Registry holds one Definition per JobKey.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Key] = def
}

func (r *Registry) Get(key string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[key]
	return d, ok
}

func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].DisplayOrder < defs[j].DisplayOrder })
	return defs
}

// State is a full progress snapshot a job can apply in one call via
// Reporter.Update instead of issuing several Set calls back to back.
type State struct {
	Activity        string
	ProgressCurrent int64
	ProgressTotal   int64
	FinalText       string
}

// Reporter is what a running job uses to publish progress. Writes are
// throttled to at most one persisted update per reportInterval; in-memory
// state (read by GetActiveJobs) is always current.
type Reporter interface {
	SetActivity(text string)
	SetProgress(current, total int64)
	ClearProgress()
	SetFinalText(text string)
	Update(state State)
	Flush()
}

// ActiveJob is the in-memory snapshot GetActiveJobs exposes.
type ActiveJob struct {
	ID              uuid.UUID
	JobKey          string
	JobName         string
	Status          models.JobStatus
	StartTime       time.Time
	ActivityText    string
	FinalText       string
	ProgressCurrent int64
	ProgressTotal   int64
}

// JobContext is passed to every running job.
type JobContext struct {
	JobID    uuid.UUID
	Mode     Mode
	Ctx      context.Context
	Reporter Reporter
	cancel   context.CancelFunc
}

// Cancelled reports whether this job's token has been signalled.
func (jc *JobContext) Cancelled() bool {
	return jc.Ctx.Err() != nil
}

type jobRepository interface {
	Create(j *models.JobExecution) error
	CountRunning(jobKey string) (int, error)
	UpdateProgress(id uuid.UUID, activityText string, current, total int64) error
	Complete(id uuid.UUID, status models.JobStatus, finalText string, errMsg *string, resultJSON *string, resultSchemaVersion int) error
	ListHistory(page, pageSize int) ([]*models.JobExecution, int, error)
}

// Runner executes jobs from a Registry, tracking one in-memory run per job
// id and persisting terminal state through jobRepository. When a Queue is
// attached via UseQueue, execution is dispatched through asynq's
// concurrency-limited worker pool instead of a bare goroutine per job.
type Runner struct {
	registry        *Registry
	repo            jobRepository
	reportInterval  time.Duration
	queue           *Queue
	mirror          *RedisMirror
	logPipeline     *applog.Pipeline
	mu              sync.Mutex
	active          map[uuid.UUID]*run
	runningByKey    map[string]uuid.UUID
}

// UseRedisMirror attaches a RedisMirror; every active-job state change is
// published to it in addition to the in-memory table GetActiveJobs reads.
func (r *Runner) UseRedisMirror(m *RedisMirror) {
	r.mirror = m
}

// UseLogPipeline attaches the Log Capture Pipeline; every job's terminal
// outcome (completed/failed/cancelled) is recorded through it in addition to
// the job_executions row the repository already persists.
func (r *Runner) UseLogPipeline(p *applog.Pipeline) {
	r.logPipeline = p
}

type run struct {
	job    ActiveJob
	mu     sync.Mutex
	cancel context.CancelFunc
	lastPersist time.Time
	jc     *JobContext
	fn     func(jc *JobContext) (*string, int, error)
}

func NewRunner(registry *Registry, repo jobRepository, reportInterval time.Duration) *Runner {
	if reportInterval <= 0 {
		reportInterval = time.Second
	}
	return &Runner{
		registry:       registry,
		repo:           repo,
		reportInterval: reportInterval,
		active:         make(map[uuid.UUID]*run),
		runningByKey:   make(map[string]uuid.UUID),
	}
}

// UseQueue attaches an asynq-backed Queue and registers this Runner's
// dispatch handler on it. Call before Queue.Start.
func (r *Runner) UseQueue(q *Queue) {
	r.queue = q
	q.mux.HandleFunc(TaskRunJob, r.handleQueueTask)
}

func (r *Runner) handleQueueTask(ctx context.Context, task *asynq.Task) error {
	var payload runJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal run-job payload: %w", err)
	}
	id, err := uuid.Parse(payload.JobID)
	if err != nil {
		return fmt.Errorf("parse job id: %w", err)
	}

	r.mu.Lock()
	rn, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		// Already completed or cancelled before a worker picked it up.
		return nil
	}
	r.execute(rn, rn.jc, rn.fn)
	return nil
}

// StartJob starts the job registered under key. Fails with Conflict if a
// run for that key is already active.
func (r *Runner) StartJob(key string, mode Mode) (uuid.UUID, error) {
	def, ok := r.registry.Get(key)
	if !ok {
		return uuid.Nil, booruerr.New(booruerr.InvalidInput, fmt.Sprintf("unknown job key %q", key))
	}
	return r.start(key, def.Name, mode, def.Run)
}

// StartAdHoc runs an arbitrary function under the Runner's lifecycle,
// without requiring a registered Definition — used for UI-triggered scans.
func (r *Runner) StartAdHoc(name string, fn func(jc *JobContext) (*string, int, error)) (uuid.UUID, error) {
	key := "adhoc-" + uuid.NewString()
	return r.start(key, name, ModeAll, fn)
}

func (r *Runner) start(key, name string, mode Mode, fn func(jc *JobContext) (*string, int, error)) (uuid.UUID, error) {
	r.mu.Lock()
	if _, running := r.runningByKey[key]; running {
		r.mu.Unlock()
		return uuid.Nil, booruerr.New(booruerr.Conflict, fmt.Sprintf("job %q is already running", key))
	}

	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	rn := &run{
		job: ActiveJob{
			ID: id, JobKey: key, JobName: name,
			Status: models.JobStatusRunning, StartTime: time.Now().UTC(),
		},
		cancel: cancel,
	}
	r.active[id] = rn
	r.runningByKey[key] = id
	r.mu.Unlock()

	// runningByKey only guards this process; a Running execution row left by
	// another Runner sharing the database is caught here, before ours is
	// inserted.
	if n, err := r.repo.CountRunning(key); err != nil || n > 0 {
		r.mu.Lock()
		delete(r.active, id)
		delete(r.runningByKey, key)
		r.mu.Unlock()
		cancel()
		if err != nil {
			return uuid.Nil, fmt.Errorf("count running executions: %w", err)
		}
		return uuid.Nil, booruerr.New(booruerr.Conflict, fmt.Sprintf("job %q is already running", key))
	}

	if r.mirror != nil {
		r.mirror.Publish(rn.job)
	}

	if err := r.repo.Create(&models.JobExecution{ID: id, JobKey: key, JobName: name, Status: models.JobStatusRunning, StartTime: rn.job.StartTime}); err != nil {
		r.mu.Lock()
		delete(r.active, id)
		delete(r.runningByKey, key)
		r.mu.Unlock()
		cancel()
		return uuid.Nil, fmt.Errorf("persist job start: %w", err)
	}

	jc := &JobContext{JobID: id, Mode: mode, Ctx: ctx, cancel: cancel}
	jc.Reporter = &reporter{runner: r, run: rn}
	rn.jc = jc
	rn.fn = fn

	if r.queue != nil {
		if err := r.queue.enqueueRun(id.String()); err != nil {
			r.mu.Lock()
			delete(r.active, id)
			delete(r.runningByKey, key)
			r.mu.Unlock()
			cancel()
			return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
		}
	} else {
		go r.execute(rn, jc, fn)
	}

	return id, nil
}

func (r *Runner) execute(rn *run, jc *JobContext, fn func(jc *JobContext) (*string, int, error)) {
	defer jc.cancel()

	var (
		resultJSON *string
		schemaVer  int
		runErr     error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				runErr = fmt.Errorf("job panicked: %v", p)
			}
		}()
		resultJSON, schemaVer, runErr = fn(jc)
	}()

	status := models.JobStatusCompleted
	var errMsg *string
	switch {
	case jc.Cancelled():
		status = models.JobStatusCancelled
	case runErr != nil:
		status = models.JobStatusFailed
		msg := runErr.Error()
		errMsg = &msg
	}

	rn.mu.Lock()
	rn.job.Status = status
	rn.mu.Unlock()

	r.mu.Lock()
	delete(r.active, rn.job.ID)
	if r.runningByKey[rn.job.JobKey] == rn.job.ID {
		delete(r.runningByKey, rn.job.JobKey)
	}
	r.mu.Unlock()

	if r.mirror != nil {
		r.mirror.Clear(rn.job.JobKey)
	}

	r.recordTerminalLog(rn, status, runErr)

	r.repo.Complete(rn.job.ID, status, rn.job.FinalText, errMsg, resultJSON, schemaVer)
}

// recordTerminalLog emits one applog entry per job run, giving the Log
// Capture Pipeline a real producer instead of sitting idle between retention
// sweeps.
func (r *Runner) recordTerminalLog(rn *run, status models.JobStatus, runErr error) {
	if r.logPipeline == nil {
		return
	}
	switch status {
	case models.JobStatusFailed:
		r.logPipeline.Record(models.LogLevelError, rn.job.JobKey, fmt.Sprintf("job %s failed: %v", rn.job.JobName, runErr))
	case models.JobStatusCancelled:
		r.logPipeline.Record(models.LogLevelWarning, rn.job.JobKey, fmt.Sprintf("job %s cancelled", rn.job.JobName))
	default:
		text := rn.job.FinalText
		if text == "" {
			text = fmt.Sprintf("job %s completed", rn.job.JobName)
		}
		r.logPipeline.Record(models.LogLevelInfo, rn.job.JobKey, text)
	}
}

// CancelJob signals the token for a running job; the next suspension point
// it observes will exit and be recorded Cancelled.
func (r *Runner) CancelJob(id uuid.UUID) error {
	r.mu.Lock()
	rn, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		return booruerr.New(booruerr.NotFound, "job not running")
	}
	rn.cancel()
	return nil
}

func (r *Runner) GetActiveJobs() []ActiveJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]ActiveJob, 0, len(r.active))
	for _, rn := range r.active {
		rn.mu.Lock()
		jobs = append(jobs, rn.job)
		rn.mu.Unlock()
	}
	return jobs
}

func (r *Runner) GetJobHistory(page, pageSize int) ([]*models.JobExecution, int, error) {
	return r.repo.ListHistory(page, pageSize)
}

// reporter throttles persisted writes to reportInterval; in-memory state on
// run.job is updated immediately on every call.
type reporter struct {
	runner *Runner
	run    *run
}

func (rp *reporter) SetActivity(text string) {
	rp.run.mu.Lock()
	rp.run.job.ActivityText = text
	rp.run.mu.Unlock()
	rp.maybePersist()
}

func (rp *reporter) SetProgress(current, total int64) {
	rp.run.mu.Lock()
	rp.run.job.ProgressCurrent = current
	rp.run.job.ProgressTotal = total
	rp.run.mu.Unlock()
	rp.maybePersist()
}

func (rp *reporter) ClearProgress() {
	rp.SetProgress(0, 0)
}

func (rp *reporter) SetFinalText(text string) {
	rp.run.mu.Lock()
	rp.run.job.FinalText = text
	rp.run.mu.Unlock()
}

// Update replaces the whole reportable state in one locked write, so
// observers never see a half-applied combination of fields.
func (rp *reporter) Update(state State) {
	rp.run.mu.Lock()
	rp.run.job.ActivityText = state.Activity
	rp.run.job.ProgressCurrent = state.ProgressCurrent
	rp.run.job.ProgressTotal = state.ProgressTotal
	rp.run.job.FinalText = state.FinalText
	rp.run.mu.Unlock()
	rp.maybePersist()
}

func (rp *reporter) Flush() {
	rp.persist()
}

func (rp *reporter) maybePersist() {
	rp.run.mu.Lock()
	due := time.Since(rp.run.lastPersist) >= rp.runner.reportInterval
	rp.run.mu.Unlock()
	if due {
		rp.persist()
	}
}

func (rp *reporter) persist() {
	rp.run.mu.Lock()
	id := rp.run.job.ID
	activity := rp.run.job.ActivityText
	current := rp.run.job.ProgressCurrent
	total := rp.run.job.ProgressTotal
	snapshot := rp.run.job
	rp.run.lastPersist = time.Now()
	rp.run.mu.Unlock()
	rp.runner.repo.UpdateProgress(id, activity, current, total)
	if rp.runner.mirror != nil {
		rp.runner.mirror.Publish(snapshot)
	}
}
