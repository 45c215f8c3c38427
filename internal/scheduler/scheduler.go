// Package scheduler is the cron scheduler: a 30s background loop that
// starts due ScheduledJob rows through the job runner, with 5-field cron
// evaluation via robfig/cron.
package scheduler

import (
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/booru/core/internal/jobs"
	"github.com/booru/core/internal/models"
)

const tickInterval = 30 * time.Second

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ScheduleStore is the persistence surface for scheduled jobs.
type ScheduleStore interface {
	ListEnabledSchedules() ([]*models.ScheduledJob, error)
	AdvanceSchedule(jobName string, lastRun, nextRun *time.Time) error
}

// Runner is the narrow Runner capability the scheduler drives: start a job
// by key, failing with Conflict (logged, not fatal) when already running.
type Runner interface {
	StartJob(key string, mode jobs.Mode) (uuid.UUID, error)
}

type Scheduler struct {
	store  ScheduleStore
	runner Runner
	stop   chan struct{}
	done   chan struct{}
}

func New(store ScheduleStore, runner Runner) *Scheduler {
	return &Scheduler{
		store:  store,
		runner: runner,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go s.run()
}

func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) tick() {
	schedules, err := s.store.ListEnabledSchedules()
	if err != nil {
		log.Printf("scheduler: failed to load schedules: %v", err)
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRun == nil || sched.NextRun.After(now) {
			continue
		}

		if _, err := s.runner.StartJob(sched.JobName, jobs.ModeMissing); err != nil {
			// Most likely Conflict (already running): skip this occurrence.
			log.Printf("scheduler: %s not started: %v", sched.JobName, err)
		}

		next := nextRun(sched.CronExpression, now)
		if err := s.store.AdvanceSchedule(sched.JobName, &now, next); err != nil {
			log.Printf("scheduler: failed to advance schedule for %s: %v", sched.JobName, err)
		}
	}
}

// nextRun computes the next firing time after now for a standard 5-field
// cron expression, or nil (and a logged warning) when the expression is
// invalid.
func nextRun(expr string, now time.Time) *time.Time {
	schedule, err := parser.Parse(expr)
	if err != nil {
		log.Printf("scheduler: invalid cron expression %q: %v", expr, err)
		return nil
	}
	t := schedule.Next(now)
	return &t
}

// PreviewCron returns the next n firing times for expr after now, used by
// the schedule-editing surface to preview a cron expression before saving.
func PreviewCron(expr string, now time.Time, n int) ([]time.Time, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, 0, n)
	t := now
	for i := 0; i < n; i++ {
		t = schedule.Next(t)
		times = append(times, t)
	}
	return times, nil
}
