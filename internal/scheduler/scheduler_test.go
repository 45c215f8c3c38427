package scheduler

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/booru/core/internal/jobs"
	"github.com/booru/core/internal/models"
)

type fakeStore struct {
	schedules []*models.ScheduledJob
	advanced  map[string]*time.Time
}

func (f *fakeStore) ListEnabledSchedules() ([]*models.ScheduledJob, error) {
	return f.schedules, nil
}

func (f *fakeStore) AdvanceSchedule(jobName string, lastRun, nextRun *time.Time) error {
	f.advanced[jobName] = nextRun
	return nil
}

type fakeRunner struct {
	started []string
}

func (f *fakeRunner) StartJob(key string, mode jobs.Mode) (uuid.UUID, error) {
	f.started = append(f.started, key)
	return uuid.New(), nil
}

func TestTickStartsDueJobs(t *testing.T) {
	past := time.Now().UTC().Add(-time.Minute)
	store := &fakeStore{
		schedules: []*models.ScheduledJob{{JobName: "scan-all-libraries", CronExpression: "*/5 * * * *", NextRun: &past}},
		advanced:  map[string]*time.Time{},
	}
	runner := &fakeRunner{}
	s := New(store, runner)

	s.tick()

	if len(runner.started) != 1 || runner.started[0] != "scan-all-libraries" {
		t.Fatalf("expected scan-all-libraries started, got %+v", runner.started)
	}
	if store.advanced["scan-all-libraries"] == nil {
		t.Fatalf("expected nextRun to be advanced")
	}
}

func TestTickSkipsNotYetDueJobs(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	store := &fakeStore{
		schedules: []*models.ScheduledJob{{JobName: "extract-metadata", CronExpression: "0 3 * * *", NextRun: &future}},
		advanced:  map[string]*time.Time{},
	}
	runner := &fakeRunner{}
	s := New(store, runner)

	s.tick()

	if len(runner.started) != 0 {
		t.Fatalf("expected nothing started, got %+v", runner.started)
	}
}

func TestNextRunHandlesInvalidExpression(t *testing.T) {
	if got := nextRun("not a cron expr", time.Now()); got != nil {
		t.Fatalf("expected nil for invalid expression, got %v", got)
	}
}

func TestPreviewCronReturnsUpcomingTimes(t *testing.T) {
	times, err := PreviewCron("0 0 * * *", time.Now(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(times) != 3 {
		t.Fatalf("expected 3 preview times, got %d", len(times))
	}
	for i := 1; i < len(times); i++ {
		if !times[i].After(times[i-1]) {
			t.Fatalf("expected increasing times, got %v", times)
		}
	}
}
