package jobs

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/booru/core/internal/models"
)

type fakeJobRepo struct {
	mu        sync.Mutex
	running   int
	created   []models.JobExecution
	completed []models.JobExecution
}

func (f *fakeJobRepo) Create(j *models.JobExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *j)
	return nil
}

func (f *fakeJobRepo) CountRunning(jobKey string) (int, error) { return f.running, nil }

func (f *fakeJobRepo) UpdateProgress(id uuid.UUID, activityText string, current, total int64) error {
	return nil
}

func (f *fakeJobRepo) Complete(id uuid.UUID, status models.JobStatus, finalText string, errMsg *string, resultJSON *string, resultSchemaVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, models.JobExecution{ID: id, Status: status, FinalText: finalText, ErrorMessage: errMsg})
	return nil
}

func (f *fakeJobRepo) ListHistory(page, pageSize int) ([]*models.JobExecution, int, error) {
	return nil, 0, nil
}

func waitForCompletion(t *testing.T, repo *fakeJobRepo, id uuid.UUID) models.JobExecution {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		repo.mu.Lock()
		for _, c := range repo.completed {
			if c.ID == id {
				repo.mu.Unlock()
				return c
			}
		}
		repo.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never completed", id)
	return models.JobExecution{}
}

func TestStartJobRunsAndCompletes(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Definition{
		Key: "noop", Name: "No-op",
		Run: func(jc *JobContext) (*string, int, error) { return nil, 0, nil },
	})
	repo := &fakeJobRepo{}
	runner := NewRunner(registry, repo, time.Millisecond)

	id, err := runner.StartJob("noop", ModeAll)
	if err != nil {
		t.Fatal(err)
	}
	result := waitForCompletion(t, repo, id)
	if result.Status != models.JobStatusCompleted {
		t.Fatalf("expected Completed, got %s", result.Status)
	}
}

func TestStartJobConflictWhileRunning(t *testing.T) {
	registry := NewRegistry()
	block := make(chan struct{})
	registry.Register(Definition{
		Key: "slow", Name: "Slow job",
		Run: func(jc *JobContext) (*string, int, error) {
			<-block
			return nil, 0, nil
		},
	})
	repo := &fakeJobRepo{}
	runner := NewRunner(registry, repo, time.Millisecond)

	if _, err := runner.StartJob("slow", ModeAll); err != nil {
		t.Fatal(err)
	}
	if _, err := runner.StartJob("slow", ModeAll); err == nil {
		t.Fatal("expected conflict starting an already-running job")
	}
	close(block)
}

func TestStartJobUnknownKey(t *testing.T) {
	registry := NewRegistry()
	repo := &fakeJobRepo{}
	runner := NewRunner(registry, repo, time.Millisecond)

	if _, err := runner.StartJob("does-not-exist", ModeAll); err == nil {
		t.Fatal("expected error for unknown job key")
	}
}

func TestJobFailsOnError(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Definition{
		Key: "boom", Name: "Boom",
		Run: func(jc *JobContext) (*string, int, error) {
			return nil, 0, errBoom
		},
	})
	repo := &fakeJobRepo{}
	runner := NewRunner(registry, repo, time.Millisecond)

	id, err := runner.StartJob("boom", ModeAll)
	if err != nil {
		t.Fatal(err)
	}
	result := waitForCompletion(t, repo, id)
	if result.Status != models.JobStatusFailed {
		t.Fatalf("expected Failed, got %s", result.Status)
	}
	if result.ErrorMessage == nil {
		t.Fatal("expected error message to be recorded")
	}
}

func TestCancelJobMarksCancelled(t *testing.T) {
	registry := NewRegistry()
	started := make(chan struct{})
	registry.Register(Definition{
		Key: "cancellable", Name: "Cancellable",
		Run: func(jc *JobContext) (*string, int, error) {
			close(started)
			<-jc.Ctx.Done()
			return nil, 0, nil
		},
	})
	repo := &fakeJobRepo{}
	runner := NewRunner(registry, repo, time.Millisecond)

	id, err := runner.StartJob("cancellable", ModeAll)
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if err := runner.CancelJob(id); err != nil {
		t.Fatal(err)
	}
	result := waitForCompletion(t, repo, id)
	if result.Status != models.JobStatusCancelled {
		t.Fatalf("expected Cancelled, got %s", result.Status)
	}
}

func TestRegistryListIsOrderedByDisplayOrder(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Definition{Key: "b", DisplayOrder: 2})
	registry.Register(Definition{Key: "a", DisplayOrder: 1})

	list := registry.List()
	if len(list) != 2 || list[0].Key != "a" || list[1].Key != "b" {
		t.Fatalf("expected ordered [a b], got %+v", list)
	}
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestStartJobConflictsOnRunningExecutionRow(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Definition{
		Key: "noop", Name: "No-op",
		Run: func(jc *JobContext) (*string, int, error) { return nil, 0, nil },
	})
	// A Running row from another process must block the start even though
	// this Runner's in-memory table is empty.
	repo := &fakeJobRepo{running: 1}
	runner := NewRunner(registry, repo, time.Millisecond)

	if _, err := runner.StartJob("noop", ModeAll); err == nil {
		t.Fatal("expected conflict when a Running execution row already exists")
	}
	if len(repo.created) != 0 {
		t.Fatalf("no execution row should be inserted on conflict, got %d", len(repo.created))
	}
}
