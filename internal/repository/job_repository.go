package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/booru/core/internal/models"
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobExecutionColumns = `id, job_key, job_name, status, start_time, end_time, error_message,
	activity_text, final_text, progress_current, progress_total, result_schema_version, result_json`

func scanJobExecution(row interface{ Scan(dest ...interface{}) error }) (*models.JobExecution, error) {
	j := &models.JobExecution{}
	if err := row.Scan(&j.ID, &j.JobKey, &j.JobName, &j.Status, &j.StartTime, &j.EndTime, &j.ErrorMessage,
		&j.ActivityText, &j.FinalText, &j.ProgressCurrent, &j.ProgressTotal, &j.ResultSchemaVersion, &j.ResultJson); err != nil {
		return nil, err
	}
	return j, nil
}

func (r *JobRepository) Create(j *models.JobExecution) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	_, err := r.db.Exec(`INSERT INTO job_executions (id, job_key, job_name, status, start_time)
		VALUES ($1, $2, $3, $4, $5)`, j.ID, j.JobKey, j.JobName, j.Status, j.StartTime)
	return err
}

func (r *JobRepository) GetByID(id uuid.UUID) (*models.JobExecution, error) {
	j, err := scanJobExecution(r.db.QueryRow(`SELECT `+jobExecutionColumns+` FROM job_executions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job execution not found")
	}
	return j, err
}

// CountRunning returns the number of Running executions for a job key, used
// to enforce the single-active-run invariant before Create. It is a separate
// query from Create's insert, with no transaction or lock spanning the two.
func (r *JobRepository) CountRunning(jobKey string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM job_executions WHERE job_key = $1 AND status = $2`,
		jobKey, models.JobStatusRunning).Scan(&n)
	return n, err
}

func (r *JobRepository) UpdateProgress(id uuid.UUID, activityText string, current, total int64) error {
	_, err := r.db.Exec(`UPDATE job_executions SET activity_text = $1, progress_current = $2, progress_total = $3
		WHERE id = $4`, activityText, current, total, id)
	return err
}

func (r *JobRepository) Complete(id uuid.UUID, status models.JobStatus, finalText string, errMsg *string, resultJson *string, resultSchemaVersion int) error {
	_, err := r.db.Exec(`UPDATE job_executions SET status = $1, end_time = $2, final_text = $3,
		error_message = $4, result_json = $5, result_schema_version = $6 WHERE id = $7`,
		status, time.Now().UTC(), finalText, errMsg, resultJson, resultSchemaVersion, id)
	return err
}

func (r *JobRepository) ListHistory(page, pageSize int) ([]*models.JobExecution, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var total int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM job_executions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(`SELECT `+jobExecutionColumns+` FROM job_executions
		ORDER BY start_time DESC LIMIT $1 OFFSET $2`, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*models.JobExecution
	for rows.Next() {
		j, err := scanJobExecution(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, j)
	}
	return items, total, rows.Err()
}

// ReconcileOnStartup flips every row left Running with no end_time to
// Cancelled, so no execution is ever left
// Running across a restart. It returns the number of rows fixed up.
func (r *JobRepository) ReconcileOnStartup() (int64, error) {
	result, err := r.db.Exec(`UPDATE job_executions SET status = $1, end_time = $2,
		error_message = $3 WHERE status = $4 AND end_time IS NULL`,
		models.JobStatusCancelled, time.Now().UTC(),
		"Marked as cancelled after server restart.", models.JobStatusRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ──── Scheduled jobs ────

func (r *JobRepository) ListEnabledSchedules() ([]*models.ScheduledJob, error) {
	rows, err := r.db.Query(`SELECT job_name, cron_expression, is_enabled, last_run, next_run
		FROM scheduled_jobs WHERE is_enabled = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.ScheduledJob
	for rows.Next() {
		j := &models.ScheduledJob{}
		if err := rows.Scan(&j.JobName, &j.CronExpression, &j.IsEnabled, &j.LastRun, &j.NextRun); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) ListSchedules() ([]*models.ScheduledJob, error) {
	rows, err := r.db.Query(`SELECT job_name, cron_expression, is_enabled, last_run, next_run FROM scheduled_jobs ORDER BY job_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.ScheduledJob
	for rows.Next() {
		j := &models.ScheduledJob{}
		if err := rows.Scan(&j.JobName, &j.CronExpression, &j.IsEnabled, &j.LastRun, &j.NextRun); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) UpdateSchedule(jobName, cron string, enabled bool) error {
	result, err := r.db.Exec(`UPDATE scheduled_jobs SET cron_expression = $1, is_enabled = $2 WHERE job_name = $3`,
		cron, enabled, jobName)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("scheduled job not found: %s", jobName)
	}
	return nil
}

func (r *JobRepository) AdvanceSchedule(jobName string, lastRun, nextRun *time.Time) error {
	_, err := r.db.Exec(`UPDATE scheduled_jobs SET last_run = $1, next_run = $2 WHERE job_name = $3`,
		lastRun, nextRun, jobName)
	return err
}
