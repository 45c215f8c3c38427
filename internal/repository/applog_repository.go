package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/booru/core/internal/models"
)

type AppLogRepository struct {
	db *sql.DB
}

func NewAppLogRepository(db *sql.DB) *AppLogRepository {
	return &AppLogRepository{db: db}
}

// InsertBatch writes a batch of log entries in one statement per entry
// inside a transaction, matching the ingestion sink's batch-commit shape.
func (r *AppLogRepository) InsertBatch(ctx context.Context, entries []models.AppLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO app_log_entries
		(id, timestamp_utc, level, category, message, exception, template, properties_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.TimestampUtc, e.Level, e.Category, e.Message,
			e.Exception, e.Template, e.PropertiesJson); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteOlderThan enforces the retentionDays limit.
func (r *AppLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM app_log_entries WHERE timestamp_utc < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteOldestBatch enforces the maxRows limit by deleting the oldest rows
// beyond it, in batches of at most batchSize.
func (r *AppLogRepository) DeleteOldestBatch(ctx context.Context, maxRows, batchSize int) (int64, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM app_log_entries`).Scan(&total); err != nil {
		return 0, err
	}
	overflow := total - maxRows
	if overflow <= 0 {
		return 0, nil
	}
	toDelete := overflow
	if toDelete > batchSize {
		toDelete = batchSize
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM app_log_entries WHERE id IN (
		SELECT id FROM app_log_entries ORDER BY timestamp_utc ASC LIMIT $1)`, toDelete)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
