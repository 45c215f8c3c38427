package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/booru/core/internal/models"
)

type DuplicateRepository struct {
	db *sql.DB
}

func NewDuplicateRepository(db *sql.DB) *DuplicateRepository {
	return &DuplicateRepository{db: db}
}

// BeginTx opens the transaction the find-duplicates job persists all of its
// groups within.
func (r *DuplicateRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

// DeleteUnresolvedGroups removes every unresolved group and its entries,
// preserving historical resolved groups. Must run
// inside the same transaction as the rest of find-duplicates' persistence.
func (r *DuplicateRepository) DeleteUnresolvedGroups(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM duplicate_groups WHERE is_resolved = false`)
	return err
}

// CreateGroup inserts a group and its entries within tx; a group must have
// at least 2 entries per the data model invariant.
func (r *DuplicateRepository) CreateGroup(ctx context.Context, tx *sql.Tx, g *models.DuplicateGroup) error {
	if len(g.Entries) < 2 {
		return fmt.Errorf("duplicate group must have at least 2 entries, got %d", len(g.Entries))
	}
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO duplicate_groups (id, type, similarity_percent)
		VALUES ($1, $2, $3)`, g.ID, g.Type, g.SimilarityPercent); err != nil {
		return err
	}
	for _, e := range g.Entries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO duplicate_group_entries (group_id, post_id) VALUES ($1, $2)`,
			g.ID, e.PostID); err != nil {
			return err
		}
	}
	return nil
}

func (r *DuplicateRepository) ListUnresolved() ([]*models.DuplicateGroup, error) {
	rows, err := r.db.Query(`SELECT id, type, similarity_percent, is_resolved, detected_date
		FROM duplicate_groups WHERE is_resolved = false ORDER BY detected_date DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*models.DuplicateGroup
	for rows.Next() {
		g := &models.DuplicateGroup{}
		if err := rows.Scan(&g.ID, &g.Type, &g.SimilarityPercent, &g.IsResolved, &g.DetectedDate); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, g := range groups {
		entries, err := r.entriesFor(g.ID)
		if err != nil {
			return nil, err
		}
		g.Entries = entries
	}
	return groups, nil
}

func (r *DuplicateRepository) GetByID(id uuid.UUID) (*models.DuplicateGroup, error) {
	g := &models.DuplicateGroup{}
	err := r.db.QueryRow(`SELECT id, type, similarity_percent, is_resolved, detected_date
		FROM duplicate_groups WHERE id = $1`, id).
		Scan(&g.ID, &g.Type, &g.SimilarityPercent, &g.IsResolved, &g.DetectedDate)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("duplicate group not found")
	}
	if err != nil {
		return nil, err
	}
	entries, err := r.entriesFor(g.ID)
	if err != nil {
		return nil, err
	}
	g.Entries = entries
	return g, nil
}

func (r *DuplicateRepository) entriesFor(groupID uuid.UUID) ([]models.DuplicateGroupEntry, error) {
	rows, err := r.db.Query(`SELECT group_id, post_id FROM duplicate_group_entries WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.DuplicateGroupEntry
	for rows.Next() {
		var e models.DuplicateGroupEntry
		if err := rows.Scan(&e.GroupID, &e.PostID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *DuplicateRepository) MarkResolved(id uuid.UUID) error {
	result, err := r.db.Exec(`UPDATE duplicate_groups SET is_resolved = true WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("duplicate group not found")
	}
	return nil
}
