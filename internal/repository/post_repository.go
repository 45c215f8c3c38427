package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/booru/core/internal/models"
	"github.com/booru/core/internal/query"
)

type PostRepository struct {
	db *sql.DB
}

func NewPostRepository(db *sql.DB) *PostRepository {
	return &PostRepository{db: db}
}

const postColumns = `id, library_id, relative_path, content_hash, file_identity_device, file_identity_value,
	perceptual_hash_d, perceptual_hash_p, size_bytes, width, height, content_type, import_date,
	file_modified_date, is_favorite`

// perceptualHashToBits reinterprets a signed BIGINT column back into the
// unsigned hash space. database/sql's DefaultParameterConverter rejects any
// uint64 with the high bit set, so perceptual hashes travel through the
// driver as int64 with the same 64 bits, not the same numeric value.
func perceptualHashToBits(v sql.NullInt64) *uint64 {
	if !v.Valid {
		return nil
	}
	u := uint64(v.Int64)
	return &u
}

// perceptualHashToParam is the inverse of perceptualHashToBits, used when
// binding a *uint64 hash as a query parameter.
func perceptualHashToParam(h *uint64) interface{} {
	if h == nil {
		return nil
	}
	return int64(*h)
}

func scanPost(row interface{ Scan(dest ...interface{}) error }) (*models.Post, error) {
	p := &models.Post{}
	var device, value sql.NullString
	var dHash, pHash sql.NullInt64
	if err := row.Scan(&p.ID, &p.LibraryID, &p.RelativePath, &p.ContentHash, &device, &value,
		&dHash, &pHash, &p.SizeBytes, &p.Width, &p.Height, &p.ContentType,
		&p.ImportDate, &p.FileModifiedDate, &p.IsFavorite); err != nil {
		return nil, err
	}
	if device.Valid && value.Valid {
		p.FileIdentity = &models.FileIdentity{Device: device.String, Value: value.String}
	}
	p.PerceptualHashD = perceptualHashToBits(dHash)
	p.PerceptualHashP = perceptualHashToBits(pHash)
	return p, nil
}

// Snapshot loads every post's classification-relevant fields for one
// library, frozen at the start of the scan; classification decisions only
// ever consult this view.
func (r *PostRepository) Snapshot(ctx context.Context, libraryID uuid.UUID) ([]*models.Post, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+postColumns+` FROM posts WHERE library_id = $1`, libraryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (r *PostRepository) GetByID(id uuid.UUID) (*models.Post, error) {
	p, err := scanPost(r.db.QueryRow(`SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("post not found")
	}
	return p, err
}

// InsertBatch persists new posts within one transaction, satisfying the
// ingestion sink's PostWriter contract.
func (r *PostRepository) InsertBatch(ctx context.Context, posts []models.Post) error {
	if len(posts) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO posts
		(id, library_id, relative_path, content_hash, file_identity_device, file_identity_value,
		 size_bytes, width, height, content_type, import_date, file_modified_date, is_favorite)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (library_id, relative_path) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range posts {
		var device, value *string
		if p.FileIdentity != nil {
			device, value = &p.FileIdentity.Device, &p.FileIdentity.Value
		}
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.LibraryID, p.RelativePath, p.ContentHash, device, value,
			p.SizeBytes, p.Width, p.Height, p.ContentType, p.ImportDate, p.FileModifiedDate, p.IsFavorite); err != nil {
			return fmt.Errorf("insert post %s: %w", p.RelativePath, err)
		}
	}

	return tx.Commit()
}

// UpdateMoved sets relativePath in place without touching hashes, per the
// MOVED classification.
func (r *PostRepository) UpdateMoved(ctx context.Context, id uuid.UUID, newRelativePath string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE posts SET relative_path = $1 WHERE id = $2`, newRelativePath, id)
	return err
}

// UpdateChanged re-hashes a post and resets enrichment fields, per the
// UPDATED classification.
func (r *PostRepository) UpdateChanged(ctx context.Context, id uuid.UUID, contentHash string, sizeBytes int64, fileModifiedDate time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE posts SET content_hash = $1, size_bytes = $2, file_modified_date = $3,
		width = 0, height = 0, perceptual_hash_d = NULL, perceptual_hash_p = NULL WHERE id = $4`,
		contentHash, sizeBytes, fileModifiedDate, id)
	return err
}

// DeleteByID removes the DB row only; the file on disk is untouched.
func (r *PostRepository) DeleteByID(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id)
	return err
}

func (r *PostRepository) UpdateEnrichment(ctx context.Context, id uuid.UUID, width, height int, contentType string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE posts SET width = $1, height = $2, content_type = $3 WHERE id = $4`,
		width, height, contentType, id)
	return err
}

func (r *PostRepository) UpdatePerceptualHashes(ctx context.Context, id uuid.UUID, dHash, pHash *uint64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE posts SET perceptual_hash_d = $1, perceptual_hash_p = $2 WHERE id = $3`,
		perceptualHashToParam(dHash), perceptualHashToParam(pHash), id)
	return err
}

func (r *PostRepository) SetFavorite(id uuid.UUID, favorite bool) error {
	result, err := r.db.Exec(`UPDATE posts SET is_favorite = $1 WHERE id = $2`, favorite, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("post not found")
	}
	return nil
}

// ListAll returns every live post in a library, used by jobs that operate
// over the full set regardless of enrichment state (thumbnailing, folder
// tagging).
func (r *PostRepository) ListAll(ctx context.Context, libraryID uuid.UUID) ([]*models.Post, error) {
	return r.queryPosts(ctx, `SELECT `+postColumns+` FROM posts WHERE library_id = $1`, libraryID)
}

// ListMissingMetadata returns posts with width=0 or height=0 (mode=Missing
// for extract-metadata), or every post in the library when all is true.
func (r *PostRepository) ListMissingMetadata(ctx context.Context, libraryID uuid.UUID, all bool) ([]*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE library_id = $1`
	if !all {
		query += ` AND (width = 0 OR height = 0)`
	}
	return r.queryPosts(ctx, query, libraryID)
}

// ListMissingPerceptualHash returns posts eligible for perceptual hashing
// (non-video content types) lacking a dHash, or every eligible post when all
// is true.
func (r *PostRepository) ListMissingPerceptualHash(ctx context.Context, libraryID uuid.UUID, all bool) ([]*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE library_id = $1 AND content_type NOT LIKE 'video/%'`
	if !all {
		query += ` AND perceptual_hash_d IS NULL`
	}
	return r.queryPosts(ctx, query, libraryID)
}

func (r *PostRepository) queryPosts(ctx context.Context, query string, args ...interface{}) ([]*models.Post, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// ListAllWithHashes returns every live post that has a content hash, the
// input set for the find-duplicates job.
func (r *PostRepository) ListAllWithHashes(ctx context.Context) ([]*models.Post, error) {
	return r.queryPosts(ctx, `SELECT `+postColumns+` FROM posts WHERE content_hash IS NOT NULL AND content_hash != ''`)
}

// ListPosts plans q into SQL via query.BuildPlan, then pages the result,
// returning the total matching count alongside the page's rows.
func (r *PostRepository) ListPosts(ctx context.Context, q query.SearchQuery, page, pageSize int) ([]*models.Post, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}

	plan := query.BuildPlan(q, 1)
	fromWhere := `FROM posts p WHERE 1=1` + plan.WhereSQL

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) `+fromWhere, plan.Args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limitIdx := len(plan.Args) + 1
	offsetIdx := limitIdx + 1
	selectQuery := `SELECT ` + postColumns + ` ` + fromWhere + plan.OrderSQL +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", limitIdx, offsetIdx)
	args := append(append([]interface{}{}, plan.Args...), pageSize, (page-1)*pageSize)

	rows, err := r.db.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, 0, err
		}
		posts = append(posts, p)
	}
	return posts, total, rows.Err()
}

// ExistsByLibraryAndHash reports whether any live post in libraryID still
// carries contentHash, used by the thumbnail cleanup job to decide whether a
// <libraryId>/<contentHash>.webp file is orphaned.
func (r *PostRepository) ExistsByLibraryAndHash(ctx context.Context, libraryID uuid.UUID, contentHash string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM posts WHERE library_id = $1 AND content_hash = $2)`,
		libraryID, contentHash).Scan(&exists)
	return exists, err
}

// ListSources returns a post's external source URLs in order.
func (r *PostRepository) ListSources(postID uuid.UUID) ([]models.PostSource, error) {
	rows, err := r.db.Query(
		`SELECT post_id, "order", url FROM post_sources WHERE post_id = $1 ORDER BY "order"`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []models.PostSource
	for rows.Next() {
		var s models.PostSource
		if err := rows.Scan(&s.PostID, &s.Order, &s.URL); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// ReplaceSources rewrites a post's ordered source URL list in one
// transaction.
func (r *PostRepository) ReplaceSources(postID uuid.UUID, urls []string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM post_sources WHERE post_id = $1`, postID); err != nil {
		return err
	}
	for i, url := range urls {
		if _, err := tx.Exec(
			`INSERT INTO post_sources (post_id, "order", url) VALUES ($1, $2, $3)`,
			postID, i, url); err != nil {
			return err
		}
	}
	return tx.Commit()
}
