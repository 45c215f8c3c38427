// Package repository is the SQL persistence layer: raw database/sql with
// $N placeholders and RETURNING clauses, no ORM.
package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/booru/core/internal/models"
)

type LibraryRepository struct {
	db *sql.DB
}

func NewLibraryRepository(db *sql.DB) *LibraryRepository {
	return &LibraryRepository{db: db}
}

const libraryColumns = `id, name, path, scan_interval, last_scan_at, next_scan_at, created_at, updated_at`

func scanLibrary(row interface{ Scan(dest ...interface{}) error }) (*models.Library, error) {
	lib := &models.Library{}
	err := row.Scan(&lib.ID, &lib.Name, &lib.Path, &lib.ScanInterval,
		&lib.LastScanAt, &lib.NextScanAt, &lib.CreatedAt, &lib.UpdatedAt)
	return lib, err
}

func (r *LibraryRepository) Create(lib *models.Library) error {
	if lib.ID == uuid.Nil {
		lib.ID = uuid.New()
	}
	query := `INSERT INTO libraries (id, name, path, scan_interval)
		VALUES ($1, $2, $3, $4) RETURNING created_at, updated_at`
	return r.db.QueryRow(query, lib.ID, lib.Name, lib.Path, lib.ScanInterval).
		Scan(&lib.CreatedAt, &lib.UpdatedAt)
}

func (r *LibraryRepository) GetByID(id uuid.UUID) (*models.Library, error) {
	query := `SELECT ` + libraryColumns + ` FROM libraries WHERE id = $1`
	lib, err := scanLibrary(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("library not found")
	}
	return lib, err
}

func (r *LibraryRepository) List() ([]*models.Library, error) {
	query := `SELECT ` + libraryColumns + ` FROM libraries ORDER BY created_at DESC`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	libraries := []*models.Library{}
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		libraries = append(libraries, lib)
	}
	return libraries, rows.Err()
}

// GetDueForScan returns libraries whose next_scan_at has passed.
func (r *LibraryRepository) GetDueForScan(now time.Time) ([]*models.Library, error) {
	query := `SELECT ` + libraryColumns + ` FROM libraries WHERE next_scan_at IS NOT NULL AND next_scan_at <= $1`
	rows, err := r.db.Query(query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	libraries := []*models.Library{}
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		libraries = append(libraries, lib)
	}
	return libraries, rows.Err()
}

func (r *LibraryRepository) UpdateLastScan(id uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(`UPDATE libraries SET last_scan_at = $1, updated_at = NOW() WHERE id = $2`, at, id)
	return err
}

func (r *LibraryRepository) AdvanceNextScan(id uuid.UUID, next time.Time) error {
	_, err := r.db.Exec(`UPDATE libraries SET next_scan_at = $1 WHERE id = $2`, next, id)
	return err
}

func (r *LibraryRepository) Delete(id uuid.UUID) error {
	result, err := r.db.Exec(`DELETE FROM libraries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("library not found")
	}
	return nil
}

// ──── Ignored paths ────

func (r *LibraryRepository) ListIgnoredPaths(libraryID uuid.UUID) ([]models.LibraryIgnoredPath, error) {
	rows, err := r.db.Query(`SELECT id, library_id, relative_path_prefix FROM library_ignored_paths WHERE library_id = $1`, libraryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []models.LibraryIgnoredPath
	for rows.Next() {
		var p models.LibraryIgnoredPath
		if err := rows.Scan(&p.ID, &p.LibraryID, &p.RelativePathPrefix); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (r *LibraryRepository) AddIgnoredPath(libraryID uuid.UUID, prefix string) error {
	_, err := r.db.Exec(`INSERT INTO library_ignored_paths (id, library_id, relative_path_prefix)
		VALUES ($1, $2, $3) ON CONFLICT (library_id, relative_path_prefix) DO NOTHING`,
		uuid.New(), libraryID, prefix)
	return err
}

// ──── Excluded files ────

func (r *LibraryRepository) ListExcludedFiles(libraryID uuid.UUID) ([]models.ExcludedFile, error) {
	rows, err := r.db.Query(`SELECT library_id, relative_path, content_hash, reason, excluded_at
		FROM excluded_files WHERE library_id = $1`, libraryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []models.ExcludedFile
	for rows.Next() {
		var f models.ExcludedFile
		if err := rows.Scan(&f.LibraryID, &f.RelativePath, &f.ContentHash, &f.Reason, &f.ExcludedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *LibraryRepository) AddExcludedFile(tx *sql.Tx, f models.ExcludedFile) error {
	_, err := tx.Exec(`INSERT INTO excluded_files (library_id, relative_path, content_hash, reason)
		VALUES ($1, $2, $3, $4) ON CONFLICT (library_id, relative_path) DO UPDATE SET content_hash = EXCLUDED.content_hash, reason = EXCLUDED.reason`,
		f.LibraryID, f.RelativePath, f.ContentHash, f.Reason)
	return err
}
