package repository

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/booru/core/internal/models"
	"github.com/booru/core/internal/tagname"
)

type TagRepository struct {
	db *sql.DB
}

func NewTagRepository(db *sql.DB) *TagRepository {
	return &TagRepository{db: db}
}

// SanitizeTagName normalizes a tag name: lowercase,
// whitespace and colon runs collapsed to `_`, leading/trailing `_` trimmed.
// Idempotent: SanitizeTagName(SanitizeTagName(x)) == SanitizeTagName(x).
func SanitizeTagName(name string) string {
	return tagname.Sanitize(name)
}

func (r *TagRepository) GetOrCreate(name string) (*models.Tag, error) {
	sanitized := SanitizeTagName(name)
	if sanitized == "" {
		return nil, fmt.Errorf("tag name sanitizes to empty string")
	}

	tag := &models.Tag{}
	err := r.db.QueryRow(`SELECT id, name, category_id FROM tags WHERE name = $1`, sanitized).
		Scan(&tag.ID, &tag.Name, &tag.CategoryID)
	if err == nil {
		return tag, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	tag.ID = uuid.New()
	tag.Name = sanitized
	if _, err := r.db.Exec(`INSERT INTO tags (id, name) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		tag.ID, tag.Name); err != nil {
		return nil, err
	}
	// Another writer may have won the race; re-read to get the canonical row.
	if err := r.db.QueryRow(`SELECT id, name, category_id FROM tags WHERE name = $1`, sanitized).
		Scan(&tag.ID, &tag.Name, &tag.CategoryID); err != nil {
		return nil, err
	}
	return tag, nil
}

// RenameMerge repoints every post_tags row held by a stale tag onto the
// sanitized tag (creating it first if needed), then deletes the stale tag
// row. A post already carrying the sanitized tag under the same source is
// left alone rather than producing a duplicate post_tags row. Returns
// whether the stale tag actually existed and was merged away.
func (r *TagRepository) RenameMerge(staleID uuid.UUID, sanitizedName string) (bool, error) {
	sanitized, err := r.GetOrCreate(sanitizedName)
	if err != nil {
		return false, err
	}
	if sanitized.ID == staleID {
		return false, nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO post_tags (post_id, tag_id, source)
		SELECT post_id, $1, source FROM post_tags WHERE tag_id = $2
		ON CONFLICT DO NOTHING`, sanitized.ID, staleID); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`DELETE FROM post_tags WHERE tag_id = $1`, staleID); err != nil {
		return false, err
	}
	result, err := tx.Exec(`DELETE FROM tags WHERE id = $1`, staleID)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *TagRepository) List() ([]*models.Tag, error) {
	rows, err := r.db.Query(`SELECT id, name, category_id FROM tags ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []*models.Tag
	for rows.Next() {
		t := &models.Tag{}
		if err := rows.Scan(&t.ID, &t.Name, &t.CategoryID); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (r *TagRepository) AttachToPost(postID, tagID uuid.UUID, source models.TagSource) error {
	_, err := r.db.Exec(`INSERT INTO post_tags (post_id, tag_id, source) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, postID, tagID, source)
	return err
}

func (r *TagRepository) DetachFromPost(postID, tagID uuid.UUID, source models.TagSource) error {
	_, err := r.db.Exec(`DELETE FROM post_tags WHERE post_id = $1 AND tag_id = $2 AND source = $3`,
		postID, tagID, source)
	return err
}

// EffectiveTagNames returns the distinct set of tag names attached to a
// post, regardless of source.
func (r *TagRepository) EffectiveTagNames(postID uuid.UUID) ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT t.name FROM post_tags pt JOIN tags t ON t.id = pt.tag_id
		WHERE pt.post_id = $1 ORDER BY t.name`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (r *TagRepository) CreateCategory(c *models.TagCategory) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.db.Exec(`INSERT INTO tag_categories (id, name, color, "order") VALUES ($1,$2,$3,$4)`,
		c.ID, c.Name, c.Color, c.Order)
	return err
}

func (r *TagRepository) ListCategories() ([]*models.TagCategory, error) {
	rows, err := r.db.Query(`SELECT id, name, color, "order" FROM tag_categories ORDER BY "order"`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var categories []*models.TagCategory
	for rows.Next() {
		c := &models.TagCategory{}
		if err := rows.Scan(&c.ID, &c.Name, &c.Color, &c.Order); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}
