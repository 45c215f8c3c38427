package query

import (
	"fmt"
	"strings"
)

// bucketExpr classifies a post's stored MIME contentType into the three
// query-language type buckets, mirroring mediasource.TypeBucket in SQL so
// the planner never has to load rows into Go to apply a type: filter.
const bucketExpr = `(CASE
	WHEN p.content_type = 'image/gif' THEN 'animation'
	WHEN p.content_type LIKE 'video/%' THEN 'video'
	WHEN p.content_type LIKE 'image/%' THEN 'image'
	ELSE ''
END)`

// tagCountExpr is a correlated scalar subquery counting a post's tags,
// reused by both the tag-count: filter and the tag-count sort field.
const tagCountExpr = `(SELECT COUNT(*) FROM post_tags pt WHERE pt.post_id = p.id)`

var sortColumns = map[string]string{
	"file-modified": "p.file_modified_date",
	"import-date":   "p.import_date",
	"tag-count":     tagCountExpr,
	"width":         "p.width",
	"height":        "p.height",
	"size":          "p.size_bytes",
	"id":            "p.id",
}

// Plan is the SQL shape of a SearchQuery, ready to splice into a repository
// query aliasing the posts table as "p". paramStart is the first unused
// placeholder index (e.g. 2 if the caller already bound library_id to $1).
type Plan struct {
	WhereSQL string
	OrderSQL string
	Args     []interface{}
}

// BuildPlan turns a parsed SearchQuery into WHERE/ORDER BY fragments and
// their bind arguments, building a dynamic filter clause with incrementing
// $N placeholders. WhereSQL always begins with " AND " when non-empty,
// so the caller can append it directly after its own base WHERE clause.
func BuildPlan(q SearchQuery, paramStart int) Plan {
	var wheres []string
	var args []interface{}
	p := paramStart

	for _, t := range q.Tags {
		clause := "EXISTS"
		if t.Exclude {
			clause = "NOT EXISTS"
		}
		wheres = append(wheres, fmt.Sprintf(
			`%s (SELECT 1 FROM post_tags pt JOIN tags t ON t.id = pt.tag_id WHERE pt.post_id = p.id AND t.name = $%d)`,
			clause, p))
		args = append(args, t.Name)
		p++
	}

	for _, f := range q.Types {
		if len(f.Values) == 0 {
			continue
		}
		placeholders := make([]string, len(f.Values))
		for i, v := range f.Values {
			placeholders[i] = fmt.Sprintf("$%d", p)
			args = append(args, v)
			p++
		}
		op := "IN"
		if f.Exclude {
			op = "NOT IN"
		}
		wheres = append(wheres, fmt.Sprintf("%s %s (%s)", bucketExpr, op, strings.Join(placeholders, ", ")))
	}

	for _, f := range q.Files {
		if len(f.Values) == 0 {
			continue
		}
		placeholders := make([]string, len(f.Values))
		for i, v := range f.Values {
			placeholders[i] = fmt.Sprintf("$%d", p)
			args = append(args, v)
			p++
		}
		op := "IN"
		if f.Exclude {
			op = "NOT IN"
		}
		// "Exact filenames": the last path segment of relative_path, so
		// file:cat.jpg matches posts/anywhere/cat.jpg but not cat.jpg.bak.
		wheres = append(wheres, fmt.Sprintf(
			"reverse(split_part(reverse(p.relative_path), '/', 1)) %s (%s)", op, strings.Join(placeholders, ", ")))
	}

	for _, f := range q.TagCounts {
		wheres = append(wheres, fmt.Sprintf("%s %s $%d", tagCountExpr, string(f.Op), p))
		args = append(args, f.Value)
		p++
	}

	if q.Favorite != nil {
		op := "="
		if q.Favorite.Exclude {
			op = "!="
		}
		wheres = append(wheres, fmt.Sprintf("p.is_favorite %s $%d", op, p))
		args = append(args, q.Favorite.Value)
		p++
	}

	whereSQL := ""
	if len(wheres) > 0 {
		whereSQL = " AND " + strings.Join(wheres, " AND ")
	}

	sortSpec := q.Sort
	col, ok := sortColumns[sortSpec.Field]
	if !ok {
		sortSpec = DefaultSort()
		col = sortColumns[sortSpec.Field]
	}
	dir := "DESC"
	if sortSpec.Ascending {
		dir = "ASC"
	}
	// Tie-break: append id in the same direction so otherwise-equal rows
	// still page deterministically.
	orderSQL := fmt.Sprintf(" ORDER BY %s %s, p.id %s", col, dir, dir)

	return Plan{WhereSQL: whereSQL, OrderSQL: orderSQL, Args: args}
}
