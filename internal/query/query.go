// Package query is the tag/directive search language: Parse turns a search
// string into a structured SearchQuery, and BuildPlan turns that into SQL
// fragments a repository can embed in its own post listing query. Tag
// sanitization lives in internal/tagname so the parser and the tag
// repository stay in lockstep without importing each other.
package query

import (
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/booru/core/internal/tagname"
)

type CompareOp string

const (
	OpLess         CompareOp = "<"
	OpLessOrEqual  CompareOp = "<="
	OpEqual        CompareOp = "="
	OpGreaterOrEq  CompareOp = ">="
	OpGreater      CompareOp = ">"
)

type TagFilter struct {
	Name    string
	Exclude bool
}

type TypeFilter struct {
	Values  []string
	Exclude bool
}

type FileFilter struct {
	Values  []string
	Exclude bool
}

type TagCountFilter struct {
	Op    CompareOp
	Value int
}

type FavoriteFilter struct {
	Value   bool
	Exclude bool
}

var sortFields = map[string]bool{
	"file-modified": true,
	"import-date":   true,
	"tag-count":     true,
	"width":         true,
	"height":        true,
	"size":          true,
	"id":            true,
}

type SortSpec struct {
	Field     string
	Ascending bool
}

// SearchQuery is the structured result of parsing one search string.
type SearchQuery struct {
	Tags        []TagFilter
	Types       []TypeFilter
	Files       []FileFilter
	TagCounts   []TagCountFilter
	Favorite    *FavoriteFilter
	Sort        SortSpec
}

// DefaultSort is applied when the query names no sort directive.
func DefaultSort() SortSpec {
	return SortSpec{Field: "file-modified", Ascending: false}
}

// Parse tokenizes and classifies a search string.
// Whitespace separates tokens; a leading `-` negates; a colon separates
// directive from value; a backslash-escaped colon is literal. Empty tokens
// (after sanitization) are dropped.
func Parse(raw string) SearchQuery {
	q := SearchQuery{Sort: DefaultSort()}

	for _, token := range tokenize(raw) {
		if token == "" {
			continue
		}
		negate := false
		if strings.HasPrefix(token, "-") {
			negate = true
			token = token[1:]
		}
		if token == "" {
			continue
		}

		directive, value, hasDirective := splitDirective(token)
		if !hasDirective {
			name := tagname.Sanitize(token)
			if name == "" {
				continue
			}
			q.Tags = append(q.Tags, TagFilter{Name: name, Exclude: negate})
			continue
		}

		switch strings.ToLower(directive) {
		case "type":
			q.Types = append(q.Types, TypeFilter{Values: splitList(value), Exclude: negate})
		case "file", "filename":
			q.Files = append(q.Files, FileFilter{Values: splitList(value), Exclude: negate})
		case "tag-count":
			if f, ok := parseTagCount(value); ok {
				q.TagCounts = append(q.TagCounts, f)
			}
			// Non-numeric values are rejected silently, never falling back to a
			// plain tag token.
		case "favorite":
			if b, err := strconv.ParseBool(value); err == nil {
				q.Favorite = &FavoriteFilter{Value: b, Exclude: negate}
			}
		case "sort":
			if spec, ok := parseSort(value); ok {
				q.Sort = spec
			}
		default:
			// Unrecognized directive: treat the whole token as a sanitized tag
			// name, so stray colons still search as text.
			name := tagname.Sanitize(token)
			if name == "" {
				continue
			}
			q.Tags = append(q.Tags, TagFilter{Name: name, Exclude: negate})
		}
	}

	return q
}

// tokenize splits raw on whitespace, honoring no quoting beyond the
// backslash-escaped colon handled by splitDirective.
func tokenize(raw string) []string {
	return strings.Fields(raw)
}

// splitDirective finds the first unescaped colon in token and returns the
// parts either side of it; `\:` is unescaped back to a literal colon in the
// value.
func splitDirective(token string) (directive, value string, ok bool) {
	for i := 0; i < len(token); i++ {
		if token[i] == '\\' && i+1 < len(token) && token[i+1] == ':' {
			i++
			continue
		}
		if token[i] == ':' {
			return token[:i], unescapeColon(token[i+1:]), true
		}
	}
	return "", "", false
}

func unescapeColon(s string) string {
	return strings.ReplaceAll(s, `\:`, ":")
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTagCount parses `<op><n>` where op defaults to `=` when absent.
func parseTagCount(value string) (TagCountFilter, bool) {
	ops := []CompareOp{OpLessOrEqual, OpGreaterOrEq, OpLess, OpGreater, OpEqual}
	for _, op := range ops {
		if strings.HasPrefix(value, string(op)) {
			rest := strings.TrimPrefix(value, string(op))
			n, err := cast.ToIntE(rest)
			if err != nil {
				return TagCountFilter{}, false
			}
			return TagCountFilter{Op: op, Value: n}, true
		}
	}
	n, err := cast.ToIntE(value)
	if err != nil {
		return TagCountFilter{}, false
	}
	return TagCountFilter{Op: OpEqual, Value: n}, true
}

// parseSort accepts `new`/`old` shortcuts, `field:direction`, `±field`, or
// `field_asc`/`field_desc`.
func parseSort(value string) (SortSpec, bool) {
	switch value {
	case "new":
		return SortSpec{Field: "file-modified", Ascending: false}, true
	case "old":
		return SortSpec{Field: "file-modified", Ascending: true}, true
	}

	if strings.HasPrefix(value, "+") {
		field := value[1:]
		if sortFields[field] {
			return SortSpec{Field: field, Ascending: true}, true
		}
		return SortSpec{}, false
	}
	if strings.HasPrefix(value, "-") {
		field := value[1:]
		if sortFields[field] {
			return SortSpec{Field: field, Ascending: false}, true
		}
		return SortSpec{}, false
	}

	if field, dir, ok := strings.Cut(value, ":"); ok {
		if sortFields[field] {
			return SortSpec{Field: field, Ascending: dir == "asc"}, true
		}
		return SortSpec{}, false
	}

	if strings.HasSuffix(value, "_asc") {
		field := strings.TrimSuffix(value, "_asc")
		if sortFields[field] {
			return SortSpec{Field: field, Ascending: true}, true
		}
	}
	if strings.HasSuffix(value, "_desc") {
		field := strings.TrimSuffix(value, "_desc")
		if sortFields[field] {
			return SortSpec{Field: field, Ascending: false}, true
		}
	}

	return SortSpec{}, false
}
