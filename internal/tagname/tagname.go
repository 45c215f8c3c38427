// Package tagname holds the tag-name normalization rule shared by the tag
// repository and the query parser, kept as its own leaf package so neither
// one has to import the other to reuse it.
package tagname

import (
	"regexp"
	"strings"
)

var whitespaceColonRun = regexp.MustCompile(`[\s:]+`)

// Sanitize normalizes a tag name: lowercase, whitespace
// and colon runs collapsed to `_`, leading/trailing `_` trimmed. Idempotent:
// Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(name string) string {
	name = strings.ToLower(name)
	name = whitespaceColonRun.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}
