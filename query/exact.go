package query

import (
	"strings"

	"github.com/grafana/regexp"
)

// syntaxFilter matches the zoekt query syntax filters that are kept verbatim
// in exact search mode.
var syntaxFilter = regexp.MustCompile(`^-?(?:case|f|file|lang|sym):\S*$`)

// ParseSyntax splits a free-text query into its keyword and its syntax
// filters (case:, f:, file:, lang: and sym:, optionally negated with a
// leading "-"). Words of the keyword are joined by single spaces.
func ParseSyntax(q string) (keyword string, filters []string) {
	var words []string
	for _, field := range strings.Fields(q) {
		if syntaxFilter.MatchString(field) {
			filters = append(filters, field)
			continue
		}
		words = append(words, field)
	}
	return strings.Join(words, " "), filters
}

// ExactSearchQuery rewrites q so its keyword is matched literally. Queries
// made only of syntax filters are returned unchanged.
func ExactSearchQuery(q string) string {
	keyword, filters := ParseSyntax(q)
	if keyword == "" {
		return q
	}
	parts := append([]string{EscapeLiteral(keyword)}, filters...)
	return strings.Join(parts, " ")
}

// EscapeLiteral escapes regexp metacharacters and whitespace in s.
func EscapeLiteral(s string) string {
	quoted := regexp.QuoteMeta(s)
	var sb strings.Builder
	sb.Grow(len(quoted))
	for _, r := range quoted {
		switch r {
		case ' ':
			sb.WriteString(`\ `)
		case '\t':
			sb.WriteString(`\t`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\f':
			sb.WriteString(`\f`)
		case '\v':
			sb.WriteString(`\v`)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
