// Package rules implements the pattern matcher and rule evaluator of the
// filtering pipeline. Everything here is pure: no side effects, no
// persistence, safe for concurrent use.
package rules

import (
	"regexp"
	"strings"
)

// Match evaluates one message field against one rule pattern.
//
// A nil pattern is an absent constraint and is satisfied vacuously: the
// match is true regardless of the field value. A pattern delimited by a
// leading and trailing "/" is treated as a case-insensitive regular
// expression with the delimiters stripped. Anything else is a
// case-insensitive glob where "*" matches any run of characters (including
// a leading dot) and "?" matches exactly one.
//
// Match never fails for an unmatched pattern. An invalid regular expression
// is reported as a non-match rather than an error, so a single bad pattern
// cannot abort the pipeline.
func Match(field string, pattern *string) bool {
	if pattern == nil {
		return true
	}

	p := *pattern
	if len(p) >= 2 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/") {
		re, err := regexp.Compile("(?i)" + p[1:len(p)-1])
		if err != nil {
			return false
		}
		return re.MatchString(field)
	}

	re, err := regexp.Compile(globToRegexp(p))
	if err != nil {
		return false
	}
	return re.MatchString(field)
}

// globToRegexp translates a glob pattern into an anchored case-insensitive
// regular expression. Everything except "*" and "?" is matched literally.
func globToRegexp(glob string) string {
	var sb strings.Builder
	sb.WriteString("(?i)^")
	for _, r := range glob {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return sb.String()
}
