// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"regexp"
	"strings"
)

// segmentExpr matches exactly one non-empty segment.
const segmentExpr = `[^.]+`

// Regexp translates a topic pattern into an anchored regular expression
// understood by RE2, POSIX (PostgreSQL '~') and PCRE (MongoDB $regex).
//
//	'.' -> '\.'
//	'*' -> '[^.]+'
//
// Literal segments are quoted, so the expression never matches across a
// separator.
func Regexp(pattern string) string {
	levels := strings.Split(pattern, Separator)

	var b strings.Builder
	b.Grow(len(pattern) + 2 + 4*len(levels))
	b.WriteByte('^')
	for i, level := range levels {
		if i > 0 {
			b.WriteString(`\.`)
		}
		if level == Wildcard {
			b.WriteString(segmentExpr)
			continue
		}
		b.WriteString(regexp.QuoteMeta(level))
	}
	b.WriteByte('$')
	return b.String()
}

// Literals splits patterns into exact topics and wildcard patterns.
func Literals(patterns []string) (exact, wildcard []string) {
	for _, p := range patterns {
		if IsPattern(p) {
			wildcard = append(wildcard, p)
			continue
		}
		exact = append(exact, p)
	}
	return exact, wildcard
}
