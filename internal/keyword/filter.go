// Package keyword implements the inclusion DSL feed sources apply before
// candidates reach the matcher.
//
// Terms:
//
//	term    optional, OR group: at least one must match
//	+term   required: all must match
//	-term   excluded: none may match
//	*       wildcard: lifts the OR requirement entirely
//
// Matching is whole-word and case-insensitive over title + abstract.
package keyword

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Filter is a compiled term set. The zero value accepts everything.
type Filter struct {
	required []string
	excluded []string
	optional []string
	wildcard bool
}

// Compile parses raw terms into a Filter. Blank terms are dropped.
func Compile(terms []string) Filter {
	var f Filter
	for _, raw := range terms {
		term := strings.TrimSpace(raw)
		if term == "" {
			continue
		}
		switch {
		case term == "*":
			f.wildcard = true
		case strings.HasPrefix(term, "+"):
			if t := strings.ToLower(term[1:]); t != "" {
				f.required = append(f.required, t)
			}
		case strings.HasPrefix(term, "-"):
			if t := strings.ToLower(term[1:]); t != "" {
				f.excluded = append(f.excluded, t)
			}
		default:
			f.optional = append(f.optional, strings.ToLower(term))
		}
	}
	return f
}

// Empty reports whether the filter has no effective clauses.
func (f Filter) Empty() bool {
	return len(f.required) == 0 && len(f.excluded) == 0 && len(f.optional) == 0
}

// Match evaluates the filter: exclusions first, then required terms, then
// the OR group (vacuous when empty or a wildcard is present).
func (f Filter) Match(text string) bool {
	lowered := strings.ToLower(text)

	for _, term := range f.excluded {
		if containsWord(lowered, term) {
			return false
		}
	}

	for _, term := range f.required {
		if !containsWord(lowered, term) {
			return false
		}
	}

	if f.wildcard || len(f.optional) == 0 {
		return true
	}
	for _, term := range f.optional {
		if containsWord(lowered, term) {
			return true
		}
	}
	return false
}

// containsWord reports whether term occurs in text bounded by non-word
// runes, so "llm" does not match inside "allmark". Neighbors are decoded
// as runes, not bytes, so multi-byte letters like "é" still count as
// word characters. Both inputs must already be lowercased.
func containsWord(text, term string) bool {
	for start := 0; ; {
		idx := strings.Index(text[start:], term)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(term)

		leftOK := true
		if idx > 0 {
			r, _ := utf8.DecodeLastRuneInString(text[:idx])
			leftOK = !isWordRune(r)
		}
		rightOK := true
		if end < len(text) {
			r, _ := utf8.DecodeRuneInString(text[end:])
			rightOK = !isWordRune(r)
		}
		if leftOK && rightOK {
			return true
		}
		start = idx + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
