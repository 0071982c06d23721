// Package record defines the transient candidate shape produced by parsers
// and feed sources, plus the identifier normalization used for matching.
package record

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	StatusAccessible = "accessible"
	StatusNoAccess   = "no_access"
)

// Candidate is a parsed, not-yet-committed bibliographic entry. It has no
// identity until the pipeline commits it.
type Candidate struct {
	EntryID    string   `json:"entry_id"`
	Title      string   `json:"title"`
	Authors    []string `json:"authors,omitempty"`
	Venue      string   `json:"venue,omitempty"`
	Year       int      `json:"year,omitempty"`
	Abstract   string   `json:"abstract,omitempty"`
	Summary    string   `json:"summary,omitempty"`
	Status     string   `json:"status"`
	BibtexKey  string   `json:"bibtex_key,omitempty"`
	ArxivID    string   `json:"arxiv_id,omitempty"`
	DOI        string   `json:"doi,omitempty"`
	URLArxiv   string   `json:"url_arxiv,omitempty"`
	URLPDF     string   `json:"url_pdf,omitempty"`
	URLCode    string   `json:"url_code,omitempty"`
	URLProject string   `json:"url_project,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// EntryError records a single malformed entry. The pipeline collects these
// and keeps going; they never fail the surrounding job.
type EntryError struct {
	EntryID string `json:"entry_id"`
	Reason  string `json:"reason"`
}

// SearchableText is the text the keyword filter evaluates against.
func (c Candidate) SearchableText() string {
	if c.Abstract == "" {
		return c.Title
	}
	return c.Title + " " + c.Abstract
}

// ResolveStatus derives the access status from URL availability.
func (c *Candidate) ResolveStatus() {
	if c.URLArxiv != "" || c.URLPDF != "" {
		c.Status = StatusAccessible
		return
	}
	c.Status = StatusNoAccess
}

var (
	nonWordPattern    = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	arxivVersion      = regexp.MustCompile(`v\d+$`)
	arxivModernID     = regexp.MustCompile(`(\d{4}\.\d{4,5}(?:v\d+)?)`)
	arxivLegacyID     = regexp.MustCompile(`([a-z-]+/\d{7}(?:v\d+)?)`)
)

// NormalizeTitle lowercases, strips punctuation and diacritics, and
// collapses whitespace. Equality on the result is the weakest match the
// duplicate matcher reports; no fuzzy comparison happens anywhere.
func NormalizeTitle(title string) string {
	lowered := strings.ToLower(strings.TrimSpace(title))
	stripped := stripDiacritics(lowered)
	stripped = nonWordPattern.ReplaceAllString(stripped, "")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(stripped, " "))
}

// NormalizeArxivID strips URL prefixes and the version suffix, so
// "https://arxiv.org/abs/2301.12345v2" and "2301.12345" compare equal.
func NormalizeArxivID(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if m := arxivModernID.FindString(trimmed); m != "" {
		return arxivVersion.ReplaceAllString(m, "")
	}
	if m := arxivLegacyID.FindString(strings.ToLower(trimmed)); m != "" {
		return arxivVersion.ReplaceAllString(m, "")
	}
	return arxivVersion.ReplaceAllString(trimmed, "")
}

// NormalizeDOI lowercases and strips resolver prefixes
// ("https://doi.org/", "doi:").
func NormalizeDOI(raw string) string {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/", "doi:"} {
		if strings.HasPrefix(trimmed, prefix) {
			trimmed = trimmed[len(prefix):]
			break
		}
	}
	return strings.TrimSpace(trimmed)
}

func stripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
