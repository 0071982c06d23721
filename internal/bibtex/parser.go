// Package bibtex turns uploaded .bib files into candidate records. The
// parser is tolerant: malformed entries become per-entry errors and the
// rest of the file keeps parsing.
package bibtex

import (
	"fmt"
	"regexp"
	"strings"

	"horse.fit/bibshelf/internal/record"
)

var (
	latexCommand = regexp.MustCompile(`\\(?:textit|textbf|emph)\s*`)
	arxivInNote  = regexp.MustCompile(`arXiv[:\s]*(\d+\.\d+)`)
	digitsOnly   = regexp.MustCompile(`[^0-9]`)
)

// Parse scans BibTeX content and returns candidates plus per-entry errors.
// A file that contains no entries at all yields empty slices, not an error;
// the caller decides whether an empty import is worth reporting.
func Parse(content string) ([]record.Candidate, []record.EntryError) {
	entries := splitEntries(content)

	candidates := make([]record.Candidate, 0, len(entries))
	var errs []record.EntryError

	for _, entry := range entries {
		switch strings.ToLower(entry.kind) {
		case "comment", "preamble", "string":
			continue
		}

		title := cleanLatex(entry.fields["title"])
		if title == "" {
			errs = append(errs, record.EntryError{EntryID: entry.key, Reason: "missing title"})
			continue
		}

		cand := record.Candidate{
			EntryID:   entry.key,
			Title:     title,
			Authors:   parseAuthors(entry.fields["author"]),
			Venue:     resolveVenue(entry.fields),
			Year:      extractYear(entry.fields["year"]),
			Abstract:  cleanLatex(entry.fields["abstract"]),
			Summary:   extractSummary(entry.fields),
			BibtexKey: entry.key,
			DOI:       strings.TrimSpace(entry.fields["doi"]),
			Tags:      extractTags(entry.fields["keywords"]),
		}

		cand.ArxivID = extractArxivID(entry.fields)
		applyURLs(&cand, entry.fields["url"])
		cand.ResolveStatus()

		candidates = append(candidates, cand)
	}

	return candidates, errs
}

type rawEntry struct {
	kind   string
	key    string
	fields map[string]string
}

// splitEntries walks the file byte-wise, honoring nested braces so titles
// like {A {Nested} Title} survive intact. Garbage between entries is
// ignored.
func splitEntries(content string) []rawEntry {
	var entries []rawEntry

	for i := 0; i < len(content); i++ {
		if content[i] != '@' {
			continue
		}

		j := i + 1
		for j < len(content) && content[j] != '{' && content[j] != '(' {
			j++
		}
		if j >= len(content) {
			break
		}
		kind := strings.TrimSpace(content[i+1 : j])
		if kind == "" {
			continue
		}

		body, end, ok := readBalanced(content, j)
		if !ok {
			break
		}
		i = end

		key, fields := parseBody(body)
		entries = append(entries, rawEntry{kind: kind, key: key, fields: fields})
	}

	return entries
}

// readBalanced reads a {...} or (...) group starting at open, returning the
// inner text and the index of the closing delimiter.
func readBalanced(content string, open int) (string, int, bool) {
	openCh := content[open]
	closeCh := byte('}')
	if openCh == '(' {
		closeCh = ')'
	}

	depth := 0
	for k := open; k < len(content); k++ {
		switch content[k] {
		case openCh, '{':
			depth++
		case closeCh, '}':
			depth--
			if depth == 0 {
				return content[open+1 : k], k, true
			}
		}
	}
	return "", len(content), false
}

func parseBody(body string) (string, map[string]string) {
	fields := make(map[string]string)

	key := ""
	rest := body
	if idx := strings.IndexByte(body, ','); idx >= 0 {
		key = strings.TrimSpace(body[:idx])
		rest = body[idx+1:]
	} else {
		key = strings.TrimSpace(body)
		rest = ""
	}

	for len(rest) > 0 {
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			break
		}
		name := strings.ToLower(strings.TrimSpace(strings.TrimLeft(rest[:eq], ", \t\r\n")))
		value, remainder := readFieldValue(rest[eq+1:])
		if name != "" {
			fields[name] = value
		}
		rest = remainder
	}

	return key, fields
}

// readFieldValue consumes one field value, which may be brace-delimited,
// quote-delimited, or a bare word (numbers, month macros).
func readFieldValue(s string) (string, string) {
	s = strings.TrimLeft(s, " \t\r\n")
	if s == "" {
		return "", ""
	}

	switch s[0] {
	case '{':
		inner, end, ok := readBalanced(s, 0)
		if !ok {
			return strings.TrimSpace(s[1:]), ""
		}
		return strings.TrimSpace(inner), s[end+1:]
	case '"':
		for k := 1; k < len(s); k++ {
			if s[k] == '"' && s[k-1] != '\\' {
				return strings.TrimSpace(s[1:k]), s[k+1:]
			}
		}
		return strings.TrimSpace(s[1:]), ""
	default:
		end := strings.IndexAny(s, ",\n")
		if end < 0 {
			return strings.TrimSpace(s), ""
		}
		return strings.TrimSpace(s[:end]), s[end:]
	}
}

// cleanLatex removes the formatting artifacts BibTeX exports carry around.
func cleanLatex(text string) string {
	if text == "" {
		return ""
	}
	text = strings.NewReplacer("{", "", "}", "").Replace(text)
	text = latexCommand.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, `\textbar`, "|")
	text = strings.ReplaceAll(text, `\&`, "&")
	text = strings.ReplaceAll(text, "~", " ")
	return strings.TrimSpace(text)
}

// parseAuthors splits an "A and B and C" author string, flipping
// "Last, First" into "First Last".
func parseAuthors(authorString string) []string {
	if strings.TrimSpace(authorString) == "" {
		return nil
	}
	var authors []string
	for _, raw := range strings.Split(authorString, " and ") {
		author := cleanLatex(strings.TrimSpace(raw))
		if author == "" {
			continue
		}
		if last, first, ok := strings.Cut(author, ","); ok {
			author = fmt.Sprintf("%s %s", strings.TrimSpace(first), strings.TrimSpace(last))
		}
		authors = append(authors, author)
	}
	return authors
}

func extractArxivID(fields map[string]string) string {
	if url := fields["url"]; strings.Contains(url, "arxiv.org/abs/") {
		id := strings.SplitN(url, "arxiv.org/abs/", 2)[1]
		id = strings.SplitN(id, ".pdf", 2)[0]
		return record.NormalizeArxivID(strings.Trim(id, "/"))
	}
	if eprint := strings.TrimSpace(fields["eprint"]); eprint != "" {
		return record.NormalizeArxivID(eprint)
	}
	if m := arxivInNote.FindStringSubmatch(fields["note"]); m != nil {
		return m[1]
	}
	return ""
}

func extractSummary(fields map[string]string) string {
	if abstract := strings.TrimSpace(fields["abstract"]); abstract != "" {
		return cleanLatex(abstract)
	}
	note := fields["note"]
	if idx := strings.Index(strings.ToLower(note), "tldr:"); idx >= 0 {
		return strings.TrimSpace(note[idx+len("tldr:"):])
	}
	return ""
}

func extractTags(keywords string) []string {
	if strings.TrimSpace(keywords) == "" {
		return nil
	}
	var tags []string
	for _, k := range strings.Split(keywords, ",") {
		if tag := strings.TrimSpace(k); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func extractYear(raw string) int {
	digits := digitsOnly.ReplaceAllString(raw, "")
	if digits == "" {
		return 0
	}
	year := 0
	for _, ch := range digits {
		year = year*10 + int(ch-'0')
	}
	return year
}

func resolveVenue(fields map[string]string) string {
	venue := cleanLatex(fields["booktitle"])
	if venue == "" {
		venue = cleanLatex(fields["journal"])
	}
	if venue == "" {
		venue = "Unknown"
	}
	return venue
}

// applyURLs fills the abs/pdf URL pair, deriving canonical arXiv URLs when
// an id is known.
func applyURLs(cand *record.Candidate, url string) {
	url = strings.TrimSpace(url)
	if cand.ArxivID != "" {
		cand.URLArxiv = "https://arxiv.org/abs/" + cand.ArxivID
		cand.URLPDF = "https://arxiv.org/pdf/" + cand.ArxivID
		return
	}
	if url == "" {
		return
	}
	if strings.Contains(url, "arxiv.org") {
		cand.URLArxiv = url
		return
	}
	cand.URLPDF = url
}
