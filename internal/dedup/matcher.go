// Package dedup finds the existing paper a candidate corresponds to, with
// a typed reason. Matching is scoped to one destination collection and is
// exact-only: no edit distance, no scoring.
package dedup

import (
	"horse.fit/bibshelf/internal/record"
)

// MatchType identifies which signal matched, strongest first.
type MatchType string

const (
	MatchBibtexKey MatchType = "bibtex_key"
	MatchArxivID   MatchType = "arxiv_id"
	MatchDOI       MatchType = "doi"
	MatchTitle     MatchType = "title"
)

// PaperKeys is the matcher's projection of an existing paper: just the
// identity plus the fields the four match rules compare. The storage layer
// produces these with a single indexed query per import.
type PaperKeys struct {
	PaperID         string
	Title           string
	NormalizedTitle string
	Authors         []string
	Year            int
	Venue           string
	Version         int64
	BibtexKey       string
	ArxivID         string
	DOI             string
}

// Match pairs one candidate with one existing paper. Exactly one match
// type per pairing; the matcher always reports the strongest rule that
// fired.
type Match struct {
	EntryID         string    `json:"entry_id"`
	NewTitle        string    `json:"new_title"`
	ExistingPaperID string    `json:"existing_paper_id"`
	ExistingTitle   string    `json:"existing_title"`
	MatchType       MatchType `json:"match_type"`
	MatchValue      string    `json:"match_value"`

	NewAuthors      []string `json:"new_authors,omitempty"`
	ExistingAuthors []string `json:"existing_authors,omitempty"`
	NewYear         int      `json:"new_year,omitempty"`
	ExistingYear    int      `json:"existing_year,omitempty"`
	NewVenue        string   `json:"new_venue,omitempty"`
	ExistingVenue   string   `json:"existing_venue,omitempty"`

	ExistingVersion int64 `json:"-"`
}

// Index holds the destination collection's papers keyed by each match
// signal. Built once per import; lookups are O(1) per candidate.
type Index struct {
	byBibtexKey map[string]*PaperKeys
	byArxivID   map[string]*PaperKeys
	byDOI       map[string]*PaperKeys
	byTitle     map[string]*PaperKeys
}

// NewIndex builds a matcher index over the existing papers of one
// collection. First paper wins on key collisions, matching the original
// first-row-wins lookups.
func NewIndex(existing []PaperKeys) *Index {
	idx := &Index{
		byBibtexKey: make(map[string]*PaperKeys, len(existing)),
		byArxivID:   make(map[string]*PaperKeys, len(existing)),
		byDOI:       make(map[string]*PaperKeys, len(existing)),
		byTitle:     make(map[string]*PaperKeys, len(existing)),
	}
	for i := range existing {
		p := &existing[i]
		if p.BibtexKey != "" {
			if _, ok := idx.byBibtexKey[p.BibtexKey]; !ok {
				idx.byBibtexKey[p.BibtexKey] = p
			}
		}
		if id := record.NormalizeArxivID(p.ArxivID); id != "" {
			if _, ok := idx.byArxivID[id]; !ok {
				idx.byArxivID[id] = p
			}
		}
		if doi := record.NormalizeDOI(p.DOI); doi != "" {
			if _, ok := idx.byDOI[doi]; !ok {
				idx.byDOI[doi] = p
			}
		}
		title := p.NormalizedTitle
		if title == "" {
			title = record.NormalizeTitle(p.Title)
		}
		if title != "" {
			if _, ok := idx.byTitle[title]; !ok {
				idx.byTitle[title] = p
			}
		}
	}
	return idx
}

// Match returns the strongest match for the candidate, or nil. Priority:
// bibtex_key (case-sensitive exact) > arxiv_id > doi > normalized title.
func (idx *Index) Match(cand record.Candidate) *Match {
	if cand.BibtexKey != "" {
		if p, ok := idx.byBibtexKey[cand.BibtexKey]; ok {
			return idx.newMatch(cand, p, MatchBibtexKey, cand.BibtexKey)
		}
	}
	if id := record.NormalizeArxivID(cand.ArxivID); id != "" {
		if p, ok := idx.byArxivID[id]; ok {
			return idx.newMatch(cand, p, MatchArxivID, id)
		}
	}
	if doi := record.NormalizeDOI(cand.DOI); doi != "" {
		if p, ok := idx.byDOI[doi]; ok {
			return idx.newMatch(cand, p, MatchDOI, doi)
		}
	}
	if title := record.NormalizeTitle(cand.Title); title != "" {
		if p, ok := idx.byTitle[title]; ok {
			return idx.newMatch(cand, p, MatchTitle, title)
		}
	}
	return nil
}

func (idx *Index) newMatch(cand record.Candidate, p *PaperKeys, mt MatchType, value string) *Match {
	return &Match{
		EntryID:         cand.EntryID,
		NewTitle:        cand.Title,
		ExistingPaperID: p.PaperID,
		ExistingTitle:   p.Title,
		MatchType:       mt,
		MatchValue:      value,
		NewAuthors:      cand.Authors,
		ExistingAuthors: p.Authors,
		NewYear:         cand.Year,
		ExistingYear:    p.Year,
		NewVenue:        cand.Venue,
		ExistingVenue:   p.Venue,
		ExistingVersion: p.Version,
	}
}
