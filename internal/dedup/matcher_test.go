package dedup

import (
	"testing"

	"horse.fit/bibshelf/internal/record"
)

func testIndex() *Index {
	return NewIndex([]PaperKeys{
		{
			PaperID:   "p1",
			Title:     "Attention Is All You Need",
			BibtexKey: "vaswani2017attention",
			ArxivID:   "1706.03762",
			DOI:       "10.5555/3295222",
			Authors:   []string{"Ashish Vaswani"},
			Year:      2017,
			Venue:     "NeurIPS",
			Version:   3,
		},
		{
			PaperID: "p2",
			Title:   "Deep Residual Learning for Image Recognition",
			ArxivID: "1512.03385",
		},
	})
}

func TestBibtexKeyBeatsTitle(t *testing.T) {
	t.Parallel()

	idx := testIndex()
	m := idx.Match(record.Candidate{
		EntryID:   "e1",
		Title:     "Attention Is All You Need",
		BibtexKey: "vaswani2017attention",
	})
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.MatchType != MatchBibtexKey {
		t.Fatalf("expected bibtex_key match, got %q", m.MatchType)
	}
	if m.ExistingPaperID != "p1" {
		t.Fatalf("unexpected paper id: %q", m.ExistingPaperID)
	}
	if m.ExistingVersion != 3 {
		t.Fatalf("expected version carried through, got %d", m.ExistingVersion)
	}
}

func TestBibtexKeyIsCaseSensitive(t *testing.T) {
	t.Parallel()

	idx := testIndex()
	m := idx.Match(record.Candidate{
		EntryID:   "e1",
		Title:     "Unrelated Paper",
		BibtexKey: "Vaswani2017Attention",
	})
	if m != nil {
		t.Fatalf("case-mismatched bibtex key must not match, got %+v", m)
	}
}

func TestDOIBeatsTitle(t *testing.T) {
	t.Parallel()

	idx := testIndex()
	m := idx.Match(record.Candidate{
		EntryID: "e1",
		Title:   "Attention is ALL you need",
		DOI:     "https://doi.org/10.5555/3295222",
	})
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.MatchType != MatchDOI {
		t.Fatalf("doi and title both satisfied: must report doi, got %q", m.MatchType)
	}
	if m.MatchValue != "10.5555/3295222" {
		t.Fatalf("expected normalized doi as match value, got %q", m.MatchValue)
	}
}

func TestArxivIDNormalization(t *testing.T) {
	t.Parallel()

	idx := testIndex()
	m := idx.Match(record.Candidate{
		EntryID: "e1",
		Title:   "Something Else Entirely",
		ArxivID: "https://arxiv.org/abs/1512.03385v2",
	})
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.MatchType != MatchArxivID {
		t.Fatalf("expected arxiv_id match, got %q", m.MatchType)
	}
	if m.ExistingPaperID != "p2" {
		t.Fatalf("unexpected paper id: %q", m.ExistingPaperID)
	}
}

func TestTitleFallback(t *testing.T) {
	t.Parallel()

	idx := testIndex()
	m := idx.Match(record.Candidate{
		EntryID: "e1",
		Title:   "Deep Residual Learning for Image Recognition!",
	})
	if m == nil {
		t.Fatal("expected a title match")
	}
	if m.MatchType != MatchTitle {
		t.Fatalf("expected title match, got %q", m.MatchType)
	}
}

func TestNoMatch(t *testing.T) {
	t.Parallel()

	idx := testIndex()
	m := idx.Match(record.Candidate{
		EntryID: "e1",
		Title:   "A Completely Novel Result",
		ArxivID: "2404.99999",
		DOI:     "10.9999/none",
	})
	if m != nil {
		t.Fatalf("expected no match, got %+v", m)
	}
}

func TestEmptyIdentifiersDoNotMatchEmptyIndexEntries(t *testing.T) {
	t.Parallel()

	idx := NewIndex([]PaperKeys{{PaperID: "p1", Title: "Only Title"}})
	m := idx.Match(record.Candidate{EntryID: "e1", Title: "Different Title"})
	if m != nil {
		t.Fatalf("blank identifiers must not cross-match, got %+v", m)
	}
}
