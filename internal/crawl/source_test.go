package crawl

import (
	"testing"
)

func hasConfigField(meta SourceMeta, name string) bool {
	for _, field := range meta.ConfigFields {
		if field.Name == name {
			return true
		}
	}
	return false
}

func TestArxivMeta(t *testing.T) {
	t.Parallel()

	meta := NewArxivSource(nil, "", 1).Meta()
	if meta.Type != SourceArxivRSS || meta.DisplayName == "" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	for _, name := range []string{"categories", "feed_url", "keywords", "max_results"} {
		if !hasConfigField(meta, name) {
			t.Fatalf("arxiv meta is missing config field %q", name)
		}
	}
	if len(meta.SupportedSchedules) != 1 || meta.SupportedSchedules[0] != ScheduleDaily {
		t.Fatalf("arxiv feeds only carry recent announcements, expected daily only: %v", meta.SupportedSchedules)
	}
}

func TestSemanticScholarMeta(t *testing.T) {
	t.Parallel()

	meta := NewSemanticScholarSource(nil, "", 1).Meta()
	if meta.Type != SourceSemanticScholar || meta.DisplayName == "" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	for _, name := range []string{"query", "fields_of_study", "year", "min_citation_count", "max_results", "keywords"} {
		if !hasConfigField(meta, name) {
			t.Fatalf("semantic scholar meta is missing config field %q", name)
		}
	}
	for _, field := range meta.ConfigFields {
		if field.Required != (field.Name == "query") {
			t.Fatalf("only query should be required, got %+v", field)
		}
	}
}

func TestRegistryMetasSorted(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(
		NewSemanticScholarSource(nil, "", 1),
		NewArxivSource(nil, "", 1),
	)
	metas := registry.Metas()
	if len(metas) != 2 {
		t.Fatalf("expected two source descriptors, got %d", len(metas))
	}
	if metas[0].Type != SourceArxivRSS || metas[1].Type != SourceSemanticScholar {
		t.Fatalf("metas not sorted by type: %v, %v", metas[0].Type, metas[1].Type)
	}
}
