package record

import "testing"

func TestNormalizeTitle(t *testing.T) {
	t.Parallel()

	if got := NormalizeTitle("  Attention Is All You Need!  "); got != "attention is all you need" {
		t.Fatalf("unexpected normalized title: %q", got)
	}
	if got := NormalizeTitle("Café: A Survey"); got != "cafe a survey" {
		t.Fatalf("expected diacritics stripped, got %q", got)
	}
	if got := NormalizeTitle("Deep   Learning\t(Second Edition)"); got != "deep learning second edition" {
		t.Fatalf("expected collapsed whitespace, got %q", got)
	}
	if got := NormalizeTitle(""); got != "" {
		t.Fatalf("expected empty title to stay empty, got %q", got)
	}
}

func TestNormalizeArxivID(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"2301.12345":                          "2301.12345",
		"2301.12345v3":                        "2301.12345",
		"https://arxiv.org/abs/2301.12345v2":  "2301.12345",
		"http://arxiv.org/pdf/2301.12345.pdf": "2301.12345",
		"cs/0601001v1":                        "cs/0601001",
		"":                                    "",
	}
	for raw, want := range cases {
		if got := NormalizeArxivID(raw); got != want {
			t.Fatalf("NormalizeArxivID(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestNormalizeDOI(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"10.1000/XYZ123":                "10.1000/xyz123",
		"https://doi.org/10.1000/xyz":   "10.1000/xyz",
		"doi:10.1000/xyz":               "10.1000/xyz",
		"http://dx.doi.org/10.1000/xyz": "10.1000/xyz",
	}
	for raw, want := range cases {
		if got := NormalizeDOI(raw); got != want {
			t.Fatalf("NormalizeDOI(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestResolveStatus(t *testing.T) {
	t.Parallel()

	c := Candidate{URLArxiv: "https://arxiv.org/abs/2301.12345"}
	c.ResolveStatus()
	if c.Status != StatusAccessible {
		t.Fatalf("expected accessible, got %q", c.Status)
	}

	c = Candidate{}
	c.ResolveStatus()
	if c.Status != StatusNoAccess {
		t.Fatalf("expected no_access, got %q", c.Status)
	}
}
