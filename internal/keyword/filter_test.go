package keyword

import "testing"

func TestRequiredAndExcludedWithWildcard(t *testing.T) {
	t.Parallel()

	f := Compile([]string{"+transformer", "-survey", "*"})

	if f.Match("A survey of transformer architectures") {
		t.Fatal("excluded term must reject even when a required term matches")
	}
	if !f.Match("Efficient transformer inference") {
		t.Fatal("required term present and no excluded term: should accept")
	}
	if f.Match("Diffusion models at scale") {
		t.Fatal("missing required term: should reject")
	}
}

func TestBareTermsFormOrGroup(t *testing.T) {
	t.Parallel()

	f := Compile([]string{"llm", "diffusion"})

	if !f.Match("Scaling LLM pretraining") {
		t.Fatal("first OR term should match")
	}
	if !f.Match("Latent diffusion for images") {
		t.Fatal("second OR term should match")
	}
	if f.Match("Graph neural networks") {
		t.Fatal("entry with neither OR term should be rejected")
	}
}

func TestWildcardLiftsOrRequirement(t *testing.T) {
	t.Parallel()

	f := Compile([]string{"llm", "*", "-survey"})

	if !f.Match("Graph neural networks") {
		t.Fatal("wildcard should make bare terms optional")
	}
	if f.Match("A survey of graph neural networks") {
		t.Fatal("exclusion still applies with wildcard")
	}
}

func TestEmptyFilterAcceptsEverything(t *testing.T) {
	t.Parallel()

	f := Compile(nil)
	if !f.Empty() {
		t.Fatal("expected empty filter")
	}
	if !f.Match("anything at all") {
		t.Fatal("empty filter should accept")
	}

	f = Compile([]string{"  ", ""})
	if !f.Match("anything") {
		t.Fatal("blank-only terms should accept")
	}
}

func TestWholeWordMatching(t *testing.T) {
	t.Parallel()

	f := Compile([]string{"llm"})
	if f.Match("wellman's theorem") {
		t.Fatal("substring inside a word must not match")
	}
	if !f.Match("the LLM, as deployed") {
		t.Fatal("punctuation-bounded term should match case-insensitively")
	}

	multi := Compile([]string{"+neural network"})
	if !multi.Match("deep neural network training") {
		t.Fatal("multi-word term should match on word boundaries")
	}
	if multi.Match("neural networking") {
		t.Fatal("trailing word continuation must not match")
	}
}

func TestWholeWordMultibyteNeighbors(t *testing.T) {
	t.Parallel()

	f := Compile([]string{"llm"})
	if f.Match("caféllm models") {
		t.Fatal("term glued to an accented letter must not match")
	}
	if f.Match("llmé models") {
		t.Fatal("accented letter continuing the term must not match")
	}
	if !f.Match("café llm models") {
		t.Fatal("space-separated term next to accented word should match")
	}

	accented := Compile([]string{"café"})
	if !accented.Match("the café opens") {
		t.Fatal("multi-byte term should match on word boundaries")
	}
	if accented.Match("the cafés open") {
		t.Fatal("plural continuation must not match")
	}
}

func TestOnlyExclusions(t *testing.T) {
	t.Parallel()

	f := Compile([]string{"-survey"})
	if !f.Match("transformers in the wild") {
		t.Fatal("no OR group configured: clause is vacuously true")
	}
	if f.Match("a survey") {
		t.Fatal("excluded term should reject")
	}
}
