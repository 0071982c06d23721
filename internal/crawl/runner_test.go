package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/pipeline"
	"horse.fit/bibshelf/internal/record"
)

type stubSource struct {
	typ        string
	candidates []record.Candidate
	itemErrors []record.EntryError
	err        error
}

func (s *stubSource) Type() string { return s.typ }

func (s *stubSource) Meta() SourceMeta { return SourceMeta{Type: s.typ, DisplayName: s.typ} }

func (s *stubSource) Fetch(context.Context, Config, time.Time) ([]record.Candidate, []record.EntryError, error) {
	return s.candidates, s.itemErrors, s.err
}

type stubTaskStore struct {
	mu sync.Mutex

	collections map[string]bool
	created     []string

	runs        map[string]string
	runResults  map[string]RunSummary
	afterStatus string
	afterNext   *time.Time
	afterOn     bool
}

func newStubTaskStore(collections ...string) *stubTaskStore {
	s := &stubTaskStore{
		collections: map[string]bool{},
		runs:        map[string]string{},
		runResults:  map[string]RunSummary{},
	}
	for _, id := range collections {
		s.collections[id] = true
	}
	return s
}

func (s *stubTaskStore) GetCollection(_ context.Context, collectionID string) (*db.CollectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.collections[collectionID] {
		return nil, db.ErrNoRows
	}
	return &db.CollectionInfo{CollectionID: collectionID}, nil
}

func (s *stubTaskStore) CreateCollection(_ context.Context, collectionID, _ string, _ *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[collectionID] = true
	s.created = append(s.created, collectionID)
	return nil
}

func (s *stubTaskStore) UpdateCrawlTaskAfterRun(_ context.Context, _ string, _ time.Time, status string, _ json.RawMessage, nextRunAt *time.Time, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterStatus = status
	s.afterNext = nextRunAt
	s.afterOn = enabled
	return nil
}

func (s *stubTaskStore) InsertCrawlRun(_ context.Context, runID, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = "running"
	return nil
}

func (s *stubTaskStore) FinishCrawlRun(_ context.Context, runID, status string, result json.RawMessage, _ *string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = status
	var summary RunSummary
	_ = json.Unmarshal(result, &summary)
	s.runResults[runID] = summary
	return nil
}

type stubImporter struct {
	outcome *pipeline.CommitOutcome
	err     error

	gotCollection string
	gotStrategy   string
	gotCandidates int
}

func (s *stubImporter) ImportCandidates(_ context.Context, collectionID string, candidates []record.Candidate, entryErrors []record.EntryError, strategy string, _ map[string]string, _ pipeline.ProgressFunc) (*pipeline.CommitOutcome, error) {
	s.gotCollection = collectionID
	s.gotStrategy = strategy
	s.gotCandidates = len(candidates)
	if s.err != nil {
		return nil, s.err
	}
	outcome := s.outcome
	if outcome == nil {
		outcome = &pipeline.CommitOutcome{
			Total:     len(candidates) + len(entryErrors),
			Processed: len(candidates) + len(entryErrors),
			Success:   len(candidates),
			Errors:    entryErrors,
		}
	}
	return outcome, nil
}

func strPtr(v string) *string { return &v }

func appendTask(schedule string) db.CrawlTaskRow {
	return db.CrawlTaskRow{
		TaskID:             "t1",
		Name:               "nightly cs.CL",
		SourceType:         SourceArxivRSS,
		SourceConfig:       json.RawMessage(`{"categories": ["cs.CL"]}`),
		ScheduleType:       schedule,
		TimeRange:          "1d",
		TargetMode:         TargetAppend,
		TargetCollectionID: strPtr("c1"),
		DuplicateStrategy:  pipeline.StrategySkip,
		IsEnabled:          true,
	}
}

func runnerWith(store *stubTaskStore, importer *stubImporter, source Source) *Runner {
	return NewRunner(store, importer, NewRegistry(source), 30*time.Second, zerolog.Nop())
}

func singleRunStatus(t *testing.T, store *stubTaskStore) string {
	t.Helper()
	if len(store.runs) != 1 {
		t.Fatalf("expected exactly one run, got %d", len(store.runs))
	}
	for _, status := range store.runs {
		return status
	}
	return ""
}

func TestExecuteCompletedRun(t *testing.T) {
	t.Parallel()

	store := newStubTaskStore("c1")
	importer := &stubImporter{}
	source := &stubSource{typ: SourceArxivRSS, candidates: []record.Candidate{
		{EntryID: "arxiv:2401.00001", Title: "One"},
		{EntryID: "arxiv:2401.00002", Title: "Two"},
	}}

	runnerWith(store, importer, source).Execute(context.Background(), appendTask(ScheduleDaily))

	if got := singleRunStatus(t, store); got != RunStatusCompleted {
		t.Fatalf("expected completed run, got %q", got)
	}
	if importer.gotCollection != "c1" || importer.gotStrategy != pipeline.StrategySkip || importer.gotCandidates != 2 {
		t.Fatalf("unexpected import call: %+v", importer)
	}
	if !store.afterOn || store.afterNext == nil {
		t.Fatalf("daily task should stay enabled with a next run, got enabled=%v next=%v", store.afterOn, store.afterNext)
	}
}

func TestExecuteOnceTaskDisablesItself(t *testing.T) {
	t.Parallel()

	store := newStubTaskStore("c1")
	source := &stubSource{typ: SourceArxivRSS}

	runnerWith(store, &stubImporter{}, source).Execute(context.Background(), appendTask(ScheduleOnce))

	if store.afterOn {
		t.Fatal("once task must be disabled after its run")
	}
	if store.afterNext != nil {
		t.Fatalf("once task must have no next run, got %v", store.afterNext)
	}
}

func TestExecuteDeletedTargetDisablesTask(t *testing.T) {
	t.Parallel()

	store := newStubTaskStore() // target c1 does not exist
	source := &stubSource{typ: SourceArxivRSS}

	runnerWith(store, &stubImporter{}, source).Execute(context.Background(), appendTask(ScheduleDaily))

	if got := singleRunStatus(t, store); got != RunStatusTargetDeleted {
		t.Fatalf("expected target_collection_deleted, got %q", got)
	}
	if store.afterOn {
		t.Fatal("task must be disabled when its target is gone")
	}
}

func TestExecutePartialWhenItemsFail(t *testing.T) {
	t.Parallel()

	store := newStubTaskStore("c1")
	source := &stubSource{
		typ:        SourceArxivRSS,
		candidates: []record.Candidate{{EntryID: "arxiv:2401.00001", Title: "One"}},
		itemErrors: []record.EntryError{{EntryID: "bad-item", Reason: "no title"}},
	}

	runnerWith(store, &stubImporter{}, source).Execute(context.Background(), appendTask(ScheduleDaily))

	if got := singleRunStatus(t, store); got != RunStatusPartial {
		t.Fatalf("expected partial run, got %q", got)
	}
}

func TestExecuteFetchFailureFailsRun(t *testing.T) {
	t.Parallel()

	store := newStubTaskStore("c1")
	source := &stubSource{typ: SourceArxivRSS, err: errors.New("feed unreachable")}

	runnerWith(store, &stubImporter{}, source).Execute(context.Background(), appendTask(ScheduleDaily))

	if got := singleRunStatus(t, store); got != RunStatusFailed {
		t.Fatalf("expected failed run, got %q", got)
	}
	if !store.afterOn || store.afterNext == nil {
		t.Fatal("a failed run must not disable a recurring task")
	}
}

type slowSource struct{ typ string }

func (s *slowSource) Type() string { return s.typ }

func (s *slowSource) Meta() SourceMeta { return SourceMeta{Type: s.typ, DisplayName: s.typ} }

func (s *slowSource) Fetch(ctx context.Context, _ Config, _ time.Time) ([]record.Candidate, []record.EntryError, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

func TestExecuteFetchTimeout(t *testing.T) {
	t.Parallel()

	store := newStubTaskStore("c1")
	source := &slowSource{typ: SourceArxivRSS}
	runner := NewRunner(store, &stubImporter{}, NewRegistry(source), 10*time.Millisecond, zerolog.Nop())

	runner.Execute(context.Background(), appendTask(ScheduleDaily))

	if got := singleRunStatus(t, store); got != RunStatusFailed {
		t.Fatalf("expected failed run, got %q", got)
	}
	for _, summary := range store.runResults {
		if summary.Message != "fetch_timeout" {
			t.Fatalf("expected fetch_timeout message, got %q", summary.Message)
		}
	}
}

func TestExecuteCreateNewMakesDatedCollection(t *testing.T) {
	t.Parallel()

	store := newStubTaskStore()
	importer := &stubImporter{}
	source := &stubSource{typ: SourceArxivRSS, candidates: []record.Candidate{{EntryID: "arxiv:2401.00001", Title: "One"}}}

	task := appendTask(ScheduleDaily)
	task.TargetMode = TargetCreateNew
	task.TargetCollectionID = nil
	task.NewCollectionPrefix = strPtr("daily-nlp")

	runnerWith(store, importer, source).Execute(context.Background(), task)

	if len(store.created) != 1 {
		t.Fatalf("expected one created collection, got %v", store.created)
	}
	if importer.gotCollection != store.created[0] {
		t.Fatalf("import went to %q, created %q", importer.gotCollection, store.created[0])
	}

	// Second run on the same day reuses the collection instead of failing.
	runnerWith(store, importer, source).Execute(context.Background(), task)
	if len(store.created) != 1 {
		t.Fatalf("same-day rerun must reuse the collection, created %v", store.created)
	}
}
