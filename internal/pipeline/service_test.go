package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/dedup"
)

type stubStore struct {
	collections map[string]bool
	keys        []dedup.PaperKeys

	inserted  []db.PaperRecord
	updated   []db.PaperRecord
	staleCAS  bool
	insertErr error
}

func (s *stubStore) GetCollection(_ context.Context, collectionID string) (*db.CollectionInfo, error) {
	if !s.collections[collectionID] {
		return nil, db.ErrNoRows
	}
	return &db.CollectionInfo{CollectionID: collectionID, Title: "test"}, nil
}

func (s *stubStore) CreateCollection(_ context.Context, collectionID, title string, _ *string) error {
	if s.collections == nil {
		s.collections = map[string]bool{}
	}
	s.collections[collectionID] = true
	return nil
}

func (s *stubStore) ListCollectionPaperKeys(_ context.Context, _ string) ([]dedup.PaperKeys, error) {
	return s.keys, nil
}

func (s *stubStore) InsertPaperWithMembership(_ context.Context, rec db.PaperRecord, _ string) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, rec)
	return nil
}

func (s *stubStore) UpdatePaperVersioned(_ context.Context, rec db.PaperRecord, _ int64) (bool, error) {
	if s.staleCAS {
		return false, nil
	}
	s.updated = append(s.updated, rec)
	return true, nil
}

const testBib = `
@article{vaswani2017attention,
  title = {Attention Is All You Need},
  author = {Vaswani, Ashish},
  journal = {NeurIPS},
  year = {2017}
}

@article{he2015resnet,
  title = {Deep Residual Learning for Image Recognition},
  author = {He, Kaiming},
  year = {2015}
}
`

func newTestService(store *stubStore) *Service {
	return NewService(store, NewScanCache(time.Minute), zerolog.Nop())
}

func existingAttentionPaper() []dedup.PaperKeys {
	return []dedup.PaperKeys{{
		PaperID:   "p1",
		Title:     "Attention Is All You Need",
		BibtexKey: "vaswani2017attention",
		Version:   2,
	}}
}

func TestScanSplitsNewAndDuplicates(t *testing.T) {
	t.Parallel()

	store := &stubStore{collections: map[string]bool{"c1": true}, keys: existingAttentionPaper()}
	svc := newTestService(store)

	result, err := svc.Scan(context.Background(), "c1", testBib)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.Total != 2 {
		t.Fatalf("expected total 2, got %d", result.Total)
	}
	if len(result.NewEntries) != 1 || result.NewEntries[0].BibtexKey != "he2015resnet" {
		t.Fatalf("unexpected new entries: %+v", result.NewEntries)
	}
	if len(result.Duplicates) != 1 || result.Duplicates[0].MatchType != dedup.MatchBibtexKey {
		t.Fatalf("unexpected duplicates: %+v", result.Duplicates)
	}
	if result.ScanID == "" {
		t.Fatal("expected a scan ID")
	}
}

func TestScanUnknownCollection(t *testing.T) {
	t.Parallel()

	svc := newTestService(&stubStore{})
	if _, err := svc.Scan(context.Background(), "missing", testBib); !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound, got %v", err)
	}
}

func TestCommitScanDefaultsToKeepExisting(t *testing.T) {
	t.Parallel()

	store := &stubStore{collections: map[string]bool{"c1": true}, keys: existingAttentionPaper()}
	svc := newTestService(store)

	result, err := svc.Scan(context.Background(), "c1", testBib)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	outcome, err := svc.CommitScan(context.Background(), "c1", result.ScanID, nil, nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if outcome.Success != 1 || outcome.Skipped != 1 {
		t.Fatalf("expected 1 success / 1 skipped, got %d / %d", outcome.Success, outcome.Skipped)
	}
	if len(store.inserted) != 1 || len(store.updated) != 0 {
		t.Fatalf("expected one insert and no updates, got %d / %d", len(store.inserted), len(store.updated))
	}
}

func TestCommitScanIsSingleUse(t *testing.T) {
	t.Parallel()

	store := &stubStore{collections: map[string]bool{"c1": true}}
	svc := newTestService(store)

	result, err := svc.Scan(context.Background(), "c1", testBib)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if _, err := svc.CommitScan(context.Background(), "c1", result.ScanID, nil, nil); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, err := svc.CommitScan(context.Background(), "c1", result.ScanID, nil, nil); !errors.Is(err, ErrScanNotFound) {
		t.Fatalf("expected ErrScanNotFound on second commit, got %v", err)
	}
}

func TestCommitScanRejectsWrongCollection(t *testing.T) {
	t.Parallel()

	store := &stubStore{collections: map[string]bool{"c1": true, "c2": true}}
	svc := newTestService(store)

	result, err := svc.Scan(context.Background(), "c1", testBib)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if _, err := svc.CommitScan(context.Background(), "c2", result.ScanID, nil, nil); !errors.Is(err, ErrScanMismatch) {
		t.Fatalf("expected ErrScanMismatch, got %v", err)
	}
}

func TestCommitUseNewStaleWrite(t *testing.T) {
	t.Parallel()

	store := &stubStore{
		collections: map[string]bool{"c1": true},
		keys:        existingAttentionPaper(),
		staleCAS:    true,
	}
	svc := newTestService(store)

	result, err := svc.Scan(context.Background(), "c1", testBib)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	decisions := map[string]string{result.Duplicates[0].EntryID: StrategyUseNew}
	outcome, err := svc.CommitScan(context.Background(), "c1", result.ScanID, decisions, nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(outcome.Errors) != 1 {
		t.Fatalf("expected one stale_write error, got %+v", outcome.Errors)
	}
	if outcome.Errors[0].Reason == "" || outcome.Success != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestImportStrategyUseNewUpdatesInPlace(t *testing.T) {
	t.Parallel()

	store := &stubStore{collections: map[string]bool{"c1": true}, keys: existingAttentionPaper()}
	svc := newTestService(store)

	outcome, err := svc.Import(context.Background(), "c1", testBib, StrategyUseNew, nil, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if outcome.Success != 2 {
		t.Fatalf("expected 2 successes, got %d", outcome.Success)
	}
	if len(store.updated) != 1 || store.updated[0].PaperID != "p1" {
		t.Fatalf("expected in-place update of p1, got %+v", store.updated)
	}
}

func TestImportRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	svc := newTestService(&stubStore{collections: map[string]bool{"c1": true}})
	if _, err := svc.Import(context.Background(), "c1", testBib, "merge", nil, nil); !errors.Is(err, ErrInvalidStrategy) {
		t.Fatalf("expected ErrInvalidStrategy, got %v", err)
	}
}

func TestCommitProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	// Failing inserts force entry errors into the snapshots, so the
	// reconciliation below covers all three outcomes per entry.
	store := &stubStore{
		collections: map[string]bool{"c1": true},
		keys:        existingAttentionPaper(),
		insertErr:   errors.New("disk full"),
	}
	svc := newTestService(store)

	var snapshots []Progress
	progress := func(p Progress) {
		snapshots = append(snapshots, p)
	}

	outcome, err := svc.Import(context.Background(), "c1", testBib, StrategySkip, nil, progress)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	if len(snapshots) == 0 {
		t.Fatal("expected progress snapshots")
	}
	prev := Progress{}
	for _, snap := range snapshots {
		if snap.Total != outcome.Total {
			t.Fatalf("total must be fixed from the first snapshot: got %d, want %d", snap.Total, outcome.Total)
		}
		if snap.Success+snap.Skipped+len(snap.Errors) != snap.Processed || snap.Processed > snap.Total {
			t.Fatalf("snapshot out of balance: %+v", snap)
		}
		if snap.Processed < prev.Processed || snap.Success < prev.Success ||
			snap.Skipped < prev.Skipped || len(snap.Errors) < len(prev.Errors) {
			t.Fatalf("counters moved backwards: %+v -> %+v", prev, snap)
		}
		prev = snap
	}
	final := snapshots[len(snapshots)-1]
	if final.Processed != outcome.Processed || final.Success != outcome.Success ||
		final.Skipped != outcome.Skipped || len(final.Errors) != len(outcome.Errors) {
		t.Fatalf("final snapshot %+v does not match outcome %+v", final, outcome)
	}
}
