// Package pipeline implements the import flows: parse BibTeX, match
// candidates against a destination collection, and commit them with a
// duplicate strategy. Scan/commit is the two-phase variant where a human
// reviews duplicates in between.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/bibshelf/internal/bibtex"
	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/dedup"
	"horse.fit/bibshelf/internal/record"
)

// Duplicate strategies for one-shot imports. Manual resolves per entry
// from a decisions map; everything else applies uniformly.
const (
	StrategyKeepExisting = "keep_existing"
	StrategyUseNew       = "use_new"
	StrategySkip         = "skip"
	StrategyManual       = "manual"
)

var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrScanNotFound       = errors.New("scan not found or expired")
	ErrScanMismatch       = errors.New("scan belongs to a different collection")
	ErrInvalidStrategy    = errors.New("invalid duplicate strategy")
	ErrEmptyInput         = errors.New("no entries in input")
)

// PaperStore is the storage surface the import flows need. *db.Pool
// implements it.
type PaperStore interface {
	GetCollection(ctx context.Context, collectionID string) (*db.CollectionInfo, error)
	CreateCollection(ctx context.Context, collectionID, title string, createdBy *string) error
	ListCollectionPaperKeys(ctx context.Context, collectionID string) ([]dedup.PaperKeys, error)
	InsertPaperWithMembership(ctx context.Context, rec db.PaperRecord, collectionID string) error
	UpdatePaperVersioned(ctx context.Context, rec db.PaperRecord, expectedVersion int64) (bool, error)
}

// Progress is one cumulative snapshot of a running commit. Total is
// known before the entry loop starts, and Errors carries every
// entry-level error recorded so far, so
// success + skipped + len(errors) == processed <= total holds for each
// snapshot a consumer persists, not just the final one.
type Progress struct {
	Total     int
	Processed int
	Success   int
	Skipped   int
	Errors    []record.EntryError
}

// ProgressFunc receives snapshots as a commit walks its entries.
// Snapshots are cumulative, so consumers can persist them directly.
type ProgressFunc func(p Progress)

// ScanResult is what a client reviews before committing.
type ScanResult struct {
	ScanID       string              `json:"scan_id"`
	CollectionID string              `json:"collection_id"`
	Total        int                 `json:"total"`
	NewEntries   []record.Candidate  `json:"new_entries"`
	Duplicates   []dedup.Match       `json:"duplicates"`
	Errors       []record.EntryError `json:"errors"`
	ExpiresAt    string              `json:"expires_at"`
}

// CommitOutcome summarizes a finished commit or one-shot import.
type CommitOutcome struct {
	Total     int                 `json:"total"`
	Processed int                 `json:"processed"`
	Success   int                 `json:"success"`
	Skipped   int                 `json:"skipped"`
	Errors    []record.EntryError `json:"errors"`
}

type Service struct {
	store  PaperStore
	cache  *ScanCache
	logger zerolog.Logger
}

func NewService(store PaperStore, cache *ScanCache, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		cache:  cache,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Scan parses BibTeX content, matches every entry against the collection,
// and caches the result for a later commit.
func (s *Service) Scan(ctx context.Context, collectionID, content string) (*ScanResult, error) {
	if _, err := s.store.GetCollection(ctx, collectionID); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrCollectionNotFound
		}
		return nil, fmt.Errorf("resolve collection: %w", err)
	}

	candidates, entryErrors := bibtex.Parse(content)
	if len(candidates) == 0 && len(entryErrors) == 0 {
		return nil, ErrEmptyInput
	}

	matches, err := s.matchCandidates(ctx, collectionID, candidates)
	if err != nil {
		return nil, err
	}

	newEntries := make([]record.Candidate, 0, len(candidates))
	duplicates := make([]dedup.Match, 0, len(matches))
	for _, cand := range candidates {
		if m, ok := matches[cand.EntryID]; ok {
			duplicates = append(duplicates, *m)
			continue
		}
		newEntries = append(newEntries, cand)
	}

	scanID, expiresAt := s.cache.Put(CachedScan{
		CollectionID: collectionID,
		Candidates:   candidates,
		Matches:      matches,
		Errors:       entryErrors,
	})

	s.logger.Info().
		Str("collection_id", collectionID).
		Str("scan_id", scanID).
		Int("new", len(newEntries)).
		Int("duplicates", len(duplicates)).
		Int("errors", len(entryErrors)).
		Msg("scan completed")

	return &ScanResult{
		ScanID:       scanID,
		CollectionID: collectionID,
		Total:        len(candidates) + len(entryErrors),
		NewEntries:   newEntries,
		Duplicates:   duplicates,
		Errors:       entryErrors,
		ExpiresAt:    expiresAt.Format(time.RFC3339),
	}, nil
}

// PeekScan checks that a scan is still live and bound to the given
// collection without consuming it. The commit itself re-checks under
// Consume, so a scan expiring between the two calls still fails safely.
func (s *Service) PeekScan(collectionID, scanID string) error {
	cachedCollection, ok := s.cache.Peek(scanID)
	if !ok {
		return ErrScanNotFound
	}
	if cachedCollection != collectionID {
		return ErrScanMismatch
	}
	return nil
}

// CommitScan consumes a cached scan and writes its entries. Duplicates
// without an explicit decision keep the existing paper. The scan is gone
// after this call whether or not the commit succeeds.
func (s *Service) CommitScan(ctx context.Context, collectionID, scanID string, decisions map[string]string, progress ProgressFunc) (*CommitOutcome, error) {
	scan, ok := s.cache.Consume(scanID)
	if !ok {
		return nil, ErrScanNotFound
	}
	if scan.CollectionID != collectionID {
		return nil, ErrScanMismatch
	}

	decide := func(entryID string) string {
		if d, ok := decisions[entryID]; ok && d != "" {
			return d
		}
		return StrategyKeepExisting
	}
	return s.commitEntries(ctx, collectionID, scan.Candidates, scan.Matches, scan.Errors, decide, progress)
}

// Import is the one-shot flow: parse, match, and commit under a single
// duplicate strategy without an intermediate review step.
func (s *Service) Import(ctx context.Context, collectionID, content, strategy string, decisions map[string]string, progress ProgressFunc) (*CommitOutcome, error) {
	candidates, entryErrors := bibtex.Parse(content)
	if len(candidates) == 0 && len(entryErrors) == 0 {
		return nil, ErrEmptyInput
	}
	return s.ImportCandidates(ctx, collectionID, candidates, entryErrors, strategy, decisions, progress)
}

// ImportCandidates commits pre-parsed candidates. Crawl runs land here
// after their source adapter has produced entries.
func (s *Service) ImportCandidates(ctx context.Context, collectionID string, candidates []record.Candidate, entryErrors []record.EntryError, strategy string, decisions map[string]string, progress ProgressFunc) (*CommitOutcome, error) {
	decide, err := strategyDecider(strategy, decisions)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetCollection(ctx, collectionID); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrCollectionNotFound
		}
		return nil, fmt.Errorf("resolve collection: %w", err)
	}

	matches, err := s.matchCandidates(ctx, collectionID, candidates)
	if err != nil {
		return nil, err
	}
	return s.commitEntries(ctx, collectionID, candidates, matches, entryErrors, decide, progress)
}

func (s *Service) matchCandidates(ctx context.Context, collectionID string, candidates []record.Candidate) (map[string]*dedup.Match, error) {
	keys, err := s.store.ListCollectionPaperKeys(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("load collection paper keys: %w", err)
	}
	idx := dedup.NewIndex(keys)

	matches := make(map[string]*dedup.Match)
	for _, cand := range candidates {
		if m := idx.Match(cand); m != nil {
			matches[cand.EntryID] = m
		}
	}
	return matches, nil
}

func (s *Service) commitEntries(ctx context.Context, collectionID string, candidates []record.Candidate, matches map[string]*dedup.Match, parseErrors []record.EntryError, decide func(entryID string) string, progress ProgressFunc) (*CommitOutcome, error) {
	outcome := &CommitOutcome{
		Total:     len(candidates) + len(parseErrors),
		Processed: len(parseErrors),
		Errors:    append([]record.EntryError(nil), parseErrors...),
	}

	report := func() {
		if progress != nil {
			progress(Progress{
				Total:     outcome.Total,
				Processed: outcome.Processed,
				Success:   outcome.Success,
				Skipped:   outcome.Skipped,
				Errors:    outcome.Errors,
			})
		}
	}
	report()

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		match := matches[cand.EntryID]
		switch {
		case match == nil:
			rec := db.PaperRecord{PaperID: uuid.NewString(), Candidate: cand}
			if err := s.store.InsertPaperWithMembership(ctx, rec, collectionID); err != nil {
				outcome.Errors = append(outcome.Errors, record.EntryError{
					EntryID: cand.EntryID,
					Reason:  fmt.Sprintf("insert failed: %v", err),
				})
			} else {
				outcome.Success++
			}
		default:
			switch decide(cand.EntryID) {
			case StrategyUseNew:
				rec := db.PaperRecord{PaperID: match.ExistingPaperID, Candidate: cand}
				ok, err := s.store.UpdatePaperVersioned(ctx, rec, match.ExistingVersion)
				switch {
				case err != nil:
					outcome.Errors = append(outcome.Errors, record.EntryError{
						EntryID: cand.EntryID,
						Reason:  fmt.Sprintf("update failed: %v", err),
					})
				case !ok:
					outcome.Errors = append(outcome.Errors, record.EntryError{
						EntryID: cand.EntryID,
						Reason:  "stale_write: paper changed since it was scanned",
					})
				default:
					outcome.Success++
				}
			case StrategyKeepExisting, StrategySkip:
				outcome.Skipped++
			default:
				outcome.Errors = append(outcome.Errors, record.EntryError{
					EntryID: cand.EntryID,
					Reason:  fmt.Sprintf("unknown decision %q", decide(cand.EntryID)),
				})
			}
		}

		outcome.Processed++
		report()
	}

	s.logger.Info().
		Str("collection_id", collectionID).
		Int("total", outcome.Total).
		Int("success", outcome.Success).
		Int("skipped", outcome.Skipped).
		Int("errors", len(outcome.Errors)).
		Msg("commit completed")

	return outcome, nil
}

func strategyDecider(strategy string, decisions map[string]string) (func(entryID string) string, error) {
	switch strategy {
	case StrategyKeepExisting, StrategyUseNew, StrategySkip:
		return func(string) string { return strategy }, nil
	case StrategyManual:
		return func(entryID string) string {
			if d, ok := decisions[entryID]; ok && d != "" {
				return d
			}
			return StrategyKeepExisting
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
}
