// Package executor runs import work in the background and persists its
// lifecycle so clients can poll progress. Concurrency is capped by a
// weighted semaphore; excess jobs queue in submission order.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/globaltime"
	"horse.fit/bibshelf/internal/pipeline"
	"horse.fit/bibshelf/internal/record"
)

// Job type labels stored on job rows.
const (
	JobTypeImport = "bibtex_import"
	JobTypeCommit = "scan_commit"
	JobTypeCrawl  = "crawl"
)

// JobStore is the persistence surface for job rows. *db.Pool implements it.
type JobStore interface {
	InsertImportJob(ctx context.Context, jobID, jobType string, collectionID *string, total int, createdAt time.Time) error
	MarkJobProcessing(ctx context.Context, jobID string, startedAt time.Time) error
	UpdateJobProgress(ctx context.Context, jobID string, total, processed, success, skipped int, entryErrors json.RawMessage) error
	CompleteJob(ctx context.Context, jobID string, processed, success, skipped int, entryErrors json.RawMessage, finishedAt time.Time) error
	FailJob(ctx context.Context, jobID, message string, finishedAt time.Time) error
	GetImportJob(ctx context.Context, jobID string) (*db.ImportJobRow, error)
	ListImportJobs(ctx context.Context, limit int) ([]db.ImportJobRow, error)
}

// JobFunc is the unit of background work. It reports cumulative counter
// snapshots through progress and returns the terminal outcome.
type JobFunc func(ctx context.Context, progress pipeline.ProgressFunc) (*pipeline.CommitOutcome, error)

type Executor struct {
	store  JobStore
	sem    *semaphore.Weighted
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store JobStore, concurrency int, logger zerolog.Logger) *Executor {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:  store,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		logger: logger.With().Str("component", "executor").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit records a pending job and schedules fn. The returned job ID is
// immediately pollable; the job itself may still be waiting for a slot.
func (e *Executor) Submit(ctx context.Context, jobType string, collectionID *string, total int, fn JobFunc) (string, error) {
	jobID := uuid.NewString()
	if err := e.store.InsertImportJob(ctx, jobID, jobType, collectionID, total, globaltime.Now()); err != nil {
		return "", fmt.Errorf("record pending job: %w", err)
	}

	e.wg.Add(1)
	go e.run(jobID, jobType, fn)
	return jobID, nil
}

// Status returns the persisted view of one job.
func (e *Executor) Status(ctx context.Context, jobID string) (*db.ImportJobRow, error) {
	return e.store.GetImportJob(ctx, jobID)
}

// List returns recent jobs, newest first.
func (e *Executor) List(ctx context.Context, limit int) ([]db.ImportJobRow, error) {
	return e.store.ListImportJobs(ctx, limit)
}

// Shutdown stops accepting slot acquisitions and waits for in-flight jobs
// until ctx expires.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) run(jobID, jobType string, fn JobFunc) {
	defer e.wg.Done()

	logger := e.logger.With().Str("job_id", jobID).Str("job_type", jobType).Logger()

	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		e.finishFailed(jobID, fmt.Sprintf("executor shut down before job started: %v", err), logger)
		return
	}
	defer e.sem.Release(1)

	if err := e.store.MarkJobProcessing(e.ctx, jobID, globaltime.Now()); err != nil {
		e.finishFailed(jobID, fmt.Sprintf("mark processing: %v", err), logger)
		return
	}
	logger.Info().Msg("job started")

	// Every snapshot lands with its total and errors so pollers see
	// reconciled counters mid-job, not only on the terminal row.
	progress := func(p pipeline.Progress) {
		if err := e.store.UpdateJobProgress(e.ctx, jobID, p.Total, p.Processed, p.Success, p.Skipped, entryErrorsJSON(p.Errors)); err != nil {
			logger.Warn().Err(err).Msg("persist job progress failed")
		}
	}

	outcome, err := fn(e.ctx, progress)
	if err != nil {
		e.finishFailed(jobID, err.Error(), logger)
		return
	}

	if err := e.store.CompleteJob(context.Background(), jobID, outcome.Processed, outcome.Success, outcome.Skipped, entryErrorsJSON(outcome.Errors), globaltime.Now()); err != nil {
		logger.Error().Err(err).Msg("persist job completion failed")
		return
	}
	logger.Info().
		Int("success", outcome.Success).
		Int("skipped", outcome.Skipped).
		Int("errors", len(outcome.Errors)).
		Msg("job completed")
}

func entryErrorsJSON(errs []record.EntryError) json.RawMessage {
	if len(errs) == 0 {
		return json.RawMessage("[]")
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return json.RawMessage("[]")
	}
	return data
}

func (e *Executor) finishFailed(jobID, message string, logger zerolog.Logger) {
	if err := e.store.FailJob(context.Background(), jobID, message, globaltime.Now()); err != nil {
		logger.Error().Err(err).Msg("persist job failure failed")
	}
	logger.Error().Str("reason", message).Msg("job failed")
}
