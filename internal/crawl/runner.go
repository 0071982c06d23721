package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/globaltime"
	"horse.fit/bibshelf/internal/pipeline"
	"horse.fit/bibshelf/internal/record"
)

// TaskStore is the persistence surface for task execution bookkeeping.
// *db.Pool implements it.
type TaskStore interface {
	GetCollection(ctx context.Context, collectionID string) (*db.CollectionInfo, error)
	CreateCollection(ctx context.Context, collectionID, title string, createdBy *string) error
	UpdateCrawlTaskAfterRun(ctx context.Context, taskID string, lastRunAt time.Time, status string, result json.RawMessage, nextRunAt *time.Time, enabled bool) error
	InsertCrawlRun(ctx context.Context, runID, taskID string, startedAt time.Time) error
	FinishCrawlRun(ctx context.Context, runID, status string, result json.RawMessage, collectionID *string, finishedAt time.Time) error
}

// Importer is the slice of the pipeline service crawl runs use.
type Importer interface {
	ImportCandidates(ctx context.Context, collectionID string, candidates []record.Candidate, entryErrors []record.EntryError, strategy string, decisions map[string]string, progress pipeline.ProgressFunc) (*pipeline.CommitOutcome, error)
}

// RunSummary is the JSON persisted on run rows and task bookkeeping.
type RunSummary struct {
	Found        int                 `json:"found"`
	Imported     int                 `json:"imported"`
	Skipped      int                 `json:"skipped"`
	CollectionID string              `json:"collection_id,omitempty"`
	Errors       []record.EntryError `json:"errors,omitempty"`
	Message      string              `json:"message,omitempty"`
}

// Runner executes one crawl task end to end: resolve the target
// collection, fetch from the source, import, and record the run.
type Runner struct {
	store    TaskStore
	importer Importer
	registry *Registry
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewRunner(store TaskStore, importer Importer, registry *Registry, fetchTimeout time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		store:    store,
		importer: importer,
		registry: registry,
		timeout:  fetchTimeout,
		logger:   logger.With().Str("component", "crawl").Logger(),
	}
}

// Execute runs one task. Failures are recorded, never returned as errors:
// a crawl run that went wrong is data, not a crash.
func (r *Runner) Execute(ctx context.Context, task db.CrawlTaskRow) {
	runID := uuid.NewString()
	startedAt := globaltime.Now()
	logger := r.logger.With().Str("task_id", task.TaskID).Str("run_id", runID).Logger()

	if err := r.store.InsertCrawlRun(ctx, runID, task.TaskID, startedAt); err != nil {
		logger.Error().Err(err).Msg("record crawl run start failed")
		return
	}

	status, summary := r.executeInner(ctx, task, logger)

	resultJSON, err := json.Marshal(summary)
	if err != nil {
		resultJSON = json.RawMessage("{}")
	}
	finishedAt := globaltime.Now()

	var collectionID *string
	if summary.CollectionID != "" {
		collectionID = &summary.CollectionID
	}
	if err := r.store.FinishCrawlRun(ctx, runID, status, resultJSON, collectionID, finishedAt); err != nil {
		logger.Error().Err(err).Msg("record crawl run finish failed")
	}

	enabled := task.IsEnabled
	var nextRunAt *time.Time
	if status == RunStatusTargetDeleted {
		enabled = false
	} else {
		next, err := NextRun(task.ScheduleType, finishedAt)
		if err != nil {
			logger.Error().Err(err).Msg("compute next run failed")
		}
		nextRunAt = next
		if task.ScheduleType == ScheduleOnce {
			enabled = false
		}
	}

	if err := r.store.UpdateCrawlTaskAfterRun(ctx, task.TaskID, finishedAt, status, resultJSON, nextRunAt, enabled); err != nil {
		logger.Error().Err(err).Msg("update task after run failed")
	}

	logger.Info().
		Str("status", status).
		Int("found", summary.Found).
		Int("imported", summary.Imported).
		Int("skipped", summary.Skipped).
		Int("errors", len(summary.Errors)).
		Msg("crawl run finished")
}

func (r *Runner) executeInner(ctx context.Context, task db.CrawlTaskRow, logger zerolog.Logger) (string, RunSummary) {
	collectionID, status, message := r.resolveTarget(ctx, task)
	if status != "" {
		logger.Warn().Str("status", status).Msg(message)
		return status, RunSummary{Message: message}
	}

	cfg, err := ValidateConfig(task.SourceType, task.SourceConfig)
	if err != nil {
		return RunStatusFailed, RunSummary{CollectionID: collectionID, Message: err.Error()}
	}
	source, err := r.registry.Get(task.SourceType)
	if err != nil {
		return RunStatusFailed, RunSummary{CollectionID: collectionID, Message: err.Error()}
	}
	lookback, err := ParseTimeRange(task.TimeRange)
	if err != nil {
		return RunStatusFailed, RunSummary{CollectionID: collectionID, Message: err.Error()}
	}

	fetchCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	since := globaltime.Now().Add(-lookback)
	candidates, fetchErrors, err := source.Fetch(fetchCtx, *cfg, since)
	if err != nil {
		message := fmt.Sprintf("fetch: %v", err)
		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			message = "fetch_timeout"
		}
		return RunStatusFailed, RunSummary{
			CollectionID: collectionID,
			Errors:       fetchErrors,
			Message:      message,
		}
	}

	outcome, err := r.importer.ImportCandidates(ctx, collectionID, candidates, fetchErrors, task.DuplicateStrategy, nil, nil)
	if err != nil {
		return RunStatusFailed, RunSummary{
			CollectionID: collectionID,
			Found:        len(candidates),
			Errors:       fetchErrors,
			Message:      fmt.Sprintf("import: %v", err),
		}
	}

	summary := RunSummary{
		Found:        len(candidates),
		Imported:     outcome.Success,
		Skipped:      outcome.Skipped,
		CollectionID: collectionID,
		Errors:       outcome.Errors,
	}
	if len(summary.Errors) > 0 {
		return RunStatusPartial, summary
	}
	return RunStatusCompleted, summary
}

// resolveTarget returns the destination collection ID, or a terminal
// status when the task cannot run at all.
func (r *Runner) resolveTarget(ctx context.Context, task db.CrawlTaskRow) (collectionID, status, message string) {
	switch task.TargetMode {
	case TargetAppend:
		target := ""
		if task.TargetCollectionID != nil {
			target = *task.TargetCollectionID
		}
		if _, err := r.store.GetCollection(ctx, target); err != nil {
			if db.IsNoRows(err) {
				return "", RunStatusTargetDeleted, fmt.Sprintf("target collection %q no longer exists", target)
			}
			return "", RunStatusFailed, fmt.Sprintf("resolve target collection: %v", err)
		}
		return target, "", ""

	case TargetCreateNew:
		prefix := ""
		if task.NewCollectionPrefix != nil {
			prefix = strings.TrimSpace(*task.NewCollectionPrefix)
		}
		newID := fmt.Sprintf("%s-%s", prefix, globaltime.Now().Format("2006-01-02"))
		if _, err := r.store.GetCollection(ctx, newID); err == nil {
			// Same-day rerun appends into the collection it already made.
			return newID, "", ""
		} else if !db.IsNoRows(err) {
			return "", RunStatusFailed, fmt.Sprintf("resolve new collection: %v", err)
		}
		title := fmt.Sprintf("%s (%s)", prefix, globaltime.Now().Format("2006-01-02"))
		createdBy := "crawl:" + task.TaskID
		if err := r.store.CreateCollection(ctx, newID, title, &createdBy); err != nil {
			return "", RunStatusFailed, fmt.Sprintf("create collection: %v", err)
		}
		return newID, "", ""

	default:
		return "", RunStatusFailed, fmt.Sprintf("invalid target mode %q", task.TargetMode)
	}
}
