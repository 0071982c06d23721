package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CrawlTaskRow is the read model handlers and the scheduler share for
// crawl task definitions.
type CrawlTaskRow struct {
	TaskID              string          `json:"task_id"`
	Name                string          `json:"name"`
	SourceType          string          `json:"source_type"`
	SourceConfig        json.RawMessage `json:"source_config"`
	ScheduleType        string          `json:"schedule_type"`
	TimeRange           string          `json:"time_range"`
	TargetMode          string          `json:"target_mode"`
	TargetCollectionID  *string         `json:"target_collection_id,omitempty"`
	NewCollectionPrefix *string         `json:"new_collection_prefix,omitempty"`
	DuplicateStrategy   string          `json:"duplicate_strategy"`
	IsEnabled           bool            `json:"is_enabled"`
	LastRunAt           *time.Time      `json:"last_run_at,omitempty"`
	LastRunStatus       *string         `json:"last_run_status,omitempty"`
	LastRunResult       json.RawMessage `json:"last_run_result,omitempty"`
	NextRunAt           *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// CrawlRunRow is one historical execution of a crawl task.
type CrawlRunRow struct {
	RunID        string          `json:"run_id"`
	TaskID       string          `json:"task_id"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	CollectionID *string         `json:"collection_id,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

const crawlTaskColumns = `
	t.task_id,
	t.name,
	t.source_type,
	t.source_config,
	t.schedule_type,
	t.time_range,
	t.target_mode,
	t.target_collection_id,
	t.new_collection_prefix,
	t.duplicate_strategy,
	t.is_enabled,
	t.last_run_at,
	t.last_run_status,
	t.last_run_result,
	t.next_run_at,
	t.created_at,
	t.updated_at`

// InsertCrawlTask persists a new task definition.
func (p *Pool) InsertCrawlTask(ctx context.Context, task CrawlTaskRow) error {
	if strings.TrimSpace(task.TaskID) == "" {
		return fmt.Errorf("task ID is required")
	}

	const q = `
INSERT INTO bib.crawl_tasks (
	task_id, name, source_type, source_config, schedule_type, time_range,
	target_mode, target_collection_id, new_collection_prefix,
	duplicate_strategy, is_enabled, next_run_at, created_at, updated_at
)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
`

	if _, err := p.Exec(ctx, q,
		task.TaskID,
		task.Name,
		task.SourceType,
		string(task.SourceConfig),
		task.ScheduleType,
		task.TimeRange,
		task.TargetMode,
		task.TargetCollectionID,
		task.NewCollectionPrefix,
		task.DuplicateStrategy,
		task.IsEnabled,
		task.NextRunAt,
		task.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert crawl task: %w", err)
	}
	return nil
}

// UpdateCrawlTask overwrites a task's definition fields. Run bookkeeping
// columns are left untouched.
func (p *Pool) UpdateCrawlTask(ctx context.Context, task CrawlTaskRow) error {
	const q = `
UPDATE bib.crawl_tasks
SET
	name = $2,
	source_type = $3,
	source_config = $4::jsonb,
	schedule_type = $5,
	time_range = $6,
	target_mode = $7,
	target_collection_id = $8,
	new_collection_prefix = $9,
	duplicate_strategy = $10,
	is_enabled = $11,
	next_run_at = $12,
	updated_at = $13
WHERE task_id = $1
`

	tag, err := p.Exec(ctx, q,
		task.TaskID,
		task.Name,
		task.SourceType,
		string(task.SourceConfig),
		task.ScheduleType,
		task.TimeRange,
		task.TargetMode,
		task.TargetCollectionID,
		task.NewCollectionPrefix,
		task.DuplicateStrategy,
		task.IsEnabled,
		task.NextRunAt,
		task.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("update crawl task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

// DeleteCrawlTask removes a task and its run history.
func (p *Pool) DeleteCrawlTask(ctx context.Context, taskID string) error {
	const deleteRuns = `
DELETE FROM bib.crawl_runs
WHERE task_id = $1
`
	const deleteTask = `
DELETE FROM bib.crawl_tasks
WHERE task_id = $1
`

	if _, err := p.Exec(ctx, deleteRuns, taskID); err != nil {
		return fmt.Errorf("delete crawl runs: %w", err)
	}
	tag, err := p.Exec(ctx, deleteTask, taskID)
	if err != nil {
		return fmt.Errorf("delete crawl task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

// GetCrawlTask returns one task by ID, or ErrNoRows.
func (p *Pool) GetCrawlTask(ctx context.Context, taskID string) (*CrawlTaskRow, error) {
	trimmed := strings.TrimSpace(taskID)
	if trimmed == "" {
		return nil, fmt.Errorf("task ID is required")
	}

	q := `
SELECT` + crawlTaskColumns + `
FROM bib.crawl_tasks t
WHERE t.task_id = $1
`

	row, err := scanCrawlTask(p.QueryRow(ctx, q, trimmed))
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("query crawl task: %w", err)
	}
	return row, nil
}

// ListCrawlTasks returns every task, newest first.
func (p *Pool) ListCrawlTasks(ctx context.Context) ([]CrawlTaskRow, error) {
	q := `
SELECT` + crawlTaskColumns + `
FROM bib.crawl_tasks t
ORDER BY t.created_at DESC, t.task_id DESC
`

	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query crawl tasks: %w", err)
	}
	defer rows.Close()

	return collectCrawlTasks(rows)
}

// ListDueCrawlTasks returns enabled tasks whose next_run_at is at or
// before now, soonest first.
func (p *Pool) ListDueCrawlTasks(ctx context.Context, now time.Time) ([]CrawlTaskRow, error) {
	q := `
SELECT` + crawlTaskColumns + `
FROM bib.crawl_tasks t
WHERE t.is_enabled
  AND t.next_run_at IS NOT NULL
  AND t.next_run_at <= $1
ORDER BY t.next_run_at, t.task_id
`

	rows, err := p.Query(ctx, q, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due crawl tasks: %w", err)
	}
	defer rows.Close()

	return collectCrawlTasks(rows)
}

// ListArmedCrawlTasks returns every enabled task with a fire time set,
// soonest first. The scheduler rebuilds its queue from this view.
func (p *Pool) ListArmedCrawlTasks(ctx context.Context) ([]CrawlTaskRow, error) {
	q := `
SELECT` + crawlTaskColumns + `
FROM bib.crawl_tasks t
WHERE t.is_enabled
  AND t.next_run_at IS NOT NULL
ORDER BY t.next_run_at, t.task_id
`

	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query armed crawl tasks: %w", err)
	}
	defer rows.Close()

	return collectCrawlTasks(rows)
}

// SetCrawlTaskEnabled toggles a task and rewrites its next fire time.
// Disabling clears next_run_at so due scans skip the row entirely.
func (p *Pool) SetCrawlTaskEnabled(ctx context.Context, taskID string, enabled bool, nextRunAt *time.Time, updatedAt time.Time) error {
	const q = `
UPDATE bib.crawl_tasks
SET is_enabled = $2, next_run_at = $3, updated_at = $4
WHERE task_id = $1
`

	tag, err := p.Exec(ctx, q, taskID, enabled, nextRunAt, updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("set crawl task enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

// UpdateCrawlTaskAfterRun records one run's outcome on the task row and
// schedules (or clears) the next fire time.
func (p *Pool) UpdateCrawlTaskAfterRun(ctx context.Context, taskID string, lastRunAt time.Time, status string, result json.RawMessage, nextRunAt *time.Time, enabled bool) error {
	const q = `
UPDATE bib.crawl_tasks
SET
	last_run_at = $2,
	last_run_status = $3,
	last_run_result = $4::jsonb,
	next_run_at = $5,
	is_enabled = $6,
	updated_at = $2
WHERE task_id = $1
`

	resultJSON := result
	if len(resultJSON) == 0 {
		resultJSON = json.RawMessage("{}")
	}
	tag, err := p.Exec(ctx, q, taskID, lastRunAt.UTC(), status, string(resultJSON), nextRunAt, enabled)
	if err != nil {
		return fmt.Errorf("update crawl task after run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

// InsertCrawlRun opens a run history row in running state.
func (p *Pool) InsertCrawlRun(ctx context.Context, runID, taskID string, startedAt time.Time) error {
	const q = `
INSERT INTO bib.crawl_runs (run_id, task_id, status, started_at)
VALUES ($1, $2, 'running', $3)
`

	if _, err := p.Exec(ctx, q, runID, taskID, startedAt.UTC()); err != nil {
		return fmt.Errorf("insert crawl run: %w", err)
	}
	return nil
}

// FinishCrawlRun closes a run history row with its outcome.
func (p *Pool) FinishCrawlRun(ctx context.Context, runID, status string, result json.RawMessage, collectionID *string, finishedAt time.Time) error {
	const q = `
UPDATE bib.crawl_runs
SET status = $2, result = $3::jsonb, collection_id = $4, finished_at = $5
WHERE run_id = $1
`

	resultJSON := result
	if len(resultJSON) == 0 {
		resultJSON = json.RawMessage("{}")
	}
	if _, err := p.Exec(ctx, q, runID, status, string(resultJSON), collectionID, finishedAt.UTC()); err != nil {
		return fmt.Errorf("finish crawl run: %w", err)
	}
	return nil
}

// ListCrawlRuns returns a task's run history, newest first.
func (p *Pool) ListCrawlRuns(ctx context.Context, taskID string, limit int) ([]CrawlRunRow, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	const q = `
SELECT
	r.run_id,
	r.task_id,
	r.status,
	r.result,
	r.collection_id,
	r.started_at,
	r.finished_at
FROM bib.crawl_runs r
WHERE r.task_id = $1
ORDER BY r.started_at DESC, r.run_id DESC
LIMIT $2
`

	rows, err := p.Query(ctx, q, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query crawl runs: %w", err)
	}
	defer rows.Close()

	items := make([]CrawlRunRow, 0, limit)
	for rows.Next() {
		var row CrawlRunRow
		var resultRaw []byte
		if err := rows.Scan(
			&row.RunID,
			&row.TaskID,
			&row.Status,
			&resultRaw,
			&row.CollectionID,
			&row.StartedAt,
			&row.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan crawl run row: %w", err)
		}
		row.Result = json.RawMessage(resultRaw)
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl run rows: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCrawlTask(scanner rowScanner) (*CrawlTaskRow, error) {
	var (
		row       CrawlTaskRow
		configRaw []byte
		resultRaw []byte
	)
	if err := scanner.Scan(
		&row.TaskID,
		&row.Name,
		&row.SourceType,
		&configRaw,
		&row.ScheduleType,
		&row.TimeRange,
		&row.TargetMode,
		&row.TargetCollectionID,
		&row.NewCollectionPrefix,
		&row.DuplicateStrategy,
		&row.IsEnabled,
		&row.LastRunAt,
		&row.LastRunStatus,
		&resultRaw,
		&row.NextRunAt,
		&row.CreatedAt,
		&row.UpdatedAt,
	); err != nil {
		return nil, err
	}
	row.SourceConfig = json.RawMessage(configRaw)
	row.LastRunResult = json.RawMessage(resultRaw)
	return &row, nil
}

func collectCrawlTasks(rows *Rows) ([]CrawlTaskRow, error) {
	items := make([]CrawlTaskRow, 0, 16)
	for rows.Next() {
		row, err := scanCrawlTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawl task row: %w", err)
		}
		items = append(items, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl task rows: %w", err)
	}
	return items, nil
}
