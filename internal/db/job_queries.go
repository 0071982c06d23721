package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ImportJobRow is the pollable read model for background import and crawl
// jobs. Counters only ever grow; pollers never observe them move backwards.
type ImportJobRow struct {
	JobID        string          `json:"job_id"`
	JobType      string          `json:"job_type"`
	Status       string          `json:"status"`
	CollectionID *string         `json:"collection_id,omitempty"`
	Total        int             `json:"total"`
	Processed    int             `json:"processed"`
	Success      int             `json:"success"`
	Skipped      int             `json:"skipped"`
	Errors       json.RawMessage `json:"errors,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// InsertImportJob records a freshly accepted job in pending state.
func (p *Pool) InsertImportJob(ctx context.Context, jobID, jobType string, collectionID *string, total int, createdAt time.Time) error {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return fmt.Errorf("job ID is required")
	}

	const q = `
INSERT INTO bib.import_jobs (job_id, job_type, status, collection_id, total, created_at)
VALUES ($1, $2, 'pending', $3, $4, $5)
`

	if _, err := p.Exec(ctx, q, trimmed, jobType, collectionID, total, createdAt.UTC()); err != nil {
		return fmt.Errorf("insert import job: %w", err)
	}
	return nil
}

// MarkJobProcessing flips a pending job to processing and stamps its start.
func (p *Pool) MarkJobProcessing(ctx context.Context, jobID string, startedAt time.Time) error {
	const q = `
UPDATE bib.import_jobs
SET status = 'processing', started_at = $2
WHERE job_id = $1
  AND status = 'pending'
`

	tag, err := p.Exec(ctx, q, jobID, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not pending", jobID)
	}
	return nil
}

// UpdateJobProgress writes one counter snapshot plus the entry errors
// recorded so far. The total rides along because one-shot imports only
// learn it after parsing; GREATEST keeps everything monotonic even if a
// stale snapshot arrives late.
func (p *Pool) UpdateJobProgress(ctx context.Context, jobID string, total, processed, success, skipped int, entryErrors json.RawMessage) error {
	const q = `
UPDATE bib.import_jobs
SET
	total = GREATEST(total, $2),
	processed = GREATEST(processed, $3),
	success = GREATEST(success, $4),
	skipped = GREATEST(skipped, $5),
	errors = $6::jsonb
WHERE job_id = $1
`

	errorsJSON := entryErrors
	if len(errorsJSON) == 0 {
		errorsJSON = json.RawMessage("[]")
	}
	if _, err := p.Exec(ctx, q, jobID, total, processed, success, skipped, string(errorsJSON)); err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// CompleteJob finalizes a job with its terminal counters and entry errors.
func (p *Pool) CompleteJob(ctx context.Context, jobID string, processed, success, skipped int, entryErrors json.RawMessage, finishedAt time.Time) error {
	const q = `
UPDATE bib.import_jobs
SET
	status = 'completed',
	total = GREATEST(total, $2),
	processed = GREATEST(processed, $2),
	success = GREATEST(success, $3),
	skipped = GREATEST(skipped, $4),
	errors = $5::jsonb,
	finished_at = $6
WHERE job_id = $1
`

	errorsJSON := entryErrors
	if len(errorsJSON) == 0 {
		errorsJSON = json.RawMessage("[]")
	}
	if _, err := p.Exec(ctx, q, jobID, processed, success, skipped, string(errorsJSON), finishedAt.UTC()); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob marks a job failed with a human-readable reason.
func (p *Pool) FailJob(ctx context.Context, jobID, message string, finishedAt time.Time) error {
	const q = `
UPDATE bib.import_jobs
SET status = 'failed', error_message = $2, finished_at = $3
WHERE job_id = $1
`

	if _, err := p.Exec(ctx, q, jobID, message, finishedAt.UTC()); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// GetImportJob returns one job by ID, or ErrNoRows.
func (p *Pool) GetImportJob(ctx context.Context, jobID string) (*ImportJobRow, error) {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	const q = `
SELECT
	j.job_id,
	j.job_type,
	j.status,
	j.collection_id,
	j.total,
	j.processed,
	j.success,
	j.skipped,
	j.errors,
	j.error_message,
	j.created_at,
	j.started_at,
	j.finished_at
FROM bib.import_jobs j
WHERE j.job_id = $1
`

	var row ImportJobRow
	var errorsRaw []byte
	if err := p.QueryRow(ctx, q, trimmed).Scan(
		&row.JobID,
		&row.JobType,
		&row.Status,
		&row.CollectionID,
		&row.Total,
		&row.Processed,
		&row.Success,
		&row.Skipped,
		&errorsRaw,
		&row.ErrorMessage,
		&row.CreatedAt,
		&row.StartedAt,
		&row.FinishedAt,
	); err != nil {
		if IsNoRows(err) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("query import job: %w", err)
	}
	row.Errors = json.RawMessage(errorsRaw)
	return &row, nil
}

// ListImportJobs returns recent jobs, newest first.
func (p *Pool) ListImportJobs(ctx context.Context, limit int) ([]ImportJobRow, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	const q = `
SELECT
	j.job_id,
	j.job_type,
	j.status,
	j.collection_id,
	j.total,
	j.processed,
	j.success,
	j.skipped,
	j.errors,
	j.error_message,
	j.created_at,
	j.started_at,
	j.finished_at
FROM bib.import_jobs j
ORDER BY j.created_at DESC, j.job_id DESC
LIMIT $1
`

	rows, err := p.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query import jobs: %w", err)
	}
	defer rows.Close()

	items := make([]ImportJobRow, 0, limit)
	for rows.Next() {
		var row ImportJobRow
		var errorsRaw []byte
		if err := rows.Scan(
			&row.JobID,
			&row.JobType,
			&row.Status,
			&row.CollectionID,
			&row.Total,
			&row.Processed,
			&row.Success,
			&row.Skipped,
			&errorsRaw,
			&row.ErrorMessage,
			&row.CreatedAt,
			&row.StartedAt,
			&row.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan import job row: %w", err)
		}
		row.Errors = json.RawMessage(errorsRaw)
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate import job rows: %w", err)
	}
	return items, nil
}
