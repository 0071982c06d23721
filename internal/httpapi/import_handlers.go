package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/executor"
	"horse.fit/bibshelf/internal/pipeline"
)

type scanRequest struct {
	BibtexContent string `json:"bibtex_content"`
}

type commitRequest struct {
	ScanID    string            `json:"scan_id"`
	Decisions map[string]string `json:"decisions,omitempty"`
}

type importRequest struct {
	BibtexContent     string            `json:"bibtex_content"`
	DuplicateStrategy string            `json:"duplicate_strategy"`
	Decisions         map[string]string `json:"decisions,omitempty"`
}

// handleScan parses and matches synchronously; the client reviews the
// result and commits with the returned scan_id.
func (s *Server) handleScan(c echo.Context) error {
	collectionID := strings.TrimSpace(c.Param("collection_id"))
	if collectionID == "" {
		return failValidation(c, map[string]string{"collection_id": "is required"})
	}

	var req scanRequest
	if err := c.Bind(&req); err != nil {
		return failValidation(c, map[string]string{"body": "must be valid JSON"})
	}
	if strings.TrimSpace(req.BibtexContent) == "" {
		return failValidation(c, map[string]string{"bibtex_content": "is required"})
	}

	result, err := s.importSvc.Scan(c.Request().Context(), collectionID, req.BibtexContent)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrCollectionNotFound):
			return failNotFound(c, "Collection not found")
		case errors.Is(err, pipeline.ErrEmptyInput):
			return failValidation(c, map[string]string{"bibtex_content": "contains no entries"})
		default:
			s.logger.Error().Err(err).Str("collection_id", collectionID).Msg("scan failed")
			return internalError(c, "Scan failed")
		}
	}
	return success(c, result)
}

// handleCommit commits a cached scan as a background job. The scan is
// checked here so a stale or mismatched scan_id is a 4xx instead of a
// failed job; the consume itself stays atomic inside the job.
func (s *Server) handleCommit(c echo.Context) error {
	collectionID := strings.TrimSpace(c.Param("collection_id"))
	if collectionID == "" {
		return failValidation(c, map[string]string{"collection_id": "is required"})
	}

	var req commitRequest
	if err := c.Bind(&req); err != nil {
		return failValidation(c, map[string]string{"body": "must be valid JSON"})
	}
	if strings.TrimSpace(req.ScanID) == "" {
		return failValidation(c, map[string]string{"scan_id": "is required"})
	}

	if err := s.importSvc.PeekScan(collectionID, req.ScanID); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrScanNotFound):
			return failNotFound(c, "Scan not found or expired")
		case errors.Is(err, pipeline.ErrScanMismatch):
			return failValidation(c, map[string]string{"scan_id": "belongs to a different collection"})
		default:
			s.logger.Error().Err(err).Str("collection_id", collectionID).Msg("scan lookup failed")
			return internalError(c, "Failed to check scan")
		}
	}

	jobID, err := s.exec.Submit(c.Request().Context(), executor.JobTypeCommit, &collectionID, 0,
		func(ctx context.Context, progress pipeline.ProgressFunc) (*pipeline.CommitOutcome, error) {
			return s.importSvc.CommitScan(ctx, collectionID, req.ScanID, req.Decisions, progress)
		})
	if err != nil {
		s.logger.Error().Err(err).Str("collection_id", collectionID).Msg("submit commit job failed")
		return internalError(c, "Failed to submit commit job")
	}

	return successWithStatus(c, http.StatusAccepted, map[string]any{
		"job_id": jobID,
	})
}

// handleImport is the one-shot flow: parse, match, and commit in a
// single background job under one duplicate strategy.
func (s *Server) handleImport(c echo.Context) error {
	collectionID := strings.TrimSpace(c.Param("collection_id"))
	if collectionID == "" {
		return failValidation(c, map[string]string{"collection_id": "is required"})
	}

	var req importRequest
	if err := c.Bind(&req); err != nil {
		return failValidation(c, map[string]string{"body": "must be valid JSON"})
	}
	if strings.TrimSpace(req.BibtexContent) == "" {
		return failValidation(c, map[string]string{"bibtex_content": "is required"})
	}
	strategy := strings.TrimSpace(req.DuplicateStrategy)
	if strategy == "" {
		strategy = pipeline.StrategyKeepExisting
	}
	switch strategy {
	case pipeline.StrategyKeepExisting, pipeline.StrategyUseNew, pipeline.StrategySkip, pipeline.StrategyManual:
	default:
		return failValidation(c, map[string]string{"duplicate_strategy": "must be keep_existing, use_new, skip or manual"})
	}

	jobID, err := s.exec.Submit(c.Request().Context(), executor.JobTypeImport, &collectionID, 0,
		func(ctx context.Context, progress pipeline.ProgressFunc) (*pipeline.CommitOutcome, error) {
			return s.importSvc.Import(ctx, collectionID, req.BibtexContent, strategy, req.Decisions, progress)
		})
	if err != nil {
		s.logger.Error().Err(err).Str("collection_id", collectionID).Msg("submit import job failed")
		return internalError(c, "Failed to submit import job")
	}

	return successWithStatus(c, http.StatusAccepted, map[string]any{
		"job_id": jobID,
	})
}

func (s *Server) handleListJobs(c echo.Context) error {
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}

	jobs, err := s.exec.List(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list jobs failed")
		return internalError(c, "Failed to load jobs")
	}
	return success(c, map[string]any{
		"items": jobs,
		"limit": limit,
	})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	jobID := strings.TrimSpace(c.Param("job_id"))
	if jobID == "" {
		return failValidation(c, map[string]string{"job_id": "is required"})
	}

	job, err := s.exec.Status(c.Request().Context(), jobID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Job not found")
		}
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("query job failed")
		return internalError(c, "Failed to load job")
	}
	return success(c, job)
}
