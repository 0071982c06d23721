package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"horse.fit/bibshelf/internal/crawl"
	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/globaltime"
	"horse.fit/bibshelf/internal/pipeline"
)

type taskRequest struct {
	Name                string          `json:"name"`
	SourceType          string          `json:"source_type"`
	SourceConfig        json.RawMessage `json:"source_config"`
	ScheduleType        string          `json:"schedule_type"`
	TimeRange           string          `json:"time_range,omitempty"`
	TargetMode          string          `json:"target_mode"`
	TargetCollectionID  *string         `json:"target_collection_id,omitempty"`
	NewCollectionPrefix *string         `json:"new_collection_prefix,omitempty"`
	DuplicateStrategy   string          `json:"duplicate_strategy,omitempty"`
	IsEnabled           *bool           `json:"is_enabled,omitempty"`
}

func (r *taskRequest) toRow(taskID string) db.CrawlTaskRow {
	row := db.CrawlTaskRow{
		TaskID:              taskID,
		Name:                strings.TrimSpace(r.Name),
		SourceType:          strings.TrimSpace(r.SourceType),
		SourceConfig:        r.SourceConfig,
		ScheduleType:        strings.TrimSpace(r.ScheduleType),
		TimeRange:           strings.TrimSpace(r.TimeRange),
		TargetMode:          strings.TrimSpace(r.TargetMode),
		TargetCollectionID:  r.TargetCollectionID,
		NewCollectionPrefix: r.NewCollectionPrefix,
		DuplicateStrategy:   strings.TrimSpace(r.DuplicateStrategy),
		IsEnabled:           true,
	}
	if row.TimeRange == "" {
		row.TimeRange = "1d"
	}
	if row.DuplicateStrategy == "" {
		row.DuplicateStrategy = pipeline.StrategySkip
	}
	if r.IsEnabled != nil {
		row.IsEnabled = *r.IsEnabled
	}
	return row
}

func (s *Server) handleListSources(c echo.Context) error {
	return success(c, map[string]any{
		"items": s.registry.Metas(),
	})
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var req taskRequest
	if err := c.Bind(&req); err != nil {
		return failValidation(c, map[string]string{"body": "must be valid JSON"})
	}

	row := req.toRow(uuid.NewString())
	if err := crawl.ValidateTask(&row, s.registry); err != nil {
		return failValidation(c, map[string]string{"task": err.Error()})
	}

	now := globaltime.Now()
	row.CreatedAt = now
	row.UpdatedAt = now
	if row.IsEnabled {
		row.NextRunAt = crawl.FirstRun(now)
	}

	if err := s.tasks.InsertCrawlTask(c.Request().Context(), row); err != nil {
		s.logger.Error().Err(err).Msg("insert crawl task failed")
		return internalError(c, "Failed to create task")
	}
	if row.IsEnabled && row.NextRunAt != nil {
		s.scheduler.Arm(row.TaskID, *row.NextRunAt)
	}
	return successWithStatus(c, http.StatusCreated, row)
}

func (s *Server) handleListTasks(c echo.Context) error {
	tasks, err := s.tasks.ListCrawlTasks(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list crawl tasks failed")
		return internalError(c, "Failed to load tasks")
	}
	return success(c, map[string]any{
		"items": tasks,
	})
}

func (s *Server) handleGetTask(c echo.Context) error {
	taskID := strings.TrimSpace(c.Param("task_id"))
	if taskID == "" {
		return failValidation(c, map[string]string{"task_id": "is required"})
	}

	task, err := s.tasks.GetCrawlTask(c.Request().Context(), taskID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Task not found")
		}
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("query crawl task failed")
		return internalError(c, "Failed to load task")
	}
	return success(c, task)
}

func (s *Server) handleUpdateTask(c echo.Context) error {
	taskID := strings.TrimSpace(c.Param("task_id"))
	if taskID == "" {
		return failValidation(c, map[string]string{"task_id": "is required"})
	}

	existing, err := s.tasks.GetCrawlTask(c.Request().Context(), taskID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Task not found")
		}
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("query crawl task failed")
		return internalError(c, "Failed to load task")
	}

	var req taskRequest
	if err := c.Bind(&req); err != nil {
		return failValidation(c, map[string]string{"body": "must be valid JSON"})
	}

	row := req.toRow(taskID)
	if err := crawl.ValidateTask(&row, s.registry); err != nil {
		return failValidation(c, map[string]string{"task": err.Error()})
	}

	now := globaltime.Now()
	row.CreatedAt = existing.CreatedAt
	row.UpdatedAt = now
	// Keep the task's place in the schedule unless it was just toggled.
	row.NextRunAt = existing.NextRunAt
	if row.IsEnabled && !existing.IsEnabled {
		row.NextRunAt = crawl.FirstRun(now)
	}
	if !row.IsEnabled {
		row.NextRunAt = nil
	}

	if err := s.tasks.UpdateCrawlTask(c.Request().Context(), row); err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Task not found")
		}
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("update crawl task failed")
		return internalError(c, "Failed to update task")
	}
	if row.IsEnabled && row.NextRunAt != nil {
		s.scheduler.Arm(row.TaskID, *row.NextRunAt)
	} else {
		s.scheduler.Disarm(row.TaskID)
	}
	return success(c, row)
}

func (s *Server) handleDeleteTask(c echo.Context) error {
	taskID := strings.TrimSpace(c.Param("task_id"))
	if taskID == "" {
		return failValidation(c, map[string]string{"task_id": "is required"})
	}

	if err := s.tasks.DeleteCrawlTask(c.Request().Context(), taskID); err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Task not found")
		}
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("delete crawl task failed")
		return internalError(c, "Failed to delete task")
	}
	s.scheduler.Disarm(taskID)
	return success(c, map[string]any{
		"task_id": taskID,
		"deleted": true,
	})
}

func (s *Server) handleRunTask(c echo.Context) error {
	taskID := strings.TrimSpace(c.Param("task_id"))
	if taskID == "" {
		return failValidation(c, map[string]string{"task_id": "is required"})
	}

	if err := s.scheduler.RunNow(c.Request().Context(), taskID); err != nil {
		switch {
		case db.IsNoRows(err):
			return failNotFound(c, "Task not found")
		case errors.Is(err, crawl.ErrTaskDisabled):
			return failValidation(c, map[string]string{"task": "is disabled"})
		case errors.Is(err, crawl.ErrTaskRunning):
			return failConflict(c, "Task is already running")
		default:
			s.logger.Error().Err(err).Str("task_id", taskID).Msg("run task failed")
			return internalError(c, "Failed to start task")
		}
	}
	return successWithStatus(c, http.StatusAccepted, map[string]any{
		"task_id": taskID,
		"started": true,
	})
}

func (s *Server) handleEnableTask(c echo.Context) error {
	return s.setTaskEnabled(c, true)
}

func (s *Server) handleDisableTask(c echo.Context) error {
	return s.setTaskEnabled(c, false)
}

func (s *Server) setTaskEnabled(c echo.Context, enabled bool) error {
	taskID := strings.TrimSpace(c.Param("task_id"))
	if taskID == "" {
		return failValidation(c, map[string]string{"task_id": "is required"})
	}

	now := globaltime.Now()
	var nextRunAt *time.Time
	if enabled {
		nextRunAt = crawl.FirstRun(now)
	}

	if err := s.tasks.SetCrawlTaskEnabled(c.Request().Context(), taskID, enabled, nextRunAt, now); err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Task not found")
		}
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("toggle crawl task failed")
		return internalError(c, "Failed to update task")
	}
	if enabled && nextRunAt != nil {
		s.scheduler.Arm(taskID, *nextRunAt)
	} else {
		s.scheduler.Disarm(taskID)
	}
	return success(c, map[string]any{
		"task_id":    taskID,
		"is_enabled": enabled,
	})
}

func (s *Server) handleListRuns(c echo.Context) error {
	taskID := strings.TrimSpace(c.Param("task_id"))
	if taskID == "" {
		return failValidation(c, map[string]string{"task_id": "is required"})
	}
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}

	if _, err := s.tasks.GetCrawlTask(c.Request().Context(), taskID); err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Task not found")
		}
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("query crawl task failed")
		return internalError(c, "Failed to load task")
	}

	runs, err := s.tasks.ListCrawlRuns(c.Request().Context(), taskID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("list crawl runs failed")
		return internalError(c, "Failed to load runs")
	}
	return success(c, map[string]any{
		"items": runs,
		"limit": limit,
	})
}
