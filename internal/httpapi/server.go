// Package httpapi exposes the import pipeline, the job executor, and the
// crawl task registry over a JSON API. Responses use the jsend envelope.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/bibshelf/internal/crawl"
	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/executor"
	"horse.fit/bibshelf/internal/globaltime"
	"horse.fit/bibshelf/internal/pipeline"
)

const (
	defaultListLimit = 25
	maxListLimit     = 200
)

// TaskStore is the crawl task persistence surface the handlers use.
// *db.Pool implements it.
type TaskStore interface {
	InsertCrawlTask(ctx context.Context, task db.CrawlTaskRow) error
	UpdateCrawlTask(ctx context.Context, task db.CrawlTaskRow) error
	DeleteCrawlTask(ctx context.Context, taskID string) error
	GetCrawlTask(ctx context.Context, taskID string) (*db.CrawlTaskRow, error)
	ListCrawlTasks(ctx context.Context) ([]db.CrawlTaskRow, error)
	SetCrawlTaskEnabled(ctx context.Context, taskID string, enabled bool, nextRunAt *time.Time, updatedAt time.Time) error
	ListCrawlRuns(ctx context.Context, taskID string, limit int) ([]db.CrawlRunRow, error)
}

type Options struct {
	ListenAddr      string
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	tasks     TaskStore
	importSvc *pipeline.Service
	exec      *executor.Executor
	scheduler *crawl.Scheduler
	registry  *crawl.Registry
	logger    zerolog.Logger
	opts      Options
}

func NewServer(tasks TaskStore, importSvc *pipeline.Service, exec *executor.Executor, scheduler *crawl.Scheduler, registry *crawl.Registry, logger zerolog.Logger, opts Options) *Server {
	if strings.TrimSpace(opts.ListenAddr) == "" {
		opts.ListenAddr = ":8080"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	return &Server{
		tasks:     tasks,
		importSvc: importSvc,
		exec:      exec,
		scheduler: scheduler,
		registry:  registry,
		logger:    logger,
		opts:      opts,
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.importSvc == nil || s.exec == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.buildEcho()

	httpServer := &http.Server{
		Addr:         s.opts.ListenAddr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", s.opts.ListenAddr).Msg("bibshelf api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("bibshelf api server stopped")
	return nil
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)

	api.POST("/collections/:collection_id/import/scan", s.handleScan)
	api.POST("/collections/:collection_id/import/commit", s.handleCommit)
	api.POST("/collections/:collection_id/import", s.handleImport)
	api.GET("/import/jobs", s.handleListJobs)
	api.GET("/import/jobs/:job_id", s.handleJobStatus)

	api.GET("/crawl-sources", s.handleListSources)
	api.POST("/crawl-tasks", s.handleCreateTask)
	api.GET("/crawl-tasks", s.handleListTasks)
	api.GET("/crawl-tasks/:task_id", s.handleGetTask)
	api.PUT("/crawl-tasks/:task_id", s.handleUpdateTask)
	api.DELETE("/crawl-tasks/:task_id", s.handleDeleteTask)
	api.POST("/crawl-tasks/:task_id/run-now", s.handleRunTask)
	api.POST("/crawl-tasks/:task_id/enable", s.handleEnableTask)
	api.POST("/crawl-tasks/:task_id/disable", s.handleDisableTask)
	api.GET("/crawl-tasks/:task_id/runs", s.handleListRuns)

	return e
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	return success(c, map[string]any{
		"service": "bibshelf",
		"time":    globaltime.UTC(),
	})
}

func parseLimit(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultListLimit, nil
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < 1 || value > maxListLimit {
		return 0, fmt.Errorf("must be between 1 and %d", maxListLimit)
	}
	return value, nil
}
