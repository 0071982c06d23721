package crawl

import (
	"errors"
	"fmt"
	"strings"

	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/pipeline"
)

// Source type names.
const (
	SourceArxivRSS        = "arxiv_rss"
	SourceSemanticScholar = "semantic_scholar"
)

// Schedule types. Once-tasks disable themselves after their first run.
const (
	ScheduleOnce    = "once"
	ScheduleDaily   = "daily"
	ScheduleWeekly  = "weekly"
	ScheduleMonthly = "monthly"
)

// Target modes: append into an existing collection, or create a fresh
// date-suffixed collection per run.
const (
	TargetAppend    = "append"
	TargetCreateNew = "create_new"
)

// Run statuses recorded on crawl runs and task bookkeeping.
const (
	RunStatusCompleted = "completed"
	RunStatusPartial   = "partial"
	RunStatusFailed    = "failed"

	// RunStatusTargetDeleted marks the terminal state of a task whose
	// append target no longer exists. The task is disabled, not deleted.
	RunStatusTargetDeleted = "target_collection_deleted"
)

var (
	ErrTaskDisabled = errors.New("task is disabled")
	ErrTaskRunning  = errors.New("task is already running")
)

// ValidateTask checks a task definition before it is persisted. The
// source config is validated against the source type's schema.
func ValidateTask(task *db.CrawlTaskRow, registry *Registry) error {
	if strings.TrimSpace(task.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !registry.Has(task.SourceType) {
		return fmt.Errorf("unknown source type %q (have: %s)", task.SourceType, strings.Join(registry.Types(), ", "))
	}
	if _, err := ValidateConfig(task.SourceType, task.SourceConfig); err != nil {
		return err
	}

	switch task.ScheduleType {
	case ScheduleOnce, ScheduleDaily, ScheduleWeekly, ScheduleMonthly:
	default:
		return fmt.Errorf("invalid schedule type %q", task.ScheduleType)
	}

	if _, err := ParseTimeRange(task.TimeRange); err != nil {
		return err
	}

	switch task.TargetMode {
	case TargetAppend:
		if task.TargetCollectionID == nil || strings.TrimSpace(*task.TargetCollectionID) == "" {
			return fmt.Errorf("target_collection_id is required for append mode")
		}
	case TargetCreateNew:
		if task.NewCollectionPrefix == nil || strings.TrimSpace(*task.NewCollectionPrefix) == "" {
			return fmt.Errorf("new_collection_prefix is required for create_new mode")
		}
	default:
		return fmt.Errorf("invalid target mode %q", task.TargetMode)
	}

	switch task.DuplicateStrategy {
	case pipeline.StrategyKeepExisting, pipeline.StrategyUseNew, pipeline.StrategySkip:
	default:
		return fmt.Errorf("invalid duplicate strategy %q for crawl tasks", task.DuplicateStrategy)
	}

	return nil
}
