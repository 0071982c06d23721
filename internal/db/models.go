package db

import (
	"encoding/json"
	"time"
)

// Paper maps bib.papers. The version column backs conditional updates:
// a use_new commit only lands if the version it read is still current.
type Paper struct {
	PaperID         string          `gorm:"column:paper_id;type:text;primaryKey"`
	Title           string          `gorm:"column:title;type:text;not null"`
	NormalizedTitle string          `gorm:"column:normalized_title;type:text;not null;index"`
	Authors         json.RawMessage `gorm:"column:authors;type:jsonb"`
	Venue           *string         `gorm:"column:venue;type:text"`
	Year            *int            `gorm:"column:year;type:integer"`
	Abstract        *string         `gorm:"column:abstract;type:text"`
	Summary         *string         `gorm:"column:summary;type:text"`
	Status          string          `gorm:"column:status;type:text;not null;default:no_access"`
	BibtexKey       *string         `gorm:"column:bibtex_key;type:text;index"`
	ArxivID         *string         `gorm:"column:arxiv_id;type:text;index"`
	DOI             *string         `gorm:"column:doi;type:text;index"`
	URLArxiv        *string         `gorm:"column:url_arxiv;type:text"`
	URLPDF          *string         `gorm:"column:url_pdf;type:text"`
	URLCode         *string         `gorm:"column:url_code;type:text"`
	URLProject      *string         `gorm:"column:url_project;type:text"`
	Tags            json.RawMessage `gorm:"column:tags;type:jsonb"`
	Version         int64           `gorm:"column:version;type:bigint;not null;default:1"`
	CreatedAt       time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Paper) TableName() string { return "bib.papers" }

// Collection maps bib.collections. CRUD for collections lives outside this
// core; the rows exist so membership, target checks, and create_new crawl
// targets have something relational to hang off.
type Collection struct {
	CollectionID string    `gorm:"column:collection_id;type:text;primaryKey"`
	Title        string    `gorm:"column:title;type:text;not null"`
	Description  *string   `gorm:"column:description;type:text"`
	CreatedBy    *string   `gorm:"column:created_by;type:text"`
	TaskType     *string   `gorm:"column:task_type;type:text"`
	TaskSource   *string   `gorm:"column:task_source;type:text"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt    time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Collection) TableName() string { return "bib.collections" }

// CollectionPaper maps bib.collection_papers, one membership row per
// (collection, paper) pair.
type CollectionPaper struct {
	MembershipID int64     `gorm:"column:membership_id;primaryKey;autoIncrement"`
	CollectionID string    `gorm:"column:collection_id;type:text;not null;uniqueIndex:ux_collection_paper,priority:1"`
	PaperID      string    `gorm:"column:paper_id;type:text;not null;uniqueIndex:ux_collection_paper,priority:2;index"`
	GroupName    *string   `gorm:"column:group_name;type:text"`
	GroupTag     *string   `gorm:"column:group_tag;type:text"`
	DisplayOrder int       `gorm:"column:display_order;type:integer;not null;default:0"`
	AddedAt      time.Time `gorm:"column:added_at;type:timestamptz;not null;default:now()"`
}

func (CollectionPaper) TableName() string { return "bib.collection_papers" }

// ImportJob maps bib.import_jobs. Mutated only by the job executor; rows
// are terminal once status is completed or failed. Progress counters are
// written incrementally so pollers observe monotonic progress.
type ImportJob struct {
	JobID        string          `gorm:"column:job_id;type:text;primaryKey"`
	JobType      string          `gorm:"column:job_type;type:text;not null"`
	Status       string          `gorm:"column:status;type:text;not null;default:pending;index"`
	CollectionID *string         `gorm:"column:collection_id;type:text"`
	Total        int             `gorm:"column:total;type:integer;not null;default:0"`
	Processed    int             `gorm:"column:processed;type:integer;not null;default:0"`
	Success      int             `gorm:"column:success;type:integer;not null;default:0"`
	Skipped      int             `gorm:"column:skipped;type:integer;not null;default:0"`
	Errors       json.RawMessage `gorm:"column:errors;type:jsonb"`
	ErrorMessage *string         `gorm:"column:error_message;type:text"`
	CreatedAt    time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	StartedAt    *time.Time      `gorm:"column:started_at;type:timestamptz"`
	FinishedAt   *time.Time      `gorm:"column:finished_at;type:timestamptz"`
}

func (ImportJob) TableName() string { return "bib.import_jobs" }

// CrawlTask maps bib.crawl_tasks, the recurring pull definitions.
type CrawlTask struct {
	TaskID              string          `gorm:"column:task_id;type:text;primaryKey"`
	Name                string          `gorm:"column:name;type:text;not null"`
	SourceType          string          `gorm:"column:source_type;type:text;not null"`
	SourceConfig        json.RawMessage `gorm:"column:source_config;type:jsonb;not null"`
	ScheduleType        string          `gorm:"column:schedule_type;type:text;not null"`
	TimeRange           string          `gorm:"column:time_range;type:text;not null;default:1d"`
	TargetMode          string          `gorm:"column:target_mode;type:text;not null"`
	TargetCollectionID  *string         `gorm:"column:target_collection_id;type:text"`
	NewCollectionPrefix *string         `gorm:"column:new_collection_prefix;type:text"`
	DuplicateStrategy   string          `gorm:"column:duplicate_strategy;type:text;not null;default:skip"`
	IsEnabled           bool            `gorm:"column:is_enabled;type:boolean;not null;default:true"`
	LastRunAt           *time.Time      `gorm:"column:last_run_at;type:timestamptz"`
	LastRunStatus       *string         `gorm:"column:last_run_status;type:text"`
	LastRunResult       json.RawMessage `gorm:"column:last_run_result;type:jsonb"`
	NextRunAt           *time.Time      `gorm:"column:next_run_at;type:timestamptz;index"`
	CreatedAt           time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt           time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (CrawlTask) TableName() string { return "bib.crawl_tasks" }

// CrawlRun maps bib.crawl_runs, one row per execution of a crawl task.
type CrawlRun struct {
	RunID        string          `gorm:"column:run_id;type:text;primaryKey"`
	TaskID       string          `gorm:"column:task_id;type:text;not null;index"`
	Status       string          `gorm:"column:status;type:text;not null;default:running"`
	Result       json.RawMessage `gorm:"column:result;type:jsonb"`
	CollectionID *string         `gorm:"column:collection_id;type:text"`
	StartedAt    time.Time       `gorm:"column:started_at;type:timestamptz;not null;default:now()"`
	FinishedAt   *time.Time      `gorm:"column:finished_at;type:timestamptz"`
}

func (CrawlRun) TableName() string { return "bib.crawl_runs" }

func autoMigrateModels() []any {
	return []any{
		&Paper{},
		&Collection{},
		&CollectionPaper{},
		&ImportJob{},
		&CrawlTask{},
		&CrawlRun{},
	}
}
