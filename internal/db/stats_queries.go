package db

import (
	"context"
	"fmt"
	"time"
)

// CollectionPaperCount stores per-collection paper counts.
type CollectionPaperCount struct {
	CollectionID string `json:"collection_id"`
	Title        string `json:"title"`
	Papers       int64  `json:"papers"`
}

// LibraryTotals stores totals across the whole library.
type LibraryTotals struct {
	Papers      int64 `json:"papers"`
	Collections int64 `json:"collections"`
	ImportJobs  int64 `json:"import_jobs"`
	CrawlTasks  int64 `json:"crawl_tasks"`
}

// DailyActivity stores today's throughput and backlog counters.
type DailyActivity struct {
	PapersAddedToday  int64 `json:"papers_added_today"`
	JobsFinishedToday int64 `json:"jobs_finished_today"`
	CrawlRunsToday    int64 `json:"crawl_runs_today"`
	JobsInFlight      int64 `json:"jobs_in_flight"`
}

// LibraryStats is the read model returned by the stats endpoint.
type LibraryStats struct {
	Day         string                 `json:"day"`
	Collections []CollectionPaperCount `json:"collections"`
	Totals      LibraryTotals          `json:"totals"`
	Activity    DailyActivity          `json:"activity"`
}

// QueryLibraryStats returns per-collection paper counts plus totals and
// daily activity for the [dayStart, dayEnd) window.
func (p *Pool) QueryLibraryStats(ctx context.Context, dayStart, dayEnd time.Time) (*LibraryStats, error) {
	startUTC := dayStart.UTC()
	endUTC := dayEnd.UTC()
	if !startUTC.Before(endUTC) {
		return nil, fmt.Errorf("dayStart must be before dayEnd")
	}

	stats := &LibraryStats{
		Day:         startUTC.Format("2006-01-02"),
		Collections: make([]CollectionPaperCount, 0, 16),
	}

	const countsQuery = `
SELECT
	c.collection_id,
	c.title,
	COUNT(cp.paper_id)::BIGINT AS papers
FROM bib.collections c
LEFT JOIN bib.collection_papers cp
	ON cp.collection_id = c.collection_id
GROUP BY c.collection_id, c.title
ORDER BY c.collection_id
`

	rows, err := p.Query(ctx, countsQuery)
	if err != nil {
		return nil, fmt.Errorf("query stats collection counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row CollectionPaperCount
		if err := rows.Scan(&row.CollectionID, &row.Title, &row.Papers); err != nil {
			return nil, fmt.Errorf("scan stats collection row: %w", err)
		}
		stats.Collections = append(stats.Collections, row)
		stats.Totals.Collections++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats collection rows: %w", err)
	}

	const totalsQuery = `
SELECT
	(SELECT COUNT(*) FROM bib.papers) AS papers,
	(SELECT COUNT(*) FROM bib.import_jobs) AS import_jobs,
	(SELECT COUNT(*) FROM bib.crawl_tasks) AS crawl_tasks
`

	if err := p.QueryRow(ctx, totalsQuery).Scan(
		&stats.Totals.Papers,
		&stats.Totals.ImportJobs,
		&stats.Totals.CrawlTasks,
	); err != nil {
		return nil, fmt.Errorf("query stats totals: %w", err)
	}

	const activityQuery = `
SELECT
	(SELECT COUNT(*) FROM bib.papers p WHERE p.created_at >= $1 AND p.created_at < $2) AS papers_added_today,
	(SELECT COUNT(*) FROM bib.import_jobs j WHERE j.finished_at >= $1 AND j.finished_at < $2) AS jobs_finished_today,
	(SELECT COUNT(*) FROM bib.crawl_runs r WHERE r.started_at >= $1 AND r.started_at < $2) AS crawl_runs_today,
	(SELECT COUNT(*) FROM bib.import_jobs j WHERE j.status IN ('pending', 'processing')) AS jobs_in_flight
`

	if err := p.QueryRow(ctx, activityQuery, startUTC, endUTC).Scan(
		&stats.Activity.PapersAddedToday,
		&stats.Activity.JobsFinishedToday,
		&stats.Activity.CrawlRunsToday,
		&stats.Activity.JobsInFlight,
	); err != nil {
		return nil, fmt.Errorf("query stats activity: %w", err)
	}

	return stats, nil
}
