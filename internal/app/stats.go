package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/bibshelf/internal/cli"
	"horse.fit/bibshelf/internal/config"
	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/globaltime"
	"horse.fit/bibshelf/internal/logging"
)

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 20*time.Second, "Command timeout")
	asJSON := fs.Bool("json", false, "Print stats as JSON")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("database connection failed")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	now := globaltime.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	stats, err := pool.QueryLibraryStats(ctx, dayStart, dayEnd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stats query failed: %v\n", err)
		return 1
	}

	if *asJSON {
		payload, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode stats: %v\n", err)
			return 1
		}
		fmt.Println(string(payload))
		return 0
	}

	fmt.Printf("day=%s\n", stats.Day)
	fmt.Printf("papers=%d collections=%d import_jobs=%d crawl_tasks=%d\n",
		stats.Totals.Papers, stats.Totals.Collections, stats.Totals.ImportJobs, stats.Totals.CrawlTasks)
	fmt.Printf("papers_added_today=%d jobs_finished_today=%d crawl_runs_today=%d jobs_in_flight=%d\n",
		stats.Activity.PapersAddedToday, stats.Activity.JobsFinishedToday,
		stats.Activity.CrawlRunsToday, stats.Activity.JobsInFlight)
	for _, c := range stats.Collections {
		fmt.Printf("  collection=%s papers=%d title=%q\n", c.CollectionID, c.Papers, c.Title)
	}
	return 0
}
