package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/bibshelf/internal/cli"
	"horse.fit/bibshelf/internal/config"
	"horse.fit/bibshelf/internal/crawl"
	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/globaltime"
	"horse.fit/bibshelf/internal/logging"
	"horse.fit/bibshelf/internal/pipeline"
)

func runCrawl(args []string) int {
	fs := flag.NewFlagSet("crawl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	taskID := fs.String("task", "", "Crawl task ID to run")
	due := fs.Bool("due", false, "Run every enabled task whose next_run_at has passed")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if strings.TrimSpace(*taskID) == "" && !*due {
		fmt.Fprintln(os.Stderr, "either --task or --due is required")
		return 2
	}
	if strings.TrimSpace(*taskID) != "" && *due {
		fmt.Fprintln(os.Stderr, "--task and --due are mutually exclusive")
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

	importSvc := pipeline.NewService(pool, pipeline.NewScanCache(cfg.ScanTTL()), logger)
	runner := crawl.NewRunner(pool, importSvc, buildRegistry(cfg), cfg.CrawlFetchTimeout(), logger)

	var tasks []db.CrawlTaskRow
	if *due {
		tasks, err = pool.ListDueCrawlTasks(ctx, globaltime.UTC())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list due tasks: %v\n", err)
			return 1
		}
		if len(tasks) == 0 {
			fmt.Println("no tasks due")
			return 0
		}
	} else {
		task, err := pool.GetCrawlTask(ctx, *taskID)
		if err != nil {
			if db.IsNoRows(err) {
				fmt.Fprintf(os.Stderr, "Task %s not found\n", *taskID)
				return 2
			}
			fmt.Fprintf(os.Stderr, "Failed to load task: %v\n", err)
			return 1
		}
		tasks = []db.CrawlTaskRow{*task}
	}

	exitCode := 0
	for _, task := range tasks {
		runner.Execute(ctx, task)

		refreshed, err := pool.GetCrawlTask(ctx, task.TaskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Run finished but task reload failed: %v\n", err)
			exitCode = 1
			continue
		}

		status := "unknown"
		if refreshed.LastRunStatus != nil {
			status = *refreshed.LastRunStatus
		}
		fmt.Printf("task=%s status=%s\n", refreshed.TaskID, status)
		if len(refreshed.LastRunResult) > 0 {
			fmt.Printf("result=%s\n", string(refreshed.LastRunResult))
		}
	}
	return exitCode
}
