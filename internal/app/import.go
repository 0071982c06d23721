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
	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/logging"
	"horse.fit/bibshelf/internal/pipeline"
)

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	collectionID := fs.String("collection", "", "Target collection ID")
	bibFile := fs.String("file", "", "Path to the BibTeX file")
	strategy := fs.String("strategy", pipeline.StrategySkip, "Duplicate strategy: keep_existing, use_new or skip")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if strings.TrimSpace(*collectionID) == "" {
		fmt.Fprintln(os.Stderr, "--collection is required")
		return 2
	}
	if strings.TrimSpace(*bibFile) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		return 2
	}

	content, err := os.ReadFile(*bibFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", *bibFile, err)
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

	svc := pipeline.NewService(pool, pipeline.NewScanCache(cfg.ScanTTL()), logger)
	outcome, err := svc.Import(ctx, *collectionID, string(content), *strategy, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
		return 1
	}

	fmt.Printf("total=%d imported=%d skipped=%d errors=%d\n",
		outcome.Total, outcome.Success, outcome.Skipped, len(outcome.Errors))
	for _, entryErr := range outcome.Errors {
		fmt.Printf("  entry=%s reason=%s\n", entryErr.EntryID, entryErr.Reason)
	}

	if count, err := pool.CountCollectionPapers(ctx, *collectionID); err == nil {
		fmt.Printf("collection=%s papers=%d\n", *collectionID, count)
	}
	return 0
}
