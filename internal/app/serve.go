package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"horse.fit/bibshelf/internal/cli"
	"horse.fit/bibshelf/internal/config"
	"horse.fit/bibshelf/internal/crawl"
	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/executor"
	"horse.fit/bibshelf/internal/httpapi"
	"horse.fit/bibshelf/internal/logging"
	"horse.fit/bibshelf/internal/pipeline"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	listenAddr := fs.String("listen", "", "Listen address (overrides HTTP_LISTEN_ADDR)")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")

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

	dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dbCancel()

	pool, err := db.NewPool(dbCtx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("serve failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		cancel()
	}()

	importSvc := pipeline.NewService(pool, pipeline.NewScanCache(cfg.ScanTTL()), logger)
	exec := executor.New(pool, cfg.JobConcurrency, logger)

	registry := buildRegistry(cfg)
	runner := crawl.NewRunner(pool, importSvc, registry, cfg.CrawlFetchTimeout(), logger)
	scheduler := crawl.NewScheduler(pool, runner, cfg.SchedulerTick(), logger)
	scheduler.Start(ctx)

	addr := cfg.HTTPListenAddr
	if *listenAddr != "" {
		addr = *listenAddr
	}

	srv := httpapi.NewServer(pool, importSvc, exec, scheduler, registry, logger, httpapi.Options{
		ListenAddr:      addr,
		AllowedOrigins:  cfg.CORSAllowedOriginsList(),
		ReadTimeout:     *readTimeout,
		WriteTimeout:    *writeTimeout,
		ShutdownTimeout: *shutdownTimeout,
	})

	serveErr := srv.Start(ctx)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer drainCancel()
	if err := scheduler.Stop(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler did not drain in time")
	}
	if err := exec.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("job executor did not drain in time")
	}

	if serveErr != nil {
		logger.Error().Err(serveErr).Str("addr", addr).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", serveErr)
		return 1
	}
	return 0
}

func buildRegistry(cfg *config.Config) *crawl.Registry {
	client := &http.Client{Timeout: cfg.CrawlFetchTimeout()}
	return crawl.NewRegistry(
		crawl.NewArxivSource(client, cfg.CrawlUserAgent, cfg.CrawlRequestsPerSec),
		crawl.NewSemanticScholarSource(client, cfg.CrawlUserAgent, cfg.CrawlRequestsPerSec),
	)
}
