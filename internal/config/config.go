package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"BS_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"BS_DB_MAX_CONNS" default:"8"`

	HTTPListenAddr string `envconfig:"HTTP_LISTEN_ADDR" default:":8080"`

	ScanTTLMinutes    int `envconfig:"SCAN_TTL_MINUTES" default:"30"`
	JobConcurrency    int `envconfig:"JOB_CONCURRENCY" default:"4"`
	SchedulerTickSecs int `envconfig:"SCHEDULER_TICK_SECONDS" default:"60"`

	CrawlFetchTimeoutSecs int     `envconfig:"CRAWL_FETCH_TIMEOUT_SECONDS" default:"30"`
	CrawlRequestsPerSec   float64 `envconfig:"CRAWL_REQUESTS_PER_SEC" default:"1"`
	CrawlUserAgent        string  `envconfig:"CRAWL_USER_AGENT" default:"bibshelf-crawler/1.0"`

	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("BS_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("BS_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("BS_DB_MIN_CONNS (%d) cannot exceed BS_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if strings.TrimSpace(c.HTTPListenAddr) == "" {
		return fmt.Errorf("HTTP_LISTEN_ADDR is required")
	}
	if c.ScanTTLMinutes < 1 {
		return fmt.Errorf("SCAN_TTL_MINUTES must be >= 1")
	}
	if c.JobConcurrency < 1 {
		return fmt.Errorf("JOB_CONCURRENCY must be >= 1")
	}
	if c.SchedulerTickSecs < 1 {
		return fmt.Errorf("SCHEDULER_TICK_SECONDS must be >= 1")
	}
	if c.CrawlFetchTimeoutSecs < 1 {
		return fmt.Errorf("CRAWL_FETCH_TIMEOUT_SECONDS must be >= 1")
	}
	if c.CrawlRequestsPerSec <= 0 {
		return fmt.Errorf("CRAWL_REQUESTS_PER_SEC must be > 0")
	}
	return nil
}

func (c *Config) ScanTTL() time.Duration {
	return time.Duration(c.ScanTTLMinutes) * time.Minute
}

func (c *Config) SchedulerTick() time.Duration {
	return time.Duration(c.SchedulerTickSecs) * time.Second
}

func (c *Config) CrawlFetchTimeout() time.Duration {
	return time.Duration(c.CrawlFetchTimeoutSecs) * time.Second
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
