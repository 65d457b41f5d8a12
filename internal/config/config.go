// Package config loads pipeline configuration from an optional YAML file
// with every field overridable by the environment variables enumerated in
// spec.md §6. A zero-value Config plus Load's defaults is always valid.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be expressed as "45s"/"5m" in YAML
// while env overrides continue to parse plain integer seconds.
type Duration time.Duration

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// RedisConfig configures the queue substrate's connection pool.
type RedisConfig struct {
	URL        string `yaml:"url" validate:"required"`
	PoolSize   int    `yaml:"pool_size"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// DatabaseConfig configures the PostgreSQL+PostGIS connection.
type DatabaseConfig struct {
	URL          string `yaml:"url" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// LLMConfig configures the alignment worker's provider and retry policy.
type LLMConfig struct {
	Provider          string        `yaml:"provider" validate:"required,oneof=claude openai bedrock vertexai"`
	Model             string        `yaml:"model"`
	Endpoint          string        `yaml:"endpoint"`
	APIKey            string        `yaml:"api_key"`
	Temperature       float32       `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
	Timeout           Duration      `yaml:"timeout"`
	MinConfidence     float64       `yaml:"min_confidence"`
	RetryThreshold    float64       `yaml:"retry_threshold"`
	MaxRetries        int           `yaml:"max_retries"`
	ValidatorLLM      bool          `yaml:"validator_llm"`
	QuotaRetryDelay   Duration      `yaml:"quota_retry_delay"`
	QuotaMaxDelay     Duration      `yaml:"quota_max_delay"`
	QuotaBackoffMult  float64       `yaml:"quota_backoff_multiplier"`
	WorkerCount       int           `yaml:"worker_count"`
}

// ContentStoreConfig configures the dedup cache.
type ContentStoreConfig struct {
	Path    string `yaml:"path"`
	Enabled bool   `yaml:"enabled"`
}

// PublisherConfig configures the publishing loop.
type PublisherConfig struct {
	RepoPath         string        `yaml:"repo_path"`
	CheckInterval    Duration      `yaml:"check_interval"`
	DaysToSync       int           `yaml:"days_to_sync"`
	PushEnabled      bool          `yaml:"push_enabled"`
	SQLDumpMinRecs   int           `yaml:"sql_dump_min_records"`
	RatchetPct       float64       `yaml:"sql_dump_ratchet_percentage"`
	AllowEmptySQL    bool          `yaml:"allow_empty_sql_dump"`
}

// ScraperConfig configures scraper orchestration.
type ScraperConfig struct {
	Schedule       string        `yaml:"schedule"`
	Concurrency    int           `yaml:"concurrency"`
	Timeout        Duration      `yaml:"timeout"`
	ScraperDir     string        `yaml:"scraper_dir"`
}

// AlertingConfig configures the Slack health-signal sink.
type AlertingConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// Config is the top-level configuration object.
type Config struct {
	Redis        RedisConfig        `yaml:"redis"`
	Database     DatabaseConfig     `yaml:"database"`
	LLM          LLMConfig          `yaml:"llm"`
	ContentStore ContentStoreConfig `yaml:"content_store"`
	Publisher    PublisherConfig    `yaml:"publisher"`
	Scraper      ScraperConfig      `yaml:"scraper"`
	Alerting     AlertingConfig     `yaml:"alerting"`
}

// Default returns a Config populated with the defaults named in spec.md §6.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			URL:        "redis://localhost:6379/0",
			PoolSize:   10,
			TTLSeconds: 2592000,
		},
		Database: DatabaseConfig{
			URL:          "postgres://localhost:5432/pantry_pirate_radio?sslmode=disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		LLM: LLMConfig{
			Provider:         "claude",
			Temperature:      0.4,
			MaxTokens:        4096,
			Timeout:          Duration(60 * time.Second),
			MinConfidence:    0.85,
			RetryThreshold:   0.5,
			MaxRetries:       5,
			QuotaRetryDelay:  Duration(time.Hour),
			QuotaMaxDelay:    Duration(4 * time.Hour),
			QuotaBackoffMult: 1.5,
			WorkerCount:      1,
		},
		ContentStore: ContentStoreConfig{
			Enabled: false,
		},
		Publisher: PublisherConfig{
			CheckInterval:  Duration(5 * time.Minute),
			DaysToSync:     7,
			PushEnabled:    false,
			SQLDumpMinRecs: 100,
			RatchetPct:     0.9,
		},
		Scraper: ScraperConfig{
			Schedule:    "0 */4 * * *",
			Concurrency: 5,
			Timeout:     Duration(time.Hour),
		},
	}
}

// Load reads a YAML config file (if path is non-empty and exists), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("REDIS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			if n > 50 {
				n = 50
			}
			c.Redis.PoolSize = n
		}
	}
	if v := os.Getenv("REDIS_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.TTLSeconds = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("LLM_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LLM.WorkerCount = n
		}
	}
	if v := os.Getenv("CLAUDE_QUOTA_RETRY_DELAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LLM.QuotaRetryDelay = Duration(time.Duration(n) * time.Second)
		}
	}
	if v := os.Getenv("CLAUDE_QUOTA_MAX_DELAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LLM.QuotaMaxDelay = Duration(time.Duration(n) * time.Second)
		}
	}
	if v := os.Getenv("CLAUDE_QUOTA_BACKOFF_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.LLM.QuotaBackoffMult = f
		}
	}
	if v := os.Getenv("CONTENT_STORE_PATH"); v != "" {
		c.ContentStore.Path = v
		c.ContentStore.Enabled = true
	}
	if v := os.Getenv("CONTENT_STORE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.ContentStore.Enabled = b
		}
	}
	if v := os.Getenv("PUBLISHER_CHECK_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Publisher.CheckInterval = Duration(time.Duration(n) * time.Second)
		}
	}
	if v := os.Getenv("DAYS_TO_SYNC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Publisher.DaysToSync = n
		}
	}
	if v := os.Getenv("PUBLISHER_PUSH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Publisher.PushEnabled = b
		}
	}
	if v := os.Getenv("SQL_DUMP_MIN_RECORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Publisher.SQLDumpMinRecs = n
		}
	}
	if v := os.Getenv("SQL_DUMP_RATCHET_PERCENTAGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Publisher.RatchetPct = f
		}
	}
	if v := os.Getenv("ALLOW_EMPTY_SQL_DUMP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Publisher.AllowEmptySQL = b
		}
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Alerting.SlackWebhookURL = v
	}
}

// Validate checks invariants that Load's defaults alone cannot guarantee
// once a file or the environment has overridden them.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("redis url is required")
	}
	if c.Redis.PoolSize <= 0 || c.Redis.PoolSize > 50 {
		return fmt.Errorf("redis pool size must be between 1 and 50")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	switch c.LLM.Provider {
	case "claude", "openai", "bedrock", "vertexai":
	default:
		return fmt.Errorf("unsupported llm provider: %s", c.LLM.Provider)
	}
	if c.LLM.MinConfidence < c.LLM.RetryThreshold {
		return fmt.Errorf("min_confidence must be >= retry_threshold")
	}
	if c.Publisher.RatchetPct <= 0 || c.Publisher.RatchetPct > 1 {
		return fmt.Errorf("sql dump ratchet percentage must be in (0,1]")
	}
	if c.Scraper.Concurrency <= 0 {
		return fmt.Errorf("scraper concurrency must be greater than 0")
	}
	return nil
}
