// Package config handles loading and managing SSPI configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Scoring  ScoringConfig  `yaml:"scoring"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Storage  StorageConfig  `yaml:"storage"`
	Cache    CacheConfig    `yaml:"cache"`
	Metadata MetadataConfig `yaml:"metadata"`
	Server   ServerConfig   `yaml:"server"`
}

// ScoringConfig controls the scoring window and country universe.
type ScoringConfig struct {
	StartYear int      `yaml:"start_year"`
	EndYear   int      `yaml:"end_year"`
	Countries []string `yaml:"countries"` // overrides the data source when set
}

// JobsConfig controls the background job registry.
type JobsConfig struct {
	Workers        int `yaml:"workers"`
	Queue          int `yaml:"queue"`
	EventBuffer    int `yaml:"event_buffer"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
	RetainSeconds  int `yaml:"retain_seconds"`
}

// Timeout returns the per-job wall-clock ceiling.
func (j JobsConfig) Timeout() time.Duration { return time.Duration(j.TimeoutSeconds) * time.Second }

// Retain returns how long finished jobs stay addressable.
func (j JobsConfig) Retain() time.Duration { return time.Duration(j.RetainSeconds) * time.Second }

// StorageConfig selects the blob backend holding datasets and metadata.
type StorageConfig struct {
	Backend   string `yaml:"backend"` // local, s3, gcs
	LocalPath string `yaml:"local_path"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // S3-compatible endpoint (MinIO)
	Prefix    string `yaml:"prefix"`
}

// CacheConfig selects the score cache backend.
type CacheConfig struct {
	Backend     string `yaml:"backend"` // memory, sqlite, postgres
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// MetadataConfig locates the default configuration.
type MetadataConfig struct {
	DefaultKey string `yaml:"default_key"`
}

// ServerConfig controls the HTTP service.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Scoring: ScoringConfig{
			StartYear: 2000,
			EndYear:   2023,
		},
		Jobs: JobsConfig{
			Workers:        4,
			Queue:          64,
			EventBuffer:    64,
			TimeoutSeconds: 300,
			RetainSeconds:  600,
		},
		Storage: StorageConfig{
			Backend:   "local",
			LocalPath: "data",
		},
		Cache: CacheConfig{
			Backend:    "sqlite",
			SQLitePath: filepath.Join(CacheDir(), "cache.db"),
		},
		Metadata: MetadataConfig{
			DefaultKey: "metadata/default.json",
		},
		Server: ServerConfig{
			Port: "8080",
		},
	}
}

// Load reads a config file from the given path.
// If the file does not exist, it returns the default config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and backend names.
func (c *Config) Validate() error {
	if c.Scoring.StartYear > c.Scoring.EndYear {
		return fmt.Errorf("scoring.start_year %d is after end_year %d", c.Scoring.StartYear, c.Scoring.EndYear)
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1")
	}
	switch c.Storage.Backend {
	case "local", "s3", "gcs":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Cache.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	return nil
}

// ApplyEnv overrides settings from environment variables. getenv is
// usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	set(&c.Server.Port, "PORT")
	set(&c.Cache.DatabaseURL, "DATABASE_URL")
	set(&c.Cache.Backend, "CACHE_BACKEND")
	set(&c.Cache.SQLitePath, "SQLITE_PATH")
	set(&c.Storage.Backend, "STORAGE_BACKEND")
	set(&c.Storage.LocalPath, "STORAGE_PATH")
	set(&c.Storage.Region, "AWS_REGION")
	set(&c.Storage.Endpoint, "S3_ENDPOINT")
	set(&c.Storage.Prefix, "STORAGE_PREFIX")
	set(&c.Metadata.DefaultKey, "DEFAULT_METADATA_KEY")
	switch c.Storage.Backend {
	case "s3":
		set(&c.Storage.Bucket, "S3_BUCKET")
	case "gcs":
		set(&c.Storage.Bucket, "GCS_BUCKET")
	}
	setInt(&c.Jobs.Workers, "JOB_WORKERS")
	setInt(&c.Jobs.TimeoutSeconds, "JOB_TIMEOUT_SECONDS")
	if v := getenv("SCORING_COUNTRIES"); v != "" {
		c.Scoring.Countries = strings.Split(v, ",")
	}
	if c.Cache.DatabaseURL != "" && getenv("CACHE_BACKEND") == "" {
		c.Cache.Backend = "postgres"
	}
}

// FindConfigFile looks for .sspi/config.yaml in the given directory
// and its parents, returning the path if found, or "" if not.
func FindConfigFile(dir string) string {
	for {
		candidate := filepath.Join(dir, ".sspi", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// CacheDir returns the per-user cache directory, ~/.cache/sspi.
func CacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to temp dir if HOME isn't available
		home = os.TempDir()
	}
	return filepath.Join(home, ".cache", "sspi")
}
