// Package config provides unified configuration for all Driftline services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftline/driftline/internal/query"
	"github.com/driftline/driftline/internal/source"
	"github.com/driftline/driftline/internal/sync"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll   Mode = "all"
	ModeSync  Mode = "sync"
	ModeQuery Mode = "query"
)

// Config holds the unified configuration for all Driftline services.
type Config struct {
	// Mode specifies which services to run: all, sync, query
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all local databases
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Source is the inbound change-event feed
	Source source.RedisConfig `json:"source" yaml:"source"`

	// Sync pipeline configuration
	Sync sync.Config `json:"sync" yaml:"sync"`

	// Index backend configuration
	Index IndexConfig `json:"index" yaml:"index"`

	// Lookup is the source-of-truth read API used for denormalization
	Lookup LookupConfig `json:"lookup" yaml:"lookup"`

	// Checkpoint configuration
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`

	// DeadLetter archive configuration
	DeadLetter DeadLetterConfig `json:"deadletter" yaml:"deadletter"`

	// Query service configuration
	Query query.Config `json:"query" yaml:"query"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP API listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// IndexConfig holds index backend configuration.
type IndexConfig struct {
	// Backend is the index backend: local, opensearch
	Backend string `json:"backend" yaml:"backend"`

	// Path is the local index database path (for local backend)
	Path string `json:"path" yaml:"path"`

	// OpenSearch configuration (for opensearch backend)
	OpenSearch OpenSearchConfig `json:"opensearch" yaml:"opensearch"`
}

// OpenSearchConfig holds the OpenSearch backend settings.
type OpenSearchConfig struct {
	// Endpoint is the cluster base URL
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Username and Password enable basic auth when set
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`

	// Timeout is the per-request timeout
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// LookupConfig holds the source-of-truth lookup API settings.
type LookupConfig struct {
	// BaseURL is the lookup API base URL
	BaseURL string `json:"base_url" yaml:"base_url"`

	// Timeout is the per-lookup timeout
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// CacheAddr enables the Redis user-snapshot cache when set
	CacheAddr string `json:"cache_addr" yaml:"cache_addr"`

	// CacheTTL is the snapshot cache TTL
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// CheckpointConfig holds checkpoint flush settings.
type CheckpointConfig struct {
	// FlushInterval is how often checkpoints are persisted
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DeadLetterConfig holds dead-letter archive settings.
type DeadLetterConfig struct {
	// ArchiveEnabled turns on the archive sweeper
	ArchiveEnabled bool `json:"archive_enabled" yaml:"archive_enabled"`

	// ArchiveInterval is the sweep interval
	ArchiveInterval time.Duration `json:"archive_interval" yaml:"archive_interval"`

	// ArchiveBatchSize is the maximum entries per archive object
	ArchiveBatchSize int `json:"archive_batch_size" yaml:"archive_batch_size"`

	// Storage is the archive destination: local, s3
	Storage string `json:"storage" yaml:"storage"`

	// Path is the local archive directory (for local storage)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 storage)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 archive storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/driftline",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Source: source.RedisConfig{
			Addr: "localhost:6379",
			Streams: []string{
				"cdc:users", "cdc:posts", "cdc:comments",
				"cdc:likes", "cdc:follows", "cdc:hashtags",
			},
			Group:    "driftline",
			Consumer: "driftline-1",
		},
		Sync: sync.DefaultConfig(),
		Index: IndexConfig{
			Backend: "local",
			OpenSearch: OpenSearchConfig{
				Timeout: 10 * time.Second,
			},
		},
		Lookup: LookupConfig{
			BaseURL:  "http://localhost:8000",
			Timeout:  5 * time.Second,
			CacheTTL: 5 * time.Minute,
		},
		Checkpoint: CheckpointConfig{
			FlushInterval: 2 * time.Second,
		},
		DeadLetter: DeadLetterConfig{
			ArchiveEnabled:   false,
			ArchiveInterval:  5 * time.Minute,
			ArchiveBatchSize: 500,
			Storage:          "local",
		},
		Query: query.DefaultConfig(),
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/driftline"
	}
	if c.Index.Path == "" {
		c.Index.Path = filepath.Join(c.DataDir, "index.db")
	}
	if c.DeadLetter.Path == "" {
		c.DeadLetter.Path = filepath.Join(c.DataDir, "archive")
	}
}

// CheckpointPath returns the path to the checkpoint database.
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.DataDir, "checkpoints.db")
}

// DeadLetterPath returns the path to the dead-letter database.
func (c *Config) DeadLetterPath() string {
	return filepath.Join(c.DataDir, "deadletter.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeSync, ModeQuery:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, sync, or query)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Index.Backend != "local" && c.Index.Backend != "opensearch" {
		return fmt.Errorf("invalid index backend: %s (must be local or opensearch)", c.Index.Backend)
	}
	if c.Index.Backend == "opensearch" && c.Index.OpenSearch.Endpoint == "" {
		return fmt.Errorf("opensearch.endpoint is required when index backend is opensearch")
	}

	if c.ShouldRunSync() {
		if c.Source.Addr == "" {
			return fmt.Errorf("source.addr is required when sync runs")
		}
		if len(c.Source.Streams) == 0 {
			return fmt.Errorf("source.streams is required when sync runs")
		}
		if c.Source.Group == "" || c.Source.Consumer == "" {
			return fmt.Errorf("source.group and source.consumer are required when sync runs")
		}
	}

	if c.DeadLetter.Storage != "local" && c.DeadLetter.Storage != "s3" {
		return fmt.Errorf("invalid deadletter storage: %s (must be local or s3)", c.DeadLetter.Storage)
	}
	if c.DeadLetter.ArchiveEnabled && c.DeadLetter.Storage == "s3" && c.DeadLetter.S3.Bucket == "" {
		return fmt.Errorf("deadletter.s3.bucket is required when archive storage is s3")
	}

	return nil
}

// ShouldRunSync returns true if the sync pipeline should run.
func (c *Config) ShouldRunSync() bool {
	return c.Mode == ModeAll || c.Mode == ModeSync
}

// ShouldRunQuery returns true if the query service should run.
func (c *Config) ShouldRunQuery() bool {
	return c.Mode == ModeAll || c.Mode == ModeQuery
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the DRIFTLINE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("DRIFTLINE_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("DRIFTLINE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("DRIFTLINE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Source configuration
	if v := os.Getenv("DRIFTLINE_SOURCE_ADDR"); v != "" {
		cfg.Source.Addr = v
	}
	if v := os.Getenv("DRIFTLINE_SOURCE_PASSWORD"); v != "" {
		cfg.Source.Password = v
	}
	if v := os.Getenv("DRIFTLINE_SOURCE_STREAMS"); v != "" {
		cfg.Source.Streams = strings.Split(v, ",")
	}
	if v := os.Getenv("DRIFTLINE_SOURCE_GROUP"); v != "" {
		cfg.Source.Group = v
	}
	if v := os.Getenv("DRIFTLINE_SOURCE_CONSUMER"); v != "" {
		cfg.Source.Consumer = v
	}

	// Sync configuration
	if v := os.Getenv("DRIFTLINE_SYNC_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Sync.Workers)
	}
	if v := os.Getenv("DRIFTLINE_SYNC_MAX_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Sync.Retry.MaxAttempts)
	}

	// Index configuration
	if v := os.Getenv("DRIFTLINE_INDEX_BACKEND"); v != "" {
		cfg.Index.Backend = v
	}
	if v := os.Getenv("DRIFTLINE_OPENSEARCH_ENDPOINT"); v != "" {
		cfg.Index.OpenSearch.Endpoint = v
	}
	if v := os.Getenv("DRIFTLINE_OPENSEARCH_USERNAME"); v != "" {
		cfg.Index.OpenSearch.Username = v
	}
	if v := os.Getenv("DRIFTLINE_OPENSEARCH_PASSWORD"); v != "" {
		cfg.Index.OpenSearch.Password = v
	}

	// Lookup configuration
	if v := os.Getenv("DRIFTLINE_LOOKUP_BASE_URL"); v != "" {
		cfg.Lookup.BaseURL = v
	}
	if v := os.Getenv("DRIFTLINE_LOOKUP_CACHE_ADDR"); v != "" {
		cfg.Lookup.CacheAddr = v
	}

	// Checkpoint configuration
	if v := os.Getenv("DRIFTLINE_CHECKPOINT_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Checkpoint.FlushInterval = d
		}
	}

	// Dead-letter archive configuration
	if v := os.Getenv("DRIFTLINE_ARCHIVE_ENABLED"); v != "" {
		cfg.DeadLetter.ArchiveEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DRIFTLINE_ARCHIVE_STORAGE"); v != "" {
		cfg.DeadLetter.Storage = v
	}
	if v := os.Getenv("DRIFTLINE_ARCHIVE_S3_BUCKET"); v != "" {
		cfg.DeadLetter.S3.Bucket = v
	}
	if v := os.Getenv("DRIFTLINE_ARCHIVE_S3_REGION"); v != "" {
		cfg.DeadLetter.S3.Region = v
	}
	if v := os.Getenv("DRIFTLINE_ARCHIVE_S3_ENDPOINT"); v != "" {
		cfg.DeadLetter.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.DeadLetter.ArchiveEnabled && c.DeadLetter.Storage == "local" {
		dirs = append(dirs, c.DeadLetter.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
