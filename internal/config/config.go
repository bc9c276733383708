// Package config provides unified configuration for the offsync proxy and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// PolicyName selects the cache policy the interceptor uses.
type PolicyName string

const (
	PolicyTimestamp PolicyName = "timestamp"
	PolicyNetwork   PolicyName = "network"
)

// ConnectivityMode selects how the connectivity oracle decides.
type ConnectivityMode string

const (
	// ConnectivityProbe issues a HEAD request against ProbeURL.
	ConnectivityProbe ConnectivityMode = "probe"
	// ConnectivityOnline always reports online until toggled.
	ConnectivityOnline ConnectivityMode = "online"
	// ConnectivityOffline always reports offline until toggled.
	ConnectivityOffline ConnectivityMode = "offline"
)

// Config holds the unified configuration.
type Config struct {
	// DataDir is the base directory for all local files
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`

	// HTTP configuration for the local proxy
	HTTP HTTPConfig `json:"http" yaml:"http" toml:"http"`

	// Upstream is the remote service being cached
	Upstream UpstreamConfig `json:"upstream" yaml:"upstream" toml:"upstream"`

	// Store configuration
	Store StoreConfig `json:"store" yaml:"store" toml:"store"`

	// Policy configuration
	Policy PolicyConfig `json:"policy" yaml:"policy" toml:"policy"`

	// Connectivity configuration
	Connectivity ConnectivityConfig `json:"connectivity" yaml:"connectivity" toml:"connectivity"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log" toml:"log"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" toml:"metrics"`

	// Snapshot configuration
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot" toml:"snapshot"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the listen address of the proxy
	Addr string `json:"addr" yaml:"addr" toml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout"`

	// ShutdownTimeout bounds the drain of in-flight requests
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// UpstreamConfig describes the remote table service.
type UpstreamConfig struct {
	// BaseURL is prefixed to every forwarded request path
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"`

	// Timeout bounds each upstream call
	Timeout time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`

	// ForwardHeaders lists request headers copied to upstream calls
	ForwardHeaders []string `json:"forward_headers" yaml:"forward_headers" toml:"forward_headers"`

	// MaxResponseBytes bounds an upstream response body; 0 uses the default
	MaxResponseBytes int64 `json:"max_response_bytes" yaml:"max_response_bytes" toml:"max_response_bytes"`
}

// StoreConfig holds local store configuration.
type StoreConfig struct {
	// Path is the SQLite database file
	Path string `json:"path" yaml:"path" toml:"path"`

	// AutoIndexThreshold indexes a column once this many reads have filtered
	// on it; 0 disables automatic indexing
	AutoIndexThreshold int64 `json:"auto_index_threshold" yaml:"auto_index_threshold" toml:"auto_index_threshold"`
}

// PolicyConfig holds cache policy configuration.
type PolicyConfig struct {
	// Name is the policy: timestamp or network
	Name PolicyName `json:"name" yaml:"name" toml:"name"`

	// Tables restricts caching to these tables; empty caches every table
	Tables []string `json:"tables" yaml:"tables" toml:"tables"`
}

// ConnectivityConfig holds connectivity oracle configuration.
type ConnectivityConfig struct {
	// Mode is probe, online or offline
	Mode ConnectivityMode `json:"mode" yaml:"mode" toml:"mode"`

	// ProbeURL is checked with HEAD; defaults to the upstream base URL
	ProbeURL string `json:"probe_url" yaml:"probe_url" toml:"probe_url"`

	// ProbeTimeout bounds a single probe
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout" toml:"probe_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level" toml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format" toml:"format"`

	// Path is a rotated log file; empty logs to stderr
	Path string `json:"path" yaml:"path" toml:"path"`

	// MaxSizeMB is the size at which the log file rotates
	MaxSizeMB int `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`

	// MaxBackups is the number of rotated files kept
	MaxBackups int `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled exposes metrics on the proxy
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`

	// Path is the HTTP path for the metrics endpoint
	Path string `json:"path" yaml:"path" toml:"path"`
}

// SnapshotConfig holds snapshot storage configuration.
type SnapshotConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type" toml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path" toml:"path"`

	// Keep is the number of snapshots retained; 0 keeps all
	Keep int `json:"keep" yaml:"keep" toml:"keep"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3" toml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket" toml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region" toml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`

	// UsePathStyle forces path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style" toml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/offsync",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			Timeout:        30 * time.Second,
			ForwardHeaders: []string{"Authorization", "ZUMO-API-VERSION"},
		},
		Store: StoreConfig{
			AutoIndexThreshold: 50,
		},
		Policy: PolicyConfig{
			Name: PolicyTimestamp,
		},
		Connectivity: ConnectivityConfig{
			Mode:         ConnectivityProbe,
			ProbeTimeout: 3 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Snapshot: SnapshotConfig{
			Type: "local",
			Keep: 10,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/offsync"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "offsync.db")
	}
	if c.Snapshot.Path == "" {
		c.Snapshot.Path = filepath.Join(c.DataDir, "snapshots")
	}
	if c.Connectivity.ProbeURL == "" {
		c.Connectivity.ProbeURL = c.Upstream.BaseURL
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Policy.Name {
	case PolicyTimestamp, PolicyNetwork:
	default:
		return fmt.Errorf("invalid policy: %s (must be timestamp or network)", c.Policy.Name)
	}

	switch c.Connectivity.Mode {
	case ConnectivityProbe:
		if c.Connectivity.ProbeURL == "" && c.Upstream.BaseURL == "" {
			return fmt.Errorf("connectivity.probe_url or upstream.base_url is required in probe mode")
		}
	case ConnectivityOnline, ConnectivityOffline:
	default:
		return fmt.Errorf("invalid connectivity mode: %s (must be probe, online, or offline)", c.Connectivity.Mode)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	if c.Snapshot.Type != "local" && c.Snapshot.Type != "s3" {
		return fmt.Errorf("invalid snapshot type: %s (must be local or s3)", c.Snapshot.Type)
	}

	if c.Snapshot.Type == "s3" && c.Snapshot.S3.Bucket == "" {
		return fmt.Errorf("snapshot.s3.bucket is required when snapshot type is s3")
	}

	if c.Store.AutoIndexThreshold < 0 {
		return fmt.Errorf("store.auto_index_threshold must be >= 0, got %d", c.Store.AutoIndexThreshold)
	}

	if c.Upstream.MaxResponseBytes < 0 {
		return fmt.Errorf("upstream.max_response_bytes must be >= 0, got %d", c.Upstream.MaxResponseBytes)
	}

	if c.Snapshot.Keep < 0 {
		return fmt.Errorf("snapshot.keep must be >= 0, got %d", c.Snapshot.Keep)
	}

	return nil
}

// Cacheable reports whether the configured policy should cache table.
func (c *Config) Cacheable(table string) bool {
	if len(c.Policy.Tables) == 0 {
		return true
	}
	for _, t := range c.Policy.Tables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

// LoadFromFile loads configuration from a YAML, JSON or TOML file.
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
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the OFFSYNC_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("OFFSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("OFFSYNC_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Upstream configuration
	if v := os.Getenv("OFFSYNC_UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("OFFSYNC_UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.Timeout = d
		}
	}

	// Store configuration
	if v := os.Getenv("OFFSYNC_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}

	// Policy configuration
	if v := os.Getenv("OFFSYNC_POLICY"); v != "" {
		cfg.Policy.Name = PolicyName(v)
	}
	if v := os.Getenv("OFFSYNC_POLICY_TABLES"); v != "" {
		cfg.Policy.Tables = splitList(v)
	}

	// Connectivity configuration
	if v := os.Getenv("OFFSYNC_CONNECTIVITY_MODE"); v != "" {
		cfg.Connectivity.Mode = ConnectivityMode(v)
	}
	if v := os.Getenv("OFFSYNC_CONNECTIVITY_PROBE_URL"); v != "" {
		cfg.Connectivity.ProbeURL = v
	}

	// Log configuration
	if v := os.Getenv("OFFSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OFFSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("OFFSYNC_LOG_PATH"); v != "" {
		cfg.Log.Path = v
	}

	// Metrics configuration
	if v := os.Getenv("OFFSYNC_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}

	// Snapshot configuration
	if v := os.Getenv("OFFSYNC_SNAPSHOT_TYPE"); v != "" {
		cfg.Snapshot.Type = v
	}
	if v := os.Getenv("OFFSYNC_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("OFFSYNC_SNAPSHOT_KEEP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Snapshot.Keep = n
		}
	}
	if v := os.Getenv("OFFSYNC_S3_BUCKET"); v != "" {
		cfg.Snapshot.S3.Bucket = v
	}
	if v := os.Getenv("OFFSYNC_S3_REGION"); v != "" {
		cfg.Snapshot.S3.Region = v
	}
	if v := os.Getenv("OFFSYNC_S3_ENDPOINT"); v != "" {
		cfg.Snapshot.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, filepath.Dir(c.Store.Path)}
	if c.Snapshot.Type == "local" {
		dirs = append(dirs, c.Snapshot.Path)
	}
	if c.Log.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Log.Path))
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

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
