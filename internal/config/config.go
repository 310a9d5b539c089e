// Package config defines cloudmount's YAML configuration and its
// defaults, mirroring the nested-struct-plus-yaml-tag layout the rest of
// the stack uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete application configuration.
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Drive   DriveConfig   `yaml:"drive"`
	Remote  RemoteConfig  `yaml:"remote"`
	Network NetworkConfig `yaml:"network"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// DriveConfig holds the mount's identity and local-state layout plus its
// tunables (staleness thresholds, chunk size, bounded waits, blacklists).
type DriveConfig struct {
	AccountID string `yaml:"account_id"` // bound from --apple-id
	MountPoint string `yaml:"mount_point"`
	DBPath     string `yaml:"db_path"`
	CookieDir  string `yaml:"cookie_dir"`
	CacheDir   string `yaml:"cache_dir"`

	// Chunking
	ChunkSize         int64 `yaml:"chunk_size"`          // default 8 MiB
	PartialThreshold  int64 `yaml:"partial_threshold"`   // default 32 MiB

	// Bounded waits
	ReaddirStaleness    time.Duration `yaml:"readdir_staleness"`     // default 60s
	FirstSyncWait       time.Duration `yaml:"first_sync_wait"`       // default 10s
	ChunkWait           time.Duration `yaml:"chunk_wait"`            // default 30s

	// Retry/backoff
	BaseBackoff time.Duration `yaml:"base_backoff"` // default 30s
	RetryCap    int           `yaml:"retry_cap"`     // default 5

	// Process identities that must never trigger fetches
	IndexerBlacklist []string `yaml:"indexer_blacklist"`
	// Name prefixes that never trigger an upload on release
	TempFilePrefixes []string `yaml:"temp_file_prefixes"`
}

// RemoteConfig selects and configures the concrete remote client backend.
type RemoteConfig struct {
	Backend string          `yaml:"backend"` // e.g. "s3"
	S3      RemoteS3Config  `yaml:"s3"`
}

// RemoteS3Config configures the reference S3-backed remote client.
type RemoteS3Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// NetworkConfig holds retry/backoff/circuit-breaker tunables for the
// sync engine's remote calls.
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig holds per-phase network timeouts.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Request time.Duration `yaml:"request"`
}

// CircuitBreakerConfig configures the breaker wrapping remote calls.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// NewDefault returns a Configuration with its defaults set explicitly
// (chunk size 8 MiB, partial threshold 32 MiB, 60s staleness, 10s
// first-sync wait, 30s chunk wait, 30s base backoff, retry cap 5).
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "info",
		},
		Drive: DriveConfig{
			ChunkSize:        8 * 1024 * 1024,
			PartialThreshold: 32 * 1024 * 1024,
			ReaddirStaleness: 60 * time.Second,
			FirstSyncWait:    10 * time.Second,
			ChunkWait:        30 * time.Second,
			BaseBackoff:      30 * time.Second,
			RetryCap:         5,
			IndexerBlacklist: []string{
				"baloo_file_extractor", "tracker-extract", "tracker-miner-fs",
				"mdworker", "mds_stores", "nautilus", "nemo",
			},
			TempFilePrefixes: []string{
				".~lock.", "~$", ".goutputstream-", ".trash-", ".#",
			},
		},
		Remote: RemoteConfig{
			Backend: "s3",
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Request: 30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Cooldown:         60 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9477",
		},
	}
}

// LoadFromFile loads configuration from a YAML file, overlaying onto
// whatever defaults c already holds.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// SaveToFile persists the configuration as YAML.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the fields the daemon cannot run without.
func (c *Configuration) Validate() error {
	if c.Drive.MountPoint == "" {
		return fmt.Errorf("drive.mount_point (--mount-point) is required")
	}
	if c.Drive.DBPath == "" {
		return fmt.Errorf("drive.db_path (--db-path) is required")
	}
	if c.Drive.ChunkSize <= 0 {
		return fmt.Errorf("drive.chunk_size must be greater than 0")
	}
	if c.Drive.PartialThreshold < c.Drive.ChunkSize {
		return fmt.Errorf("drive.partial_threshold must be >= chunk_size")
	}
	if c.Drive.RetryCap <= 0 {
		return fmt.Errorf("drive.retry_cap must be greater than 0")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	ok := false
	for _, l := range validLevels {
		if c.Global.LogLevel == l {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid global.log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLevels, ", "))
	}
	return nil
}

// IsBlacklisted reports whether the given process command-line identity is
// on the indexer blacklist: such callers are denied reads
// with EACCES without triggering any remote fetch.
func (c *DriveConfig) IsBlacklisted(processName string) bool {
	for _, b := range c.IndexerBlacklist {
		if b == processName {
			return true
		}
	}
	return false
}

// IsTempFile reports whether name matches a configured temp-file prefix
// (editor swap files, trash placeholders) that must not trigger an upload
// on release.
func (c *DriveConfig) IsTempFile(name string) bool {
	for _, prefix := range c.TempFilePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
