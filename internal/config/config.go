// Package config handles configuration loading and validation for needlestack.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/needlestack/needlestack/pkg/bytesize"
)

// ClusterConfig describes the deployment every service needs to know
// about: where the other tiers live and how the volume topology is laid
// out. Machine URLs are indexed by machine id, cache URLs by cache shard.
type ClusterConfig struct {
	DirectoryURLs []string `yaml:"directory_urls"`
	CacheURLs     []string `yaml:"cache_urls"`
	MachineURLs   []string `yaml:"machine_urls"`

	LogicalVolumes    int `yaml:"logical_volumes"`
	ReplicasPerVolume int `yaml:"replicas_per_volume"`

	BatchSize          int `yaml:"batch_size"`
	CandidateThreshold int `yaml:"candidate_threshold"`
}

// StoreConfig holds configuration for a store machine.
type StoreConfig struct {
	Listen     string        `yaml:"listen"`
	DataDir    string        `yaml:"data_dir"`
	MaxPayload bytesize.Size `yaml:"max_payload"` // e.g. "16MB"; zero = unlimited
}

// ExtractorConfig selects the feature extractor a directory replica uses.
type ExtractorConfig struct {
	Mode string `yaml:"mode"` // "local" or "remote"
	URL  string `yaml:"url"`  // Embedding service base URL (remote mode only)
}

// DirectoryConfig holds configuration for a directory replica.
type DirectoryConfig struct {
	Listen    string          `yaml:"listen"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Extractor ExtractorConfig `yaml:"extractor"`
}

// RedisConfig holds the connection settings for a Redis cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig holds configuration for a cache shard.
type CacheConfig struct {
	Listen       string      `yaml:"listen"`
	Backend      string      `yaml:"backend"` // "memory" or "redis"
	Redis        RedisConfig `yaml:"redis"`
	StoreTimeout string      `yaml:"store_timeout"` // Duration string, e.g. "30s"
}

// GatewayConfig holds configuration for the public gateway.
type GatewayConfig struct {
	Listen     string        `yaml:"listen"`
	Cluster    ClusterConfig `yaml:"cluster"`
	WriteRate  float64       `yaml:"write_rate"`  // Photos per second; 0 = unlimited
	WriteBurst int           `yaml:"write_burst"` // Burst size for the write limiter
	Timeout    string        `yaml:"timeout"`     // Fan-out timeout, e.g. "30s"
}

func (c *ClusterConfig) applyDefaults() {
	if c.LogicalVolumes == 0 {
		c.LogicalVolumes = 20
	}
	if c.ReplicasPerVolume == 0 {
		c.ReplicasPerVolume = 2
	}
	if c.BatchSize == 0 {
		c.BatchSize = 16
	}
	if c.CandidateThreshold == 0 {
		c.CandidateThreshold = 20
	}
}

// Machines reports the number of store machines in the cluster.
func (c *ClusterConfig) Machines() int {
	return len(c.MachineURLs)
}

// CacheShards reports the number of cache shards in the cluster.
func (c *ClusterConfig) CacheShards() int {
	return len(c.CacheURLs)
}

// Validate checks the cluster layout is usable.
func (c *ClusterConfig) Validate() error {
	if len(c.DirectoryURLs) == 0 {
		return fmt.Errorf("cluster.directory_urls is required")
	}
	if len(c.MachineURLs) == 0 {
		return fmt.Errorf("cluster.machine_urls is required")
	}
	if len(c.CacheURLs) == 0 {
		return fmt.Errorf("cluster.cache_urls is required")
	}
	if c.ReplicasPerVolume > len(c.MachineURLs) {
		return fmt.Errorf("replicas_per_volume (%d) exceeds machine count (%d): replicas must land on distinct machines",
			c.ReplicasPerVolume, len(c.MachineURLs))
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	return nil
}

// LoadStoreConfig loads store machine configuration from a YAML file.
func LoadStoreConfig(path string) (*StoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &StoreConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = ":7000"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/needlestack"
	}
	cfg.DataDir = expandHome(cfg.DataDir)

	return cfg, nil
}

// Validate checks if the store configuration is valid.
func (c *StoreConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}

// LoadDirectoryConfig loads directory replica configuration from a YAML file.
func LoadDirectoryConfig(path string) (*DirectoryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &DirectoryConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = ":5001"
	}
	if cfg.Extractor.Mode == "" {
		cfg.Extractor.Mode = "local"
	}
	cfg.Cluster.applyDefaults()

	return cfg, nil
}

// Validate checks if the directory configuration is valid.
func (c *DirectoryConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.Extractor.Mode {
	case "local":
	case "remote":
		if c.Extractor.URL == "" {
			return fmt.Errorf("extractor.url is required in remote mode")
		}
	default:
		return fmt.Errorf("extractor.mode must be %q or %q", "local", "remote")
	}
	return c.Cluster.Validate()
}

// LoadCacheConfig loads cache shard configuration from a YAML file.
func LoadCacheConfig(path string) (*CacheConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &CacheConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = ":6001"
	}
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.StoreTimeout == "" {
		cfg.StoreTimeout = "30s"
	}

	return cfg, nil
}

// StoreTimeoutDuration parses the configured store fetch timeout.
func (c *CacheConfig) StoreTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.StoreTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid store_timeout: %w", err)
	}
	return d, nil
}

// Validate checks if the cache configuration is valid.
func (c *CacheConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("backend must be %q or %q", "memory", "redis")
	}
	if _, err := c.StoreTimeoutDuration(); err != nil {
		return err
	}
	return nil
}

// LoadGatewayConfig loads gateway configuration from a YAML file.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &GatewayConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = ":8000"
	}
	if cfg.Timeout == "" {
		cfg.Timeout = "30s"
	}
	cfg.Cluster.applyDefaults()

	return cfg, nil
}

// TimeoutDuration parses the configured fan-out timeout.
func (c *GatewayConfig) TimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout: %w", err)
	}
	return d, nil
}

// Validate checks if the gateway configuration is valid.
func (c *GatewayConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.WriteRate < 0 {
		return fmt.Errorf("write_rate must not be negative")
	}
	if _, err := c.TimeoutDuration(); err != nil {
		return err
	}
	return c.Cluster.Validate()
}

// expandHome replaces a leading ~/ with the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
