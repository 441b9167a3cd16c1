// Package serverconfig defines the typed configuration struct the core
// consumes, its YAML loader, defaults, and validation. The core never sees
// YAML; it receives a frozen Config.
//
// © 2025 nvecd authors. MIT License.
package serverconfig

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration (spec keys, §6).
type Config struct {
	Events     EventsConfig     `yaml:"events"`
	Vectors    VectorsConfig    `yaml:"vectors"`
	Similarity SimilarityConfig `yaml:"similarity"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Perf       PerfConfig       `yaml:"perf"`
	API        APIConfig        `yaml:"api"`
	Network    NetworkConfig    `yaml:"network"`
	Cache      CacheConfig      `yaml:"cache"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type EventsConfig struct {
	CtxBufferSize    int     `yaml:"ctx_buffer_size"`
	DecayIntervalSec int     `yaml:"decay_interval_sec"`
	DecayAlpha       float32 `yaml:"decay_alpha"`
	DedupWindowSec   int64   `yaml:"dedup_window_sec"`
	DedupCacheSize   int     `yaml:"dedup_cache_size"`
}

type VectorsConfig struct {
	DefaultDimension int    `yaml:"default_dimension"`
	DistanceMetric   string `yaml:"distance_metric"` // cosine|dot|l2
}

type SimilarityConfig struct {
	DefaultTopK int     `yaml:"default_top_k"`
	MaxTopK     int     `yaml:"max_top_k"`
	FusionAlpha float32 `yaml:"fusion_alpha"`
	FusionBeta  float32 `yaml:"fusion_beta"`
}

type SnapshotConfig struct {
	Dir             string `yaml:"dir"`
	DefaultFilename string `yaml:"default_filename"`
	IntervalSec     int    `yaml:"interval_sec"`
	Retain          int    `yaml:"retain"`
}

type PerfConfig struct {
	ThreadPoolSize       int `yaml:"thread_pool_size"`
	ThreadPoolQueueSize  int `yaml:"thread_pool_queue_size"`
	MaxConnections       int `yaml:"max_connections"`
	ConnectionTimeoutSec int `yaml:"connection_timeout_sec"`
	MaxQueryLength       int `yaml:"max_query_length"`
}

type APIConfig struct {
	TCP TCPConfig `yaml:"tcp"`
}

type TCPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type NetworkConfig struct {
	AllowCIDRs []string `yaml:"allow_cidrs"`
}

type CacheConfig struct {
	Enabled            bool    `yaml:"enabled"`
	MaxMemoryBytes     int64   `yaml:"max_memory_bytes"`
	MinQueryCostMs     float64 `yaml:"min_query_cost_ms"`
	TTLSeconds         int     `yaml:"ttl_seconds"`
	CompressionEnabled bool    `yaml:"compression_enabled"`
	EvictionBatchSize  int     `yaml:"eviction_batch_size"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a Config with every knob at its documented default.
func Default() Config {
	return Config{
		Events: EventsConfig{
			CtxBufferSize:    128,
			DecayIntervalSec: 0,
			DecayAlpha:       0.98,
			DedupWindowSec:   60,
			DedupCacheSize:   10000,
		},
		Vectors: VectorsConfig{
			DefaultDimension: 0,
			DistanceMetric:   "cosine",
		},
		Similarity: SimilarityConfig{
			DefaultTopK: 10,
			MaxTopK:     100,
			FusionAlpha: 0.5,
			FusionBeta:  0.5,
		},
		Snapshot: SnapshotConfig{
			Dir:             "./snapshots",
			DefaultFilename: "nvecd.dmp",
			IntervalSec:     0,
			Retain:          3,
		},
		Perf: PerfConfig{
			ThreadPoolSize:       runtime.NumCPU(),
			ThreadPoolQueueSize:  256,
			MaxConnections:       128,
			ConnectionTimeoutSec: 30,
			MaxQueryLength:       1 << 20,
		},
		API: APIConfig{TCP: TCPConfig{Bind: "127.0.0.1", Port: 9821}},
		Network: NetworkConfig{
			AllowCIDRs: []string{"127.0.0.0/8"},
		},
		Cache: CacheConfig{
			Enabled:            true,
			MaxMemoryBytes:     64 << 20,
			MinQueryCostMs:     0,
			TTLSeconds:         0,
			CompressionEnabled: true,
			EvictionBatchSize:  32,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("serverconfig: config file not found: %w", err)
		}
		return cfg, fmt.Errorf("serverconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("serverconfig: yaml: %w", err)
	}
	if cfg.Perf.ThreadPoolSize == 0 {
		cfg.Perf.ThreadPoolSize = runtime.NumCPU()
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every range constraint from the configuration contract.
// It reports every violation found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	if c.Events.CtxBufferSize < 1 {
		errs = append(errs, fmt.Errorf("events.ctx_buffer_size must be >= 1, got %d", c.Events.CtxBufferSize))
	}
	if c.Events.DecayAlpha <= 0 || c.Events.DecayAlpha > 1 {
		errs = append(errs, fmt.Errorf("events.decay_alpha must be in (0,1], got %v", c.Events.DecayAlpha))
	}
	if c.Events.DedupWindowSec < 0 {
		errs = append(errs, fmt.Errorf("events.dedup_window_sec must be >= 0, got %d", c.Events.DedupWindowSec))
	}
	switch c.Vectors.DistanceMetric {
	case "cosine", "dot", "l2":
	default:
		errs = append(errs, fmt.Errorf("vectors.distance_metric must be cosine|dot|l2, got %q", c.Vectors.DistanceMetric))
	}
	if c.Similarity.DefaultTopK < 1 {
		errs = append(errs, fmt.Errorf("similarity.default_top_k must be >= 1, got %d", c.Similarity.DefaultTopK))
	}
	if c.Similarity.MaxTopK < c.Similarity.DefaultTopK {
		errs = append(errs, fmt.Errorf("similarity.max_top_k (%d) must be >= default_top_k (%d)",
			c.Similarity.MaxTopK, c.Similarity.DefaultTopK))
	}
	if c.Similarity.FusionAlpha < 0 || c.Similarity.FusionAlpha > 1 {
		errs = append(errs, fmt.Errorf("similarity.fusion_alpha must be in [0,1], got %v", c.Similarity.FusionAlpha))
	}
	if c.Similarity.FusionBeta < 0 || c.Similarity.FusionBeta > 1 {
		errs = append(errs, fmt.Errorf("similarity.fusion_beta must be in [0,1], got %v", c.Similarity.FusionBeta))
	}
	if c.Snapshot.IntervalSec < 0 {
		errs = append(errs, fmt.Errorf("snapshot.interval_sec must be >= 0, got %d", c.Snapshot.IntervalSec))
	}
	if c.Snapshot.Retain < 0 {
		errs = append(errs, fmt.Errorf("snapshot.retain must be >= 0, got %d", c.Snapshot.Retain))
	}
	if c.Perf.ThreadPoolSize < 1 {
		errs = append(errs, fmt.Errorf("perf.thread_pool_size must be >= 1, got %d", c.Perf.ThreadPoolSize))
	}
	if c.Perf.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("perf.max_connections must be >= 1, got %d", c.Perf.MaxConnections))
	}
	if c.Perf.MaxQueryLength < 1 {
		errs = append(errs, fmt.Errorf("perf.max_query_length must be >= 1, got %d", c.Perf.MaxQueryLength))
	}
	if c.API.TCP.Port < 0 || c.API.TCP.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.tcp.port must be in 0..65535, got %d", c.API.TCP.Port))
	}
	for _, cidr := range c.Network.AllowCIDRs {
		// Invalid entries are skipped with a warning at admission time, not
		// rejected here; flag only entries that cannot possibly parse.
		if !strings.Contains(cidr, "/") {
			errs = append(errs, fmt.Errorf("network.allow_cidrs entry %q is not a.b.c.d/m form", cidr))
		}
	}
	if c.Cache.MaxMemoryBytes <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_memory_bytes must be > 0, got %d", c.Cache.MaxMemoryBytes))
	}
	if c.Cache.MinQueryCostMs < 0 {
		errs = append(errs, fmt.Errorf("cache.min_query_cost_ms must be >= 0, got %v", c.Cache.MinQueryCostMs))
	}
	if c.Cache.TTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl_seconds must be >= 0, got %d", c.Cache.TTLSeconds))
	}
	if c.Cache.EvictionBatchSize < 1 {
		errs = append(errs, fmt.Errorf("cache.eviction_batch_size must be >= 1, got %d", c.Cache.EvictionBatchSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("serverconfig: validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// Dump renders the effective configuration as YAML, used by CONFIG SHOW.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("serverconfig: marshal: %w", err)
	}
	return string(out), nil
}
