// Package config loads and validates the GateWatch configuration from a
// YAML file with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/types"
)

// Config represents the complete application configuration.
type Config struct {
	Platform   PlatformConfig   `yaml:"platform"`
	NATS       NATSConfig       `yaml:"nats"`
	Gateways   []types.Gateway  `yaml:"gateways"`
	GeoIP      GeoIPConfig      `yaml:"geoip"`
	Batch      BatchConfig      `yaml:"batch"`
	WriteQueue WriteQueueConfig `yaml:"write_queue"`
	Storage    StorageConfig    `yaml:"storage"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Fanout     FanoutConfig     `yaml:"fanout"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// PlatformConfig defines process identity.
type PlatformConfig struct {
	ID          string `yaml:"id"`
	Environment string `yaml:"environment,omitempty"`
}

// NATSConfig defines the optional internal event bus connection.
type NATSConfig struct {
	URL           string        `yaml:"url,omitempty"` // empty = local-only mode
	Token         string        `yaml:"token,omitempty"`
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	ReconnectWait time.Duration `yaml:"reconnect_wait,omitempty"`
}

// GeoIPConfig controls the enrichment service.
type GeoIPConfig struct {
	Mode            string        `yaml:"mode,omitempty"` // "local" or "online"
	CountryMMDB     string        `yaml:"country_mmdb,omitempty"`
	ASNMMDB         string        `yaml:"asn_mmdb,omitempty"`
	OnlineURL       string        `yaml:"online_url,omitempty"`
	MemoryCacheSize int           `yaml:"memory_cache_size,omitempty"`
	QueueCapacity   int           `yaml:"queue_capacity,omitempty"`
	LocalSpacing    time.Duration `yaml:"local_spacing,omitempty"`
	OnlineSpacing   time.Duration `yaml:"online_spacing,omitempty"`
	FailureCooldown time.Duration `yaml:"failure_cooldown,omitempty"`
	RequestTimeout  time.Duration `yaml:"request_timeout,omitempty"`
	ReloadInterval  time.Duration `yaml:"reload_interval,omitempty"`
}

// BatchConfig controls the batch buffer.
type BatchConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
	MaxPending    int           `yaml:"max_pending,omitempty"`
}

// WriteQueueConfig controls the persistence write queue budgets.
type WriteQueueConfig struct {
	MaxPendingBatches int           `yaml:"max_pending_batches,omitempty"`
	MaxPendingRows    int           `yaml:"max_pending_rows,omitempty"`
	WriteTimeout      time.Duration `yaml:"write_timeout,omitempty"`
	StatsInterval     time.Duration `yaml:"stats_interval,omitempty"`
}

// StorageConfig selects the durable store backend.
type StorageConfig struct {
	Driver string `yaml:"driver,omitempty"` // "sqlite"
	DSN    string `yaml:"dsn,omitempty"`
}

// IngestConfig controls the HTTP agent ingestion listener.
type IngestConfig struct {
	Port          int    `yaml:"port,omitempty"`
	Token         string `yaml:"token,omitempty"`
	MaxBatchSize  int    `yaml:"max_batch_size,omitempty"`
	RatePerSecond int    `yaml:"rate_per_second,omitempty"`
}

// FanoutConfig controls the dashboard WebSocket server.
type FanoutConfig struct {
	Port            int           `yaml:"port,omitempty"`
	Path            string        `yaml:"path,omitempty"`
	Token           string        `yaml:"token,omitempty"`
	BroadcastWindow time.Duration `yaml:"broadcast_window,omitempty"`
	MinPushInterval time.Duration `yaml:"min_push_interval,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Port int    `yaml:"port,omitempty"`
	Path string `yaml:"path,omitempty"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{ID: "gatewatch"},
		GeoIP: GeoIPConfig{
			Mode:            "online",
			OnlineURL:       "https://api.ipapi.is",
			MemoryCacheSize: 10000,
			QueueCapacity:   1000,
			LocalSpacing:    50 * time.Millisecond,
			OnlineSpacing:   time.Second,
			FailureCooldown: 30 * time.Minute,
			RequestTimeout:  10 * time.Second,
			ReloadInterval:  5 * time.Minute,
		},
		Batch: BatchConfig{
			FlushInterval: 30 * time.Second,
			MaxPending:    5000,
		},
		WriteQueue: WriteQueueConfig{
			MaxPendingBatches: 100,
			MaxPendingRows:    200000,
			WriteTimeout:      30 * time.Second,
			StatsInterval:     time.Minute,
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "gatewatch.db"},
		Ingest: IngestConfig{
			Port:          8090,
			MaxBatchSize:  1000,
			RatePerSecond: 50,
		},
		Fanout: FanoutConfig{
			Port:            8080,
			Path:            "/ws/stats",
			BroadcastWindow: time.Second,
			MinPushInterval: time.Second,
		},
		Metrics: MetricsConfig{Port: 9090, Path: "/metrics"},
	}
}

// Load reads the configuration file, applies defaults for omitted fields,
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "read "+path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "parse yaml")
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets from the environment so tokens stay out of
// the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWATCH_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("GATEWATCH_NATS_TOKEN"); v != "" {
		c.NATS.Token = v
	}
	if v := os.Getenv("GATEWATCH_INGEST_TOKEN"); v != "" {
		c.Ingest.Token = v
	}
	if v := os.Getenv("GATEWATCH_DASHBOARD_TOKEN"); v != "" {
		c.Fanout.Token = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate", "platform.id")
	}

	seen := make(map[string]bool, len(c.Gateways))
	for i, gw := range c.Gateways {
		if gw.ID == "" {
			return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate",
				fmt.Sprintf("gateways[%d].id", i))
		}
		if seen[gw.ID] {
			return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
				fmt.Sprintf("duplicate gateway id %q", gw.ID))
		}
		seen[gw.ID] = true
		if gw.URL == "" {
			return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate",
				fmt.Sprintf("gateways[%d].url", i))
		}
		if gw.Kind != types.GatewayStream && gw.Kind != types.GatewayPoll {
			return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
				fmt.Sprintf("gateways[%d].kind must be %q or %q", i, types.GatewayStream, types.GatewayPoll))
		}
	}

	if c.GeoIP.Mode != "local" && c.GeoIP.Mode != "online" {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			"geoip.mode must be \"local\" or \"online\"")
	}
	if c.GeoIP.Mode == "online" && c.GeoIP.OnlineURL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate", "geoip.online_url")
	}

	if c.WriteQueue.MaxPendingBatches <= 0 || c.WriteQueue.MaxPendingRows <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			"write_queue budgets must be positive")
	}
	if c.Batch.FlushInterval <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			"batch.flush_interval must be positive")
	}
	if c.Storage.Driver != "sqlite" {
		return errors.WrapFatal(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("unsupported storage driver %q", c.Storage.Driver))
	}
	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := yaml.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	sc.config = cfg
	sc.mu.Unlock()
	return nil
}
