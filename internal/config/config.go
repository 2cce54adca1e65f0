// Package config loads the server configuration from a YAML file and
// maps it onto the per-subsystem configs.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/foundry/internal/pool"
	"github.com/roach88/foundry/internal/scheduler"
)

// Duration wraps time.Duration with YAML string parsing ("30s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full server configuration.
type Config struct {
	Log       Log       `yaml:"log"`
	Scheduler Scheduler `yaml:"scheduler"`
	Store     Store     `yaml:"store"`
	Pool      Pool      `yaml:"pool"`
	Manifests Manifests `yaml:"manifests"`
}

// Log controls structured logging output.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Scheduler tunes task admission and concurrency.
type Scheduler struct {
	MaxConcurrent   int     `yaml:"max_concurrent"`
	LoadThreshold   float64 `yaml:"load_threshold"`
	TokensPerSecond float64 `yaml:"tokens_per_second"`
	TokenBurst      int     `yaml:"token_burst"`
}

// Store configures the event store and integrity sealing.
type Store struct {
	Path          string   `yaml:"path"`
	SealInterval  Duration `yaml:"seal_interval"`
	SealMaxEvents int      `yaml:"seal_max_events"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// Pool tunes the worker-pool coordinator.
type Pool struct {
	DefaultExecTimeout Duration `yaml:"default_exec_timeout"`
	PingInterval       Duration `yaml:"ping_interval"`
	PingTimeout        Duration `yaml:"ping_timeout"`
	RegisterTimeout    Duration `yaml:"register_timeout"`
	CacheCapacity      int      `yaml:"cache_capacity"`
	CacheTTL           Duration `yaml:"cache_ttl"`
	ShutdownGrace      Duration `yaml:"shutdown_grace"`
}

// Manifests points at the worker manifest directory.
type Manifests struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	sched := scheduler.DefaultConfig()
	p := pool.DefaultConfig()
	return Config{
		Log: Log{Level: "info", Format: "text"},
		Scheduler: Scheduler{
			MaxConcurrent:   sched.MaxConcurrent,
			LoadThreshold:   sched.LoadThreshold,
			TokensPerSecond: sched.TokensPerSecond,
			TokenBurst:      sched.TokenBurst,
		},
		Store: Store{
			Path:          "foundry.db",
			SealInterval:  Duration(time.Minute),
			SealMaxEvents: 1000,
			FlushInterval: Duration(time.Second),
		},
		Pool: Pool{
			DefaultExecTimeout: Duration(p.DefaultExecTimeout),
			PingInterval:       Duration(p.PingInterval),
			PingTimeout:        Duration(p.PingTimeout),
			RegisterTimeout:    Duration(p.RegisterTimeout),
			CacheCapacity:      p.CacheCapacity,
			CacheTTL:           Duration(p.CacheTTL),
			ShutdownGrace:      Duration(p.ShutdownGrace),
		},
		Manifests: Manifests{Dir: "", Watch: false},
	}
}

// Load reads path into a Config layered over the defaults. Unknown keys
// are rejected so typos surface at startup instead of being ignored.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.LoadThreshold <= 0 || c.Scheduler.LoadThreshold > 1 {
		return fmt.Errorf("scheduler.load_threshold must be in (0, 1], got %g", c.Scheduler.LoadThreshold)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Store.SealMaxEvents <= 0 {
		return fmt.Errorf("store.seal_max_events must be positive, got %d", c.Store.SealMaxEvents)
	}
	return nil
}

// SchedulerConfig maps onto the scheduler's native config.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxConcurrent:   c.Scheduler.MaxConcurrent,
		LoadThreshold:   c.Scheduler.LoadThreshold,
		TokensPerSecond: c.Scheduler.TokensPerSecond,
		TokenBurst:      c.Scheduler.TokenBurst,
	}
}

// PoolConfig maps onto the coordinator's native config.
func (c Config) PoolConfig() pool.Config {
	return pool.Config{
		DefaultExecTimeout: time.Duration(c.Pool.DefaultExecTimeout),
		PingInterval:       time.Duration(c.Pool.PingInterval),
		PingTimeout:        time.Duration(c.Pool.PingTimeout),
		RegisterTimeout:    time.Duration(c.Pool.RegisterTimeout),
		CacheCapacity:      c.Pool.CacheCapacity,
		CacheTTL:           time.Duration(c.Pool.CacheTTL),
		ShutdownGrace:      time.Duration(c.Pool.ShutdownGrace),
	}
}
