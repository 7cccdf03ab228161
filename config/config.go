// Package config loads the YAML configuration of a syncio server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyberinferno/go-syncio/logger"
	"github.com/cyberinferno/go-syncio/socket"
)

// Config represents the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Accept   AcceptConfig   `yaml:"accept"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	RPCCache RPCCacheConfig `yaml:"rpc_cache"`
}

// ServerConfig contains listener and session settings.
type ServerConfig struct {
	Family        string        `yaml:"family"`
	Ports         []int         `yaml:"ports"`
	MaxFrameSize  int           `yaml:"max_frame_size"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	UDPBufferSize int           `yaml:"udp_buffer_size"`
	UDPQueueSize  int           `yaml:"udp_queue_size"`
	IDGenerator   string        `yaml:"id_generator"` // random or sequential
}

// AcceptConfig bounds the pause between consecutive accept faults.
type AcceptConfig struct {
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// RPCCacheConfig selects where cached remote-call results live.
type RPCCacheConfig struct {
	Backend         string        `yaml:"backend"` // none, memory or redis
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisNamespace  string        `yaml:"redis_namespace"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Family:        "ipv4",
			Ports:         []int{9000},
			MaxFrameSize:  16 * 1024 * 1024,
			WriteTimeout:  10 * time.Second,
			UDPBufferSize: socket.DefaultUDPBufferSize,
			UDPQueueSize:  64,
			IDGenerator:   "random",
		},
		Accept: AcceptConfig{
			BackoffInitial: socket.DefaultBackoffInitial,
			BackoffMax:     socket.DefaultBackoffMax,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Address:   ":9100",
			Namespace: "syncio",
		},
		RPCCache: RPCCacheConfig{
			Backend:         "memory",
			DefaultTTL:      time.Minute,
			CleanupInterval: 5 * time.Minute,
			RedisNamespace:  "syncio:rpc",
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
// Durations are written as strings such as "250ms" or "1m".
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Accept.Validate(); err != nil {
		return fmt.Errorf("accept config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.RPCCache.Validate(); err != nil {
		return fmt.Errorf("rpc_cache config: %w", err)
	}

	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if _, ok := socket.ParseFamily(s.Family); !ok {
		return fmt.Errorf("family must be ipv4 or ipv6, got %q", s.Family)
	}

	if len(s.Ports) == 0 {
		return fmt.Errorf("at least one port is required")
	}

	seen := make(map[int]bool, len(s.Ports))
	for _, p := range s.Ports {
		if p < 0 || p > 65535 {
			return fmt.Errorf("port must be between 0 and 65535, got %d", p)
		}
		if p != 0 && seen[p] {
			return fmt.Errorf("port %d listed twice", p)
		}
		seen[p] = true
	}

	if s.MaxFrameSize < 1024 {
		return fmt.Errorf("max_frame_size must be at least 1024 bytes, got %d", s.MaxFrameSize)
	}

	if s.WriteTimeout < 0 {
		return fmt.Errorf("write_timeout cannot be negative, got %s", s.WriteTimeout)
	}

	if s.UDPBufferSize < 512 {
		return fmt.Errorf("udp_buffer_size must be at least 512 bytes, got %d", s.UDPBufferSize)
	}

	if s.UDPQueueSize < 1 {
		return fmt.Errorf("udp_queue_size must be at least 1, got %d", s.UDPQueueSize)
	}

	switch s.IDGenerator {
	case "random", "sequential":
	default:
		return fmt.Errorf("id_generator must be random or sequential, got %q", s.IDGenerator)
	}

	return nil
}

// FamilyValue returns the parsed address family.
func (s *ServerConfig) FamilyValue() socket.Family {
	f, _ := socket.ParseFamily(s.Family)
	return f
}

// Validate validates accept configuration.
func (a *AcceptConfig) Validate() error {
	if a.BackoffInitial <= 0 {
		return fmt.Errorf("backoff_initial must be positive, got %s", a.BackoffInitial)
	}

	if a.BackoffMax < a.BackoffInitial {
		return fmt.Errorf("backoff_max (%s) must not be less than backoff_initial (%s)", a.BackoffMax, a.BackoffInitial)
	}

	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	if _, err := logger.ParseLevel(l.Level); err != nil {
		return err
	}

	switch l.Format {
	case "json", "console":
	default:
		return fmt.Errorf("format must be json or console, got %q", l.Format)
	}

	return nil
}

// Validate validates metrics configuration.
func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Address == "" {
		return fmt.Errorf("address cannot be empty when metrics are enabled")
	}

	return nil
}

// Validate validates remote-call cache configuration.
func (r *RPCCacheConfig) Validate() error {
	switch r.Backend {
	case "none":
		return nil
	case "memory":
		if r.CleanupInterval <= 0 {
			return fmt.Errorf("cleanup_interval must be positive, got %s", r.CleanupInterval)
		}
	case "redis":
		if r.RedisAddr == "" {
			return fmt.Errorf("redis_addr cannot be empty for the redis backend")
		}
		if r.RedisNamespace == "" {
			return fmt.Errorf("redis_namespace cannot be empty for the redis backend")
		}
	default:
		return fmt.Errorf("backend must be none, memory or redis, got %q", r.Backend)
	}

	if r.DefaultTTL < 0 {
		return fmt.Errorf("default_ttl cannot be negative, got %s", r.DefaultTTL)
	}

	return nil
}
