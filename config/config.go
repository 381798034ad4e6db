// Package config loads the settings of the domainrpc command.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"domain-rpc/loadbalance"
)

const envPrefix = "DOMAINRPC_"

// Config holds the server and client settings.
type Config struct {
	Listen      string        `yaml:"listen"`
	Transport   string        `yaml:"transport"` // tcp or ws
	Advertise   string        `yaml:"advertise"` // address announced to the registry, defaults to Listen
	Heartbeat   time.Duration `yaml:"heartbeat"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Balancer    string        `yaml:"balancer"`

	Etcd      Etcd      `yaml:"etcd"`
	Log       Log       `yaml:"log"`
	Metrics   Metrics   `yaml:"metrics"`
	RateLimit RateLimit `yaml:"rate_limit"`
}

type Etcd struct {
	Endpoints []string `yaml:"endpoints"`
	TTL       int64    `yaml:"ttl"`
}

type Log struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`  // json or console
	Console bool   `yaml:"console"` // echo every raw message
}

type Metrics struct {
	Listen string `yaml:"listen"` // empty disables /metrics
}

// RateLimit caps calls per second across the server. Zero disables it.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	return &Config{
		Listen:      "127.0.0.1:9222",
		Transport:   "tcp",
		Heartbeat:   30 * time.Second,
		CallTimeout: 10 * time.Second,
		Balancer:    "round_robin",
		Etcd:        Etcd{TTL: 10},
		Log:         Log{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path on top of Default, expanding ${VAR}
// references first, then applies DOMAINRPC_* environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(file))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"LISTEN":         &cfg.Listen,
		"TRANSPORT":      &cfg.Transport,
		"ADVERTISE":      &cfg.Advertise,
		"BALANCER":       &cfg.Balancer,
		"LOG_LEVEL":      &cfg.Log.Level,
		"LOG_FORMAT":     &cfg.Log.Format,
		"METRICS_LISTEN": &cfg.Metrics.Listen,
	}
	for name, field := range strs {
		if v := os.Getenv(envPrefix + name); v != "" {
			*field = v
		}
	}

	durations := map[string]*time.Duration{
		"HEARTBEAT":    &cfg.Heartbeat,
		"CALL_TIMEOUT": &cfg.CallTimeout,
	}
	for name, field := range durations {
		if v := os.Getenv(envPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
			}
			*field = d
		}
	}

	if v := os.Getenv(envPrefix + "ETCD_ENDPOINTS"); v != "" {
		cfg.Etcd.Endpoints = splitList(v)
	}
	if v := os.Getenv(envPrefix + "ETCD_TTL"); v != "" {
		ttl, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %sETCD_TTL: %w", envPrefix, err)
		}
		cfg.Etcd.TTL = ttl
	}
	if v := os.Getenv(envPrefix + "LOG_CONSOLE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sLOG_CONSOLE: %w", envPrefix, err)
		}
		cfg.Log.Console = b
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	switch c.Transport {
	case "tcp", "ws":
	default:
		return fmt.Errorf("unknown transport %q: want tcp or ws", c.Transport)
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q: want json or console", c.Log.Format)
	}
	if c.Heartbeat < 0 || c.CallTimeout < 0 {
		return fmt.Errorf("heartbeat and call_timeout must not be negative")
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.TTL <= 0 {
		return fmt.Errorf("etcd ttl must be positive, got %d", c.Etcd.TTL)
	}
	return nil
}

// AdvertiseAddr is the address announced to the registry.
func (c *Config) AdvertiseAddr() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return c.Listen
}
