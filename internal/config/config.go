package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. YAML provides the base; the
// environment variables from the deployment contract override it.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Queue     QueueConfig     `yaml:"queue"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ops       OpsConfig       `yaml:"ops"`
}

type StoreConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

type CacheConfig struct {
	Addr       string        `yaml:"addr"`
	DB         int           `yaml:"db"`
	TTLSeconds int           `yaml:"ttl_seconds"`
	OpTimeout  time.Duration `yaml:"op_timeout"`
}

// TTL returns the cache TTL as a duration, defaulting to one hour.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

type QueueConfig struct {
	Addr        string `yaml:"addr"`
	DB          int    `yaml:"db"`
	Name        string `yaml:"name"`
	Concurrency int    `yaml:"concurrency"`
}

type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	DefaultNetwork string        `yaml:"default_network"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CurrentWindow  time.Duration `yaml:"current_window"`
	RPMLimit       int           `yaml:"rpm_limit"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Cache: CacheConfig{
			TTLSeconds: 3600,
			OpTimeout:  500 * time.Millisecond,
		},
		Queue: QueueConfig{
			Name:        "price-backfill",
			Concurrency: 5,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://api.coingecko.com/api/v3",
			DefaultNetwork: "ethereum",
			RequestTimeout: 10 * time.Second,
			CurrentWindow:  24 * time.Hour,
			RPMLimit:       30,
		},
		Ops: OpsConfig{
			ListenAddr: ":9090",
		},
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STORE_URI"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("CACHE_URI"); v != "" {
		c.Cache.Addr = v
	}
	if v := os.Getenv("CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cache.TTLSeconds = n
		}
	}
	if v := os.Getenv("QUEUE_URI"); v != "" {
		c.Queue.Addr = v
	}
	if v := os.Getenv("QUEUE_NAME"); v != "" {
		c.Queue.Name = v
	}
	if v := os.Getenv("UPSTREAM_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("UPSTREAM_DEFAULT_NETWORK"); v != "" {
		c.Upstream.DefaultNetwork = v
	}
}
