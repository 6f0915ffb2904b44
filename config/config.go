// Package config loads the server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"push-rpc/codec"
)

// Config is the server configuration file.
type Config struct {
	Listen    string                `yaml:"listen"`
	Advertise string                `yaml:"advertise"`
	Protocol  string                `yaml:"protocol"` // "standard" or "push"
	Codec     string                `yaml:"codec"`    // "json" or "binary"
	Workers   int                   `yaml:"workers"`
	QueueSize int                   `yaml:"queue_size"`
	Pools     map[string]PoolConfig `yaml:"pools"`
	Services  map[string]string     `yaml:"services"` // service name → pool name
	Timeout   time.Duration         `yaml:"timeout"`
	RateLimit *RateLimitConfig      `yaml:"rate_limit"`
	Log       LogConfig             `yaml:"log"`
	Etcd      *EtcdConfig           `yaml:"etcd"`
}

// PoolConfig declares a dedicated execution pool services can be pinned to.
type PoolConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	TTL         int64         `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Defaults returns the configuration used for any field the file leaves out.
func Defaults() *Config {
	return &Config{
		Listen:    ":8080",
		Protocol:  "push",
		Codec:     "json",
		Workers:   16,
		QueueSize: 1024,
		Timeout:   5 * time.Second,
		Log:       LogConfig{Level: "INFO"},
	}
}

// Load reads path over Defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Etcd != nil {
		if cfg.Etcd.TTL <= 0 {
			cfg.Etcd.TTL = 10
		}
		if cfg.Etcd.DialTimeout <= 0 {
			cfg.Etcd.DialTimeout = 5 * time.Second
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is empty"))
	}
	switch c.Protocol {
	case "standard", "push":
	default:
		errs = append(errs, fmt.Errorf("protocol %q: expect standard or push", c.Protocol))
	}
	if _, err := codec.Parse(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("queue_size must not be negative, got %d", c.QueueSize))
	}
	for name, p := range c.Pools {
		if p.Workers <= 0 {
			errs = append(errs, fmt.Errorf("pool %q: workers must be positive", name))
		}
	}
	for svc, pool := range c.Services {
		if _, ok := c.Pools[pool]; !ok {
			errs = append(errs, fmt.Errorf("service %q: unknown pool %q", svc, pool))
		}
	}
	if c.RateLimit != nil && (c.RateLimit.Rate <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit: rate and burst must be positive"))
	}
	if c.Etcd != nil && len(c.Etcd.Endpoints) == 0 {
		errs = append(errs, errors.New("etcd: endpoints is empty"))
	}
	return errors.Join(errs...)
}

// CodecType returns the configured codec.
func (c *Config) CodecType() codec.CodecType {
	ct, _ := codec.Parse(c.Codec)
	return ct
}

// AdvertiseAddr is the address registered in etcd, defaulting to Listen.
func (c *Config) AdvertiseAddr() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return c.Listen
}
