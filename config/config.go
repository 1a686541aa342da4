// Package config loads the settings of an event-rpc process from YAML.
//
//	address: 127.0.0.1:7400
//	service: Calc
//	variant: shared        # or per-method
//	codec: json            # or binary
//	debug: false           # ship stack traces in thrown exceptions
//	log_level: info
//	heartbeat: 30s
//	idle_timeout: 90s
//	write_timeout: 10s     # a peer not reading for this long is disconnected
//	rate_limit: {rate: 100, burst: 200}
//	etcd: {endpoints: [127.0.0.1:2379], ttl: 10, dial_timeout: 5s}
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"event-rpc/codec"
	"event-rpc/message"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Network         string        `yaml:"network"`
	Address         string        `yaml:"address"`
	Advertise       string        `yaml:"advertise"` // Routable address put in the registry
	Service         string        `yaml:"service"`
	Weight          int           `yaml:"weight"`
	Version         string        `yaml:"version"`
	Variant         string        `yaml:"variant"`
	Codec           string        `yaml:"codec"`
	Debug           bool          `yaml:"debug"`
	LogLevel        string        `yaml:"log_level"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       RateLimit     `yaml:"rate_limit"`
	Etcd            Etcd          `yaml:"etcd"`
}

// RateLimit caps calls per peer. A zero rate disables it.
type RateLimit struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// Etcd enables service registration when Endpoints is non-empty.
type Etcd struct {
	Endpoints   []string      `yaml:"endpoints"`
	TTL         int64         `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func Default() *Config {
	return &Config{
		Network:         "tcp",
		Address:         "127.0.0.1:7400",
		Service:         "event-rpc",
		Weight:          1,
		Variant:         message.SharedChannel.String(),
		Codec:           codec.CodecTypeJSON.String(),
		LogLevel:        "info",
		Heartbeat:       30 * time.Second,
		IdleTimeout:     90 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		Etcd: Etcd{
			TTL:         10,
			DialTimeout: 5 * time.Second,
		},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("config: address is required")
	}
	if c.Service == "" {
		return errors.New("config: service is required")
	}
	if _, err := c.WireVariant(); err != nil {
		return errors.Wrap(err, "config")
	}
	if _, err := c.CodecType(); err != nil {
		return errors.Wrap(err, "config")
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		return errors.New("config: rate_limit must not be negative")
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst == 0 {
		return errors.New("config: rate_limit.burst must be positive when rate is set")
	}
	if c.Heartbeat > 0 && c.IdleTimeout > 0 && c.IdleTimeout <= c.Heartbeat {
		return errors.New("config: idle_timeout must exceed heartbeat")
	}
	return nil
}

func (c *Config) WireVariant() (message.Variant, error) {
	return message.ParseVariant(c.Variant)
}

func (c *Config) CodecType() (codec.CodecType, error) {
	return codec.ParseCodecType(c.Codec)
}
