// Package config loads the TOML file shared by the hdlcrpc commands.
//
//	name        = "bench-board"
//	device      = "board-7"
//	endpoint    = "127.0.0.1:33000"
//	rpc_address = 82
//	channels    = [1]
//	keepalive   = "5s"
//
//	[timeouts]
//	unary  = "2s"
//	stream = "0s"
//
//	[discovery]
//	etcd     = ["127.0.0.1:2379"]
//	strategy = "round_robin"
//	ttl      = 10
//
//	[log]
//	level = "info"
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Name       string
	Device     string
	Endpoint   string
	RPCAddress byte
	Channels   []uint32
	Keepalive  time.Duration

	Timeouts  TimeoutConfig
	Discovery DiscoveryConfig
	RateLimit RateLimitConfig
	Metrics   MetricsConfig
	Log       LogConfig
}

type TimeoutConfig struct {
	Unary  time.Duration
	Stream time.Duration
}

type DiscoveryConfig struct {
	Etcd        []string
	Strategy    string
	TTL         int64
	DialTimeout time.Duration
}

// Enabled reports whether endpoints are discovered through etcd.
func (d DiscoveryConfig) Enabled() bool {
	return len(d.Etcd) > 0
}

type RateLimitConfig struct {
	PacketsPerSecond float64
	Burst            int
}

type MetricsConfig struct {
	Addr string
}

type LogConfig struct {
	Level       string
	Development bool
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		Name:       "hdlcrpc",
		Device:     "default",
		Endpoint:   "127.0.0.1:33000",
		RPCAddress: 'R',
		Channels:   []uint32{1},
		Timeouts: TimeoutConfig{
			Unary: 5 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Strategy:    "round_robin",
			TTL:         10,
			DialTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

type fileConfig struct {
	Name       string   `toml:"name"`
	Device     string   `toml:"device"`
	Endpoint   string   `toml:"endpoint"`
	RPCAddress int      `toml:"rpc_address"`
	Channels   []uint32 `toml:"channels"`
	Keepalive  string   `toml:"keepalive"`

	Timeouts struct {
		Unary  string `toml:"unary"`
		Stream string `toml:"stream"`
	} `toml:"timeouts"`

	Discovery struct {
		Etcd        []string `toml:"etcd"`
		Strategy    string   `toml:"strategy"`
		TTL         int64    `toml:"ttl"`
		DialTimeout string   `toml:"dial_timeout"`
	} `toml:"discovery"`

	RateLimit struct {
		PacketsPerSecond float64 `toml:"packets_per_second"`
		Burst            int     `toml:"burst"`
	} `toml:"rate_limit"`

	Metrics struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`

	Log struct {
		Level       string `toml:"level"`
		Development bool   `toml:"development"`
	} `toml:"log"`
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}

	cfg := Default()
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("device") {
		cfg.Device = strings.TrimSpace(raw.Device)
	}
	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("rpc_address") {
		if raw.RPCAddress < 0 || raw.RPCAddress > 0xff {
			return Config{}, fmt.Errorf("config %s: rpc_address %d out of range", path, raw.RPCAddress)
		}
		cfg.RPCAddress = byte(raw.RPCAddress)
	}
	if meta.IsDefined("channels") {
		cfg.Channels = raw.Channels
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"keepalive", raw.Keepalive, &cfg.Keepalive},
		{"timeouts.unary", raw.Timeouts.Unary, &cfg.Timeouts.Unary},
		{"timeouts.stream", raw.Timeouts.Stream, &cfg.Timeouts.Stream},
		{"discovery.dial_timeout", raw.Discovery.DialTimeout, &cfg.Discovery.DialTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("config %s: parse %s: %w", path, d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("discovery", "etcd") {
		cfg.Discovery.Etcd = raw.Discovery.Etcd
	}
	if meta.IsDefined("discovery", "strategy") {
		cfg.Discovery.Strategy = strings.TrimSpace(raw.Discovery.Strategy)
	}
	if meta.IsDefined("discovery", "ttl") {
		cfg.Discovery.TTL = raw.Discovery.TTL
	}
	if meta.IsDefined("rate_limit", "packets_per_second") {
		cfg.RateLimit.PacketsPerSecond = raw.RateLimit.PacketsPerSecond
	}
	if meta.IsDefined("rate_limit", "burst") {
		cfg.RateLimit.Burst = raw.RateLimit.Burst
	}
	if meta.IsDefined("metrics", "addr") {
		cfg.Metrics.Addr = strings.TrimSpace(raw.Metrics.Addr)
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "development") {
		cfg.Log.Development = raw.Log.Development
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("missing name")
	}
	if cfg.Endpoint == "" && !cfg.Discovery.Enabled() {
		return fmt.Errorf("endpoint or discovery.etcd is required")
	}
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}
	seen := make(map[uint32]bool, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		if seen[ch] {
			return fmt.Errorf("duplicate channel %d", ch)
		}
		seen[ch] = true
	}
	if cfg.Timeouts.Unary < 0 || cfg.Timeouts.Stream < 0 || cfg.Keepalive < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if cfg.Discovery.Enabled() {
		if cfg.Device == "" {
			return fmt.Errorf("discovery requires device")
		}
		if cfg.Discovery.TTL <= 0 {
			return fmt.Errorf("discovery.ttl must be positive")
		}
	}
	if cfg.RateLimit.PacketsPerSecond < 0 {
		return fmt.Errorf("rate_limit.packets_per_second must not be negative")
	}
	if cfg.RateLimit.PacketsPerSecond > 0 && cfg.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be positive when rate limiting")
	}
	return nil
}
