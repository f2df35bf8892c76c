// Package config holds the CLI configuration types and the optional config
// file loader.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/1ureka/chanmux/internal/mux"
	"github.com/1ureka/chanmux/internal/session"
	"github.com/1ureka/chanmux/internal/transport"
)

// Role represents the user's chosen role (host or client).
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Config stores every parameter of a run. CLI flags override values loaded
// from a config file, which override Default.
type Config struct {
	Role       Role   `mapstructure:"role"`
	TargetPort int    `mapstructure:"target_port"` // Host: the TCP service port to forward
	LocalPort  int    `mapstructure:"local_port"`  // Client: local port for the virtual service
	WSURL      string `mapstructure:"ws_url"`      // Client: WebSocket URL to connect to
	WSPort     int    `mapstructure:"ws_port"`     // Host: signaling port, 0 picks one
	WSListen   bool   `mapstructure:"ws_listen"`   // Host: listen on all interfaces
	Debug      bool   `mapstructure:"debug"`

	Mux   MuxConfig  `mapstructure:"mux"`
	STUN  []string   `mapstructure:"stun"`
	Stats StatConfig `mapstructure:"stats"`

	// MetricsAddr serves Prometheus metrics when set, e.g. "127.0.0.1:9090".
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// MuxConfig holds channel multiplexer settings. Timeouts are in ticks.
type MuxConfig struct {
	Window         int           `mapstructure:"window"`
	Timeout        uint32        `mapstructure:"timeout"`
	ResendInitial  uint32        `mapstructure:"resend_initial"`
	ResendMax      uint32        `mapstructure:"resend_max"`
	Tick           time.Duration `mapstructure:"tick"`
	ResetFailsOpen bool          `mapstructure:"reset_fails_open"`
}

// StatConfig controls the periodic traffic reporter.
type StatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Mux: MuxConfig{
			Window:        mux.DefaultWindow,
			Timeout:       mux.DefaultTimeout,
			ResendInitial: mux.DefaultResend,
			ResendMax:     mux.DefaultResendMax,
			Tick:          session.DefaultTick,
		},
		STUN:  append([]string(nil), transport.DefaultSTUNServers...),
		Stats: StatConfig{Interval: time.Second},
	}
}

// Load reads configuration from path. An empty path returns Default with
// environment overrides applied. Environment variables use the prefix
// CHANMUX and "." is replaced with "_", e.g. CHANMUX_MUX_WINDOW=64.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("CHANMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("role", string(cfg.Role))
	v.SetDefault("target_port", cfg.TargetPort)
	v.SetDefault("local_port", cfg.LocalPort)
	v.SetDefault("ws_url", cfg.WSURL)
	v.SetDefault("ws_port", cfg.WSPort)
	v.SetDefault("ws_listen", cfg.WSListen)
	v.SetDefault("debug", cfg.Debug)
	v.SetDefault("mux.window", cfg.Mux.Window)
	v.SetDefault("mux.timeout", cfg.Mux.Timeout)
	v.SetDefault("mux.resend_initial", cfg.Mux.ResendInitial)
	v.SetDefault("mux.resend_max", cfg.Mux.ResendMax)
	v.SetDefault("mux.tick", cfg.Mux.Tick)
	v.SetDefault("mux.reset_fails_open", cfg.Mux.ResetFailsOpen)
	v.SetDefault("stun", cfg.STUN)
	v.SetDefault("stats.interval", cfg.Stats.Interval)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Role = Role(strings.ToLower(strings.TrimSpace(string(cfg.Role))))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges. A zero port means "not set yet" and is accepted;
// the CLI asks for or rejects missing values once the role is known.
func (c *Config) Validate() error {
	switch c.Role {
	case "", RoleHost, RoleClient:
	default:
		return fmt.Errorf("invalid role %q: must be 'host' or 'client'", c.Role)
	}
	for name, p := range map[string]int{
		"target_port": c.TargetPort,
		"local_port":  c.LocalPort,
		"ws_port":     c.WSPort,
	} {
		if p < 0 || p > 65535 {
			return fmt.Errorf("invalid %s %d: must be 1~65535", name, p)
		}
	}
	if c.Mux.Window < 1 {
		return fmt.Errorf("invalid mux.window %d: must be positive", c.Mux.Window)
	}
	if c.Mux.Tick <= 0 {
		return fmt.Errorf("invalid mux.tick %v: must be positive", c.Mux.Tick)
	}
	if c.Mux.ResendInitial == 0 || c.Mux.ResendMax < c.Mux.ResendInitial {
		return fmt.Errorf("invalid resend backoff %d..%d", c.Mux.ResendInitial, c.Mux.ResendMax)
	}
	if c.Stats.Interval <= 0 {
		return fmt.Errorf("invalid stats.interval %v: must be positive", c.Stats.Interval)
	}
	return nil
}

// MuxOptions converts the multiplexer settings into switch options.
func (c *Config) MuxOptions() []mux.Option {
	return []mux.Option{
		mux.WithWindow(c.Mux.Window),
		mux.WithTimeout(c.Mux.Timeout),
		mux.WithResend(c.Mux.ResendInitial, c.Mux.ResendMax),
		mux.WithResetFailsOpen(c.Mux.ResetFailsOpen),
	}
}
