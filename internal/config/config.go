// Package config loads glassd's YAML configuration, overlaid with
// environment variables, following the same koanf-based shape the rest
// of the fernglas stack uses for its own config loading. The collector
// core itself never parses config or registers metrics directly — it
// only takes typed Params/Config structs and a *zap.Logger — so this
// package and cmd/glassd are the thin shell that turns a config file
// into those structs.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service ServiceConfig `koanf:"service"`
	BGP     BGPConfig     `koanf:"bgp"`
	BMP     BMPConfig     `koanf:"bmp"`
	Store   StoreConfig   `koanf:"store"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	MetricsListen          string `koanf:"metrics_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// BGPConfig configures the active BGP session collector.
type BGPConfig struct {
	Bind         string             `koanf:"bind"`
	HoldTimeSecs int                `koanf:"hold_time_seconds"`
	Peers        map[string]BGPPeer `koanf:"peers"`
	DefaultPeer  *BGPPeer           `koanf:"default_peer"`
}

type BGPPeer struct {
	ASN          uint32 `koanf:"asn"`
	RouterID     string `koanf:"router_id"`
	NameOverride string `koanf:"name_override"`
}

// BMPConfig configures the passive BMP collector.
type BMPConfig struct {
	Bind        string             `koanf:"bind"`
	Peers       map[string]BMPPeer `koanf:"peers"`
	DefaultPeer *BMPPeer           `koanf:"default_peer"`
}

type BMPPeer struct {
	NameOverride string `koanf:"name_override"`
}

// StoreConfig configures the in-memory route store's background
// maintenance.
type StoreConfig struct {
	InternerSweepIntervalSeconds int `koanf:"interner_sweep_interval_seconds"`
}

// Load reads path (if non-empty) as YAML, overlays GLASSD_-prefixed
// environment variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: GLASSD_BGP__BIND → bgp.bind
	if err := k.Load(env.Provider("GLASSD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "GLASSD_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "glassd-1",
			MetricsListen:          ":9090",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		BGP: BGPConfig{
			Bind:         ":179",
			HoldTimeSecs: 180,
		},
		BMP: BMPConfig{
			Bind: ":11019",
		},
		Store: StoreConfig{
			InternerSweepIntervalSeconds: 300,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BGP.Bind == "" && c.BMP.Bind == "" {
		return fmt.Errorf("config: at least one of bgp.bind or bmp.bind is required")
	}
	for addr, peer := range c.BGP.Peers {
		if _, err := netip.ParseAddr(addr); err != nil {
			return fmt.Errorf("config: bgp.peers key %q is not an IP address: %w", addr, err)
		}
		if peer.RouterID != "" {
			if _, err := netip.ParseAddr(peer.RouterID); err != nil {
				return fmt.Errorf("config: bgp.peers[%s].router_id is invalid: %w", addr, err)
			}
		}
	}
	if c.BGP.DefaultPeer != nil && c.BGP.DefaultPeer.RouterID != "" {
		if _, err := netip.ParseAddr(c.BGP.DefaultPeer.RouterID); err != nil {
			return fmt.Errorf("config: bgp.default_peer.router_id is invalid: %w", err)
		}
	}
	for addr := range c.BMP.Peers {
		if _, err := netip.ParseAddr(addr); err != nil {
			return fmt.Errorf("config: bmp.peers key %q is not an IP address: %w", addr, err)
		}
	}
	if c.BGP.HoldTimeSecs < 0 {
		return fmt.Errorf("config: bgp.hold_time_seconds must be >= 0 (got %d)", c.BGP.HoldTimeSecs)
	}
	if c.Store.InternerSweepIntervalSeconds <= 0 {
		return fmt.Errorf("config: store.interner_sweep_interval_seconds must be > 0 (got %d)", c.Store.InternerSweepIntervalSeconds)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// InternerSweepInterval is Store.InternerSweepIntervalSeconds as a
// time.Duration.
func (c *Config) InternerSweepInterval() time.Duration {
	return time.Duration(c.Store.InternerSweepIntervalSeconds) * time.Second
}
