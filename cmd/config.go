// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Thermoquad/upbridge/pkg/pim"
	"github.com/Thermoquad/upbridge/pkg/upb"
)

// Config is the upbridge configuration file.
//
//	log_level = "info"
//
//	[pim]
//	port = "/dev/ttyUSB0"
//	network = 12
//	ack_timeout = "500ms"
//
//	[[devices]]
//	id = 5
//	name = "Kitchen"
//
//	[[links]]
//	id = 3
//	name = "Evening"
//
//	[mqtt]
//	broker = "tcp://localhost:1883"
//
//	[metrics]
//	addr = ":9108"
type Config struct {
	LogLevel string         `toml:"log_level"`
	PIM      PIMConfig      `toml:"pim"`
	Devices  []DeviceConfig `toml:"devices"`
	Links    []LinkConfig   `toml:"links"`
	MQTT     MQTTConfig     `toml:"mqtt"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type PIMConfig struct {
	Port        string `toml:"port"`
	Baud        int    `toml:"baud"`
	URL         string `toml:"url"`
	Username    string `toml:"username"`
	NoSSLVerify bool   `toml:"no_ssl_verify"`
	Network     int    `toml:"network"`
	AckTimeout  string `toml:"ack_timeout"`
	MaxRetries  int    `toml:"max_retries"`
	QueueSize   int    `toml:"queue_size"`
}

type DeviceConfig struct {
	ID   int    `toml:"id"`
	Name string `toml:"name"`
}

type LinkConfig struct {
	ID   int    `toml:"id"`
	Name string `toml:"name"`
}

type MQTTConfig struct {
	Broker      string `toml:"broker"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	ClientID    string `toml:"client_id"`
	TopicPrefix string `toml:"topic_prefix"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}

	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "upb"
	}
	if err := ValidateConfig(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// ValidateConfig checks id ranges and durations.
func ValidateConfig(cfg Config) error {
	if cfg.PIM.Network < 0 || cfg.PIM.Network > 255 {
		return fmt.Errorf("pim.network %d out of range (0-255)", cfg.PIM.Network)
	}
	if cfg.PIM.Baud < 0 {
		return fmt.Errorf("pim.baud must be positive")
	}
	if cfg.PIM.AckTimeout != "" {
		d, err := time.ParseDuration(strings.TrimSpace(cfg.PIM.AckTimeout))
		if err != nil {
			return fmt.Errorf("parse pim.ack_timeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("pim.ack_timeout must be positive")
		}
	}
	if cfg.PIM.MaxRetries < 0 || cfg.PIM.QueueSize < 0 {
		return fmt.Errorf("pim.max_retries and pim.queue_size must not be negative")
	}

	seen := make(map[int]bool)
	for i, d := range cfg.Devices {
		if !validUnitID(d.ID) {
			return fmt.Errorf("devices[%d]: unit id %d out of range (%d-%d)", i, d.ID, upb.MinUnitID, upb.MaxUnitID)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate unit id %d", i, d.ID)
		}
		seen[d.ID] = true
	}

	seen = make(map[int]bool)
	for i, l := range cfg.Links {
		if !validUnitID(l.ID) {
			return fmt.Errorf("links[%d]: link id %d out of range (%d-%d)", i, l.ID, upb.MinUnitID, upb.MaxUnitID)
		}
		if seen[l.ID] {
			return fmt.Errorf("links[%d]: duplicate link id %d", i, l.ID)
		}
		seen[l.ID] = true
	}

	if strings.Contains(cfg.MQTT.TopicPrefix, "#") || strings.Contains(cfg.MQTT.TopicPrefix, "+") {
		return fmt.Errorf("mqtt.topic_prefix must not contain wildcards")
	}
	return nil
}

func validUnitID(id int) bool {
	return id >= upb.MinUnitID && id <= upb.MaxUnitID
}

// SessionConfig applies the [pim] tuning to the session defaults.
func (c Config) SessionConfig() pim.Config {
	cfg := pim.DefaultConfig()
	if d, err := time.ParseDuration(strings.TrimSpace(c.PIM.AckTimeout)); err == nil && d > 0 {
		cfg.AckTimeout = d
	}
	if c.PIM.MaxRetries > 0 {
		cfg.MaxRetries = c.PIM.MaxRetries
	}
	if c.PIM.QueueSize > 0 {
		cfg.QueueSize = c.PIM.QueueSize
	}
	return cfg
}

// DeviceName returns the configured name for a unit, or "unit N".
func (c Config) DeviceName(id uint8) string {
	for _, d := range c.Devices {
		if d.ID == int(id) && d.Name != "" {
			return d.Name
		}
	}
	return fmt.Sprintf("unit %d", id)
}

// registerLinks makes the configured links routable on s.
func (c Config) registerLinks(s *pim.Session) {
	for _, l := range c.Links {
		s.RegisterLink(pim.LinkRecord{ID: uint8(l.ID), Name: l.Name})
	}
}
