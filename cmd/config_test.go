// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/upbridge/pkg/pim"
	"github.com/Thermoquad/upbridge/pkg/upb"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upbridge.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[pim]
port = "/dev/ttyUSB0"
network = 12
ack_timeout = "750ms"
max_retries = 5

[[devices]]
id = 5
name = "Kitchen"

[[devices]]
id = 7

[[links]]
id = 3
name = "Evening"

[mqtt]
broker = "tcp://localhost:1883"

[metrics]
addr = ":9108"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.PIM.Port != "/dev/ttyUSB0" || cfg.PIM.Network != 12 {
		t.Errorf("LoadConfig() = %+v", cfg)
	}
	if len(cfg.Devices) != 2 || len(cfg.Links) != 1 {
		t.Fatalf("devices = %d, links = %d; want 2, 1", len(cfg.Devices), len(cfg.Links))
	}
	if cfg.MQTT.TopicPrefix != "upb" {
		t.Errorf("TopicPrefix = %q, want default upb", cfg.MQTT.TopicPrefix)
	}
	if cfg.Metrics.Addr != ":9108" {
		t.Errorf("Metrics.Addr = %q", cfg.Metrics.Addr)
	}

	sc := cfg.SessionConfig()
	if sc.AckTimeout != 750*time.Millisecond || sc.MaxRetries != 5 {
		t.Errorf("SessionConfig() ack=%v retries=%d, want 750ms 5", sc.AckTimeout, sc.MaxRetries)
	}
	if sc.QueueSize != pim.DefaultConfig().QueueSize {
		t.Errorf("QueueSize = %d, want default", sc.QueueSize)
	}

	if got := cfg.DeviceName(5); got != "Kitchen" {
		t.Errorf("DeviceName(5) = %q, want Kitchen", got)
	}
	if got := cfg.DeviceName(7); got != "unit 7" {
		t.Errorf("DeviceName(7) = %q, want unit 7", got)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "[pim]\nprot = \"/dev/ttyS0\"\n", "unknown keys"},
		{"syntax", "[pim\n", "config load failed"},
		{"network range", "[pim]\nnetwork = 300\n", "pim.network"},
		{"bad duration", "[pim]\nack_timeout = \"soon\"\n", "ack_timeout"},
		{"negative duration", "[pim]\nack_timeout = \"-1s\"\n", "ack_timeout"},
		{"unit zero", "[[devices]]\nid = 0\n", "out of range"},
		{"unit 251", "[[devices]]\nid = 251\n", "out of range"},
		{"duplicate unit", "[[devices]]\nid = 4\n[[devices]]\nid = 4\n", "duplicate unit"},
		{"duplicate link", "[[links]]\nid = 4\n[[links]]\nid = 4\n", "duplicate link"},
		{"wildcard prefix", "[mqtt]\ntopic_prefix = \"upb/#\"\n", "wildcards"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("LoadConfig() error = nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadConfig() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("LoadConfig() of a missing file succeeded")
	}
}

func TestRegisterLinks(t *testing.T) {
	cfg := Config{Links: []LinkConfig{{ID: 3, Name: "Evening"}}}

	var got []uint8
	s := pim.NewSession(pim.Config{
		OnLink: func(link uint8, _ *upb.Message) { got = append(got, link) },
	})
	cfg.registerLinks(s)

	s.OnBytes([]byte(reportFrame(t, upb.NewActivate(0, 3, true))))
	s.OnBytes([]byte(reportFrame(t, upb.NewActivate(0, 4, true))))
	if len(got) != 1 || got[0] != 3 {
		t.Errorf("link reports = %v, want [3]", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want zerolog.Level
		ok   bool
	}{
		{"debug", zerolog.DebugLevel, true},
		{" WARN ", zerolog.WarnLevel, true},
		{"warning", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
		{"", zerolog.InfoLevel, false},
		{"loud", zerolog.InfoLevel, false},
	}
	for _, tt := range tests {
		got, ok := parseLevel(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseLevel(%q) = %v, %v; want %v, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}
