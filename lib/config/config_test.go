// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
device:
  id: "AA:BB:CC:DD:EE:FF"
  room: "lab-2"
  salt: "pepper"
broker:
  host: broker.example
token_service:
  host: identity.example
`

func TestParseMinimal(t *testing.T) {
	t.Setenv("TURNSTILE_ROOT", "")
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Device.ID != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Device.ID = %q", cfg.Device.ID)
	}
	if cfg.Broker.Port != 1883 {
		t.Errorf("Broker.Port = %d, want default 1883", cfg.Broker.Port)
	}
	if cfg.Session.ReconnectDelay != 5*time.Second {
		t.Errorf("ReconnectDelay = %v, want 5s", cfg.Session.ReconnectDelay)
	}
	if cfg.Storage.Path != "/var/lib/turnstile/turnstile.db" {
		t.Errorf("Storage.Path = %q", cfg.Storage.Path)
	}
	if cfg.ClientID() != cfg.Device.ID {
		t.Errorf("ClientID() = %q, want device id", cfg.ClientID())
	}
	if got := cfg.BrokerURL(); got != "tcp://broker.example:1883" {
		t.Errorf("BrokerURL() = %q", got)
	}
	if got := cfg.TokenURL(); got != "http://identity.example:8080" {
		t.Errorf("TokenURL() = %q", got)
	}
}

func TestParseDurations(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig + `
session:
  reconnect_delay: 250ms
healthcheck:
  interval: 1m
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Session.ReconnectDelay != 250*time.Millisecond {
		t.Errorf("ReconnectDelay = %v", cfg.Session.ReconnectDelay)
	}
	if cfg.Healthcheck.Interval != time.Minute {
		t.Errorf("Interval = %v", cfg.Healthcheck.Interval)
	}
}

func TestBrokerURLTLS(t *testing.T) {
	t.Run("port 8883", func(t *testing.T) {
		cfg, err := Parse([]byte(strings.Replace(minimalConfig,
			"host: broker.example", "host: broker.example\n  port: 8883", 1)))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if got := cfg.BrokerURL(); got != "ssl://broker.example:8883" {
			t.Errorf("BrokerURL() = %q", got)
		}
	})
	t.Run("production default", func(t *testing.T) {
		cfg, err := Parse([]byte(minimalConfig + "environment: production\n"))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if !cfg.Broker.TLS {
			t.Error("production without overrides should enable TLS")
		}
		if !strings.HasPrefix(cfg.BrokerURL(), "ssl://") {
			t.Errorf("BrokerURL() = %q", cfg.BrokerURL())
		}
	})
}

func TestEnvironmentOverrides(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig + `
environment: development
development:
  broker:
    host: localhost
    port: 11883
  api:
    listen: "0.0.0.0:9999"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Broker.Host != "localhost" || cfg.Broker.Port != 11883 {
		t.Errorf("broker = %s:%d, want localhost:11883", cfg.Broker.Host, cfg.Broker.Port)
	}
	if cfg.API.Listen != "0.0.0.0:9999" {
		t.Errorf("API.Listen = %q", cfg.API.Listen)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("TURNSTILE_TEST_SET", "/data")
	t.Setenv("TURNSTILE_TEST_EMPTY", "")

	tests := []struct {
		input string
		want  string
	}{
		{"${TURNSTILE_TEST_SET}/db", "/data/db"},
		{"${TURNSTILE_TEST_EMPTY:-/fallback}/db", "/fallback/db"},
		{"${TURNSTILE_TEST_SET:-/fallback}/db", "/data/db"},
		{"plain", "plain"},
	}
	for _, test := range tests {
		if got := expandVars(test.input); got != test.want {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestSaltFile(t *testing.T) {
	directory := t.TempDir()
	saltPath := filepath.Join(directory, "salt")
	if err := os.WriteFile(saltPath, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Parse([]byte(strings.Replace(minimalConfig,
		`salt: "pepper"`, "salt_file: "+saltPath, 1)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Device.Salt != "from-file" {
		t.Errorf("Salt = %q, want from-file", cfg.Device.Salt)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	_, err := Parse([]byte(`
environment: staging
broker:
  port: 70000
access:
  face_threshold: 2
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, fragment := range []string{
		"invalid environment",
		"device.id is required",
		"broker.host is required",
		"broker.port out of range",
		"token_service.host is required",
		"face_threshold",
	} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error missing %q:\n%v", fragment, err)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		t.Setenv("TURNSTILE_CONFIG", "")
		if _, err := Load(); err == nil {
			t.Error("Load() with TURNSTILE_CONFIG unset should fail")
		}
	})
	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "turnstile.yaml")
		if err := os.WriteFile(path, []byte(minimalConfig), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("TURNSTILE_CONFIG", path)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Device.Room != "lab-2" {
			t.Errorf("Room = %q", cfg.Device.Room)
		}
	})
}
