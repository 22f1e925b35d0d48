package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.ListenAddress != "0.0.0.0:58080" {
		t.Errorf("ListenAddress: got %s, want 0.0.0.0:58080", cfg.ListenAddress)
	}
	if cfg.ManagementAddr != "127.0.0.1:58081" {
		t.Errorf("ManagementAddr: got %s", cfg.ManagementAddr)
	}
	if cfg.CADir != "/ca" {
		t.Errorf("CADir: got %s, want /ca", cfg.CADir)
	}
	if cfg.RulesFile != "/config/rules.json" {
		t.Errorf("RulesFile: got %s", cfg.RulesFile)
	}
	if cfg.LogFile != "/logs/traffic.jsonl" {
		t.Errorf("LogFile: got %s", cfg.LogFile)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s, want info", cfg.LogLevel)
	}
	if cfg.MaxConnections <= 0 {
		t.Error("MaxConnections should be positive")
	}
	if cfg.CACertPath() != "/ca/certs/ca.pem" {
		t.Errorf("CACertPath: got %s", cfg.CACertPath())
	}
	if cfg.CAKeyPath() != "/ca/keys/ca.key" {
		t.Errorf("CAKeyPath: got %s", cfg.CAKeyPath())
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Defaults()
	if cfg.IdleTimeout().Seconds() != 60 {
		t.Errorf("IdleTimeout: got %v, want 60s", cfg.IdleTimeout())
	}
	if cfg.HandshakeTimeout().Seconds() != 10 {
		t.Errorf("HandshakeTimeout: got %v, want 10s", cfg.HandshakeTimeout())
	}
	if cfg.PeekTimeout().Milliseconds() != 1500 {
		t.Errorf("PeekTimeout: got %v, want 1.5s", cfg.PeekTimeout())
	}
	if cfg.ShutdownGrace().Seconds() != 5 {
		t.Errorf("ShutdownGrace: got %v, want 5s", cfg.ShutdownGrace())
	}
}

func TestLoadEnv_Overrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", "0.0.0.0:9999")
	t.Setenv("MANAGEMENT_ADDR", "127.0.0.1:9998")
	t.Setenv("CA_DIR", "/tmp/ca")
	t.Setenv("RULES_FILE", "/tmp/rules.json")
	t.Setenv("LOG_FILE", "/tmp/traffic.jsonl")
	t.Setenv("MANAGEMENT_TOKEN", "secret")
	t.Setenv("MAX_CONNECTIONS", "128")
	t.Setenv("IDLE_TIMEOUT_SECONDS", "30")
	t.Setenv("HANDSHAKE_TIMEOUT_SECONDS", "5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Defaults()
	loadEnv(cfg)

	if cfg.ListenAddress != "0.0.0.0:9999" {
		t.Errorf("ListenAddress: got %s", cfg.ListenAddress)
	}
	if cfg.ManagementAddr != "127.0.0.1:9998" {
		t.Errorf("ManagementAddr: got %s", cfg.ManagementAddr)
	}
	if cfg.CADir != "/tmp/ca" {
		t.Errorf("CADir: got %s", cfg.CADir)
	}
	if cfg.RulesFile != "/tmp/rules.json" {
		t.Errorf("RulesFile: got %s", cfg.RulesFile)
	}
	if cfg.LogFile != "/tmp/traffic.jsonl" {
		t.Errorf("LogFile: got %s", cfg.LogFile)
	}
	if cfg.ManagementToken != "secret" {
		t.Errorf("ManagementToken: got %s", cfg.ManagementToken)
	}
	if cfg.MaxConnections != 128 {
		t.Errorf("MaxConnections: got %d", cfg.MaxConnections)
	}
	if cfg.IdleTimeoutSeconds != 30 {
		t.Errorf("IdleTimeoutSeconds: got %d", cfg.IdleTimeoutSeconds)
	}
	if cfg.HandshakeTimeoutSeconds != 5 {
		t.Errorf("HandshakeTimeoutSeconds: got %d", cfg.HandshakeTimeoutSeconds)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
}

func TestLoadEnv_InvalidIntegersIgnored(t *testing.T) {
	t.Setenv("MAX_CONNECTIONS", "not-a-number")
	cfg := Defaults()
	want := cfg.MaxConnections
	loadEnv(cfg)
	if cfg.MaxConnections != want {
		t.Errorf("MaxConnections changed on invalid input: got %d, want %d", cfg.MaxConnections, want)
	}
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy-config.json")
	data, err := json.Marshal(map[string]any{
		"listenAddress": "0.0.0.0:7777",
		"logLevel":      "warn",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	loadFile(cfg, path)

	if cfg.ListenAddress != "0.0.0.0:7777" {
		t.Errorf("ListenAddress: got %s", cfg.ListenAddress)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	// Untouched field should keep its default.
	if cfg.CADir != "/ca" {
		t.Errorf("CADir changed unexpectedly: %s", cfg.CADir)
	}
}

func TestLoadFile_Missing_IsNoOp(t *testing.T) {
	cfg := Defaults()
	loadFile(cfg, "/nonexistent/path/config.json")
	if cfg.ListenAddress != "0.0.0.0:58080" {
		t.Errorf("ListenAddress changed unexpectedly: %s", cfg.ListenAddress)
	}
}

func TestLoadFile_InvalidJSON_PreservesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config-bad.json")
	if err := os.WriteFile(path, []byte("{this is not json}"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	loadFile(cfg, path)
	if cfg.ListenAddress != "0.0.0.0:58080" {
		t.Errorf("ListenAddress changed on bad JSON: %s", cfg.ListenAddress)
	}
}

func TestLoad_ReturnsNonNil(t *testing.T) {
	cfg := Load()
	if cfg == nil {
		t.Fatal("Load() returned nil")
	}
	if cfg.ListenAddress == "" {
		t.Error("ListenAddress should not be empty")
	}
}
