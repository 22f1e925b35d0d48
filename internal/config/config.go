// Package config loads and holds the proxy's process-level configuration.
// Settings are layered: defaults → proxy-config.json → environment variables
// (env vars win). This is distinct from internal/ruleset, which holds the
// reloadable host/path allowlist — this package governs how the process
// itself is wired (listen addresses, fixed filesystem paths, timeouts).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds the full proxy process configuration.
type Config struct {
	ListenAddress  string `json:"listenAddress"`  // proxy TCP listener, e.g. "0.0.0.0:58080"
	ManagementAddr string `json:"managementAddr"` // local status/metrics API, e.g. "127.0.0.1:58081"

	CADir     string `json:"caDir"`     // parent of certs/ca.pem and keys/ca.key
	RulesFile string `json:"rulesFile"` // JSON allowlist, e.g. /config/rules.json
	LogFile   string `json:"logFile"`   // JSONL traffic log, e.g. /logs/traffic.jsonl

	ManagementToken string `json:"managementToken"` // bearer token for the management API; empty = no auth

	MaxConnections int `json:"maxConnections"`

	IdleTimeoutSeconds      int `json:"idleTimeoutSeconds"`
	HandshakeTimeoutSeconds int `json:"handshakeTimeoutSeconds"`
	PeekTimeoutMillis       int `json:"peekTimeoutMillis"`
	ShutdownGraceSeconds    int `json:"shutdownGraceSeconds"`

	LogLevel string `json:"logLevel"`
}

// Load returns config with defaults overridden by proxy-config.json and env vars.
func Load() *Config {
	cfg := Defaults()
	loadFile(cfg, "proxy-config.json")
	loadEnv(cfg)
	return cfg
}

// Defaults returns the built-in configuration matching spec.md's fixed
// filesystem paths and network surface.
func Defaults() *Config {
	return &Config{
		ListenAddress:           "0.0.0.0:58080",
		ManagementAddr:          "127.0.0.1:58081",
		CADir:                   "/ca",
		RulesFile:               "/config/rules.json",
		LogFile:                 "/logs/traffic.jsonl",
		MaxConnections:          4096,
		IdleTimeoutSeconds:      60,
		HandshakeTimeoutSeconds: 10,
		PeekTimeoutMillis:       1500,
		ShutdownGraceSeconds:    5,
		LogLevel:                "info",
	}
}

// IdleTimeout is the per-connection idle deadline (spec §4.6).
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// HandshakeTimeout bounds each TLS handshake (client-side or upstream-side).
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// PeekTimeout bounds the SNI/Host peek (spec §4.4).
func (c *Config) PeekTimeout() time.Duration {
	return time.Duration(c.PeekTimeoutMillis) * time.Millisecond
}

// ShutdownGrace is how long graceful shutdown waits for in-flight
// connections to drain before force-closing them (spec §4.7).
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// CACertPath returns the fixed path to the root CA certificate PEM.
func (c *Config) CACertPath() string { return c.CADir + "/certs/ca.pem" }

// CAKeyPath returns the fixed path to the root CA private key PEM.
func (c *Config) CAKeyPath() string { return c.CADir + "/keys/ca.key" }

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("MANAGEMENT_ADDR"); v != "" {
		cfg.ManagementAddr = v
	}
	if v := os.Getenv("CA_DIR"); v != "" {
		cfg.CADir = v
	}
	if v := os.Getenv("RULES_FILE"); v != "" {
		cfg.RulesFile = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConnections = n
		}
	}
	if v := os.Getenv("IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.IdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("HANDSHAKE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HandshakeTimeoutSeconds = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
