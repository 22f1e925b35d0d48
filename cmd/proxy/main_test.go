package main

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"secureproxy/internal/config"
)

func TestPrintBanner_ContainsExpectedFields(t *testing.T) {
	cfg := &config.Config{
		ListenAddress:  "0.0.0.0:58080",
		ManagementAddr: "127.0.0.1:58081",
		CADir:          "/ca",
		RulesFile:      "/config/rules.json",
		LogFile:        "/logs/traffic.jsonl",
		MaxConnections: 4096,
	}

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	printBanner(cfg)

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r) //nolint:errcheck

	out := buf.String()
	for _, want := range []string{
		"0.0.0.0:58080", "127.0.0.1:58081", "/ca", "/config/rules.json",
		"/logs/traffic.jsonl", "4096",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in banner output, got:\n%s", want, out)
		}
	}
}

// TestPrintBanner_ZeroValue verifies printBanner never panics on an
// incomplete config, since it runs before any validation.
func TestPrintBanner_ZeroValue(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("printBanner panicked: %v", r)
		}
	}()

	old := os.Stdout
	_, w, _ := os.Pipe()
	os.Stdout = w
	printBanner(&config.Config{})
	w.Close()
	os.Stdout = old
}
