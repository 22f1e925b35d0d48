// Package ruleset holds the reloadable host/path allowlist and the Rule
// Evaluator that decides whether a request may pass.
//
// RuleSet is an immutable snapshot. Store publishes snapshots behind an
// atomic pointer so that a request evaluated against one snapshot never
// observes a torn read, even if a reload completes mid-request (spec
// invariant I4).
package ruleset

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/net/idna"
)

// Mode is the proxy's enforcement mode.
type Mode string

// Supported modes. "allow-all" is accepted on load as an alias that
// collapses to a fixed, never-block Monitor-equivalent snapshot.
const (
	ModeMonitor Mode = "monitor"
	ModeEnforce Mode = "enforce"
)

// HostRule matches a request host and, optionally, a set of path prefixes.
type HostRule struct {
	Host         string   `json:"host"`
	AllowedPaths []string `json:"allowed_paths"`
}

// RuleSet is an immutable configuration snapshot (spec §3).
type RuleSet struct {
	Mode  Mode
	Rules []HostRule
}

// rawRuleSet mirrors the on-disk JSON shape (spec §6).
type rawRuleSet struct {
	Mode         string     `json:"mode"`
	AllowedRules []HostRule `json:"allowed_rules"`
}

// defaultRuleSet is the built-in fallback used when no file has ever been
// loaded successfully (spec §4.1: "first-load failure yields a built-in
// default: Monitor, empty rules").
func defaultRuleSet() *RuleSet {
	return &RuleSet{Mode: ModeMonitor}
}

// parse validates and converts raw JSON bytes into a RuleSet.
func parse(data []byte) (*RuleSet, error) {
	var raw rawRuleSet
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	var mode Mode
	switch strings.ToLower(raw.Mode) {
	case "monitor":
		mode = ModeMonitor
	case "enforce":
		mode = ModeEnforce
	case "allow-all":
		// Fixed "no rules, never block" snapshot (spec §4.1).
		return &RuleSet{Mode: ModeMonitor}, nil
	default:
		return nil, fmt.Errorf("invalid mode %q: must be monitor, enforce, or allow-all", raw.Mode)
	}

	rules := make([]HostRule, 0, len(raw.AllowedRules))
	for i, r := range raw.AllowedRules {
		if r.Host == "" {
			return nil, fmt.Errorf("rule %d: host must not be empty", i)
		}
		for _, p := range r.AllowedPaths {
			if !strings.HasPrefix(p, "/") {
				return nil, fmt.Errorf("rule %d: allowed path %q must begin with /", i, p)
			}
		}
		rules = append(rules, HostRule{
			Host:         normalizeHost(r.Host),
			AllowedPaths: r.AllowedPaths,
		})
	}

	return &RuleSet{Mode: mode, Rules: rules}, nil
}

// normalizeHost lowercases and ASCII-normalizes (via IDNA ToASCII) a
// hostname so that equivalent spellings compare equal. Invalid input is
// returned lowercased, unnormalized — the evaluator still does a literal
// compare, it just won't IDNA-fold malformed labels.
func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSuffix(h, "."))
	if ascii, err := idna.Lookup.ToASCII(h); err == nil {
		return ascii
	}
	return h
}

// Store holds the currently active RuleSet behind an atomic pointer and
// the path it was last successfully loaded from.
type Store struct {
	snapshot atomic.Pointer[RuleSet]
	path     string
}

// NewStore returns a Store seeded with the built-in default snapshot.
func NewStore() *Store {
	s := &Store{}
	s.snapshot.Store(defaultRuleSet())
	return s
}

// Load reads and validates the rules file at path, atomically swapping in
// the new snapshot only on success. A failed parse leaves the previously
// published snapshot untouched (spec §4.1, §7 Config error policy).
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G703: operator-provided config path, not user input
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	rs, err := parse(data)
	if err != nil {
		return err
	}
	s.path = path
	s.snapshot.Store(rs)
	return nil
}

// Reload re-reads the rules file from the path of the last successful
// Load. A no-op (returning an error) if Load has never succeeded.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("reload: no rules file previously loaded")
	}
	return s.Load(s.path)
}

// Current returns the currently published snapshot. Never blocks and
// never returns nil.
func (s *Store) Current() *RuleSet {
	return s.snapshot.Load()
}
