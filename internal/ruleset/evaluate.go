package ruleset

import (
	"fmt"
	"strings"
)

// Verdict is the outcome of evaluating one request against a RuleSet.
type Verdict int

// Possible verdicts.
const (
	Allow Verdict = iota
	Block
)

// Decision is the result of Evaluate: a verdict plus the human-readable
// reason recorded in the traffic log (spec §4.5, §3 TrafficEntry.reason).
type Decision struct {
	Verdict Verdict
	Reason  string
}

func allow(reason string) Decision { return Decision{Verdict: Allow, Reason: reason} }
func block(reason string) Decision { return Decision{Verdict: Block, Reason: reason} }

// Evaluate implements the Rule Evaluator algorithm of spec §4.5 exactly:
//
//  1. Monitor (or allow-all, already folded into Monitor at parse time)
//     always allows.
//  2. The first HostRule whose host equals or is a DNS-label suffix of the
//     request host is matched; no match blocks with "Host Not Allowed".
//  3. An empty allowed_paths list on the matched rule allows any path.
//  4. Otherwise the request path (including query string, compared as a
//     literal byte prefix — no normalization) must start with one of the
//     rule's allowed path prefixes.
//  5. Otherwise the request is blocked, naming the allowed prefixes.
func Evaluate(snapshot *RuleSet, host, path, _ string) Decision {
	if snapshot.Mode == ModeMonitor {
		return allow("Monitor Mode")
	}

	host = normalizeHost(host)
	rule, ok := matchHost(snapshot.Rules, host)
	if !ok {
		return block("Host Not Allowed")
	}

	if len(rule.AllowedPaths) == 0 {
		return allow("Host Match")
	}

	for _, prefix := range rule.AllowedPaths {
		if strings.HasPrefix(path, prefix) {
			return allow("Path Match")
		}
	}

	return block(fmt.Sprintf("Path Not Allowed: %s", formatPaths(rule.AllowedPaths)))
}

// matchHost returns the first rule whose host matches h, either exactly or
// as a DNS-label suffix ("objects.github.com" matches rule "github.com";
// "evil-github.com" does not — spec P8).
func matchHost(rules []HostRule, h string) (HostRule, bool) {
	for _, r := range rules {
		if h == r.Host || strings.HasSuffix(h, "."+r.Host) {
			return r, true
		}
	}
	return HostRule{}, false
}

// formatPaths renders an allowed-paths list as a JSON-ish array the way
// spec.md's concrete scenario 4 expects: ["/repos/"].
func formatPaths(paths []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, p := range paths {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteByte('"')
		b.WriteString(p)
		b.WriteByte('"')
	}
	b.WriteByte(']')
	return b.String()
}
