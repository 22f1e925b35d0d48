// Package management provides a lightweight, read-only HTTP API for
// runtime inspection of the running proxy, bound to localhost only.
//
// Endpoints:
//
//	GET /status   - proxy health, uptime, rule mode, root CA expiry
//	GET /metrics  - counters and latency snapshot
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"secureproxy/internal/ca"
	"secureproxy/internal/config"
	"secureproxy/internal/logger"
	"secureproxy/internal/metrics"
	"secureproxy/internal/ruleset"
)

// Server is the management API server. It never mutates proxy state —
// the rule set is reloaded only from its fixed file (see ruleset.Store),
// never over HTTP.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	rules     *ruleset.Store
	authority *ca.Authority
	metrics   *metrics.Metrics
	token     string // bearer token for auth; empty = no auth
	log       *logger.Logger
}

// New creates a management server.
func New(cfg *config.Config, rules *ruleset.Store, authority *ca.Authority, m *metrics.Metrics, log *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		rules:     rules,
		authority: authority,
		metrics:   m,
		token:     cfg.ManagementToken,
		log:       log,
	}
	if s.token != "" {
		log.Info("startup", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status        string `json:"status"`
		Uptime        string `json:"uptime"`
		ListenAddress string `json:"listenAddress"`
		Mode          string `json:"mode"`
		RuleCount     int    `json:"ruleCount"`
		RootCAExpiry  string `json:"rootCaExpiry"`
	}

	snapshot := s.rules.Current()
	resp := response{
		Status:        "running",
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		ListenAddress: s.cfg.ListenAddress,
		Mode:          string(snapshot.Mode),
		RuleCount:     len(snapshot.Rules),
		RootCAExpiry:  s.authority.RootExpiry().Format(time.RFC3339),
	}

	writeJSON(w, http.StatusOK, resp, s.log)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot(), s.log)
}

func writeJSON(w http.ResponseWriter, status int, v any, log *logger.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encode", "JSON encode error: %v", err)
	}
}

// ListenAndServe starts the management HTTP server, bound to the
// configured (localhost-only) address.
func (s *Server) ListenAndServe() error {
	s.log.Infof("startup", "management API listening on %s", s.cfg.ManagementAddr)
	srv := &http.Server{
		Addr:              s.cfg.ManagementAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("management server: %w", err)
	}
	return nil
}
