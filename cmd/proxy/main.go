// Command proxy is the transparent intercepting HTTPS/HTTP proxy.
//
// It terminates client TLS with leaf certificates minted on demand from a
// locally generated root CA, re-originates each connection to its real
// upstream host, and evaluates every request against a host/path allowlist
// before forwarding or blocking it. All traffic is appended to a JSONL
// traffic log.
//
// Usage:
//
//	./proxy
//
// Configuration is layered: built-in defaults, then proxy-config.json in
// the working directory, then environment variables (see internal/config).
//
// Signals:
//
//	SIGINT, SIGTERM  - graceful shutdown, draining in-flight connections
//	SIGHUP           - reload the rules file without restarting
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"secureproxy/internal/bridge"
	"secureproxy/internal/ca"
	"secureproxy/internal/config"
	"secureproxy/internal/logger"
	"secureproxy/internal/management"
	"secureproxy/internal/metrics"
	"secureproxy/internal/ruleset"
	"secureproxy/internal/tracelog"
)

func main() {
	cfg := config.Load()
	log := logger.New("MAIN", cfg.LogLevel)

	printBanner(cfg)

	authority, err := ca.LoadOrGenerate(cfg.CADir, logger.New("CA", cfg.LogLevel))
	if err != nil {
		log.Fatalf("startup", "root CA: %v", err)
	}

	rules := ruleset.NewStore()
	if err := rules.Load(cfg.RulesFile); err != nil {
		log.Warnf("startup", "could not load %s, starting in monitor mode with no rules: %v", cfg.RulesFile, err)
	}

	trace, err := tracelog.Open(cfg.LogFile)
	if err != nil {
		log.Fatalf("startup", "traffic log: %v", err)
	}
	defer trace.Close() //nolint:errcheck // best-effort close on exit

	m := metrics.New()

	mgmt := management.New(cfg, rules, authority, m, logger.New("MANAGEMENT", cfg.LogLevel))
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Fatalf("startup", "management server: %v", err)
		}
	}()

	handler := bridge.NewHandler(cfg, authority, rules, trace, m, logger.New("BRIDGE", cfg.LogLevel))
	listener := bridge.NewListener(cfg, handler, logger.New("LISTENER", cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for s := range sig {
			switch s {
			case syscall.SIGHUP:
				if err := rules.Reload(); err != nil {
					log.Warnf("reload", "rules reload failed, keeping previous rule set: %v", err)
				} else {
					log.Info("reload", "rules reloaded")
				}
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("shutdown", "signal received, shutting down")
				cancel()
				return
			}
		}
	}()

	if err := listener.ListenAndServe(ctx); err != nil {
		log.Fatalf("listener", "%v", err)
	}
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║               Secure Proxy  (Go)                      ║
╚══════════════════════════════════════════════════════╝
  Listen address     : %s
  Management address : %s
  CA directory        : %s
  Rules file          : %s
  Traffic log         : %s
  Max connections     : %d

  Trust the root CA (see certs/ca.pem under the CA directory) on each
  client before routing traffic through this proxy.

  Check status:
    curl http://%s/status
`, cfg.ListenAddress, cfg.ManagementAddr, cfg.CADir, cfg.RulesFile, cfg.LogFile,
		cfg.MaxConnections, cfg.ManagementAddr)
}
