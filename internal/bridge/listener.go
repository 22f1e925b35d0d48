package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"secureproxy/internal/config"
	"secureproxy/internal/logger"
)

// Listener accepts raw TCP connections, caps concurrency, and hands each
// accepted connection to a Handler on its own goroutine.
type Listener struct {
	cfg     *config.Config
	handler *Handler
	log     *logger.Logger
}

// NewListener builds a Listener bound to cfg.ListenAddress.
func NewListener(cfg *config.Config, handler *Handler, log *logger.Logger) *Listener {
	return &Listener{cfg: cfg, handler: handler, log: log}
}

// ListenAndServe accepts connections until ctx is canceled, then stops
// accepting and waits up to cfg.ShutdownGrace for in-flight connections to
// drain before returning (spec §4.7 graceful shutdown).
func (l *Listener) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.ListenAddress, err)
	}
	limited := netutil.LimitListener(ln, l.cfg.MaxConnections)
	defer limited.Close() //nolint:errcheck // best-effort close

	go func() {
		<-ctx.Done()
		limited.Close() //nolint:errcheck // unblocks Accept below
	}()

	l.log.Infof("startup", "listening on %s (max %d connections)", l.cfg.ListenAddress, l.cfg.MaxConnections)

	var wg sync.WaitGroup
	for {
		conn, err := limited.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return l.drain(&wg)
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handler.HandleConnection(ctx, conn)
		}()
	}
}

// drain waits for in-flight connection goroutines to finish, up to
// cfg.ShutdownGrace, then returns regardless (any still-running handlers
// will observe their connection closed once the process exits).
func (l *Listener) drain(wg *sync.WaitGroup) error {
	l.log.Info("shutdown", "listener closed, draining in-flight connections")
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.log.Info("shutdown", "all connections drained")
	case <-time.After(l.cfg.ShutdownGrace()):
		l.log.Warn("shutdown", "drain timeout exceeded, exiting with connections still in flight")
	}
	return nil
}
