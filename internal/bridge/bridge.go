// Package bridge implements the MITM Bridge: the per-connection state
// machine that terminates client TLS (or reads plaintext HTTP directly),
// re-originates the connection to the real upstream host, evaluates every
// request against the current rule set, and forwards or blocks it
// (spec §4.6).
//
// A connection runs through Peeked -> Handshaking -> AwaitingRequest ->
// Evaluating -> Forwarding|Responding403, looping back to AwaitingRequest
// for each subsequent request on a keep-alive connection, until the client
// or upstream closes the connection or the idle timeout fires.
package bridge

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"secureproxy/internal/ca"
	"secureproxy/internal/config"
	"secureproxy/internal/logger"
	"secureproxy/internal/metrics"
	"secureproxy/internal/peek"
	"secureproxy/internal/ruleset"
	"secureproxy/internal/tracelog"
)

// maxHeaderBytes is the size of the buffered reader that request lines and
// headers are parsed from. It is a buffer size only: http.ReadRequest keeps
// reading past it, so the request line and header block are not size-limited.
const maxHeaderBytes = 8 * 1024

// Handler evaluates and forwards requests on already-peeked connections.
// One Handler is shared across all connections.
type Handler struct {
	cfg       *config.Config
	authority *ca.Authority
	rules     *ruleset.Store
	trace     *tracelog.Logger
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// NewHandler builds a Handler from its collaborators.
func NewHandler(cfg *config.Config, authority *ca.Authority, rules *ruleset.Store, trace *tracelog.Logger, m *metrics.Metrics, log *logger.Logger) *Handler {
	return &Handler{cfg: cfg, authority: authority, rules: rules, trace: trace, metrics: m, log: log}
}

// HandleConnection classifies a freshly-accepted connection via peek, then
// dispatches to the TLS or plaintext path. It never lets a panic escape —
// a panic is logged, recorded as a BLOCK traffic entry with reason
// "internal:panic", and the connection is closed (spec's "must not crash
// the process" failure-isolation policy).
func (h *Handler) HandleConnection(ctx context.Context, raw net.Conn) {
	defer raw.Close() //nolint:errcheck // best-effort close
	defer func() {
		if r := recover(); r != nil {
			h.log.Errorf("panic", "connection from %s: %v", raw.RemoteAddr(), r)
			h.trace.Append(tracelog.Entry{
				Action: tracelog.ActionBlock,
				Mode:   string(h.rules.Current().Mode),
				Reason: "internal:panic",
			})
		}
	}()

	h.metrics.ConnectionsTotal.Add(1)
	h.metrics.ConnectionsActive.Add(1)
	defer h.metrics.ConnectionsActive.Add(-1)

	peekCtx, cancel := context.WithTimeout(ctx, h.cfg.PeekTimeout())
	result, err := peek.Peek(peekCtx, raw)
	cancel()
	if err != nil {
		h.metrics.PeekFailures.Add(1)
		h.log.Debugf("peek", "from %s: %v", raw.RemoteAddr(), err)
		return
	}

	switch result.Protocol {
	case peek.ProtocolTLS:
		h.metrics.ConnectionsTLS.Add(1)
		h.handleTLS(ctx, result)
	case peek.ProtocolPlaintext:
		h.metrics.ConnectionsPlain.Add(1)
		h.handlePlaintext(ctx, result)
	default:
		h.log.Debug("peek", "could not classify connection, closing")
	}
}

// handleTLS terminates client TLS with a leaf certificate minted for the
// SNI host, re-originates TLS to the real upstream on 443, then serves
// requests off the decrypted stream.
func (h *Handler) handleTLS(ctx context.Context, result *peek.Result) {
	host := result.Host
	if host == "" {
		h.log.Debug("handshake", "TLS connection with no SNI, closing")
		return
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
			start := time.Now()
			cert, err := h.authority.LeafFor(ctx, host)
			h.metrics.RecordMintLatency(time.Since(start))
			if err == nil {
				h.metrics.LeafCertsMinted.Add(1)
			}
			return cert, err
		},
	}

	clientConn := tls.Server(result.Conn, tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout())
	defer cancel()
	hsStart := time.Now()
	if err := clientConn.HandshakeContext(hsCtx); err != nil {
		h.metrics.HandshakeFailures.Add(1)
		h.log.Warnf("handshake", "client TLS handshake failed for %s: %v", host, err)
		return
	}
	h.metrics.RecordHandshakeLatency(time.Since(hsStart))
	h.log.Debugf("handshake", "client TLS handshake ok for %s", host)

	h.serve(clientConn, host, "https", func() (net.Conn, error) {
		return dialTLSUpstream(host, h.cfg.HandshakeTimeout())
	})
}

// handlePlaintext re-originates a plain HTTP connection to the Host
// header's target on port 80, with no handshake on either leg.
func (h *Handler) handlePlaintext(_ context.Context, result *peek.Result) {
	host := result.Host
	if host == "" {
		h.log.Debug("request", "plaintext connection with no Host header, closing")
		return
	}

	h.serve(result.Conn, host, "http", func() (net.Conn, error) {
		return dialPlaintextUpstream(host, h.cfg.HandshakeTimeout())
	})
}

// dialPlaintextUpstream and dialTLSUpstream are package-level hooks (rather
// than inline calls) so tests can substitute a dial that fails the test if
// ever invoked, proving a blocked request never reaches the network.
var dialPlaintextUpstream = func(host string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", net.JoinHostPort(host, "80"), timeout)
}

var dialTLSUpstream = func(host string, timeout time.Duration) (net.Conn, error) {
	return tls.DialWithDialer(
		&net.Dialer{Timeout: timeout},
		"tcp",
		net.JoinHostPort(host, "443"),
		&tls.Config{ServerName: host},
	)
}

// serve reads requests off client in a loop so that every request on a
// keep-alive connection is individually evaluated against the current
// rule set and individually logged (spec §4.6's per-request
// re-evaluation requirement — a single http.Server.Serve call does not
// expose a per-request hook without a handler wrapper, so requests are
// parsed here directly via http.ReadRequest instead). The host/SNI is
// already known at this point, but the upstream connection is dialed
// lazily via dial, on the first Allow verdict only — a Block must never
// cause the proxy itself to open a connection to the denied destination.
func (h *Handler) serve(client net.Conn, host, scheme string, dial func() (net.Conn, error)) {
	clientReader := bufio.NewReaderSize(client, maxHeaderBytes)

	var upstream net.Conn
	var upstreamReader *bufio.Reader
	defer func() {
		if upstream != nil {
			upstream.Close() //nolint:errcheck // best-effort close
		}
	}()

	for {
		client.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout())) //nolint:errcheck

		req, err := http.ReadRequest(clientReader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.log.Debugf("request_read", "%s: %v", host, err)
			}
			return
		}

		path := req.URL.RequestURI()
		snapshot := h.rules.Current()
		decision := ruleset.Evaluate(snapshot, host, path, req.Method)

		h.trace.Append(tracelog.Entry{
			Action: actionFor(decision.Verdict),
			Mode:   string(snapshot.Mode),
			Host:   host,
			Path:   path,
			Method: req.Method,
			Reason: decision.Reason,
		})

		if decision.Verdict == ruleset.Block {
			h.metrics.RequestsBlocked.Add(1)
			io.Copy(io.Discard, req.Body) //nolint:errcheck // drain so the response write isn't racing a half-sent body
			req.Body.Close()              //nolint:errcheck
			if err := writeForbidden(client, decision.Reason); err != nil {
				h.log.Debugf("response_write", "%s: %v", host, err)
			}
			return
		}
		h.metrics.RequestsAllowed.Add(1)

		if upstream == nil {
			upstream, err = dial()
			if err != nil {
				h.metrics.UpstreamFailures.Add(1)
				reason := fmt.Sprintf("Upstream Connect Error: %v", err)
				h.log.Warnf("upstream_connect", "%s: %v", host, err)
				h.trace.Append(tracelog.Entry{
					Action: tracelog.ActionBlock,
					Mode:   string(snapshot.Mode),
					Host:   host,
					Path:   path,
					Method: req.Method,
					Reason: reason,
				})
				req.Body.Close() //nolint:errcheck
				if scheme == "http" {
					if err := writeBadGateway(client, reason); err != nil {
						h.log.Debugf("response_write", "%s: %v", host, err)
					}
				}
				return
			}
			upstreamReader = bufio.NewReader(upstream)
		}

		req.URL.Scheme = scheme
		req.URL.Host = host
		if err := req.Write(upstream); err != nil {
			h.metrics.UpstreamFailures.Add(1)
			h.log.Warnf("upstream_write", "%s: %v", host, err)
			return
		}

		resp, err := http.ReadResponse(upstreamReader, req)
		if err != nil {
			h.metrics.UpstreamFailures.Add(1)
			h.log.Warnf("upstream_read", "%s: %v", host, err)
			return
		}
		if err := resp.Write(client); err != nil {
			resp.Body.Close() //nolint:errcheck
			h.log.Debugf("response_write", "%s: %v", host, err)
			return
		}
		resp.Body.Close() //nolint:errcheck
		if req.Close || resp.Close {
			return
		}
	}
}

func actionFor(v ruleset.Verdict) tracelog.Action {
	if v == ruleset.Allow {
		return tracelog.ActionAllow
	}
	return tracelog.ActionBlock
}

// writeForbidden writes a minimal 403 response. The connection is closed
// by the caller immediately after — a Block always ends the connection,
// even on an otherwise keep-alive-capable request (spec §4.6).
func writeForbidden(w io.Writer, reason string) error {
	body := fmt.Sprintf("403 Forbidden: %s\n", reason)
	_, err := fmt.Fprintf(w,
		"HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)
	return err
}

// writeBadGateway writes a minimal 502 response for an HTTP request whose
// upstream connection could not be established (spec §7).
func writeBadGateway(w io.Writer, reason string) error {
	body := fmt.Sprintf("502 Bad Gateway: %s\n", reason)
	_, err := fmt.Fprintf(w,
		"HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)
	return err
}
