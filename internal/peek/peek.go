// Package peek classifies an inbound connection as TLS or plaintext HTTP
// and extracts the client's intended target hostname, without consuming
// any bytes the downstream handshake or HTTP parser will need (spec §4.4).
//
// No example in the retrieved reference pack sniffs a ClientHello before a
// handshake begins — every pack repo that reads a hostname does so through
// crypto/tls's own post-handshake ClientHelloInfo.ServerName. That path is
// unavailable here: the listener must decide whether to even start a TLS
// handshake before it can ask crypto/tls anything. The record/handshake
// parsing below is accordingly hand-rolled against the wire formats RFC
// 8446 §4.1.2 and RFC 6066 §3 already define, with every offset bounds
// checked so malformed input returns an error instead of panicking.
package peek

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// maxPeekBytes bounds how much of the connection peek will buffer before
// giving up, for both the TLS ClientHello-reassembly path and the
// plaintext header-read path.
const maxPeekBytes = 16 * 1024

// peekDeadline bounds how long peek will wait for enough bytes to reach a
// classification decision.
const peekDeadline = 1500 * time.Millisecond

// Protocol is the classification peek assigned to a connection.
type Protocol int

// Possible protocols.
const (
	ProtocolUnknown Protocol = iota
	ProtocolTLS
	ProtocolPlaintext
)

// Result is the outcome of peeking one connection.
type Result struct {
	Protocol Protocol
	Host     string   // SNI for TLS, Host header for plaintext; "" if absent
	Port     int      // 443 for TLS, 80 for plaintext
	Conn     net.Conn // wraps the original conn, replaying the peeked bytes first
}

// Peek reads from conn without consuming it from the caller's perspective:
// the returned Result.Conn replays every byte peek read before falling
// through to the original connection.
func Peek(ctx context.Context, conn net.Conn) (*Result, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(peekDeadline))
	}
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck // best-effort clear

	buf := make([]byte, 0, 4096)
	first := make([]byte, 1)
	n, err := conn.Read(first)
	if err != nil || n == 0 {
		return nil, fmt.Errorf("peek: read first byte: %w", err)
	}
	buf = append(buf, first[:n]...)

	if buf[0] == recordTypeHandshake {
		host, raw, err := peekTLS(conn, buf)
		if err != nil {
			return nil, err
		}
		return &Result{
			Protocol: ProtocolTLS,
			Host:     host,
			Port:     443,
			Conn:     newPeekedConn(conn, raw),
		}, nil
	}

	host, raw, err := peekPlaintext(conn, buf)
	if err != nil {
		return nil, err
	}
	return &Result{
		Protocol: ProtocolPlaintext,
		Host:     host,
		Port:     80,
		Conn:     newPeekedConn(conn, raw),
	}, nil
}

// --- plaintext branch ---

// peekPlaintext reads up to the first blank line (bounded by maxPeekBytes)
// and extracts the first Host header, case-insensitively.
func peekPlaintext(conn net.Conn, seed []byte) (host string, raw []byte, err error) {
	buf := append([]byte(nil), seed...)
	chunk := make([]byte, 4096)

	for !bytes.Contains(buf, []byte("\r\n\r\n")) {
		if len(buf) >= maxPeekBytes {
			return "", buf, fmt.Errorf("peek: plaintext headers exceed %d bytes without terminator", maxPeekBytes)
		}
		n, rerr := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			if bytes.Contains(buf, []byte("\r\n\r\n")) {
				break
			}
			return "", buf, fmt.Errorf("peek: read plaintext headers: %w", rerr)
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(buf))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) >= 5 && strings.EqualFold(line[:5], "host:") {
			return strings.TrimSpace(line[5:]), buf, nil
		}
	}
	return "", buf, nil
}

// --- TLS branch ---

const (
	recordTypeHandshake = 0x16
	handshakeTypeHello  = 0x01
	extensionServerName = 0x0000
	sniHostName         = 0x00
)

// peekTLS reassembles TLS record(s) until a complete ClientHello handshake
// message is available, then extracts the server_name extension. Every
// slice access is bounds-checked; malformed input returns an error.
func peekTLS(conn net.Conn, seed []byte) (host string, raw []byte, err error) {
	buf := append([]byte(nil), seed...)
	chunk := make([]byte, 4096)

	for {
		if hello, ok := extractHandshakeMessage(buf); ok {
			name, perr := parseClientHelloSNI(hello)
			if perr != nil {
				return "", buf, perr
			}
			return name, buf, nil
		}
		if len(buf) >= maxPeekBytes {
			return "", buf, fmt.Errorf("peek: TLS ClientHello exceeds %d bytes without completing", maxPeekBytes)
		}
		n, rerr := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			continue
		}
		if rerr != nil {
			return "", buf, fmt.Errorf("peek: read TLS records: %w", rerr)
		}
	}
}

// extractHandshakeMessage reassembles one or more 5-byte-prefixed TLS
// records of type handshake into a single handshake message body
// (msg-type + 24-bit length + body), returning ok=false if more bytes are
// needed.
func extractHandshakeMessage(buf []byte) (msg []byte, ok bool) {
	var payload []byte
	offset := 0

	for {
		if len(buf) < offset+5 {
			return nil, false
		}
		recType := buf[offset]
		recLen := int(buf[offset+3])<<8 | int(buf[offset+4])
		if recType != recordTypeHandshake {
			return nil, false
		}
		recStart := offset + 5
		recEnd := recStart + recLen
		if len(buf) < recEnd {
			return nil, false
		}
		payload = append(payload, buf[recStart:recEnd]...)
		offset = recEnd

		if len(payload) >= 4 {
			msgLen := int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
			if len(payload) >= 4+msgLen {
				return payload[:4+msgLen], true
			}
		}
		// Need another record to complete this handshake message.
		if len(buf) == offset {
			return nil, false
		}
	}
}

// parseClientHelloSNI walks a ClientHello handshake message body looking
// for the server_name extension. Returns "" with no error if absent.
func parseClientHelloSNI(msg []byte) (string, error) {
	if len(msg) < 4 || msg[0] != handshakeTypeHello {
		return "", fmt.Errorf("peek: not a ClientHello")
	}
	body := msg[4:]

	// legacy_version(2) + random(32)
	if len(body) < 34 {
		return "", fmt.Errorf("peek: ClientHello truncated before random")
	}
	p := 34

	// session_id
	if len(body) < p+1 {
		return "", fmt.Errorf("peek: ClientHello truncated before session_id length")
	}
	sidLen := int(body[p])
	p++
	if len(body) < p+sidLen {
		return "", fmt.Errorf("peek: ClientHello truncated in session_id")
	}
	p += sidLen

	// cipher_suites
	if len(body) < p+2 {
		return "", fmt.Errorf("peek: ClientHello truncated before cipher_suites length")
	}
	csLen := int(body[p])<<8 | int(body[p+1])
	p += 2
	if len(body) < p+csLen {
		return "", fmt.Errorf("peek: ClientHello truncated in cipher_suites")
	}
	p += csLen

	// compression_methods
	if len(body) < p+1 {
		return "", fmt.Errorf("peek: ClientHello truncated before compression_methods length")
	}
	cmLen := int(body[p])
	p++
	if len(body) < p+cmLen {
		return "", fmt.Errorf("peek: ClientHello truncated in compression_methods")
	}
	p += cmLen

	if len(body) == p {
		return "", nil // no extensions present
	}
	if len(body) < p+2 {
		return "", fmt.Errorf("peek: ClientHello truncated before extensions length")
	}
	extTotal := int(body[p])<<8 | int(body[p+1])
	p += 2
	if len(body) < p+extTotal {
		return "", fmt.Errorf("peek: ClientHello truncated in extensions block")
	}
	extensions := body[p : p+extTotal]

	for len(extensions) > 0 {
		if len(extensions) < 4 {
			return "", fmt.Errorf("peek: extension header truncated")
		}
		extType := int(extensions[0])<<8 | int(extensions[1])
		extLen := int(extensions[2])<<8 | int(extensions[3])
		extensions = extensions[4:]
		if len(extensions) < extLen {
			return "", fmt.Errorf("peek: extension body truncated")
		}
		extBody := extensions[:extLen]
		extensions = extensions[extLen:]

		if extType != extensionServerName {
			continue
		}
		name, err := parseServerNameExtension(extBody)
		if err != nil {
			return "", err
		}
		return name, nil
	}
	return "", nil
}

// parseServerNameExtension parses RFC 6066 §3's server_name_list looking
// for a host_name entry.
func parseServerNameExtension(body []byte) (string, error) {
	if len(body) < 2 {
		return "", fmt.Errorf("peek: server_name extension truncated before list length")
	}
	listLen := int(body[0])<<8 | int(body[1])
	p := 2
	if len(body) < p+listLen {
		return "", fmt.Errorf("peek: server_name list truncated")
	}
	end := p + listLen
	for p < end {
		if end-p < 3 {
			return "", fmt.Errorf("peek: server_name entry header truncated")
		}
		nameType := body[p]
		nameLen := int(body[p+1])<<8 | int(body[p+2])
		p += 3
		if end-p < nameLen {
			return "", fmt.Errorf("peek: server_name entry body truncated")
		}
		name := body[p : p+nameLen]
		p += nameLen
		if nameType == sniHostName {
			return string(name), nil
		}
	}
	return "", nil
}

// --- connection wrapper ---

// peekedConn replays buffered bytes before falling through to the
// underlying connection, so peeking never consumes bytes from the
// downstream reader's point of view.
type peekedConn struct {
	net.Conn
	buf *bytes.Reader
}

func newPeekedConn(conn net.Conn, peeked []byte) net.Conn {
	return &peekedConn{Conn: conn, buf: bytes.NewReader(peeked)}
}

func (c *peekedConn) Read(p []byte) (int, error) {
	if c.buf.Len() > 0 {
		return c.buf.Read(p)
	}
	return c.Conn.Read(p)
}
