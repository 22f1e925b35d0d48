// Package ca implements the proxy's certificate authority: a self-signed
// root loaded from (or generated into) fixed PEM files, and an on-demand
// leaf-certificate minter used to terminate client TLS for any intercepted
// host (spec §4.3).
//
// Leaf certificates are cached in a bounded LRU keyed by hostname.
// Concurrent requests for a host with no cached certificate coalesce into a
// single signing operation; every caller observes the same result
// (spec property P4).
package ca

import (
	"container/list"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"secureproxy/internal/logger"
)

// maxLeafCacheEntries bounds the leaf certificate LRU (spec §4.3).
const maxLeafCacheEntries = 1024

// rootValidity is how long the generated root CA certificate is valid for.
const rootValidity = 10 * 365 * 24 * time.Hour

// leafValidity is the nominal forward validity window for a minted leaf.
// The actual NotAfter is capped at the root's own expiry.
const leafValidity = 365 * 24 * time.Hour

// leafBackdate compensates for client/server clock skew.
const leafBackdate = 24 * time.Hour

// Authority holds root CA material and mints/caches leaf certificates.
type Authority struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey

	log *logger.Logger

	mu       sync.Mutex
	order    *list.List               // front = most recently used
	elements map[string]*list.Element // host -> element holding *leafEntry
	inflight map[string]*mintCall     // host -> in-progress mint, for single-flight coalescing
}

type leafEntry struct {
	host string
	cert *tls.Certificate
}

// mintCall represents one in-flight leaf-minting operation that other
// callers for the same host can wait on instead of starting their own.
type mintCall struct {
	done chan struct{}
	cert *tls.Certificate
	err  error
}

// LoadOrGenerate loads root CA material from dir's fixed layout
// (certs/ca.pem, keys/ca.key), generating a new root atomically if either
// file does not exist yet (invariant I1: external watchers never see a
// partial ca.pem). Existing files that fail to parse are an error.
func LoadOrGenerate(dir string, log *logger.Logger) (*Authority, error) {
	certFile := filepath.Join(dir, "certs", "ca.pem")
	keyFile := filepath.Join(dir, "keys", "ca.key")

	auth, err := load(certFile, keyFile, log)
	if err == nil {
		log.Infof("ca_load", "loaded root CA from %s", certFile)
		return auth, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load CA: %w", err)
	}

	log.Infof("ca_load", "no root CA found at %s, generating one", certFile)
	if genErr := generate(certFile, keyFile); genErr != nil {
		return nil, fmt.Errorf("generate CA: %w", genErr)
	}
	auth, err = load(certFile, keyFile, log)
	if err != nil {
		return nil, fmt.Errorf("load generated CA: %w", err)
	}
	log.Infof("ca_generate", "generated new root CA: %s / %s", certFile, keyFile)
	log.Info("ca_generate", "trust the root certificate to enable interception, e.g.:")
	log.Infof("ca_generate", "  Linux:   sudo cp %s /usr/local/share/ca-certificates/secureproxy.crt && sudo update-ca-certificates", certFile)
	log.Infof("ca_generate", "  macOS:   security add-trusted-cert -d -r trustRoot -k ~/Library/Keychains/login.keychain %s", certFile)
	return auth, nil
}

func load(certFile, keyFile string, log *logger.Logger) (*Authority, error) {
	certPEM, err := os.ReadFile(certFile) //nolint:gosec // G703: fixed, operator-controlled path
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile) //nolint:gosec // G703: fixed, operator-controlled path
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", certFile)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", keyFile)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		parsed, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse root key: %w (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		key, ok = parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("root key is not RSA")
		}
	}

	return &Authority{
		cert:     cert,
		key:      key,
		log:      log,
		order:    list.New(),
		elements: make(map[string]*list.Element),
		inflight: make(map[string]*mintCall),
	}, nil
}

// generate creates a new 2048-bit RSA self-signed root and writes both PEM
// files atomically (write to a sibling temp file, then rename) so a
// concurrent reader never observes a half-written file.
func generate(certFile, keyFile string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Secure Proxy CA",
			Organization: []string{"Secure Proxy"},
		},
		NotBefore:             now.Add(-leafBackdate),
		NotAfter:              now.Add(rootValidity),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create root cert: %w", err)
	}

	if err := writeAtomic(certFile, 0644, func(f *os.File) error {
		return pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	}); err != nil {
		return err
	}
	return writeAtomic(keyFile, 0600, func(f *os.File) error {
		return pem.Encode(f, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	})
}

// writeAtomic writes via a temp file in the same directory followed by a
// rename, so readers racing the writer only ever see the old or the
// complete new file, never a partial one (invariant I1).
func writeAtomic(path string, perm os.FileMode, write func(*os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op once renamed away

	if err := write(tmp); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpPath, path, err)
	}
	return nil
}

// LeafFor returns a TLS certificate for host, signed by the root CA,
// generating and caching one on first use. Concurrent calls for the same
// uncached host block on, and share the result of, a single mint
// (spec property P4).
func (a *Authority) LeafFor(ctx context.Context, host string) (*tls.Certificate, error) {
	if c, ok := a.lookup(host); ok {
		return c, nil
	}

	a.mu.Lock()
	if call, ok := a.inflight[host]; ok {
		a.mu.Unlock()
		return waitFor(ctx, call)
	}
	call := &mintCall{done: make(chan struct{})}
	a.inflight[host] = call
	a.mu.Unlock()

	cert, err := a.mint(host)
	call.cert, call.err = cert, err
	close(call.done)

	a.mu.Lock()
	delete(a.inflight, host)
	if err == nil {
		a.insert(host, cert)
	}
	a.mu.Unlock()

	return cert, err
}

func waitFor(ctx context.Context, call *mintCall) (*tls.Certificate, error) {
	select {
	case <-call.done:
		return call.cert, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Authority) lookup(host string) (*tls.Certificate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	el, ok := a.elements[host]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*leafEntry)
	if time.Until(entry.cert.Leaf.NotAfter) <= time.Hour {
		a.order.Remove(el)
		delete(a.elements, host)
		return nil, false
	}
	a.order.MoveToFront(el)
	return entry.cert, true
}

// insert publishes a freshly minted certificate and evicts the
// least-recently-used entry if the cache is over its bound.
func (a *Authority) insert(host string, cert *tls.Certificate) {
	if el, ok := a.elements[host]; ok {
		el.Value.(*leafEntry).cert = cert
		a.order.MoveToFront(el)
		return
	}
	el := a.order.PushFront(&leafEntry{host: host, cert: cert})
	a.elements[host] = el

	for a.order.Len() > maxLeafCacheEntries {
		oldest := a.order.Back()
		if oldest == nil {
			break
		}
		a.order.Remove(oldest)
		delete(a.elements, oldest.Value.(*leafEntry).host)
	}
}

// mint signs a brand-new leaf certificate for host (spec §4.3): 2048-bit
// RSA, SHA-256, validity clamped to the root's own expiry, SANs covering
// both the bare host and its www-prefixed/stripped variant.
func (a *Authority) mint(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key for %s: %w", host, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial for %s: %w", host, err)
	}

	notBefore := time.Now().Add(-leafBackdate)
	notAfter := time.Now().Add(leafValidity)
	if notAfter.After(a.cert.NotAfter) {
		notAfter = a.cert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            pkix.Name{CommonName: host},
		DNSNames:           sanVariants(host),
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		SignatureAlgorithm: x509.SHA256WithRSA,
		KeyUsage:           x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},

		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", host, err)
	}

	leaf := &tls.Certificate{
		Certificate: [][]byte{der, a.cert.Raw},
		PrivateKey:  key,
	}
	leaf.Leaf, err = x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse freshly minted leaf for %s: %w", host, err)
	}

	a.log.Debugf("leaf_mint", "minted leaf certificate for %s (expires %s)", host, leaf.Leaf.NotAfter.Format(time.RFC3339))
	return leaf, nil
}

// sanVariants returns the SAN DNS names a leaf should cover: the host
// itself, plus its www-prefixed form if bare, or the bare form if the host
// was requested with a www. prefix.
func sanVariants(host string) []string {
	if strings.HasPrefix(host, "www.") {
		return []string{host, strings.TrimPrefix(host, "www.")}
	}
	return []string{host, "www." + host}
}

// TLSConfigForHost returns a *tls.Config that presents a per-host leaf
// certificate minted on demand, advertising only HTTP/1.1 over ALPN.
func (a *Authority) TLSConfigForHost(ctx context.Context, host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return a.LeafFor(ctx, host)
		},
		NextProtos: []string{"http/1.1"},
	}
}

// RootPEM returns the root certificate encoded as PEM, for display by the
// management API.
func (a *Authority) RootPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.cert.Raw})
}

// RootExpiry returns the root certificate's expiry time.
func (a *Authority) RootExpiry() time.Time {
	return a.cert.NotAfter
}

// CacheLen reports the current number of cached leaf certificates, for
// metrics and tests.
func (a *Authority) CacheLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.order.Len()
}
