package ca

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"secureproxy/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New("CA", "error")
}

func tempAuthority(t *testing.T) *Authority {
	t.Helper()
	dir := t.TempDir()
	a, err := LoadOrGenerate(dir, testLogger())
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	return a
}

func TestLoadOrGenerate_GeneratesWhenMissing(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrGenerate(dir, testLogger())
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "certs", "ca.pem")); err != nil {
		t.Errorf("ca.pem not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "keys", "ca.key")); err != nil {
		t.Errorf("ca.key not created: %v", err)
	}
	if a.cert.Subject.CommonName != "Secure Proxy CA" {
		t.Errorf("CommonName: got %q", a.cert.Subject.CommonName)
	}
	if !a.cert.IsCA {
		t.Error("generated root must be a CA cert")
	}
}

func TestLoadOrGenerate_LoadsExisting(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrGenerate(dir, testLogger())
	if err != nil {
		t.Fatalf("first LoadOrGenerate: %v", err)
	}
	second, err := LoadOrGenerate(dir, testLogger())
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}
	if !first.cert.Equal(second.cert) {
		t.Error("reloaded root cert should match the generated one")
	}
}

func TestLoadOrGenerate_ErrorOnCorruptExisting(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "certs"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "keys"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "certs", "ca.pem"), []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "keys", "ca.key"), []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrGenerate(dir, testLogger()); err == nil {
		t.Error("expected error for corrupt existing CA material")
	}
}

func TestLoadOrGenerate_KeyFilePermissions(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadOrGenerate(dir, testLogger()); err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "keys", "ca.key"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key file permissions: got %04o, want 0600", perm)
	}
}

func TestLeafFor_ReturnsCertSignedByRoot(t *testing.T) {
	a := tempAuthority(t)

	cert, err := a.LeafFor(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "example.com" {
		t.Errorf("CommonName: got %q", cert.Leaf.Subject.CommonName)
	}

	roots := x509.NewCertPool()
	roots.AddCert(a.cert)
	if _, err := cert.Leaf.Verify(x509.VerifyOptions{
		DNSName:     "example.com",
		Roots:       roots,
		CurrentTime: time.Now(),
	}); err != nil {
		t.Errorf("leaf should verify against root: %v", err)
	}
}

func TestLeafFor_IncludesWWWVariant(t *testing.T) {
	a := tempAuthority(t)
	cert, err := a.LeafFor(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	want := map[string]bool{"example.com": false, "www.example.com": false}
	for _, san := range cert.Leaf.DNSNames {
		if _, ok := want[san]; ok {
			want[san] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected SAN %q, got %v", name, cert.Leaf.DNSNames)
		}
	}
}

func TestLeafFor_CachesOnSecondCall(t *testing.T) {
	a := tempAuthority(t)
	c1, err := a.LeafFor(context.Background(), "cache.example.com")
	if err != nil {
		t.Fatalf("first LeafFor: %v", err)
	}
	c2, err := a.LeafFor(context.Background(), "cache.example.com")
	if err != nil {
		t.Fatalf("second LeafFor: %v", err)
	}
	if c1 != c2 {
		t.Error("expected same *tls.Certificate on cache hit")
	}
}

func TestLeafFor_DifferentHostsDifferentCerts(t *testing.T) {
	a := tempAuthority(t)
	c1, _ := a.LeafFor(context.Background(), "alpha.example.com")
	c2, _ := a.LeafFor(context.Background(), "beta.example.com")
	if c1.Leaf.Subject.CommonName == c2.Leaf.Subject.CommonName {
		t.Error("different hosts should produce different leaf certs")
	}
}

func TestLeafFor_ValidityClampedToRootExpiry(t *testing.T) {
	a := tempAuthority(t)
	cert, err := a.LeafFor(context.Background(), "clamped.example.com")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	if cert.Leaf.NotAfter.After(a.cert.NotAfter) {
		t.Errorf("leaf NotAfter %v must not exceed root NotAfter %v", cert.Leaf.NotAfter, a.cert.NotAfter)
	}
}

// P4: concurrent requests for the same uncached host must coalesce into a
// single mint, and every caller observes the identical certificate.
func TestLeafFor_ConcurrentSameHost_CoalescesAndSharesResult(t *testing.T) {
	a := tempAuthority(t)

	const n = 20
	results := make([]*tls.Certificate, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := a.LeafFor(context.Background(), "concurrent.example.com")
			if err != nil {
				t.Errorf("LeafFor: %v", err)
				return
			}
			results[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Error("all concurrent callers must observe the same minted certificate")
		}
	}
	if got := a.CacheLen(); got != 1 {
		t.Errorf("cache should hold exactly one entry for one host, got %d", got)
	}
}

func TestLeafFor_ConcurrentDistinctHosts_AllSucceed(t *testing.T) {
	a := tempAuthority(t)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			host := string(rune('a'+i)) + ".example.com"
			_, err := a.LeafFor(context.Background(), host)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("host %d: %v", i, err)
		}
	}
	if got := a.CacheLen(); got != n {
		t.Errorf("cache should hold %d entries, got %d", n, got)
	}
}

func TestLeafFor_EvictsLeastRecentlyUsedBeyondBound(t *testing.T) {
	a := tempAuthority(t)

	for i := 0; i < maxLeafCacheEntries+5; i++ {
		host := "host" + string(rune('a'+i%26)) + string(rune('0'+i/26)) + ".example.com"
		if _, err := a.LeafFor(context.Background(), host); err != nil {
			t.Fatalf("LeafFor(%s): %v", host, err)
		}
	}
	if got := a.CacheLen(); got > maxLeafCacheEntries {
		t.Errorf("cache should be bounded at %d entries, got %d", maxLeafCacheEntries, got)
	}

	// The first host was inserted first and never used again, so it is
	// the least recently used entry and must be among those evicted.
	a.mu.Lock()
	_, firstCached := a.elements["hosta0.example.com"]
	a.mu.Unlock()
	if firstCached {
		t.Error("least recently used host hosta0.example.com should have been evicted")
	}
}

func TestRootPEM_IsValidPEM(t *testing.T) {
	a := tempAuthority(t)
	pemBytes := a.RootPEM()
	if len(pemBytes) == 0 {
		t.Fatal("RootPEM returned empty bytes")
	}
}

func TestTLSConfigForHost_GetCertificateMintsForHost(t *testing.T) {
	a := tempAuthority(t)
	cfg := a.TLSConfigForHost(context.Background(), "tlsconfig.example.com")
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion: got %d", cfg.MinVersion)
	}
	cert, err := cfg.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "tlsconfig.example.com" {
		t.Errorf("CommonName: got %q", cert.Leaf.Subject.CommonName)
	}
	onlyHTTP1 := len(cfg.NextProtos) == 1 && cfg.NextProtos[0] == "http/1.1"
	if !onlyHTTP1 {
		t.Errorf("NextProtos should advertise only http/1.1, got %v", cfg.NextProtos)
	}
}
