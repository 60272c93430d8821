package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"net"
	"slices"
	"testing"
	"time"
)

func parse(t *testing.T, c *CertInfo) *x509.Certificate {
	t.Helper()
	x, err := x509.ParseCertificate(c.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return x
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	c, err := Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	x := parse(t, c)

	if got := x.NotAfter.Sub(x.NotBefore); got != 24*time.Hour {
		t.Errorf("validity = %v, want 24h", got)
	}
	if c.Fingerprint != sha256.Sum256(c.TLSCert.Certificate[0]) {
		t.Error("fingerprint does not match certificate DER")
	}
	raw, err := base64.StdEncoding.DecodeString(c.FingerprintBase64())
	if err != nil || len(raw) != 32 {
		t.Errorf("FingerprintBase64 decodes to %d bytes, err %v", len(raw), err)
	}
	if len(c.FingerprintHex()) != 64 {
		t.Errorf("FingerprintHex length = %d, want 64", len(c.FingerprintHex()))
	}
	if !slices.Contains(x.DNSNames, "localhost") {
		t.Errorf("DNSNames = %v, want localhost", x.DNSNames)
	}
	if x.Subject.CommonName != "framepipe" {
		t.Errorf("CommonName = %q", x.Subject.CommonName)
	}
}

func TestGenerateClampsValidity(t *testing.T) {
	t.Parallel()
	for _, v := range []time.Duration{0, -time.Hour, 30 * 24 * time.Hour} {
		c, err := Generate(v)
		if err != nil {
			t.Fatalf("Generate(%v): %v", v, err)
		}
		x := parse(t, c)
		if got := x.NotAfter.Sub(x.NotBefore); got != MaxValidity {
			t.Errorf("Generate(%v) validity = %v, want %v", v, got, MaxValidity)
		}
	}
}

func TestGenerateExtraHosts(t *testing.T) {
	t.Parallel()
	c, err := Generate(time.Hour, "10.0.0.7", "edit.example", "")
	if err != nil {
		t.Fatal(err)
	}
	x := parse(t, c)
	if !slices.Contains(x.DNSNames, "edit.example") {
		t.Errorf("DNSNames = %v, want edit.example", x.DNSNames)
	}
	if !slices.ContainsFunc(x.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.0.0.7")) }) {
		t.Errorf("IPAddresses = %v, want 10.0.0.7", x.IPAddresses)
	}
}

func TestRemaining(t *testing.T) {
	t.Parallel()
	c, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Remaining(c.NotAfter.Add(time.Second)); got != 0 {
		t.Errorf("Remaining after expiry = %v, want 0", got)
	}
	if got := c.Remaining(c.NotAfter.Add(-time.Minute)); got != time.Minute {
		t.Errorf("Remaining = %v, want 1m", got)
	}
	cfg := c.TLSConfig()
	if len(cfg.Certificates) != 1 || cfg.NextProtos[0] != "h3" {
		t.Errorf("TLSConfig = %+v", cfg)
	}
}
