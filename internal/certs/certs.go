// Package certs issues the short-lived self-signed certificate the control
// API serves over HTTPS and HTTP/3. Browsers pin it by SHA-256 hash, which
// Chrome only accepts for certificates valid at most 14 days.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"time"
)

// MaxValidity is the longest lifetime a hash-pinned certificate may have.
const MaxValidity = 14 * 24 * time.Hour

const skew = time.Minute

// CertInfo is a generated certificate with its pinning hash.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotBefore   time.Time
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 hash in the form browsers accept
// for serverCertificateHashes.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// FingerprintHex returns the SHA-256 hash as lowercase hex.
func (c *CertInfo) FingerprintHex() string {
	return hex.EncodeToString(c.Fingerprint[:])
}

// Remaining reports how long the certificate stays valid after now.
func (c *CertInfo) Remaining(now time.Time) time.Duration {
	if now.After(c.NotAfter) {
		return 0
	}
	return c.NotAfter.Sub(now)
}

// TLSConfig returns a server config offering h3 and HTTP/1.1.
func (c *CertInfo) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		NextProtos:   []string{"h3", "http/1.1"},
		MinVersion:   tls.VersionTLS13,
	}
}

// Generate creates an ECDSA P-256 certificate for localhost valid for
// validity, clamped to MaxValidity. Extra hosts are added as IP or DNS
// subject alternative names.
func Generate(validity time.Duration, hosts ...string) (*CertInfo, error) {
	if validity <= 0 || validity > MaxValidity {
		validity = MaxValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	// Backdated for clock skew; the total span still fits MaxValidity.
	notBefore := time.Now().Add(-skew)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "framepipe", Organization: []string{"framepipe dev"}},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else if h != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert:     tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key},
		Fingerprint: sha256.Sum256(der),
		NotBefore:   tmpl.NotBefore,
		NotAfter:    tmpl.NotAfter,
	}, nil
}
