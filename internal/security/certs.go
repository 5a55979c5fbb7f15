package security

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/alicia-home/alicia/internal/fault"
)

// CertRecord describes a device certificate the gateway has authenticated.
type CertRecord struct {
	DeviceID        string    `json:"device_id"`
	Subject         string    `json:"subject"`
	Issuer          string    `json:"issuer"`
	Fingerprint     string    `json:"fingerprint"` // sha256, hex
	NotBefore       time.Time `json:"not_before"`
	NotAfter        time.Time `json:"not_after"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
}

// Authenticator validates device certificates. When a CA bundle is
// configured, chains are verified against it; without one, a well-formed
// in-validity certificate with a CN is accepted (suitable for closed
// networks where the broker provides the transport trust).
type Authenticator struct {
	roots *x509.CertPool
	now   func() time.Time

	mu    sync.Mutex
	certs map[string]CertRecord // fingerprint → record
}

// NewAuthenticator builds an Authenticator. caFile may be empty.
func NewAuthenticator(caFile string) (*Authenticator, error) {
	a := &Authenticator{now: time.Now, certs: make(map[string]CertRecord)}
	if caFile != "" {
		data, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "read CA bundle", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fault.New(fault.Validation, "CA bundle contains no certificates")
		}
		a.roots = pool
	}
	return a, nil
}

// Authenticate parses and checks a PEM certificate, returning the device id
// from its CN. Rejections are auth errors with the reason spelled out.
func (a *Authenticator) Authenticate(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", fault.New(fault.Auth, "certificate invalid: not a certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fault.Wrap(fault.Auth, "certificate invalid", err)
	}

	now := a.now()
	if now.Before(cert.NotBefore) {
		return "", fault.New(fault.Auth, "certificate not yet valid")
	}
	if now.After(cert.NotAfter) {
		return "", fault.New(fault.Auth, "certificate expired")
	}
	if cert.Subject.CommonName == "" {
		return "", fault.New(fault.Auth, "certificate missing common name")
	}

	if a.roots != nil {
		if _, err := cert.Verify(x509.VerifyOptions{Roots: a.roots, CurrentTime: now}); err != nil {
			return "", fault.Wrap(fault.Auth, "certificate verification failed", err)
		}
	}

	sum := sha256.Sum256(cert.Raw)
	rec := CertRecord{
		DeviceID:        cert.Subject.CommonName,
		Subject:         cert.Subject.String(),
		Issuer:          cert.Issuer.String(),
		Fingerprint:     hex.EncodeToString(sum[:]),
		NotBefore:       cert.NotBefore,
		NotAfter:        cert.NotAfter,
		AuthenticatedAt: now,
	}
	a.mu.Lock()
	a.certs[rec.Fingerprint] = rec
	a.mu.Unlock()

	return cert.Subject.CommonName, nil
}

// Certificates returns every certificate seen, newest first.
func (a *Authenticator) Certificates() []CertRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CertRecord, 0, len(a.certs))
	for _, rec := range a.certs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AuthenticatedAt.After(out[j].AuthenticatedAt) })
	return out
}
