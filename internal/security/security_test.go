package security

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/fault"
)

// testKey is generated once; 2048-bit RSA generation is too slow to repeat
// per test case.
var testKey = func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}()

func selfSignedCert(t *testing.T, cn string, notBefore, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestLoadOrCreateKeyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreateKey(dir)
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadOrCreateKey(dir)
	if err != nil {
		t.Fatal(err)
	}
	if first.N.Cmp(second.N) != 0 {
		t.Fatal("second load generated a different key")
	}
}

func TestCipherRoundTrip(t *testing.T) {
	for _, suite := range []string{SuiteAESGCM, SuiteChaCha20} {
		t.Run(suite, func(t *testing.T) {
			c, err := NewCipher(testKey, suite)
			if err != nil {
				t.Fatal(err)
			}
			plaintext := []byte(`{"temperature":21.5}`)
			ct, err := c.Encrypt(plaintext)
			if err != nil {
				t.Fatal(err)
			}
			got, err := c.Decrypt(ct)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != string(plaintext) {
				t.Fatalf("round trip mismatch: %q", got)
			}
		})
	}
}

func TestCipherSuiteSelfDescribing(t *testing.T) {
	// Ciphertext sealed under one suite must open under a cipher now
	// configured for the other.
	chacha, err := NewCipher(testKey, SuiteChaCha20)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := chacha.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	gcm, err := NewCipher(testKey, SuiteAESGCM)
	if err != nil {
		t.Fatal(err)
	}
	got, err := gcm.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestCipherRejectsBadInput(t *testing.T) {
	c, err := NewCipher(testKey, SuiteAESGCM)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := c.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.StdEncoding.DecodeString(ct)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	cases := map[string]string{
		"not base64": "%%%",
		"too short":  base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
		"tampered":   tampered,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := c.Decrypt(input); !fault.IsKind(err, fault.Validation) {
				t.Fatalf("want validation fault, got %v", err)
			}
		})
	}
}

func TestNewCipherUnknownSuite(t *testing.T) {
	if _, err := NewCipher(testKey, "rot13"); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("want validation fault, got %v", err)
	}
}

func TestTokenLifecycle(t *testing.T) {
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s := NewTokenStore(time.Hour)
	s.now = func() time.Time { return clock }

	p := s.Issue("dev-1")
	if p.Token == "" || p.DeviceID != "dev-1" {
		t.Fatalf("bad principal %+v", p)
	}
	if !p.ExpiresAt.Equal(clock.Add(time.Hour)) {
		t.Fatalf("expires_at = %v", p.ExpiresAt)
	}

	got, err := s.Validate(p.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeviceID != "dev-1" {
		t.Fatalf("device = %q", got.DeviceID)
	}

	if _, err := s.Validate(""); err == nil || err.Error() != "missing token" {
		t.Fatalf("missing: %v", err)
	}
	if _, err := s.Validate("nope"); err == nil || err.Error() != "invalid token" {
		t.Fatalf("invalid: %v", err)
	}

	clock = clock.Add(time.Hour) // boundary: exactly at expiry counts as expired
	if _, err := s.Validate(p.Token); err == nil || err.Error() != "token expired" {
		t.Fatalf("expired: %v", err)
	}
	// Lazy eviction kicked the token out; a second lookup is now invalid.
	if _, err := s.Validate(p.Token); err == nil || err.Error() != "invalid token" {
		t.Fatalf("after eviction: %v", err)
	}
}

func TestTokenSweep(t *testing.T) {
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s := NewTokenStore(time.Hour)
	s.now = func() time.Time { return clock }

	s.Issue("dev-a")
	clock = clock.Add(30 * time.Minute)
	fresh := s.Issue("dev-b")
	clock = clock.Add(45 * time.Minute)

	if n := s.Sweep(); n != 1 {
		t.Fatalf("swept %d", n)
	}
	if s.Count() != 1 {
		t.Fatalf("count = %d", s.Count())
	}
	if _, err := s.Validate(fresh.Token); err != nil {
		t.Fatal(err)
	}
}

func TestAuthenticatorAcceptsValidCert(t *testing.T) {
	a, err := NewAuthenticator("")
	if err != nil {
		t.Fatal(err)
	}
	certPEM := selfSignedCert(t, "dev-42", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	id, err := a.Authenticate(certPEM)
	if err != nil {
		t.Fatal(err)
	}
	if id != "dev-42" {
		t.Fatalf("device = %q", id)
	}
	recs := a.Certificates()
	if len(recs) != 1 || recs[0].DeviceID != "dev-42" || recs[0].Fingerprint == "" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestAuthenticatorRejections(t *testing.T) {
	a, err := NewAuthenticator("")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	cases := map[string][]byte{
		"not a cert":    []byte("-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"),
		"expired":       selfSignedCert(t, "dev-1", now.Add(-2*time.Hour), now.Add(-time.Hour)),
		"not yet valid": selfSignedCert(t, "dev-1", now.Add(time.Hour), now.Add(2*time.Hour)),
		"missing CN":    selfSignedCert(t, "", now.Add(-time.Hour), now.Add(time.Hour)),
	}
	for name, certPEM := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := a.Authenticate(certPEM); !fault.IsKind(err, fault.Auth) {
				t.Fatalf("want auth fault, got %v", err)
			}
		})
	}
}

func TestEventLogRing(t *testing.T) {
	l := NewEventLog()
	for i := 0; i < eventLogCap+10; i++ {
		l.Record(EventEncrypt, map[string]any{"seq": i})
	}
	if l.Len() != eventLogCap {
		t.Fatalf("len = %d", l.Len())
	}
	recent := l.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("recent = %d", len(recent))
	}
	if recent[0].Details["seq"] != eventLogCap+9 {
		t.Fatalf("newest = %v", recent[0].Details["seq"])
	}
	oldest := l.Recent(0)
	if oldest[len(oldest)-1].Details["seq"] != 10 {
		t.Fatalf("oldest = %v", oldest[len(oldest)-1].Details["seq"])
	}
}

func newTestGateway(t *testing.T, conn bus.Conn) *Gateway {
	t.Helper()
	cipher, err := NewCipher(testKey, SuiteAESGCM)
	if err != nil {
		t.Fatal(err)
	}
	auth, err := NewAuthenticator("")
	if err != nil {
		t.Fatal(err)
	}
	return NewGateway(NewTokenStore(time.Hour), cipher, auth, conn, nil)
}

func TestGatewayBusAuth(t *testing.T) {
	ex := bus.NewExchange()
	gwConn := ex.Connect("security")
	g := newTestGateway(t, gwConn)
	if err := g.Attach(context.Background(), gwConn); err != nil {
		t.Fatal(err)
	}

	device := ex.Connect("thermostat")
	certPEM := selfSignedCert(t, "thermostat-1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	req, err := bus.New("thermostat", bus.TypeRequest, map[string]string{"certificate_pem": string(certPEM)})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := device.Request(ctx, bus.SecurityTopic("auth"), bus.SecurityResponseTopic("auth"), req)
	if err != nil {
		t.Fatal(err)
	}
	var grant struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
		DeviceID    string `json:"device_id"`
	}
	if err := reply.DecodePayload(&grant); err != nil {
		t.Fatal(err)
	}
	if grant.AccessToken == "" || grant.TokenType != "bearer" || grant.DeviceID != "thermostat-1" {
		t.Fatalf("grant = %+v", grant)
	}
	if grant.ExpiresIn < 3595 || grant.ExpiresIn > 3600 {
		t.Fatalf("expires_in = %d", grant.ExpiresIn)
	}

	// The minted token validates over the bus too.
	vreq, err := bus.New("thermostat", bus.TypeRequest, map[string]string{"token": grant.AccessToken})
	if err != nil {
		t.Fatal(err)
	}
	vreply, err := device.Request(ctx, bus.SecurityTopic("validate"), bus.SecurityResponseTopic("validate"), vreq)
	if err != nil {
		t.Fatal(err)
	}
	var verdict struct {
		Valid    bool   `json:"valid"`
		DeviceID string `json:"device_id"`
	}
	if err := vreply.DecodePayload(&verdict); err != nil {
		t.Fatal(err)
	}
	if !verdict.Valid || verdict.DeviceID != "thermostat-1" {
		t.Fatalf("verdict = %+v", verdict)
	}
}

func TestGatewayBusAuthBadCert(t *testing.T) {
	ex := bus.NewExchange()
	gwConn := ex.Connect("security")
	g := newTestGateway(t, gwConn)
	if err := g.Attach(context.Background(), gwConn); err != nil {
		t.Fatal(err)
	}

	device := ex.Connect("intruder")
	req, err := bus.New("intruder", bus.TypeRequest, map[string]string{"certificate_pem": "garbage"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := device.Request(ctx, bus.SecurityTopic("auth"), bus.SecurityResponseTopic("auth"), req)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != bus.TypeError {
		t.Fatalf("type = %s", reply.Type)
	}
	var ep bus.ErrorPayload
	if err := reply.DecodePayload(&ep); err != nil {
		t.Fatal(err)
	}
	if ep.Error.Kind != fault.Auth {
		t.Fatalf("kind = %s", ep.Error.Kind)
	}
}

func TestGatewayBusValidateExpired(t *testing.T) {
	ex := bus.NewExchange()
	gwConn := ex.Connect("security")
	g := newTestGateway(t, gwConn)
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	g.tokens.now = func() time.Time { return clock }
	if err := g.Attach(context.Background(), gwConn); err != nil {
		t.Fatal(err)
	}

	p := g.tokens.Issue("dev-1")
	clock = clock.Add(2 * time.Hour)

	device := ex.Connect("dev-1")
	req, err := bus.New("dev-1", bus.TypeRequest, map[string]string{"token": p.Token})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := device.Request(ctx, bus.SecurityTopic("validate"), bus.SecurityResponseTopic("validate"), req)
	if err != nil {
		t.Fatal(err)
	}
	var verdict struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := reply.DecodePayload(&verdict); err != nil {
		t.Fatal(err)
	}
	if verdict.Valid || verdict.Error != "Token expired" {
		t.Fatalf("verdict = %+v", verdict)
	}
}

func TestGatewayBusEncryptDecrypt(t *testing.T) {
	ex := bus.NewExchange()
	gwConn := ex.Connect("security")
	g := newTestGateway(t, gwConn)
	if err := g.Attach(context.Background(), gwConn); err != nil {
		t.Fatal(err)
	}

	device := ex.Connect("camera")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ereq, err := bus.New("camera", bus.TypeRequest, map[string]any{"payload": map[string]string{"secret": "open sesame"}})
	if err != nil {
		t.Fatal(err)
	}
	ereply, err := device.Request(ctx, bus.SecurityTopic("encrypt"), bus.SecurityResponseTopic("encrypt"), ereq)
	if err != nil {
		t.Fatal(err)
	}
	var sealed struct {
		Encrypted string `json:"encrypted"`
	}
	if err := ereply.DecodePayload(&sealed); err != nil {
		t.Fatal(err)
	}
	if sealed.Encrypted == "" {
		t.Fatal("empty ciphertext")
	}

	dreq, err := bus.New("camera", bus.TypeRequest, map[string]any{"decrypt": true, "encrypted": sealed.Encrypted})
	if err != nil {
		t.Fatal(err)
	}
	dreply, err := device.Request(ctx, bus.SecurityTopic("encrypt"), bus.SecurityResponseTopic("encrypt"), dreq)
	if err != nil {
		t.Fatal(err)
	}
	var opened struct {
		Payload struct {
			Secret string `json:"secret"`
		} `json:"payload"`
	}
	if err := dreply.DecodePayload(&opened); err != nil {
		t.Fatal(err)
	}
	if opened.Payload.Secret != "open sesame" {
		t.Fatalf("payload = %+v", opened.Payload)
	}

	// Event log saw both halves.
	var sawEncrypt, sawDecrypt bool
	for _, ev := range g.Events(0) {
		switch ev.Type {
		case EventEncrypt:
			sawEncrypt = true
		case EventDecrypt:
			sawDecrypt = true
		}
	}
	if !sawEncrypt || !sawDecrypt {
		t.Fatalf("events: encrypt=%v decrypt=%v", sawEncrypt, sawDecrypt)
	}
}

func TestCapitalized(t *testing.T) {
	got := capitalized(fmt.Errorf("token expired"))
	if got != "Token expired" {
		t.Fatalf("got %q", got)
	}
}
