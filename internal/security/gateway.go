package security

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/metrics"
)

// Gateway is the security service: certificate authentication, token
// lifecycle, and message crypto, over both the bus and HTTP.
type Gateway struct {
	tokens *TokenStore
	cipher *Cipher
	auth   *Authenticator
	events *EventLog
	conn   bus.Conn
	logger *slog.Logger
}

// NewGateway assembles the gateway. conn may be nil for HTTP-only tests.
func NewGateway(tokens *TokenStore, cipher *Cipher, auth *Authenticator, conn bus.Conn, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		tokens: tokens,
		cipher: cipher,
		auth:   auth,
		events: NewEventLog(),
		conn:   conn,
		logger: logger.With("component", "security"),
	}
}

// AuthenticateDevice validates a device certificate and mints a bearer
// token for its CN.
func (g *Gateway) AuthenticateDevice(certPEM []byte) (Principal, error) {
	deviceID, err := g.auth.Authenticate(certPEM)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		g.events.Record(EventAuthFailure, map[string]any{"error": err.Error()})
		return Principal{}, err
	}
	p := g.tokens.Issue(deviceID)
	metrics.AuthAttempts.WithLabelValues("success").Inc()
	g.events.Record(EventAuthSuccess, map[string]any{"device_id": deviceID})
	g.events.Record(EventTokenIssued, map[string]any{"device_id": deviceID, "expires_at": p.ExpiresAt})
	g.logger.Info("device authenticated", "device_id", deviceID)
	return p, nil
}

// ValidateToken checks a bearer token and returns its principal.
func (g *Gateway) ValidateToken(token string) (Principal, error) {
	p, err := g.tokens.Validate(token)
	if err != nil {
		g.events.Record(EventTokenRejected, map[string]any{"error": err.Error()})
		return Principal{}, err
	}
	g.events.Record(EventTokenValidated, map[string]any{"device_id": p.DeviceID})
	return p, nil
}

// EncryptMessage seals a payload and returns the ciphertext string.
func (g *Gateway) EncryptMessage(payload []byte) (string, error) {
	ct, err := g.cipher.Encrypt(payload)
	if err != nil {
		g.events.Record(EventCryptoError, map[string]any{"op": "encrypt", "error": err.Error()})
		return "", err
	}
	g.events.Record(EventEncrypt, map[string]any{"bytes": len(payload)})
	return ct, nil
}

// DecryptMessage opens a ciphertext string back into the payload.
func (g *Gateway) DecryptMessage(ciphertext string) ([]byte, error) {
	pt, err := g.cipher.Decrypt(ciphertext)
	if err != nil {
		g.events.Record(EventCryptoError, map[string]any{"op": "decrypt", "error": err.Error()})
		return nil, err
	}
	g.events.Record(EventDecrypt, map[string]any{"bytes": len(pt)})
	return pt, nil
}

// Events returns the most recent security events, newest first.
func (g *Gateway) Events(limit int) []Event { return g.events.Recent(limit) }

// Certificates returns the authenticated certificate registry.
func (g *Gateway) Certificates() []CertRecord { return g.auth.Certificates() }

// Attach subscribes the bus request topics: auth, encrypt, and validate,
// each answered on its paired response topic with the request's
// correlation id.
func (g *Gateway) Attach(ctx context.Context, conn bus.Conn) error {
	handlers := map[string]func(*bus.Envelope) (any, error){
		"auth":     g.busAuth,
		"encrypt":  g.busEncrypt,
		"validate": g.busValidate,
	}
	for op, h := range handlers {
		op, h := op, h
		err := conn.Subscribe(ctx, bus.SecurityTopic(op), func(ctx context.Context, _ string, env *bus.Envelope) {
			g.respond(ctx, op, env, h)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) respond(ctx context.Context, op string, req *bus.Envelope, h func(*bus.Envelope) (any, error)) {
	payload, err := h(req)
	var out *bus.Envelope
	var buildErr error
	if err != nil {
		out, buildErr = bus.ErrorReply(req, g.conn.ServiceName(), err)
	} else {
		out, buildErr = bus.Reply(req, g.conn.ServiceName(), payload)
	}
	if buildErr != nil {
		g.logger.Error("build security reply", "op", op, "error", buildErr)
		return
	}
	if err := g.conn.Publish(ctx, bus.SecurityResponseTopic(op), out); err != nil {
		g.logger.Warn("security reply publish failed", "op", op, "error", err)
	}
}

func (g *Gateway) busAuth(env *bus.Envelope) (any, error) {
	var req struct {
		CertificatePEM string `json:"certificate_pem"`
	}
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	p, err := g.AuthenticateDevice([]byte(req.CertificatePEM))
	if err != nil {
		return nil, err
	}
	return authResponse(p), nil
}

func (g *Gateway) busEncrypt(env *bus.Envelope) (any, error) {
	var req struct {
		Payload   json.RawMessage `json:"payload"`
		Decrypt   bool            `json:"decrypt"`
		Encrypted string          `json:"encrypted"`
	}
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	if req.Decrypt {
		pt, err := g.DecryptMessage(req.Encrypted)
		if err != nil {
			return nil, err
		}
		return map[string]any{"payload": json.RawMessage(pt)}, nil
	}
	if len(req.Payload) == 0 {
		return nil, fault.New(fault.Validation, "payload required")
	}
	ct, err := g.EncryptMessage(req.Payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{"encrypted": ct}, nil
}

func (g *Gateway) busValidate(env *bus.Envelope) (any, error) {
	var req struct {
		Token string `json:"token"`
	}
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	p, err := g.ValidateToken(req.Token)
	if err != nil {
		// Invalid tokens are a negative answer, not a failed request.
		return map[string]any{"valid": false, "error": capitalized(err)}, nil
	}
	return map[string]any{"valid": true, "device_id": p.DeviceID, "expires_at": p.ExpiresAt}, nil
}

// capitalized renders an auth error for the validate response shape
// ("Token expired", "Invalid token").
func capitalized(err error) string {
	msg := err.Error()
	if msg == "" {
		return msg
	}
	b := []byte(msg)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

// RunSweeper evicts expired tokens periodically until ctx is cancelled.
func (g *Gateway) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.tokens.Sweep(); n > 0 {
				g.logger.Debug("expired tokens evicted", "count", n)
			}
		}
	}
}

// authResponse is the token grant shape shared by the bus and HTTP
// surfaces.
func authResponse(p Principal) map[string]any {
	return map[string]any{
		"access_token": p.Token,
		"token_type":   "bearer",
		"expires_in":   int(time.Until(p.ExpiresAt).Seconds()),
		"device_id":    p.DeviceID,
	}
}
