package security

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/metrics"
)

// Principal is an authenticated device holding a bearer token.
type Principal struct {
	DeviceID  string    `json:"device_id"`
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenStore holds active bearer tokens in memory. Tokens do not survive a
// restart; devices re-authenticate. Expired tokens are evicted lazily on
// lookup and wholesale by Sweep.
type TokenStore struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]Principal
}

// NewTokenStore builds a store issuing tokens valid for ttl (default 1h).
func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenStore{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]Principal),
	}
}

// Issue mints a fresh bearer token for deviceID.
func (s *TokenStore) Issue(deviceID string) Principal {
	now := s.now()
	p := Principal{
		DeviceID:  deviceID,
		Token:     uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.mu.Lock()
	s.tokens[p.Token] = p
	metrics.TokensActive.Set(float64(len(s.tokens)))
	s.mu.Unlock()
	return p
}

// Validate checks a bearer token. Missing, unknown, and expired tokens are
// distinct auth errors; an expired token is evicted on the spot.
func (s *TokenStore) Validate(token string) (Principal, error) {
	if token == "" {
		return Principal{}, fault.New(fault.Auth, "missing token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tokens[token]
	if !ok {
		return Principal{}, fault.New(fault.Auth, "invalid token")
	}
	if !s.now().Before(p.ExpiresAt) {
		delete(s.tokens, token)
		metrics.TokensActive.Set(float64(len(s.tokens)))
		return Principal{}, fault.New(fault.Auth, "token expired")
	}
	return p, nil
}

// Revoke removes a token. Unknown tokens are a no-op.
func (s *TokenStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	metrics.TokensActive.Set(float64(len(s.tokens)))
	s.mu.Unlock()
}

// Sweep evicts every expired token and returns how many went.
func (s *TokenStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for token, p := range s.tokens {
		if !now.Before(p.ExpiresAt) {
			delete(s.tokens, token)
			evicted++
		}
	}
	metrics.TokensActive.Set(float64(len(s.tokens)))
	return evicted
}

// Count returns the number of held tokens, expired or not.
func (s *TokenStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
