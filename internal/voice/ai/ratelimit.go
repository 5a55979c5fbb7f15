// Package ai is the completion adapter: transcripts in, model responses
// out, through an OpenAI-compatible chat completions endpoint. A dual
// sliding-window rate limiter (requests/min and tokens/min) sleeps callers
// instead of dropping jobs.
package ai

import (
	"context"
	"sync"
	"time"
)

const limiterWindow = time.Minute

// Limiter enforces two sliding one-minute windows at once: how many
// requests started, and how many tokens they consumed. Wait blocks until
// both windows have room; it never rejects.
type Limiter struct {
	requestsPerMin int
	tokensPerMin   int
	now            func() time.Time

	mu      sync.Mutex
	entries []limitEntry
}

type limitEntry struct {
	at     time.Time
	tokens int
}

// NewLimiter builds a limiter. Non-positive limits disable that window.
func NewLimiter(requestsPerMin, tokensPerMin int) *Limiter {
	return &Limiter{
		requestsPerMin: requestsPerMin,
		tokensPerMin:   tokensPerMin,
		now:            time.Now,
	}
}

// Wait blocks until a request costing estTokens fits in both windows, then
// records it. Returns early with ctx's error on cancellation.
func (l *Limiter) Wait(ctx context.Context, estTokens int) error {
	for {
		sleep := l.tryReserve(estTokens)
		if sleep <= 0 {
			return nil
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Record adjusts the most recent reservation to the actual token usage, so
// estimates do not drift the token window.
func (l *Limiter) Record(actualTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.entries); n > 0 {
		l.entries[n-1].tokens = actualTokens
	}
}

// Usage reports requests and tokens consumed inside the current window.
func (l *Limiter) Usage() (requests, tokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	for _, e := range l.entries {
		tokens += e.tokens
	}
	return len(l.entries), tokens
}

// tryReserve admits the request (returning 0) or returns how long to sleep
// before the oldest blocking entry leaves the window.
func (l *Limiter) tryReserve(estTokens int) time.Duration {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)

	overRequests := l.requestsPerMin > 0 && len(l.entries) >= l.requestsPerMin
	tokens := 0
	for _, e := range l.entries {
		tokens += e.tokens
	}
	overTokens := l.tokensPerMin > 0 && len(l.entries) > 0 && tokens+estTokens > l.tokensPerMin

	if !overRequests && !overTokens {
		l.entries = append(l.entries, limitEntry{at: now, tokens: estTokens})
		return 0
	}
	wait := l.entries[0].at.Add(limiterWindow).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-limiterWindow)
	i := 0
	for i < len(l.entries) && l.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.entries = append(l.entries[:0], l.entries[i:]...)
	}
}
