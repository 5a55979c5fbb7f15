package security

import (
	"sync"
	"time"
)

// Security event types recorded in the log.
const (
	EventAuthSuccess    = "auth_success"
	EventAuthFailure    = "auth_failure"
	EventTokenIssued    = "token_issued"
	EventTokenValidated = "token_validated"
	EventTokenRejected  = "token_rejected"
	EventEncrypt        = "encrypt"
	EventDecrypt        = "decrypt"
	EventCryptoError    = "crypto_error"
)

const eventLogCap = 1000

// Event is one entry in the security event log.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// EventLog is a bounded ring of the most recent security events.
type EventLog struct {
	mu      sync.Mutex
	entries []Event
	start   int
	count   int
	now     func() time.Time
}

// NewEventLog builds an empty ring holding the last 1000 events.
func NewEventLog() *EventLog {
	return &EventLog{entries: make([]Event, eventLogCap), now: time.Now}
}

// Record appends an event, overwriting the oldest once full.
func (l *EventLog) Record(eventType string, details map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := (l.start + l.count) % len(l.entries)
	l.entries[idx] = Event{Type: eventType, Timestamp: l.now(), Details: details}
	if l.count < len(l.entries) {
		l.count++
	} else {
		l.start = (l.start + 1) % len(l.entries)
	}
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (l *EventLog) Recent(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > l.count {
		limit = l.count
	}
	out := make([]Event, limit)
	for i := 0; i < limit; i++ {
		idx := (l.start + l.count - 1 - i) % len(l.entries)
		out[i] = l.entries[idx]
	}
	return out
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
