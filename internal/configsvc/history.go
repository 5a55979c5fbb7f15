package configsvc

import (
	"sync"
	"time"
)

// Default history bounds: 100 entries in memory, entries older than 30 days
// purged on append.
const (
	defaultHistoryCap = 100
	defaultHistoryAge = 30 * 24 * time.Hour
)

// HistoryEntry records one configuration change.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service"` // "global" for global changes
	Action    string         `json:"action"`  // update | reload
	Old       map[string]any `json:"old,omitempty"`
	New       map[string]any `json:"new,omitempty"`
}

// History is the bounded in-memory change log.
type History struct {
	mu      sync.Mutex
	entries []HistoryEntry
	cap     int
	maxAge  time.Duration
	now     func() time.Time
}

// NewHistory builds a change log with the default bounds.
func NewHistory() *History {
	return &History{cap: defaultHistoryCap, maxAge: defaultHistoryAge, now: time.Now}
}

// Append records a change, evicting expired and over-cap entries oldest
// first.
func (h *History) Append(e HistoryEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now()
	}
	cutoff := h.now().Add(-h.maxAge)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	for len(h.entries) > 0 && h.entries[0].Timestamp.Before(cutoff) {
		h.entries = h.entries[1:]
	}
	if over := len(h.entries) - h.cap; over > 0 {
		h.entries = h.entries[over:]
	}
}

// For returns the retained entries for one service, oldest first. An empty
// service returns everything.
func (h *History) For(service string) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []HistoryEntry
	for _, e := range h.entries {
		if service == "" || e.Service == service {
			out = append(out, e)
		}
	}
	return out
}
