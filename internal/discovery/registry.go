// Package discovery maintains the live service directory from the
// register/unregister announcements and heartbeats every runtime publishes.
// It emits nothing itself; the load balancer and the health monitor read
// from it.
package discovery

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alicia-home/alicia/internal/bus"
)

// Service status values. A service is online iff its record exists and its
// last_seen is within the staleness threshold; the sweep downgrades stale
// records and eventually reaps them.
const (
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusDegraded = "degraded"
	StatusUnknown  = "unknown"
)

// Record is one directory entry: the announced descriptor plus liveness
// bookkeeping.
type Record struct {
	bus.ServiceDescriptor
	Status       string    `json:"status"`
	LastSeen     time.Time `json:"last_seen"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry is the in-memory service directory. All methods are safe for
// concurrent use.
type Registry struct {
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	services map[string]*Record
}

// NewRegistry builds an empty directory. Records older than staleAfter are
// reported offline; twice that and they are reaped by the sweep.
func NewRegistry(staleAfter time.Duration, logger *slog.Logger) *Registry {
	if staleAfter <= 0 {
		staleAfter = 300 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		staleAfter: staleAfter,
		logger:     logger.With("component", "discovery"),
		now:        time.Now,
		services:   make(map[string]*Record),
	}
}

// Attach subscribes the registry to the discovery and heartbeat topics on
// conn. Registration envelopes carry a ServiceDescriptor payload; heartbeats
// refresh last_seen.
func (r *Registry) Attach(ctx context.Context, conn bus.Conn) error {
	if err := conn.Subscribe(ctx, bus.TopicDiscoveryRegister, r.onRegister); err != nil {
		return err
	}
	if err := conn.Subscribe(ctx, bus.TopicDiscoveryUnregister, r.onUnregister); err != nil {
		return err
	}
	return conn.Subscribe(ctx, bus.HealthWildcard, r.onHeartbeat)
}

func (r *Registry) onRegister(_ context.Context, _ string, env *bus.Envelope) {
	var desc bus.ServiceDescriptor
	if err := env.DecodePayload(&desc); err != nil {
		r.logger.Warn("bad registration payload", "source", env.Source, "error", err)
		return
	}
	if desc.Name == "" {
		desc.Name = env.Source
	}
	r.Register(desc)
}

func (r *Registry) onUnregister(_ context.Context, _ string, env *bus.Envelope) {
	var desc bus.ServiceDescriptor
	if err := env.DecodePayload(&desc); err != nil {
		r.logger.Warn("bad unregistration payload", "source", env.Source, "error", err)
		return
	}
	if desc.Name == "" {
		desc.Name = env.Source
	}
	r.Unregister(desc.Name)
}

func (r *Registry) onHeartbeat(_ context.Context, topic string, env *bus.Envelope) {
	// The wildcard also matches the check-solicitation topic.
	if topic == bus.TopicHealthCheck {
		return
	}
	var hb bus.HealthPayload
	if err := env.DecodePayload(&hb); err != nil {
		return
	}
	if hb.Status == "offline" {
		r.MarkOffline(hb.Service)
		return
	}
	r.Touch(hb.Service)
}

// Register inserts or refreshes a record. Re-registration is idempotent: the
// descriptor is replaced and last_seen refreshed, but registered_at is kept.
func (r *Registry) Register(desc bus.ServiceDescriptor) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.services[desc.Name]; ok {
		rec.ServiceDescriptor = desc
		rec.Status = StatusOnline
		rec.LastSeen = now
		return
	}
	r.services[desc.Name] = &Record{
		ServiceDescriptor: desc,
		Status:            StatusOnline,
		LastSeen:          now,
		RegisteredAt:      now,
	}
	r.logger.Info("service registered", "name", desc.Name, "instance_id", desc.InstanceID)
}

// Unregister removes a record. Removing an absent service is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	_, ok := r.services[name]
	delete(r.services, name)
	r.mu.Unlock()
	if ok {
		r.logger.Info("service unregistered", "name", name)
	}
}

// Touch refreshes last_seen for a known service and restores its status to
// online. Heartbeats from services that never registered are ignored; the
// registration announcement is the source of truth for membership.
func (r *Registry) Touch(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.services[name]; ok {
		rec.LastSeen = r.now()
		rec.Status = StatusOnline
	}
}

// MarkOffline flags a service without removing it. The sweep reaps it later
// if it stays silent.
func (r *Registry) MarkOffline(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.services[name]; ok {
		rec.Status = StatusOffline
	}
}

// Get returns a copy of the record for name.
func (r *Registry) Get(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.services[name]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Online reports whether name is present and fresh.
func (r *Registry) Online(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.services[name]
	return ok && rec.Status == StatusOnline && r.now().Sub(rec.LastSeen) <= r.staleAfter
}

// List returns all records sorted by service name.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.services))
	for _, rec := range r.services {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sweep downgrades records that have gone silent and reaps the long-dead.
// Silent past the staleness threshold marks offline; past twice the
// threshold the record is removed entirely.
func (r *Registry) Sweep() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, rec := range r.services {
		age := now.Sub(rec.LastSeen)
		switch {
		case age > 2*r.staleAfter:
			delete(r.services, name)
			r.logger.Info("service reaped", "name", name, "silent_for", age)
		case age > r.staleAfter && rec.Status == StatusOnline:
			rec.Status = StatusOffline
			r.logger.Warn("service stale", "name", name, "silent_for", age)
		}
	}
}

// Run sweeps periodically until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
