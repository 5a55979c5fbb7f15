// Package monitor watches the health of every service on the bus: it
// ingests the periodic heartbeats, probes configured HTTP health endpoints
// directly, keeps a bounded per-service check history, and derives the
// aggregate system status.
package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/discovery"
)

// Check status values.
const (
	Healthy   = "healthy"
	Unhealthy = "unhealthy"
	Timeout   = "timeout"
	Errored   = "error"
)

// Aggregate status values. Degraded means at least one service is not
// healthy; critical means none are.
const (
	OverallHealthy  = "healthy"
	OverallDegraded = "degraded"
	OverallCritical = "critical"
)

// Check is one health observation, from a heartbeat or a direct probe.
type Check struct {
	Service        string    `json:"service"`
	Status         string    `json:"status"`
	ResponseTimeMS float64   `json:"response_time_ms"`
	Source         string    `json:"source"` // heartbeat | probe
	Error          string    `json:"error,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Summary is the aggregate view the /health endpoint serves.
type Summary struct {
	Status   string           `json:"status"`
	Services map[string]Check `json:"services"`
	Checked  time.Time        `json:"checked_at"`
}

// Options tunes a Monitor. Zero values take the documented defaults.
type Options struct {
	ProbeTimeout  time.Duration // default 10s
	CheckInterval time.Duration // default 30s
	Window        time.Duration // history retention, default 24h
	MaxPerService int           // history ring cap, default 2880
	Probes        []Probe
	Logger        *slog.Logger
}

// Monitor tracks per-service health. All methods are safe for concurrent
// use; probes run off the lock.
type Monitor struct {
	registry *discovery.Registry
	conn     bus.Conn
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	history map[string][]Check
	latest  map[string]Check
}

// New builds a Monitor over the given directory. conn may be nil in tests;
// heartbeat solicitation is skipped without it.
func New(registry *discovery.Registry, conn bus.Conn, opts Options) *Monitor {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.MaxPerService <= 0 {
		opts.MaxPerService = 2880
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		registry: registry,
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger.With("component", "monitor"),
		now:      time.Now,
		history:  make(map[string][]Check),
		latest:   make(map[string]Check),
	}
}

// Attach subscribes the monitor to the heartbeat topics on conn.
func (m *Monitor) Attach(ctx context.Context, conn bus.Conn) error {
	return conn.Subscribe(ctx, bus.HealthWildcard, m.onHeartbeat)
}

func (m *Monitor) onHeartbeat(_ context.Context, topic string, env *bus.Envelope) {
	if topic == bus.TopicHealthCheck {
		return
	}
	var hb bus.HealthPayload
	if err := env.DecodePayload(&hb); err != nil {
		return
	}
	status := Healthy
	if hb.Status != "online" {
		status = Unhealthy
	}
	m.Record(Check{
		Service:   hb.Service,
		Status:    status,
		Source:    "heartbeat",
		CheckedAt: m.now(),
	})
}

// Record appends a check to the service's history, trimming entries that
// fell out of the retention window or past the ring cap.
func (m *Monitor) Record(c Check) {
	if c.CheckedAt.IsZero() {
		c.CheckedAt = m.now()
	}
	cutoff := m.now().Add(-m.opts.Window)

	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[c.Service], c)
	for len(h) > 0 && h[0].CheckedAt.Before(cutoff) {
		h = h[1:]
	}
	if over := len(h) - m.opts.MaxPerService; over > 0 {
		h = h[over:]
	}
	m.history[c.Service] = h
	m.latest[c.Service] = c
}

// HistoryFor returns the retained checks for a service, oldest first.
func (m *Monitor) HistoryFor(service string) []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.history[service]
	out := make([]Check, len(h))
	copy(out, h)
	return out
}

// Services returns the most recent check per known service, sorted by name.
func (m *Monitor) Services() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Check, 0, len(m.latest))
	for _, c := range m.latest {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Overall derives the aggregate status: healthy when every service's latest
// check is healthy, critical when none is, degraded in between. With nothing
// observed yet the system counts as healthy.
func (m *Monitor) Overall() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	services := make(map[string]Check, len(m.latest))
	healthy := 0
	for name, c := range m.latest {
		services[name] = c
		if c.Status == Healthy {
			healthy++
		}
	}

	status := OverallHealthy
	switch {
	case len(services) == 0:
		status = OverallHealthy
	case healthy == 0:
		status = OverallCritical
	case healthy < len(services):
		status = OverallDegraded
	}
	return Summary{Status: status, Services: services, Checked: m.now()}
}

// Run drives the periodic probe cycle until ctx is cancelled. Each cycle
// probes every configured endpoint and solicits a fresh heartbeat from
// registry members that have gone quiet, giving them one interval to answer
// before their staleness shows in the aggregate.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	m.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

func (m *Monitor) cycle(ctx context.Context) {
	for _, p := range m.opts.Probes {
		m.Record(m.probe(ctx, p))
	}
	m.solicit(ctx)
}

// solicit asks quiet services for an immediate heartbeat.
func (m *Monitor) solicit(ctx context.Context) {
	if m.conn == nil || m.registry == nil {
		return
	}
	stale := false
	for _, rec := range m.registry.List() {
		if m.now().Sub(rec.LastSeen) > m.opts.CheckInterval {
			stale = true
			break
		}
	}
	if !stale {
		return
	}
	env, err := bus.New(m.conn.ServiceName(), bus.TypeRequest, nil)
	if err != nil {
		return
	}
	if err := m.conn.Publish(ctx, bus.TopicHealthCheck, env); err != nil {
		m.logger.Debug("health solicitation failed", "error", err)
	}
}
