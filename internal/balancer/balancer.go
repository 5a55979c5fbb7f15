// Package balancer picks a live instance for each request to a logical
// service. The instance registry is fed by the discovery announcements,
// health is fed by the heartbeat topics, and every instance sits behind its
// own circuit breaker so a failing instance is excluded from selection until
// it proves itself again.
package balancer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/events"
	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/metrics"
)

// Instance health states. Open breakers force unhealthy; a half-open breaker
// probes as unknown until its trial request settles.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)

// Instance is the externally visible snapshot of one backend.
type Instance struct {
	InstanceID        string    `json:"instance_id"`
	ServiceName       string    `json:"service_name"`
	Host              string    `json:"host,omitempty"`
	Port              int       `json:"port,omitempty"`
	HealthStatus      string    `json:"health_status"`
	ActiveConnections int       `json:"active_connections"`
	Weight            int       `json:"weight"`
	LastHealthCheck   time.Time `json:"last_health_check"`
	ResponseTimeMS    float64   `json:"response_time_ms"`
	TotalRequests     uint64    `json:"total_requests"`
	FailedRequests    uint64    `json:"failed_requests"`
	BreakerState      string    `json:"breaker_state"`
	NextAttemptAt     time.Time `json:"next_attempt_at,omitzero"`
}

// instance is the internal record. All fields, including every call into
// brk, are guarded by the Balancer mutex; the breaker's state-change
// callback therefore mutates fields without taking it.
type instance struct {
	Instance
	brk     *gobreaker.TwoStepCircuitBreaker
	pending []func(bool) // breaker completions for in-flight requests, FIFO
	swrr    int          // smooth weighted round-robin current weight
}

// Options tunes a Balancer.
type Options struct {
	DefaultAlgorithm Algorithm     // default round_robin
	FailureThreshold uint32        // consecutive failures that trip a breaker, default 5
	RecoveryTimeout  time.Duration // open → half_open delay, default 60s
	Events           *events.Bus
	Logger           *slog.Logger
}

// Balancer routes requests across registered instances.
type Balancer struct {
	conn   bus.Conn // may be nil; routing decisions are then not published
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	services  map[string]map[string]*instance // service → instance_id → record
	index     map[string]*instance            // instance_id → record
	cursors   map[string]int                  // service → round-robin cursor
	overrides map[string]Algorithm            // service → algorithm override

	routed      uint64
	routeErrors uint64
}

// New builds a Balancer. conn may be nil in tests.
func New(conn bus.Conn, opts Options) *Balancer {
	if opts.DefaultAlgorithm == "" {
		opts.DefaultAlgorithm = RoundRobin
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Balancer{
		conn:      conn,
		opts:      opts,
		logger:    opts.Logger.With("component", "balancer"),
		services:  make(map[string]map[string]*instance),
		index:     make(map[string]*instance),
		cursors:   make(map[string]int),
		overrides: make(map[string]Algorithm),
	}
}

// Attach subscribes the balancer to discovery and heartbeat topics.
func (b *Balancer) Attach(ctx context.Context, conn bus.Conn) error {
	if err := conn.Subscribe(ctx, bus.TopicDiscoveryRegister, b.onRegister); err != nil {
		return err
	}
	if err := conn.Subscribe(ctx, bus.TopicDiscoveryUnregister, b.onUnregister); err != nil {
		return err
	}
	return conn.Subscribe(ctx, bus.HealthWildcard, b.onHealth)
}

func (b *Balancer) onRegister(_ context.Context, _ string, env *bus.Envelope) {
	var desc bus.ServiceDescriptor
	if err := env.DecodePayload(&desc); err != nil {
		return
	}
	if desc.Name == "" {
		desc.Name = env.Source
	}
	b.Register(desc)
}

func (b *Balancer) onUnregister(_ context.Context, _ string, env *bus.Envelope) {
	var desc bus.ServiceDescriptor
	if err := env.DecodePayload(&desc); err != nil {
		return
	}
	if desc.Name == "" {
		desc.Name = env.Source
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	insts := b.services[desc.Name]
	for id, inst := range insts {
		if desc.InstanceID == "" || inst.InstanceID == desc.InstanceID {
			delete(insts, id)
			delete(b.index, id)
		}
	}
	if len(insts) == 0 {
		delete(b.services, desc.Name)
	}
}

func (b *Balancer) onHealth(_ context.Context, topic string, env *bus.Envelope) {
	if topic == bus.TopicHealthCheck {
		return
	}
	var hb struct {
		Service        string  `json:"service"`
		InstanceID     string  `json:"instance_id"`
		Status         string  `json:"status"`
		ResponseTimeMS float64 `json:"response_time_ms"`
	}
	if err := env.DecodePayload(&hb); err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, inst := range b.services[hb.Service] {
		if hb.InstanceID != "" && inst.InstanceID != hb.InstanceID {
			continue
		}
		inst.LastHealthCheck = time.Now()
		if hb.ResponseTimeMS > 0 {
			inst.ResponseTimeMS = hb.ResponseTimeMS
		}
		// A breaker verdict outranks self-reported health.
		if inst.brk.State() == gobreaker.StateClosed {
			if hb.Status == "online" || hb.Status == "healthy" {
				inst.HealthStatus = HealthHealthy
			} else {
				inst.HealthStatus = HealthUnhealthy
			}
		}
	}
}

// Register adds an instance for a service, or refreshes it when the id is
// already known. New instances start healthy with a closed breaker.
func (b *Balancer) Register(desc bus.ServiceDescriptor) {
	id := desc.InstanceID
	if id == "" {
		id = fmt.Sprintf("%s-%s:%d", desc.Name, desc.Host, desc.Port)
	}
	weight := desc.Weight
	if weight < 1 {
		weight = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.index[id]; ok {
		existing.Host = desc.Host
		existing.Port = desc.Port
		existing.Weight = weight
		existing.LastHealthCheck = time.Now()
		return
	}

	inst := &instance{
		Instance: Instance{
			InstanceID:      id,
			ServiceName:     desc.Name,
			Host:            desc.Host,
			Port:            desc.Port,
			HealthStatus:    HealthHealthy,
			Weight:          weight,
			LastHealthCheck: time.Now(),
			BreakerState:    gobreaker.StateClosed.String(),
		},
	}
	inst.brk = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     b.opts.RecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= b.opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onBreakerChange(inst, from, to)
		},
	})

	if b.services[desc.Name] == nil {
		b.services[desc.Name] = make(map[string]*instance)
	}
	b.services[desc.Name][id] = inst
	b.index[id] = inst
	b.logger.Info("instance registered", "service", desc.Name, "instance_id", id, "weight", weight)
}

// onBreakerChange runs inside a breaker call, which only ever happens under
// b.mu; it must not lock.
func (b *Balancer) onBreakerChange(inst *instance, from, to gobreaker.State) {
	inst.BreakerState = to.String()
	switch to {
	case gobreaker.StateOpen:
		inst.HealthStatus = HealthUnhealthy
		inst.NextAttemptAt = time.Now().Add(b.opts.RecoveryTimeout)
		metrics.BreakerState.WithLabelValues(inst.InstanceID).Set(2)
	case gobreaker.StateHalfOpen:
		inst.HealthStatus = HealthUnknown
		metrics.BreakerState.WithLabelValues(inst.InstanceID).Set(1)
	case gobreaker.StateClosed:
		inst.HealthStatus = HealthHealthy
		inst.NextAttemptAt = time.Time{}
		metrics.BreakerState.WithLabelValues(inst.InstanceID).Set(0)
	}
	b.logger.Info("circuit breaker transition",
		"instance_id", inst.InstanceID, "from", from.String(), "to", to.String())
	b.opts.Events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceBalancer,
		Kind:      events.KindBreakerChange,
		Data: map[string]any{
			"instance_id": inst.InstanceID,
			"from":        from.String(),
			"to":          to.String(),
		},
	})
}

// Route selects an instance of service and reserves a connection slot on it.
// The caller must pair every successful Route with exactly one Release. The
// decision is also published on the advisory routing topic. With no routable
// instance it fails with an overload error and moves no counters.
func (b *Balancer) Route(ctx context.Context, service string) (Instance, error) {
	b.mu.Lock()
	algo := b.algorithmLocked(service)

	candidates := b.routableLocked(service)
	var chosen *instance
	for len(candidates) > 0 {
		pick := b.pickLocked(algo, service, candidates)
		done, err := pick.brk.Allow()
		if err != nil {
			// Half-open slot already taken; drop this candidate and retry.
			candidates = removeInstance(candidates, pick)
			continue
		}
		pick.pending = append(pick.pending, done)
		chosen = pick
		break
	}

	if chosen == nil {
		b.routeErrors++
		b.mu.Unlock()
		metrics.RouteFailures.WithLabelValues(service, "no_healthy_instances").Inc()
		return Instance{}, fault.Newf(fault.Overload, "no_healthy_instances: service %q has no routable instance", service)
	}

	chosen.ActiveConnections++
	chosen.TotalRequests++
	b.routed++
	snap := chosen.Instance
	b.mu.Unlock()

	metrics.RouteDecisions.WithLabelValues(service, string(algo)).Inc()
	b.publishDecision(ctx, service, algo, snap)
	return snap, nil
}

// Release completes a routed request, feeding the instance's breaker and
// freeing the connection slot. Unknown ids are ignored; the instance may
// have unregistered while the request was in flight.
func (b *Balancer) Release(instanceID string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.index[instanceID]
	if !ok {
		return
	}
	if len(inst.pending) > 0 {
		done := inst.pending[0]
		inst.pending = inst.pending[1:]
		done(success)
	}
	if inst.ActiveConnections > 0 {
		inst.ActiveConnections--
	}
	if !success {
		inst.FailedRequests++
	}
}

// routableLocked returns the selectable instances of service sorted by id:
// breaker not open, not marked unhealthy.
func (b *Balancer) routableLocked(service string) []*instance {
	var out []*instance
	for _, inst := range b.services[service] {
		if inst.brk.State() == gobreaker.StateOpen {
			continue
		}
		if inst.HealthStatus == HealthUnhealthy {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

func removeInstance(s []*instance, x *instance) []*instance {
	out := s[:0]
	for _, i := range s {
		if i != x {
			out = append(out, i)
		}
	}
	return out
}

func (b *Balancer) publishDecision(ctx context.Context, service string, algo Algorithm, inst Instance) {
	if b.conn == nil {
		return
	}
	env, err := bus.New(b.conn.ServiceName(), bus.TypeEvent, map[string]any{
		"service":     service,
		"instance_id": inst.InstanceID,
		"host":        inst.Host,
		"port":        inst.Port,
		"algorithm":   algo,
	})
	if err != nil {
		return
	}
	if err := b.conn.Publish(ctx, bus.RouteTopic(service), env); err != nil {
		b.logger.Debug("routing decision publish failed", "service", service, "error", err)
	}
}

// SetAlgorithm sets the selection algorithm; with service empty it replaces
// the default, otherwise it installs a per-service override.
func (b *Balancer) SetAlgorithm(service string, algo Algorithm) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if service == "" {
		b.opts.DefaultAlgorithm = algo
		return
	}
	b.overrides[service] = algo
}

func (b *Balancer) algorithmLocked(service string) Algorithm {
	if a, ok := b.overrides[service]; ok {
		return a
	}
	return b.opts.DefaultAlgorithm
}

// Services returns every known service name, sorted.
func (b *Balancer) Services() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.services))
	for name := range b.services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Instances returns snapshots of a service's instances sorted by id.
func (b *Balancer) Instances(service string) []Instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Instance
	for _, inst := range b.services[service] {
		inst.BreakerState = inst.brk.State().String()
		out = append(out, inst.Instance)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Stats is the aggregate counters the /stats endpoint serves.
type Stats struct {
	Services         int               `json:"services"`
	Instances        int               `json:"instances"`
	Routed           uint64            `json:"routed"`
	RouteErrors      uint64            `json:"route_errors"`
	DefaultAlgorithm Algorithm         `json:"default_algorithm"`
	Algorithms       map[string]string `json:"algorithm_overrides,omitempty"`
}

// StatsSnapshot returns the aggregate counters.
func (b *Balancer) StatsSnapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Services:         len(b.services),
		Instances:        len(b.index),
		Routed:           b.routed,
		RouteErrors:      b.routeErrors,
		DefaultAlgorithm: b.opts.DefaultAlgorithm,
	}
	if len(b.overrides) > 0 {
		s.Algorithms = make(map[string]string, len(b.overrides))
		for svc, a := range b.overrides {
			s.Algorithms[svc] = string(a)
		}
	}
	return s
}
