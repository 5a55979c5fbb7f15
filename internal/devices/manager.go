package devices

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/events"
	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/metrics"
)

const historyCap = 1000

// Options tunes the manager. Zero values take the defaults noted per field.
type Options struct {
	CommandTimeout time.Duration // 30s, deadline from dispatch start
	MaxConcurrent  int           // 10 commands executing at once
	QueueSize      int           // 100 queued commands
	StarvationAge  time.Duration // 5s, lower-lane aging threshold
	SweepInterval  time.Duration // 60s, liveness sweep cadence
	OfflineAfter   time.Duration // 300s without status before offline
	Events         *events.Bus
	Logger         *slog.Logger
}

// dispatchRef maps one outstanding per-device dispatch back to its command.
type dispatchRef struct {
	commandID string
	deviceID  string
}

// Manager owns the device inventory, the command queue, and dispatch.
type Manager struct {
	inv    *Inventory
	queue  *queue
	conn   bus.Conn
	events *events.Bus
	logger *slog.Logger
	opts   Options

	mu      sync.Mutex
	active  map[string]*Command        // command_id → executing or queued command
	pending map[string]dispatchRef     // correlation id → dispatch
	timers  map[string]*time.Timer     // command_id → deadline timer
	subbed  map[string]struct{}        // capability names with a live subscription
	history []Command                  // ring, newest appended
	late    uint64                     // responses that arrived after settlement

	subCtx context.Context
}

// NewManager builds a manager publishing through conn.
func NewManager(conn bus.Conn, opts Options) *Manager {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		inv:     NewInventory(opts.OfflineAfter),
		queue:   newQueue(opts.QueueSize, opts.StarvationAge),
		conn:    conn,
		events:  opts.Events,
		logger:  logger.With("component", "devices"),
		opts:    opts,
		active:  make(map[string]*Command),
		pending: make(map[string]dispatchRef),
		timers:  make(map[string]*time.Timer),
		subbed:  make(map[string]struct{}),
	}
	m.inv.onNewCapability = m.subscribeCapability
	return m
}

// Inventory exposes the device table for the HTTP surface.
func (m *Manager) Inventory() *Inventory { return m.inv }

// Attach subscribes the manager's bus topics: device status and response
// wildcards, the command intake topic, and device registrations arriving
// over the discovery topics.
func (m *Manager) Attach(ctx context.Context, conn bus.Conn) error {
	m.subCtx = ctx
	subs := []struct {
		filter string
		h      bus.Handler
	}{
		{"alicia/devices/+/status", m.onStatus},
		{"alicia/devices/+/response", m.onResponse},
		{bus.TopicDeviceCommandRequest, m.onCommandRequest},
		{bus.TopicDiscoveryRegister, m.onDiscoveryRegister},
		{bus.TopicDiscoveryUnregister, m.onDiscoveryUnregister},
	}
	for _, s := range subs {
		if err := conn.Subscribe(ctx, s.filter, s.h); err != nil {
			return err
		}
	}
	return nil
}

// subscribeCapability attaches the call topic for a newly seen capability.
// Capability topics have no levels, so there is no wildcard to cover them
// all; each name gets its own subscription, kept for the manager's life.
func (m *Manager) subscribeCapability(name string) {
	m.mu.Lock()
	if _, ok := m.subbed[name]; ok {
		m.mu.Unlock()
		return
	}
	m.subbed[name] = struct{}{}
	ctx := m.subCtx
	m.mu.Unlock()

	if ctx == nil || m.conn == nil {
		return
	}
	capability := name
	err := m.conn.Subscribe(ctx, bus.CapabilityTopic(name), func(_ context.Context, _ string, env *bus.Envelope) {
		m.onCapabilityCall(capability, env)
	})
	if err != nil {
		m.logger.Warn("capability subscription failed", "capability", name, "error", err)
	}
}

// SendCommand queues a command for the given devices and returns its id.
// The queue is bounded; a full queue fails with an overload fault and the
// command is not retained. An empty device set completes immediately with
// an empty response set.
func (m *Manager) SendCommand(deviceIDs []string, command string, parameters map[string]any, priority bus.Priority) (string, error) {
	if command == "" {
		return "", fault.New(fault.Validation, "command required")
	}
	switch priority {
	case "", bus.PriorityLow, bus.PriorityNormal, bus.PriorityHigh:
	default:
		return "", fault.Newf(fault.Validation, "unknown priority %q", priority)
	}
	if priority == "" {
		priority = bus.PriorityNormal
	}

	cmd := &Command{
		CommandID:  uuid.NewString(),
		DeviceIDs:  append([]string(nil), deviceIDs...),
		Command:    command,
		Parameters: parameters,
		Priority:   priority,
		QueuedAt:   time.Now(),
		Status:     CommandQueued,
		Response:   make(map[string]json.RawMessage),
	}

	if len(cmd.DeviceIDs) == 0 {
		now := time.Now()
		cmd.StartedAt = now
		m.settle(cmd, CommandCompleted, "")
		return cmd.CommandID, nil
	}

	m.mu.Lock()
	m.active[cmd.CommandID] = cmd
	m.mu.Unlock()

	if err := m.queue.push(cmd); err != nil {
		m.mu.Lock()
		delete(m.active, cmd.CommandID)
		m.mu.Unlock()
		return "", err
	}
	m.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDevices,
		Kind:      events.KindCommandQueued,
		Data:      map[string]any{"command_id": cmd.CommandID, "devices": len(cmd.DeviceIDs)},
	})
	return cmd.CommandID, nil
}

// GetCommand returns a command from the active table or history.
func (m *Manager) GetCommand(commandID string) (Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cmd, ok := m.active[commandID]; ok {
		return cmd.clone(), nil
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].CommandID == commandID {
			return m.history[i].clone(), nil
		}
	}
	return Command{}, fault.Newf(fault.NotFound, "unknown command %q", commandID)
}

// Commands returns recent commands: everything active plus up to limit
// history entries, newest first.
func (m *Manager) Commands(limit int) []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, 0, len(m.active)+limit)
	for _, cmd := range m.active {
		out = append(out, cmd.clone())
	}
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	for i := 0; i < limit; i++ {
		out = append(out, m.history[n-1-i].clone())
	}
	return out
}

// LateResponses reports how many device responses arrived after their
// command had already settled.
func (m *Manager) LateResponses() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.late
}

// Run drives the dispatch loop and the liveness sweep until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	sweep := time.NewTicker(m.opts.SweepInterval)
	defer sweep.Stop()
	// Re-check the queue periodically so aging promotions are picked up
	// even when no push arrives to wake the loop.
	kick := time.NewTicker(time.Second)
	defer kick.Stop()

	for {
		m.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.queue.wake:
		case <-kick.C:
		case <-sweep.C:
			if flipped := m.inv.Sweep(); len(flipped) > 0 {
				m.logger.Info("devices marked offline", "devices", flipped)
			}
		}
	}
}

// drain dispatches queued commands while concurrency slots are free.
func (m *Manager) drain(ctx context.Context) {
	for {
		m.mu.Lock()
		executing := 0
		for _, cmd := range m.active {
			if cmd.Status == CommandExecuting {
				executing++
			}
		}
		m.mu.Unlock()
		if executing >= m.opts.MaxConcurrent {
			return
		}
		cmd := m.queue.pop()
		if cmd == nil {
			return
		}
		m.dispatch(ctx, cmd)
	}
}

// dispatch publishes the command to each target device and arms the
// deadline timer.
func (m *Manager) dispatch(ctx context.Context, cmd *Command) {
	now := time.Now()

	m.mu.Lock()
	if cmd.Status != CommandQueued {
		m.mu.Unlock()
		return
	}
	cmd.Status = CommandExecuting
	cmd.StartedAt = now
	type out struct {
		topic string
		env   *bus.Envelope
	}
	outs := make([]out, 0, len(cmd.DeviceIDs))
	for _, deviceID := range cmd.DeviceIDs {
		corr := cmd.CommandID + "_" + deviceID + "_" + uuid.NewString()[:8]
		env, err := bus.New(m.conn.ServiceName(), bus.TypeCommand, map[string]any{
			"command_id": cmd.CommandID,
			"device_id":  deviceID,
			"command":    cmd.Command,
			"parameters": cmd.Parameters,
		})
		if err != nil {
			m.logger.Error("build command envelope", "command_id", cmd.CommandID, "error", err)
			continue
		}
		env.Destination = deviceID
		env.Priority = cmd.Priority
		env.CorrelationID = corr
		m.pending[corr] = dispatchRef{commandID: cmd.CommandID, deviceID: deviceID}
		outs = append(outs, out{topic: bus.DeviceCommandTopic(deviceID), env: env})
	}
	commandID := cmd.CommandID
	m.timers[commandID] = time.AfterFunc(m.opts.CommandTimeout, func() {
		m.timeoutCommand(commandID)
	})
	m.mu.Unlock()

	for _, o := range outs {
		if err := m.conn.Publish(ctx, o.topic, o.env); err != nil {
			m.logger.Warn("command publish failed", "command_id", commandID, "topic", o.topic, "error", err)
		}
	}
}

// onResponse correlates a device answer back to its command. Commands
// settle when every targeted device has answered; answers for settled or
// unknown commands are counted and dropped.
func (m *Manager) onResponse(_ context.Context, _ string, env *bus.Envelope) {
	m.mu.Lock()
	ref, ok := m.pending[env.CorrelationID]
	if !ok {
		m.late++
		m.mu.Unlock()
		return
	}
	delete(m.pending, env.CorrelationID)
	cmd, ok := m.active[ref.commandID]
	if !ok || cmd.Status != CommandExecuting {
		m.late++
		m.mu.Unlock()
		return
	}
	cmd.Response[ref.deviceID] = append(json.RawMessage(nil), env.Payload...)
	if env.Type == bus.TypeError && cmd.Error == "" {
		var ep bus.ErrorPayload
		if err := env.DecodePayload(&ep); err == nil {
			cmd.Error = ep.Error.Message
		} else {
			cmd.Error = "device reported an error"
		}
	}
	done := len(cmd.Response) == len(cmd.DeviceIDs)
	m.mu.Unlock()

	if done {
		status := CommandCompleted
		if cmd.Error != "" {
			status = CommandFailed
		}
		m.settle(cmd, status, cmd.Error)
	}
}

// timeoutCommand settles a command as timed out. The status guard makes
// the transition happen exactly once even if a response races the timer.
func (m *Manager) timeoutCommand(commandID string) {
	m.mu.Lock()
	cmd, ok := m.active[commandID]
	if !ok || cmd.Status != CommandExecuting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.settle(cmd, CommandTimeout, "deadline elapsed before all devices responded")
}

// settle moves a command to a terminal state and into history.
func (m *Manager) settle(cmd *Command, status, errMsg string) {
	now := time.Now()

	m.mu.Lock()
	if cmd.Status == CommandCompleted || cmd.Status == CommandTimeout || cmd.Status == CommandFailed {
		m.mu.Unlock()
		return
	}
	cmd.Status = status
	cmd.CompletedAt = now
	if errMsg != "" {
		cmd.Error = errMsg
	}
	if t, ok := m.timers[cmd.CommandID]; ok {
		t.Stop()
		delete(m.timers, cmd.CommandID)
	}
	// Outstanding correlations for this command are dead; later answers
	// count as late.
	for corr, ref := range m.pending {
		if ref.commandID == cmd.CommandID {
			delete(m.pending, corr)
		}
	}
	delete(m.active, cmd.CommandID)
	m.history = append(m.history, cmd.clone())
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	m.mu.Unlock()

	metrics.CommandsCompleted.WithLabelValues(status).Inc()
	m.events.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceDevices,
		Kind:      events.KindCommandDone,
		Data: map[string]any{
			"command_id":  cmd.CommandID,
			"status":      status,
			"duration_ms": now.Sub(cmd.QueuedAt).Milliseconds(),
		},
	})
	m.logger.Info("command settled", "command_id", cmd.CommandID, "status", status)
}

// statusReport is the announcement devices publish on their status topic.
// A report carrying capabilities (re)registers the device; a bare one just
// refreshes liveness.
type statusReport struct {
	DeviceID     string                `json:"device_id"`
	DeviceType   string                `json:"device_type"`
	Status       string                `json:"status"`
	Capabilities map[string]Capability `json:"capabilities"`
	Endpoints    map[string]string     `json:"endpoints"`
	Metadata     map[string]string     `json:"metadata"`
}

func (m *Manager) onStatus(_ context.Context, topic string, env *bus.Envelope) {
	var report statusReport
	if err := env.DecodePayload(&report); err != nil {
		m.logger.Warn("bad device status payload", "topic", topic, "error", err)
		return
	}
	if report.DeviceID == "" {
		report.DeviceID = deviceIDFromTopic(topic)
	}
	if report.DeviceID == "" {
		return
	}

	if len(report.Capabilities) > 0 || report.DeviceType != "" {
		m.inv.Upsert(Device{
			DeviceID:     report.DeviceID,
			DeviceType:   report.DeviceType,
			Capabilities: report.Capabilities,
			Endpoints:    report.Endpoints,
			Status:       report.Status,
			Metadata:     report.Metadata,
			LastStatus:   append(json.RawMessage(nil), env.Payload...),
		})
		return
	}
	if !m.inv.Touch(report.DeviceID, report.Status, env.Payload) {
		m.logger.Debug("status for unknown device", "device_id", report.DeviceID)
	}
}

// onCommandRequest is the bus intake for commands. Queue overflow drops
// the request with a warning; senders needing delivery guarantees use the
// HTTP surface, which reports 503 instead.
func (m *Manager) onCommandRequest(_ context.Context, _ string, env *bus.Envelope) {
	var req struct {
		DeviceIDs  []string       `json:"device_ids"`
		Capability string         `json:"capability"`
		Command    string         `json:"command"`
		Parameters map[string]any `json:"parameters"`
		Priority   bus.Priority   `json:"priority"`
	}
	if err := env.DecodePayload(&req); err != nil {
		m.logger.Warn("bad command request payload", "error", err)
		return
	}
	ids := req.DeviceIDs
	if len(ids) == 0 && req.Capability != "" {
		ids = m.inv.Members(req.Capability)
	}
	if req.Priority == "" {
		req.Priority = env.Priority
	}
	if _, err := m.SendCommand(ids, req.Command, req.Parameters, req.Priority); err != nil {
		if fault.IsKind(err, fault.Overload) {
			metrics.MessagesDropped.WithLabelValues(m.conn.ServiceName(), "queue_full").Inc()
		}
		m.logger.Warn("bus command rejected", "command", req.Command, "error", err)
	}
}

// onCapabilityCall translates a capability-addressed message into a
// command over the capability's member set as of right now.
func (m *Manager) onCapabilityCall(capability string, env *bus.Envelope) {
	var req struct {
		Command    string         `json:"command"`
		Parameters map[string]any `json:"parameters"`
		Priority   bus.Priority   `json:"priority"`
	}
	if err := env.DecodePayload(&req); err != nil {
		m.logger.Warn("bad capability payload", "capability", capability, "error", err)
		return
	}
	if req.Command == "" {
		req.Command = capability
	}
	if req.Priority == "" {
		req.Priority = env.Priority
	}
	members := m.inv.Members(capability)
	if _, err := m.SendCommand(members, req.Command, req.Parameters, req.Priority); err != nil {
		if fault.IsKind(err, fault.Overload) {
			metrics.MessagesDropped.WithLabelValues(m.conn.ServiceName(), "queue_full").Inc()
		}
		m.logger.Warn("capability command rejected", "capability", capability, "error", err)
	}
}

// onDiscoveryRegister accepts device registrations riding the discovery
// topics: descriptors whose metadata marks them as devices.
func (m *Manager) onDiscoveryRegister(_ context.Context, _ string, env *bus.Envelope) {
	var desc bus.ServiceDescriptor
	if err := env.DecodePayload(&desc); err != nil || desc.Metadata["type"] != "device" {
		return
	}
	caps := make(map[string]Capability, len(desc.Capabilities))
	for _, name := range desc.Capabilities {
		caps[name] = Capability{Name: name}
	}
	m.inv.Upsert(Device{
		DeviceID:     desc.Name,
		DeviceType:   desc.Metadata["device_type"],
		Capabilities: caps,
		Metadata:     desc.Metadata,
	})
}

func (m *Manager) onDiscoveryUnregister(_ context.Context, _ string, env *bus.Envelope) {
	var desc bus.ServiceDescriptor
	if err := env.DecodePayload(&desc); err != nil || desc.Metadata["type"] != "device" {
		return
	}
	if m.inv.Remove(desc.Name) {
		m.logger.Info("device unregistered", "device_id", desc.Name)
	}
}

func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 4 && parts[0] == "alicia" && parts[1] == "devices" {
		return parts[2]
	}
	return ""
}
