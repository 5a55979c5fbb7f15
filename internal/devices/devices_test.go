package devices

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/fault"
)

func TestInventoryIndexLockstep(t *testing.T) {
	inv := NewInventory(0)
	inv.Upsert(Device{
		DeviceID:   "lamp-1",
		DeviceType: "light",
		Capabilities: map[string]Capability{
			"light_control": {Name: "light_control"},
			"dimming":       {Name: "dimming"},
		},
	})
	inv.Upsert(Device{
		DeviceID:     "lamp-2",
		DeviceType:   "light",
		Capabilities: map[string]Capability{"light_control": {Name: "light_control"}},
	})

	caps := inv.Capabilities()
	if got := caps["light_control"]; len(got) != 2 || got[0] != "lamp-1" || got[1] != "lamp-2" {
		t.Fatalf("light_control = %v", got)
	}
	if got := caps["dimming"]; len(got) != 1 || got[0] != "lamp-1" {
		t.Fatalf("dimming = %v", got)
	}

	// Re-registration with fewer capabilities rebuilds the index.
	inv.Upsert(Device{
		DeviceID:     "lamp-1",
		DeviceType:   "light",
		Capabilities: map[string]Capability{"light_control": {Name: "light_control"}},
	})
	caps = inv.Capabilities()
	if _, ok := caps["dimming"]; ok {
		t.Fatal("dimming should be gone after re-registration")
	}

	inv.Remove("lamp-2")
	if got := inv.Capabilities()["light_control"]; len(got) != 1 || got[0] != "lamp-1" {
		t.Fatalf("after remove: %v", got)
	}
}

func TestInventoryReRegisterKeepsRegisteredAt(t *testing.T) {
	inv := NewInventory(0)
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	inv.now = func() time.Time { return clock }

	inv.Upsert(Device{DeviceID: "sensor-1", DeviceType: "sensor"})
	first, _ := inv.Get("sensor-1")
	clock = clock.Add(time.Hour)
	inv.Upsert(Device{DeviceID: "sensor-1", DeviceType: "sensor"})
	second, _ := inv.Get("sensor-1")

	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("registered_at changed: %v → %v", first.RegisteredAt, second.RegisteredAt)
	}
	if !second.LastSeen.Equal(clock) {
		t.Fatalf("last_seen = %v", second.LastSeen)
	}
}

func TestInventorySweep(t *testing.T) {
	inv := NewInventory(5 * time.Minute)
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	inv.now = func() time.Time { return clock }

	inv.Upsert(Device{DeviceID: "stale", DeviceType: "sensor"})
	clock = clock.Add(4 * time.Minute)
	inv.Upsert(Device{DeviceID: "fresh", DeviceType: "sensor"})
	clock = clock.Add(2 * time.Minute)

	flipped := inv.Sweep()
	if len(flipped) != 1 || flipped[0] != "stale" {
		t.Fatalf("flipped = %v", flipped)
	}
	d, _ := inv.Get("stale")
	if d.Status != StatusOffline {
		t.Fatalf("status = %q", d.Status)
	}
	d, _ = inv.Get("fresh")
	if d.Status != StatusOnline {
		t.Fatalf("fresh status = %q", d.Status)
	}
}

func TestQueueLaneOrderAndAging(t *testing.T) {
	q := newQueue(10, 5*time.Second)
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return clock }

	mk := func(id string, p bus.Priority, queuedAt time.Time) *Command {
		return &Command{CommandID: id, Priority: p, QueuedAt: queuedAt}
	}

	if err := q.push(mk("low-old", bus.PriorityLow, clock.Add(-10*time.Second))); err != nil {
		t.Fatal(err)
	}
	if err := q.push(mk("norm", bus.PriorityNormal, clock)); err != nil {
		t.Fatal(err)
	}
	if err := q.push(mk("high", bus.PriorityHigh, clock)); err != nil {
		t.Fatal(err)
	}

	// The aged low item beats the fresh high item.
	if got := q.pop().CommandID; got != "low-old" {
		t.Fatalf("first pop = %q", got)
	}
	if got := q.pop().CommandID; got != "high" {
		t.Fatalf("second pop = %q", got)
	}
	if got := q.pop().CommandID; got != "norm" {
		t.Fatalf("third pop = %q", got)
	}
	if q.pop() != nil {
		t.Fatal("queue should be empty")
	}
}

func TestQueueOverflow(t *testing.T) {
	q := newQueue(2, 0)
	now := time.Now()
	if err := q.push(&Command{CommandID: "a", QueuedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := q.push(&Command{CommandID: "b", QueuedAt: now}); err != nil {
		t.Fatal(err)
	}
	err := q.push(&Command{CommandID: "c", QueuedAt: now})
	if !fault.IsKind(err, fault.Overload) {
		t.Fatalf("want overload, got %v", err)
	}
	if !strings.Contains(err.Error(), "queue_full") {
		t.Fatalf("error = %v", err)
	}
}

// fakeDevice subscribes a device's command topic on the exchange and
// answers each dispatch, or swallows it when mute.
type fakeDevice struct {
	conn *bus.Fake
	mute bool
}

func newFakeDevice(t *testing.T, ex *bus.Exchange, id string, mute bool) *fakeDevice {
	t.Helper()
	d := &fakeDevice{conn: ex.Connect(id), mute: mute}
	err := d.conn.Subscribe(context.Background(), bus.DeviceCommandTopic(id), func(ctx context.Context, _ string, env *bus.Envelope) {
		if d.mute {
			return
		}
		reply, err := bus.New(id, bus.TypeResponse, map[string]any{"ok": true, "device": id})
		if err != nil {
			t.Error(err)
			return
		}
		reply.CorrelationID = env.CorrelationID
		if err := d.conn.Publish(ctx, bus.DeviceResponseTopic(id), reply); err != nil {
			t.Error(err)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func newTestManager(t *testing.T, ex *bus.Exchange, opts Options) *Manager {
	t.Helper()
	conn := ex.Connect("device_manager")
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = time.Second
	}
	m := NewManager(conn, opts)
	if err := m.Attach(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCommandFanOutCompletes(t *testing.T) {
	ex := bus.NewExchange()
	m := newTestManager(t, ex, Options{})
	newFakeDevice(t, ex, "lamp-1", false)
	newFakeDevice(t, ex, "lamp-2", false)

	id, err := m.SendCommand([]string{"lamp-1", "lamp-2"}, "turn_on", map[string]any{"brightness": 80}, bus.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	m.drain(context.Background())

	cmd, err := m.GetCommand(id)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Status != CommandCompleted {
		t.Fatalf("status = %q", cmd.Status)
	}
	if len(cmd.Response) != 2 {
		t.Fatalf("responses = %d", len(cmd.Response))
	}
	var body struct {
		Device string `json:"device"`
	}
	if err := json.Unmarshal(cmd.Response["lamp-1"], &body); err != nil || body.Device != "lamp-1" {
		t.Fatalf("lamp-1 response = %s (%v)", cmd.Response["lamp-1"], err)
	}
	if cmd.CompletedAt.IsZero() || cmd.StartedAt.IsZero() {
		t.Fatal("timestamps not stamped")
	}
}

func TestCommandCorrelationIDShape(t *testing.T) {
	ex := bus.NewExchange()
	m := newTestManager(t, ex, Options{})
	newFakeDevice(t, ex, "lamp-1", false)

	id, err := m.SendCommand([]string{"lamp-1"}, "turn_on", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	m.drain(context.Background())

	sent := ex.PublishedTo(bus.DeviceCommandTopic("lamp-1"))
	if len(sent) != 1 {
		t.Fatalf("dispatches = %d", len(sent))
	}
	if !strings.HasPrefix(sent[0].CorrelationID, id+"_lamp-1_") {
		t.Fatalf("correlation = %q", sent[0].CorrelationID)
	}
	if sent[0].Type != bus.TypeCommand {
		t.Fatalf("type = %q", sent[0].Type)
	}
}

func TestCommandTimeoutExactlyOnce(t *testing.T) {
	ex := bus.NewExchange()
	m := newTestManager(t, ex, Options{CommandTimeout: 30 * time.Millisecond})
	newFakeDevice(t, ex, "answers", false)
	mute := newFakeDevice(t, ex, "silent", true)

	id, err := m.SendCommand([]string{"answers", "silent"}, "turn_on", nil, bus.PriorityHigh)
	if err != nil {
		t.Fatal(err)
	}
	m.drain(context.Background())

	deadline := time.Now().Add(time.Second)
	for {
		cmd, err := m.GetCommand(id)
		if err != nil {
			t.Fatal(err)
		}
		if cmd.Status == CommandTimeout {
			if len(cmd.Response) != 1 {
				t.Fatalf("responses at timeout = %d", len(cmd.Response))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("still %q after deadline", cmd.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A response arriving after settlement is counted and ignored.
	mute.mute = false
	late, err := bus.New("silent", bus.TypeResponse, map[string]any{"ok": true})
	if err != nil {
		t.Fatal(err)
	}
	late.CorrelationID = id + "_silent_deadbeef"
	if err := mute.conn.Publish(context.Background(), bus.DeviceResponseTopic("silent"), late); err != nil {
		t.Fatal(err)
	}
	if m.LateResponses() == 0 {
		t.Fatal("late response not counted")
	}
	cmd, err := m.GetCommand(id)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Status != CommandTimeout {
		t.Fatalf("status changed to %q", cmd.Status)
	}
}

func TestCommandEmptyDeviceSet(t *testing.T) {
	ex := bus.NewExchange()
	m := newTestManager(t, ex, Options{})

	id, err := m.SendCommand(nil, "turn_on", nil, bus.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	cmd, err := m.GetCommand(id)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Status != CommandCompleted || len(cmd.Response) != 0 {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestCommandDeviceError(t *testing.T) {
	ex := bus.NewExchange()
	m := newTestManager(t, ex, Options{})

	conn := ex.Connect("broken-1")
	err := conn.Subscribe(context.Background(), bus.DeviceCommandTopic("broken-1"), func(ctx context.Context, _ string, env *bus.Envelope) {
		reply, rerr := bus.ErrorReply(env, "broken-1", fault.New(fault.Internal, "motor stuck"))
		if rerr != nil {
			t.Error(rerr)
			return
		}
		reply.CorrelationID = env.CorrelationID
		if perr := conn.Publish(ctx, bus.DeviceResponseTopic("broken-1"), reply); perr != nil {
			t.Error(perr)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	id, err := m.SendCommand([]string{"broken-1"}, "open", nil, bus.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	m.drain(context.Background())

	cmd, err := m.GetCommand(id)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Status != CommandFailed {
		t.Fatalf("status = %q", cmd.Status)
	}
	if !strings.Contains(cmd.Error, "motor stuck") {
		t.Fatalf("error = %q", cmd.Error)
	}
}

func TestDeviceRegistrationOverStatusTopic(t *testing.T) {
	ex := bus.NewExchange()
	m := newTestManager(t, ex, Options{})

	announcer := ex.Connect("lamp-1")
	env, err := bus.New("lamp-1", bus.TypeEvent, statusReport{
		DeviceID:     "lamp-1",
		DeviceType:   "light",
		Status:       StatusOnline,
		Capabilities: map[string]Capability{"light_control": {Name: "light_control"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := announcer.Publish(context.Background(), bus.DeviceStatusTopic("lamp-1"), env); err != nil {
		t.Fatal(err)
	}

	d, err := m.inv.Get("lamp-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.DeviceType != "light" || d.Status != StatusOnline {
		t.Fatalf("device = %+v", d)
	}
}

func TestCapabilityCallSnapshotsMembers(t *testing.T) {
	ex := bus.NewExchange()
	m := newTestManager(t, ex, Options{})
	newFakeDevice(t, ex, "lamp-1", false)
	newFakeDevice(t, ex, "lamp-2", false)

	m.inv.Upsert(Device{
		DeviceID:     "lamp-1",
		DeviceType:   "light",
		Capabilities: map[string]Capability{"light_control": {Name: "light_control"}},
	})
	m.inv.Upsert(Device{
		DeviceID:     "lamp-2",
		DeviceType:   "light",
		Capabilities: map[string]Capability{"light_control": {Name: "light_control"}},
	})

	caller := ex.Connect("scene")
	env, err := bus.New("scene", bus.TypeCommand, map[string]any{
		"command":    "turn_off",
		"parameters": map[string]any{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := caller.Publish(context.Background(), bus.CapabilityTopic("light_control"), env); err != nil {
		t.Fatal(err)
	}
	m.drain(context.Background())

	cmds := m.Commands(0)
	if len(cmds) != 1 {
		t.Fatalf("commands = %d", len(cmds))
	}
	if len(cmds[0].DeviceIDs) != 2 || cmds[0].Command != "turn_off" {
		t.Fatalf("cmd = %+v", cmds[0])
	}
	if cmds[0].Status != CommandCompleted {
		t.Fatalf("status = %q", cmds[0].Status)
	}
}

func TestBusIntakeDropsOnFullQueue(t *testing.T) {
	ex := bus.NewExchange()
	m := newTestManager(t, ex, Options{QueueSize: 1})

	if _, err := m.SendCommand([]string{"lamp-1"}, "warm_up", nil, bus.PriorityLow); err != nil {
		t.Fatal(err)
	}

	sender := ex.Connect("scheduler")
	env, err := bus.New("scheduler", bus.TypeCommand, map[string]any{
		"device_ids": []string{"lamp-1"},
		"command":    "turn_on",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := sender.Publish(context.Background(), bus.TopicDeviceCommandRequest, env); err != nil {
		t.Fatal(err)
	}

	// The overflow command was dropped, not queued.
	if depth := m.queue.depth(); depth != 1 {
		t.Fatalf("depth = %d", depth)
	}
}

func TestHistoryEviction(t *testing.T) {
	ex := bus.NewExchange()
	m := newTestManager(t, ex, Options{})

	var first string
	for i := 0; i < historyCap+5; i++ {
		id, err := m.SendCommand(nil, "noop", nil, bus.PriorityNormal)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = id
		}
	}
	m.mu.Lock()
	n := len(m.history)
	m.mu.Unlock()
	if n != historyCap {
		t.Fatalf("history = %d", n)
	}
	if _, err := m.GetCommand(first); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("oldest should be evicted, got %v", err)
	}
}
