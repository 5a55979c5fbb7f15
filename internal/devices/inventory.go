package devices

import (
	"sort"
	"sync"
	"time"

	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/metrics"
)

// Inventory is the device table plus its inverse capability index. The two
// are mutated together under one lock so every (device, capability) pair in
// the table appears exactly once in the index, and vice versa.
type Inventory struct {
	mu           sync.Mutex
	devices      map[string]*Device
	capabilities map[string]map[string]struct{} // capability → device ids

	// onNewCapability fires (outside the lock) the first time a capability
	// name is seen, so the manager can subscribe its call topic.
	onNewCapability func(name string)

	offlineAfter time.Duration
	now          func() time.Time
}

// NewInventory builds an empty inventory. Devices go offline after
// offlineAfter without a status update (default 5 minutes).
func NewInventory(offlineAfter time.Duration) *Inventory {
	if offlineAfter <= 0 {
		offlineAfter = 5 * time.Minute
	}
	return &Inventory{
		devices:      make(map[string]*Device),
		capabilities: make(map[string]map[string]struct{}),
		offlineAfter: offlineAfter,
		now:          time.Now,
	}
}

// Upsert registers a device or refreshes an existing record. The capability
// index is rebuilt for the device in the same critical section. Returns the
// capability names that were new to the whole inventory.
func (inv *Inventory) Upsert(d Device) []string {
	now := inv.now()
	var fresh []string

	inv.mu.Lock()
	existing, ok := inv.devices[d.DeviceID]
	if ok {
		inv.unindexLocked(existing)
		d.RegisteredAt = existing.RegisteredAt
	} else {
		d.RegisteredAt = now
	}
	if d.Status == "" {
		d.Status = StatusOnline
	}
	d.LastSeen = now
	inv.devices[d.DeviceID] = &d
	for name := range d.Capabilities {
		members, known := inv.capabilities[name]
		if !known {
			members = make(map[string]struct{})
			inv.capabilities[name] = members
			fresh = append(fresh, name)
		}
		members[d.DeviceID] = struct{}{}
	}
	inv.updateOnlineGaugeLocked()
	hook := inv.onNewCapability
	inv.mu.Unlock()

	if hook != nil {
		for _, name := range fresh {
			hook(name)
		}
	}
	return fresh
}

// Touch refreshes last_seen and the latest status report for a known
// device. Unknown devices are ignored; registration happens via Upsert.
func (inv *Inventory) Touch(deviceID string, status string, report []byte) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	d, ok := inv.devices[deviceID]
	if !ok {
		return false
	}
	d.LastSeen = inv.now()
	if status != "" {
		d.Status = status
	} else {
		d.Status = StatusOnline
	}
	if len(report) > 0 {
		d.LastStatus = append([]byte(nil), report...)
	}
	inv.updateOnlineGaugeLocked()
	return true
}

// Remove deletes a device and its index entries. Unknown ids are a no-op.
func (inv *Inventory) Remove(deviceID string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	d, ok := inv.devices[deviceID]
	if !ok {
		return false
	}
	inv.unindexLocked(d)
	delete(inv.devices, deviceID)
	inv.updateOnlineGaugeLocked()
	return true
}

// Get returns a copy of the device record.
func (inv *Inventory) Get(deviceID string) (Device, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	d, ok := inv.devices[deviceID]
	if !ok {
		return Device{}, fault.Newf(fault.NotFound, "unknown device %q", deviceID)
	}
	return *d, nil
}

// List returns every device sorted by id.
func (inv *Inventory) List() []Device {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]Device, 0, len(inv.devices))
	for _, d := range inv.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Capabilities returns the capability index as name → sorted device ids.
func (inv *Inventory) Capabilities() map[string][]string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make(map[string][]string, len(inv.capabilities))
	for name, members := range inv.capabilities {
		ids := make([]string, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[name] = ids
	}
	return out
}

// Members returns the device ids currently holding a capability, sorted.
// The snapshot is taken once; later joins or leaves do not affect it.
func (inv *Inventory) Members(capability string) []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	members := inv.capabilities[capability]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sweep marks devices offline after offlineAfter without a status update
// and returns the ids it flipped.
func (inv *Inventory) Sweep() []string {
	now := inv.now()
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var flipped []string
	for id, d := range inv.devices {
		if d.Status != StatusOffline && now.Sub(d.LastSeen) > inv.offlineAfter {
			d.Status = StatusOffline
			flipped = append(flipped, id)
		}
	}
	if len(flipped) > 0 {
		sort.Strings(flipped)
		inv.updateOnlineGaugeLocked()
	}
	return flipped
}

func (inv *Inventory) unindexLocked(d *Device) {
	for name := range d.Capabilities {
		members := inv.capabilities[name]
		delete(members, d.DeviceID)
		if len(members) == 0 {
			delete(inv.capabilities, name)
		}
	}
}

func (inv *Inventory) updateOnlineGaugeLocked() {
	online := 0
	for _, d := range inv.devices {
		if d.Status == StatusOnline {
			online++
		}
	}
	metrics.DevicesOnline.Set(float64(online))
}
