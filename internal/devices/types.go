// Package devices is the device manager: a uniform command surface over
// heterogeneous smart-home devices. It tracks the device inventory and its
// capability index, queues commands with priority lanes, fans dispatches
// out per device, and correlates responses back into a single command
// record with a hard deadline.
package devices

import (
	"encoding/json"
	"time"

	"github.com/alicia-home/alicia/internal/bus"
)

// Device statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusUnknown = "unknown"
)

// Command statuses.
const (
	CommandQueued    = "queued"
	CommandExecuting = "executing"
	CommandCompleted = "completed"
	CommandTimeout   = "timeout"
	CommandFailed    = "failed"
)

// Capability describes one thing a device can do, plus its free-form
// schema (parameter names, ranges) as announced by the device.
type Capability struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema,omitempty"`
}

// Device is one entry in the inventory.
type Device struct {
	DeviceID     string                `json:"device_id"`
	DeviceType   string                `json:"device_type"`
	Capabilities map[string]Capability `json:"capabilities,omitempty"`
	Endpoints    map[string]string     `json:"endpoints,omitempty"`
	Status       string                `json:"status"`
	Metadata     map[string]string     `json:"metadata,omitempty"`
	LastSeen     time.Time             `json:"last_seen"`
	LastStatus   json.RawMessage       `json:"last_status,omitempty"`
	RegisteredAt time.Time             `json:"registered_at"`
}

// Command is a queued or finished device command. Response holds one entry
// per device that answered; Error carries the terminal failure when
// status=failed.
type Command struct {
	CommandID   string                     `json:"command_id"`
	DeviceIDs   []string                   `json:"device_ids"`
	Command     string                     `json:"command"`
	Parameters  map[string]any             `json:"parameters,omitempty"`
	Priority    bus.Priority               `json:"priority"`
	QueuedAt    time.Time                  `json:"queued_at"`
	StartedAt   time.Time                  `json:"started_at,omitzero"`
	CompletedAt time.Time                  `json:"completed_at,omitzero"`
	Status      string                     `json:"status"`
	Response    map[string]json.RawMessage `json:"response,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

// clone returns a deep-enough copy safe to hand out of the manager's lock.
func (c *Command) clone() Command {
	out := *c
	out.DeviceIDs = append([]string(nil), c.DeviceIDs...)
	if c.Response != nil {
		out.Response = make(map[string]json.RawMessage, len(c.Response))
		for k, v := range c.Response {
			out.Response[k] = v
		}
	}
	return out
}
