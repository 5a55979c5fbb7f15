package bus

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alicia-home/alicia/internal/fault"
)

// MessageType classifies an envelope's intent.
type MessageType string

const (
	TypeEvent    MessageType = "event"
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeError    MessageType = "error"
	TypeCommand  MessageType = "command"
)

// Priority orders competition for bounded queues downstream.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Wire contract defaults, applied when a decoded envelope leaves the field
// unset.
const (
	DefaultTTLSeconds = 300
	DefaultMaxHops    = 10
)

// Routing tracks bus traversals. Hops is stamped on every publish; an
// envelope whose hop count reaches MaxHops is dropped on receive, which
// bounds forwarding loops.
type Routing struct {
	Hops    int `json:"hops"`
	MaxHops int `json:"max_hops"`
}

// Envelope is the fixed wrapper around every payload on the bus. The payload
// stays raw JSON until a handler decodes it into its own types, so services
// can extend payloads without schema lockstep and unknown fields survive
// round-trips.
//
// CorrelationID carries the message_id of the request an envelope responds
// to; it is empty on anything that is not a reply.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	Timestamp     float64         `json:"timestamp"`
	Source        string          `json:"source"`
	Destination   string          `json:"destination,omitempty"`
	Type          MessageType     `json:"message_type"`
	Priority      Priority        `json:"priority"`
	TTLSeconds    float64         `json:"ttl_seconds"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Routing       Routing         `json:"routing"`
}

// Now returns the current wall clock as the envelope timestamp format,
// seconds since the Unix epoch with fractional precision.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// timestampTime converts an envelope timestamp back to a time.Time.
func timestampTime(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// New builds an envelope ready to publish. The payload is marshaled
// immediately; a nil payload produces an empty payload field.
func New(source string, mt MessageType, payload any) (*Envelope, error) {
	env := &Envelope{
		MessageID:  uuid.NewString(),
		Timestamp:  Now(),
		Source:     source,
		Type:       mt,
		Priority:   PriorityNormal,
		TTLSeconds: DefaultTTLSeconds,
		Routing:    Routing{MaxHops: DefaultMaxHops},
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "marshal envelope payload", err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Reply builds a response envelope correlated to req. The destination is
// req's source and the hop count carries over so forwarding chains stay
// bounded end to end.
func Reply(req *Envelope, source string, payload any) (*Envelope, error) {
	env, err := New(source, TypeResponse, payload)
	if err != nil {
		return nil, err
	}
	env.Destination = req.Source
	env.CorrelationID = req.MessageID
	env.Routing.Hops = req.Routing.Hops
	env.Routing.MaxHops = req.Routing.MaxHops
	return env, nil
}

// ErrorDetail is the error half of an error envelope's payload.
type ErrorDetail struct {
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
}

// ErrorPayload is the payload shape of message_type=error envelopes: the
// classified error plus the payload of the request that failed.
type ErrorPayload struct {
	Error           ErrorDetail     `json:"error"`
	OriginalRequest json.RawMessage `json:"original_request,omitempty"`
}

// ErrorReply builds an error envelope correlated to req, carrying the error
// kind and message plus the original request payload for the caller's
// benefit.
func ErrorReply(req *Envelope, source string, err error) (*Envelope, error) {
	payload := ErrorPayload{
		Error: ErrorDetail{
			Kind:    fault.KindOf(err),
			Message: err.Error(),
		},
		OriginalRequest: req.Payload,
	}
	env, e := New(source, TypeError, payload)
	if e != nil {
		return nil, e
	}
	env.Destination = req.Source
	env.CorrelationID = req.MessageID
	env.Routing.Hops = req.Routing.Hops
	env.Routing.MaxHops = req.Routing.MaxHops
	return env, nil
}

// Decode parses and validates an envelope from wire bytes, applying wire
// contract defaults for priority, TTL, and hop limit.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fault.Wrap(fault.Validation, "decode envelope", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	env.applyDefaults()
	return &env, nil
}

// Encode renders the envelope as wire bytes.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "encode envelope", err)
	}
	return data, nil
}

// Validate checks the required header fields. Defaultable fields (priority,
// TTL, hop limit) are not required; see applyDefaults.
func (e *Envelope) Validate() error {
	switch {
	case e.MessageID == "":
		return fault.New(fault.Validation, "envelope missing message_id")
	case e.Source == "":
		return fault.New(fault.Validation, "envelope missing source")
	case e.Timestamp <= 0:
		return fault.New(fault.Validation, "envelope missing timestamp")
	}
	switch e.Type {
	case TypeEvent, TypeRequest, TypeResponse, TypeError, TypeCommand:
	default:
		return fault.Newf(fault.Validation, "unknown message_type %q", e.Type)
	}
	switch e.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return fault.Newf(fault.Validation, "unknown priority %q", e.Priority)
	}
	return nil
}

func (e *Envelope) applyDefaults() {
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	if e.TTLSeconds <= 0 {
		e.TTLSeconds = DefaultTTLSeconds
	}
	if e.Routing.MaxHops <= 0 {
		e.Routing.MaxHops = DefaultMaxHops
	}
}

// ExpiresAt returns the instant after which the envelope must not be
// dispatched.
func (e *Envelope) ExpiresAt() time.Time {
	return timestampTime(e.Timestamp).Add(time.Duration(e.TTLSeconds * float64(time.Second)))
}

// Expired reports whether the envelope's TTL has elapsed at now.
func (e *Envelope) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt())
}

// ExceededHops reports whether the envelope has used up its hop budget.
func (e *Envelope) ExceededHops() bool {
	return e.Routing.Hops >= e.Routing.MaxHops
}

// DecodePayload unmarshals the opaque payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fault.New(fault.Validation, "envelope has no payload")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fault.Wrap(fault.Validation, "decode payload", err)
	}
	return nil
}
