package configsvc

import (
	"context"
	"log/slog"
	"time"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/events"
	"github.com/alicia-home/alicia/internal/fault"
)

// Client is the side every other service embeds: fetch the effective
// configuration at boot and watch for pushed updates. The bus is the
// canonical transport; there is no HTTP fallback.
type Client struct {
	conn   bus.Conn
	events *events.Bus
	logger *slog.Logger
}

// NewClient builds a config client for the service behind conn. evbus may
// be nil when nobody consumes update notifications.
func NewClient(conn bus.Conn, evbus *events.Bus, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: conn, events: evbus, logger: logger.With("component", "configclient")}
}

// Fetch pulls the effective configuration for this service over the bus.
// The wait is bounded by ctx; a config service that is down surfaces as a
// timeout, and callers fall back to their bootstrap file values.
func (c *Client) Fetch(ctx context.Context) (map[string]any, error) {
	env, err := bus.New(c.conn.ServiceName(), bus.TypeRequest, map[string]any{
		"service": c.conn.ServiceName(),
	})
	if err != nil {
		return nil, err
	}
	reply, err := c.conn.Request(ctx, bus.TopicConfigRequest, bus.ConfigResponseTopic(c.conn.ServiceName()), env)
	if err != nil {
		return nil, err
	}
	if reply.Type == bus.TypeError {
		var ep bus.ErrorPayload
		if err := reply.DecodePayload(&ep); err != nil {
			return nil, err
		}
		return nil, fault.Newf(ep.Error.Kind, "config fetch: %s", ep.Error.Message)
	}
	var payload struct {
		Config map[string]any `json:"config"`
	}
	if err := reply.DecodePayload(&payload); err != nil {
		return nil, err
	}
	return payload.Config, nil
}

// Watch subscribes to this service's update topic and the global one,
// republishing each push as a config_updated event on the in-process bus so
// components can hot-apply tuning keys.
func (c *Client) Watch(ctx context.Context) error {
	h := func(_ context.Context, _ string, env *bus.Envelope) {
		var payload struct {
			Service string         `json:"service"`
			Config  map[string]any `json:"config"`
		}
		if err := env.DecodePayload(&payload); err != nil {
			c.logger.Warn("bad config update payload", "error", err)
			return
		}
		c.logger.Info("config update received", "scope", payload.Service)
		c.events.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceConfig,
			Kind:      events.KindConfigUpdated,
			Data: map[string]any{
				"service": payload.Service,
				"config":  payload.Config,
			},
		})
	}
	if err := c.conn.Subscribe(ctx, bus.ConfigUpdateTopic(c.conn.ServiceName()), h); err != nil {
		return err
	}
	return c.conn.Subscribe(ctx, bus.ConfigUpdateTopic("global"), h)
}
