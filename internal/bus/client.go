package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/metrics"
)

// State is the connection lifecycle of a Client.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateOnline
	StateReconnecting
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateReconnecting:
		return "reconnecting"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Handler is called for each envelope dispatched on a subscription. Handlers
// run on a per-subscription worker goroutine, so delivery order within one
// subscription matches broker order. A handler must not block indefinitely;
// long work belongs on the service's own queue.
type Handler func(ctx context.Context, topic string, env *Envelope)

// Conn is the bus surface services program against. *Client implements it
// against a live broker; *Fake implements it in memory for tests.
type Conn interface {
	// ServiceName returns the name the connection registers and sources
	// envelopes as.
	ServiceName() string
	// Publish sends env to topic at QoS 1, stamping one hop. It fails fast
	// with a transport error while the connection is down.
	Publish(ctx context.Context, topic string, env *Envelope) error
	// Subscribe registers h for every envelope matching filter.
	Subscribe(ctx context.Context, filter string, h Handler) error
	// Request publishes env to topic and waits for the envelope on
	// replyFilter whose correlation_id matches, or for ctx to expire.
	Request(ctx context.Context, topic, replyFilter string, env *Envelope) (*Envelope, error)
}

// Options configures a Client. Zero values take the documented defaults.
type Options struct {
	ServerURL string // mqtt://host:1883, ssl:// or mqtts:// for TLS
	Username  string
	Password  string

	Service      string // bus name; also the envelope source
	InstanceID   string // defaults to "{service}-{short uuid}"
	Host         string // advertised in the discovery descriptor
	Port         int    // advertised HTTP port
	Version      string
	Capabilities []string
	Weight       int

	KeepAlive      uint16        // seconds, default 60
	HealthInterval time.Duration // default 30s
	ConnectTimeout time.Duration // default 30s, initial connection wait
	QueueSize      int           // per-subscription dispatch buffer, default 256
	DedupeCap      int           // dedupe cache capacity, default 4096

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.InstanceID == "" {
		o.InstanceID = o.Service + "-" + uuid.NewString()[:8]
	}
	if o.KeepAlive == 0 {
		o.KeepAlive = 60
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Client is the broker-backed bus runtime. Construct with NewClient, connect
// with Start, release with Stop.
type Client struct {
	opts   Options
	logger *slog.Logger

	cm    *autopaho.ConnectionManager
	state atomic.Int32

	mu   sync.RWMutex
	subs []*subscription

	pendingMu sync.Mutex
	pending   map[string]chan *Envelope
	replySubs map[string]bool

	dedupe  *dedupeCache
	started time.Time

	msgCount atomic.Uint64
	errCount atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscription struct {
	filter string
	qos    byte
	h      Handler
	queue  chan inbound
}

type inbound struct {
	topic string
	env   *Envelope
}

// NewClient validates opts and builds a Client without connecting.
func NewClient(opts Options) (*Client, error) {
	if opts.Service == "" {
		return nil, fault.New(fault.Validation, "bus client needs a service name")
	}
	if _, err := url.Parse(opts.ServerURL); err != nil || opts.ServerURL == "" {
		return nil, fault.Newf(fault.Validation, "invalid broker URL %q", opts.ServerURL)
	}
	opts.applyDefaults()
	return &Client{
		opts:      opts,
		logger:    opts.Logger.With("service", opts.Service),
		pending:   make(map[string]chan *Envelope),
		replySubs: make(map[string]bool),
		dedupe:    newDedupeCache(opts.DedupeCap),
	}, nil
}

// ServiceName returns the name this client registers as.
func (c *Client) ServiceName() string { return c.opts.Service }

// InstanceID returns the instance identity advertised in discovery.
func (c *Client) InstanceID() string { return c.opts.InstanceID }

// State returns the connection lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// Stats returns the message and error counters the heartbeat reports.
func (c *Client) Stats() (processed, errors uint64) {
	return c.msgCount.Load(), c.errCount.Load()
}

// Uptime returns time since Start.
func (c *Client) Uptime() time.Duration {
	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// Start connects to the broker and begins the heartbeat loop. It waits up to
// ConnectTimeout for the initial connection; on timeout it logs and returns
// nil anyway, because autopaho keeps retrying in the background and publishes
// fail fast until then. Background goroutines stop when ctx is cancelled or
// Stop is called.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.opts.ServerURL)
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	// Workers for subscriptions registered before Start.
	for _, sub := range c.subs {
		c.wg.Add(1)
		go c.runWorker(sub)
	}
	c.mu.Unlock()
	c.started = time.Now()
	c.state.Store(int32(StateConnecting))

	will, err := c.willPayload()
	if err != nil {
		return fmt.Errorf("build will message: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       c.opts.KeepAlive,
		ConnectUsername: c.opts.Username,
		ConnectPassword: []byte(c.opts.Password),
		WillMessage: &paho.WillMessage{
			Topic:   TopicDiscoveryUnregister,
			Payload: will,
			QoS:     1,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.state.Store(int32(StateOnline))
			metrics.BusConnected.WithLabelValues(c.opts.Service).Set(1)
			c.logger.Info("bus connected to broker", "broker", c.opts.ServerURL)

			upCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.announce(upCtx, cm)
			c.resubscribe(upCtx, cm)
		},
		OnConnectError: func(err error) {
			if c.State() == StateOnline {
				c.state.Store(int32(StateReconnecting))
			}
			metrics.BusConnected.WithLabelValues(c.opts.Service).Set(0)
			c.logger.Warn("bus connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.opts.InstanceID,
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.state.Store(int32(StateReconnecting))
				metrics.BusConnected.WithLabelValues(c.opts.Service).Set(0)
				c.logger.Warn("bus server disconnect", "reason_code", d.ReasonCode)
			},
			OnClientError: func(err error) {
				c.state.Store(int32(StateReconnecting))
				metrics.BusConnected.WithLabelValues(c.opts.Service).Set(0)
				c.logger.Warn("bus client error", "error", err)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(c.ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("bus connect: %w", err)
	}
	c.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		c.onPublishReceived(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	// Answer heartbeat solicitations immediately.
	if err := c.Subscribe(c.ctx, TopicHealthCheck, func(ctx context.Context, _ string, _ *Envelope) {
		c.publishHealth(ctx, "online")
	}); err != nil {
		return err
	}

	// Wait for the initial connection before declaring the runtime up.
	connCtx, connCancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail — autopaho will keep retrying in the background.
		c.logger.Warn("bus initial connection timed out, will retry in background", "error", err)
	}

	c.wg.Add(1)
	go c.healthLoop(c.ctx)

	return nil
}

// Stop announces departure and disconnects. The provided context bounds how
// long to wait for the unregister publish, queue drain, and disconnect.
func (c *Client) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	c.state.Store(int32(StateShutdown))

	// Best-effort goodbye: the will message covers the crash path, this
	// covers the graceful one.
	if data, err := c.willPayload(); err == nil {
		if _, err := c.cm.Publish(ctx, &paho.Publish{
			Topic:   TopicDiscoveryUnregister,
			QoS:     1,
			Payload: data,
		}); err != nil {
			c.logger.Warn("bus unregister publish failed", "error", err)
		}
	}
	c.publishHealthVia(ctx, c.cm, "offline")

	err := c.cm.Disconnect(ctx)
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("bus shutdown drain timed out")
	}

	metrics.BusConnected.WithLabelValues(c.opts.Service).Set(0)
	return err
}

// AwaitConnection blocks until the broker connection is established or ctx
// expires. Useful for health probes and tests against a live broker.
func (c *Client) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return fmt.Errorf("bus client not started")
	}
	return c.cm.AwaitConnection(ctx)
}

// Publish sends env to topic at QoS 1. It fails fast while disconnected so
// callers keep their own retry policy instead of silently queueing.
func (c *Client) Publish(ctx context.Context, topic string, env *Envelope) error {
	return c.publish(ctx, topic, env, 1, false)
}

func (c *Client) publish(ctx context.Context, topic string, env *Envelope, qos byte, retain bool) error {
	if s := c.State(); s != StateOnline {
		return fault.Newf(fault.Transport, "publish %s: not connected (state %s)", topic, s)
	}

	// One more traversal about to happen.
	env.Routing.Hops++

	data, err := env.Encode()
	if err != nil {
		return err
	}
	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: data,
	}); err != nil {
		c.errCount.Add(1)
		return fault.Wrap(fault.Transport, "publish "+topic, err)
	}
	metrics.MessagesPublished.WithLabelValues(c.opts.Service, string(env.Type)).Inc()
	return nil
}

// Subscribe registers h for envelopes matching filter. Each subscription
// gets a bounded queue and one worker goroutine, preserving broker order per
// filter while keeping handlers off the receive path. When the queue is full
// the newest envelope is dropped and counted. Subscriptions made before
// Start are held and issued on the first connect.
func (c *Client) Subscribe(ctx context.Context, filter string, h Handler) error {
	sub := &subscription{
		filter: filter,
		qos:    1,
		h:      h,
		queue:  make(chan inbound, c.opts.QueueSize),
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	started := c.ctx != nil
	c.mu.Unlock()

	if started {
		c.wg.Add(1)
		go c.runWorker(sub)
	}

	// Issue the subscribe now when connected; resubscribe covers the rest.
	if c.State() == StateOnline && c.cm != nil {
		if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: sub.qos}},
		}); err != nil {
			return fault.Wrap(fault.Transport, "subscribe "+filter, err)
		}
	}
	return nil
}

// Request publishes env to topic and waits for the reply carrying env's
// message_id as its correlation_id on replyFilter. The wait is bounded by
// ctx.
func (c *Client) Request(ctx context.Context, topic, replyFilter string, env *Envelope) (*Envelope, error) {
	if err := c.ensureReplySub(ctx, replyFilter); err != nil {
		return nil, err
	}

	ch := make(chan *Envelope, 1)
	c.pendingMu.Lock()
	c.pending[env.MessageID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, env.MessageID)
		c.pendingMu.Unlock()
	}()

	if err := c.Publish(ctx, topic, env); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, fault.Wrap(fault.Timeout, "request "+topic, ctx.Err())
	}
}

func (c *Client) ensureReplySub(ctx context.Context, filter string) error {
	c.pendingMu.Lock()
	seen := c.replySubs[filter]
	if !seen {
		c.replySubs[filter] = true
	}
	c.pendingMu.Unlock()
	if seen {
		return nil
	}
	return c.Subscribe(ctx, filter, c.resolvePending)
}

// resolvePending completes an in-flight Request. Replies nobody is waiting
// for are dropped silently; they belong to other instances or timed-out
// callers.
func (c *Client) resolvePending(_ context.Context, _ string, env *Envelope) {
	if env.CorrelationID == "" {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[env.CorrelationID]
	if ok {
		delete(c.pending, env.CorrelationID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- env
	}
}

// --- Inbound path ---

// onPublishReceived runs on paho's single receive goroutine: decode and
// check the envelope, then hand it to matching subscription queues without
// blocking.
func (c *Client) onPublishReceived(topic string, payload []byte) {
	env, err := Decode(payload)
	if err != nil {
		c.drop(topic, "decode", err)
		return
	}

	now := time.Now()
	if env.Expired(now) {
		c.drop(topic, "expired", nil)
		return
	}
	if env.ExceededHops() {
		c.drop(topic, "hops", nil)
		return
	}
	// Addressed envelopes are only dispatched to their named destination.
	if env.Destination != "" && env.Destination != "broadcast" && env.Destination != c.opts.Service {
		return
	}
	if c.dedupe.Seen(env.MessageID, env.ExpiresAt(), now) {
		c.drop(topic, "duplicate", nil)
		return
	}

	matched := false
	c.mu.RLock()
	for _, sub := range c.subs {
		if !MatchTopic(sub.filter, topic) {
			continue
		}
		matched = true
		select {
		case sub.queue <- inbound{topic: topic, env: env}:
		default:
			c.drop(topic, "queue_full", nil)
		}
	}
	c.mu.RUnlock()

	if matched {
		c.msgCount.Add(1)
		metrics.MessagesReceived.WithLabelValues(c.opts.Service).Inc()
	}
}

func (c *Client) drop(topic, reason string, err error) {
	c.errCount.Add(1)
	metrics.MessagesDropped.WithLabelValues(c.opts.Service, reason).Inc()
	if err != nil {
		c.logger.Warn("bus message dropped", "topic", topic, "reason", reason, "error", err)
	} else {
		c.logger.Debug("bus message dropped", "topic", topic, "reason", reason)
	}
}

func (c *Client) runWorker(sub *subscription) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-sub.queue:
			c.dispatch(sub, m)
		}
	}
}

func (c *Client) dispatch(sub *subscription, m inbound) {
	defer func() {
		if r := recover(); r != nil {
			c.errCount.Add(1)
			c.logger.Error("bus handler panicked",
				"topic", m.topic,
				"filter", sub.filter,
				"panic", r,
			)
		}
	}()
	sub.h(c.ctx, m.topic, m.env)
}

// --- Connection-up work ---

// announce publishes the discovery registration. Runs on every (re-)connect
// so the registry converges after broker restarts.
func (c *Client) announce(ctx context.Context, cm *autopaho.ConnectionManager) {
	env, err := New(c.opts.Service, TypeEvent, c.descriptor())
	if err != nil {
		c.logger.Error("bus build registration", "error", err)
		return
	}
	env.Routing.Hops = 1
	data, err := env.Encode()
	if err != nil {
		c.logger.Error("bus encode registration", "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   TopicDiscoveryRegister,
		QoS:     1,
		Payload: data,
	}); err != nil {
		c.logger.Warn("bus registration publish failed", "error", err)
	} else {
		c.logger.Debug("bus registered", "instance_id", c.opts.InstanceID)
	}
}

// resubscribe re-issues every subscription. Called on every (re-)connect
// because autopaho does not automatically resubscribe after reconnection.
func (c *Client) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	c.mu.RLock()
	opts := make([]paho.SubscribeOptions, 0, len(c.subs))
	topics := make([]string, 0, len(c.subs))
	for _, sub := range c.subs {
		opts = append(opts, paho.SubscribeOptions{Topic: sub.filter, QoS: sub.qos})
		topics = append(topics, sub.filter)
	}
	c.mu.RUnlock()

	if len(opts) == 0 {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Error("bus subscribe failed", "error", err, "topics", topics)
	} else {
		c.logger.Debug("bus subscribed", "topics", topics)
	}
}

func (c *Client) descriptor() ServiceDescriptor {
	return ServiceDescriptor{
		Name:         c.opts.Service,
		InstanceID:   c.opts.InstanceID,
		Host:         c.opts.Host,
		Port:         c.opts.Port,
		Version:      c.opts.Version,
		Capabilities: c.opts.Capabilities,
		Weight:       c.opts.Weight,
	}
}

// willPayload builds the unregister envelope the broker publishes on our
// behalf if the connection dies. The will fires long after it is composed,
// so it carries a generous TTL instead of the default.
func (c *Client) willPayload() ([]byte, error) {
	env, err := New(c.opts.Service, TypeEvent, c.descriptor())
	if err != nil {
		return nil, err
	}
	env.TTLSeconds = 365 * 24 * 3600
	env.Routing.Hops = 1
	return env.Encode()
}

// --- Health heartbeat ---

func (c *Client) healthLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()

	// Publish immediately on start.
	c.publishHealth(ctx, "online")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publishHealth(ctx, "online")
		}
	}
}

func (c *Client) publishHealth(ctx context.Context, status string) {
	if c.State() != StateOnline || c.cm == nil {
		return
	}
	c.publishHealthVia(ctx, c.cm, status)
}

// publishHealthVia sends the heartbeat at QoS 0: a lost beat costs nothing,
// the next one is seconds away.
func (c *Client) publishHealthVia(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	processed, errs := c.Stats()
	env, err := New(c.opts.Service, TypeEvent, HealthPayload{
		Service:           c.opts.Service,
		InstanceID:        c.opts.InstanceID,
		Status:            status,
		UptimeSeconds:     c.Uptime().Seconds(),
		MessagesProcessed: processed,
		Errors:            errs,
	})
	if err != nil {
		c.logger.Error("bus build heartbeat", "error", err)
		return
	}
	env.Routing.Hops = 1
	data, err := env.Encode()
	if err != nil {
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   HealthTopic(c.opts.Service),
		QoS:     0,
		Payload: data,
	}); err != nil {
		c.logger.Debug("bus heartbeat publish failed", "error", err)
	}
}
