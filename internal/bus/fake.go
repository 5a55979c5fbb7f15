package bus

import (
	"context"
	"sync"

	"github.com/alicia-home/alicia/internal/fault"
)

// Fake is an in-memory Conn for tests. Publishes deliver synchronously to
// matching subscribers on the calling goroutine and every publish is
// recorded for assertions. Several Fakes can share one Exchange so tests can
// stand up multiple services talking to each other without a broker.
type Fake struct {
	name string
	ex   *Exchange
}

// Exchange is the in-memory topic fabric behind one or more Fakes.
type Exchange struct {
	mu        sync.Mutex
	subs      []fakeSub
	published []Published
}

type fakeSub struct {
	owner  string
	filter string
	h      Handler
}

// Published records one publish through the fabric.
type Published struct {
	Source string
	Topic  string
	Env    *Envelope
}

// NewExchange builds an empty in-memory topic fabric.
func NewExchange() *Exchange {
	return &Exchange{}
}

// NewFake returns a Fake connected to its own private Exchange.
func NewFake(service string) *Fake {
	return NewExchange().Connect(service)
}

// Connect attaches a named Fake to the exchange.
func (x *Exchange) Connect(service string) *Fake {
	return &Fake{name: service, ex: x}
}

// Published returns a snapshot of everything published so far.
func (x *Exchange) Published() []Published {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Published, len(x.published))
	copy(out, x.published)
	return out
}

// PublishedTo returns the envelopes published to an exact topic, in order.
func (x *Exchange) PublishedTo(topic string) []*Envelope {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []*Envelope
	for _, p := range x.published {
		if p.Topic == topic {
			out = append(out, p.Env)
		}
	}
	return out
}

// Reset drops the publish record but keeps subscriptions.
func (x *Exchange) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.published = nil
}

func (x *Exchange) publish(ctx context.Context, source, topic string, env *Envelope) {
	x.mu.Lock()
	x.published = append(x.published, Published{Source: source, Topic: topic, Env: env})
	subs := make([]fakeSub, len(x.subs))
	copy(subs, x.subs)
	x.mu.Unlock()

	for _, s := range subs {
		if !MatchTopic(s.filter, topic) {
			continue
		}
		if env.Destination != "" && env.Destination != "broadcast" && env.Destination != s.owner {
			continue
		}
		s.h(ctx, topic, env)
	}
}

// ServiceName returns the name the Fake was connected as.
func (f *Fake) ServiceName() string { return f.name }

// Publish stamps a hop and delivers env synchronously to matching
// subscribers, mirroring Client's addressing rules.
func (f *Fake) Publish(ctx context.Context, topic string, env *Envelope) error {
	env.Routing.Hops++
	f.ex.publish(ctx, f.name, topic, env)
	return nil
}

// Subscribe registers h for topics matching filter.
func (f *Fake) Subscribe(_ context.Context, filter string, h Handler) error {
	f.ex.mu.Lock()
	defer f.ex.mu.Unlock()
	f.ex.subs = append(f.ex.subs, fakeSub{owner: f.name, filter: filter, h: h})
	return nil
}

// Request publishes env and waits for a correlated reply. Because delivery
// is synchronous, a responder subscribed on the exchange answers before
// Publish returns; the select then drains the reply or times out with ctx.
func (f *Fake) Request(ctx context.Context, topic, replyFilter string, env *Envelope) (*Envelope, error) {
	ch := make(chan *Envelope, 1)
	if err := f.Subscribe(ctx, replyFilter, func(_ context.Context, _ string, reply *Envelope) {
		if reply.CorrelationID != env.MessageID {
			return
		}
		select {
		case ch <- reply:
		default:
		}
	}); err != nil {
		return nil, err
	}
	if err := f.Publish(ctx, topic, env); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, fault.Wrap(fault.Timeout, "request "+topic, ctx.Err())
	}
}

var _ Conn = (*Fake)(nil)
var _ Conn = (*Client)(nil)
