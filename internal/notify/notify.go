// Package notify publishes action events and result notifications to NATS
// so transport processes can react to them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"duet/internal/events"
	"duet/internal/logging"
	"duet/internal/metrics"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "duet.events"

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

// Connect dials NATS with reconnect settings suited to a long-running
// publisher.
func Connect(url string, opts ...nats.Option) (*nats.Conn, error) {
	base := []nats.Option{
		nats.Name("duet"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	}
	conn, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(p *Publisher) {
		if prefix != "" {
			p.prefix = strings.TrimSuffix(prefix, ".")
		}
	}
}

// WithMetrics counts publish outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// Publisher sends JSON messages to <prefix>.<kind> subjects.
type Publisher struct {
	conn    Conn
	prefix  string
	metrics *metrics.Metrics

	mu  sync.Mutex
	bus *events.Bus
	sub events.Subscription
}

// New creates a publisher on conn.
func New(conn Conn, opts ...Option) *Publisher {
	p := &Publisher{conn: conn, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subject returns the subject for kind.
func (p *Publisher) Subject(kind string) string {
	return p.prefix + "." + kind
}

// Attach forwards every event on bus. Attaching again moves the
// subscription to the new bus.
func (p *Publisher) Attach(bus *events.Bus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bus != nil {
		p.bus.Unsubscribe(p.sub)
	}
	p.bus = bus
	p.sub = bus.SubscribeAll(p.PublishEvent)
}

// Detach stops forwarding events.
func (p *Publisher) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bus != nil {
		p.bus.Unsubscribe(p.sub)
		p.bus = nil
	}
}

// PublishEvent publishes e to <prefix>.<event type>.
func (p *Publisher) PublishEvent(ctx context.Context, e events.Event) error {
	data, err := e.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.send(ctx, string(e.Type()), data)
}

// Publish publishes v as JSON to <prefix>.<kind>.
func (p *Publisher) Publish(ctx context.Context, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return p.send(ctx, kind, data)
}

func (p *Publisher) send(ctx context.Context, kind string, data []byte) error {
	if err := ctx.Err(); err != nil {
		p.metrics.Notified("cancelled")
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	subject := p.Subject(kind)
	if err := p.conn.Publish(subject, data); err != nil {
		p.metrics.Notified("error")
		logging.Warn("publish failed", "subject", subject, "error", err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.metrics.Notified("ok")
	return nil
}
