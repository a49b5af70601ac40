package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"duet/internal/logging"
	"duet/internal/metrics"
)

// Handler reacts to an event. A returned error is reported but never stops
// delivery to other handlers.
type Handler func(ctx context.Context, e Event) error

// Subscription identifies one Subscribe call.
type Subscription uint64

// subscriber delivers events in emission order. tail is closed when the
// most recently scheduled delivery finishes.
type subscriber struct {
	id      Subscription
	handler Handler
	tail    chan struct{}
}

// Bus is a typed publish/subscribe bus.
//
// Handlers subscribed to the same type run concurrently; a single
// subscription sees events in the order Emit was called. A handler must not
// synchronously emit an event it is itself subscribed to, because that
// delivery would queue behind the handler's own.
type Bus struct {
	mu      sync.Mutex
	byType  map[Type][]*subscriber
	all     []*subscriber
	nextID  Subscription
	metrics *metrics.Metrics
	onError func(Event, error)
}

// Option configures a Bus.
type Option func(*Bus)

// WithMetrics records emitted events and handler failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithErrorHook is called for every handler error or panic, after logging.
func WithErrorHook(fn func(Event, error)) Option {
	return func(b *Bus) { b.onError = fn }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{byType: make(map[Type][]*subscriber)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for events of type t.
func (b *Bus) Subscribe(t Type, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &subscriber{id: b.nextID, handler: handler}
	b.byType[t] = append(b.byType[t], s)
	return s.id
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &subscriber{id: b.nextID, handler: handler}
	b.all = append(b.all, s)
	return s.id
}

// Unsubscribe removes a subscription. Unknown subscriptions are ignored.
// Deliveries already scheduled still run.
func (b *Bus) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.byType {
		if pruned, ok := without(subs, id); ok {
			if len(pruned) == 0 {
				delete(b.byType, t)
			} else {
				b.byType[t] = pruned
			}
			return
		}
	}
	if pruned, ok := without(b.all, id); ok {
		b.all = pruned
	}
}

func without(subs []*subscriber, id Subscription) ([]*subscriber, bool) {
	for i, s := range subs {
		if s.id == id {
			out := make([]*subscriber, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...), true
		}
	}
	return subs, false
}

// SubscriberCount returns how many handlers would receive an event of type t.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byType[t]) + len(b.all)
}

type delivery struct {
	sub  *subscriber
	prev chan struct{}
	done chan struct{}
}

// Emit delivers e to every matching subscriber and waits for all of them.
// Handler errors and panics are logged, counted and returned joined.
func (b *Bus) Emit(ctx context.Context, e Event) error {
	b.mu.Lock()
	targets := make([]delivery, 0, len(b.byType[e.typ])+len(b.all))
	for _, s := range b.byType[e.typ] {
		targets = append(targets, b.schedule(s))
	}
	for _, s := range b.all {
		targets = append(targets, b.schedule(s))
	}
	b.mu.Unlock()

	b.metrics.EventEmitted(string(e.typ))
	if len(targets) == 0 {
		return nil
	}

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, d := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(d.done)
			if d.prev != nil {
				<-d.prev
			}
			errs[i] = b.invoke(ctx, d.sub, e)
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// schedule reserves the subscriber's next delivery slot. Caller holds b.mu.
func (b *Bus) schedule(s *subscriber) delivery {
	d := delivery{sub: s, prev: s.tail, done: make(chan struct{})}
	s.tail = d.done
	return d
}

func (b *Bus) invoke(ctx context.Context, s *subscriber, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler %d panicked on %s: %v", s.id, e.typ, r)
			logging.Error("event handler panic",
				"event", e.typ, "action_id", e.actionID, "panic", r, "stack", string(debug.Stack()))
			b.report(e, err)
		}
	}()

	if err := s.handler(ctx, e); err != nil {
		err = fmt.Errorf("event handler %d on %s: %w", s.id, e.typ, err)
		logging.Warn("event handler failed", "event", e.typ, "action_id", e.actionID, "error", err)
		b.report(e, err)
		return err
	}
	return nil
}

func (b *Bus) report(e Event, err error) {
	b.metrics.HandlerFailed(string(e.typ))
	if b.onError != nil {
		b.onError(e, err)
	}
}
