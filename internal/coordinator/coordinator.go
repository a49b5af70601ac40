// Package coordinator runs the two loops of a voice or chat agent: the
// communication loop answers each utterance within a latency budget, and
// the processing loop executes slow work in the background and surfaces its
// results when they are ready.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"duet/internal/actions"
	"duet/internal/conversation"
	"duet/internal/events"
	"duet/internal/intent"
	"duet/internal/logging"
	"duet/internal/metrics"
	"duet/internal/orchestrator"
	"duet/internal/tasks"
	"duet/internal/tools"
)

// ErrAlreadyRunning is returned by Start when the processing loop is running.
var ErrAlreadyRunning = errors.New("processing loop already running")

// Settings bounds the coordinator's loops.
type Settings struct {
	ClassifyTimeout time.Duration
	SyncTimeout     time.Duration
	TaskTimeout     time.Duration
	Workers         int
	PollInterval    time.Duration
	CleanupInterval time.Duration
	CleanupAge      time.Duration
	ThreadIdle      time.Duration
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		ClassifyTimeout: 200 * time.Millisecond,
		SyncTimeout:     5 * time.Second,
		TaskTimeout:     10 * time.Second,
		Workers:         4,
		PollInterval:    500 * time.Millisecond,
		CleanupInterval: time.Minute,
		CleanupAge:      30 * time.Minute,
		ThreadIdle:      time.Hour,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.ClassifyTimeout <= 0 {
		s.ClassifyTimeout = d.ClassifyTimeout
	}
	if s.SyncTimeout <= 0 {
		s.SyncTimeout = d.SyncTimeout
	}
	if s.TaskTimeout <= 0 {
		s.TaskTimeout = d.TaskTimeout
	}
	if s.Workers <= 0 {
		s.Workers = d.Workers
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = d.CleanupInterval
	}
	if s.CleanupAge <= 0 {
		s.CleanupAge = d.CleanupAge
	}
	if s.ThreadIdle <= 0 {
		s.ThreadIdle = d.ThreadIdle
	}
	return s
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClassifier(c *intent.Classifier) Option { return func(co *Coordinator) { co.classifier = c } }
func WithStore(s *actions.Store) Option          { return func(co *Coordinator) { co.store = s } }
func WithRegistry(r *tools.Registry) Option      { return func(co *Coordinator) { co.registry = r } }
func WithQueue(q *tasks.Queue) Option            { return func(co *Coordinator) { co.queue = q } }
func WithChain(c *orchestrator.Chain) Option     { return func(co *Coordinator) { co.chain = c } }
func WithNotifier(n Notifier) Option             { return func(co *Coordinator) { co.notifier = n } }
func WithMetrics(m *metrics.Metrics) Option      { return func(co *Coordinator) { co.metrics = m } }
func WithSettings(s Settings) Option             { return func(co *Coordinator) { co.settings = s } }

// WithConversations shares a conversation manager. The default manager
// reads pending actions from the coordinator's store.
func WithConversations(m *conversation.Manager) Option {
	return func(co *Coordinator) { co.conversations = m }
}

// WithClock replaces time.Now for housekeeping.
func WithClock(now func() time.Time) Option { return func(co *Coordinator) { co.now = now } }

// Coordinator wires the classifier, action store, task queue, tool registry
// and conversation state into the communication and processing loops.
type Coordinator struct {
	classifier    *intent.Classifier
	store         *actions.Store
	registry      *tools.Registry
	queue         *tasks.Queue
	conversations *conversation.Manager
	chain         *orchestrator.Chain
	notifier      Notifier
	metrics       *metrics.Metrics
	settings      Settings
	now           func() time.Time

	subs   []events.Subscription
	wakeCh chan struct{}

	mu       sync.Mutex
	inflight map[string]map[string]context.CancelFunc // action -> task -> cancel
	open     map[string]struct{}                      // async actions not yet finished
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a coordinator. Missing collaborators get defaults: the
// default intent table, an in-memory store, an empty registry and queue,
// and a chain with the local responder and the intent planner.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		settings: DefaultSettings(),
		now:      time.Now,
		wakeCh:   make(chan struct{}, 1),
		inflight: make(map[string]map[string]context.CancelFunc),
		open:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.settings = c.settings.withDefaults()

	if c.classifier == nil {
		c.classifier = intent.New(nil)
	}
	if c.store == nil {
		c.store = actions.NewStore(events.NewBus(events.WithMetrics(c.metrics)), actions.WithMetrics(c.metrics))
	}
	if c.registry == nil {
		c.registry = tools.NewRegistry(tools.WithMetrics(c.metrics), tools.WithDefaultTimeout(c.settings.TaskTimeout))
	}
	if c.queue == nil {
		c.queue = tasks.NewQueue(tasks.WithMetrics(c.metrics))
	}
	if c.conversations == nil {
		c.conversations = conversation.NewManager(conversation.WithActions(c.store))
	}
	if c.chain == nil {
		c.chain = DefaultChain(nil)
	}
	if c.chain.CurrentPlanner() == nil {
		c.chain.MustAddPlanner(NewIntentPlanner(nil))
	}

	bus := c.store.Bus()
	c.subs = []events.Subscription{
		bus.Subscribe(events.ActionCompleted, c.onCompleted),
		bus.Subscribe(events.ActionCancelled, c.onCancelled),
		bus.Subscribe(events.WaitingForInput, c.onWaiting),
		bus.Subscribe(events.UserResponse, c.onUserResponse),
	}
	return c
}

// DefaultChain returns a chain answering social intents locally and
// everything else through responder. A nil responder echoes.
func DefaultChain(responder orchestrator.Responder) *orchestrator.Chain {
	chain := orchestrator.NewChain()
	chain.MustAddHandler(orchestrator.LocalResponder{})
	chain.MustAddHandler(orchestrator.ResponderHandler{Responder: responder})
	chain.AddHandlerRelation("local", "responder", "fallback")
	return chain
}

func (c *Coordinator) Store() *actions.Store                { return c.store }
func (c *Coordinator) Queue() *tasks.Queue                  { return c.queue }
func (c *Coordinator) Registry() *tools.Registry            { return c.registry }
func (c *Coordinator) Chain() *orchestrator.Chain           { return c.chain }
func (c *Coordinator) Conversations() *conversation.Manager { return c.conversations }
func (c *Coordinator) Conversation(threadID string) *conversation.Aggregator {
	return c.conversations.Get(threadID)
}

// Start runs the processing loop until ctx ends or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.processLoop(loopCtx, c.done)
	return nil
}

// Stop ends the processing loop and waits for in-flight tasks to return.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.running = false
	c.mu.Unlock()

	cancel()
	<-done
}

// Close stops the loop and detaches from the event bus.
func (c *Coordinator) Close() {
	c.Stop()
	bus := c.store.Bus()
	for _, sub := range c.subs {
		bus.Unsubscribe(sub)
	}
	c.subs = nil
}

func (c *Coordinator) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// taskID scopes a planner-local task id to its action.
func taskID(actionID, local string) string {
	return actionID + "." + local
}

func ownsTask(actionID, id string) bool {
	return strings.HasPrefix(id, actionID+".")
}

func (c *Coordinator) track(actionID, id string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.inflight[actionID]
	if m == nil {
		m = make(map[string]context.CancelFunc)
		c.inflight[actionID] = m
	}
	m[id] = cancel
}

func (c *Coordinator) untrack(actionID, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.inflight[actionID]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(c.inflight, actionID)
		}
	}
}

// cancelInflight cancels the contexts of the action's running tasks.
func (c *Coordinator) cancelInflight(actionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cancel := range c.inflight[actionID] {
		cancel()
		n++
	}
	return n
}

func (c *Coordinator) markOpen(actionID string) {
	c.mu.Lock()
	c.open[actionID] = struct{}{}
	c.mu.Unlock()
}

// claimFinish removes actionID from the open set and reports whether this
// caller removed it.
func (c *Coordinator) claimFinish(actionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.open[actionID]; !ok {
		return false
	}
	delete(c.open, actionID)
	return true
}

func (c *Coordinator) openActions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.open))
	for id := range c.open {
		ids = append(ids, id)
	}
	return ids
}

// Stats is a snapshot of the coordinator's work.
type Stats struct {
	Running     bool        `json:"running"`
	OpenActions int         `json:"open_actions"`
	InFlight    int         `json:"in_flight"`
	Tasks       tasks.Stats `json:"tasks"`
	Actions     int         `json:"actions"`
}

// Stats returns a snapshot of the coordinator's work.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	s := Stats{Running: c.running, OpenActions: len(c.open)}
	for _, m := range c.inflight {
		s.InFlight += len(m)
	}
	c.mu.Unlock()
	s.Tasks = c.queue.Stats()
	s.Actions = c.store.Len()
	return s
}

func logAction(msg string, a actions.Action, kv ...any) {
	logging.Debug(msg, append([]any{"action_id", a.ID, "thread_id", a.ThreadID}, kv...)...)
}
