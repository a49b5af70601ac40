package actions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"duet/internal/events"
	"duet/internal/logging"
	"duet/internal/metrics"
	"duet/internal/types"
)

// Persister is the optional durability port. Save failures are logged and
// counted; they never fail a mutation.
type Persister interface {
	SaveAction(ctx context.Context, a Action) error
	LoadThreadActions(ctx context.Context, threadID string) ([]Action, error)
}

// entry pairs an action with the lock that serializes its mutations.
// op is held across apply and emit; action is guarded by Store.mu.
type entry struct {
	op     sync.Mutex
	action Action
}

// Store is the single writer of action state.
//
// Event handlers run while the action's mutation lock is held, so a handler
// may read any action but must not synchronously mutate the action it was
// notified about.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seq     uint64

	bus        *events.Bus
	persister  Persister
	metrics    *metrics.Metrics
	now        func() time.Time
	maxActions int
	retention  time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPersister saves every change and enables LoadThread.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithMetrics records transitions and no-ops.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLimits bounds the store for Prune: terminal actions older than
// retention are evicted, then the oldest terminal actions beyond max.
// Zero disables a bound.
func WithLimits(max int, retention time.Duration) Option {
	return func(s *Store) {
		s.maxActions = max
		s.retention = retention
	}
}

// NewStore creates a store announcing changes on bus. A nil bus gets a
// private one.
func NewStore(bus *events.Bus, opts ...Option) *Store {
	if bus == nil {
		bus = events.NewBus()
	}
	s := &Store{
		entries: make(map[string]*entry),
		bus:     bus,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bus returns the bus the store emits on.
func (s *Store) Bus() *events.Bus { return s.bus }

// CreateOption sets optional fields on a new action.
type CreateOption func(*Action)

// WithMode sets the execution mode at creation.
func WithMode(m types.ExecutionMode) CreateOption {
	return func(a *Action) { a.Mode = m }
}

// WithIntent records the classified intent.
func WithIntent(intent string) CreateOption {
	return func(a *Action) { a.Intent = intent }
}

// WithSupersedes links the action to the one it replaces.
func WithSupersedes(id string) CreateOption {
	return func(a *Action) { a.Supersedes = id }
}

// Create adds a Pending action. Creation emits no event.
func (s *Store) Create(ctx context.Context, threadID, input string, opts ...CreateOption) Action {
	now := s.now()
	a := Action{
		ThreadID:  threadID,
		Input:     input,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(&a)
	}

	s.mu.Lock()
	a.ID = s.newID()
	s.seq++
	a.Seq = s.seq
	s.entries[a.ID] = &entry{action: a}
	snap := a.clone()
	s.mu.Unlock()

	s.persist(ctx, snap)
	logging.Debug("action created", "action_id", snap.ID, "thread_id", threadID, "mode", snap.Mode.String())
	return snap
}

// newID returns an unused action id. Caller holds s.mu.
func (s *Store) newID() string {
	for {
		id := "act_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		if _, taken := s.entries[id]; !taken {
			return id
		}
	}
}

// Get returns a snapshot of the action.
func (s *Store) Get(id string) (Action, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return Action{}, false
	}
	return e.action.clone(), true
}

// Len returns the number of stored actions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// PendingActions returns the thread's non-terminal actions in creation order.
func (s *Store) PendingActions(threadID string) []Action {
	return s.query(func(a *Action) bool {
		return a.ThreadID == threadID && !a.Status.Terminal()
	})
}

// ThreadActions returns every stored action of the thread in creation order.
func (s *Store) ThreadActions(threadID string) []Action {
	return s.query(func(a *Action) bool { return a.ThreadID == threadID })
}

// ActiveAction returns the thread's most recent Processing or Waiting action.
func (s *Store) ActiveAction(threadID string) (Action, bool) {
	return s.latest(threadID, StatusProcessing, StatusWaiting)
}

// WaitingAction returns the thread's most recent Waiting action.
func (s *Store) WaitingAction(threadID string) (Action, bool) {
	return s.latest(threadID, StatusWaiting)
}

func (s *Store) latest(threadID string, statuses ...Status) (Action, bool) {
	found := s.query(func(a *Action) bool {
		if a.ThreadID != threadID {
			return false
		}
		for _, st := range statuses {
			if a.Status == st {
				return true
			}
		}
		return false
	})
	if len(found) == 0 {
		return Action{}, false
	}
	return found[len(found)-1], true
}

func (s *Store) query(match func(*Action) bool) []Action {
	s.mu.RLock()
	var out []Action
	for _, e := range s.entries {
		if match(&e.action) {
			out = append(out, e.action.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *Store) persist(ctx context.Context, a Action) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveAction(ctx, a); err != nil {
		s.metrics.PersistFailed()
		logging.Warn("failed to persist action", "action_id", a.ID, "error", err)
	}
}

func (s *Store) emit(ctx context.Context, e events.Event) {
	if err := s.bus.Emit(ctx, e); err != nil {
		logging.Debug("event delivered with handler errors", "event", e.Type(), "action_id", e.ActionID(), "error", err)
	}
}

// LoadThread restores a thread's actions from the persister. Actions
// already in memory are kept as they are. It returns how many were added.
func (s *Store) LoadThread(ctx context.Context, threadID string) (int, error) {
	if s.persister == nil {
		return 0, nil
	}
	loaded, err := s.persister.LoadThreadActions(ctx, threadID)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].CreatedAt.Before(loaded[j].CreatedAt) })

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, a := range loaded {
		if _, exists := s.entries[a.ID]; exists || a.ID == "" {
			continue
		}
		s.seq++
		a.Seq = s.seq
		if a.Status == StatusDone && a.Result == nil {
			a.Result = map[string]any{}
		}
		s.entries[a.ID] = &entry{action: a.clone()}
		added++
	}
	logging.Debug("thread loaded", "thread_id", threadID, "actions", added)
	return added, nil
}

// Prune evicts terminal actions by age and count. Non-terminal actions are
// never evicted. It returns how many were removed.
func (s *Store) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	if s.retention > 0 {
		cutoff := now.Add(-s.retention)
		for id, e := range s.entries {
			if e.action.Status.Terminal() && e.action.UpdatedAt.Before(cutoff) {
				delete(s.entries, id)
				removed++
			}
		}
	}

	if s.maxActions > 0 && len(s.entries) > s.maxActions {
		var terminal []*Action
		for _, e := range s.entries {
			if e.action.Status.Terminal() {
				terminal = append(terminal, &e.action)
			}
		}
		sort.Slice(terminal, func(i, j int) bool { return terminal[i].Seq < terminal[j].Seq })
		for _, a := range terminal {
			if len(s.entries) <= s.maxActions {
				break
			}
			delete(s.entries, a.ID)
			removed++
		}
	}

	if removed > 0 {
		logging.Debug("actions pruned", "removed", removed, "remaining", len(s.entries))
	}
	return removed
}
