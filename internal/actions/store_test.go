package actions

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duet/internal/events"
	"duet/internal/metrics"
	"duet/internal/types"
)

// recorder collects every event emitted on a bus.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(bus *events.Bus) *recorder {
	r := &recorder{}
	bus.SubscribeAll(func(_ context.Context, e events.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
		return nil
	})
	return r
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type()
	}
	return out
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestStore(opts ...Option) (*Store, *recorder) {
	bus := events.NewBus()
	rec := record(bus)
	return NewStore(bus, opts...), rec
}

func TestCreateProcessCompleteEmitsThreeEvents(t *testing.T) {
	ctx := context.Background()
	store, rec := newTestStore()

	a := store.Create(ctx, "t1", "Search")
	assert.Equal(t, StatusPending, a.Status)
	assert.Empty(t, rec.types(), "create emits nothing")

	require.Equal(t, Applied, store.UpdateStatus(ctx, a.ID, StatusProcessing, ""))
	require.Equal(t, Applied, store.Complete(ctx, a.ID, map[string]any{"ok": true}))

	require.Equal(t, []events.Type{events.StatusChanged, events.StatusChanged, events.ActionCompleted}, rec.types())

	changes := rec.ofType(events.StatusChanged)
	assert.Equal(t, "pending", changes[0].String("old_status"))
	assert.Equal(t, "processing", changes[0].String("new_status"))
	assert.Equal(t, "processing", changes[1].String("old_status"))
	assert.Equal(t, "done", changes[1].String("new_status"))

	completed := rec.ofType(events.ActionCompleted)[0]
	result, _ := completed.Value("result")
	assert.Equal(t, map[string]any{"ok": true}, result)
	assert.Equal(t, a.ID, completed.ActionID())
	assert.Equal(t, "t1", completed.String("thread_id"))

	got, ok := store.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, map[string]any{"ok": true}, got.Result)
}

func TestPendingActionsInCreationOrder(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	first := store.Create(ctx, "t1", "find a dentist")
	second := store.Create(ctx, "t1", "book it")
	third := store.Create(ctx, "t1", "call them")
	store.Create(ctx, "t2", "other thread")

	store.UpdateStatus(ctx, second.ID, StatusProcessing, "")
	store.Complete(ctx, second.ID, nil)

	pending := store.PendingActions("t1")
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, third.ID, pending[1].ID)
}

func TestPendingActionsTwoCreatedOneCompleted(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	a := store.Create(ctx, "t1", "first")
	b := store.Create(ctx, "t1", "second")
	store.UpdateStatus(ctx, a.ID, StatusProcessing, "")
	store.Complete(ctx, a.ID, nil)

	pending := store.PendingActions("t1")
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
}

func TestCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, rec := newTestStore()
	a := store.Create(ctx, "t1", "find a plumber")

	require.Equal(t, Applied, store.Cancel(ctx, a.ID, "user changed mind"))
	assert.Equal(t, Terminal, store.Cancel(ctx, a.ID, "again"))

	assert.Len(t, rec.ofType(events.ActionCancelled), 1)
	assert.Equal(t, []events.Type{events.StatusChanged, events.ActionCancelled}, rec.types())
	assert.Equal(t, "user changed mind", rec.ofType(events.ActionCancelled)[0].String("reason"))
}

func TestMutatorsOnUnknownAndTerminalAreNoops(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")
	store, rec := newTestStore(WithMetrics(m))

	assert.Equal(t, UnknownAction, store.UpdateStatus(ctx, "act_typo", StatusProcessing, ""))
	assert.Equal(t, UnknownAction, store.Complete(ctx, "act_typo", nil))
	assert.Equal(t, UnknownAction, store.Cancel(ctx, "act_typo", ""))
	assert.Equal(t, UnknownAction, store.SetMode(ctx, "act_typo", types.ModeAsync))

	a := store.Create(ctx, "t1", "x")
	store.UpdateStatus(ctx, a.ID, StatusProcessing, "")
	store.Complete(ctx, a.ID, nil)
	before := len(rec.types())

	assert.Equal(t, Terminal, store.UpdateStatus(ctx, a.ID, StatusProcessing, ""))
	assert.Equal(t, Terminal, store.Complete(ctx, a.ID, map[string]any{"again": true}))
	assert.Equal(t, Terminal, store.SetEngagement(ctx, a.ID, "late"))
	assert.Equal(t, Terminal, store.ReportProgress(ctx, a.ID, "late", 0.5))
	assert.Len(t, rec.types(), before)

	assert.Equal(t, 4.0, noopsWithReason(t, reg, "test_action_noops_total", "unknown_action"))
	assert.Equal(t, 4.0, noopsWithReason(t, reg, "test_action_noops_total", "terminal"))
}

// noopsWithReason sums a counter family over series with the given reason label.
func noopsWithReason(t *testing.T, reg *prometheus.Registry, name, reason string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "reason" && l.GetValue() == reason {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	store, rec := newTestStore()
	a := store.Create(ctx, "t1", "x")

	// Pending cannot finish without processing.
	assert.Equal(t, InvalidTransition, store.Complete(ctx, a.ID, nil))
	assert.Equal(t, InvalidTransition, store.UpdateStatus(ctx, a.ID, StatusWaiting, ""))
	assert.Equal(t, InvalidTransition, store.ResolveWaiting(ctx, a.ID, "yes"))
	assert.Equal(t, Unchanged, store.UpdateStatus(ctx, a.ID, StatusPending, ""))
	assert.Empty(t, rec.types())

	got, _ := store.Get(a.ID)
	assert.Nil(t, got.Result)
}

func TestWaitingRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, rec := newTestStore()
	a := store.Create(ctx, "t1", "book the dentist")
	store.UpdateStatus(ctx, a.ID, StatusProcessing, "")

	require.Equal(t, Applied, store.SetWaiting(ctx, a.ID, "preferred_time", "Which day works for you?"))
	waiting, ok := store.WaitingAction("t1")
	require.True(t, ok)
	assert.Equal(t, "preferred_time", waiting.WaitingFor)

	require.Equal(t, Applied, store.ResolveWaiting(ctx, a.ID, "Tuesday"))
	got, _ := store.Get(a.ID)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Empty(t, got.WaitingFor)

	assert.Equal(t, []events.Type{
		events.StatusChanged,
		events.StatusChanged, events.WaitingForInput,
		events.StatusChanged, events.UserResponse,
	}, rec.types())
	assert.Equal(t, "Tuesday", rec.ofType(events.UserResponse)[0].String("input"))

	active, ok := store.ActiveAction("t1")
	require.True(t, ok)
	assert.Equal(t, a.ID, active.ID)
}

func TestPlanAndSteps(t *testing.T) {
	ctx := context.Background()
	store, rec := newTestStore()
	a := store.Create(ctx, "t1", "find and book")
	store.UpdateStatus(ctx, a.ID, StatusProcessing, "")

	require.Equal(t, Applied, store.SetPlan(ctx, a.ID, []Step{
		{Name: "search", Input: map[string]any{"service": "dentist"}},
		{ID: "custom", Name: "book"},
	}))
	got, _ := store.Get(a.ID)
	require.Len(t, got.Plan, 2)
	assert.Equal(t, "step_1", got.Plan[0].ID)
	assert.Equal(t, StepPending, got.Plan[1].Status)

	assert.Equal(t, Applied, store.UpdateStep(ctx, a.ID, "step_1", StepInProgress, nil, ""))
	assert.Empty(t, rec.ofType(events.StepCompleted))
	assert.Equal(t, Applied, store.UpdateStep(ctx, a.ID, "step_1", StepDone, []any{"Dr. Lee"}, ""))
	assert.Equal(t, InvalidTransition, store.UpdateStep(ctx, a.ID, "step_1", StepFailed, nil, "late"))
	assert.Equal(t, UnknownStep, store.UpdateStep(ctx, a.ID, "nope", StepDone, nil, ""))

	done := rec.ofType(events.StepCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, "step_1", done[0].String("step_id"))

	got, _ = store.Get(a.ID)
	step, ok := got.Step("step_1")
	require.True(t, ok)
	assert.Equal(t, []any{"Dr. Lee"}, step.Result)
	assert.Len(t, rec.ofType(events.PlanCreated), 1)
}

func TestProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store, rec := newTestStore()
	a := store.Create(ctx, "t1", "x")

	store.ReportProgress(ctx, a.ID, "searching", 0.5)
	store.ReportProgress(ctx, a.ID, "stale", 0.2)
	store.ReportProgress(ctx, a.ID, "overflow", 3)

	updates := rec.ofType(events.ProgressUpdate)
	require.Len(t, updates, 3)
	p, _ := updates[1].Value("progress")
	assert.Equal(t, 0.5, p)
	got, _ := store.Get(a.ID)
	assert.Equal(t, 1.0, got.Progress)
}

func TestCallStatusUpdate(t *testing.T) {
	ctx := context.Background()
	store, rec := newTestStore()
	a := store.Create(ctx, "t1", "call the clinic")

	require.Equal(t, Applied, store.ReportCallStatus(ctx, a.ID, "ringing", map[string]any{"to": "+15550100"}))
	ev := rec.ofType(events.CallStatusUpdate)
	require.Len(t, ev, 1)
	assert.Equal(t, "ringing", ev[0].String("call_status"))
	assert.Equal(t, "+15550100", ev[0].String("to"))
}

func TestUpdateStatusToTerminalEmitsCompanionEvent(t *testing.T) {
	ctx := context.Background()
	store, rec := newTestStore()

	a := store.Create(ctx, "t1", "x")
	store.UpdateStatus(ctx, a.ID, StatusProcessing, "")
	require.Equal(t, Applied, store.UpdateStatus(ctx, a.ID, StatusDone, ""))
	got, _ := store.Get(a.ID)
	assert.Equal(t, map[string]any{}, got.Result)

	b := store.Create(ctx, "t1", "y")
	require.Equal(t, Applied, store.UpdateStatus(ctx, b.ID, StatusCancelled, "timeout"))

	assert.Len(t, rec.ofType(events.ActionCompleted), 1)
	assert.Len(t, rec.ofType(events.ActionCancelled), 1)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	a := store.Create(ctx, "t1", "x")
	store.UpdateStatus(ctx, a.ID, StatusProcessing, "")

	result := map[string]any{"providers": []any{"a"}}
	store.Complete(ctx, a.ID, result)
	result["providers"] = nil

	got, _ := store.Get(a.ID)
	got.Result["providers"].([]any)[0] = "mutated"
	got.Status = StatusPending

	again, _ := store.Get(a.ID)
	if diff := cmp.Diff(map[string]any{"providers": []any{"a"}}, again.Result); diff != "" {
		t.Errorf("stored result changed (-want +got):\n%s", diff)
	}
	assert.Equal(t, StatusDone, again.Status)
}

func TestUpdatedAtNeverDecreases(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store, _ := newTestStore(WithClock(func() time.Time { return now }))

	a := store.Create(ctx, "t1", "x")
	now = now.Add(-time.Hour) // clock steps backwards
	store.UpdateStatus(ctx, a.ID, StatusProcessing, "")

	got, _ := store.Get(a.ID)
	assert.False(t, got.UpdatedAt.Before(a.UpdatedAt))
}

func TestOptionsAtCreate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	old := store.Create(ctx, "t1", "find a dentist")
	a := store.Create(ctx, "t1", "find a dentist downtown",
		WithMode(types.ModeAsync), WithIntent("provider_search"), WithSupersedes(old.ID))

	assert.Equal(t, types.ModeAsync, a.Mode)
	assert.Equal(t, "provider_search", a.Intent)
	assert.Equal(t, old.ID, a.Supersedes)
	assert.NotEqual(t, old.ID, a.ID)
	assert.Regexp(t, `^act_[0-9a-f]{12}$`, a.ID)

	assert.Equal(t, Applied, store.SetMode(ctx, old.ID, types.ModeSync))
	assert.Equal(t, Unchanged, store.SetMode(ctx, old.ID, types.ModeSync))
	assert.Equal(t, Applied, store.SetEngagement(ctx, a.ID, "Looking now."))
	got, _ := store.Get(a.ID)
	assert.Equal(t, "Looking now.", got.Engagement)
}

// validWalk checks a sequence of StatusChanged events forms a lattice walk.
func validWalk(t *testing.T, changes []events.Event) {
	t.Helper()
	prev := StatusPending
	for i, e := range changes {
		from := Status(e.String("old_status"))
		to := Status(e.String("new_status"))
		require.Equal(t, prev, from, "event %d does not continue the walk", i)
		require.True(t, CanTransition(from, to), "event %d: %s -> %s", i, from, to)
		require.False(t, from.Terminal(), "event %d leaves a terminal state", i)
		prev = to
	}
}

func TestRandomMutationsFormLatticeWalk(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 50; run++ {
		store, rec := newTestStore()
		a := store.Create(ctx, "t1", "x")
		for step := 0; step < 20; step++ {
			switch rng.Intn(6) {
			case 0:
				store.UpdateStatus(ctx, a.ID, StatusProcessing, "")
			case 1:
				store.SetWaiting(ctx, a.ID, "input", "?")
			case 2:
				store.ResolveWaiting(ctx, a.ID, "answer")
			case 3:
				store.Complete(ctx, a.ID, nil)
			case 4:
				store.Cancel(ctx, a.ID, "")
			case 5:
				store.UpdateStatus(ctx, a.ID, StatusWaiting, "")
			}
		}
		validWalk(t, rec.ofType(events.StatusChanged))
	}
}

func TestConcurrentMutationsAreSerializedPerAction(t *testing.T) {
	ctx := context.Background()
	store, rec := newTestStore()
	a := store.Create(ctx, "t1", "x")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				store.UpdateStatus(ctx, a.ID, StatusProcessing, "")
				store.SetWaiting(ctx, a.ID, "input", "")
				store.ResolveWaiting(ctx, a.ID, "ok")
				if g == 0 && i == 40 {
					store.Cancel(ctx, a.ID, "user hung up")
				}
			}
		}()
	}
	wg.Wait()

	validWalk(t, rec.ofType(events.StatusChanged))
	got, _ := store.Get(a.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Len(t, rec.ofType(events.ActionCancelled), 1)
}

func TestHandlerCanReadStoreDuringEmit(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	store := NewStore(bus)

	seen := make(chan Status, 1)
	bus.Subscribe(events.ActionCompleted, func(_ context.Context, e events.Event) error {
		a, _ := store.Get(e.ActionID())
		seen <- a.Status
		return nil
	})

	a := store.Create(ctx, "t1", "x")
	store.UpdateStatus(ctx, a.ID, StatusProcessing, "")
	store.Complete(ctx, a.ID, nil)
	assert.Equal(t, StatusDone, <-seen)
}

func TestFailingHandlerDoesNotFailMutation(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	bus.Subscribe(events.StatusChanged, func(context.Context, events.Event) error {
		return errors.New("subscriber broken")
	})
	store := NewStore(bus)

	a := store.Create(ctx, "t1", "x")
	assert.Equal(t, Applied, store.UpdateStatus(ctx, a.ID, StatusProcessing, ""))
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store, _ := newTestStore(
		WithClock(func() time.Time { return now }),
		WithLimits(2, time.Hour),
	)

	finish := func(a Action) {
		store.UpdateStatus(ctx, a.ID, StatusProcessing, "")
		store.Complete(ctx, a.ID, nil)
	}

	old := store.Create(ctx, "t1", "old")
	finish(old)
	stuck := store.Create(ctx, "t1", "still running")

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, store.Prune(now))
	_, ok := store.Get(old.ID)
	assert.False(t, ok)
	_, ok = store.Get(stuck.ID)
	assert.True(t, ok, "non-terminal actions are never evicted")

	for i := 0; i < 3; i++ {
		finish(store.Create(ctx, "t1", "recent"))
	}
	assert.Equal(t, 4, store.Len())
	assert.Equal(t, 2, store.Prune(now))
	assert.Equal(t, 2, store.Len())
	_, ok = store.Get(stuck.ID)
	assert.True(t, ok)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", Applied.String())
	assert.True(t, Applied.OK())
	assert.False(t, Terminal.OK())
	assert.Equal(t, "invalid_transition", InvalidTransition.String())
}
