package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"duet/internal/actions"
	"duet/internal/conversation"
	"duet/internal/events"
	"duet/internal/intent"
	"duet/internal/orchestrator"
	"duet/internal/tasks"
	"duet/internal/tools"
	"duet/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// started by an init in the genai dependency tree
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type recorder struct {
	ch chan Notification
}

func newRecorder() *recorder { return &recorder{ch: make(chan Notification, 32)} }

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.ch <- n
	return nil
}

func (r *recorder) next(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-r.ch:
		return n
	case <-time.After(3 * time.Second):
		t.Fatal("no notification")
		return Notification{}
	}
}

type demo struct {
	searches atomic.Int32
}

func (d *demo) registry() *tools.Registry {
	r := tools.NewRegistry()
	r.MustRegister(tools.NewFunc(tools.ObjectSchema("provider_search", "find providers",
		map[string]tools.Property{"query": {Type: "string"}, "service": {Type: "string"}}, "service"),
		func(_ context.Context, args map[string]any) (any, error) {
			d.searches.Add(1)
			return map[string]any{"summary": fmt.Sprintf("Found 2 %ss nearby.", args["service"])}, nil
		}))
	r.MustRegister(tools.NewFunc(tools.ObjectSchema("check_availability", "open slots",
		map[string]tools.Property{"query": {Type: "string"}}),
		func(context.Context, map[string]any) (any, error) {
			return map[string]any{"slot": "tomorrow at 10am"}, nil
		}))
	r.MustRegister(tools.NewFunc(tools.ObjectSchema("book_appointment", "book a slot",
		map[string]tools.Property{"slot": {Type: "string"}, "party_size": {Type: "integer"}}, "slot", "party_size"),
		func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"message": fmt.Sprintf("Booked %v for %v people.", args["slot"], args["party_size"])}, nil
		}))
	r.MustRegister(tools.NewFunc(tools.ObjectSchema("place_call", "call someone", nil),
		func(context.Context, map[string]any) (any, error) {
			return tools.NewSuccessResult("The call went through.").WithMetadata("call_status", "connected"), nil
		}))
	r.MustRegister(tools.NewFunc(tools.ObjectSchema("web_research", "research", nil),
		func(context.Context, map[string]any) (any, error) {
			return []string{"review one", "review two"}, nil
		}))
	r.MustRegister(tools.NewFunc(tools.ObjectSchema("summarize", "summarize", nil),
		func(context.Context, map[string]any) (any, error) {
			return map[string]any{"summary": "Reviews are mostly positive."}, nil
		}))
	return r
}

func testSettings() Settings {
	s := DefaultSettings()
	s.PollInterval = 10 * time.Millisecond
	s.CleanupInterval = time.Hour
	return s
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *recorder, *demo) {
	t.Helper()
	d := &demo{}
	rec := newRecorder()
	base := []Option{WithRegistry(d.registry()), WithNotifier(rec), WithSettings(testSettings())}
	c := New(append(base, opts...)...)
	t.Cleanup(c.Close)
	return c, rec, d
}

func start(t *testing.T, c *Coordinator) {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
}

func waitStatus(t *testing.T, c *Coordinator, id string, want actions.Status) actions.Action {
	t.Helper()
	var a actions.Action
	require.Eventually(t, func() bool {
		a, _ = c.Store().Get(id)
		return a.Status == want
	}, 3*time.Second, 5*time.Millisecond, "action %s never reached %s", id, want)
	return a
}

func TestSyncUtteranceCompletesBeforeReturn(t *testing.T) {
	c, rec, _ := newTestCoordinator(t)
	ctx := context.Background()

	reply, err := c.HandleUtterance(ctx, "t1", "hello")
	require.NoError(t, err)
	assert.Equal(t, intent.Greeting, reply.Intent)
	assert.Equal(t, types.ModeSync, reply.Mode)
	assert.False(t, reply.Async)
	assert.Equal(t, "Hi! How can I help you today?", reply.Text)

	a, ok := c.Store().Get(reply.ActionID)
	require.True(t, ok)
	assert.Equal(t, actions.StatusDone, a.Status)
	assert.Equal(t, reply.Text, a.Result["reply"])

	turns := c.Conversation("t1").RecentTurns(0)
	require.Len(t, turns, 2)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, reply.Text, turns[1].Content)

	// sync results are spoken inline, not notified
	assert.Empty(t, rec.ch)
}

func TestSyncUnknownFallsThroughToResponder(t *testing.T) {
	chain := DefaultChain(orchestrator.ResponderFunc(func(_ context.Context, prompt string) (string, error) {
		return "  It depends.  ", nil
	}))
	c, _, _ := newTestCoordinator(t, WithChain(chain))

	reply, err := c.HandleUtterance(context.Background(), "t1", "tell me something")
	require.NoError(t, err)
	assert.Equal(t, intent.Unknown, reply.Intent)
	assert.Equal(t, "It depends.", reply.Text)
	assert.Empty(t, reply.Error)
}

func TestSyncHandlerFailureStillCompletes(t *testing.T) {
	chain := DefaultChain(orchestrator.ResponderFunc(func(context.Context, string) (string, error) {
		return "", errors.New("model unavailable")
	}))
	c, _, _ := newTestCoordinator(t, WithChain(chain))

	reply, err := c.HandleUtterance(context.Background(), "t1", "what is the time?")
	require.NoError(t, err)
	assert.Equal(t, replyFailed, reply.Text)
	assert.Contains(t, reply.Error, "model unavailable")

	a, _ := c.Store().Get(reply.ActionID)
	assert.Equal(t, actions.StatusDone, a.Status)
}

func TestSyncTimeoutAbandonsStuckResponder(t *testing.T) {
	release := make(chan struct{})
	chain := DefaultChain(orchestrator.ResponderFunc(func(context.Context, string) (string, error) {
		<-release // ignores its context
		return "late answer", nil
	}))
	settings := testSettings()
	settings.SyncTimeout = 50 * time.Millisecond
	c, _, _ := newTestCoordinator(t, WithChain(chain), WithSettings(settings))
	t.Cleanup(func() { close(release) })

	began := time.Now()
	reply, err := c.HandleUtterance(context.Background(), "t1", "what is the time?")
	require.NoError(t, err)
	assert.Less(t, time.Since(began), time.Second)
	assert.Equal(t, replyTimeout, reply.Text)
	assert.Equal(t, "timeout", reply.Error)

	a, _ := c.Store().Get(reply.ActionID)
	assert.Equal(t, actions.StatusDone, a.Status)
	assert.Equal(t, "timeout", a.Result["error"])
}

func TestHandleUtteranceCancelledContext(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.HandleUtterance(ctx, "t1", "hello")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Store().Len())
}

func TestAsyncCompletesThroughProcessingLoop(t *testing.T) {
	c, rec, _ := newTestCoordinator(t)
	start(t, c)

	reply, err := c.HandleUtterance(context.Background(), "t1", "can you find a dentist near me")
	require.NoError(t, err)
	assert.Equal(t, intent.ProviderSearch, reply.Intent)
	assert.True(t, reply.Async)
	assert.Equal(t, "Let me find a dentist for you...", reply.Text)

	n := rec.next(t)
	assert.Equal(t, KindResult, n.Kind)
	assert.Equal(t, reply.ActionID, n.ActionID)
	assert.Equal(t, "Found 2 dentists nearby.", n.Text)

	a := waitStatus(t, c, reply.ActionID, actions.StatusDone)
	assert.Equal(t, "Let me find a dentist for you...", a.Engagement)
	assert.Equal(t, "provider_search", a.Result["tool"])
	assert.Equal(t, 1, a.Result["succeeded"])
	require.Len(t, a.Plan, 1)
	assert.Equal(t, actions.StepDone, a.Plan[0].Status)
	assert.InDelta(t, 1.0, a.Progress, 0.001)

	agg := c.Conversation("t1")
	_, _, waiting := agg.WaitingForTask()
	assert.False(t, waiting)
	v, ok := agg.UserInfo("service")
	require.True(t, ok)
	assert.Equal(t, "dentist", v)
}

func TestAsyncDependentTasksRunInOrder(t *testing.T) {
	c, rec, _ := newTestCoordinator(t)
	start(t, c)

	reply, err := c.HandleUtterance(context.Background(), "t1", "research reviews of the new cafe")
	require.NoError(t, err)
	require.True(t, reply.Async)

	n := rec.next(t)
	assert.Equal(t, "Reviews are mostly positive.", n.Text)

	a := waitStatus(t, c, reply.ActionID, actions.StatusDone)
	require.Len(t, a.Plan, 2)
	assert.Equal(t, reply.ActionID+".research", a.Plan[0].ID)
	assert.Equal(t, reply.ActionID+".summarize", a.Plan[1].ID)
	for _, s := range a.Plan {
		assert.Equal(t, actions.StepDone, s.Status, s.ID)
	}

	research, ok := c.Queue().Get(reply.ActionID + ".research")
	require.True(t, ok)
	summarize, ok := c.Queue().Get(reply.ActionID + ".summarize")
	require.True(t, ok)
	assert.False(t, summarize.StartedAt.Before(research.CompletedAt))
}

func TestMissingArgumentWaitsAndResumes(t *testing.T) {
	c, rec, _ := newTestCoordinator(t)
	start(t, c)
	ctx := context.Background()

	reply, err := c.HandleUtterance(ctx, "t1", "book an appointment")
	require.NoError(t, err)
	require.True(t, reply.Async)

	q := rec.next(t)
	assert.Equal(t, KindQuestion, q.Kind)
	assert.Equal(t, "Could you tell me the party size?", q.Text)

	a := waitStatus(t, c, reply.ActionID, actions.StatusWaiting)
	assert.Equal(t, "party_size", a.WaitingFor)

	answer, err := c.HandleUtterance(ctx, "t1", "4")
	require.NoError(t, err)
	assert.True(t, answer.Resumed)
	assert.Equal(t, reply.ActionID, answer.ActionID)
	assert.Empty(t, answer.Error)

	n := rec.next(t)
	assert.Equal(t, KindResult, n.Kind)
	assert.Equal(t, "Booked tomorrow at 10am for 4 people.", n.Text)
	waitStatus(t, c, reply.ActionID, actions.StatusDone)
}

func TestCallStatusReported(t *testing.T) {
	c, rec, _ := newTestCoordinator(t)
	var mu sync.Mutex
	var statuses []string
	c.Store().Bus().Subscribe(events.CallStatusUpdate, func(_ context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, e.String("call_status"))
		return nil
	})
	start(t, c)

	reply, err := c.HandleUtterance(context.Background(), "t1", "call the dentist")
	require.NoError(t, err)
	assert.Equal(t, intent.PhoneCall, reply.Intent)

	n := rec.next(t)
	assert.Equal(t, "The call went through.", n.Text)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"connected"}, statuses)
}

func TestToolFailureProducesApology(t *testing.T) {
	r := tools.NewRegistry()
	r.MustRegister(tools.NewFunc(tools.ObjectSchema("provider_search", "find providers", nil),
		func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("directory offline")
		}))
	c, rec, _ := newTestCoordinator(t, WithRegistry(r))
	start(t, c)

	reply, err := c.HandleUtterance(context.Background(), "t1", "find a plumber")
	require.NoError(t, err)

	n := rec.next(t)
	assert.Equal(t, replyFailed, n.Text)

	a := waitStatus(t, c, reply.ActionID, actions.StatusDone)
	assert.Equal(t, 1, a.Result["failed"])
	assert.Equal(t, "directory offline", a.Result["error"])
	assert.Equal(t, actions.StepFailed, a.Plan[0].Status)
}

func TestRepeatedSearchServedFromCache(t *testing.T) {
	c, rec, d := newTestCoordinator(t)
	start(t, c)
	ctx := context.Background()

	first, err := c.HandleUtterance(ctx, "t1", "find a dentist")
	require.NoError(t, err)
	rec.next(t)
	waitStatus(t, c, first.ActionID, actions.StatusDone)

	second, err := c.HandleUtterance(ctx, "t1", "find a dentist")
	require.NoError(t, err)
	assert.Empty(t, second.Superseded)
	n := rec.next(t)
	assert.Equal(t, "Found 2 dentists nearby.", n.Text)

	assert.Equal(t, int32(1), d.searches.Load())
}

func TestNewRequestSupersedesSameIntent(t *testing.T) {
	// loop not started so the first search stays queued
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.HandleUtterance(ctx, "t1", "find a dentist")
	require.NoError(t, err)
	second, err := c.HandleUtterance(ctx, "t1", "find a plumber")
	require.NoError(t, err)

	assert.Equal(t, first.ActionID, second.Superseded)

	a, _ := c.Store().Get(first.ActionID)
	assert.Equal(t, actions.StatusCancelled, a.Status)
	for _, task := range c.Queue().TasksForAction(first.ActionID) {
		assert.Equal(t, tasks.StatusCancelled, task.Status)
	}

	b, _ := c.Store().Get(second.ActionID)
	assert.Equal(t, first.ActionID, b.Supersedes)

	// a different intent leaves the pending search alone
	third, err := c.HandleUtterance(ctx, "t1", "call the plumber")
	require.NoError(t, err)
	assert.Empty(t, third.Superseded)
	b, _ = c.Store().Get(second.ActionID)
	assert.Equal(t, actions.StatusPending, b.Status)
}

func TestCancelInterruptsRunningTask(t *testing.T) {
	started := make(chan struct{})
	r := tools.NewRegistry()
	r.MustRegister(tools.NewFunc(tools.ObjectSchema("web_research", "slow research", nil),
		func(ctx context.Context, _ map[string]any) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	c, rec, _ := newTestCoordinator(t, WithRegistry(r))
	start(t, c)

	reply, err := c.HandleUtterance(context.Background(), "t1", "research the best laptops")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("research never started")
	}

	out := c.Store().Cancel(context.Background(), reply.ActionID, "user request")
	require.True(t, out.OK())

	require.Eventually(t, func() bool {
		return c.Stats().InFlight == 0
	}, 3*time.Second, 5*time.Millisecond)

	for _, task := range c.Queue().TasksForAction(reply.ActionID) {
		assert.Equal(t, tasks.StatusCancelled, task.Status, task.ID)
	}
	a, _ := c.Store().Get(reply.ActionID)
	assert.Equal(t, actions.StatusCancelled, a.Status)
	assert.Nil(t, a.Result)
	assert.Empty(t, rec.ch)
}

func TestPlanningFailureCancelsAction(t *testing.T) {
	chain := DefaultChain(nil)
	chain.MustAddPlanner(NewIntentPlanner(map[intent.Intent][]TaskTemplate{}))
	c, _, _ := newTestCoordinator(t, WithChain(chain))

	reply, err := c.HandleUtterance(context.Background(), "t1", "book a table")
	require.NoError(t, err)
	assert.False(t, reply.Async)
	assert.Equal(t, replyUnplanned, reply.Text)
	assert.Contains(t, reply.Error, ErrNoRoute.Error())

	a, _ := c.Store().Get(reply.ActionID)
	assert.Equal(t, actions.StatusCancelled, a.Status)
	assert.Equal(t, 0, c.Stats().OpenActions)
}

func TestStartTwice(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, c.Stats().Running)

	c.Stop()
	c.Stop()
	assert.False(t, c.Stats().Running)

	require.NoError(t, c.Start(context.Background()))
}

func TestHousekeepFailsTimedOutTasks(t *testing.T) {
	later := time.Now().Add(time.Hour)
	c, _, _ := newTestCoordinator(t, WithClock(func() time.Time { return later }))

	_, err := c.Queue().Add(tasks.Task{ID: "slow", Type: tasks.TypeCompute, Timeout: time.Millisecond})
	require.NoError(t, err)
	_, ok := c.Queue().Claim("slow")
	require.True(t, ok)

	c.housekeep(context.Background())

	got, ok := c.Queue().Get("slow")
	require.True(t, ok)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Equal(t, tools.ErrMsgTimeout, got.Error)
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (s *stepClock) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t
}

func (s *stepClock) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t = s.t.Add(d)
}

func TestHousekeepEvictsIdleThreads(t *testing.T) {
	clk := &stepClock{t: time.Now()}
	settings := testSettings()
	settings.ThreadIdle = time.Hour
	c, _, _ := newTestCoordinator(t,
		WithSettings(settings),
		WithConversations(conversation.NewManager(conversation.WithClock(clk.now))))
	ctx := context.Background()

	c.Conversation("idle").RecordTurn(conversation.Turn{Content: "bye"})
	c.Conversation("busy").RecordTurn(conversation.Turn{Content: "find a dentist"})
	c.Store().Create(ctx, "busy", "find a dentist")

	clk.advance(2 * time.Hour)
	c.Conversation("recent").RecordTurn(conversation.Turn{Content: "hello"})
	c.housekeep(ctx)

	assert.Equal(t, []string{"busy", "recent"}, c.Conversations().Threads())
}

func TestFormatResult(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, replyEmpty},
		{"empty string", "", replyEmpty},
		{"string", "Done.", "Done."},
		{"summary key", map[string]any{"summary": "Two found.", "count": 2}, "Two found."},
		{"plain map", map[string]any{"b": 2, "a": 1}, "Here's what I found: a: 1, b: 2."},
		{"strings", []string{"x", "y"}, "Here's what I found: x, y."},
		{"other", 42, "Here's what I found: 42."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatResult(tt.in))
		})
	}
}

func TestAggregateAllFailed(t *testing.T) {
	got := aggregate([]tasks.Task{
		{ID: "a.1", Tool: "x", Status: tasks.StatusFailed, Error: "boom"},
		{ID: "a.2", Tool: "y", Status: tasks.StatusCancelled, Error: "dependency a.1 failed"},
	})
	assert.Equal(t, replyFailed, got["reply"])
	assert.Equal(t, "boom", got["error"])
	assert.Equal(t, 0, got["succeeded"])
	assert.Equal(t, 2, got["failed"])
	assert.NotContains(t, got, "tool")
}
