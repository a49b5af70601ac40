package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"duet/internal/actions"
	"duet/internal/conversation"
	"duet/internal/intent"
	"duet/internal/logging"
	"duet/internal/orchestrator"
	"duet/internal/tasks"
	"duet/internal/types"
)

// Reply is what the communication loop says right away.
type Reply struct {
	ThreadID   string              `json:"thread_id"`
	ActionID   string              `json:"action_id"`
	Intent     intent.Intent       `json:"intent"`
	Mode       types.ExecutionMode `json:"mode"`
	Confidence float64             `json:"confidence"`
	Text       string              `json:"text"`
	// Async is set when background work was queued and the result will
	// arrive through the Notifier.
	Async bool `json:"async,omitempty"`
	// Resumed is set when the utterance answered a waiting action.
	Resumed    bool   `json:"resumed,omitempty"`
	Superseded string `json:"superseded,omitempty"`
	Error      string `json:"error,omitempty"`
}

const (
	replyResumed   = "Thanks, I'll carry on with that."
	replyTimeout   = "Sorry, that took too long. Could you say it again?"
	replyUnplanned = "Sorry, I can't do that yet."
)

var engagementMessages = map[intent.Intent]string{
	intent.ProviderSearch: "Let me search that for you...",
	intent.Booking:        "Let me check availability for you...",
	intent.PhoneCall:      "I'll place that call now...",
	intent.Research:       "Let me look into that for you...",
}

// engagement is the filler said while async work runs.
func engagement(res intent.Result) string {
	if service := res.Entities["service"]; service != "" && res.Intent == intent.ProviderSearch {
		return fmt.Sprintf("Let me find a %s for you...", service)
	}
	if msg, ok := engagementMessages[res.Intent]; ok {
		return msg
	}
	return "Give me a moment..."
}

// phaseFor maps an intent to the phase it implies.
func phaseFor(i intent.Intent) (conversation.Phase, bool) {
	switch i {
	case intent.ProviderSearch, intent.Research, intent.SimpleQuery, intent.Clarification, intent.Followup:
		return conversation.PhaseDiscovery, true
	case intent.Booking, intent.PhoneCall:
		return conversation.PhaseNegotiation, true
	case intent.Goodbye:
		return conversation.PhaseClosing, true
	}
	return "", false
}

// askFor phrases the question for a missing field.
func askFor(field string) string {
	return "Could you tell me the " + strings.ReplaceAll(field, "_", " ") + "?"
}

// HandleUtterance is the communication loop's entry point. Sync intents are
// answered inline and their action is complete on return. Async intents
// queue background work and return the engagement message at once.
func (c *Coordinator) HandleUtterance(ctx context.Context, threadID, text string) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	agg := c.conversations.Get(threadID)

	if waiting, ok := c.store.WaitingAction(threadID); ok {
		return c.resume(ctx, agg, waiting, text), nil
	}

	cctx, cancel := context.WithTimeout(ctx, c.settings.ClassifyTimeout)
	res := c.classifier.ClassifyContext(cctx, text)
	cancel()
	c.metrics.Classified(string(res.Intent), res.Mode.String())
	logging.Debug("utterance classified", "thread_id", threadID, "intent", res.Intent,
		"mode", res.Mode.String(), "confidence", res.Confidence, "reason", res.Reason)

	for k, v := range res.Entities {
		agg.RecordUserInfoItem(k, v)
	}
	if phase, ok := phaseFor(res.Intent); ok {
		agg.AdvancePhase(phase)
	}

	if res.Mode == types.ModeAsync {
		return c.handleAsync(ctx, agg, res, text)
	}
	return c.handleSync(ctx, agg, res, text)
}

// resume answers the question a waiting action is blocked on.
func (c *Coordinator) resume(ctx context.Context, agg *conversation.Aggregator, waiting actions.Action, text string) Reply {
	if waiting.WaitingFor != "" {
		agg.RecordUserInfoItem(waiting.WaitingFor, text)
	}
	agg.RecordTurn(conversation.Turn{Speaker: conversation.SpeakerUser, Content: text, ActionID: waiting.ID})

	reply := Reply{
		ThreadID: waiting.ThreadID,
		ActionID: waiting.ID,
		Intent:   intent.Intent(waiting.Intent),
		Mode:     waiting.Mode,
		Resumed:  true,
		Text:     replyResumed,
	}
	if out := c.store.ResolveWaiting(ctx, waiting.ID, text); !out.OK() {
		reply.Error = out.String()
	}
	logAction("waiting action resumed", waiting, "field", waiting.WaitingFor)
	return reply
}

func (c *Coordinator) request(agg *conversation.Aggregator, actionID string, res intent.Result, text string) orchestrator.Request {
	return orchestrator.Request{
		ThreadID: agg.ThreadID(),
		ActionID: actionID,
		Text:     text,
		Intent:   string(res.Intent),
		Entities: res.Entities,
		Context:  agg.PromptContext(),
	}
}

func (c *Coordinator) handleSync(ctx context.Context, agg *conversation.Aggregator, res intent.Result, text string) (Reply, error) {
	a := c.store.Create(ctx, agg.ThreadID(), text,
		actions.WithMode(types.ModeSync), actions.WithIntent(string(res.Intent)))
	agg.RecordTurn(conversation.Turn{Speaker: conversation.SpeakerUser, Content: text, ActionID: a.ID})
	c.store.UpdateStatus(ctx, a.ID, actions.StatusProcessing, "sync")

	reply := Reply{
		ThreadID:   a.ThreadID,
		ActionID:   a.ID,
		Intent:     res.Intent,
		Mode:       types.ModeSync,
		Confidence: res.Confidence,
	}

	resp, err := c.runChain(ctx, c.request(agg, a.ID, res, text))

	result := map[string]any{"intent": string(res.Intent)}
	switch {
	case err == nil:
		reply.Text = resp.Content
		result["reply"] = resp.Content
		result["handler"] = resp.Handler
		for k, v := range resp.Data {
			result[k] = v
		}
	case errors.Is(err, context.DeadlineExceeded):
		reply.Text, reply.Error = replyTimeout, "timeout"
		result["reply"], result["error"] = replyTimeout, "timeout"
	default:
		reply.Text, reply.Error = replyFailed, err.Error()
		result["reply"], result["error"] = replyFailed, err.Error()
	}
	if reply.Error != "" {
		logAction("sync handler failed", a, "error", reply.Error)
	}

	// A parent cancellation still completes the action so it never lingers.
	c.store.Complete(context.WithoutCancel(ctx), a.ID, result)
	return reply, nil
}

// runChain runs the sync chain under SyncTimeout. A handler that ignores
// its context is abandoned when the deadline passes.
func (c *Coordinator) runChain(ctx context.Context, req orchestrator.Request) (orchestrator.Response, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.settings.SyncTimeout)
	defer cancel()

	type outcome struct {
		resp orchestrator.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := c.chain.Run(runCtx, req)
		done <- outcome{resp, err}
	}()

	select {
	case out := <-done:
		return out.resp, out.err
	case <-runCtx.Done():
		return orchestrator.Response{}, runCtx.Err()
	}
}

func (c *Coordinator) handleAsync(ctx context.Context, agg *conversation.Aggregator, res intent.Result, text string) (Reply, error) {
	threadID := agg.ThreadID()

	var superseded string
	for _, prev := range c.store.PendingActions(threadID) {
		if prev.Mode == types.ModeAsync && prev.Intent == string(res.Intent) {
			if c.store.Cancel(ctx, prev.ID, "superseded").OK() {
				superseded = prev.ID
			}
		}
	}

	opts := []actions.CreateOption{actions.WithMode(types.ModeAsync), actions.WithIntent(string(res.Intent))}
	if superseded != "" {
		opts = append(opts, actions.WithSupersedes(superseded))
	}
	a := c.store.Create(ctx, threadID, text, opts...)
	agg.RecordTurn(conversation.Turn{Speaker: conversation.SpeakerUser, Content: text, ActionID: a.ID})

	reply := Reply{
		ThreadID:   threadID,
		ActionID:   a.ID,
		Intent:     res.Intent,
		Mode:       types.ModeAsync,
		Confidence: res.Confidence,
		Superseded: superseded,
	}

	queued, err := c.plan(ctx, agg, a, res, text)
	if err != nil {
		logAction("planning failed", a, "error", err)
		c.store.Cancel(ctx, a.ID, "planning failed")
		reply.Text, reply.Error = replyUnplanned, err.Error()
		return reply, nil
	}

	msg := engagement(res)
	c.store.SetEngagement(ctx, a.ID, msg)
	agg.SetWaitingForTask(queued[0].ID, msg)
	if cur, ok := c.store.Get(a.ID); ok && cur.Status.Terminal() {
		// the processing loop beat us to it
		agg.ClearWaitingTask()
	}
	agg.RecordTurn(conversation.Turn{Speaker: conversation.SpeakerAgent, Content: msg, ActionID: a.ID})

	reply.Text = msg
	reply.Async = true
	logAction("async action queued", a, "tasks", len(queued), "superseded", superseded)
	return reply, nil
}

// plan asks the chain's planner for tasks, records them as the action's
// plan and enqueues them.
func (c *Coordinator) plan(ctx context.Context, agg *conversation.Aggregator, a actions.Action, res intent.Result, text string) ([]tasks.Task, error) {
	planner := c.chain.CurrentPlanner()
	if planner == nil {
		return nil, ErrNoRoute
	}
	planned, err := planner.Plan(ctx, c.request(agg, a.ID, res, text))
	if err != nil {
		return nil, err
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, res.Intent)
	}

	steps := make([]actions.Step, len(planned))
	for i := range planned {
		t := &planned[i]
		local := t.ID
		if local == "" {
			local = fmt.Sprintf("task%d", i+1)
		}
		t.ID = taskID(a.ID, local)
		for j, dep := range t.Dependencies {
			t.Dependencies[j] = taskID(a.ID, dep)
		}
		t.ActionID = a.ID
		name := t.Tool
		if name == "" {
			name = string(t.Type)
		}
		steps[i] = actions.Step{ID: t.ID, Name: name, Input: t.Payload}
	}
	c.store.SetPlan(ctx, a.ID, steps)

	c.markOpen(a.ID)
	queued := make([]tasks.Task, 0, len(planned))
	for _, t := range planned {
		stored, err := c.queue.Add(t)
		if err != nil {
			c.queue.CancelAction(a.ID, "planning failed")
			c.claimFinish(a.ID)
			return nil, err
		}
		queued = append(queued, stored)
	}
	return queued, nil
}
