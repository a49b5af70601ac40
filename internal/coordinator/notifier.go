package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"duet/internal/actions"
	"duet/internal/conversation"
	"duet/internal/events"
	"duet/internal/logging"
	"duet/internal/tasks"
	"duet/internal/types"
)

// Notification kinds.
const (
	KindResult   = "result"
	KindQuestion = "question"
)

// Notification is what the transport should say for a background action.
type Notification struct {
	ThreadID  string         `json:"thread_id"`
	ActionID  string         `json:"action_id"`
	Kind      string         `json:"kind"`
	Text      string         `json:"text"`
	Result    map[string]any `json:"result,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers notifications to the user-facing transport.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

const (
	replyFailed = "I'm sorry, I ran into a problem with that. Could you try asking again?"
	replyEmpty  = "All done."
)

// onCompleted records the agent's reply and surfaces async results.
func (c *Coordinator) onCompleted(ctx context.Context, e events.Event) error {
	a, ok := c.store.Get(e.ActionID())
	if !ok {
		return nil
	}
	reply, _ := a.Result["reply"].(string)
	tool, _ := a.Result["tool"].(string)

	agg := c.conversations.Get(a.ThreadID)
	agg.RecordTurn(conversation.Turn{
		Speaker:        conversation.SpeakerAgent,
		Content:        reply,
		ActionID:       a.ID,
		FunctionCalled: tool,
	})
	if id, _, waiting := agg.WaitingForTask(); waiting && ownsTask(a.ID, id) {
		agg.ClearWaitingTask()
	}

	if a.Mode != types.ModeAsync || c.notifier == nil {
		return nil
	}
	return c.notifier.Notify(ctx, Notification{
		ThreadID:  a.ThreadID,
		ActionID:  a.ID,
		Kind:      KindResult,
		Text:      reply,
		Result:    a.Result,
		Timestamp: e.Timestamp(),
	})
}

// onCancelled stops the action's queued and running tasks.
func (c *Coordinator) onCancelled(_ context.Context, e events.Event) error {
	id := e.ActionID()
	reason := e.String("reason")
	cancelled := c.queue.CancelAction(id, "action cancelled: "+reason)
	interrupted := c.cancelInflight(id)
	c.claimFinish(id)

	if agg, ok := c.conversations.Lookup(e.String("thread_id")); ok {
		if taskID, _, waiting := agg.WaitingForTask(); waiting && ownsTask(id, taskID) {
			agg.ClearWaitingTask()
		}
	}
	logging.Info("action cancelled", "action_id", id, "reason", reason,
		"tasks_cancelled", len(cancelled), "tasks_interrupted", interrupted)
	return nil
}

// onWaiting voices the question the action is blocked on.
func (c *Coordinator) onWaiting(ctx context.Context, e events.Event) error {
	a, ok := c.store.Get(e.ActionID())
	if !ok {
		return nil
	}
	prompt := e.String("prompt")
	c.conversations.Get(a.ThreadID).RecordTurn(conversation.Turn{
		Speaker:  conversation.SpeakerAgent,
		Content:  prompt,
		ActionID: a.ID,
	})
	if c.notifier == nil {
		return nil
	}
	return c.notifier.Notify(ctx, Notification{
		ThreadID:  a.ThreadID,
		ActionID:  a.ID,
		Kind:      KindQuestion,
		Text:      prompt,
		Timestamp: e.Timestamp(),
	})
}

// onUserResponse wakes the processing loop so held tasks can run.
func (c *Coordinator) onUserResponse(context.Context, events.Event) error {
	c.wake()
	return nil
}

// aggregate builds an action's final result from its tasks.
func aggregate(ts []tasks.Task) map[string]any {
	entries := make([]any, 0, len(ts))
	succeeded, failed := 0, 0
	var last *tasks.Task
	var firstErr string
	for i := range ts {
		t := ts[i]
		entry := map[string]any{
			"task_id": t.ID,
			"type":    string(t.Type),
			"tool":    t.Tool,
			"status":  string(t.Status),
		}
		if t.Status == tasks.StatusDone {
			entry["result"] = t.Result
			succeeded++
			last = &ts[i]
		} else {
			entry["error"] = t.Error
			failed++
			if firstErr == "" {
				firstErr = t.Error
			}
		}
		entries = append(entries, entry)
	}

	result := map[string]any{
		"tasks":     entries,
		"succeeded": succeeded,
		"failed":    failed,
	}
	if last == nil {
		result["reply"] = replyFailed
		result["error"] = firstErr
		return result
	}
	result["tool"] = last.Tool
	result["data"] = last.Result
	result["reply"] = formatResult(last.Result)
	return result
}

// formatResult renders a tool payload as something the agent can say.
func formatResult(v any) string {
	switch x := v.(type) {
	case nil:
		return replyEmpty
	case string:
		if x == "" {
			return replyEmpty
		}
		return x
	case map[string]any:
		for _, key := range []string{"summary", "message", "text"} {
			if s, ok := x[key].(string); ok && s != "" {
				return s
			}
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", k, x[k]))
		}
		return "Here's what I found: " + strings.Join(parts, ", ") + "."
	case []string:
		return "Here's what I found: " + strings.Join(x, ", ") + "."
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = fmt.Sprint(item)
		}
		return "Here's what I found: " + strings.Join(parts, ", ") + "."
	default:
		return fmt.Sprintf("Here's what I found: %v.", x)
	}
}

// stepStatus mirrors a task status onto its plan step.
func stepStatus(s tasks.Status) actions.StepStatus {
	switch s {
	case tasks.StatusDone:
		return actions.StepDone
	case tasks.StatusFailed:
		return actions.StepFailed
	case tasks.StatusCancelled:
		return actions.StepCancelled
	case tasks.StatusInProgress:
		return actions.StepInProgress
	}
	return actions.StepPending
}
