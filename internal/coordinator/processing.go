package coordinator

import (
	"context"
	"fmt"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"duet/internal/actions"
	"duet/internal/conversation"
	"duet/internal/logging"
	"duet/internal/tasks"
	"duet/internal/tools"
)

// cacheable task types have idempotent tools whose results may be reused.
var cacheable = map[tasks.Type]bool{
	tasks.TypeProviderSearch: true,
	tasks.TypeResearch:       true,
	tasks.TypeKBSearch:       true,
	tasks.TypeDBQuery:        true,
}

// processLoop dispatches ready tasks whenever the queue signals, a worker
// finishes, a waiting action resumes, or the poll ticker fires.
func (c *Coordinator) processLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(c.settings.Workers))

	poll := time.NewTicker(c.settings.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(c.settings.CleanupInterval)
	defer cleanup.Stop()

	logging.Info("processing loop started", "workers", c.settings.Workers)
	defer func() {
		_ = g.Wait()
		logging.Info("processing loop stopped")
	}()

	for {
		c.dispatch(gctx, g, sem)
		c.finishOpen(ctx)

		select {
		case <-ctx.Done():
			return
		case <-c.queue.Ready():
		case <-c.wakeCh:
		case <-poll.C:
		case <-cleanup.C:
			c.housekeep(ctx)
		}
	}
}

// dispatch claims ready tasks while worker slots are free.
func (c *Coordinator) dispatch(ctx context.Context, g *errgroup.Group, sem *semaphore.Weighted) {
	for _, t := range c.queue.GetReadyTasks() {
		if ctx.Err() != nil {
			return
		}
		args, ok := c.admit(ctx, t)
		if !ok {
			continue
		}
		if !sem.TryAcquire(1) {
			return
		}
		claimed, ok := c.queue.Claim(t.ID)
		if !ok {
			sem.Release(1)
			continue
		}
		g.Go(func() error {
			defer c.wake()
			defer sem.Release(1)
			c.runTask(ctx, claimed, args)
			return nil
		})
	}
}

// admit decides whether a ready task may run now and prepares its
// arguments. Tasks of terminal actions are cancelled; tasks of waiting
// actions are held. A task missing a required argument puts its action
// into Waiting with a question for the user.
func (c *Coordinator) admit(ctx context.Context, t tasks.Task) (map[string]any, bool) {
	if t.ActionID == "" {
		return maps.Clone(t.Payload), true
	}
	a, ok := c.store.Get(t.ActionID)
	if !ok {
		return maps.Clone(t.Payload), true
	}

	switch {
	case a.Status.Terminal():
		c.queue.Cancel(t.ID, "action "+string(a.Status))
		return nil, false
	case a.Status == actions.StatusWaiting:
		return nil, false
	case a.Status == actions.StatusPending:
		c.store.UpdateStatus(ctx, a.ID, actions.StatusProcessing, "processing started")
	}

	args := c.prepareArgs(t, a.ThreadID)
	if tool, ok := c.registry.Get(t.Tool); ok {
		if missing := tool.Schema().MissingArgs(args); len(missing) > 0 {
			field := missing[0]
			c.store.SetWaiting(ctx, a.ID, field, askFor(field))
			logAction("task needs input", a, "task_id", t.ID, "field", field)
			return nil, false
		}
	}
	return args, true
}

// prepareArgs builds tool arguments from the payload, the results of the
// task's dependencies and what the user has told us, in that precedence.
func (c *Coordinator) prepareArgs(t tasks.Task, threadID string) map[string]any {
	args := maps.Clone(t.Payload)
	if args == nil {
		args = map[string]any{}
	}
	for _, dep := range t.Dependencies {
		d, ok := c.queue.Get(dep)
		if !ok {
			continue
		}
		if m, ok := d.Result.(map[string]any); ok {
			for k, v := range m {
				if _, set := args[k]; !set {
					args[k] = v
				}
			}
		}
	}

	tool, ok := c.registry.Get(t.Tool)
	if !ok {
		return args
	}
	agg, ok := c.conversations.Lookup(threadID)
	if !ok {
		return args
	}
	for name := range tool.Schema().Parameters.Properties {
		if _, set := args[name]; set {
			continue
		}
		if v, ok := agg.UserInfo(name); ok {
			args[name] = v
		}
	}
	return args
}

// runTask executes one claimed task and writes the outcome back to the
// queue, the action's plan and the conversation cache.
func (c *Coordinator) runTask(ctx context.Context, t tasks.Task, args map[string]any) {
	actionID := t.ActionID
	// writes must land even when a cancellation interrupts the tool
	wctx := context.WithoutCancel(ctx)

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if actionID != "" {
		c.track(actionID, t.ID, cancel)
		defer c.untrack(actionID, t.ID)
		c.store.UpdateStep(wctx, actionID, t.ID, actions.StepInProgress, nil, "")
	}

	var agg *conversation.Aggregator
	if a, ok := c.store.Get(actionID); ok {
		agg, _ = c.conversations.Lookup(a.ThreadID)
	}

	res, hit := c.execute(taskCtx, t, args, agg)

	if ctx.Err() != nil {
		c.queue.Cancel(t.ID, "shutdown")
		return
	}
	if a, ok := c.store.Get(actionID); ok && a.Status.Terminal() {
		c.queue.Cancel(t.ID, "action "+string(a.Status))
		c.mirrorStep(wctx, t.ID)
		return
	}

	if res.Success {
		c.queue.Complete(t.ID, res.Data)
		if agg != nil && cacheable[t.Type] && !hit {
			agg.CacheToolResult(t.Tool, args, res)
		}
	} else {
		c.queue.Fail(t.ID, res.Error)
	}
	logging.Debug("task ran", "task_id", t.ID, "action_id", actionID, "tool", t.Tool,
		"success", res.Success, "cached", hit)

	if actionID == "" {
		return
	}
	c.mirrorStep(wctx, t.ID)

	if res.Success {
		if status, ok := res.Metadata["call_status"].(string); ok && status != "" {
			c.store.ReportCallStatus(wctx, actionID, status, map[string]any{"task_id": t.ID, "tool": t.Tool})
		}
		if field, ok := res.Metadata["waiting_for"].(string); ok && field != "" {
			prompt, _ := res.Metadata["prompt"].(string)
			if prompt == "" {
				prompt = askFor(field)
			}
			c.store.SetWaiting(wctx, actionID, field, prompt)
		}
	}
	c.reportProgress(wctx, actionID)
	c.maybeFinish(wctx, actionID)
}

// execute runs the task's tool, answering from the conversation cache when
// an identical idempotent call is still fresh.
func (c *Coordinator) execute(ctx context.Context, t tasks.Task, args map[string]any, agg *conversation.Aggregator) (tools.ToolResult, bool) {
	if t.Tool == "" {
		return tools.NewErrorResult(fmt.Sprintf("no tool for task type %s", t.Type)), false
	}
	if agg != nil && cacheable[t.Type] {
		if v, ok := agg.CachedResult(t.Tool, args); ok {
			if res, ok := v.(tools.ToolResult); ok {
				return res.WithMetadata("cached", true), true
			}
		}
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = c.settings.TaskTimeout
	}
	return c.registry.ExecuteWithTimeout(ctx, t.Tool, args, timeout), false
}

// mirrorStep copies the task's queue status onto its plan step.
func (c *Coordinator) mirrorStep(ctx context.Context, id string) {
	t, ok := c.queue.Get(id)
	if !ok || t.ActionID == "" {
		return
	}
	c.store.UpdateStep(ctx, t.ActionID, t.ID, stepStatus(t.Status), t.Result, t.Error)
}

func (c *Coordinator) reportProgress(ctx context.Context, actionID string) {
	ts := c.queue.TasksForAction(actionID)
	if len(ts) == 0 {
		return
	}
	finished := 0
	for _, t := range ts {
		if t.Status.Terminal() {
			finished++
		}
	}
	c.store.ReportProgress(ctx, actionID,
		fmt.Sprintf("%d of %d tasks finished", finished, len(ts)),
		float64(finished)/float64(len(ts)))
}

// maybeFinish completes the action once every one of its tasks is terminal.
// Waiting actions stay open until the user answers.
func (c *Coordinator) maybeFinish(ctx context.Context, actionID string) {
	ts := c.queue.TasksForAction(actionID)
	if len(ts) == 0 {
		return
	}
	for _, t := range ts {
		if !t.Status.Terminal() {
			return
		}
	}

	a, ok := c.store.Get(actionID)
	if !ok || a.Status.Terminal() {
		c.claimFinish(actionID)
		return
	}
	if a.Status == actions.StatusWaiting {
		return
	}
	if !c.claimFinish(actionID) {
		return
	}

	// tasks cancelled by a failed dependency never ran; close their steps
	for _, t := range ts {
		if step, ok := a.Step(t.ID); ok && !step.Status.Finished() {
			c.store.UpdateStep(ctx, actionID, t.ID, stepStatus(t.Status), t.Result, t.Error)
		}
	}
	if a.Status == actions.StatusPending {
		c.store.UpdateStatus(ctx, actionID, actions.StatusProcessing, "processing started")
	}
	c.store.Complete(ctx, actionID, aggregate(ts))
	logAction("async action finished", a, "tasks", len(ts))
}

func (c *Coordinator) finishOpen(ctx context.Context) {
	wctx := context.WithoutCancel(ctx)
	for _, id := range c.openActions() {
		c.maybeFinish(wctx, id)
	}
}

// housekeep fails tasks past their deadline and evicts old state.
func (c *Coordinator) housekeep(ctx context.Context) {
	now := c.now()
	for _, t := range c.queue.TimedOut(now) {
		if c.queue.Fail(t.ID, tools.ErrMsgTimeout) {
			logging.Warn("task timed out", "task_id", t.ID, "action_id", t.ActionID)
			c.cancelTask(t.ActionID, t.ID)
			c.mirrorStep(context.WithoutCancel(ctx), t.ID)
		}
	}
	tasksRemoved := c.queue.Cleanup(c.settings.CleanupAge)
	actionsRemoved := c.store.Prune(now)
	cacheRemoved := c.conversations.CleanupCaches()
	evicted := c.conversations.EvictIdle(c.settings.ThreadIdle, func(threadID string) bool {
		return len(c.store.PendingActions(threadID)) > 0
	})
	if tasksRemoved+actionsRemoved+cacheRemoved+len(evicted) > 0 {
		logging.Debug("housekeeping", "tasks_removed", tasksRemoved,
			"actions_removed", actionsRemoved, "cache_removed", cacheRemoved,
			"threads_evicted", len(evicted))
	}
}

func (c *Coordinator) cancelTask(actionID, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.inflight[actionID][id]; ok {
		cancel()
	}
}
