package actions

import (
	"context"
	"fmt"

	"duet/internal/events"
	"duet/internal/logging"
	"duet/internal/types"
)

type pendingEvent struct {
	typ  events.Type
	data map[string]any
}

// mutate applies fn to the action under its mutation lock, then persists
// and emits the events fn produced. Terminal actions are rejected before fn
// runs.
func (s *Store) mutate(ctx context.Context, op, id string, fn func(a *Action) (Outcome, []pendingEvent)) Outcome {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return s.noop(op, id, UnknownAction)
	}

	e.op.Lock()
	defer e.op.Unlock()

	s.mu.Lock()
	if e.action.Status.Terminal() {
		s.mu.Unlock()
		return s.noop(op, id, Terminal)
	}
	out, pending := fn(&e.action)
	if out != Applied {
		s.mu.Unlock()
		return s.noop(op, id, out)
	}
	s.touch(&e.action)
	snap := e.action.clone()
	s.mu.Unlock()

	s.persist(ctx, snap)
	for _, p := range pending {
		data := p.data
		if data == nil {
			data = map[string]any{}
		}
		data["thread_id"] = snap.ThreadID
		if p.typ == events.StatusChanged {
			s.metrics.ActionTransition(fmt.Sprint(data["old_status"]), fmt.Sprint(data["new_status"]))
		}
		s.emit(ctx, events.NewAt(p.typ, snap.ID, data, snap.UpdatedAt))
	}
	return Applied
}

// touch advances UpdatedAt, never backwards. Caller holds s.mu.
func (s *Store) touch(a *Action) {
	now := s.now()
	if now.Before(a.UpdatedAt) {
		now = a.UpdatedAt
	}
	a.UpdatedAt = now
}

func (s *Store) noop(op, id string, o Outcome) Outcome {
	s.metrics.ActionNoop(op, o.String())
	if o == UnknownAction {
		logging.Warn("mutation on unknown action", "op", op, "action_id", id)
	} else {
		logging.Debug("action mutation ignored", "op", op, "action_id", id, "outcome", o.String())
	}
	return o
}

func statusChanged(from, to Status, reason string) pendingEvent {
	data := map[string]any{
		"old_status": string(from),
		"new_status": string(to),
	}
	if reason != "" {
		data["reason"] = reason
	}
	return pendingEvent{typ: events.StatusChanged, data: data}
}

// transition moves a to status if the lattice allows it.
func transition(a *Action, to Status) (Status, Outcome) {
	from := a.Status
	if from == to {
		return from, Unchanged
	}
	if !CanTransition(from, to) {
		return from, InvalidTransition
	}
	a.Status = to
	return from, Applied
}

// UpdateStatus moves the action along the lattice. Moving to Done or
// Cancelled behaves like Complete with an empty result or Cancel.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, reason string) Outcome {
	switch status {
	case StatusDone:
		return s.complete(ctx, "update_status", id, nil)
	case StatusCancelled:
		return s.cancel(ctx, "update_status", id, reason)
	}
	return s.mutate(ctx, "update_status", id, func(a *Action) (Outcome, []pendingEvent) {
		from, out := transition(a, status)
		if out != Applied {
			return out, nil
		}
		if from == StatusWaiting {
			a.WaitingFor = ""
		}
		return Applied, []pendingEvent{statusChanged(from, status, reason)}
	})
}

// Complete finishes a Processing action with result. A nil result is
// stored as an empty map. Emits StatusChanged then ActionCompleted.
func (s *Store) Complete(ctx context.Context, id string, result map[string]any) Outcome {
	return s.complete(ctx, "complete", id, result)
}

func (s *Store) complete(ctx context.Context, op, id string, result map[string]any) Outcome {
	return s.mutate(ctx, op, id, func(a *Action) (Outcome, []pendingEvent) {
		from, out := transition(a, StatusDone)
		if out != Applied {
			return out, nil
		}
		if result == nil {
			result = map[string]any{}
		}
		a.Result = cloneMap(result)
		a.WaitingFor = ""
		a.Progress = 1
		return Applied, []pendingEvent{
			statusChanged(from, StatusDone, ""),
			{typ: events.ActionCompleted, data: map[string]any{
				"result": cloneMap(result),
				"intent": a.Intent,
				"mode":   a.Mode.String(),
			}},
		}
	})
}

// Cancel cancels a non-terminal action. Cancelling again is a no-op and
// emits nothing. Emits StatusChanged then ActionCancelled.
func (s *Store) Cancel(ctx context.Context, id, reason string) Outcome {
	return s.cancel(ctx, "cancel", id, reason)
}

func (s *Store) cancel(ctx context.Context, op, id, reason string) Outcome {
	return s.mutate(ctx, op, id, func(a *Action) (Outcome, []pendingEvent) {
		from, out := transition(a, StatusCancelled)
		if out != Applied {
			return out, nil
		}
		a.WaitingFor = ""
		return Applied, []pendingEvent{
			statusChanged(from, StatusCancelled, reason),
			{typ: events.ActionCancelled, data: map[string]any{"reason": reason}},
		}
	})
}

// SetMode records the execution mode.
func (s *Store) SetMode(ctx context.Context, id string, mode types.ExecutionMode) Outcome {
	return s.mutate(ctx, "set_mode", id, func(a *Action) (Outcome, []pendingEvent) {
		if a.Mode == mode {
			return Unchanged, nil
		}
		a.Mode = mode
		return Applied, nil
	})
}

// SetEngagement stores the "working on it" message shown to the user.
func (s *Store) SetEngagement(ctx context.Context, id, message string) Outcome {
	return s.mutate(ctx, "set_engagement", id, func(a *Action) (Outcome, []pendingEvent) {
		if a.Engagement == message {
			return Unchanged, nil
		}
		a.Engagement = message
		return Applied, nil
	})
}

// SetPlan replaces the plan. Steps without an id get step_<n>; steps
// without a status start pending. Emits PlanCreated.
func (s *Store) SetPlan(ctx context.Context, id string, steps []Step) Outcome {
	return s.mutate(ctx, "set_plan", id, func(a *Action) (Outcome, []pendingEvent) {
		plan := make([]Step, len(steps))
		summary := make([]any, len(steps))
		for i, st := range steps {
			if st.ID == "" {
				st.ID = fmt.Sprintf("step_%d", i+1)
			}
			if st.Status == "" {
				st.Status = StepPending
			}
			st.Input = cloneMap(st.Input)
			plan[i] = st
			summary[i] = map[string]any{"id": st.ID, "name": st.Name, "status": string(st.Status)}
		}
		a.Plan = plan
		return Applied, []pendingEvent{{typ: events.PlanCreated, data: map[string]any{"steps": summary}}}
	})
}

// UpdateStep records a step's status and result. Emits StepCompleted when
// the step finishes.
func (s *Store) UpdateStep(ctx context.Context, id, stepID string, status StepStatus, result any, errMsg string) Outcome {
	return s.mutate(ctx, "update_step", id, func(a *Action) (Outcome, []pendingEvent) {
		idx := -1
		for i := range a.Plan {
			if a.Plan[i].ID == stepID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return UnknownStep, nil
		}
		step := &a.Plan[idx]
		if step.Status.Finished() {
			return InvalidTransition, nil
		}
		step.Status = status
		step.Result = cloneValue(result)
		step.Error = errMsg

		if !status.Finished() {
			return Applied, nil
		}
		data := map[string]any{
			"step_id": step.ID,
			"name":    step.Name,
			"status":  string(status),
			"result":  cloneValue(result),
		}
		if errMsg != "" {
			data["error"] = errMsg
		}
		return Applied, []pendingEvent{{typ: events.StepCompleted, data: data}}
	})
}

// ReportProgress records progress in [0,1] and emits ProgressUpdate.
// Progress never decreases.
func (s *Store) ReportProgress(ctx context.Context, id, message string, progress float64) Outcome {
	return s.mutate(ctx, "report_progress", id, func(a *Action) (Outcome, []pendingEvent) {
		if progress > 1 {
			progress = 1
		}
		if progress > a.Progress {
			a.Progress = progress
		}
		return Applied, []pendingEvent{{typ: events.ProgressUpdate, data: map[string]any{
			"message":  message,
			"progress": a.Progress,
		}}}
	})
}

// ReportCallStatus forwards a phone-channel status change as CallStatusUpdate.
func (s *Store) ReportCallStatus(ctx context.Context, id, callStatus string, details map[string]any) Outcome {
	return s.mutate(ctx, "report_call_status", id, func(a *Action) (Outcome, []pendingEvent) {
		data := cloneMap(details)
		if data == nil {
			data = map[string]any{}
		}
		data["call_status"] = callStatus
		return Applied, []pendingEvent{{typ: events.CallStatusUpdate, data: data}}
	})
}

// SetWaiting blocks a Processing action on user input. Emits StatusChanged
// then WaitingForInput.
func (s *Store) SetWaiting(ctx context.Context, id, waitingFor, prompt string) Outcome {
	return s.mutate(ctx, "set_waiting", id, func(a *Action) (Outcome, []pendingEvent) {
		from, out := transition(a, StatusWaiting)
		if out != Applied {
			return out, nil
		}
		a.WaitingFor = waitingFor
		return Applied, []pendingEvent{
			statusChanged(from, StatusWaiting, waitingFor),
			{typ: events.WaitingForInput, data: map[string]any{
				"waiting_for": waitingFor,
				"prompt":      prompt,
			}},
		}
	})
}

// ResolveWaiting resumes a Waiting action with the user's input. Emits
// StatusChanged then UserResponse.
func (s *Store) ResolveWaiting(ctx context.Context, id, input string) Outcome {
	return s.mutate(ctx, "resolve_waiting", id, func(a *Action) (Outcome, []pendingEvent) {
		if a.Status != StatusWaiting {
			return InvalidTransition, nil
		}
		from, out := transition(a, StatusProcessing)
		if out != Applied {
			return out, nil
		}
		waitingFor := a.WaitingFor
		a.WaitingFor = ""
		return Applied, []pendingEvent{
			statusChanged(from, StatusProcessing, "user_response"),
			{typ: events.UserResponse, data: map[string]any{
				"input":       input,
				"waiting_for": waitingFor,
			}},
		}
	})
}
