// Package actions owns the state of every in-flight conversational action.
// All writes go through Store mutators, which serialize per action and
// announce each change on the event bus before returning.
package actions

import (
	"time"

	"duet/internal/types"
)

// Status is an action's position in the lifecycle lattice.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusWaiting    Status = "waiting"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

var lattice = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusWaiting, StatusDone, StatusCancelled},
	StatusWaiting:    {StatusProcessing, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the lattice.
func CanTransition(from, to Status) bool {
	for _, s := range lattice[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StepStatus is the state of one plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepDone       StepStatus = "done"
	StepFailed     StepStatus = "failed"
	StepCancelled  StepStatus = "cancelled"
)

// Finished reports whether the step reached an end state.
func (s StepStatus) Finished() bool {
	return s == StepDone || s == StepFailed || s == StepCancelled
}

// Step is one entry of an action's plan.
type Step struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Status StepStatus     `json:"status"`
	Input  map[string]any `json:"input,omitempty"`
	Result any            `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Action is one user-initiated unit of conversational work. Values handed
// out by the Store are snapshots.
type Action struct {
	ID         string              `json:"id"`
	ThreadID   string              `json:"thread_id"`
	Input      string              `json:"input"`
	Status     Status              `json:"status"`
	Mode       types.ExecutionMode `json:"mode,omitempty"`
	Intent     string              `json:"intent,omitempty"`
	Engagement string              `json:"engagement,omitempty"`
	Plan       []Step              `json:"plan,omitempty"`
	WaitingFor string              `json:"waiting_for,omitempty"`
	Progress   float64             `json:"progress,omitempty"`
	// Result is non-nil exactly when Status is Done.
	Result     map[string]any `json:"result,omitempty"`
	Supersedes string         `json:"supersedes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Seq        uint64         `json:"seq"`
}

func (a *Action) clone() Action {
	c := *a
	if a.Plan != nil {
		c.Plan = make([]Step, len(a.Plan))
		for i, s := range a.Plan {
			s.Input = cloneMap(s.Input)
			s.Result = cloneValue(s.Result)
			c.Plan[i] = s
		}
	}
	c.Result = cloneMap(a.Result)
	return c
}

// Step returns the plan step with the given id.
func (a Action) Step(id string) (Step, bool) {
	for _, s := range a.Plan {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(x))
		for i, item := range x {
			out[i] = cloneMap(item)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

// Outcome reports what a mutator did. Races with completion and
// cancellation are expected, so mutators return an Outcome instead of an
// error and only Applied means state changed.
type Outcome int

const (
	Applied Outcome = iota
	UnknownAction
	Terminal
	InvalidTransition
	Unchanged
	UnknownStep
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case UnknownAction:
		return "unknown_action"
	case Terminal:
		return "terminal"
	case InvalidTransition:
		return "invalid_transition"
	case Unchanged:
		return "unchanged"
	case UnknownStep:
		return "unknown_step"
	}
	return "unknown"
}

// OK reports whether the mutation was applied.
func (o Outcome) OK() bool { return o == Applied }
