// Package tasks is the scheduling data structure behind the processing loop.
// It orders background work by priority and dependency; it never executes
// anything itself.
package tasks

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready" // dependencies met
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Type is the kind of background work.
type Type string

const (
	TypeProviderSearch Type = "provider_search"
	TypeBooking        Type = "booking"
	TypePhoneCall      Type = "phone_call"
	TypeResearch       Type = "research"
	TypeKBSearch       Type = "kb_search"
	TypeDBQuery        Type = "db_query"
	TypeAPICall        Type = "api_call"
	TypeCompute        Type = "compute"
)

// Valid reports whether t is a declared task type.
func (t Type) Valid() bool {
	switch t {
	case TypeProviderSearch, TypeBooking, TypePhoneCall, TypeResearch,
		TypeKBSearch, TypeDBQuery, TypeAPICall, TypeCompute:
		return true
	}
	return false
}

// Priority orders ready tasks; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// Task is one unit of background work. Values returned by the Queue are
// copies; change a task only through Queue methods.
type Task struct {
	ID           string         `json:"id"`
	ActionID     string         `json:"action_id,omitempty"`
	Type         Type           `json:"type"`
	Tool         string         `json:"tool,omitempty"` // registry tool to run
	Priority     Priority       `json:"priority"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Status       Status         `json:"status"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	// Timeout bounds execution once the task is in progress. Zero means the
	// processing loop's default.
	Timeout     time.Duration `json:"timeout,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`

	seq   uint64
	index int // position in the ready heap, -1 when absent
}

func (t *Task) clone() Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	if t.Payload != nil {
		c.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	c.index = -1
	return c
}

// Seq returns the task's creation order within its queue.
func (t Task) Seq() uint64 { return t.seq }

// TimedOut reports whether an in-progress task has exceeded its timeout.
func (t Task) TimedOut(now time.Time) bool {
	return t.Status == StatusInProgress && t.Timeout > 0 && now.Sub(t.StartedAt) > t.Timeout
}

// Descriptor is the task as handed to a worker-pool collaborator.
type Descriptor struct {
	TaskID       string         `json:"task_id"`
	Priority     Priority       `json:"priority"`
	Type         Type           `json:"type"`
	Dependencies []string       `json:"dependencies"`
	Payload      map[string]any `json:"payload"`
}

// Descriptor returns the external description of the task.
func (t Task) Descriptor() Descriptor {
	deps := t.Dependencies
	if deps == nil {
		deps = []string{}
	}
	payload := t.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return Descriptor{
		TaskID:       t.ID,
		Priority:     t.Priority,
		Type:         t.Type,
		Dependencies: deps,
		Payload:      payload,
	}
}

// Stats summarizes the queue.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	Ready    int            `json:"ready"`
}
