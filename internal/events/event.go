// Package events provides the typed publish/subscribe bus that announces
// action state changes to the rest of the coordinator.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies what happened. The set is closed.
type Type string

const (
	StatusChanged    Type = "status_changed"
	PlanCreated      Type = "plan_created"
	StepCompleted    Type = "step_completed"
	ProgressUpdate   Type = "progress_update"
	WaitingForInput  Type = "waiting_for_input"
	UserResponse     Type = "user_response"
	ActionCompleted  Type = "action_completed"
	ActionCancelled  Type = "action_cancelled"
	CallStatusUpdate Type = "call_status_update"
)

// Types returns every event type in declaration order.
func Types() []Type {
	return []Type{
		StatusChanged, PlanCreated, StepCompleted, ProgressUpdate,
		WaitingForInput, UserResponse, ActionCompleted, ActionCancelled,
		CallStatusUpdate,
	}
}

// Valid reports whether t is one of the declared types.
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// Event is an immutable record of something that happened to an action.
// The payload is copied on construction and on every read.
type Event struct {
	typ       Type
	actionID  string
	data      map[string]any
	timestamp time.Time
}

// New builds an event stamped with the current time.
func New(t Type, actionID string, data map[string]any) Event {
	return NewAt(t, actionID, data, time.Now())
}

// NewAt builds an event with an explicit timestamp.
func NewAt(t Type, actionID string, data map[string]any, ts time.Time) Event {
	return Event{
		typ:       t,
		actionID:  actionID,
		data:      cloneMap(data),
		timestamp: ts,
	}
}

func (e Event) Type() Type           { return e.typ }
func (e Event) ActionID() string     { return e.actionID }
func (e Event) Timestamp() time.Time { return e.timestamp }

// Data returns a copy of the payload.
func (e Event) Data() map[string]any {
	return cloneMap(e.data)
}

// Value returns one payload entry.
func (e Event) Value(key string) (any, bool) {
	v, ok := e.data[key]
	return cloneValue(v), ok
}

// String returns the value for key formatted with %v, or "" when absent.
func (e Event) String(key string) string {
	v, ok := e.data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

type wireEvent struct {
	Type      Type           `json:"type"`
	ActionID  string         `json:"action_id"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// MarshalJSON encodes the event as {type, action_id, data, timestamp}.
func (e Event) MarshalJSON() ([]byte, error) {
	data := e.data
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(wireEvent{
		Type:      e.typ,
		ActionID:  e.actionID,
		Data:      data,
		Timestamp: e.timestamp,
	})
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if !w.Type.Valid() {
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	*e = NewAt(w.Type, w.ActionID, w.Data, w.Timestamp)
	return nil
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
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}
