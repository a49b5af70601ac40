package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"duet/internal/intent"
	"duet/internal/orchestrator"
	"duet/internal/tasks"
)

// ErrNoRoute is returned when an intent has no task route.
var ErrNoRoute = errors.New("no task route for intent")

// TaskTemplate describes one task an intent expands into. IDs are local to
// the plan; DependsOn refers to other templates of the same route.
type TaskTemplate struct {
	ID        string
	Type      tasks.Type
	Tool      string
	Priority  tasks.Priority
	DependsOn []string
	Timeout   time.Duration
}

// DefaultRoutes maps the async intents to the demo tool set.
func DefaultRoutes() map[intent.Intent][]TaskTemplate {
	return map[intent.Intent][]TaskTemplate{
		intent.ProviderSearch: {
			{ID: "search", Type: tasks.TypeProviderSearch, Tool: "provider_search", Priority: tasks.PriorityHigh},
		},
		intent.Booking: {
			{ID: "availability", Type: tasks.TypeBooking, Tool: "check_availability", Priority: tasks.PriorityHigh},
			{ID: "book", Type: tasks.TypeBooking, Tool: "book_appointment", DependsOn: []string{"availability"}},
		},
		intent.PhoneCall: {
			{ID: "call", Type: tasks.TypePhoneCall, Tool: "place_call", Priority: tasks.PriorityHigh, Timeout: 30 * time.Second},
		},
		intent.Research: {
			{ID: "research", Type: tasks.TypeResearch, Tool: "web_research"},
			{ID: "summarize", Type: tasks.TypeCompute, Tool: "summarize", Priority: tasks.PriorityLow, DependsOn: []string{"research"}},
		},
	}
}

// IntentPlanner expands an async intent into tasks from a route table.
// Each task's payload is the utterance as "query" plus the classified
// entities.
type IntentPlanner struct {
	routes map[intent.Intent][]TaskTemplate
}

var _ orchestrator.Planner = (*IntentPlanner)(nil)

// NewIntentPlanner creates a planner; nil routes means DefaultRoutes.
func NewIntentPlanner(routes map[intent.Intent][]TaskTemplate) *IntentPlanner {
	if routes == nil {
		routes = DefaultRoutes()
	}
	return &IntentPlanner{routes: routes}
}

func (p *IntentPlanner) Name() string { return "intent" }

// Plan returns the route's tasks in order, with plan-local ids.
func (p *IntentPlanner) Plan(_ context.Context, req orchestrator.Request) ([]tasks.Task, error) {
	route, ok := p.routes[intent.Intent(req.Intent)]
	if !ok || len(route) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, req.Intent)
	}

	out := make([]tasks.Task, 0, len(route))
	for _, tpl := range route {
		payload := map[string]any{"query": req.Text}
		for k, v := range req.Entities {
			payload[k] = v
		}
		out = append(out, tasks.Task{
			ID:           tpl.ID,
			Type:         tpl.Type,
			Tool:         tpl.Tool,
			Priority:     tpl.Priority,
			Dependencies: append([]string(nil), tpl.DependsOn...),
			Payload:      payload,
			Timeout:      tpl.Timeout,
		})
	}
	return out, nil
}
