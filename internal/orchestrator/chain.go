// Package orchestrator composes named handlers and planners into a chain.
// It is the generic layer the coordinator builds its sync path on, and can
// host a single-loop agent by itself.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"duet/internal/logging"
	"duet/internal/tasks"
)

// ErrDuplicateName is returned when a handler or planner name is already
// registered in its category.
var ErrDuplicateName = errors.New("name already registered")

// Request is the input to a handler.
type Request struct {
	ThreadID string
	ActionID string
	Text     string
	Intent   string
	Entities map[string]string
	// Context is rendered conversation state for prompt building.
	Context string
}

// Response is a handler's output. Final stops the chain.
type Response struct {
	Content string
	Data    map[string]any
	Handler string
	Final   bool
}

// Handler answers a request.
type Handler interface {
	Name() string
	Handle(ctx context.Context, req Request) (Response, error)
}

// Planner turns a request into background tasks.
type Planner interface {
	Name() string
	Plan(ctx context.Context, req Request) ([]tasks.Task, error)
}

// Describer is optionally implemented by handlers for DumpHandlers.
type Describer interface {
	Description() string
}

// Relation is a declared edge between two handlers. Relation names are not
// unique.
type Relation struct {
	From string `json:"from"`
	To   string `json:"to"`
	Name string `json:"name"`
}

// HandlerInfo describes a registered handler.
type HandlerInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type namedHandler struct {
	name    string
	handler Handler
}

type namedPlanner struct {
	name    string
	planner Planner
}

// Chain holds handlers and planners in registration order.
type Chain struct {
	mu        sync.RWMutex
	handlers  []namedHandler
	planners  []namedPlanner
	relations []Relation
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

func pickName(def string, names []string, v any) string {
	for _, n := range names {
		if n != "" {
			return n
		}
	}
	if def != "" {
		return def
	}
	return fmt.Sprintf("%T", v)
}

// AddHandler appends h under name, or h.Name() when no name is given.
func (c *Chain) AddHandler(h Handler, name ...string) error {
	n := pickName(h.Name(), name, h)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.handlers {
		if existing.name == n {
			return fmt.Errorf("%w: handler %q", ErrDuplicateName, n)
		}
	}
	c.handlers = append(c.handlers, namedHandler{name: n, handler: h})
	logging.Debug("handler registered", "name", n)
	return nil
}

// MustAddHandler is AddHandler that panics on error.
func (c *Chain) MustAddHandler(h Handler, name ...string) {
	if err := c.AddHandler(h, name...); err != nil {
		panic(err)
	}
}

// AddPlanner appends p under name, or p.Name() when no name is given.
func (c *Chain) AddPlanner(p Planner, name ...string) error {
	n := pickName(p.Name(), name, p)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.planners {
		if existing.name == n {
			return fmt.Errorf("%w: planner %q", ErrDuplicateName, n)
		}
	}
	c.planners = append(c.planners, namedPlanner{name: n, planner: p})
	logging.Debug("planner registered", "name", n)
	return nil
}

// MustAddPlanner is AddPlanner that panics on error.
func (c *Chain) MustAddPlanner(p Planner, name ...string) {
	if err := c.AddPlanner(p, name...); err != nil {
		panic(err)
	}
}

// AddHandlerRelation records an edge from one handler to another. An empty
// relation name becomes "default".
func (c *Chain) AddHandlerRelation(from, to, relation string) *Chain {
	if relation == "" {
		relation = "default"
	}
	c.mu.Lock()
	c.relations = append(c.relations, Relation{From: from, To: to, Name: relation})
	c.mu.Unlock()
	return c
}

// Relations returns the edges named relation, or every edge when relation
// is empty.
func (c *Chain) Relations(relation string) []Relation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Relation
	for _, r := range c.relations {
		if relation == "" || r.Name == relation {
			out = append(out, r)
		}
	}
	return out
}

// CurrentHandler returns the handler registered as name. With no handlers
// registered at all it returns an EchoHandler; with handlers but no match it
// returns nil.
func (c *Chain) CurrentHandler(name string) Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.handlers) == 0 {
		return EchoHandler{}
	}
	for _, h := range c.handlers {
		if h.name == name {
			return h.handler
		}
	}
	return nil
}

// CurrentPlanner returns the most recently registered planner, or nil.
func (c *Chain) CurrentPlanner() Planner {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.planners) == 0 {
		return nil
	}
	return c.planners[len(c.planners)-1].planner
}

// GetHandlerByName looks a handler up by name.
func (c *Chain) GetHandlerByName(name string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, h := range c.handlers {
		if h.name == name {
			return h.handler, true
		}
	}
	return nil, false
}

// RemoveHandler removes the named handler and reports whether it existed.
func (c *Chain) RemoveHandler(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.handlers {
		if h.name == name {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Handlers returns handler names in chain order.
func (c *Chain) Handlers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.handlers))
	for i, h := range c.handlers {
		names[i] = h.name
	}
	return names
}

// DumpHandlers describes the registered handlers in chain order.
func (c *Chain) DumpHandlers() []HandlerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]HandlerInfo, 0, len(c.handlers))
	for _, h := range c.handlers {
		info := HandlerInfo{Name: h.name, Type: fmt.Sprintf("%T", h.handler)}
		if d, ok := h.handler.(Describer); ok {
			info.Description = d.Description()
		}
		out = append(out, info)
	}
	return out
}

// Run passes req through the handlers in order. Each handler sees the
// previous handler's content as its text. A Final response or an error
// stops the chain. With no handlers the request is echoed.
func (c *Chain) Run(ctx context.Context, req Request) (Response, error) {
	c.mu.RLock()
	chain := append([]namedHandler(nil), c.handlers...)
	c.mu.RUnlock()

	if len(chain) == 0 {
		return EchoHandler{}.Handle(ctx, req)
	}

	resp := Response{Content: req.Text}
	for _, h := range chain {
		if err := ctx.Err(); err != nil {
			return resp, err
		}
		out, err := h.handler.Handle(ctx, req)
		if err != nil {
			return resp, fmt.Errorf("handler %s: %w", h.name, err)
		}
		out.Handler = h.name
		if out.Data == nil {
			out.Data = resp.Data
		}
		resp = out
		logging.Debug("handler ran", "name", h.name, "action_id", req.ActionID, "final", out.Final)
		if out.Final {
			break
		}
		req.Text = out.Content
	}
	return resp, nil
}
