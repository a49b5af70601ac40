package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"duet/internal/logging"
	"duet/internal/metrics"
	"duet/internal/robustness"
)

var (
	// ErrToolAlreadyRegistered is returned when a name is registered twice.
	ErrToolAlreadyRegistered = errors.New("tool already registered")
	// ErrInvalidTool is returned when a tool fails the capability contract.
	ErrInvalidTool = errors.New("invalid tool")
)

// Failure messages carried in ToolResult.Error.
const (
	ErrMsgNotFound    = "tool not found"
	ErrMsgTimeout     = "timeout"
	ErrMsgCancelled   = "cancelled"
	ErrMsgUnavailable = "tool temporarily unavailable"
)

// Registry manages the collection of available tools.
type Registry struct {
	tools   map[string]Tool
	mu      sync.RWMutex
	timeout time.Duration
	metrics *metrics.Metrics

	breakerThreshold int
	breakerReset     time.Duration
	breakers         map[string]*robustness.CircuitBreaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDefaultTimeout bounds every Execute call that has no explicit timeout.
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// WithMetrics records executions and their latency.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithCircuitBreakers takes a tool offline for reset after threshold
// consecutive backend failures. Validation errors, unknown tools and
// cancellations do not count. A threshold of zero disables the breakers.
func WithCircuitBreakers(threshold int, reset time.Duration) RegistryOption {
	return func(r *Registry) {
		r.breakerThreshold = threshold
		r.breakerReset = reset
	}
}

// NewRegistry creates a new tool registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:    make(map[string]Tool),
		breakers: make(map[string]*robustness.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool after checking it satisfies the capability contract.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("%w: nil tool", ErrInvalidTool)
	}
	name := tool.Name()
	schema := tool.Schema()
	if err := schema.Validate(); err != nil {
		return err
	}
	if schema.Name != name {
		return fmt.Errorf("%w: name %q does not match schema name %q", ErrInvalidTool, name, schema.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, name)
	}
	r.tools[name] = tool
	return nil
}

// MustRegister adds a tool and panics if it cannot be registered.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	r.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// ListTools returns the registered tool names, sorted.
func (r *Registry) ListTools() []string {
	tools := r.List()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	return names
}

// GetAllSchemas returns every tool schema, sorted by name.
func (r *Registry) GetAllSchemas() []Schema {
	tools := r.List()
	schemas := make([]Schema, len(tools))
	for i, t := range tools {
		schemas[i] = t.Schema()
	}
	return schemas
}

// Declarations returns all tool declarations for Gemini.
func (r *Registry) Declarations() []*genai.FunctionDeclaration {
	schemas := r.GetAllSchemas()
	decls := make([]*genai.FunctionDeclaration, len(schemas))
	for i, s := range schemas {
		decls[i] = s.Declaration()
	}
	return decls
}

// GeminiTools returns the tools in Gemini format.
func (r *Registry) GeminiTools() []*genai.Tool {
	return []*genai.Tool{
		{
			FunctionDeclarations: r.Declarations(),
		},
	}
}

// Execute runs the named tool under the registry's default timeout.
// It never panics and never returns an error: every failure, including an
// unknown name, is a ToolResult with Success false.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) ToolResult {
	return r.ExecuteWithTimeout(ctx, name, args, r.timeout)
}

// ExecuteWithTimeout runs the named tool, giving up after d. A non-positive d
// means no extra deadline beyond ctx.
func (r *Registry) ExecuteWithTimeout(ctx context.Context, name string, args map[string]any, d time.Duration) ToolResult {
	start := time.Now()
	var result ToolResult
	if br := r.breaker(name); br != nil {
		if br.Allow() {
			result = r.execute(ctx, name, args, d)
			recordBreaker(br, result)
		} else {
			result = NewErrorResult(ErrMsgUnavailable).WithMetadata("reason", "circuit_open")
		}
	} else {
		result = r.execute(ctx, name, args, d)
	}
	elapsed := time.Since(start)

	result = result.WithMetadata("tool", name).WithMetadata("duration_ms", elapsed.Milliseconds())

	outcome := "success"
	if !result.Success {
		outcome = "failure"
		if reason, ok := result.Metadata["reason"].(string); ok {
			outcome = reason
		}
		logging.Debug("tool execution failed", "tool", name, "error", result.Error, "duration", elapsed)
	}
	r.metrics.ToolExecuted(name, outcome, elapsed)
	return result
}

// breaker returns the tool's circuit breaker, or nil when breakers are
// disabled or the tool is unknown.
func (r *Registry) breaker(name string) *robustness.CircuitBreaker {
	if r.breakerThreshold <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return nil
	}
	br, ok := r.breakers[name]
	if !ok {
		br = robustness.NewCircuitBreaker(r.breakerThreshold, r.breakerReset)
		r.breakers[name] = br
	}
	return br
}

func recordBreaker(br *robustness.CircuitBreaker, result ToolResult) {
	if result.Success {
		br.Success()
		return
	}
	switch result.Metadata["reason"] {
	case "validation", "not_found", ErrMsgCancelled:
		br.Release()
	default:
		br.Failure()
	}
}

// BreakerState reports the named tool's breaker state. Tools without a
// breaker report closed.
func (r *Registry) BreakerState(name string) robustness.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if br, ok := r.breakers[name]; ok {
		return br.State()
	}
	return robustness.StateClosed
}

type execOutcome struct {
	result ToolResult
	err    error
	panic  any
}

func (r *Registry) execute(ctx context.Context, name string, args map[string]any, d time.Duration) ToolResult {
	tool, ok := r.Get(name)
	if !ok {
		return NewErrorResult(ErrMsgNotFound).WithMetadata("reason", "not_found")
	}
	if args == nil {
		args = map[string]any{}
	}

	if missing := tool.Schema().MissingArgs(args); len(missing) > 0 {
		return NewErrorResult("missing required arguments: "+strings.Join(missing, ", ")).
			WithMetadata("reason", "validation").
			WithMetadata("error_type", "validation")
	}
	if v, ok := tool.(Validator); ok {
		if err := v.Validate(args); err != nil {
			return failure(err).WithMetadata("reason", "validation")
		}
	}

	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return contextFailure(err)
	}

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- execOutcome{panic: p}
			}
		}()
		res, err := tool.Execute(ctx, args)
		done <- execOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		switch {
		case out.panic != nil:
			logging.Error("tool panicked", "tool", name, "panic", out.panic)
			return NewErrorResult(fmt.Sprint(out.panic)).
				WithMetadata("reason", "panic").
				WithMetadata("error_type", "panic").
				WithMetadata("error_message", fmt.Sprint(out.panic))
		case out.err != nil:
			if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() != nil {
				return contextFailure(ctx.Err())
			}
			return failure(out.err)
		default:
			return out.result.normalize()
		}
	case <-ctx.Done():
		// The tool goroutine is abandoned; it sees the cancelled ctx.
		return contextFailure(ctx.Err())
	}
}

func failure(err error) ToolResult {
	return NewErrorResult(err.Error()).
		WithMetadata("error_type", errorType(err)).
		WithMetadata("error_message", err.Error())
}

func contextFailure(err error) ToolResult {
	msg := ErrMsgCancelled
	if errors.Is(err, context.DeadlineExceeded) {
		msg = ErrMsgTimeout
	}
	return NewErrorResult(msg).
		WithMetadata("reason", msg).
		WithMetadata("error_type", fmt.Sprintf("%T", err)).
		WithMetadata("error_message", err.Error())
}
