package tools

import (
	"context"
	"fmt"
)

// Tool is a stateless, named capability. Implementations must be safe to
// execute concurrently: per-call state belongs in args, shared state in
// collaborators injected at construction.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Schema describes the tool's parameters for function calling.
	Schema() Schema

	// Execute runs the tool with the given arguments.
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
}

// Validator is implemented by tools that check arguments beyond the schema's
// required list before execution.
type Validator interface {
	Validate(args map[string]any) error
}

// ToolResult is the uniform outcome of a tool invocation. On success Data
// carries the payload; on failure Error does.
type ToolResult struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewSuccessResult creates a successful tool result.
func NewSuccessResult(data any) ToolResult {
	return ToolResult{
		Data:    data,
		Success: true,
	}
}

// NewErrorResult creates a failed tool result.
func NewErrorResult(errMsg string) ToolResult {
	return ToolResult{
		Error:   errMsg,
		Success: false,
	}
}

// WithMetadata returns a copy of r with key set in its metadata.
func (r ToolResult) WithMetadata(key string, value any) ToolResult {
	md := make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		md[k] = v
	}
	md[key] = value
	r.Metadata = md
	return r
}

// ToMap converts the result to a plain map, e.g. for an LLM function response.
func (r ToolResult) ToMap() map[string]any {
	m := map[string]any{"success": r.Success}
	if r.Success {
		m["data"] = r.Data
	} else {
		m["error"] = r.Error
	}
	if len(r.Metadata) > 0 {
		m["metadata"] = r.Metadata
	}
	return m
}

// normalize keeps exactly one of Data and Error as the primary payload.
func (r ToolResult) normalize() ToolResult {
	if r.Success {
		r.Error = ""
		return r
	}
	r.Data = nil
	if r.Error == "" {
		r.Error = "tool failed"
	}
	return r
}

// ValidationError represents an argument validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}

// Func adapts a plain function into a Tool.
type Func struct {
	schema Schema
	fn     func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunc creates a Tool from a schema and a function. The function's return
// value becomes the result's Data, unless it is itself a ToolResult.
func NewFunc(schema Schema, fn func(ctx context.Context, args map[string]any) (any, error)) *Func {
	return &Func{schema: schema, fn: fn}
}

func (f *Func) Name() string        { return f.schema.Name }
func (f *Func) Description() string { return f.schema.Description }
func (f *Func) Schema() Schema      { return f.schema }

func (f *Func) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	data, err := f.fn(ctx, args)
	if err != nil {
		return ToolResult{}, err
	}
	if r, ok := data.(ToolResult); ok {
		return r, nil
	}
	return NewSuccessResult(data), nil
}

// GetString extracts a string argument from the args map.
func GetString(args map[string]any, key string) (string, bool) {
	val, ok := args[key]
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetStringDefault extracts a string argument with a default value.
func GetStringDefault(args map[string]any, key, defaultVal string) string {
	if val, ok := GetString(args, key); ok {
		return val
	}
	return defaultVal
}

// GetInt extracts an integer argument from the args map.
func GetInt(args map[string]any, key string) (int, bool) {
	val, ok := args[key]
	if !ok {
		return 0, false
	}
	// JSON and LLM function calls deliver numbers as float64
	switch v := val.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// GetIntDefault extracts an integer argument with a default value.
func GetIntDefault(args map[string]any, key string, defaultVal int) int {
	if val, ok := GetInt(args, key); ok {
		return val
	}
	return defaultVal
}

// GetBool extracts a boolean argument from the args map.
func GetBool(args map[string]any, key string) (bool, bool) {
	val, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// GetStringSlice extracts a list of strings, accepting []string or []any.
func GetStringSlice(args map[string]any, key string) ([]string, bool) {
	switch v := args[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func errorType(err error) string {
	if _, ok := err.(ValidationError); ok {
		return "validation"
	}
	return fmt.Sprintf("%T", err)
}
