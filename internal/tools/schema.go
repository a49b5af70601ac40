package tools

import (
	"fmt"
	"sort"

	"google.golang.org/genai"
)

// Property describes one tool parameter.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// Parameters is the JSON-schema object describing a tool's arguments.
type Parameters struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
}

// Schema is the function-calling description of a tool:
// {name, description, parameters: {type: "object", properties, required}}.
type Schema struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  Parameters `json:"parameters"`
}

// ObjectSchema builds a schema whose parameters are an object.
func ObjectSchema(name, description string, props map[string]Property, required ...string) Schema {
	if props == nil {
		props = map[string]Property{}
	}
	if required == nil {
		required = []string{}
	}
	return Schema{
		Name:        name,
		Description: description,
		Parameters: Parameters{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
	}
}

var propertyTypes = map[string]genai.Type{
	"string":  genai.TypeString,
	"number":  genai.TypeNumber,
	"integer": genai.TypeInteger,
	"boolean": genai.TypeBoolean,
	"array":   genai.TypeArray,
	"object":  genai.TypeObject,
}

// Validate checks the schema is usable for function calling.
func (s Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTool)
	}
	if s.Parameters.Type != "object" {
		return fmt.Errorf("%w: %s parameters must be of type object, got %q", ErrInvalidTool, s.Name, s.Parameters.Type)
	}
	for name, p := range s.Parameters.Properties {
		if _, ok := propertyTypes[p.Type]; !ok {
			return fmt.Errorf("%w: %s.%s has unsupported type %q", ErrInvalidTool, s.Name, name, p.Type)
		}
	}
	for _, r := range s.Parameters.Required {
		if _, ok := s.Parameters.Properties[r]; !ok {
			return fmt.Errorf("%w: %s requires undeclared parameter %q", ErrInvalidTool, s.Name, r)
		}
	}
	return nil
}

// MissingArgs returns the required parameters absent from args, sorted.
func (s Schema) MissingArgs(args map[string]any) []string {
	var missing []string
	for _, r := range s.Parameters.Required {
		if v, ok := args[r]; !ok || v == nil {
			missing = append(missing, r)
		}
	}
	sort.Strings(missing)
	return missing
}

// Declaration converts the schema to a Gemini function declaration.
func (s Schema) Declaration() *genai.FunctionDeclaration {
	props := make(map[string]*genai.Schema, len(s.Parameters.Properties))
	for name, p := range s.Parameters.Properties {
		props[name] = p.genai()
	}
	return &genai.FunctionDeclaration{
		Name:        s.Name,
		Description: s.Description,
		Parameters: &genai.Schema{
			Type:       genai.TypeObject,
			Properties: props,
			Required:   append([]string(nil), s.Parameters.Required...),
		},
	}
}

func (p Property) genai() *genai.Schema {
	out := &genai.Schema{
		Type:        propertyTypes[p.Type],
		Description: p.Description,
		Enum:        append([]string(nil), p.Enum...),
	}
	if p.Items != nil {
		out.Items = p.Items.genai()
	}
	return out
}
