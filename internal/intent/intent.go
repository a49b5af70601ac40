// Package intent maps free text to an intent and the execution mode that
// intent requires. Matching is an ordered regular-expression table where the
// first matching rule wins.
package intent

import "duet/internal/types"

// Intent is the classified purpose of an utterance.
type Intent string

const (
	Greeting       Intent = "greeting"
	Acknowledgment Intent = "acknowledgment"
	Thanks         Intent = "thanks"
	Goodbye        Intent = "goodbye"
	SimpleQuery    Intent = "simple_query"
	Clarification  Intent = "clarification"
	Followup       Intent = "followup"
	ProviderSearch Intent = "provider_search"
	Booking        Intent = "booking"
	PhoneCall      Intent = "phone_call"
	Research       Intent = "research"
	Unknown        Intent = "unknown"
)

// Confidence levels reported by the classifier.
const (
	ConfidenceFull    = 0.95 // pattern spans the whole utterance
	ConfidencePartial = 0.8  // pattern matched part of the utterance
	ConfidenceUnknown = 0.2  // nothing matched
)

var modes = map[Intent]types.ExecutionMode{
	Greeting:       types.ModeSync,
	Acknowledgment: types.ModeSync,
	Thanks:         types.ModeSync,
	Goodbye:        types.ModeSync,
	SimpleQuery:    types.ModeSync,
	Clarification:  types.ModeSync,
	Followup:       types.ModeSync,
	Unknown:        types.ModeSync,
	ProviderSearch: types.ModeAsync,
	Booking:        types.ModeAsync,
	PhoneCall:      types.ModeAsync,
	Research:       types.ModeAsync,
}

// Mode returns the execution mode the intent requires.
// Undeclared intents take the sync path.
func (i Intent) Mode() types.ExecutionMode {
	if m, ok := modes[i]; ok {
		return m
	}
	return types.ModeSync
}

// Known reports whether i is a declared intent.
func (i Intent) Known() bool {
	_, ok := modes[i]
	return ok
}

// Result is the outcome of classifying one utterance.
type Result struct {
	Intent     Intent              `json:"intent"`
	Mode       types.ExecutionMode `json:"mode"`
	Confidence float64             `json:"confidence"`
	Entities   map[string]string   `json:"entities,omitempty"`
	// Pattern is the source of the rule that matched, empty for Unknown.
	Pattern string `json:"pattern,omitempty"`
	// Reason is set when classification fell back without matching,
	// e.g. "timeout" or "empty".
	Reason string `json:"reason,omitempty"`
}

func unknownResult(reason string) Result {
	return Result{
		Intent:     Unknown,
		Mode:       Unknown.Mode(),
		Confidence: ConfidenceUnknown,
		Reason:     reason,
	}
}
