// Package types holds small value types shared by the intent, action and
// coordinator packages.
package types

import "fmt"

// ExecutionMode says whether an intent is answered inline or in the background.
type ExecutionMode string

const (
	ModeUnset ExecutionMode = ""
	ModeSync  ExecutionMode = "sync"
	ModeAsync ExecutionMode = "async"
)

func (m ExecutionMode) String() string {
	if m == ModeUnset {
		return "unset"
	}
	return string(m)
}

// ParseMode parses "sync", "async" or "" (unset).
func ParseMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(s) {
	case ModeUnset, ModeSync, ModeAsync:
		return ExecutionMode(s), nil
	}
	return ModeUnset, fmt.Errorf("unknown execution mode %q", s)
}
