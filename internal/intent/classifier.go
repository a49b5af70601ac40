package intent

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// Classifier evaluates a rule table against utterances. It holds no state
// besides the active table, which can be swapped atomically at runtime.
type Classifier struct {
	table atomic.Pointer[Table]
}

// New creates a classifier. A nil table selects the built-in rules.
func New(t *Table) *Classifier {
	if t == nil {
		t = DefaultTable()
	}
	c := &Classifier{}
	c.table.Store(t)
	return c
}

// SetTable replaces the active table. Nil is ignored.
func (c *Classifier) SetTable(t *Table) {
	if t != nil {
		c.table.Store(t)
	}
}

// Table returns the active table.
func (c *Classifier) Table() *Table {
	return c.table.Load()
}

// Classify returns the first matching rule's intent. Identical input always
// yields an identical result for a given table.
func (c *Classifier) Classify(text string) Result {
	text = strings.TrimSpace(text)
	if text == "" {
		return unknownResult("empty")
	}

	rule, loc := c.table.Load().match(text)
	if rule == nil {
		return unknownResult("")
	}

	confidence := ConfidencePartial
	if loc[0] == 0 && loc[1] == len(text) {
		confidence = ConfidenceFull
	}

	return Result{
		Intent:     rule.intent,
		Mode:       rule.intent.Mode(),
		Confidence: confidence,
		Entities:   entities(rule, text, loc),
		Pattern:    rule.source,
	}
}

func entities(rule *compiledRule, text string, loc []int) map[string]string {
	var out map[string]string
	for i, name := range rule.re.SubexpNames() {
		if name == "" || loc[2*i] < 0 {
			continue
		}
		v := strings.TrimSpace(text[loc[2*i]:loc[2*i+1]])
		if v == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[name] = strings.ToLower(v)
	}
	return out
}

// ClassifyContext classifies text unless ctx ends first, in which case it
// falls back to Unknown with Reason "timeout" or "cancelled".
func (c *Classifier) ClassifyContext(ctx context.Context, text string) Result {
	if err := ctx.Err(); err != nil {
		return unknownResult(fallbackReason(err))
	}

	ch := make(chan Result, 1)
	go func() { ch <- c.Classify(text) }()

	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return unknownResult(fallbackReason(ctx.Err()))
	}
}

// ClassifyWithTimeout is ClassifyContext with a fresh deadline.
func (c *Classifier) ClassifyWithTimeout(text string, d time.Duration) Result {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.ClassifyContext(ctx, text)
}

func fallbackReason(err error) string {
	if err == context.DeadlineExceeded {
		return "timeout"
	}
	return "cancelled"
}
