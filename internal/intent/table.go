package intent

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// ErrInvalidTable is returned when a rule table cannot be compiled.
var ErrInvalidTable = errors.New("invalid classification table")

// Rule pairs a pattern with the intent it signals.
type Rule struct {
	Intent  Intent `yaml:"intent" json:"intent"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

type compiledRule struct {
	intent Intent
	source string
	re     *regexp.Regexp
}

// Table is an immutable, compiled rule list.
type Table struct {
	rules []compiledRule
}

// Compile validates and compiles rules. Patterns are case-insensitive.
func Compile(rules []Rule) (*Table, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: no rules", ErrInvalidTable)
	}
	t := &Table{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("%w: rule %d has an empty pattern", ErrInvalidTable, i)
		}
		if !r.Intent.Known() {
			return nil, fmt.Errorf("%w: rule %d has unknown intent %q", ErrInvalidTable, i, r.Intent)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", ErrInvalidTable, i, err)
		}
		t.rules = append(t.rules, compiledRule{intent: r.Intent, source: r.Pattern, re: re})
	}
	return t, nil
}

// Rules returns the table's rules in evaluation order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, r := range t.rules {
		out[i] = Rule{Intent: r.intent, Pattern: r.source}
	}
	return out
}

// Len returns the number of rules.
func (t *Table) Len() int { return len(t.rules) }

// match returns the first rule matching text and its match bounds.
func (t *Table) match(text string) (*compiledRule, []int) {
	for i := range t.rules {
		if loc := t.rules[i].re.FindStringSubmatchIndex(text); loc != nil {
			return &t.rules[i], loc
		}
	}
	return nil, nil
}

var defaultRules = []Rule{
	// Short social turns, anchored so they only win when they are the whole utterance.
	{Greeting, `^\s*(?:hi|hello|hey|howdy|good (?:morning|afternoon|evening))(?:\s+there)?[\s!.,]*$`},
	{Thanks, `^\s*(?:thanks|thank you|thx|much appreciated)(?:\s+(?:so much|a lot|again))?[\s!.,]*$`},
	{Goodbye, `^\s*(?:bye|goodbye|see you(?: later)?|talk (?:to you )?later|that'?s all)[\s!.,]*$`},
	{Acknowledgment, `^\s*(?:ok(?:ay)?|sure|got it|alright|sounds good|great|perfect|yes|yeah|yep|no|nope)[\s!.,]*$`},

	// Work that needs the background loop.
	{PhoneCall, `\b(?:call|dial|ring)\s+(?:up\s+)?(?:the\s+)?(?P<target>[a-z][\w'-]*)`},
	{Booking, `\b(?:book|schedule|reserve)\b(?:\s+(?:me\s+)?(?:an?\s+)?(?P<what>appointment|table|slot|visit|reservation))?`},
	{Booking, `\bmake\s+an?\s+(?P<what>appointment|reservation)\b`},
	{ProviderSearch, `\b(?:find|search(?: for)?|look(?:ing)? for|locate|recommend)\b.*?\b(?P<service>dentist|doctor|plumber|electrician|mechanic|lawyer|therapist|restaurant|salon|vet|clinic|pharmacy|hotel)s?\b`},
	{Research, `\b(?:research|look up|find out|investigate|compare|reviews? (?:of|for))\b`},
	{ProviderSearch, `\b(?:near me|nearby|closest|in my area)\b`},

	// Answerable now.
	{Clarification, `\b(?:what do you mean|i don'?t understand|can you (?:repeat|explain|clarify)|say that again|pardon)\b`},
	{Followup, `^\s*(?:and|also|what about|how about|what else)\b`},
	{SimpleQuery, `^\s*(?:what|who|when|where|why|how|is|are|can|could|do|does)\b`},
	{SimpleQuery, `\?\s*$`},
}

// DefaultRules returns a copy of the built-in rule list.
func DefaultRules() []Rule {
	return append([]Rule(nil), defaultRules...)
}

// DefaultTable returns the compiled built-in table.
func DefaultTable() *Table {
	t, err := Compile(defaultRules)
	if err != nil {
		panic(err)
	}
	return t
}

type tableFile struct {
	Rules []Rule `yaml:"rules"`
}

func readRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidTable, path, err)
	}
	return f.Rules, nil
}

// LoadTable reads and compiles a YAML rule table.
func LoadTable(path string) (*Table, error) {
	rules, err := readRules(path)
	if err != nil {
		return nil, err
	}
	return Compile(rules)
}

// LoadTableGlob concatenates the rules of every file matching pattern,
// in lexical path order, and compiles the result.
func LoadTableGlob(pattern string) (*Table, error) {
	paths, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: bad glob %q: %v", ErrInvalidTable, pattern, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no files match %q", ErrInvalidTable, pattern)
	}
	sort.Strings(paths)

	var rules []Rule
	for _, p := range paths {
		r, err := readRules(p)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r...)
	}
	return Compile(rules)
}
