// Package conversation holds per-thread conversational state shared by the
// communication and processing loops.
package conversation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"duet/internal/actions"
	"duet/internal/cache"
	"duet/internal/logging"
)

const (
	defaultHistoryTurns = 5
	defaultCacheSize    = 128
	defaultCacheTTL     = 5 * time.Minute
)

// ActionReader is the read side of the action store used for prompt context.
type ActionReader interface {
	PendingActions(threadID string) []actions.Action
}

// Option configures an Aggregator.
type Option func(*settings)

type settings struct {
	historyTurns int
	cacheSize    int
	cacheTTL     time.Duration
	actions      ActionReader
	now          func() time.Time
}

func defaultSettings() settings {
	return settings{
		historyTurns: defaultHistoryTurns,
		cacheSize:    defaultCacheSize,
		cacheTTL:     defaultCacheTTL,
		now:          time.Now,
	}
}

// WithHistory sets the size of the recent-turn window.
func WithHistory(turns int) Option {
	return func(s *settings) {
		if turns > 0 {
			s.historyTurns = turns
		}
	}
}

// WithToolCache sizes the tool-result cache.
func WithToolCache(size int, ttl time.Duration) Option {
	return func(s *settings) {
		if size > 0 {
			s.cacheSize = size
		}
		s.cacheTTL = ttl
	}
}

// WithActions lets PromptContext list the thread's pending actions.
func WithActions(r ActionReader) Option {
	return func(s *settings) { s.actions = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// Aggregator is the single source of truth for one thread's conversation
// state. It is safe for concurrent use.
type Aggregator struct {
	threadID string
	cfg      settings
	results  *cache.LRU[string, any]

	mu         sync.RWMutex
	createdAt  time.Time
	lastActive time.Time
	turns     []Turn
	seq       uint64
	phase     Phase

	topics    []Topic
	delivered map[string]bool

	userInfo map[string]any

	flow      map[string]Node
	flowOrder []string
	current   string
	completed []string

	waitingTask   string
	waitingFiller string
}

// NewAggregator creates the state for threadID.
func NewAggregator(threadID string, opts ...Option) *Aggregator {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newAggregator(threadID, cfg)
}

func newAggregator(threadID string, cfg settings) *Aggregator {
	a := &Aggregator{
		threadID:  threadID,
		cfg:       cfg,
		results:   cache.NewLRU[string, any](cfg.cacheSize, cfg.cacheTTL, cache.WithClock(cfg.now)),
		createdAt: cfg.now(),
		phase:     PhaseGreeting,
		delivered: make(map[string]bool),
		userInfo:  make(map[string]any),
		flow:      make(map[string]Node),
	}
	a.lastActive = a.createdAt
	return a
}

// ThreadID returns the thread this aggregator tracks.
func (a *Aggregator) ThreadID() string { return a.threadID }

// RecordTurn appends a turn to the sliding history window. The turn is
// stamped with the next sequence number, the thread id, the current phase
// when unset and the current time when zero. The stored turn is returned.
func (a *Aggregator) RecordTurn(t Turn) Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	t.Seq = a.seq
	t.ThreadID = a.threadID
	if t.Phase == "" {
		t.Phase = a.phase
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = a.cfg.now()
	}
	if t.Speaker == "" {
		t.Speaker = SpeakerUser
	}

	a.turns = append(a.turns, t)
	a.lastActive = a.cfg.now()
	if excess := len(a.turns) - a.cfg.historyTurns; excess > 0 {
		a.turns = append([]Turn(nil), a.turns[excess:]...)
	}
	return t
}

// LastActive returns when the last turn was recorded, or the creation time.
func (a *Aggregator) LastActive() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastActive
}

// RecentTurns returns up to n of the most recent turns, oldest first. n <= 0
// returns the whole window.
func (a *Aggregator) RecentTurns(n int) []Turn {
	a.mu.RLock()
	defer a.mu.RUnlock()

	start := 0
	if n > 0 && n < len(a.turns) {
		start = len(a.turns) - n
	}
	return append([]Turn(nil), a.turns[start:]...)
}

// TurnsForAction returns the windowed turns tied to actionID.
func (a *Aggregator) TurnsForAction(actionID string) []Turn {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Turn
	for _, t := range a.turns {
		if t.ActionID == actionID {
			out = append(out, t)
		}
	}
	return out
}

// SetTopics replaces the topic list, ordered by Order then position.
// Topics delivered earlier in the run stay delivered.
func (a *Aggregator) SetTopics(topics []Topic) {
	sorted := append([]Topic(nil), topics...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range sorted {
		if sorted[i].Delivered {
			a.delivered[sorted[i].ID] = true
		}
		sorted[i].Delivered = false
	}
	a.topics = sorted
}

// GetTopics returns the topics with their delivered flags.
func (a *Aggregator) GetTopics() []Topic {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Topic, len(a.topics))
	for i, t := range a.topics {
		t.Delivered = a.delivered[t.ID]
		out[i] = t
	}
	return out
}

// MarkBlockDelivered marks a topic delivered. Delivery cannot be undone. It
// reports whether the topic exists.
func (a *Aggregator) MarkBlockDelivered(topicID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, t := range a.topics {
		if t.ID == topicID {
			a.delivered[topicID] = true
			return true
		}
	}
	logging.Debug("delivery mark for unknown topic", "thread_id", a.threadID, "topic_id", topicID)
	return false
}

// NextTopic returns the first undelivered topic.
func (a *Aggregator) NextTopic() (Topic, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, t := range a.topics {
		if !a.delivered[t.ID] {
			return t, true
		}
	}
	return Topic{}, false
}

// GetDeliveryProgress counts delivered topics.
func (a *Aggregator) GetDeliveryProgress() DeliveryProgress {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.progressLocked()
}

func (a *Aggregator) progressLocked() DeliveryProgress {
	p := DeliveryProgress{Total: len(a.topics)}
	for _, t := range a.topics {
		if a.delivered[t.ID] {
			p.Delivered++
		}
	}
	p.Remaining = p.Total - p.Delivered
	return p
}

// RecordUserInfoItem stores a fact about the user. Later writes to the same
// key overwrite earlier ones.
func (a *Aggregator) RecordUserInfoItem(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userInfo[key] = value
}

// UserInfo returns one recorded fact.
func (a *Aggregator) UserInfo(key string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.userInfo[key]
	return v, ok
}

// UserInfoSnapshot returns a copy of every recorded fact.
func (a *Aggregator) UserInfoSnapshot() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]any, len(a.userInfo))
	for k, v := range a.userInfo {
		out[k] = v
	}
	return out
}

// CheckRequiredFields reports, for each field, whether it has been recorded.
func (a *Aggregator) CheckRequiredFields(required []string) map[string]bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]bool, len(required))
	for _, f := range required {
		_, out[f] = a.userInfo[f]
	}
	return out
}

// Phase returns the current phase.
func (a *Aggregator) Phase() Phase {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.phase
}

// AdvancePhase moves to p if p is later than the current phase. It reports
// whether the phase changed.
func (a *Aggregator) AdvancePhase(p Phase) bool {
	if !p.Valid() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.phase.Before(p) {
		return false
	}
	logging.Debug("conversation phase advanced", "thread_id", a.threadID, "from", string(a.phase), "to", string(p))
	a.phase = p
	return true
}

// SetFlow installs a scripted flow. Every node starts pending.
func (a *Aggregator) SetFlow(nodes []Node) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.flow = make(map[string]Node, len(nodes))
	a.flowOrder = a.flowOrder[:0]
	for _, n := range nodes {
		a.flow[n.ID] = n
		a.flowOrder = append(a.flowOrder, n.ID)
	}
	a.current = ""
	a.completed = nil
}

// AdvanceToNode completes the current node and moves to nodeID, which must
// belong to the flow.
func (a *Aggregator) AdvanceToNode(nodeID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.flow[nodeID]; !ok {
		return false
	}
	if a.current != "" {
		a.completeLocked(a.current)
	}
	a.current = nodeID
	return true
}

// MarkNodeComplete completes a node without moving.
func (a *Aggregator) MarkNodeComplete(nodeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.flow[nodeID]; ok {
		a.completeLocked(nodeID)
	}
}

func (a *Aggregator) completeLocked(nodeID string) {
	for _, id := range a.completed {
		if id == nodeID {
			return
		}
	}
	a.completed = append(a.completed, nodeID)
}

// CurrentNode returns the node the flow is on.
func (a *Aggregator) CurrentNode() (Node, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.current == "" {
		return Node{}, false
	}
	n, ok := a.flow[a.current]
	return n, ok
}

// CompletedNodes returns completed node ids in completion order.
func (a *Aggregator) CompletedNodes() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.completed...)
}

// PendingNodes returns flow nodes neither completed nor current, in flow order.
func (a *Aggregator) PendingNodes() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pendingLocked()
}

func (a *Aggregator) pendingLocked() []string {
	done := make(map[string]bool, len(a.completed))
	for _, id := range a.completed {
		done[id] = true
	}
	var out []string
	for _, id := range a.flowOrder {
		if !done[id] && id != a.current {
			out = append(out, id)
		}
	}
	return out
}

// CacheToolResult memoizes a tool result for the configured TTL.
func (a *Aggregator) CacheToolResult(tool string, args map[string]any, result any) {
	a.results.Set(cache.ToolKey(tool, args), result)
}

// CachedResult returns a memoized tool result that has not expired.
func (a *Aggregator) CachedResult(tool string, args map[string]any) (any, bool) {
	return a.results.Get(cache.ToolKey(tool, args))
}

// CleanupCache drops expired tool results.
func (a *Aggregator) CleanupCache() int {
	return a.results.Cleanup()
}

// SetWaitingForTask records that the communication side is holding the user
// on a background task, and what it said meanwhile.
func (a *Aggregator) SetWaitingForTask(taskID, filler string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.waitingTask = taskID
	a.waitingFiller = filler
}

// ClearWaitingTask clears the waiting marker.
func (a *Aggregator) ClearWaitingTask() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.waitingTask = ""
	a.waitingFiller = ""
}

// WaitingForTask returns the task being waited on and its filler message.
func (a *Aggregator) WaitingForTask() (taskID, filler string, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.waitingTask, a.waitingFiller, a.waitingTask != ""
}

// PromptContext renders the state injected into the responder's prompt:
// phase, topic checklist, user info, pending actions and recent turns.
func (a *Aggregator) PromptContext() string {
	a.mu.RLock()
	var b strings.Builder

	fmt.Fprintf(&b, "[PHASE] %s\n", a.phase)

	if len(a.topics) > 0 {
		b.WriteString("\n[CHECKLIST]\n")
		for _, t := range a.topics {
			marker := "[ ]"
			if a.delivered[t.ID] {
				marker = "[✓]"
			}
			fmt.Fprintf(&b, "%s %s\n", marker, t.ID)
		}
	}

	if len(a.userInfo) > 0 {
		b.WriteString("\n[USER INFO]\n")
		keys := make([]string, 0, len(a.userInfo))
		for k := range a.userInfo {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %v\n", k, a.userInfo[k])
		}
	}

	if a.waitingTask != "" {
		fmt.Fprintf(&b, "\n[WAITING] %s\n", a.waitingTask)
	}

	turns := append([]Turn(nil), a.turns...)
	a.mu.RUnlock()

	// read actions outside our lock; the store has its own
	if a.cfg.actions != nil {
		if pending := a.cfg.actions.PendingActions(a.threadID); len(pending) > 0 {
			b.WriteString("\n[PENDING ACTIONS]\n")
			for _, act := range pending {
				fmt.Fprintf(&b, "- %s (%s) %s", act.ID, act.Status, act.Input)
				if act.Progress > 0 {
					fmt.Fprintf(&b, " %.0f%%", act.Progress*100)
				}
				b.WriteString("\n")
			}
		}
	}

	if len(turns) > 0 {
		b.WriteString("\n[RECENT]\n")
		for _, t := range turns {
			fmt.Fprintf(&b, "%s: %s\n", t.Speaker, t.Content)
		}
	}
	return b.String()
}

// Stats returns a monitoring snapshot.
func (a *Aggregator) Stats() Stats {
	cached := a.results.Len()

	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{
		ThreadID:       a.threadID,
		Phase:          a.phase,
		TurnsRecorded:  a.seq,
		TurnsInWindow:  len(a.turns),
		CompletedNodes: len(a.completed),
		PendingNodes:   len(a.pendingLocked()),
		UserInfoItems:  len(a.userInfo),
		Delivery:       a.progressLocked(),
		CachedResults:  cached,
		WaitingForTask: a.waitingTask != "",
		Uptime:         a.cfg.now().Sub(a.createdAt),
	}
}
