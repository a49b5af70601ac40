package conversation

import (
	"sort"
	"sync"
	"time"
)

// Manager maps thread ids to aggregators, creating them on first use.
type Manager struct {
	cfg settings

	mu      sync.RWMutex
	threads map[string]*Aggregator
}

// NewManager creates a manager; opts apply to every aggregator it creates.
func NewManager(opts ...Option) *Manager {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{cfg: cfg, threads: make(map[string]*Aggregator)}
}

// Get returns the thread's aggregator, creating it if needed.
func (m *Manager) Get(threadID string) *Aggregator {
	m.mu.RLock()
	agg, ok := m.threads[threadID]
	m.mu.RUnlock()
	if ok {
		return agg
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if agg, ok := m.threads[threadID]; ok {
		return agg
	}
	agg = newAggregator(threadID, m.cfg)
	m.threads[threadID] = agg
	return agg
}

// Lookup returns the thread's aggregator without creating one.
func (m *Manager) Lookup(threadID string) (*Aggregator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agg, ok := m.threads[threadID]
	return agg, ok
}

// Remove forgets a thread.
func (m *Manager) Remove(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
}

// Threads returns the known thread ids, sorted.
func (m *Manager) Threads() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.threads))
	for id := range m.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EvictIdle forgets threads with no turn for longer than maxIdle. Threads
// waiting on a task, or for which busy reports true, are kept. The evicted
// ids are returned sorted. A non-positive maxIdle evicts nothing.
func (m *Manager) EvictIdle(maxIdle time.Duration, busy func(threadID string) bool) []string {
	if maxIdle <= 0 {
		return nil
	}
	cutoff := m.cfg.now().Add(-maxIdle)

	m.mu.RLock()
	var idle []string
	for id, agg := range m.threads {
		if isIdle(agg, cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	var evicted []string
	for _, id := range idle {
		if busy != nil && busy(id) {
			continue
		}
		m.mu.Lock()
		if agg, ok := m.threads[id]; ok && isIdle(agg, cutoff) {
			delete(m.threads, id)
			evicted = append(evicted, id)
		}
		m.mu.Unlock()
	}
	sort.Strings(evicted)
	return evicted
}

func isIdle(agg *Aggregator, cutoff time.Time) bool {
	_, _, waiting := agg.WaitingForTask()
	return !waiting && agg.LastActive().Before(cutoff)
}

// CleanupCaches drops expired tool results across all threads.
func (m *Manager) CleanupCaches() int {
	m.mu.RLock()
	aggs := make([]*Aggregator, 0, len(m.threads))
	for _, agg := range m.threads {
		aggs = append(aggs, agg)
	}
	m.mu.RUnlock()

	removed := 0
	for _, agg := range aggs {
		removed += agg.CleanupCache()
	}
	return removed
}
