package tasks

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"duet/internal/logging"
	"duet/internal/metrics"
)

var (
	// ErrDuplicateTask is returned when a task id is already queued.
	ErrDuplicateTask = errors.New("task already exists")
	// ErrUnknownDependency is returned when a dependency id is not queued.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrInvalidTask is returned for tasks missing required fields.
	ErrInvalidTask = errors.New("invalid task")
)

// transitions lists the statuses reachable from each non-terminal status.
var transitions = map[Status][]Status{
	StatusPending:    {StatusReady, StatusFailed, StatusCancelled},
	StatusReady:      {StatusInProgress, StatusDone, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusDone, StatusFailed, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Queue is a priority- and dependency-aware task store, safe for concurrent use.
type Queue struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	dependents map[string][]string // task id -> ids waiting on it
	ready      readyHeap
	seq        uint64

	readyCh chan struct{}
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithMetrics records queued and finished tasks.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// NewQueue creates an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		readyCh:    make(chan struct{}, 1),
		now:        time.Now,
	}
	heap.Init(&q.ready)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Ready returns a channel that receives a value whenever a task may have
// become ready. Signals coalesce; consumers should drain GetReadyTasks.
func (q *Queue) Ready() <-chan struct{} {
	return q.readyCh
}

func (q *Queue) signal() {
	select {
	case q.readyCh <- struct{}{}:
	default:
	}
}

// Add enqueues a task. An empty ID is assigned; an empty status becomes
// Pending. The stored copy is returned.
func (q *Queue) Add(t Task) (Task, error) {
	if t.Type == "" {
		return Task{}, fmt.Errorf("%w: missing type", ErrInvalidTask)
	}
	if t.ID == "" {
		t.ID = "task_" + uuid.NewString()
	}
	if t.Priority == 0 {
		t.Priority = PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[t.ID]; exists {
		return Task{}, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return Task{}, fmt.Errorf("%w: %s depends on itself", ErrInvalidTask, t.ID)
		}
		if _, ok := q.tasks[dep]; !ok {
			return Task{}, fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}

	q.seq++
	stored := t.clone()
	stored.seq = q.seq
	stored.Status = StatusPending
	stored.Result = nil
	stored.Error = ""
	stored.CreatedAt = q.now()
	stored.StartedAt = time.Time{}
	stored.CompletedAt = time.Time{}
	task := &stored
	q.tasks[task.ID] = task
	for _, dep := range task.Dependencies {
		q.dependents[dep] = append(q.dependents[dep], task.ID)
	}
	q.metrics.TaskQueued(string(task.Type))

	if failed := q.failedDependency(task); failed != "" {
		q.finish(task, StatusCancelled, nil, "dependency "+failed+" did not complete")
	} else {
		q.promote(task)
	}

	logging.Debug("task queued", "task_id", task.ID, "action_id", task.ActionID, "type", task.Type, "status", task.Status)
	return task.clone(), nil
}

// Get returns a copy of the task.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Len returns the number of stored tasks.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tasks)
}

// GetReadyTasks returns tasks whose dependencies are all done, highest
// priority first, then in creation order.
func (q *Queue) GetReadyTasks() []Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ready := make([]*Task, len(q.ready))
	copy(ready, q.ready)
	sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })

	out := make([]Task, len(ready))
	for i, t := range ready {
		out[i] = t.clone()
	}
	return out
}

// GetTasksByStatus returns tasks in the given status in creation order.
func (q *Queue) GetTasksByStatus(status Status) []Task {
	return q.collect(func(t *Task) bool { return t.Status == status })
}

// TasksForAction returns the action's tasks in creation order.
func (q *Queue) TasksForAction(actionID string) []Task {
	return q.collect(func(t *Task) bool { return t.ActionID == actionID })
}

func (q *Queue) collect(match func(*Task) bool) []Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var found []*Task
	for _, t := range q.tasks {
		if match(t) {
			found = append(found, t)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	out := make([]Task, len(found))
	for i, t := range found {
		out[i] = t.clone()
	}
	return out
}

// UpdateStatus moves a task to status. It returns false, changing nothing,
// for unknown ids, terminal tasks, repeated statuses, disallowed transitions,
// and Ready while dependencies are outstanding.
func (q *Queue) UpdateStatus(id string, status Status) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || !canTransition(t.Status, status) {
		return false
	}
	switch {
	case status == StatusReady:
		return q.promote(t)
	case status == StatusInProgress:
		q.start(t)
	case status.Terminal():
		q.finish(t, status, nil, "")
	}
	return true
}

// Claim atomically moves a ready task to in progress.
func (q *Queue) Claim(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || t.Status != StatusReady {
		return Task{}, false
	}
	q.start(t)
	return t.clone(), true
}

// ClaimNext claims the highest-priority ready task.
func (q *Queue) ClaimNext() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ready.Len() == 0 {
		return Task{}, false
	}
	t := q.ready[0]
	q.start(t)
	return t.clone(), true
}

// Complete marks a ready or in-progress task done with result.
func (q *Queue) Complete(id string, result any) bool {
	return q.settle(id, StatusDone, result, "")
}

// Fail marks a task failed with msg. Its dependents are cancelled.
func (q *Queue) Fail(id, msg string) bool {
	return q.settle(id, StatusFailed, nil, msg)
}

// Cancel marks a task cancelled. Its dependents are cancelled.
func (q *Queue) Cancel(id, reason string) bool {
	return q.settle(id, StatusCancelled, nil, reason)
}

func (q *Queue) settle(id string, status Status, result any, msg string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || !canTransition(t.Status, status) {
		return false
	}
	q.finish(t, status, result, msg)
	return true
}

// CancelAction cancels every unfinished task of an action and returns their ids.
func (q *Queue) CancelAction(actionID, reason string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var victims []*Task
	for _, t := range q.tasks {
		if t.ActionID == actionID && !t.Status.Terminal() {
			victims = append(victims, t)
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].seq < victims[j].seq })

	var ids []string
	for _, t := range victims {
		// an earlier victim's cascade may already have cancelled this one
		if t.Status.Terminal() {
			continue
		}
		q.finish(t, StatusCancelled, nil, reason)
		ids = append(ids, t.ID)
	}
	return ids
}

// TimedOut returns in-progress tasks that have exceeded their timeout.
func (q *Queue) TimedOut(now time.Time) []Task {
	return q.collect(func(t *Task) bool { return t.TimedOut(now) })
}

// Cleanup removes terminal tasks completed more than maxAge ago and
// returns how many were removed.
func (q *Queue) Cleanup(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge)
	removed := 0
	for id, t := range q.tasks {
		if !t.Status.Terminal() || t.CompletedAt.After(cutoff) {
			continue
		}
		delete(q.tasks, id)
		delete(q.dependents, id)
		removed++
	}
	if removed > 0 {
		logging.Debug("task queue cleanup", "removed", removed, "remaining", len(q.tasks))
	}
	return removed
}

// Stats returns counts by status.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	s := Stats{Total: len(q.tasks), ByStatus: make(map[Status]int), Ready: q.ready.Len()}
	for _, t := range q.tasks {
		s.ByStatus[t.Status]++
	}
	return s
}

// promote moves a pending task to Ready when all dependencies are done.
// Caller holds q.mu.
func (q *Queue) promote(t *Task) bool {
	if t.Status != StatusPending {
		return false
	}
	for _, dep := range t.Dependencies {
		if d, ok := q.tasks[dep]; ok && d.Status != StatusDone {
			return false
		}
	}
	t.Status = StatusReady
	heap.Push(&q.ready, t)
	q.signal()
	return true
}

func (q *Queue) failedDependency(t *Task) string {
	for _, dep := range t.Dependencies {
		if d, ok := q.tasks[dep]; ok && (d.Status == StatusFailed || d.Status == StatusCancelled) {
			return dep
		}
	}
	return ""
}

// start marks a task in progress. Caller holds q.mu.
func (q *Queue) start(t *Task) {
	q.ready.remove(t)
	t.Status = StatusInProgress
	t.StartedAt = q.now()
}

// finish moves a task to a terminal status and resolves its dependents.
// Caller holds q.mu.
func (q *Queue) finish(t *Task, status Status, result any, msg string) {
	q.ready.remove(t)
	t.Status = status
	t.CompletedAt = q.now()
	if status == StatusDone {
		t.Result = result
	} else {
		t.Error = msg
	}
	q.metrics.TaskFinished(string(t.Type), string(status))
	logging.Debug("task finished", "task_id", t.ID, "action_id", t.ActionID, "status", status)

	for _, id := range q.dependents[t.ID] {
		dep, ok := q.tasks[id]
		if !ok || dep.Status.Terminal() {
			continue
		}
		if status == StatusDone {
			q.promote(dep)
		} else {
			q.finish(dep, StatusCancelled, nil, "dependency "+t.ID+" did not complete")
		}
	}
}
