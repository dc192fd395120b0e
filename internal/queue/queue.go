// Package queue holds the scheduler's shared state: a priority-ordered set of
// active task groups, per-group concurrency accounting, and the snapshot /
// history persistence hooks.
//
// All mutations of the live task tree happen under the queue mutex, including
// the JSON marshalling done by persistence, so workers and callers only ever
// see cloned data.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ocrsched/internal/eventbus"
	"ocrsched/internal/storage"
	"ocrsched/internal/task"
	logx "ocrsched/pkg/logx"
)

var (
	ErrNotFound = errors.New("group not found")
	ErrTerminal = errors.New("group already terminal")

	// ErrPausedOnFailure means resume cannot lift a failure pause; the
	// operator must decide between retry-failed and skip-failed.
	ErrPausedOnFailure = errors.New("group paused on failure; retry or skip failed tasks")
)

// historyKeep bounds the in-memory history ring used when persistence is
// disabled or unavailable.
const historyKeep = 256

type entry struct {
	g     *task.Group
	seq   uint64
	index int
}

// prioHeap orders root groups by priority desc, then submission order.
type prioHeap []*entry

func (h prioHeap) Len() int { return len(h) }
func (h prioHeap) Less(i, j int) bool {
	if h[i].g.Priority != h[j].g.Priority {
		return h[i].g.Priority > h[j].g.Priority
	}
	return h[i].seq < h[j].seq
}
func (h prioHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *prioHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *prioHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// taskRef indexes one leaf: its live pointer, its root entry, and the chain
// of groups containing it (root first). The chain drives max_concurrency
// accounting and status refresh.
type taskRef struct {
	root  *entry
	t     *task.Task
	chain []*task.Group
}

// Queue is safe for concurrent use.
type Queue struct {
	log   logx.Logger
	store storage.Store
	bus   eventbus.Bus

	mu      sync.Mutex
	heap    prioHeap
	byID    map[string]*entry  // root group id -> entry
	tasks   map[string]*taskRef // leaf task id -> ref
	running map[string]int      // group id -> running descendant leaves
	seq     uint64

	recent []*task.Group // newest-first terminal roots, in-memory fallback
}

// New builds an empty queue. store may be nil (in-memory only); bus must not.
func New(store storage.Store, bus eventbus.Bus, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		log:     log.With(logx.String("comp", "queue")),
		store:   store,
		bus:     bus,
		byID:    map[string]*entry{},
		tasks:   map[string]*taskRef{},
		running: map[string]int{},
	}
}

// Restore loads the last snapshot and resets interrupted work: every leaf
// that was Running when the process died goes back to Pending with zero
// progress. A broken snapshot logs and leaves the queue empty.
func (q *Queue) Restore(ctx context.Context) {
	if q.store == nil {
		return
	}
	groups, err := q.store.LoadSnapshot(ctx)
	if err != nil {
		q.log.Warn("snapshot load failed, starting empty", logx.Err(err))
		return
	}
	if len(groups) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	restored := 0
	for _, g := range groups {
		if g == nil || g.ID == "" {
			continue
		}
		if _, dup := q.byID[g.ID]; dup {
			continue
		}
		for _, t := range g.Tasks() {
			if t.Status == task.StatusRunning {
				t.Status = task.StatusPending
				t.Progress = 0
				t.StartedAt = nil
			}
		}
		for _, sub := range g.Groups(true) {
			sub.RefreshStatus()
		}
		if g.IsTerminal() {
			// Terminal roots have no business in a snapshot; shunt them
			// to history instead of re-activating them.
			q.rememberLocked(g)
			continue
		}
		e := &entry{g: g, seq: q.nextSeq()}
		heap.Push(&q.heap, e)
		q.byID[g.ID] = e
		q.indexLocked(e)
		restored++
	}
	q.log.Info("queue restored", logx.Int("groups", restored))
}

// Enqueue validates and activates a group tree. The group and every task in
// it must be freshly built; statuses are forced to Pending.
func (q *Queue) Enqueue(ctx context.Context, g *task.Group) error {
	if g == nil {
		return fmt.Errorf("%w: nil group", task.ErrInvalidTaskStructure)
	}
	if err := g.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	if _, dup := q.byID[g.ID]; dup {
		q.mu.Unlock()
		return fmt.Errorf("%w: duplicate group id %q", task.ErrInvalidTaskStructure, g.ID)
	}
	for _, t := range g.Tasks() {
		t.Status = task.StatusPending
	}
	for _, sub := range g.Groups(true) {
		sub.Status = task.StatusPending
	}
	e := &entry{g: g, seq: q.nextSeq()}
	heap.Push(&q.heap, e)
	q.byID[g.ID] = e
	q.indexLocked(e)
	q.persistLocked(ctx)

	leaves := g.Tasks()
	events := make([]eventbus.Event, 0, len(leaves))
	for _, t := range leaves {
		events = append(events, eventbus.Event{Type: eventbus.TaskSubmitted, Data: q.taskEventLocked(t, false)})
	}
	q.mu.Unlock()

	for _, ev := range events {
		q.bus.Publish(ev)
	}
	q.bus.Publish(eventbus.Event{Type: eventbus.QueueChanged})
	return nil
}

// Dequeue claims the next runnable leaf and marks it Running atomically, so
// two workers can never claim the same task. It returns a clone.
//
// Order: root priority desc, then submission order, then depth-first
// insertion order within the tree. Paused groups and groups at their
// max_concurrency cap are skipped but stay queued.
func (q *Queue) Dequeue(ctx context.Context) (*task.Task, bool) {
	q.mu.Lock()

	var popped []*entry
	var chosen *task.Task
	for q.heap.Len() > 0 {
		e := heap.Pop(&q.heap).(*entry)
		popped = append(popped, e)
		if t := q.pickLocked(e.g); t != nil {
			chosen = t
			break
		}
	}
	for _, e := range popped {
		heap.Push(&q.heap, e)
	}
	if chosen == nil {
		q.mu.Unlock()
		return nil, false
	}

	ref := q.tasks[chosen.ID]
	chosen.Error = ""
	if err := chosen.TransitionTo(task.StatusRunning); err != nil {
		q.mu.Unlock()
		q.log.Error("dequeue transition", logx.Err(err), logx.String("task", chosen.ID))
		return nil, false
	}
	for _, g := range ref.chain {
		q.running[g.ID]++
	}
	changed := q.refreshChainLocked(ref)
	q.persistLocked(ctx)
	ev := eventbus.Event{Type: eventbus.TaskStarted, Data: q.taskEventLocked(chosen, false)}
	out := chosen.Clone()
	q.mu.Unlock()

	q.bus.Publish(ev)
	q.publishGroupChanges(changed)
	return out, true
}

// pickLocked finds the first eligible pending leaf under g, honoring pause
// state and max_concurrency caps on every level of the chain.
func (q *Queue) pickLocked(g *task.Group) *task.Task {
	if g.Status == task.StatusPaused || g.IsTerminal() {
		return nil
	}
	if g.MaxConcurrency > 0 && q.running[g.ID] >= g.MaxConcurrency {
		return nil
	}
	for _, c := range g.Children {
		switch {
		case c.Task != nil:
			if c.Task.Status == task.StatusPending {
				return c.Task
			}
		case c.Group != nil:
			if t := q.pickLocked(c.Group); t != nil {
				return t
			}
		}
	}
	return nil
}

// UpdateProgress records fractional completion for a running leaf. Progress
// is monotonic per attempt; regressions are dropped.
func (q *Queue) UpdateProgress(taskID string, p float64) {
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}

	q.mu.Lock()
	ref, ok := q.tasks[taskID]
	if !ok || ref.t.Status != task.StatusRunning || p <= ref.t.Progress {
		q.mu.Unlock()
		return
	}
	ref.t.Progress = p
	tev := eventbus.Event{Type: eventbus.TaskProgress, Data: q.taskEventLocked(ref.t, false)}
	gev := eventbus.Event{Type: eventbus.GroupProgress, Data: q.groupEventLocked(ref.root.g, ref.root.g.ID, "")}
	q.mu.Unlock()

	q.bus.Publish(tev)
	q.bus.Publish(gev)
}

// MarkCompleted finishes a running leaf successfully.
func (q *Queue) MarkCompleted(ctx context.Context, taskID string, result any) error {
	q.mu.Lock()
	ref, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	t := ref.t
	if err := t.TransitionTo(task.StatusCompleted); err != nil {
		q.mu.Unlock()
		return err
	}
	t.Result = result
	t.Error = ""
	q.decRunningLocked(ref)
	ev := eventbus.Event{Type: eventbus.TaskCompleted, Data: q.taskEventLocked(t, false)}
	changed := q.refreshChainLocked(ref)
	terminal := q.migrateIfTerminalLocked(ctx, ref.root)
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.bus.Publish(ev)
	q.publishGroupChanges(changed)
	q.publishGroupChanges(terminal)
	q.bus.Publish(eventbus.Event{Type: eventbus.QueueChanged})
	return nil
}

// MarkFailed records a failed attempt. While the retry budget lasts (and
// allowRetry holds) the leaf is re-queued automatically, reported by the
// return value; once exhausted it stays Failed and the owning chain pauses
// for an operator decision. allowRetry=false makes the failure terminal
// regardless of budget, e.g. for a task kind with no registered handler.
func (q *Queue) MarkFailed(ctx context.Context, taskID, msg string, allowRetry bool) (requeued bool, err error) {
	q.mu.Lock()
	ref, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return false, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	t := ref.t
	if err := t.TransitionTo(task.StatusFailed); err != nil {
		q.mu.Unlock()
		return false, err
	}
	t.Error = msg
	t.Result = nil
	q.decRunningLocked(ref)

	// No automatic retries once cancellation was requested anywhere in the
	// owning chain; the attempt finalizes as cancelled instead.
	cancelRequested := false
	for _, g := range ref.chain {
		if g.CancelRequested {
			cancelRequested = true
			break
		}
	}
	requeued = allowRetry && !cancelRequested && t.Retryable()
	if requeued {
		t.RetryCount++
		_ = t.TransitionTo(task.StatusPending)
	} else if cancelRequested {
		_ = t.TransitionTo(task.StatusCancelled)
	}
	ev := eventbus.Event{Type: eventbus.TaskFailed, Data: q.taskEventLocked(t, requeued)}
	changed := q.refreshChainLocked(ref)
	terminal := q.migrateIfTerminalLocked(ctx, ref.root)
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.bus.Publish(ev)
	q.publishGroupChanges(changed)
	q.publishGroupChanges(terminal)
	q.bus.Publish(eventbus.Event{Type: eventbus.QueueChanged})
	return requeued, nil
}

// MarkCancelled finishes a running leaf that aborted cooperatively.
func (q *Queue) MarkCancelled(ctx context.Context, taskID string) error {
	q.mu.Lock()
	ref, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	t := ref.t
	if err := t.TransitionTo(task.StatusCancelled); err != nil {
		q.mu.Unlock()
		return err
	}
	q.decRunningLocked(ref)
	ev := eventbus.Event{Type: eventbus.TaskCancelled, Data: q.taskEventLocked(t, false)}
	changed := q.refreshChainLocked(ref)
	terminal := q.migrateIfTerminalLocked(ctx, ref.root)
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.bus.Publish(ev)
	q.publishGroupChanges(changed)
	q.publishGroupChanges(terminal)
	q.bus.Publish(eventbus.Event{Type: eventbus.QueueChanged})
	return nil
}

// PauseGroup stops further dequeues from the group (root or nested).
// In-flight tasks are not interrupted. Idempotent.
func (q *Queue) PauseGroup(ctx context.Context, groupID string) error {
	q.mu.Lock()
	root, g, ok := q.findGroupLocked(groupID)
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("group %q: %w", groupID, ErrNotFound)
	}
	if g.IsTerminal() {
		q.mu.Unlock()
		return fmt.Errorf("group %q: %w", groupID, ErrTerminal)
	}
	if g.PauseReason == task.PausedByUser {
		q.mu.Unlock()
		return nil
	}
	g.PauseReason = task.PausedByUser
	g.RefreshStatus()
	q.persistLocked(ctx)
	ev := eventbus.Event{Type: eventbus.GroupPaused, Data: q.groupEventLocked(g, root.g.ID, task.PausedByUser)}
	q.mu.Unlock()

	q.bus.Publish(ev)
	q.bus.Publish(eventbus.Event{Type: eventbus.QueueChanged})
	return nil
}

// ResumeGroup lifts an operator pause. A failure pause cannot be resumed
// directly; it returns ErrPausedOnFailure.
func (q *Queue) ResumeGroup(ctx context.Context, groupID string) error {
	q.mu.Lock()
	root, g, ok := q.findGroupLocked(groupID)
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("group %q: %w", groupID, ErrNotFound)
	}
	switch g.PauseReason {
	case task.PausedByUser:
	case task.PausedByFailure:
		q.mu.Unlock()
		return fmt.Errorf("group %q: %w", groupID, ErrPausedOnFailure)
	default:
		q.mu.Unlock()
		return nil
	}
	g.PauseReason = ""
	g.RefreshStatus()
	q.persistLocked(ctx)
	ev := eventbus.Event{Type: eventbus.GroupResumed, Data: q.groupEventLocked(g, root.g.ID, "")}
	q.mu.Unlock()

	q.bus.Publish(ev)
	q.bus.Publish(eventbus.Event{Type: eventbus.QueueChanged})
	return nil
}

// CancelGroup drops the group's pending and failed leaves. Running leaves
// are never preempted; their ids are returned so the caller can signal them
// when mode is CancelForced.
func (q *Queue) CancelGroup(ctx context.Context, groupID string, mode task.CancelMode) ([]string, error) {
	q.mu.Lock()
	root, g, ok := q.findGroupLocked(groupID)
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("group %q: %w", groupID, ErrNotFound)
	}
	if g.IsTerminal() {
		q.mu.Unlock()
		return nil, fmt.Errorf("group %q: %w", groupID, ErrTerminal)
	}
	g.CancelRequested = true
	g.PauseReason = ""

	var inflight []string
	for _, t := range g.Tasks() {
		switch t.Status {
		case task.StatusPending, task.StatusFailed:
			_ = t.TransitionTo(task.StatusCancelled)
		case task.StatusRunning:
			if mode == task.CancelForced {
				inflight = append(inflight, t.ID)
			}
		}
	}
	changed := q.refreshTreeLocked(root, g)
	terminal := q.migrateIfTerminalLocked(ctx, root)
	q.persistLocked(ctx)
	ev := eventbus.Event{Type: eventbus.GroupCancelled, Data: q.groupEventLocked(g, root.g.ID, string(mode))}
	q.mu.Unlock()

	q.bus.Publish(ev)
	q.publishGroupChanges(changed)
	q.publishGroupChanges(terminal)
	q.bus.Publish(eventbus.Event{Type: eventbus.QueueChanged})
	return inflight, nil
}

// RetryFailed puts the group's failed leaves back to Pending with a fresh
// retry budget and lifts the failure pause. Returns how many were re-queued.
func (q *Queue) RetryFailed(ctx context.Context, groupID string) (int, error) {
	q.mu.Lock()
	root, g, ok := q.findGroupLocked(groupID)
	if !ok {
		q.mu.Unlock()
		return 0, fmt.Errorf("group %q: %w", groupID, ErrNotFound)
	}
	n := 0
	for _, t := range g.Tasks() {
		if t.Status != task.StatusFailed {
			continue
		}
		t.RetryCount = 0
		_ = t.TransitionTo(task.StatusPending)
		n++
	}
	changed := q.refreshTreeLocked(root, g)
	q.persistLocked(ctx)
	var ev eventbus.Event
	if n > 0 {
		ev = eventbus.Event{Type: eventbus.GroupResumed, Data: q.groupEventLocked(g, root.g.ID, "retry")}
	}
	q.mu.Unlock()

	if n > 0 {
		q.bus.Publish(ev)
		q.bus.Publish(eventbus.Event{Type: eventbus.QueueChanged})
	}
	q.publishGroupChanges(changed)
	return n, nil
}

// SkipFailed cancels the group's failed leaves so the rest of the group can
// finish; a group whose only blockers were skipped derives Completed.
func (q *Queue) SkipFailed(ctx context.Context, groupID string) (int, error) {
	q.mu.Lock()
	root, g, ok := q.findGroupLocked(groupID)
	if !ok {
		q.mu.Unlock()
		return 0, fmt.Errorf("group %q: %w", groupID, ErrNotFound)
	}
	n := 0
	for _, t := range g.Tasks() {
		if t.Status != task.StatusFailed {
			continue
		}
		_ = t.TransitionTo(task.StatusCancelled)
		n++
	}
	changed := q.refreshTreeLocked(root, g)
	terminal := q.migrateIfTerminalLocked(ctx, root)
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.publishGroupChanges(changed)
	q.publishGroupChanges(terminal)
	if n > 0 {
		q.bus.Publish(eventbus.Event{Type: eventbus.QueueChanged})
	}
	return n, nil
}

// UpdatePriority changes a root group's queue priority and reorders the
// heap. On a nested group the field is updated but ordering is unaffected,
// as only roots compete in the queue.
func (q *Queue) UpdatePriority(ctx context.Context, groupID string, priority int) error {
	q.mu.Lock()
	_, g, ok := q.findGroupLocked(groupID)
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("group %q: %w", groupID, ErrNotFound)
	}
	g.Priority = priority
	if e, isRoot := q.byID[groupID]; isRoot {
		heap.Fix(&q.heap, e.index)
	}
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.bus.Publish(eventbus.Event{Type: eventbus.QueueChanged})
	return nil
}

// Get returns a deep copy of an active group tree (root or nested).
func (q *Queue) Get(groupID string) (*task.Group, bool) {
	q.mu.Lock()
	_, g, ok := q.findGroupLocked(groupID)
	if !ok {
		q.mu.Unlock()
		return nil, false
	}
	cp, err := g.Clone()
	q.mu.Unlock()
	if err != nil {
		q.log.Error("group clone", logx.Err(err), logx.String("group", groupID))
		return nil, false
	}
	return cp, true
}

// ListActive returns deep copies of all active roots in queue order.
func (q *Queue) ListActive() []*task.Group {
	q.mu.Lock()
	// Queue order for display without disturbing the heap.
	entries := make([]*entry, len(q.heap))
	copy(entries, q.heap)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].g.Priority != entries[j].g.Priority {
			return entries[i].g.Priority > entries[j].g.Priority
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]*task.Group, 0, len(entries))
	for _, e := range entries {
		if cp, err := e.g.Clone(); err == nil {
			out = append(out, cp)
		}
	}
	q.mu.Unlock()
	return out
}

// History returns terminal groups, newest first. With persistence enabled it
// reads the store; otherwise it serves the in-memory ring.
func (q *Queue) History(ctx context.Context, limit int) ([]*task.Group, error) {
	if q.store != nil {
		return q.store.LoadHistory(ctx, limit)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*task.Group, 0, n)
	for _, g := range q.recent[:n] {
		if cp, err := g.Clone(); err == nil {
			out = append(out, cp)
		}
	}
	return out, nil
}

// Stats is a point-in-time aggregate over the active set.
type Stats struct {
	ActiveGroups   int `json:"active_groups"`
	PausedGroups   int `json:"paused_groups"`
	PendingTasks   int `json:"pending_tasks"`
	RunningTasks   int `json:"running_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	CancelledTasks int `json:"cancelled_tasks"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, e := range q.heap {
		s.ActiveGroups++
		if e.g.Status == task.StatusPaused {
			s.PausedGroups++
		}
		c := e.g.Counts()
		s.PendingTasks += c.Pending
		s.RunningTasks += c.Running
		s.CompletedTasks += c.Completed
		s.FailedTasks += c.Failed
		s.CancelledTasks += c.Cancelled
	}
	return s
}

// Flush writes the current snapshot, used on shutdown.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	q.persistLocked(ctx)
	q.mu.Unlock()
}

// --- internal, all require q.mu held ---

func (q *Queue) nextSeq() uint64 {
	q.seq++
	return q.seq
}

func (q *Queue) indexLocked(e *entry) {
	var walk func(g *task.Group, chain []*task.Group)
	walk = func(g *task.Group, chain []*task.Group) {
		chain = append(chain, g)
		for _, c := range g.Children {
			switch {
			case c.Task != nil:
				ref := &taskRef{root: e, t: c.Task}
				ref.chain = append(ref.chain, chain...)
				q.tasks[c.Task.ID] = ref
			case c.Group != nil:
				walk(c.Group, chain)
			}
		}
	}
	walk(e.g, nil)
}

func (q *Queue) deindexLocked(e *entry) {
	for _, t := range e.g.Tasks() {
		delete(q.tasks, t.ID)
	}
	for _, g := range e.g.Groups(true) {
		delete(q.running, g.ID)
	}
}

func (q *Queue) decRunningLocked(ref *taskRef) {
	for _, g := range ref.chain {
		if q.running[g.ID] > 0 {
			q.running[g.ID]--
		}
	}
}

func (q *Queue) findGroupLocked(id string) (*entry, *task.Group, bool) {
	if e, ok := q.byID[id]; ok {
		return e, e.g, true
	}
	for _, e := range q.heap {
		if g := e.g.FindGroup(id); g != nil {
			return e, g, true
		}
	}
	return nil, nil, false
}

type groupChange struct {
	kind string
	data GroupEvent
}

// refreshChainLocked refreshes the groups containing a changed leaf, deepest
// first, and collects status-change events for publishing after unlock.
func (q *Queue) refreshChainLocked(ref *taskRef) []groupChange {
	var out []groupChange
	for i := len(ref.chain) - 1; i >= 0; i-- {
		g := ref.chain[i]
		if g.RefreshStatus() {
			out = append(out, q.changeFor(g, ref.root.g.ID))
		}
	}
	return out
}

// refreshTreeLocked refreshes a whole subtree plus the root chain after a
// bulk mutation (cancel, retry-failed, skip-failed).
func (q *Queue) refreshTreeLocked(root *entry, g *task.Group) []groupChange {
	var out []groupChange
	subs := g.Groups(true)
	for i := len(subs) - 1; i >= 0; i-- {
		if subs[i].RefreshStatus() {
			out = append(out, q.changeFor(subs[i], root.g.ID))
		}
	}
	if g != root.g && root.g.RefreshStatus() {
		out = append(out, q.changeFor(root.g, root.g.ID))
	}
	return out
}

func (q *Queue) changeFor(g *task.Group, rootID string) groupChange {
	kind := eventbus.GroupProgress
	switch g.Status {
	case task.StatusPaused:
		kind = eventbus.GroupPaused
	case task.StatusCompleted:
		kind = eventbus.GroupCompleted
	case task.StatusCancelled:
		kind = eventbus.GroupCancelled
	}
	return groupChange{kind: kind, data: q.groupEventLocked(g, rootID, g.PauseReason)}
}

func (q *Queue) publishGroupChanges(changes []groupChange) {
	for _, c := range changes {
		q.bus.Publish(eventbus.Event{Type: c.kind, Data: c.data})
	}
}

// migrateIfTerminalLocked moves a finished root out of the active set and
// into history.
func (q *Queue) migrateIfTerminalLocked(ctx context.Context, e *entry) []groupChange {
	if e.index < 0 || !e.g.IsTerminal() {
		return nil
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, e.g.ID)
	q.deindexLocked(e)
	q.rememberLocked(e.g)
	if q.store != nil {
		if err := q.store.AppendHistory(ctx, e.g); err != nil {
			q.log.Warn("history append failed", logx.Err(err), logx.String("group", e.g.ID))
		}
	}
	return []groupChange{q.changeFor(e.g, e.g.ID)}
}

func (q *Queue) rememberLocked(g *task.Group) {
	q.recent = append([]*task.Group{g}, q.recent...)
	if len(q.recent) > historyKeep {
		q.recent = q.recent[:historyKeep]
	}
}

// persistLocked rewrites the snapshot in submission order, so a restore
// keeps FIFO ordering among equal priorities. Failures log and never block
// scheduling.
func (q *Queue) persistLocked(ctx context.Context) {
	if q.store == nil {
		return
	}
	entries := make([]*entry, len(q.heap))
	copy(entries, q.heap)
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	groups := make([]*task.Group, 0, len(entries))
	for _, e := range entries {
		groups = append(groups, e.g)
	}
	if err := q.store.SaveSnapshot(ctx, groups); err != nil {
		q.log.Warn("snapshot save failed", logx.Err(err))
	}
}

func (q *Queue) taskEventLocked(t *task.Task, willRetry bool) TaskEvent {
	rootID := ""
	if ref, ok := q.tasks[t.ID]; ok {
		rootID = ref.root.g.ID
	}
	return TaskEvent{
		TaskID:     t.ID,
		RootID:     rootID,
		Kind:       t.Kind,
		Status:     t.Status,
		Progress:   t.Progress,
		Error:      t.Error,
		RetryCount: t.RetryCount,
		WillRetry:  willRetry,
	}
}

func (q *Queue) groupEventLocked(g *task.Group, rootID, reason string) GroupEvent {
	return GroupEvent{
		GroupID:  g.ID,
		RootID:   rootID,
		Title:    g.Title,
		Status:   g.Status,
		Reason:   reason,
		Progress: g.Progress(),
		Counts:   g.Counts(),
	}
}
