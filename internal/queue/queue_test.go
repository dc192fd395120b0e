package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocrsched/internal/eventbus"
	"ocrsched/internal/storage"
	"ocrsched/internal/task"
	logx "ocrsched/pkg/logx"
)

func newTestQueue(t *testing.T) (*Queue, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	return New(nil, bus, logx.Nop()), bus
}

func flatGroup(title string, n, priority int) *task.Group {
	g := task.NewGroup(title)
	g.Priority = priority
	for i := 0; i < n; i++ {
		g.AddTask(task.NewTask("ocr", map[string]any{"page": i}))
	}
	return g
}

func mustDequeue(t *testing.T, q *Queue) *task.Task {
	t.Helper()
	tk, ok := q.Dequeue(context.Background())
	require.True(t, ok, "expected a runnable task")
	return tk
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.ErrorIs(t, q.Enqueue(ctx, nil), task.ErrInvalidTaskStructure)
	require.ErrorIs(t, q.Enqueue(ctx, task.NewGroup("empty")), task.ErrInvalidTaskStructure)

	g := flatGroup("ok", 1, 0)
	require.NoError(t, q.Enqueue(ctx, g))
	require.ErrorIs(t, q.Enqueue(ctx, g), task.ErrInvalidTaskStructure, "duplicate id")
}

func TestDequeueOrder(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := flatGroup("first", 1, 0)
	second := flatGroup("second", 1, 0)
	urgent := flatGroup("urgent", 1, 5)
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))
	require.NoError(t, q.Enqueue(ctx, urgent))

	assert.Equal(t, urgent.Tasks()[0].ID, mustDequeue(t, q).ID, "highest priority first")
	assert.Equal(t, first.Tasks()[0].ID, mustDequeue(t, q).ID, "FIFO within equal priority")
	assert.Equal(t, second.Tasks()[0].ID, mustDequeue(t, q).ID)

	_, ok := q.Dequeue(ctx)
	assert.False(t, ok, "nothing left to run")
}

func TestDequeueClaimsExactlyOnce(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	g := flatGroup("g", 1, 0)
	require.NoError(t, q.Enqueue(ctx, g))

	tk := mustDequeue(t, q)
	assert.Equal(t, task.StatusRunning, tk.Status)

	got, ok := q.Get(g.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusRunning, got.Tasks()[0].Status)
	assert.Equal(t, task.StatusRunning, got.Status)

	_, ok = q.Dequeue(ctx)
	assert.False(t, ok, "a running task must not be claimed twice")
}

func TestCompleteMovesToHistory(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	g := flatGroup("g", 1, 0)
	require.NoError(t, q.Enqueue(ctx, g))

	tk := mustDequeue(t, q)
	require.NoError(t, q.MarkCompleted(ctx, tk.ID, "recognized text"))

	_, ok := q.Get(g.ID)
	assert.False(t, ok, "terminal groups leave the active set")

	hist, err := q.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, task.StatusCompleted, hist[0].Status)
	assert.Equal(t, "recognized text", hist[0].Tasks()[0].Result)
	assert.Equal(t, 1.0, hist[0].Progress())
}

func TestFailureRetriesThenPauses(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	g := flatGroup("g", 1, 0) // MaxRetries 3: three attempts total
	require.NoError(t, q.Enqueue(ctx, g))

	for attempt := 0; attempt < 2; attempt++ {
		tk := mustDequeue(t, q)
		requeued, err := q.MarkFailed(ctx, tk.ID, "engine crash", true)
		require.NoError(t, err)
		assert.True(t, requeued, "attempt %d should be retried", attempt+1)
	}

	tk := mustDequeue(t, q)
	requeued, err := q.MarkFailed(ctx, tk.ID, "engine crash", true)
	require.NoError(t, err)
	assert.False(t, requeued, "budget of 3 attempts exhausted")

	got, ok := q.Get(g.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusPaused, got.Status)
	assert.Equal(t, task.PausedByFailure, got.PauseReason)
	assert.Equal(t, task.StatusFailed, got.Tasks()[0].Status)
	assert.Equal(t, 2, got.Tasks()[0].RetryCount)
	assert.Equal(t, "engine crash", got.Tasks()[0].Error)

	_, ok = q.Dequeue(ctx)
	assert.False(t, ok, "failure pause blocks dequeues")
}

func TestNoRetryWhenDisallowed(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	g := flatGroup("g", 1, 0)
	require.NoError(t, q.Enqueue(ctx, g))

	tk := mustDequeue(t, q)
	requeued, err := q.MarkFailed(ctx, tk.ID, "no handler for kind", false)
	require.NoError(t, err)
	assert.False(t, requeued)

	got, _ := q.Get(g.ID)
	assert.Equal(t, 0, got.Tasks()[0].RetryCount)
	assert.Equal(t, task.StatusFailed, got.Tasks()[0].Status)
}

func TestRetryFailedResetsBudget(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	g := flatGroup("g", 1, 0)
	g.Tasks()[0].MaxRetries = 1
	require.NoError(t, q.Enqueue(ctx, g))

	tk := mustDequeue(t, q)
	requeued, err := q.MarkFailed(ctx, tk.ID, "boom", true)
	require.NoError(t, err)
	require.False(t, requeued)

	n, err := q.RetryFailed(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := q.Get(g.ID)
	assert.Equal(t, task.StatusPending, got.Tasks()[0].Status)
	assert.Equal(t, 0, got.Tasks()[0].RetryCount)
	assert.Equal(t, task.StatusPending, got.Status)

	tk = mustDequeue(t, q)
	require.NoError(t, q.MarkCompleted(ctx, tk.ID, nil))
}

func TestSkipFailedCompletesGroup(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	g := flatGroup("g", 2, 0)
	for _, tk := range g.Tasks() {
		tk.MaxRetries = 1
	}
	require.NoError(t, q.Enqueue(ctx, g))

	ok1 := mustDequeue(t, q)
	require.NoError(t, q.MarkCompleted(ctx, ok1.ID, "fine"))

	bad := mustDequeue(t, q)
	requeued, err := q.MarkFailed(ctx, bad.ID, "unreadable", true)
	require.NoError(t, err)
	require.False(t, requeued)

	n, err := q.SkipFailed(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hist, err := q.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, task.StatusCompleted, hist[0].Status,
		"skipping the only failures finishes the group")
	assert.Equal(t, task.StatusCancelled, hist[0].FindTask(bad.ID).Status)
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	g := flatGroup("g", 2, 0)
	require.NoError(t, q.Enqueue(ctx, g))

	require.NoError(t, q.PauseGroup(ctx, g.ID))
	require.NoError(t, q.PauseGroup(ctx, g.ID), "pause is idempotent")

	_, ok := q.Dequeue(ctx)
	assert.False(t, ok, "paused groups are skipped")

	require.NoError(t, q.ResumeGroup(ctx, g.ID))
	mustDequeue(t, q)

	require.NoError(t, q.ResumeGroup(ctx, g.ID), "resume of a non-paused group is a no-op")
	require.ErrorIs(t, q.PauseGroup(ctx, "missing"), ErrNotFound)
}

func TestResumeRejectsFailurePause(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	g := flatGroup("g", 1, 0)
	g.Tasks()[0].MaxRetries = 1
	require.NoError(t, q.Enqueue(ctx, g))

	tk := mustDequeue(t, q)
	_, err := q.MarkFailed(ctx, tk.ID, "boom", true)
	require.NoError(t, err)

	require.ErrorIs(t, q.ResumeGroup(ctx, g.ID), ErrPausedOnFailure)
}

func TestPauseNestedGroup(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()

	sub := task.NewGroup("doc")
	sub.AddTask(task.NewTask("ocr", nil))
	root := task.NewGroup("batch")
	root.AddGroup(sub)
	rootLeaf := task.NewTask("export", nil)
	root.AddTask(rootLeaf)
	require.NoError(t, q.Enqueue(ctx, root))

	require.NoError(t, q.PauseGroup(ctx, sub.ID))

	tk := mustDequeue(t, q)
	assert.Equal(t, rootLeaf.ID, tk.ID, "a paused subgroup is skipped, siblings still run")
	_, ok := q.Dequeue(ctx)
	assert.False(t, ok)
}

func TestCancelGraceful(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	g := flatGroup("g", 3, 0)
	require.NoError(t, q.Enqueue(ctx, g))

	running := mustDequeue(t, q)
	inflight, err := q.CancelGroup(ctx, g.ID, task.CancelGraceful)
	require.NoError(t, err)
	assert.Empty(t, inflight, "graceful cancel never targets in-flight tasks")

	got, ok := q.Get(g.ID)
	require.True(t, ok, "group stays active until the running task finishes")
	counts := got.Counts()
	assert.Equal(t, 2, counts.Cancelled)
	assert.Equal(t, 1, counts.Running)

	require.NoError(t, q.MarkCompleted(ctx, running.ID, "late result"))
	hist, err := q.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, task.StatusCancelled, hist[0].Status)
}

func TestCancelForcedReportsInflight(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	g := flatGroup("g", 2, 0)
	require.NoError(t, q.Enqueue(ctx, g))

	running := mustDequeue(t, q)
	inflight, err := q.CancelGroup(ctx, g.ID, task.CancelForced)
	require.NoError(t, err)
	assert.Equal(t, []string{running.ID}, inflight)

	require.NoError(t, q.MarkCancelled(ctx, running.ID))
	hist, err := q.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, task.StatusCancelled, hist[0].Status)
}

func TestCancelSuppressesRetry(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	g := flatGroup("g", 1, 0)
	require.NoError(t, q.Enqueue(ctx, g))

	running := mustDequeue(t, q)
	_, err := q.CancelGroup(ctx, g.ID, task.CancelGraceful)
	require.NoError(t, err)

	requeued, err := q.MarkFailed(ctx, running.ID, "interrupted", true)
	require.NoError(t, err)
	assert.False(t, requeued, "no automatic retries after a cancel request")

	hist, err := q.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, task.StatusCancelled, hist[0].Status)
}

func TestMaxConcurrencyCap(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()

	capped := flatGroup("capped", 2, 5)
	capped.MaxConcurrency = 1
	other := flatGroup("other", 1, 0)
	require.NoError(t, q.Enqueue(ctx, capped))
	require.NoError(t, q.Enqueue(ctx, other))

	first := mustDequeue(t, q)
	assert.Equal(t, capped.Tasks()[0].ID, first.ID)

	second := mustDequeue(t, q)
	assert.Equal(t, other.Tasks()[0].ID, second.ID,
		"a group at its cap is skipped, not blocking the queue")

	_, ok := q.Dequeue(ctx)
	assert.False(t, ok)

	require.NoError(t, q.MarkCompleted(ctx, first.ID, nil))
	third := mustDequeue(t, q)
	assert.Equal(t, capped.Tasks()[1].ID, third.ID)
}

func TestNestedConcurrencyCap(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()

	sub := task.NewGroup("doc")
	sub.MaxConcurrency = 1
	subA := task.NewTask("ocr", nil)
	subB := task.NewTask("ocr", nil)
	sub.AddTask(subA)
	sub.AddTask(subB)

	root := task.NewGroup("batch")
	root.AddGroup(sub)
	rootLeaf := task.NewTask("export", nil)
	root.AddTask(rootLeaf)
	require.NoError(t, q.Enqueue(ctx, root))

	assert.Equal(t, subA.ID, mustDequeue(t, q).ID)
	assert.Equal(t, rootLeaf.ID, mustDequeue(t, q).ID,
		"the capped subgroup is skipped in favor of its sibling")

	_, ok := q.Dequeue(ctx)
	assert.False(t, ok)

	require.NoError(t, q.MarkCompleted(ctx, subA.ID, nil))
	assert.Equal(t, subB.ID, mustDequeue(t, q).ID)
}

func TestUpdatePriorityReorders(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	a := flatGroup("a", 1, 0)
	b := flatGroup("b", 1, 0)
	require.NoError(t, q.Enqueue(ctx, a))
	require.NoError(t, q.Enqueue(ctx, b))

	require.NoError(t, q.UpdatePriority(ctx, b.ID, 10))
	assert.Equal(t, b.Tasks()[0].ID, mustDequeue(t, q).ID)

	require.ErrorIs(t, q.UpdatePriority(ctx, "missing", 1), ErrNotFound)
}

func TestProgressMonotonic(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	g := flatGroup("g", 1, 0)
	require.NoError(t, q.Enqueue(ctx, g))
	tk := mustDequeue(t, q)

	q.UpdateProgress(tk.ID, 0.5)
	got, _ := q.Get(g.ID)
	assert.Equal(t, 0.5, got.Tasks()[0].Progress)

	q.UpdateProgress(tk.ID, 0.3)
	got, _ = q.Get(g.ID)
	assert.Equal(t, 0.5, got.Tasks()[0].Progress, "regressions are dropped")

	q.UpdateProgress(tk.ID, 2.0)
	got, _ = q.Get(g.ID)
	assert.Equal(t, 1.0, got.Tasks()[0].Progress, "clamped to 1")
}

func TestStats(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()
	g := flatGroup("g", 3, 0)
	require.NoError(t, q.Enqueue(ctx, g))
	tk := mustDequeue(t, q)
	require.NoError(t, q.MarkCompleted(ctx, tk.ID, nil))
	mustDequeue(t, q)

	s := q.Stats()
	assert.Equal(t, 1, s.ActiveGroups)
	assert.Equal(t, 1, s.PendingTasks)
	assert.Equal(t, 1, s.RunningTasks)
	assert.Equal(t, 1, s.CompletedTasks)
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()
	q, bus := newTestQueue(t)
	ctx := context.Background()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	g := flatGroup("g", 1, 0)
	require.NoError(t, q.Enqueue(ctx, g))
	tk := mustDequeue(t, q)
	q.UpdateProgress(tk.ID, 0.5)
	require.NoError(t, q.MarkCompleted(ctx, tk.ID, nil))

	want := map[string]bool{
		eventbus.TaskSubmitted: false,
		eventbus.TaskStarted:   false,
		eventbus.TaskProgress:  false,
		eventbus.TaskCompleted: false,
		eventbus.QueueChanged:  false,
	}
	deadline := time.After(time.Second)
	for {
		missing := 0
		for _, ok := range want {
			if !ok {
				missing++
			}
		}
		if missing == 0 {
			break
		}
		select {
		case ev := <-ch:
			if _, tracked := want[ev.Type]; tracked {
				want[ev.Type] = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", want)
		}
	}
}

func TestSnapshotRestore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sched.json")

	store, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	q := New(store, eventbus.New(), logx.Nop())

	urgent := flatGroup("urgent", 1, 5)
	batch := flatGroup("batch", 2, 0)
	require.NoError(t, q.Enqueue(ctx, urgent))
	require.NoError(t, q.Enqueue(ctx, batch))

	interrupted := mustDequeue(t, q)
	q.UpdateProgress(interrupted.ID, 0.8)
	require.NoError(t, store.Close())

	// Simulate a crash: a fresh queue over the same files.
	store2, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer store2.Close()
	q2 := New(store2, eventbus.New(), logx.Nop())
	q2.Restore(ctx)

	assert.Len(t, q2.ListActive(), 2)
	got, ok := q2.Get(urgent.ID)
	require.True(t, ok)
	restored := got.FindTask(interrupted.ID)
	require.NotNil(t, restored)
	assert.Equal(t, task.StatusPending, restored.Status, "interrupted work restarts")
	assert.Equal(t, 0.0, restored.Progress)

	assert.Equal(t, interrupted.ID, mustDequeue(t, q2).ID, "priority order survives restart")
}
