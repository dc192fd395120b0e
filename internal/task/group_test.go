package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// threeLevel builds:
//
//	root
//	  ├── doc1: [t1, t2]
//	  └── doc2
//	        └── section: [t3, t4]
func threeLevel() (*Group, []*Task) {
	t1 := NewTask("ocr", nil)
	t2 := NewTask("ocr", nil)
	t3 := NewTask("ocr", nil)
	t4 := NewTask("export", nil)

	section := NewGroup("section")
	section.AddTask(t3)
	section.AddTask(t4)

	doc1 := NewGroup("doc1")
	doc1.AddTask(t1)
	doc1.AddTask(t2)

	doc2 := NewGroup("doc2")
	doc2.AddGroup(section)

	root := NewGroup("root")
	root.AddGroup(doc1)
	root.AddGroup(doc2)
	return root, []*Task{t1, t2, t3, t4}
}

func TestTasksDepthFirstOrder(t *testing.T) {
	t.Parallel()
	root, leaves := threeLevel()
	got := root.Tasks()
	require.Len(t, got, 4)
	for i, want := range leaves {
		assert.Equal(t, want.ID, got[i].ID)
	}
}

func TestProgressAggregation(t *testing.T) {
	t.Parallel()
	root, leaves := threeLevel()
	assert.Equal(t, 0.0, root.Progress())

	leaves[0].Progress = 1.0
	leaves[1].Progress = 0.5
	assert.InDelta(t, 0.375, root.Progress(), 1e-9)

	for _, l := range leaves {
		l.Progress = 1.0
	}
	assert.Equal(t, 1.0, root.Progress())

	empty := NewGroup("empty")
	assert.Equal(t, 0.0, empty.Progress())
}

func TestComputeStatus(t *testing.T) {
	t.Parallel()
	set := func(statuses ...Status) *Group {
		g := NewGroup("g")
		for _, s := range statuses {
			tk := NewTask("ocr", nil)
			tk.Status = s
			g.AddTask(tk)
		}
		return g
	}

	assert.Equal(t, StatusPaused, set(StatusCompleted, StatusFailed).ComputeStatus(),
		"a failed leaf pauses the group for an operator decision")
	assert.Equal(t, StatusCompleted, set(StatusCompleted, StatusCompleted).ComputeStatus())
	assert.Equal(t, StatusCompleted, set(StatusCompleted, StatusCancelled).ComputeStatus(),
		"skipped failures count as done")
	assert.Equal(t, StatusCompleted, set(StatusCancelled, StatusCancelled).ComputeStatus(),
		"all-skipped still counts as done when no cancel was requested")

	fully := set(StatusCancelled, StatusCancelled)
	fully.CancelRequested = true
	assert.Equal(t, StatusCancelled, fully.ComputeStatus())
	assert.Equal(t, StatusRunning, set(StatusRunning, StatusPending).ComputeStatus())
	assert.Equal(t, StatusPending, set(StatusPending, StatusCompleted).ComputeStatus())

	mixed := set(StatusCompleted, StatusCancelled)
	mixed.CancelRequested = true
	assert.Equal(t, StatusCancelled, mixed.ComputeStatus(),
		"requested cancellation wins once all leaves are terminal")
}

func TestUserPauseSticks(t *testing.T) {
	t.Parallel()
	g := NewGroup("g")
	g.AddTask(NewTask("ocr", nil))

	g.PauseReason = PausedByUser
	g.RefreshStatus()
	assert.Equal(t, StatusPaused, g.Status, "pending leaves must not lift a user pause")

	g.PauseReason = ""
	g.RefreshStatus()
	assert.Equal(t, StatusPending, g.Status)
}

func TestFailurePauseClearsOnRetry(t *testing.T) {
	t.Parallel()
	g := NewGroup("g")
	tk := NewTask("ocr", nil)
	tk.Status = StatusFailed
	g.AddTask(tk)

	g.RefreshStatus()
	assert.Equal(t, StatusPaused, g.Status)
	assert.Equal(t, PausedByFailure, g.PauseReason)

	tk.Status = StatusPending
	g.RefreshStatus()
	assert.Equal(t, StatusPending, g.Status)
	assert.Empty(t, g.PauseReason)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("valid tree", func(t *testing.T) {
		root, _ := threeLevel()
		require.NoError(t, root.Validate())
	})

	t.Run("empty group", func(t *testing.T) {
		g := NewGroup("empty")
		require.ErrorIs(t, g.Validate(), ErrInvalidTaskStructure)
	})

	t.Run("empty nested group", func(t *testing.T) {
		g := NewGroup("root")
		g.AddTask(NewTask("ocr", nil))
		g.AddGroup(NewGroup("empty"))
		require.ErrorIs(t, g.Validate(), ErrInvalidTaskStructure)
	})

	t.Run("missing kind", func(t *testing.T) {
		g := NewGroup("root")
		g.AddTask(NewTask("", nil))
		require.ErrorIs(t, g.Validate(), ErrInvalidTaskStructure)
	})

	t.Run("duplicate task", func(t *testing.T) {
		g := NewGroup("root")
		tk := NewTask("ocr", nil)
		g.AddTask(tk)
		g.AddTask(tk)
		require.ErrorIs(t, g.Validate(), ErrInvalidTaskStructure)
	})

	t.Run("cycle", func(t *testing.T) {
		g := NewGroup("root")
		g.AddTask(NewTask("ocr", nil))
		g.AddGroup(g)
		require.ErrorIs(t, g.Validate(), ErrInvalidTaskStructure)
	})

	t.Run("nil child", func(t *testing.T) {
		g := NewGroup("root")
		g.Children = append(g.Children, Child{})
		require.ErrorIs(t, g.Validate(), ErrInvalidTaskStructure)
	})
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()
	root, leaves := threeLevel()
	leaves[0].Status = StatusCompleted
	leaves[0].Progress = 1.0
	leaves[1].Input = map[string]any{"path": "b.png", "page": float64(2)}
	root.Metadata = map[string]string{"source": "watch-folder"}

	b, err := json.Marshal(root)
	require.NoError(t, err)

	var back Group
	require.NoError(t, json.Unmarshal(b, &back))

	require.Len(t, back.Tasks(), 4)
	assert.Equal(t, root.ID, back.ID)
	assert.Equal(t, leaves[0].ID, back.Tasks()[0].ID)
	assert.Equal(t, StatusCompleted, back.Tasks()[0].Status)
	assert.Equal(t, leaves[1].Input, back.Tasks()[1].Input)
	assert.Equal(t, root.Metadata, back.Metadata)
	assert.Nil(t, back.FindGroup("nonexistent"))
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()
	root, leaves := threeLevel()
	cp, err := root.Clone()
	require.NoError(t, err)

	leaves[0].Progress = 0.9
	assert.Equal(t, 0.0, cp.Tasks()[0].Progress)
}

func TestFinders(t *testing.T) {
	t.Parallel()
	root, leaves := threeLevel()
	require.NotNil(t, root.FindTask(leaves[3].ID))
	assert.Nil(t, root.FindTask("missing"))

	section := root.Children[1].Group.Children[0].Group
	require.NotNil(t, root.FindGroup(section.ID))
	assert.Equal(t, root, root.FindGroup(root.ID))
}

func TestCounts(t *testing.T) {
	t.Parallel()
	root, leaves := threeLevel()
	leaves[0].Status = StatusCompleted
	leaves[1].Status = StatusRunning
	leaves[2].Status = StatusFailed

	c := root.Counts()
	assert.Equal(t, Counts{Total: 4, Completed: 1, Failed: 1, Running: 1, Pending: 1}, c)
}
