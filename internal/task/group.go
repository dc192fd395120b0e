package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Group is the composite, nestable unit of submission.
//
// A group's children form a tree of tasks and further groups. Ordering,
// pausing and priority apply at the group level; execution applies at the
// leaf (Task) level.
//
//	Group "batch of scans"
//	  ├── Group "doc-1" -> [Task page-1, Task page-2]
//	  └── Group "doc-2" -> [Task page-1]
type Group struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	Children []Child `json:"children"`

	// Priority orders groups in the queue (higher first) and is mutable at
	// runtime. MaxConcurrency bounds simultaneously running descendant
	// tasks within this group; <= 0 means unlimited.
	Priority       int `json:"priority"`
	MaxConcurrency int `json:"max_concurrency"`

	Status Status `json:"status"`

	// PauseReason distinguishes an operator pause ("user"), which sticks
	// until an explicit resume, from a failure-derived pause ("failure"),
	// which lifts as soon as retry-failed or skip-failed clears the leaves.
	PauseReason string `json:"pause_reason,omitempty"`

	// CancelRequested records that cancellation was asked for, so a fully
	// terminal tree with cancelled leaves derives Cancelled, not Completed.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewGroup builds an empty pending group. Children must be attached before
// the group is submitted; the queue rejects empty groups.
func NewGroup(title string) *Group {
	return &Group{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// AddTask appends a leaf task.
func (g *Group) AddTask(t *Task) {
	g.Children = append(g.Children, Child{Task: t})
}

// AddGroup appends a nested subgroup.
func (g *Group) AddGroup(sub *Group) {
	g.Children = append(g.Children, Child{Group: sub})
}

// Tasks returns every leaf task in depth-first, insertion order.
func (g *Group) Tasks() []*Task {
	var out []*Task
	for _, c := range g.Children {
		switch {
		case c.Task != nil:
			out = append(out, c.Task)
		case c.Group != nil:
			out = append(out, c.Group.Tasks()...)
		}
	}
	return out
}

// Groups returns every group in the tree, depth-first.
func (g *Group) Groups(includeSelf bool) []*Group {
	var out []*Group
	if includeSelf {
		out = append(out, g)
	}
	for _, c := range g.Children {
		if c.Group != nil {
			out = append(out, c.Group.Groups(true)...)
		}
	}
	return out
}

// FindTask looks a leaf task up by id anywhere in the tree.
func (g *Group) FindTask(id string) *Task {
	for _, c := range g.Children {
		if c.Task != nil && c.Task.ID == id {
			return c.Task
		}
		if c.Group != nil {
			if t := c.Group.FindTask(id); t != nil {
				return t
			}
		}
	}
	return nil
}

// FindGroup looks a group up by id, including g itself.
func (g *Group) FindGroup(id string) *Group {
	if g.ID == id {
		return g
	}
	for _, c := range g.Children {
		if c.Group != nil {
			if found := c.Group.FindGroup(id); found != nil {
				return found
			}
		}
	}
	return nil
}

// Progress is the arithmetic mean over all leaf tasks (empty group -> 0).
func (g *Group) Progress() float64 {
	tasks := g.Tasks()
	if len(tasks) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, t := range tasks {
		sum += t.Progress
	}
	return sum / float64(len(tasks))
}

// Counts aggregates leaf task states for queries and statistics.
type Counts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Running   int `json:"running"`
	Pending   int `json:"pending"`
	Cancelled int `json:"cancelled"`
}

func (g *Group) Counts() Counts {
	var c Counts
	for _, t := range g.Tasks() {
		c.Total++
		switch t.Status {
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusRunning:
			c.Running++
		case StatusPending:
			c.Pending++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// ComputeStatus derives the group status from its leaves.
//
// Rules:
//   - any task Failed (auto-retries exhausted) -> Paused, awaiting operator
//     retry-failed / skip-failed
//   - all leaves terminal -> Cancelled when cancellation was requested and
//     reached at least one leaf, Completed otherwise (skipped failures count
//     as done; without a cancel request, cancelled leaves can only come from
//     skip-failed)
//   - any leaf Running -> Running
//   - any leaf Pending -> Pending
//   - empty group or no rule matched -> keep current status
func (g *Group) ComputeStatus() Status {
	tasks := g.Tasks()
	if len(tasks) == 0 {
		return g.Status
	}

	allTerminal := true
	anyCancelled := false
	anyRunning := false
	anyPending := false
	for _, t := range tasks {
		switch t.Status {
		case StatusFailed:
			return StatusPaused
		case StatusCancelled:
			anyCancelled = true
		case StatusRunning:
			anyRunning = true
			allTerminal = false
		case StatusPending:
			anyPending = true
			allTerminal = false
		}
	}

	if allTerminal {
		if g.CancelRequested && anyCancelled {
			return StatusCancelled
		}
		return StatusCompleted
	}
	if anyRunning {
		return StatusRunning
	}
	if anyPending {
		return StatusPending
	}
	return g.Status
}

// PauseReason values.
const (
	PausedByUser    = "user"
	PausedByFailure = "failure"
)

// RefreshStatus recomputes the derived status and maintains timestamps.
// It reports whether the status changed.
//
// An operator pause wins over any non-terminal derived status; a terminal
// derivation always wins and clears the reason.
func (g *Group) RefreshStatus() bool {
	next := g.ComputeStatus()

	terminal := next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	if g.PauseReason == PausedByUser && !terminal {
		next = StatusPaused
	}
	switch {
	case terminal:
		g.PauseReason = ""
	case next == StatusPaused && g.PauseReason == "":
		g.PauseReason = PausedByFailure
	case next != StatusPaused && g.PauseReason == PausedByFailure:
		g.PauseReason = ""
	}

	if next == g.Status {
		return false
	}
	g.Status = next

	now := time.Now()
	switch next {
	case StatusRunning:
		if g.StartedAt == nil {
			g.StartedAt = &now
		}
	case StatusCompleted, StatusFailed, StatusCancelled:
		g.FinishedAt = &now
	}
	return true
}

// IsTerminal reports whether the group reached a final state.
func (g *Group) IsTerminal() bool {
	switch g.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Validate checks the structural contract at submission time: no empty
// groups, no nil/ambiguous children, no duplicate nodes or cycles, and a
// kind on every leaf. Violations are ErrInvalidTaskStructure.
func (g *Group) Validate() error {
	seen := map[string]bool{}
	visiting := map[*Group]bool{}
	return g.validate(seen, visiting)
}

func (g *Group) validate(seen map[string]bool, visiting map[*Group]bool) error {
	if visiting[g] {
		return fmt.Errorf("%w: group %q contains a cycle", ErrInvalidTaskStructure, g.ID)
	}
	visiting[g] = true
	defer delete(visiting, g)

	if g.ID == "" {
		return fmt.Errorf("%w: group without id", ErrInvalidTaskStructure)
	}
	if seen[g.ID] {
		return fmt.Errorf("%w: duplicate node id %q", ErrInvalidTaskStructure, g.ID)
	}
	seen[g.ID] = true

	if len(g.Children) == 0 {
		return fmt.Errorf("%w: group %q is empty", ErrInvalidTaskStructure, g.ID)
	}
	for i, c := range g.Children {
		switch {
		case c.Task != nil && c.Group != nil:
			return fmt.Errorf("%w: group %q child %d is both task and group", ErrInvalidTaskStructure, g.ID, i)
		case c.Task != nil:
			t := c.Task
			if t.ID == "" {
				return fmt.Errorf("%w: task without id in group %q", ErrInvalidTaskStructure, g.ID)
			}
			if seen[t.ID] {
				return fmt.Errorf("%w: duplicate node id %q", ErrInvalidTaskStructure, t.ID)
			}
			seen[t.ID] = true
			if t.Kind == "" {
				return fmt.Errorf("%w: task %q has no kind", ErrInvalidTaskStructure, t.ID)
			}
		case c.Group != nil:
			if err := c.Group.validate(seen, visiting); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: group %q child %d is nil", ErrInvalidTaskStructure, g.ID, i)
		}
	}
	return nil
}
