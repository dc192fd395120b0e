package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Task or Group.
//
// Paused applies to groups only; an individual task is never paused, it is
// simply not dequeued while its group is.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// CancelMode selects how in-flight work is treated when a group is cancelled.
//
// Cancellation is cooperative in both modes: the core can never preempt a
// handler mid-call, only ask it (via Execution.Cancelled / ctx) to stop.
type CancelMode string

const (
	// CancelGraceful lets in-flight tasks finish and drops pending ones.
	CancelGraceful CancelMode = "graceful"
	// CancelForced additionally signals in-flight handlers to abort.
	CancelForced CancelMode = "forced"
)

// DefaultMaxRetries is the attempt budget applied when a task doesn't set one.
const DefaultMaxRetries = 3

// Task is the atomic, non-divisible unit of work.
//
// A task holds data and state only; execution lives in a registered handler
// selected by Kind. Result and Error are mutually exclusive and populated
// only in terminal states.
type Task struct {
	ID    string         `json:"id"`
	Kind  string         `json:"kind"`
	Input map[string]any `json:"input,omitempty"`

	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`
	Result   any     `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`

	// RetryCount counts automatic re-dispatches after failure.
	// MaxRetries is the total attempt budget: 0 means a single failure is
	// terminal, 3 means the third consecutive failure is terminal.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewTask builds a pending task with a fresh id and the default retry budget.
func NewTask(kind string, input map[string]any) *Task {
	return &Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Input:      input,
		Status:     StatusPending,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now(),
	}
}

// IsTerminal reports whether the task reached a final state.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the task is still schedulable or in flight.
func (t *Task) IsActive() bool {
	return t.Status == StatusPending || t.Status == StatusRunning
}

// Retryable reports whether another automatic attempt fits the budget.
func (t *Task) Retryable() bool {
	return t.RetryCount+1 < t.MaxRetries
}

// Task state machine. Failed->Pending is the retry path (automatic or via
// retry-failed); Failed->Cancelled is the skip-failed path.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusPending, StatusCancelled},
}

// CanTransitionTo reports whether the transition is allowed. A no-op
// transition to the current status is always allowed.
func (t *Task) CanTransitionTo(next Status) bool {
	if next == t.Status {
		return true
	}
	for _, s := range validTransitions[t.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// TransitionTo moves the task to next and maintains timestamps.
//
// An illegal transition returns ErrInvalidStateTransition: that is a
// programming-contract violation, not a runtime condition to recover from.
func (t *Task) TransitionTo(next Status) error {
	if !t.CanTransitionTo(next) {
		return fmt.Errorf("%w: task %s: %s -> %s", ErrInvalidStateTransition, t.ID, t.Status, next)
	}
	prev := t.Status
	t.Status = next

	now := time.Now()
	switch next {
	case StatusRunning:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusCompleted, StatusFailed, StatusCancelled:
		t.FinishedAt = &now
		if next == StatusCompleted {
			t.Progress = 1.0
		}
	case StatusPending:
		// Re-dispatch: the next attempt starts from scratch.
		if prev != StatusPending {
			t.Progress = 0.0
			t.StartedAt = nil
			t.FinishedAt = nil
		}
	}
	return nil
}
