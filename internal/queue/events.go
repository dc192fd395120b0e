package queue

import "ocrsched/internal/task"

// TaskEvent is the payload for task.* events. It carries a snapshot, never a
// pointer into the live tree.
type TaskEvent struct {
	TaskID     string      `json:"task_id"`
	RootID     string      `json:"root_id"`
	Kind       string      `json:"kind"`
	Status     task.Status `json:"status"`
	Progress   float64     `json:"progress"`
	Error      string      `json:"error,omitempty"`
	RetryCount int         `json:"retry_count"`
	WillRetry  bool        `json:"will_retry,omitempty"`
}

// GroupEvent is the payload for group.* events.
type GroupEvent struct {
	GroupID  string      `json:"group_id"`
	RootID   string      `json:"root_id"`
	Title    string      `json:"title"`
	Status   task.Status `json:"status"`
	Reason   string      `json:"reason,omitempty"`
	Progress float64     `json:"progress"`
	Counts   task.Counts `json:"counts"`
}
