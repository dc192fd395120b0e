package storage

import (
	"context"
	"errors"
	"time"

	"ocrsched/internal/task"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures persistence.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot.json + history.jsonl)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", persistence is disabled and the scheduler
// runs purely in memory.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the queue.
//
// SaveSnapshot replaces the full active set; AppendHistory is append-only
// and a group is immutable once written there.
type Store interface {
	SaveSnapshot(ctx context.Context, groups []*task.Group) error
	LoadSnapshot(ctx context.Context) ([]*task.Group, error)
	AppendHistory(ctx context.Context, g *task.Group) error
	LoadHistory(ctx context.Context, limit int) ([]*task.Group, error)
	Close() error
}
