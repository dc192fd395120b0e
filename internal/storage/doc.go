// Package storage persists scheduler state: a snapshot of all active task
// groups, rewritten on every structural queue mutation, and an append-only
// history of groups that reached a terminal state.
//
// Two drivers exist: "file" (atomic JSON snapshot + JSON Lines history) and
// "sqlite" (single database file). Persistence failures never block
// scheduling; the queue logs and keeps going on in-memory state.
package storage
