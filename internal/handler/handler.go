// Package handler defines the execution contract between the scheduler core
// and domain code: a Handler per task kind, resolved through a Registry at
// dispatch time.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"ocrsched/internal/task"
)

var (
	// ErrNotRegistered means a task names a kind no handler was registered
	// for. The task fails immediately without consuming retries.
	ErrNotRegistered = errors.New("handler not registered")

	// ErrCancelled is what a cooperative handler returns when it observed a
	// cancellation signal and stopped early. The task is marked cancelled
	// rather than failed.
	ErrCancelled = errors.New("execution cancelled")
)

// IsCancelled reports whether err is the cooperative-abort sentinel.
//
// Context errors deliberately don't match: a timeout inside the handler's own
// sub-calls is an ordinary failure and stays subject to the retry budget. The
// worker separately classifies an attempt as cancelled when the attempt
// context itself was cancelled or the execution was signalled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// Handler executes one task attempt.
//
// The returned value becomes the task result on success. On error the attempt
// counts as failed unless IsCancelled(err), which marks the task cancelled.
// Handlers must be safe for concurrent calls with distinct executions.
type Handler interface {
	Execute(ctx context.Context, exec *Execution) (any, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, exec *Execution) (any, error)

func (f HandlerFunc) Execute(ctx context.Context, exec *Execution) (any, error) {
	return f(ctx, exec)
}

// Execution is the per-attempt view a handler gets: read access to the task,
// a progress reporter, and a cancellation probe for handlers that poll
// instead of selecting on ctx.Done().
type Execution struct {
	t         *task.Task
	report    func(progress float64)
	cancelled atomic.Bool
}

// NewExecution wires an attempt. report may be nil.
func NewExecution(t *task.Task, report func(progress float64)) *Execution {
	return &Execution{t: t, report: report}
}

// Task returns the task under execution. Handlers treat it as read-only;
// state and progress writes go through the scheduler.
func (e *Execution) Task() *task.Task { return e.t }

// ReportProgress publishes fractional completion in [0,1]. Out-of-range
// values are clamped; regressions are ignored upstream.
func (e *Execution) ReportProgress(p float64) {
	if e.report == nil {
		return
	}
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	e.report(p)
}

// Cancelled reports whether a forced cancel targeted this attempt.
func (e *Execution) Cancelled() bool { return e.cancelled.Load() }

// SignalCancel flips the cancellation probe. Called by the worker pool on
// forced cancellation; handlers observe it via Cancelled.
func (e *Execution) SignalCancel() { e.cancelled.Store(true) }

// Registry maps task kinds to handlers.
//
// Registration happens at startup, lookups at dispatch time; both are safe
// concurrently.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds kind to h. Re-registering a kind replaces the previous
// handler; an empty kind or nil handler is an error.
func (r *Registry) Register(kind string, h Handler) error {
	if kind == "" {
		return errors.New("handler kind is empty")
	}
	if h == nil {
		return errors.New("nil handler for kind " + kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
	return nil
}

// RegisterFunc is Register for bare functions.
func (r *Registry) RegisterFunc(kind string, f HandlerFunc) error {
	return r.Register(kind, f)
}

// Get resolves the handler for kind.
func (r *Registry) Get(kind string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, kind)
	}
	return h, nil
}

// Kinds lists registered kinds, unordered.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
