// Package scheduler is the façade over the scheduling core: one object that
// owns the queue, the worker pool, the handler registry, persistence and the
// event bus, and exposes the submit/control/query surface callers use.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"ocrsched/internal/eventbus"
	"ocrsched/internal/handler"
	"ocrsched/internal/queue"
	"ocrsched/internal/storage"
	"ocrsched/internal/task"
	"ocrsched/internal/worker"
	logx "ocrsched/pkg/logx"
)

// Config assembles the core. Zero values mean defaults everywhere.
type Config struct {
	Worker  worker.Config
	Storage storage.Config
}

// Stats extends the queue aggregate with pool sizing and load.
type Stats struct {
	queue.Stats
	Workers     int `json:"workers"`
	BusyWorkers int `json:"busy_workers"`
}

type Scheduler struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	queue *queue.Queue
	reg   *handler.Registry
	pool  *worker.Pool
	cron  *cron.Cron

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds a stopped scheduler. Handlers must be registered before Start;
// registering later works but tasks of an unknown kind fail terminally.
func New(cfg Config, log logx.Logger) (*Scheduler, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	store, err := storage.Open(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	q := queue.New(store, bus, log)
	reg := handler.NewRegistry()
	pool := worker.NewPool(cfg.Worker, q, reg, log)

	return &Scheduler{
		log:   log.With(logx.String("comp", "scheduler")),
		bus:   bus,
		store: store,
		queue: q,
		reg:   reg,
		pool:  pool,
		cron:  cron.New(),
	}, nil
}

// Register binds a handler to a task kind.
func (s *Scheduler) Register(kind string, h handler.Handler) error {
	return s.reg.Register(kind, h)
}

// RegisterFunc is Register for bare functions.
func (s *Scheduler) RegisterFunc(kind string, f handler.HandlerFunc) error {
	return s.reg.RegisterFunc(kind, f)
}

// Start restores persisted state (interrupted tasks go back to pending) and
// spins up workers and the cron runner. Idempotent until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("scheduler already stopped")
	}
	if s.started {
		return nil
	}
	s.started = true

	s.queue.Restore(ctx)
	s.pool.Start(ctx)
	s.cron.Start()
	s.log.Info("scheduler started", logx.Int("workers", s.pool.Workers()))
	return nil
}

// Stop drains the pool within its grace period, flushes the snapshot and
// closes the store. The scheduler cannot be restarted afterwards.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	var err error
	if started {
		err = s.pool.Stop(ctx)
	}
	s.queue.Flush(context.WithoutCancel(ctx))
	if s.store != nil {
		if cerr := s.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.log.Info("scheduler stopped")
	return err
}

// Submit enqueues a caller-built group tree.
func (s *Scheduler) Submit(ctx context.Context, g *task.Group) error {
	return s.queue.Enqueue(ctx, g)
}

// SubmitTasks enqueues a flat group with one task of the given kind per
// input. This is the common path: one batch of pages, one kind.
func (s *Scheduler) SubmitTasks(ctx context.Context, title, kind string, inputs []map[string]any, opts ...SubmitOption) (*task.Group, error) {
	g := task.NewGroup(title)
	applyOptions(g, opts)
	for _, in := range inputs {
		t := task.NewTask(kind, in)
		if o := collect(opts); o.maxRetries != nil {
			t.MaxRetries = *o.maxRetries
		}
		g.AddTask(t)
	}
	if err := s.queue.Enqueue(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// Document is one nested unit for SubmitDocuments: a subgroup holding one
// task per page input.
type Document struct {
	Title string
	Kind  string
	Pages []map[string]any
}

// SubmitDocuments enqueues a two-level tree: a root group with one subgroup
// per document.
func (s *Scheduler) SubmitDocuments(ctx context.Context, title string, docs []Document, opts ...SubmitOption) (*task.Group, error) {
	root := task.NewGroup(title)
	applyOptions(root, opts)
	o := collect(opts)
	for _, d := range docs {
		sub := task.NewGroup(d.Title)
		for _, page := range d.Pages {
			t := task.NewTask(d.Kind, page)
			if o.maxRetries != nil {
				t.MaxRetries = *o.maxRetries
			}
			sub.AddTask(t)
		}
		root.AddGroup(sub)
	}
	if err := s.queue.Enqueue(ctx, root); err != nil {
		return nil, err
	}
	return root, nil
}

// Pause stops dequeues from a group; in-flight tasks finish normally.
func (s *Scheduler) Pause(ctx context.Context, groupID string) error {
	return s.queue.PauseGroup(ctx, groupID)
}

// Resume lifts an operator pause.
func (s *Scheduler) Resume(ctx context.Context, groupID string) error {
	return s.queue.ResumeGroup(ctx, groupID)
}

// Cancel drops a group's remaining work. CancelForced additionally signals
// in-flight handlers; they may still finish if they ignore the signal.
func (s *Scheduler) Cancel(ctx context.Context, groupID string, mode task.CancelMode) error {
	inflight, err := s.queue.CancelGroup(ctx, groupID, mode)
	if err != nil {
		return err
	}
	if mode == task.CancelForced && len(inflight) > 0 {
		s.pool.ForceCancel(inflight)
	}
	return nil
}

// RetryFailed re-queues a group's failed tasks with a fresh retry budget.
func (s *Scheduler) RetryFailed(ctx context.Context, groupID string) (int, error) {
	return s.queue.RetryFailed(ctx, groupID)
}

// SkipFailed abandons a group's failed tasks so the rest can complete.
func (s *Scheduler) SkipFailed(ctx context.Context, groupID string) (int, error) {
	return s.queue.SkipFailed(ctx, groupID)
}

// UpdatePriority reorders a root group in the queue.
func (s *Scheduler) UpdatePriority(ctx context.Context, groupID string, priority int) error {
	return s.queue.UpdatePriority(ctx, groupID, priority)
}

// SetGlobalConcurrency resizes the worker pool at runtime.
func (s *Scheduler) SetGlobalConcurrency(n int) {
	s.pool.Resize(n)
}

// Get returns a deep copy of an active group.
func (s *Scheduler) Get(groupID string) (*task.Group, bool) {
	return s.queue.Get(groupID)
}

// ListActive returns deep copies of all active roots in queue order.
func (s *Scheduler) ListActive() []*task.Group {
	return s.queue.ListActive()
}

// History returns finished groups, newest first.
func (s *Scheduler) History(ctx context.Context, limit int) ([]*task.Group, error) {
	return s.queue.History(ctx, limit)
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Stats:       s.queue.Stats(),
		Workers:     s.pool.Workers(),
		BusyWorkers: s.pool.Busy(),
	}
}

// Subscribe attaches an observer to the core event stream. The returned
// function detaches it.
func (s *Scheduler) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(buffer)
}

// Schedule registers a recurring submission: build runs on each cron firing
// and its group (if any) is enqueued. spec is a standard 5-field cron
// expression.
func (s *Scheduler) Schedule(spec string, build func() (*task.Group, error)) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		g, err := build()
		if err != nil {
			s.log.Warn("scheduled build failed", logx.Err(err))
			return
		}
		if g == nil {
			return
		}
		if err := s.queue.Enqueue(context.Background(), g); err != nil {
			s.log.Warn("scheduled submit failed", logx.Err(err), logx.String("group", g.ID))
		}
	})
}

// Unschedule removes a recurring submission.
func (s *Scheduler) Unschedule(id cron.EntryID) {
	s.cron.Remove(id)
}

// --- submit options ---

type submitOptions struct {
	priority       int
	maxConcurrency int
	maxRetries     *int
	metadata       map[string]string
}

type SubmitOption func(*submitOptions)

// WithPriority sets the group's queue priority (higher first, default 0).
func WithPriority(p int) SubmitOption {
	return func(o *submitOptions) { o.priority = p }
}

// WithMaxConcurrency caps simultaneously running tasks within the group;
// <= 0 means unlimited.
func WithMaxConcurrency(n int) SubmitOption {
	return func(o *submitOptions) { o.maxConcurrency = n }
}

// WithMaxRetries overrides the per-task attempt budget.
func WithMaxRetries(n int) SubmitOption {
	return func(o *submitOptions) { o.maxRetries = &n }
}

// WithMetadata attaches free-form labels to the group.
func WithMetadata(md map[string]string) SubmitOption {
	return func(o *submitOptions) { o.metadata = md }
}

func collect(opts []SubmitOption) submitOptions {
	var o submitOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func applyOptions(g *task.Group, opts []SubmitOption) {
	o := collect(opts)
	g.Priority = o.priority
	g.MaxConcurrency = o.maxConcurrency
	if o.metadata != nil {
		g.Metadata = o.metadata
	}
}
