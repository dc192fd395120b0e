// Package worker runs the pool of goroutines that pull tasks off the queue
// and drive registered handlers, with panic containment, progress throttling
// and retry/escalation handled per attempt.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ocrsched/internal/handler"
	"ocrsched/internal/queue"
	"ocrsched/internal/task"
	logx "ocrsched/pkg/logx"
)

// Config sizes and paces the pool. Zero values get defaults.
type Config struct {
	// Workers is the global execution concurrency.
	Workers int
	// IdleBackoff is how long a worker sleeps when the queue yields nothing.
	IdleBackoff time.Duration
	// ProgressInterval throttles handler progress reports per attempt; a
	// terminal 1.0 report always passes.
	ProgressInterval time.Duration
	// ShutdownGrace bounds how long Stop waits for in-flight attempts
	// before signalling them to abort.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 25 * time.Millisecond
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 100 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	return c
}

// inflight tracks one running attempt so forced cancellation can reach it.
type inflight struct {
	exec   *handler.Execution
	cancel context.CancelFunc
}

// Pool is the worker pool. Start it once; Resize and ForceCancel are safe at
// any point between Start and Stop.
type Pool struct {
	cfg Config
	log logx.Logger
	q   *queue.Queue
	reg *handler.Registry

	mu       sync.Mutex
	baseCtx  context.Context
	stop     context.CancelFunc
	quits    []chan struct{}
	wg       sync.WaitGroup
	inflight map[string]*inflight
	started  bool
}

func NewPool(cfg Config, q *queue.Queue, reg *handler.Registry, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "worker")),
		q:        q,
		reg:      reg,
		inflight: map[string]*inflight{},
	}
}

// Start spins up the configured number of workers. Idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.baseCtx, p.stop = context.WithCancel(ctx)
	p.resizeLocked(p.cfg.Workers)
	p.log.Info("pool started", logx.Int("workers", p.cfg.Workers))
}

// Resize adjusts the global concurrency at runtime. Shrinking lets excess
// workers finish their current attempt and exit; it never interrupts work.
func (p *Pool) Resize(n int) {
	if n <= 0 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Workers = n
	if !p.started {
		return
	}
	p.resizeLocked(n)
	p.log.Info("pool resized", logx.Int("workers", n))
}

func (p *Pool) resizeLocked(n int) {
	for len(p.quits) > n {
		last := len(p.quits) - 1
		close(p.quits[last])
		p.quits = p.quits[:last]
	}
	for len(p.quits) < n {
		quit := make(chan struct{})
		p.quits = append(p.quits, quit)
		p.wg.Add(1)
		go p.run(quit)
	}
}

// Workers reports the configured concurrency.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Workers
}

// Busy reports how many attempts are currently in flight.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// ForceCancel signals the given in-flight attempts to abort: their contexts
// are cancelled and their execution probes flipped. Tasks not currently in
// flight are ignored.
func (p *Pool) ForceCancel(taskIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range taskIDs {
		if inf, ok := p.inflight[id]; ok {
			inf.exec.SignalCancel()
			inf.cancel()
		}
	}
}

// Stop drains the pool: no new dequeues, then up to ShutdownGrace for
// in-flight attempts to finish, then a forced abort signal to stragglers.
// It returns once every worker exited or ctx is done.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	for _, quit := range p.quits {
		close(quit)
	}
	p.quits = nil
	grace := p.cfg.ShutdownGrace
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}

	// Grace expired: abort whatever is still running.
	p.mu.Lock()
	for _, inf := range p.inflight {
		inf.exec.SignalCancel()
		inf.cancel()
	}
	if p.stop != nil {
		p.stop()
	}
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) run(quit chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-quit:
			return
		case <-p.baseCtx.Done():
			return
		default:
		}

		t, ok := p.q.Dequeue(p.baseCtx)
		if !ok {
			select {
			case <-quit:
				return
			case <-p.baseCtx.Done():
				return
			case <-time.After(p.cfg.IdleBackoff):
			}
			continue
		}
		p.execOne(t)
	}
}

// execOne runs a single attempt end to end, including the terminal queue
// transition. A handler panic fails the attempt instead of killing the
// worker.
func (p *Pool) execOne(t *task.Task) {
	ctx, cancel := context.WithCancel(p.baseCtx)
	defer cancel()

	lim := rate.NewLimiter(rate.Every(p.cfg.ProgressInterval), 1)
	exec := handler.NewExecution(t, func(progress float64) {
		if progress >= 1 || lim.Allow() {
			p.q.UpdateProgress(t.ID, progress)
		}
	})

	p.mu.Lock()
	p.inflight[t.ID] = &inflight{exec: exec, cancel: cancel}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, t.ID)
		p.mu.Unlock()
	}()

	h, err := p.reg.Get(t.Kind)
	if err != nil {
		// Nothing can ever run this kind, so retrying is pointless.
		p.log.Error("no handler", logx.String("kind", t.Kind), logx.String("task", t.ID))
		if _, qerr := p.q.MarkFailed(ctx, t.ID, err.Error(), false); qerr != nil {
			p.log.Error("mark failed", logx.Err(qerr), logx.String("task", t.ID))
		}
		return
	}

	started := time.Now()
	result, err := p.invoke(ctx, h, exec)
	took := time.Since(started)

	switch {
	case err == nil:
		if qerr := p.q.MarkCompleted(ctx, t.ID, result); qerr != nil {
			p.log.Error("mark completed", logx.Err(qerr), logx.String("task", t.ID))
		}
		p.log.Debug("task done",
			logx.String("task", t.ID), logx.String("kind", t.Kind), logx.Duration("took", took))
	case handler.IsCancelled(err) || exec.Cancelled() || ctx.Err() != nil:
		// Cancelled only when cancellation was actually requested: the
		// sentinel, a signalled execution, or the attempt context itself.
		if qerr := p.q.MarkCancelled(context.WithoutCancel(ctx), t.ID); qerr != nil {
			p.log.Error("mark cancelled", logx.Err(qerr), logx.String("task", t.ID))
		}
		p.log.Info("task cancelled",
			logx.String("task", t.ID), logx.String("kind", t.Kind), logx.Duration("took", took))
	default:
		requeued, qerr := p.q.MarkFailed(context.WithoutCancel(ctx), t.ID, err.Error(), true)
		if qerr != nil {
			p.log.Error("mark failed", logx.Err(qerr), logx.String("task", t.ID))
		}
		p.log.Warn("task failed",
			logx.String("task", t.ID), logx.String("kind", t.Kind),
			logx.Err(err), logx.Bool("will_retry", requeued), logx.Duration("took", took))
	}
}

// invoke calls the handler with panic containment.
func (p *Pool) invoke(ctx context.Context, h handler.Handler, exec *handler.Execution) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			p.log.Error("handler panicked",
				logx.String("task", exec.Task().ID),
				logx.String("kind", exec.Task().Kind),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	return h.Execute(ctx, exec)
}
