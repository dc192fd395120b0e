// Package app wires the process together: config, logging, the scheduler
// core, config hot reload and event logging. main stays thin.
package app

import (
	"context"
	"fmt"
	"sync"

	"ocrsched/internal/config"
	"ocrsched/internal/eventbus"
	"ocrsched/internal/queue"
	"ocrsched/internal/scheduler"
	"ocrsched/internal/task"
	logx "ocrsched/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	sched  *scheduler.Scheduler

	cancelBg context.CancelFunc
	bg       sync.WaitGroup
}

// New loads the config (or defaults when path is empty) and assembles the
// scheduler. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfg := config.Default()
	var mgr *config.Manager
	if cfgPath != "" {
		mgr = config.NewManager(cfgPath, logx.NewConsole("info"))
		loaded, err := mgr.Load()
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
		cfg = loaded
	}

	logSvc, log := logx.New(cfg.Logging.ToLogx())

	storageCfg, err := cfg.Storage.ToStorage()
	if err != nil {
		return nil, err
	}
	workerCfg, err := cfg.Scheduler.ToWorker()
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(scheduler.Config{
		Worker:  workerCfg,
		Storage: storageCfg,
	}, log)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log.With(logx.String("comp", "app")),
		sched:  sched,
	}, nil
}

// Scheduler exposes the core for handler registration and submissions.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Log returns the root logger.
func (a *App) Log() logx.Logger { return a.log }

// Start brings the scheduler up, registers configured recurring jobs and
// launches the config watcher and the event logger.
func (a *App) Start(ctx context.Context) error {
	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	if a.cfgMgr != nil {
		for _, j := range a.cfgMgr.Get().Jobs {
			job := j
			if _, err := a.sched.Schedule(job.Schedule, func() (*task.Group, error) {
				return buildJobGroup(job), nil
			}); err != nil {
				return fmt.Errorf("schedule job %q: %w", job.Kind, err)
			}
			a.log.Info("recurring job registered",
				logx.String("kind", job.Kind), logx.String("schedule", job.Schedule))
		}
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancelBg = cancel

	if a.cfgMgr != nil {
		updates := a.cfgMgr.Subscribe(1)
		a.bg.Add(2)
		go func() {
			defer a.bg.Done()
			_ = a.cfgMgr.Watch(bgCtx)
		}()
		go func() {
			defer a.bg.Done()
			defer a.cfgMgr.Unsubscribe(updates)
			for {
				select {
				case <-bgCtx.Done():
					return
				case cfg, ok := <-updates:
					if !ok {
						return
					}
					a.applyConfig(cfg)
				}
			}
		}()
	}

	events, unsub := a.sched.Subscribe(128)
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		defer unsub()
		a.logEvents(bgCtx, events)
	}()
	return nil
}

// applyConfig propagates hot-reloadable settings: log sinks/level and the
// worker count. Storage and job changes need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(cfg.Logging.ToLogx())
	if cfg.Scheduler.Workers > 0 {
		a.sched.SetGlobalConcurrency(cfg.Scheduler.Workers)
	}
	a.log.Info("config applied", logx.Int("workers", cfg.Scheduler.Workers))
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch data := ev.Data.(type) {
			case queue.TaskEvent:
				a.log.Debug(ev.Type,
					logx.String("task", data.TaskID),
					logx.String("kind", data.Kind),
					logx.String("status", string(data.Status)),
					logx.Float64("progress", data.Progress))
			case queue.GroupEvent:
				a.log.Info(ev.Type,
					logx.String("group", data.GroupID),
					logx.String("title", data.Title),
					logx.String("status", string(data.Status)),
					logx.Float64("progress", data.Progress))
			default:
				a.log.Trace(ev.Type)
			}
		}
	}
}

// Stop shuts everything down: background loops, the scheduler (draining
// workers, flushing the snapshot) and the log sinks.
func (a *App) Stop(ctx context.Context) error {
	if a.cancelBg != nil {
		a.cancelBg()
	}
	err := a.sched.Stop(ctx)
	a.bg.Wait()
	_ = a.logSvc.Close()
	return err
}

func buildJobGroup(j config.JobConfig) *task.Group {
	title := j.Title
	if title == "" {
		title = j.Kind
	}
	g := task.NewGroup(title)
	g.Priority = j.Priority
	g.MaxConcurrency = j.MaxConcurrency
	g.AddTask(task.NewTask(j.Kind, j.Input))
	return g
}
