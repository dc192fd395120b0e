package config

import (
	"fmt"

	"ocrsched/internal/storage"
	"ocrsched/internal/worker"
	logx "ocrsched/pkg/logx"
)

// Config is the on-disk configuration (YAML or JSON). Unknown fields are
// rejected so typos surface at load time instead of silently defaulting.
type Config struct {
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Jobs      []JobConfig     `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Driver: "file", "sqlite", or ""/"none" for in-memory only.
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	// Workers is the global task concurrency; hot-reloadable.
	Workers          int    `json:"workers,omitempty"`
	IdleBackoff      string `json:"idle_backoff,omitempty"`
	ProgressInterval string `json:"progress_interval,omitempty"`
	ShutdownGrace    string `json:"shutdown_grace,omitempty"`
}

// JobConfig declares a recurring submission on a cron schedule: every firing
// enqueues a fresh single-task group.
type JobConfig struct {
	// Schedule is a standard 5-field cron expression, e.g. "*/10 * * * *".
	Schedule       string         `json:"schedule"`
	Title          string         `json:"title,omitempty"`
	Kind           string         `json:"kind"`
	Input          map[string]any `json:"input,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	MaxConcurrency int            `json:"max_concurrency,omitempty"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info"},
		Scheduler: SchedulerConfig{Workers: 4},
	}
}

// ToLogx maps the logging section onto the log service config.
func (c LoggingConfig) ToLogx() logx.Config {
	console := true
	if c.Console != nil {
		console = *c.Console
	}
	return logx.Config{
		Level:   c.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

// ToStorage maps the storage section onto the store config.
func (c StorageConfig) ToStorage() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: busy,
	}, nil
}

// ToWorker maps the scheduler section onto the pool config; zero fields keep
// the pool defaults.
func (c SchedulerConfig) ToWorker() (worker.Config, error) {
	idle, err := ParseDurationField("scheduler.idle_backoff", c.IdleBackoff)
	if err != nil {
		return worker.Config{}, err
	}
	progress, err := ParseDurationField("scheduler.progress_interval", c.ProgressInterval)
	if err != nil {
		return worker.Config{}, err
	}
	grace, err := ParseDurationField("scheduler.shutdown_grace", c.ShutdownGrace)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		Workers:          c.Workers,
		IdleBackoff:      idle,
		ProgressInterval: progress,
		ShutdownGrace:    grace,
	}, nil
}

// Validate catches structural mistakes the strict decoder cannot.
func (c *Config) Validate() error {
	if _, err := c.Storage.ToStorage(); err != nil {
		return err
	}
	if _, err := c.Scheduler.ToWorker(); err != nil {
		return err
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers: must be >= 0")
	}
	for i, j := range c.Jobs {
		if j.Schedule == "" {
			return fmt.Errorf("jobs[%d]: schedule is required", i)
		}
		if j.Kind == "" {
			return fmt.Errorf("jobs[%d]: kind is required", i)
		}
	}
	return nil
}
