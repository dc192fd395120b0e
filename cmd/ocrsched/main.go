package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ocrsched/internal/app"
	"ocrsched/internal/handler"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	// Diagnostic task kinds; real deployments register their processing
	// handlers here the same way.
	_ = a.Scheduler().RegisterFunc("noop", func(ctx context.Context, exec *handler.Execution) (any, error) {
		exec.ReportProgress(1)
		return "ok", nil
	})
	_ = a.Scheduler().RegisterFunc("sleep", func(ctx context.Context, exec *handler.Execution) (any, error) {
		d := 100 * time.Millisecond
		if raw, ok := exec.Task().Input["duration"].(string); ok {
			if parsed, err := time.ParseDuration(raw); err == nil {
				d = parsed
			}
		}
		const steps = 10
		for i := 1; i <= steps; i++ {
			if exec.Cancelled() {
				return nil, handler.ErrCancelled
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d / steps):
			}
			exec.ReportProgress(float64(i) / steps)
		}
		return map[string]any{"slept": d.String()}, nil
	})

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
}
