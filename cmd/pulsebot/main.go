package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"pulsebot/internal/app"
)

func main() {
	var (
		cfgPath string
		trigger string
		drain   time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&trigger, "trigger", "", "run one job by name (e.g. pulse), wait for deliveries and exit")
	flag.DurationVar(&drain, "drain", 30*time.Second, "with -trigger: how long to wait for queued deliveries")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	sigReason := make(chan app.StopReason, 1)
	go func() {
		if sig := <-sigs; sig == syscall.SIGTERM {
			sigReason <- app.StopSIGTERM
		} else {
			sigReason <- app.StopSIGINT
		}
		cancel()
	}()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	if trigger != "" {
		os.Exit(runOnce(ctx, a, trigger, drain))
	}

	reason := app.StopUnknown
	select {
	case reason = <-sigReason:
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
			break
		}
		select {
		case reason = <-sigReason:
		case <-time.After(100 * time.Millisecond):
		}
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		fmt.Println("fatal:", a.Err())
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, a *app.App, name string, drain time.Duration) int {
	code := 0
	if err := a.Trigger(ctx, name); err != nil {
		fmt.Println("trigger failed:", err)
		code = 1
	} else {
		dctx, dcancel := context.WithTimeout(ctx, drain)
		if err := a.Drain(dctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			fmt.Println("drain:", err)
		} else if err != nil {
			fmt.Println("drain: deliveries still pending after", drain)
		}
		dcancel()
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, app.StopTriggerRun)
	return code
}
