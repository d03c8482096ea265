package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"herald/internal/app"
	"herald/internal/orchestrator"
)

const stopTimeout = 30 * time.Second

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start one worker per credential and run until signaled",
		Long: "Starts the workers, waits until at least one is running and then serves until SIGINT or SIGTERM. " +
			"SIGHUP reloads the config file and restarts the workers.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), root.configPath)
		},
	}
}

func run(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Startup blocks until a worker is running; INT or TERM abandons it.
	endWatch := watchStopSignals(sigs, cancel)
	err = a.Start(ctx)
	reason, signaled := endWatch()
	if err != nil {
		if !signaled {
			reason = app.StopFatalError
			if errors.Is(err, orchestrator.ErrNoWorkerRunning) {
				reason = app.StopNoWorkers
			}
		}
		_ = a.Stop(context.Background(), reason)
		if signaled {
			return nil
		}
		return err
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	if !signaled {
		reason = app.StopUnknown
	}
loop:
	for !signaled {
		select {
		case <-parent.Done():
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
				rctx, rcancel := context.WithCancel(ctx)
				endWatch := watchStopSignals(sigs, rcancel)
				if err := a.Reload(rctx); err != nil {
					fmt.Fprintln(os.Stderr, "reload:", err)
				}
				rcancel()
				if reason, signaled = endWatch(); signaled {
					break loop
				}
				_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
			default:
				reason, _ = stopReason(sig)
				break loop
			}
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
	defer scancel()
	stopErr := a.Stop(sctx, reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}

func stopReason(sig os.Signal) (app.StopReason, bool) {
	switch sig {
	case syscall.SIGTERM:
		return app.StopSIGTERM, true
	case os.Interrupt:
		return app.StopSIGINT, true
	}
	return "", false
}

// watchStopSignals calls cancel when SIGINT or SIGTERM arrives on sigs until
// the returned func is called. That func reports the signal's stop reason.
// SIGHUP is dropped while watching.
func watchStopSignals(sigs <-chan os.Signal, cancel context.CancelFunc) func() (app.StopReason, bool) {
	done := make(chan struct{})
	exited := make(chan struct{})
	var (
		reason app.StopReason
		got    bool
	)
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				if reason, got = stopReason(sig); got {
					cancel()
					return
				}
			}
		}
	}()
	return func() (app.StopReason, bool) {
		close(done)
		<-exited
		return reason, got
	}
}
