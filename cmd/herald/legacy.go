package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"herald/internal/legacy"
	logx "herald/pkg/logx"
)

type stopLegacyOptions struct {
	units     bool
	processes bool
	grace     time.Duration
	timeout   time.Duration
}

func newStopLegacyCmd() *cobra.Command {
	opts := &stopLegacyOptions{}
	cmd := &cobra.Command{
		Use:   "stop-legacy <pattern>",
		Short: "Stop systemd units and processes left by older deployments",
		Long: "Stops every active systemd unit and process whose name matches the glob pattern, " +
			"e.g. 'oldbot*'. Processes get SIGTERM and, after --grace, SIGKILL.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, args[0])
		},
	}
	cmd.Flags().BoolVar(&opts.units, "units", true, "stop matching systemd units")
	cmd.Flags().BoolVar(&opts.processes, "processes", true, "stop matching processes")
	cmd.Flags().DurationVar(&opts.grace, "grace", 5*time.Second, "wait before SIGKILL")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "overall timeout")
	return cmd
}

func (o *stopLegacyOptions) run(cmd *cobra.Command, pattern string) error {
	if err := legacy.ValidatePattern(pattern); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var backends []legacy.Backend
	if o.units {
		u, err := legacy.NewUnits(ctx)
		switch {
		case err == nil:
			defer u.Close()
			backends = append(backends, u)
		case errors.Is(err, legacy.ErrUnsupported):
		default:
			fmt.Fprintln(cmd.ErrOrStderr(), "systemd unavailable:", err)
		}
	}
	if o.processes {
		backends = append(backends, legacy.NewProcs(o.grace))
	}
	if len(backends) == 0 {
		return errors.New("nothing to do: enable --units or --processes")
	}

	log := logx.NewWriter(cmd.ErrOrStderr(), "info").With(logx.String("comp", "legacy"))
	sum, err := legacy.StopMatching(ctx, pattern, log, backends...)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stopped=%d failed=%d skipped=%d\n", sum.Stopped, sum.Failed, sum.Skipped)
	return sum.Err()
}
