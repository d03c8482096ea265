//go:build !linux

package legacy

import (
	"context"
	"time"
)

type procs struct{}

func NewProcs(time.Duration) Backend { return procs{} }

func (procs) Kind() string { return "process" }

func (procs) List(context.Context, string) ([]Target, error) { return nil, ErrUnsupported }

func (procs) Stop(context.Context, Target) error { return ErrUnsupported }

func (procs) Close() error { return nil }
