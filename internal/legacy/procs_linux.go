//go:build linux

package legacy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

type procs struct {
	root  string
	self  int
	grace time.Duration
	poll  time.Duration
	kill  func(pid int, sig syscall.Signal) error
}

// NewProcs scans /proc. Matched processes get SIGTERM, then SIGKILL after
// grace (0 means 5s).
func NewProcs(grace time.Duration) Backend {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &procs{root: "/proc", self: os.Getpid(), grace: grace, poll: 100 * time.Millisecond, kill: syscall.Kill}
}

func (p *procs) Kind() string { return "process" }

func (p *procs) List(ctx context.Context, pattern string) ([]Target, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, err
	}
	var out []Target
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == p.self || pid <= 1 {
			continue
		}
		name, args := p.read(pid)
		if name == "" {
			continue
		}
		if !Match(pattern, name) && !matchArgs(pattern, args) {
			continue
		}
		out = append(out, Target{Kind: "process", Name: name, PID: pid, Active: true})
	}
	return out, nil
}

// read returns the process name and argv; empty for kernel threads or
// processes that exited meanwhile.
func (p *procs) read(pid int) (string, []string) {
	dir := filepath.Join(p.root, strconv.Itoa(pid))
	raw, err := os.ReadFile(filepath.Join(dir, "cmdline"))
	if err != nil || len(raw) == 0 {
		return "", nil
	}
	var args []string
	for _, a := range bytes.Split(bytes.TrimRight(raw, "\x00"), []byte{0}) {
		args = append(args, string(a))
	}
	comm, err := os.ReadFile(filepath.Join(dir, "comm"))
	if err != nil {
		return filepath.Base(args[0]), args
	}
	return strings.TrimSpace(string(comm)), args
}

// matchArgs matches interpreter-launched scripts, e.g. "python3 bot.py".
func matchArgs(pattern string, args []string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		if Match(pattern, a) {
			return true
		}
	}
	return false
}

func (p *procs) Stop(ctx context.Context, t Target) error {
	if err := p.kill(t.PID, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal %d: %w", t.PID, err)
	}
	deadline := time.NewTimer(p.grace)
	defer deadline.Stop()
	tick := time.NewTicker(p.poll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if errors.Is(p.kill(t.PID, 0), syscall.ESRCH) {
				return nil
			}
		case <-deadline.C:
			if err := p.kill(t.PID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				return fmt.Errorf("kill %d: %w", t.PID, err)
			}
			return nil
		}
	}
}

func (p *procs) Close() error { return nil }
