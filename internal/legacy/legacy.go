// Package legacy stops sibling processes left by older deployments, either
// as systemd units or as plain processes.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	logx "herald/pkg/logx"
)

var ErrUnsupported = errors.New("legacy: unsupported OS (linux only)")

// Target is one unit or process matched by a pattern.
type Target struct {
	Kind   string // "unit" or "process"
	Name   string
	PID    int
	Active bool
}

func (t Target) String() string {
	if t.Kind == "process" {
		return fmt.Sprintf("%s[%d]", t.Name, t.PID)
	}
	return t.Name
}

// Backend lists and stops targets.
type Backend interface {
	Kind() string
	List(ctx context.Context, pattern string) ([]Target, error)
	Stop(ctx context.Context, t Target) error
	Close() error
}

type Result struct {
	Target Target
	Err    error
}

// Summary reports what StopMatching did.
type Summary struct {
	Results []Result
	Stopped int
	Failed  int
	Skipped int
}

func (s Summary) Err() error {
	var errs []error
	for _, r := range s.Results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Target, r.Err))
		}
	}
	return errors.Join(errs...)
}

// ValidatePattern rejects patterns that would match everything or are not
// valid globs.
func ValidatePattern(pattern string) error {
	p := strings.TrimSpace(pattern)
	if p == "" || strings.Trim(p, "*?.") == "" {
		return fmt.Errorf("legacy: pattern %q is too broad", pattern)
	}
	if _, err := path.Match(p, ""); err != nil {
		return fmt.Errorf("legacy: invalid pattern %q: %w", pattern, err)
	}
	return nil
}

// Match reports whether name matches the glob. Unit suffixes and
// directories are ignored so "bot-*" matches "bot-1.service" and
// "/usr/bin/bot-1".
func Match(pattern, name string) bool {
	base := filepath.Base(name)
	for _, n := range []string{name, base, strings.TrimSuffix(base, ".service")} {
		if ok, _ := path.Match(pattern, n); ok {
			return true
		}
	}
	return false
}

// StopMatching stops every active target the backends list for pattern.
// Failures do not stop the sweep.
func StopMatching(ctx context.Context, pattern string, log logx.Logger, backends ...Backend) (Summary, error) {
	if err := ValidatePattern(pattern); err != nil {
		return Summary{}, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	var sum Summary
	for _, b := range backends {
		targets, err := b.List(ctx, pattern)
		if err != nil {
			if errors.Is(err, ErrUnsupported) {
				log.Debug("legacy backend unavailable", logx.String("kind", b.Kind()))
				continue
			}
			return sum, fmt.Errorf("list %s: %w", b.Kind(), err)
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i].String() < targets[j].String() })

		for _, t := range targets {
			if !t.Active {
				sum.Skipped++
				continue
			}
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			err := b.Stop(ctx, t)
			sum.Results = append(sum.Results, Result{Target: t, Err: err})
			if err != nil {
				sum.Failed++
				log.Warn("stop failed", logx.String("target", t.String()), logx.Err(err))
				continue
			}
			sum.Stopped++
			log.Info("stopped", logx.String("kind", t.Kind), logx.String("target", t.String()))
		}
	}
	return sum, nil
}
