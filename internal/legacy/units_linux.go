//go:build linux

package legacy

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

type units struct {
	conn *dbus.Conn
}

// NewUnits connects to the system bus.
func NewUnits(ctx context.Context) (Backend, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &units{conn: conn}, nil
}

func (u *units) Kind() string { return "unit" }

func (u *units) List(ctx context.Context, pattern string) ([]Target, error) {
	patterns := []string{pattern}
	if !strings.HasSuffix(pattern, ".service") {
		patterns = append(patterns, pattern+".service")
	}
	list, err := u.conn.ListUnitsByPatternsContext(ctx, nil, patterns)
	if err != nil {
		return nil, err
	}
	out := make([]Target, 0, len(list))
	for _, st := range list {
		if st.LoadState == "not-found" {
			continue
		}
		out = append(out, Target{
			Kind:   "unit",
			Name:   st.Name,
			Active: st.ActiveState == "active" || st.ActiveState == "activating" || st.ActiveState == "reloading",
		})
	}
	return out, nil
}

// Stop queues a stop job and waits for its result.
func (u *units) Stop(ctx context.Context, t Target) error {
	done := make(chan string, 1)
	if _, err := u.conn.StopUnitContext(ctx, t.Name, "replace", done); err != nil {
		return fmt.Errorf("failed to stop %s: %w", t.Name, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("stop job for %s finished with %q", t.Name, res)
		}
		return nil
	}
}

func (u *units) Close() error {
	u.conn.Close()
	return nil
}
