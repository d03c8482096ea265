package ledger

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("ledger closed")

// Ledger is the shared set of correspondent IDs that already received an
// auto-reply. The set only grows.
type Ledger interface {
	// Get reloads from durable storage and reports membership.
	Get(ctx context.Context, id string) (bool, error)
	// CommitAdd records id and returns true only for the first caller to
	// record it, across workers and across processes sharing the store.
	CommitAdd(ctx context.Context, id string) (bool, error)
	// Flush rewrites durable storage with everything known in memory.
	Flush(ctx context.Context) error
	List(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Config configures the ledger.
//
// Driver values:
//   - "file": JSON array snapshot replaced atomically (default)
//   - "sqlite": SQLite database file (build tag sqlite)
type Config struct {
	Driver string
	Path   string

	// PersistAttempts bounds snapshot writes per commit. 0 means 3.
	PersistAttempts int
	// PersistBackoff is the mean randomized wait between write attempts.
	// 0 means 200ms.
	PersistBackoff time.Duration
	// FileLock holds <path>.lock around every reload-check-write sequence.
	FileLock bool

	BusyTimeout time.Duration // sqlite only; 0 means default
}
