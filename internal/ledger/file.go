package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	logx "herald/pkg/logx"
)

const lockRetryDelay = 25 * time.Millisecond

// fileStore keeps the set in memory and mirrors it to a JSON array.
//
// Files:
//   - <path>       sorted JSON array of IDs, replaced via temp file + rename
//   - <path>.lock  advisory lock shared with sibling processes
//
// Every operation reloads the snapshot and unions it into memory, so IDs
// whose persistence failed are never lost in-process and get written again
// on the next commit or Flush.
type fileStore struct {
	path     string
	log      logx.Logger
	attempts int
	backoff  time.Duration
	lock     *flock.Flock

	mu      sync.Mutex
	ids     map[string]struct{}
	dirty   bool
	loadErr string
	closed  bool
	rng     *rand.Rand
	sleep   func(ctx context.Context, d time.Duration) error
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger dir: %w", err)
	}
	s := &fileStore{
		path:     path,
		log:      log.With(logx.String("path", path)),
		attempts: cfg.PersistAttempts,
		backoff:  cfg.PersistBackoff,
		ids:      map[string]struct{}{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
	if s.attempts <= 0 {
		s.attempts = 3
	}
	if s.backoff <= 0 {
		s.backoff = 200 * time.Millisecond
	}
	if cfg.FileLock {
		s.lock = flock.New(path + ".lock")
	}

	s.mu.Lock()
	s.reloadLocked()
	n := len(s.ids)
	s.mu.Unlock()
	s.log.Info("ledger loaded", logx.Int("ids", n))
	return s, nil
}

func (s *fileStore) Get(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	unlock, err := s.acquire(ctx, false)
	if err != nil {
		return false, err
	}
	defer unlock()

	s.reloadLocked()
	_, ok := s.ids[id]
	return ok, nil
}

func (s *fileStore) CommitAdd(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, errors.New("ledger: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return false, err
	}
	defer unlock()

	s.reloadLocked()
	if _, ok := s.ids[id]; ok {
		return false, nil
	}
	s.ids[id] = struct{}{}
	s.dirty = true
	s.persistLocked(ctx)
	return true, nil
}

func (s *fileStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	s.reloadLocked()
	s.dirty = true
	if !s.persistLocked(ctx) {
		return fmt.Errorf("ledger flush: snapshot not written (%d ids kept in memory)", len(s.ids))
	}
	return nil
}

func (s *fileStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	unlock, err := s.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.reloadLocked()
	return slices.Sorted(maps.Keys(s.ids)), nil
}

func (s *fileStore) Len(ctx context.Context) (int, error) {
	ids, err := s.List(ctx)
	return len(ids), err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.dirty {
		s.log.Warn("ledger closed with unpersisted ids", logx.Int("ids", len(s.ids)))
	}
	if s.lock != nil {
		return s.lock.Close()
	}
	return nil
}

// acquire takes the cross-process lock. If the lock file is unusable the
// operation proceeds with only the in-process mutex.
func (s *fileStore) acquire(ctx context.Context, exclusive bool) (func(), error) {
	if s.lock == nil {
		return func() {}, nil
	}
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = s.lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = s.lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !ok {
		return nil, ctxErr
	}
	if err != nil || !ok {
		s.log.Warn("ledger file lock unavailable; continuing unlocked", logx.Err(err))
		return func() {}, nil
	}
	return func() {
		if err := s.lock.Unlock(); err != nil {
			s.log.Warn("ledger file unlock failed", logx.Err(err))
		}
	}, nil
}

// reloadLocked unions the on-disk snapshot into memory. A missing file is an
// empty set; a corrupt one is reported once per distinct error.
func (s *fileStore) reloadLocked() {
	loaded, err := readSnapshot(s.path)
	if err != nil {
		if msg := err.Error(); msg != s.loadErr {
			s.loadErr = msg
			s.log.Warn("ledger snapshot unreadable; treating as empty", logx.Err(err))
		}
	} else {
		s.loadErr = ""
	}
	for _, id := range loaded {
		s.ids[id] = struct{}{}
	}
}

// persistLocked writes the full set, retrying with randomized backoff.
// It reports whether the snapshot now matches memory.
func (s *fileStore) persistLocked(ctx context.Context) bool {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = writeSnapshot(s.path, s.ids); err == nil {
			s.dirty = false
			return true
		}
		s.log.Warn("ledger write failed", logx.Int("attempt", attempt), logx.Int("max", s.attempts), logx.Err(err))
		if attempt == s.attempts {
			break
		}
		// Uniform in [backoff/2, 3*backoff/2).
		d := s.backoff/2 + time.Duration(s.rng.Int63n(int64(s.backoff)))
		if serr := s.sleep(ctx, d); serr != nil {
			break
		}
	}
	s.log.Error("ledger persist failed; keeping ids in memory", logx.Int("ids", len(s.ids)), logx.Err(err))
	return false
}

func readSnapshot(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	out := ids[:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

func writeSnapshot(path string, ids map[string]struct{}) error {
	b, err := json.MarshalIndent(slices.Sorted(maps.Keys(ids)), "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
