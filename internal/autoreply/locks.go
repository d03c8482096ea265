package autoreply

import "sync"

// Locks is a bounded registry of per-correspondent try-locks. An entry
// exists only while held, so idle correspondents cost nothing.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
	max  int
}

// NewLocks returns a registry holding at most max keys. max <= 0 means 1024.
func NewLocks(max int) *Locks {
	if max <= 0 {
		max = 1024
	}
	return &Locks{held: map[string]struct{}{}, max: max}
}

// TryAcquire never blocks. ok is false if key is held; full is true if the
// registry is at capacity. release is nil unless ok.
func (l *Locks) TryAcquire(key string) (release func(), ok, full bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, false
	}
	if len(l.held) >= l.max {
		return nil, false, true
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, false
}

// Held reports whether key is currently locked.
func (l *Locks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
