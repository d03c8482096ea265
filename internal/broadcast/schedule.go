package broadcast

import (
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var _ cron.Schedule = (*postSchedule)(nil)

// postSchedule fires once at first (or immediately if first has passed),
// then at a uniformly random interval in [min, max] after each fire.
type postSchedule struct {
	first    time.Time
	min, max time.Duration

	mu      sync.Mutex
	started bool
	rng     *rand.Rand
}

func newPostSchedule(first time.Time, min, max time.Duration, rng *rand.Rand) *postSchedule {
	if max < min {
		min, max = max, min
	}
	return &postSchedule{first: first, min: min, max: max, rng: rng}
}

func (s *postSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	initial := !s.started
	s.started = true
	s.mu.Unlock()
	if initial {
		if t.Before(s.first) {
			return s.first
		}
		return t
	}
	return t.Add(s.interval())
}

func (s *postSchedule) interval() time.Duration {
	span := s.max - s.min
	if span <= 0 {
		return s.min
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.min + time.Duration(s.rng.Int63n(int64(span)+1))
}

// InitialDelay is base + index*unit when staggering, plus a uniform jitter
// in [0, jitter].
func InitialDelay(cfg Config, index int, rng *rand.Rand) time.Duration {
	d := cfg.BaseDelay
	if cfg.Stagger && index > 0 {
		d += time.Duration(index) * cfg.StaggerUnit
	}
	if cfg.InitialJitter > 0 && rng != nil {
		d += time.Duration(rng.Int63n(int64(cfg.InitialJitter) + 1))
	}
	if d < 0 {
		d = 0
	}
	return d
}
