// Package retry classifies outbound platform failures and retries them with
// bounded, jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"herald/internal/chat"
	logx "herald/pkg/logx"
)

// Class is the classification of one attempt.
type Class int

const (
	Success Class = iota
	PermissionDenied
	RateLimited
	TransientServer
	Unknown
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case PermissionDenied:
		return "permission_denied"
	case RateLimited:
		return "rate_limited"
	case TransientServer:
		return "transient_server"
	default:
		return "unknown"
	}
}

// Classify maps an operation error to a Class and an optional server hint.
func Classify(err error) (Class, time.Duration) {
	if err == nil {
		return Success, 0
	}
	var ce *chat.Error
	if !errors.As(err, &ce) {
		return Unknown, 0
	}
	switch ce.Kind {
	case chat.KindPermissionDenied:
		return PermissionDenied, 0
	case chat.KindRateLimited:
		return RateLimited, ce.RetryAfter
	case chat.KindTransient:
		return TransientServer, 0
	default:
		return Unknown, 0
	}
}

// Result is Success or Exhausted(Last).
type Result struct {
	Last     Class
	Attempts int
	// Err is the last operation error, or the context error when the wait
	// between attempts was interrupted.
	Err error
}

func (r Result) OK() bool { return r.Last == Success && r.Err == nil }

// Denied reports a permanent permission failure. Callers must skip any
// side effect that depends on the operation.
func (r Result) Denied() bool { return r.Last == PermissionDenied }

// Config tunes backoff. Zero values fall back to defaults.
type Config struct {
	Base     time.Duration // default 500ms
	MaxDelay time.Duration // default 30s; never shortens a server hint
	Jitter   float64       // default 0.2 (20%)
}

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is a context-aware sleep.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Option func(*Policy)

// WithSleep replaces the wait function (tests record waits with it).
func WithSleep(fn SleepFunc) Option {
	return func(p *Policy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// Policy is safe for concurrent use and is shared by all workers.
type Policy struct {
	cfg   Config
	log   logx.Logger
	sleep SleepFunc

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg Config, log logx.Logger, opts ...Option) *Policy {
	if cfg.Base <= 0 {
		cfg.Base = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxDelay < cfg.Base {
		cfg.MaxDelay = cfg.Base
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	} else if cfg.Jitter == 0 {
		cfg.Jitter = 0.2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Policy{
		cfg:   cfg,
		log:   log,
		sleep: Sleep,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Execute runs fn up to maxAttempts times.
//
// PermissionDenied is never retried. RateLimited waits the server hint in
// full before the next action, including giving up. TransientServer and
// Unknown back off exponentially.
func (p *Policy) Execute(ctx context.Context, name string, maxAttempts int, fn func(ctx context.Context) error) Result {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	res := Result{Last: Unknown}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		res.Attempts = attempt
		err := fn(ctx)
		class, hint := Classify(err)
		res.Last, res.Err = class, err
		if class == Success {
			return res
		}
		if ctx.Err() != nil {
			return res
		}

		fields := []logx.Field{
			logx.String("op", name),
			logx.String("class", class.String()),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err),
		}
		switch class {
		case PermissionDenied:
			p.log.Warn("operation denied; not retrying", fields...)
			return res
		case Unknown:
			p.log.Warn("operation failed with unclassified error", fields...)
		default:
			p.log.Debug("operation failed", fields...)
		}

		last := attempt >= maxAttempts
		if last && !(class == RateLimited && hint > 0) {
			break
		}
		delay := p.delay(attempt, class, hint)
		if !last {
			p.log.Debug("retry scheduled", logx.String("op", name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay))
		}
		if err := p.sleep(ctx, delay); err != nil {
			res.Err = err
			return res
		}
	}
	p.log.Warn("operation gave up", logx.String("op", name), logx.String("class", res.Last.String()), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
	return res
}

// delay computes the wait after a failed attempt (attempt starts at 1).
func (p *Policy) delay(attempt int, class Class, hint time.Duration) time.Duration {
	p.mu.Lock()
	r := p.rng.Float64()
	p.mu.Unlock()

	if class == RateLimited && hint > 0 {
		// Jitter only ever extends the server hint.
		return hint + time.Duration(float64(hint)*p.cfg.Jitter*r)
	}

	d := p.cfg.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.MaxDelay {
			d = p.cfg.MaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (1 + (r*2-1)*p.cfg.Jitter))
	if d < 0 {
		d = 0
	}
	if d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	return d
}
