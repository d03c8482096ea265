// Package autoreply replies once to each private correspondent, shared
// across workers through the reply ledger.
package autoreply

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"herald/internal/chat"
	"herald/internal/ledger"
	"herald/internal/retry"
	logx "herald/pkg/logx"
)

// Outcome is the terminal state of one pipeline run.
type Outcome int

const (
	Replied Outcome = iota
	IgnoredSelf
	InFlight
	RegistryFull
	AlreadyReplied
	TooOld
	SendDenied
	SendFailed
	Redundant
	LedgerFailed
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Replied:
		return "replied"
	case IgnoredSelf:
		return "ignored_self"
	case InFlight:
		return "in_flight"
	case RegistryFull:
		return "registry_full"
	case AlreadyReplied:
		return "already_replied"
	case TooOld:
		return "too_old"
	case SendDenied:
		return "send_denied"
	case SendFailed:
		return "send_failed"
	case Redundant:
		return "redundant"
	case LedgerFailed:
		return "ledger_failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type Config struct {
	ReplyBody     string
	ReplyDelayMin time.Duration
	ReplyDelayMax time.Duration
	MaxAge        time.Duration // default 24h
	SendAttempts  int           // default 3
	MaxInFlight   int           // default 1024
}

type Option func(*Processor)

func WithSleep(fn retry.SleepFunc) Option {
	return func(p *Processor) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

func WithHooks(hooks ...Hook) Option {
	return func(p *Processor) { p.hooks = append(p.hooks, hooks...) }
}

// Processor is owned by one worker; its lock registry is worker-local.
type Processor struct {
	cfg    Config
	ledger ledger.Ledger
	policy *retry.Policy
	hooks  []Hook
	locks  *Locks
	log    logx.Logger
	sleep  retry.SleepFunc
	now    func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewProcessor(cfg Config, l ledger.Ledger, policy *retry.Policy, log logx.Logger, opts ...Option) (*Processor, error) {
	if l == nil {
		return nil, errors.New("autoreply: ledger is required")
	}
	if cfg.ReplyBody == "" {
		return nil, errors.New("autoreply: reply body is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.SendAttempts <= 0 {
		cfg.SendAttempts = 3
	}
	if cfg.ReplyDelayMax < cfg.ReplyDelayMin {
		cfg.ReplyDelayMin, cfg.ReplyDelayMax = cfg.ReplyDelayMax, cfg.ReplyDelayMin
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if policy == nil {
		policy = retry.New(retry.Config{}, log)
	}
	p := &Processor{
		cfg:    cfg,
		ledger: l,
		policy: policy,
		locks:  NewLocks(cfg.MaxInFlight),
		log:    log.With(logx.String("comp", "autoreply")),
		sleep:  retry.Sleep,
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Locks exposes the worker-local registry.
func (p *Processor) Locks() *Locks { return p.locks }

// MaxAge is the oldest inbound message the processor replies to.
func (p *Processor) MaxAge() time.Duration { return p.cfg.MaxAge }

// Handle runs the full pipeline for one inbound message. It blocks for the
// reply delay, so callers run it on its own goroutine.
func (p *Processor) Handle(ctx context.Context, sess chat.Session, m chat.DirectMessage) Outcome {
	out := p.handle(ctx, sess, m)
	lvl := logx.LevelDebug
	if out == Replied {
		lvl = logx.LevelInfo
	}
	p.log.Log(lvl, "dm processed", logx.String("from", m.AuthorID), logx.String("outcome", out.String()))
	return out
}

func (p *Processor) handle(ctx context.Context, sess chat.Session, m chat.DirectMessage) Outcome {
	id := m.AuthorID
	if id == "" || id == sess.Self() {
		return IgnoredSelf
	}
	log := p.log.With(logx.String("from", id), logx.String("author", m.Author))
	if m.Body == "" {
		log.Warn("dm has empty body; processing on receipt")
	}

	release, ok, full := p.locks.TryAcquire(id)
	if full {
		log.Warn("too many correspondents in flight; dropping dm", logx.Int("max", p.locks.max))
		return RegistryFull
	}
	if !ok {
		log.Debug("dm already being handled; dropping")
		return InFlight
	}
	defer release()

	seen, err := p.ledger.Get(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return Canceled
		}
		log.Error("ledger lookup failed", logx.Err(err))
		return LedgerFailed
	}
	if seen {
		return AlreadyReplied
	}

	if age := p.now().Sub(m.CreatedAt); age > p.cfg.MaxAge {
		log.Info("dm too old; skipping", logx.Duration("age", age))
		return TooOld
	}

	delay := p.replyDelay()
	log.Info("new correspondent; reply scheduled", logx.String("preview", chat.Preview(m.Body, 50)), logx.Duration("delay", delay))
	if err := p.sleep(ctx, delay); err != nil {
		return Canceled
	}

	res := p.policy.Execute(ctx, "autoreply.send", p.cfg.SendAttempts, func(ctx context.Context) error {
		return sess.Send(ctx, m.Channel, p.cfg.ReplyBody)
	})
	switch {
	case res.OK():
	case ctx.Err() != nil:
		return Canceled
	case res.Denied():
		log.Error("reply not permitted", logx.Err(res.Err))
		return SendDenied
	default:
		log.Error("reply failed", logx.String("class", res.Last.String()), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
		return SendFailed
	}

	// The reply went out; record it even if shutdown started meanwhile.
	first, err := p.ledger.CommitAdd(context.WithoutCancel(ctx), id)
	if err != nil {
		log.Error("ledger commit failed after reply", logx.Err(err))
		return LedgerFailed
	}
	if !first {
		log.Warn("correspondent recorded concurrently; skipping post-reply hooks")
		return Redundant
	}
	log.Info("replied and recorded")
	p.runHooks(ctx, sess, m, log)
	return Replied
}

func (p *Processor) runHooks(ctx context.Context, sess chat.Session, m chat.DirectMessage, log logx.Logger) {
	for _, h := range p.hooks {
		if err := h.AfterReply(ctx, sess, m); err != nil {
			log.Warn("post-reply hook failed", logx.String("hook", h.Name()), logx.Err(err))
			continue
		}
		log.Debug("post-reply hook done", logx.String("hook", h.Name()))
	}
}

func (p *Processor) replyDelay() time.Duration {
	span := p.cfg.ReplyDelayMax - p.cfg.ReplyDelayMin
	if span <= 0 {
		return p.cfg.ReplyDelayMin
	}
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.cfg.ReplyDelayMin + time.Duration(p.rng.Int63n(int64(span)+1))
}
