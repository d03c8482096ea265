// Package broadcast posts a randomly chosen announcement to one channel on a
// staggered, jittered schedule.
package broadcast

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"herald/internal/chat"
	"herald/internal/retry"
	logx "herald/pkg/logx"
)

type State int32

const (
	Idle State = iota
	WaitingInitial
	Posting
	WaitingInterval
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WaitingInitial:
		return "waiting_initial"
	case Posting:
		return "posting"
	case WaitingInterval:
		return "waiting_interval"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var ErrNoMessages = errors.New("broadcast: message list is empty")

type Config struct {
	Messages      []string
	TargetChannel string

	BaseDelay     time.Duration
	Stagger       bool
	StaggerUnit   time.Duration
	InitialJitter time.Duration

	MinInterval time.Duration
	MaxInterval time.Duration

	PermissionCooldown time.Duration // default 5m
	FailureCooldown    time.Duration // default 1m
	SendAttempts       int           // default 3
}

func (c Config) withDefaults() Config {
	if c.PermissionCooldown <= 0 {
		c.PermissionCooldown = 5 * time.Minute
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = time.Minute
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = 3
	}
	if c.MaxInterval < c.MinInterval {
		c.MinInterval, c.MaxInterval = c.MaxInterval, c.MinInterval
	}
	return c
}

type Option func(*Scheduler)

// WithSleep replaces the context-aware wait used between posts.
func WithSleep(fn retry.SleepFunc) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.rng = r
		}
	}
}

// Scheduler is owned by one worker.
type Scheduler struct {
	cfg    Config
	index  int
	sess   chat.Session
	policy *retry.Policy
	log    logx.Logger
	sleep  retry.SleepFunc
	rng    *rand.Rand
	now    func() time.Time

	state  atomic.Int32
	posts  atomic.Int64
	target *chat.Channel
}

func New(cfg Config, index int, sess chat.Session, policy *retry.Policy, log logx.Logger, opts ...Option) (*Scheduler, error) {
	if len(cfg.Messages) == 0 {
		return nil, ErrNoMessages
	}
	if strings.TrimSpace(cfg.TargetChannel) == "" {
		return nil, errors.New("broadcast: target channel is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if policy == nil {
		policy = retry.New(retry.Config{}, log)
	}
	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		index:  index,
		sess:   sess,
		policy: policy,
		log:    log.With(logx.String("comp", "broadcast")),
		sleep:  retry.Sleep,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano() + int64(index))),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

// Posts returns the number of successful posts.
func (s *Scheduler) Posts() int64 { return s.posts.Load() }

func (s *Scheduler) setState(st State) { s.state.Store(int32(st)) }

// Run posts until ctx ends. Send failures never end the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.setState(Closed)

	initial := InitialDelay(s.cfg, s.index, s.rng)
	sched := newPostSchedule(s.now().Add(initial), s.cfg.MinInterval, s.cfg.MaxInterval, s.rng)

	s.setState(WaitingInitial)
	s.log.Info("broadcast scheduled", logx.Duration("initial_delay", initial), logx.String("target", s.cfg.TargetChannel))
	if err := s.waitUntil(ctx, sched.Next(s.now())); err != nil {
		return nil
	}

	for {
		s.setState(Posting)
		wait := s.post(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if wait <= 0 {
			next := sched.Next(s.now())
			wait = next.Sub(s.now())
			s.log.Info("next post scheduled", logx.Duration("in", wait))
		}
		s.setState(WaitingInterval)
		if err := s.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (s *Scheduler) waitUntil(ctx context.Context, at time.Time) error {
	return s.sleep(ctx, at.Sub(s.now()))
}

// post sends one message. It returns a cooldown after failure, or zero to
// use the regular interval.
func (s *Scheduler) post(ctx context.Context) time.Duration {
	ch, err := s.resolve(ctx)
	if err != nil {
		return s.cooldown(err, retry.Result{})
	}

	body := s.cfg.Messages[s.pick()]
	res := s.policy.Execute(ctx, "broadcast.send", s.cfg.SendAttempts, func(ctx context.Context) error {
		return s.sess.Send(ctx, ch, body)
	})
	if res.OK() {
		n := s.posts.Add(1)
		s.log.Info("posted message", logx.String("channel", channelLabel(ch)), logx.String("preview", chat.Preview(body, 50)), logx.Int64("posts", n))
		return 0
	}
	if ctx.Err() != nil {
		return 0
	}
	// A failed send may mean the channel changed; resolve again next time.
	s.target = nil
	return s.cooldown(res.Err, res)
}

func (s *Scheduler) resolve(ctx context.Context) (chat.Channel, error) {
	if s.target != nil {
		return *s.target, nil
	}
	ch, err := s.sess.ResolveChannel(ctx, s.cfg.TargetChannel)
	if err != nil {
		s.log.Warn("target channel not resolvable", logx.String("target", s.cfg.TargetChannel), logx.Err(err))
		return chat.Channel{}, err
	}
	if ch.Private {
		s.log.Warn("target channel is a private conversation", logx.String("target", s.cfg.TargetChannel))
	}
	s.target = &ch
	return ch, nil
}

func (s *Scheduler) cooldown(err error, res retry.Result) time.Duration {
	if res.Denied() || chat.KindOf(err) == chat.KindPermissionDenied {
		s.log.Error("permission denied posting; cooling down", logx.String("target", s.cfg.TargetChannel), logx.Duration("cooldown", s.cfg.PermissionCooldown), logx.Err(err))
		return s.cfg.PermissionCooldown
	}
	s.log.Error("post failed; cooling down", logx.String("target", s.cfg.TargetChannel), logx.Duration("cooldown", s.cfg.FailureCooldown), logx.Err(err))
	return s.cfg.FailureCooldown
}

func (s *Scheduler) pick() int {
	if len(s.cfg.Messages) == 1 {
		return 0
	}
	return s.rng.Intn(len(s.cfg.Messages))
}

func channelLabel(ch chat.Channel) string {
	if ch.Name != "" {
		return ch.Name + " (" + ch.ID + ")"
	}
	return ch.ID
}
