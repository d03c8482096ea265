package autoreply

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"herald/internal/chat"
	"herald/internal/ledger"
	"herald/internal/retry"
	logx "herald/pkg/logx"
)

type SweepConfig struct {
	Schedule     string // cron spec, default "@every 1m"
	HistoryLimit int    // per channel, default 10
	Concurrency  int    // channels scanned in parallel, default 4
	MaxAge       time.Duration
}

// Sweep is the backstop for inbound events the live feed dropped. It scans
// recent DM history and dispatches the newest unanswered message per
// correspondent through the same path as live events.
type Sweep struct {
	cfg      SweepConfig
	sched    cron.Schedule
	sess     chat.Session
	ledger   ledger.Ledger
	dispatch func(ctx context.Context, m chat.DirectMessage)
	log      logx.Logger
	sleep    retry.SleepFunc
	now      func() time.Time
}

// ParseSchedule parses a standard cron spec or "@every <duration>".
// Empty means every minute.
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		spec = "@every 1m"
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", spec, err)
	}
	return sched, nil
}

func NewSweep(cfg SweepConfig, sess chat.Session, l ledger.Ledger, dispatch func(ctx context.Context, m chat.DirectMessage), log logx.Logger) (*Sweep, error) {
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweep{
		cfg:      cfg,
		sched:    sched,
		sess:     sess,
		ledger:   l,
		dispatch: dispatch,
		log:      log.With(logx.String("comp", "sweep")),
		sleep:    retry.Sleep,
		now:      time.Now,
	}, nil
}

// Run sweeps immediately, then on schedule until ctx ends.
func (s *Sweep) Run(ctx context.Context) error {
	s.log.Info("dm sweep started", logx.String("schedule", s.cfg.Schedule))
	for {
		n, err := s.Once(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Warn("dm sweep failed", logx.Err(err))
		} else {
			s.log.Debug("dm sweep finished", logx.Int("dispatched", n))
		}
		now := s.now()
		if err := s.sleep(ctx, s.sched.Next(now).Sub(now)); err != nil {
			return nil
		}
	}
}

// Once scans every known DM channel and returns how many messages it
// dispatched. Per-channel failures are logged and skipped.
func (s *Sweep) Once(ctx context.Context) (int, error) {
	channels, err := s.sess.DirectChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list dm channels: %w", err)
	}
	since := s.now().Add(-s.cfg.MaxAge)
	self := s.sess.Self()

	found := make([][]chat.DirectMessage, len(channels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, ch := range channels {
		g.Go(func() error {
			msgs, err := s.sess.FetchRecentHistory(gctx, ch, since, s.cfg.HistoryLimit)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.log.Warn("dm history unreadable", logx.String("channel", ch.ID), logx.String("class", chat.KindOf(err).String()), logx.Err(err))
				return nil
			}
			found[i] = latestPerAuthor(msgs, self)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for _, msgs := range found {
		for _, m := range msgs {
			seen, err := s.ledger.Get(ctx, m.AuthorID)
			if err != nil {
				return n, err
			}
			if seen {
				continue
			}
			s.log.Info("found unanswered dm", logx.String("from", m.AuthorID), logx.String("channel", m.Channel.ID))
			s.dispatch(ctx, m)
			n++
		}
	}
	return n, nil
}

// latestPerAuthor keeps the newest inbound message of each correspondent.
func latestPerAuthor(msgs []chat.DirectMessage, self string) []chat.DirectMessage {
	idx := map[string]int{}
	var out []chat.DirectMessage
	for _, m := range msgs {
		if m.AuthorID == "" || m.AuthorID == self {
			continue
		}
		if i, ok := idx[m.AuthorID]; ok {
			if m.CreatedAt.After(out[i].CreatedAt) {
				out[i] = m
			}
			continue
		}
		idx[m.AuthorID] = len(out)
		out = append(out, m)
	}
	return out
}
