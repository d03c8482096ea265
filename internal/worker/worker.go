// Package worker runs one chat session: its broadcast scheduler, its DM
// event loop and the optional backstop sweep.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"herald/internal/autoreply"
	"herald/internal/broadcast"
	"herald/internal/chat"
	"herald/internal/ledger"
	"herald/internal/retry"
	"herald/internal/runtime/supervisor"
	logx "herald/pkg/logx"
)

type State int32

const (
	Starting State = iota
	Ready
	Running
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSessionLost is returned by Run when the inbound feed ends while the
// worker is still wanted. The caller reconnects.
var ErrSessionLost = errors.New("worker: session lost")

type Config struct {
	Index      int
	Credential chat.Credential

	Broadcast broadcast.Config
	AutoReply autoreply.Config

	SweepEnabled bool
	Sweep        autoreply.SweepConfig

	// BlockAfterReply installs the block post-reply hook.
	BlockAfterReply bool

	// DrainTimeout bounds the wait for in-flight tasks on close. 0 means 10s.
	DrainTimeout time.Duration
}

// Deps are shared by all workers.
type Deps struct {
	Client chat.Client
	Ledger ledger.Ledger
	Policy *retry.Policy
	Log    logx.Logger
}

// StateFunc observes state changes. err is set when the worker stops on
// error.
type StateFunc func(index int, st State, err error)

type Option func(*Worker)

func WithStateFunc(fn StateFunc) Option {
	return func(w *Worker) { w.onState = fn }
}

// WithProcessorOptions passes options to the DM processor (tests inject a
// sleeper with it).
func WithProcessorOptions(opts ...autoreply.Option) Option {
	return func(w *Worker) { w.procOpts = append(w.procOpts, opts...) }
}

func WithSchedulerOptions(opts ...broadcast.Option) Option {
	return func(w *Worker) { w.schedOpts = append(w.schedOpts, opts...) }
}

type Worker struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	onState   StateFunc
	procOpts  []autoreply.Option
	schedOpts []broadcast.Option

	state   atomic.Int32
	lastErr atomic.Value // string

	mu    sync.Mutex
	sched *broadcast.Scheduler
	proc  *autoreply.Processor
}

func New(cfg Config, deps Deps, opts ...Option) *Worker {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Policy == nil {
		deps.Policy = retry.New(retry.Config{}, deps.Log)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	w := &Worker{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With(logx.Int("worker", cfg.Index), logx.Secret("credential", cfg.Credential.Reveal())),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Worker) Index() int { return w.cfg.Index }

func (w *Worker) State() State { return State(w.state.Load()) }

// LastError is the most recent error that stopped Run.
func (w *Worker) LastError() string {
	s, _ := w.lastErr.Load().(string)
	return s
}

// Posts returns successful broadcasts of the current session.
func (w *Worker) Posts() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sched == nil {
		return 0
	}
	return w.sched.Posts()
}

func (w *Worker) setState(st State, err error) {
	w.state.Store(int32(st))
	if err != nil {
		w.lastErr.Store(err.Error())
	}
	if w.onState != nil {
		w.onState(w.cfg.Index, st, err)
	}
}

// Run connects and serves until ctx ends or the session is lost. A
// chat.LoginError return is permanent for this credential.
func (w *Worker) Run(ctx context.Context) (err error) {
	w.setState(Starting, nil)
	defer func() {
		w.setState(Closed, err)
	}()

	sess, err := w.deps.Client.Connect(ctx, w.cfg.Credential)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if chat.IsLoginFailure(err) {
			w.log.Error("login failed; worker stopped", logx.Err(err))
		}
		return err
	}
	log := w.log.With(logx.String("self", sess.Self()))

	sup := supervisor.New(ctx, supervisor.WithLogger(log))
	sched, proc, sweep, err := w.build(sess, sup, log)
	if err != nil {
		_ = sess.Close(context.WithoutCancel(ctx))
		return err
	}
	w.mu.Lock()
	w.sched, w.proc = sched, proc
	w.mu.Unlock()
	w.setState(Ready, nil)

	lost := make(chan struct{})
	var lostOnce sync.Once
	sup.GoRestart("broadcast", sched.Run)
	sup.GoRestart("dm.events", func(ctx context.Context) error {
		w.eventLoop(ctx, sess, proc, sup)
		lostOnce.Do(func() { close(lost) })
		return nil
	})
	if sweep != nil {
		sup.GoRestart("dm.sweep", sweep.Run)
	}
	w.setState(Running, nil)
	log.Info("worker running")

	select {
	case <-ctx.Done():
	case <-lost:
	}
	w.setState(Closing, nil)

	drain, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DrainTimeout)
	defer cancel()
	if serr := sup.Stop(drain); serr != nil && !errors.Is(serr, context.Canceled) {
		log.Warn("worker tasks did not stop cleanly", logx.Err(serr))
	}
	if cerr := sess.Close(drain); cerr != nil {
		log.Warn("session close failed", logx.Err(cerr))
	}
	log.Info("worker closed")

	if ctx.Err() == nil {
		return ErrSessionLost
	}
	return nil
}

func (w *Worker) build(sess chat.Session, sup *supervisor.Supervisor, log logx.Logger) (*broadcast.Scheduler, *autoreply.Processor, *autoreply.Sweep, error) {
	sched, err := broadcast.New(w.cfg.Broadcast, w.cfg.Index, sess, w.deps.Policy, log, w.schedOpts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("broadcast: %w", err)
	}

	opts := append([]autoreply.Option(nil), w.procOpts...)
	if w.cfg.BlockAfterReply {
		opts = append(opts, autoreply.WithHooks(autoreply.BlockHook{}))
	}
	proc, err := autoreply.NewProcessor(w.cfg.AutoReply, w.deps.Ledger, w.deps.Policy, log, opts...)
	if err != nil {
		return nil, nil, nil, err
	}

	if !w.cfg.SweepEnabled {
		return sched, proc, nil, nil
	}
	sc := w.cfg.Sweep
	if sc.MaxAge <= 0 {
		sc.MaxAge = proc.MaxAge()
	}
	sweep, err := autoreply.NewSweep(sc, sess, w.deps.Ledger, func(_ context.Context, m chat.DirectMessage) {
		w.dispatch(sess, proc, sup, m)
	}, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return sched, proc, sweep, nil
}

// eventLoop returns when ctx ends or the inbound feed closes.
func (w *Worker) eventLoop(ctx context.Context, sess chat.Session, proc *autoreply.Processor, sup *supervisor.Supervisor) {
	in := sess.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				if ctx.Err() == nil {
					w.log.Warn("inbound feed closed")
				}
				return
			}
			w.dispatch(sess, proc, sup, m)
		}
	}
}

// dispatch runs the pipeline off the event loop. Duplicates of an in-flight
// correspondent are dropped before a goroutine is spent on them.
func (w *Worker) dispatch(sess chat.Session, proc *autoreply.Processor, sup *supervisor.Supervisor, m chat.DirectMessage) {
	if m.AuthorID == sess.Self() {
		return
	}
	if proc.Locks().Held(m.AuthorID) {
		w.log.Debug("dm already being handled; dropping", logx.String("from", m.AuthorID))
		return
	}
	sup.Go0("dm.reply", func(ctx context.Context) {
		proc.Handle(ctx, sess, m)
	})
}
