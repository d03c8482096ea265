// Package orchestrator starts one session worker per credential, bound to
// the shared ledger and retry policy, and owns their lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/chat"
	"herald/internal/runtime/supervisor"
	"herald/internal/worker"
	logx "herald/pkg/logx"
)

var (
	ErrNoWorkerRunning = errors.New("orchestrator: no worker reached running state")
	ErrAlreadyRunning  = errors.New("orchestrator: already running")
	ErrNoCredentials   = errors.New("orchestrator: no credentials")
	ErrNotRunning      = errors.New("orchestrator: not running")
)

type Config struct {
	// Worker is the template for every worker; Index and Credential are set
	// per credential.
	Worker worker.Config
	// Grace bounds the wait for workers on Stop. 0 means 15s.
	Grace time.Duration
	// FlushTimeout bounds the final ledger flush. 0 means 10s.
	FlushTimeout time.Duration

	RestartMinBackoff time.Duration
	RestartMaxBackoff time.Duration
}

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	Index      int    `json:"index"`
	Credential string `json:"credential"` // redacted
	State      string `json:"state"`
	LastError  string `json:"last_error,omitempty"`
	Posts      int64  `json:"posts"`
	Terminated bool   `json:"terminated"`
}

type Orchestrator struct {
	cfg   Config
	deps  worker.Deps
	wopts []worker.Option
	log   logx.Logger

	mu  sync.Mutex
	cur *run
}

type run struct {
	id      string
	sup     *supervisor.Supervisor
	workers []*worker.Worker
	creds   []chat.Credential

	mu         sync.Mutex
	terminated []bool
	changed    chan struct{}
}

func New(cfg Config, deps worker.Deps, opts ...worker.Option) (*Orchestrator, error) {
	if deps.Client == nil {
		return nil, errors.New("orchestrator: chat client is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("orchestrator: ledger is required")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 15 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	if cfg.RestartMinBackoff <= 0 {
		cfg.RestartMinBackoff = time.Second
	}
	if cfg.RestartMaxBackoff <= 0 {
		cfg.RestartMaxBackoff = 2 * time.Minute
	}
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		wopts: opts,
		log:   deps.Log.With(logx.String("comp", "orchestrator")),
	}, nil
}

// Start launches one worker per credential. A login failure stops only the
// affected worker; other failures restart it with backoff.
func (o *Orchestrator) Start(ctx context.Context, creds []chat.Credential) error {
	if len(creds) == 0 {
		return ErrNoCredentials
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur != nil {
		return ErrAlreadyRunning
	}

	r := &run{
		id:         uuid.NewString(),
		creds:      append([]chat.Credential(nil), creds...),
		terminated: make([]bool, len(creds)),
		changed:    make(chan struct{}),
	}
	log := o.log.With(logx.String("run", r.id))
	r.sup = supervisor.New(ctx, supervisor.WithLogger(log))

	for i, cred := range creds {
		cfg := o.cfg.Worker
		cfg.Index = i
		cfg.Credential = cred

		opts := append([]worker.Option(nil), o.wopts...)
		opts = append(opts, worker.WithStateFunc(func(index int, st worker.State, err error) {
			if err != nil && st == worker.Closed && !errors.Is(err, worker.ErrSessionLost) {
				log.Warn("worker stopped", logx.Int("worker", index), logx.Err(err))
			}
			r.notify()
		}))
		deps := o.deps
		deps.Log = log
		w := worker.New(cfg, deps, opts...)
		r.workers = append(r.workers, w)

		idx := i
		r.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(ctx context.Context) error {
			err := w.Run(ctx)
			if chat.IsLoginFailure(err) {
				r.markTerminated(idx)
			}
			return err
		},
			supervisor.WithRestartIf(func(err error) bool { return !chat.IsLoginFailure(err) }),
			supervisor.WithRestartBackoff(o.cfg.RestartMinBackoff, o.cfg.RestartMaxBackoff),
		)
	}

	o.cur = r
	log.Info("orchestrator started", logx.Int("workers", len(creds)))
	return nil
}

// Stop cancels every worker, waits up to the grace period and then flushes
// the ledger. The flush runs even if waiting failed. Stop is idempotent.
func (o *Orchestrator) Stop(ctx context.Context) (err error) {
	o.mu.Lock()
	r := o.cur
	o.cur = nil
	o.mu.Unlock()

	defer func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FlushTimeout)
		defer cancel()
		if ferr := o.deps.Ledger.Flush(fctx); ferr != nil {
			o.log.Error("final ledger flush failed", logx.Err(ferr))
			err = errors.Join(err, ferr)
			return
		}
		o.log.Info("ledger flushed")
	}()

	if r == nil {
		return nil
	}
	gctx, cancel := context.WithTimeout(ctx, o.cfg.Grace)
	defer cancel()
	werr := r.sup.Stop(gctx)
	if errors.Is(werr, context.DeadlineExceeded) || errors.Is(werr, context.Canceled) {
		o.log.Warn("workers did not stop within grace period", logx.Duration("grace", o.cfg.Grace), logx.Int64("active", r.sup.Active()))
		return werr
	}
	o.log.Info("orchestrator stopped", logx.String("run", r.id))
	return nil
}

// Restart stops the current run, if any, and starts a new one.
func (o *Orchestrator) Restart(ctx context.Context, creds []chat.Credential) error {
	if err := o.Stop(ctx); err != nil {
		o.log.Warn("stop before restart reported errors", logx.Err(err))
	}
	return o.Start(ctx, creds)
}

// Status lists the workers of the current run.
func (o *Orchestrator) Status() []WorkerStatus {
	o.mu.Lock()
	r := o.cur
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkerStatus, len(r.workers))
	for i, w := range r.workers {
		out[i] = WorkerStatus{
			Index:      i,
			Credential: r.creds[i].String(),
			State:      w.State().String(),
			LastError:  w.LastError(),
			Posts:      w.Posts(),
			Terminated: r.terminated[i],
		}
	}
	return out
}

// AwaitRunning returns nil once any worker is Running, or
// ErrNoWorkerRunning when every worker terminated before that.
func (o *Orchestrator) AwaitRunning(ctx context.Context) error {
	o.mu.Lock()
	r := o.cur
	o.mu.Unlock()
	if r == nil {
		return ErrNotRunning
	}
	for {
		running, allDone, changed := r.check()
		if running {
			return nil
		}
		if allDone {
			return ErrNoWorkerRunning
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.sup.Context().Done():
			return ErrNoWorkerRunning
		case <-changed:
		}
	}
}

// Done is closed when the current run's context ends.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return o.cur.sup.Context().Done()
}

func (r *run) notify() {
	r.mu.Lock()
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

func (r *run) markTerminated(i int) {
	r.mu.Lock()
	r.terminated[i] = true
	r.mu.Unlock()
	r.notify()
}

func (r *run) check() (running, allDone bool, changed <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	allDone = true
	for i, w := range r.workers {
		if w.State() == worker.Running {
			running = true
		}
		if !r.terminated[i] {
			allDone = false
		}
	}
	return running, allDone, r.changed
}
