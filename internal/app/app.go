// Package app wires configuration, logging, the reply ledger, the chat
// client and the orchestrator into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"herald/internal/chat"
	"herald/internal/chat/telegram"
	"herald/internal/config"
	"herald/internal/ledger"
	"herald/internal/observability/debug"
	"herald/internal/orchestrator"
	"herald/internal/retry"
	"herald/internal/runtime/supervisor"
	"herald/internal/worker"
	logx "herald/pkg/logx"
)

var (
	errNotStarted = errors.New("app: not started")
	errStopping   = errors.New("app: stopping")
)

type App struct {
	cfgm   *config.ConfigManager
	getenv func(string) string

	log  logx.Logger
	logs *logx.Service

	ledger ledger.Ledger
	client chat.Client
	wopts  []worker.Option

	sup   *supervisor.Supervisor
	debug *debug.Server

	// life is cancelled when Stop begins so pending startups give up.
	life       context.Context
	lifeCancel context.CancelFunc
	restartMu  sync.Mutex

	mu       sync.Mutex
	settings Settings
	applied  *config.Config
	orch     *orchestrator.Orchestrator
	stopping bool
}

type Option func(*App)

// WithClient replaces the Telegram client.
func WithClient(c chat.Client) Option { return func(a *App) { a.client = c } }

func WithGetenv(fn func(string) string) Option {
	return func(a *App) {
		if fn != nil {
			a.getenv = fn
		}
	}
}

// WithWorkerOptions is passed to every worker the app starts.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(a *App) { a.wopts = append(a.wopts, opts...) }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgm: config.NewConfigManager(cfgPath), getenv: os.Getenv}
	a.life, a.lifeCancel = context.WithCancel(context.Background())
	for _, o := range opts {
		o(a)
	}

	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	s, err := BuildSettings(cfg, a.getenv)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	a.logs, a.log = logx.New(s.Log)
	a.log = a.log.With(logx.String("comp", "app"))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	l, err := ledger.Open(s.Ledger, a.log)
	if err != nil {
		a.logs.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.ledger = l

	if a.client == nil {
		a.client = telegram.NewClient(s.Telegram, a.log)
	}
	orch, err := a.newOrchestrator(s)
	if err != nil {
		_ = l.Close()
		a.logs.Close()
		return nil, err
	}
	a.settings = s
	a.applied = cfg
	a.orch = orch
	a.debug = debug.New(a.log, a.statusReport)
	return a, nil
}

// StatusReport is served by the debug server at /status.
type StatusReport struct {
	Workers []orchestrator.WorkerStatus `json:"workers"`
	Replied int                         `json:"replied"`
}

func (a *App) statusReport(ctx context.Context) (any, error) {
	n, err := a.ledger.Len(ctx)
	if err != nil {
		return nil, err
	}
	return StatusReport{Workers: a.Status(), Replied: n}, nil
}

func (a *App) newOrchestrator(s Settings) (*orchestrator.Orchestrator, error) {
	policy := retry.New(s.Retry, a.log)
	return orchestrator.New(s.Orchestrator, worker.Deps{
		Client: a.client,
		Ledger: a.ledger,
		Policy: policy,
		Log:    a.log,
	}, a.wopts...)
}

func (a *App) Ledger() ledger.Ledger { return a.ledger }

// Done is closed when the app stops or a supervised task fails.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Status() []orchestrator.WorkerStatus {
	a.mu.Lock()
	o := a.orch
	a.mu.Unlock()
	return o.Status()
}

// Start launches the workers and returns once at least one is running.
// It fails when every credential is rejected.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := BuildSettings(cfg, a.getenv)
		return err
	})

	a.mu.Lock()
	s, o := a.settings, a.orch
	a.mu.Unlock()
	rctx, rcancel := a.runContext(ctx)
	err := a.startRun(rctx, o, s.Credentials)
	rcancel()
	if err != nil {
		a.sup.Cancel()
		return err
	}

	if err := a.debug.Reconfigure(ctx, s.Debug); err != nil {
		a.log.Warn("debug server not started", logx.Err(err))
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.apply(c, drainLatest(sub, cfg))
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("workers", len(s.Credentials)), logx.String("ledger", s.Ledger.Driver))
	return nil
}

// runContext derives a context from ctx that is also cancelled once Stop
// begins.
func (a *App) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	c, cancel := context.WithCancel(ctx)
	unhook := context.AfterFunc(a.life, cancel)
	return c, func() {
		unhook()
		cancel()
	}
}

func (a *App) startRun(ctx context.Context, o *orchestrator.Orchestrator, creds []chat.Credential) error {
	if err := o.Start(a.sup.Context(), creds); err != nil {
		return err
	}
	if err := o.AwaitRunning(ctx); err != nil {
		if serr := o.Stop(context.WithoutCancel(ctx)); serr != nil {
			a.log.Warn("stop after failed start", logx.Err(serr))
		}
		return err
	}
	return nil
}

// drainLatest coalesces a burst of reloads into the newest one.
func drainLatest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-ch:
			if !ok || newer == nil {
				return cur
			}
			cur = newer
		default:
			return cur
		}
	}
}

// Reload re-reads the config file and applies it.
func (a *App) Reload(ctx context.Context) error {
	if a.sup == nil {
		return errNotStarted
	}
	cfg, err := a.cfgm.Parse()
	if err != nil {
		return err
	}
	if _, err := BuildSettings(cfg, a.getenv); err != nil {
		return err
	}
	a.cfgm.Commit(cfg)
	return a.apply(ctx, cfg)
}

// apply swaps logging in place and restarts the workers for any other
// change. Ledger and telegram changes need a process restart.
func (a *App) apply(ctx context.Context, cfg *config.Config) error {
	s, err := BuildSettings(cfg, a.getenv)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return err
	}

	a.mu.Lock()
	prev, prevCfg := a.settings, a.applied
	a.applied = cfg
	a.mu.Unlock()

	a.logs.Apply(s.Log)
	if err := a.debug.Reconfigure(ctx, s.Debug); err != nil {
		a.log.Warn("debug server reconfigure failed", logx.Err(err))
	}

	sections, attrs := config.SummarizeConfigChange(prevCfg, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return nil
	}
	a.log.Info("config change", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if s.Ledger != prev.Ledger || s.Telegram != prev.Telegram {
		a.log.Warn("ledger/telegram config changed; restart required for changes to take effect")
	}
	if config.InPlace(sections) {
		a.mu.Lock()
		a.settings.Log, a.settings.Debug = s.Log, s.Debug
		a.mu.Unlock()
		return nil
	}

	return a.restart(ctx, s)
}

// restart stops the current run (flushing the ledger) and starts a new one
// with s. Restarts are serialized; a.mu is held only for the swap.
func (a *App) restart(ctx context.Context, s Settings) error {
	a.restartMu.Lock()
	defer a.restartMu.Unlock()

	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return errStopping
	}
	prev, old := a.settings, a.orch
	a.mu.Unlock()
	s.Ledger, s.Telegram = prev.Ledger, prev.Telegram

	// The old run always gets its grace period, even when ctx is cancelled.
	if err := old.Stop(context.WithoutCancel(ctx)); err != nil {
		a.log.Warn("stop before restart reported errors", logx.Err(err))
	}
	o, err := a.newOrchestrator(s)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return errStopping
	}
	a.orch, a.settings = o, s
	a.mu.Unlock()

	rctx, cancel := a.runContext(ctx)
	defer cancel()
	if err := a.startRun(rctx, o, s.Credentials); err != nil {
		a.log.Error("restart failed", logx.Err(err))
		return err
	}
	a.log.Info("workers restarted", logx.Int("workers", len(s.Credentials)))
	return nil
}

// Restart restarts the workers with the current settings.
func (a *App) Restart(ctx context.Context) error {
	if a.sup == nil {
		return errNotStarted
	}
	a.mu.Lock()
	s := a.settings
	a.mu.Unlock()
	return a.restart(ctx, s)
}

// Stop stops workers, flushes and closes the ledger, then the log sinks.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	start := time.Now()

	a.lifeCancel()
	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()
	// Wait out a restart in flight; its startup was cancelled above.
	a.restartMu.Lock()
	a.restartMu.Unlock()

	a.mu.Lock()
	o := a.orch
	a.mu.Unlock()
	err := o.Stop(ctx)
	if derr := a.debug.Stop(ctx); derr != nil {
		a.log.Warn("debug server stop", logx.Err(derr))
	}

	if a.sup != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if werr := a.sup.Stop(wctx); werr != nil && !errors.Is(werr, context.Canceled) {
			a.log.Warn("background tasks did not stop", logx.Err(werr))
		}
		cancel()
	}
	if cerr := a.ledger.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}

	a.log.Info("stopped", logx.Duration("took", time.Since(start)))
	a.logs.Close()
	return err
}
