package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"herald/internal/autoreply"
	"herald/internal/broadcast"
	"herald/internal/chat"
	"herald/internal/chat/telegram"
	"herald/internal/config"
	"herald/internal/ledger"
	"herald/internal/observability/debug"
	"herald/internal/orchestrator"
	"herald/internal/retry"
	"herald/internal/worker"
	logx "herald/pkg/logx"
)

const (
	defaultLedgerPath  = "replied_users.json"
	defaultStaggerUnit = 40 * time.Minute
	defaultMinInterval = 7200 * time.Second
	defaultMaxInterval = 7400 * time.Second
	defaultReplyMin    = 50 * time.Second
	defaultReplyMax    = 200 * time.Second
	defaultMaxAge      = 24 * time.Hour
)

// Settings is the validated, immutable form of a config for one run.
type Settings struct {
	Log          logx.Config
	Telegram     telegram.Config
	Ledger       ledger.Config
	Retry        retry.Config
	Orchestrator orchestrator.Config
	Credentials  []chat.Credential
	Debug        debug.Config
}

// durations collects the first parse error across fields.
type durations struct{ err error }

func (p *durations) get(path, raw string, def time.Duration) time.Duration {
	if p.err != nil {
		return 0
	}
	d, err := config.ParseDurationOrDefault(path, raw, def)
	if err != nil {
		p.err = err
	}
	return d
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// BuildSettings validates cfg and applies defaults. getenv resolves
// workers.credentials_env.
func BuildSettings(cfg *config.Config, getenv func(string) string) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.New("config is nil")
	}
	var d durations
	s := Settings{Log: mapLogConfig(cfg)}

	s.Telegram = telegram.Config{
		PollTimeout: d.get("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second),
		RatePerSec:  cfg.Telegram.RatePerSec,
		Burst:       cfg.Telegram.Burst,
		HistorySize: cfg.Telegram.HistorySize,
		InboxSize:   cfg.Telegram.InboxSize,
		BlockChat:   strings.TrimSpace(cfg.Telegram.BlockChat),
	}
	if cfg.Telegram.RatePerSec < 0 || cfg.Telegram.HistorySize < 0 || cfg.Telegram.InboxSize < 0 {
		return Settings{}, errors.New("telegram: rate_per_sec, history_size and inbox_size must be >= 0")
	}

	lc, err := mapLedgerConfig(cfg, &d)
	if err != nil {
		return Settings{}, err
	}
	s.Ledger = lc

	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return Settings{}, fmt.Errorf("retry.jitter must be within [0, 1], got %v", cfg.Retry.Jitter)
	}
	s.Retry = retry.Config{
		Base:     d.get("retry.base", cfg.Retry.Base, 0),
		MaxDelay: d.get("retry.max_delay", cfg.Retry.MaxDelay, 0),
		Jitter:   cfg.Retry.Jitter,
	}

	bc := cfg.Broadcast
	stagger := bc.Stagger == nil || *bc.Stagger
	wc := worker.Config{
		Broadcast: broadcast.Config{
			Messages:           bc.Messages,
			TargetChannel:      strings.TrimSpace(cfg.Workers.TargetChannel),
			BaseDelay:          d.get("broadcast.base_delay", bc.BaseDelay, 0),
			Stagger:            stagger,
			StaggerUnit:        d.get("broadcast.stagger_unit", bc.StaggerUnit, defaultStaggerUnit),
			InitialJitter:      d.get("broadcast.initial_jitter", bc.InitialJitter, 0),
			MinInterval:        d.get("broadcast.min_interval", bc.MinInterval, defaultMinInterval),
			MaxInterval:        d.get("broadcast.max_interval", bc.MaxInterval, defaultMaxInterval),
			PermissionCooldown: d.get("broadcast.permission_cooldown", bc.PermissionCooldown, 0),
			FailureCooldown:    d.get("broadcast.failure_cooldown", bc.FailureCooldown, 0),
			SendAttempts:       bc.SendAttempts,
		},
		AutoReply: autoreply.Config{
			ReplyBody:     cfg.AutoReply.Body,
			ReplyDelayMin: d.get("autoreply.delay_min", cfg.AutoReply.DelayMin, defaultReplyMin),
			ReplyDelayMax: d.get("autoreply.delay_max", cfg.AutoReply.DelayMax, defaultReplyMax),
			MaxAge:        d.get("autoreply.max_age", cfg.AutoReply.MaxAge, defaultMaxAge),
			SendAttempts:  cfg.AutoReply.SendAttempts,
			MaxInFlight:   cfg.AutoReply.MaxInFlight,
		},
		SweepEnabled: cfg.Sweep.Enabled,
		Sweep: autoreply.SweepConfig{
			Schedule:     strings.TrimSpace(cfg.Sweep.Schedule),
			HistoryLimit: cfg.Sweep.HistoryLimit,
			Concurrency:  cfg.Sweep.Concurrency,
		},
		BlockAfterReply: cfg.AutoReply.PostReply.Block,
		DrainTimeout:    d.get("shutdown.drain_timeout", cfg.Shutdown.DrainTimeout, 0),
	}
	wc.Sweep.MaxAge = wc.AutoReply.MaxAge

	s.Orchestrator = orchestrator.Config{
		Worker:       wc,
		Grace:        d.get("shutdown.grace", cfg.Shutdown.Grace, 0),
		FlushTimeout: d.get("shutdown.flush_timeout", cfg.Shutdown.FlushTimeout, 0),
	}
	if d.err != nil {
		return Settings{}, d.err
	}

	if len(bc.Messages) == 0 {
		return Settings{}, errors.New("broadcast.messages must not be empty")
	}
	if wc.Broadcast.TargetChannel == "" {
		return Settings{}, errors.New("workers.target_channel is required")
	}
	if strings.TrimSpace(cfg.AutoReply.Body) == "" {
		return Settings{}, errors.New("autoreply.body is required")
	}
	if wc.Broadcast.MinInterval > wc.Broadcast.MaxInterval {
		return Settings{}, errors.New("broadcast.min_interval must be <= broadcast.max_interval")
	}
	if wc.AutoReply.ReplyDelayMin > wc.AutoReply.ReplyDelayMax {
		return Settings{}, errors.New("autoreply.delay_min must be <= autoreply.delay_max")
	}
	if wc.SweepEnabled {
		if _, err := autoreply.ParseSchedule(wc.Sweep.Schedule); err != nil {
			return Settings{}, fmt.Errorf("sweep.schedule: %w", err)
		}
	}

	s.Debug = debug.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
		Pprof:         cfg.Debug.Pprof,
	}
	if err := s.Debug.Validate(); err != nil {
		return Settings{}, err
	}

	s.Credentials = resolveCredentials(cfg.Workers, getenv)
	if len(s.Credentials) == 0 {
		return Settings{}, errors.New("no credentials: set workers.credentials or workers.credentials_env")
	}
	return s, nil
}

// LedgerSettings maps only the ledger section, for tools that inspect the
// ledger without running workers.
func LedgerSettings(cfg *config.Config) (ledger.Config, error) {
	var d durations
	lc, err := mapLedgerConfig(cfg, &d)
	if err != nil {
		return ledger.Config{}, err
	}
	return lc, d.err
}

func mapLedgerConfig(cfg *config.Config, d *durations) (ledger.Config, error) {
	lc := cfg.Ledger
	driver := strings.ToLower(strings.TrimSpace(lc.Driver))
	path := strings.TrimSpace(lc.Path)
	switch driver {
	case "", "file", "json":
		driver = "file"
		if path == "" {
			path = defaultLedgerPath
		}
	case "sqlite", "sqlite3":
		if path == "" {
			return ledger.Config{}, errors.New("ledger.path is required when ledger.driver=sqlite")
		}
	default:
		return ledger.Config{}, fmt.Errorf("unknown ledger.driver: %s", lc.Driver)
	}
	if lc.PersistAttempts < 0 {
		return ledger.Config{}, errors.New("ledger.persist_attempts must be >= 0")
	}
	return ledger.Config{
		Driver:          driver,
		Path:            path,
		PersistAttempts: lc.PersistAttempts,
		PersistBackoff:  d.get("ledger.persist_backoff", lc.PersistBackoff, 0),
		FileLock:        lc.FileLock == nil || *lc.FileLock,
		BusyTimeout:     d.get("ledger.busy_timeout", lc.BusyTimeout, time.Second),
	}, nil
}

// resolveCredentials merges configured tokens with the comma separated
// list in the named environment variable, dropping blanks and duplicates.
func resolveCredentials(wc config.WorkersConfig, getenv func(string) string) []chat.Credential {
	raw := append([]string(nil), wc.Credentials...)
	if name := strings.TrimSpace(wc.CredentialsEnv); name != "" && getenv != nil {
		raw = append(raw, strings.Split(getenv(name), ",")...)
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]chat.Credential, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, chat.Credential(r))
	}
	return out
}
