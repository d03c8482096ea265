package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("90s", "2h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Ledger    LedgerConfig    `json:"ledger"`
	Workers   WorkersConfig   `json:"workers"`
	Broadcast BroadcastConfig `json:"broadcast"`
	AutoReply AutoReplyConfig `json:"autoreply"`
	Sweep     SweepConfig     `json:"sweep"`
	Retry     RetryConfig     `json:"retry"`
	Shutdown  ShutdownConfig  `json:"shutdown"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type TelegramConfig struct {
	PollTimeout string  `json:"poll_timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
	HistorySize int     `json:"history_size,omitempty"`
	InboxSize   int     `json:"inbox_size,omitempty"`
	// BlockChat is the chat (id or @username) blocked correspondents are
	// banned from. Empty means mute only.
	BlockChat string `json:"block_chat,omitempty"`
}

// LedgerConfig selects the reply ledger store.
//
// Defaults:
//   - driver: "file"
//   - path: "replied_users.json"
//   - persist_attempts: 3
//   - persist_backoff: "200ms"
//   - file_lock: true
type LedgerConfig struct {
	Driver          string `json:"driver,omitempty"`
	Path            string `json:"path,omitempty"`
	PersistAttempts int    `json:"persist_attempts,omitempty"`
	PersistBackoff  string `json:"persist_backoff,omitempty"`
	FileLock        *bool  `json:"file_lock,omitempty"`
	BusyTimeout     string `json:"busy_timeout,omitempty"`
}

type WorkersConfig struct {
	// Credentials are bot tokens, one worker each. Never logged in full.
	Credentials []string `json:"credentials,omitempty"`
	// CredentialsEnv names an environment variable holding comma separated
	// tokens, appended after Credentials.
	CredentialsEnv string `json:"credentials_env,omitempty"`
	TargetChannel  string `json:"target_channel"`
}

// BroadcastConfig controls the periodic post. Worker i first posts after
// base_delay + i*stagger_unit (when stagger is on) + rand[0, initial_jitter].
type BroadcastConfig struct {
	Messages           []string `json:"messages"`
	BaseDelay          string   `json:"base_delay,omitempty"`
	Stagger            *bool    `json:"stagger,omitempty"`
	StaggerUnit        string   `json:"stagger_unit,omitempty"`
	InitialJitter      string   `json:"initial_jitter,omitempty"`
	MinInterval        string   `json:"min_interval,omitempty"`
	MaxInterval        string   `json:"max_interval,omitempty"`
	PermissionCooldown string   `json:"permission_cooldown,omitempty"`
	FailureCooldown    string   `json:"failure_cooldown,omitempty"`
	SendAttempts       int      `json:"send_attempts,omitempty"`
}

type AutoReplyConfig struct {
	Body          string          `json:"body"`
	DelayMin      string          `json:"delay_min,omitempty"`
	DelayMax      string          `json:"delay_max,omitempty"`
	MaxAge        string          `json:"max_age,omitempty"`
	SendAttempts  int             `json:"send_attempts,omitempty"`
	MaxInFlight   int             `json:"max_in_flight,omitempty"`
	PostReply     PostReplyConfig `json:"post_reply"`
}

type PostReplyConfig struct {
	Block bool `json:"block"`
}

// SweepConfig is the backstop scan of recent DM history. Disabled unless
// enabled is set.
type SweepConfig struct {
	Enabled      bool   `json:"enabled"`
	Schedule     string `json:"schedule,omitempty"`
	HistoryLimit int    `json:"history_limit,omitempty"`
	Concurrency  int    `json:"concurrency,omitempty"`
}

type RetryConfig struct {
	Base     string  `json:"base,omitempty"`
	MaxDelay string  `json:"max_delay,omitempty"`
	Jitter   float64 `json:"jitter,omitempty"`
}

type ShutdownConfig struct {
	Grace        string `json:"grace,omitempty"`
	FlushTimeout string `json:"flush_timeout,omitempty"`
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

// DebugConfig controls the local status and pprof HTTP server.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:6060
	// Token is required for non-loopback addresses unless AllowInsecure.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
