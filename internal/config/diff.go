package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "herald/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// attrs for logging. Credentials are reported by count only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.block_chat_set", strings.TrimSpace(newCfg.Telegram.BlockChat) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ledger, newCfg.Ledger) {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.String("ledger.driver", strings.TrimSpace(newCfg.Ledger.Driver)),
			logx.String("ledger.path", strings.TrimSpace(newCfg.Ledger.Path)),
		)
	}

	// Never compare or log token values directly.
	if credsHash(oldCfg.Workers.Credentials) != credsHash(newCfg.Workers.Credentials) ||
		strings.TrimSpace(oldCfg.Workers.CredentialsEnv) != strings.TrimSpace(newCfg.Workers.CredentialsEnv) ||
		strings.TrimSpace(oldCfg.Workers.TargetChannel) != strings.TrimSpace(newCfg.Workers.TargetChannel) {
		changed = append(changed, "workers")
		attrs = append(attrs,
			logx.Int("workers.credential_count", len(newCfg.Workers.Credentials)),
			logx.Bool("workers.credentials_env_set", strings.TrimSpace(newCfg.Workers.CredentialsEnv) != ""),
			logx.String("workers.target_channel", strings.TrimSpace(newCfg.Workers.TargetChannel)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.messages", len(newCfg.Broadcast.Messages)),
			logx.String("broadcast.min_interval", newCfg.Broadcast.MinInterval),
			logx.String("broadcast.max_interval", newCfg.Broadcast.MaxInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.AutoReply, newCfg.AutoReply) {
		changed = append(changed, "autoreply")
		attrs = append(attrs,
			logx.Bool("autoreply.post_reply_block", newCfg.AutoReply.PostReply.Block),
			logx.String("autoreply.max_age", newCfg.AutoReply.MaxAge),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sweep, newCfg.Sweep) {
		changed = append(changed, "sweep")
		attrs = append(attrs,
			logx.Bool("sweep.enabled", newCfg.Sweep.Enabled),
			logx.String("sweep.schedule", newCfg.Sweep.Schedule),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
	}
	if !reflect.DeepEqual(oldCfg.Shutdown, newCfg.Shutdown) {
		changed = append(changed, "shutdown")
	}
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// InPlace reports whether a change set can be applied without restarting
// workers: only the logging and debug sections changed.
func InPlace(changed []string) bool {
	for _, c := range changed {
		if c != "logging" && c != "debug" {
			return false
		}
	}
	return len(changed) > 0
}

func credsHash(creds []string) uint64 {
	if len(creds) == 0 {
		return 0
	}
	return hashBytes([]byte(strings.Join(creds, "\x00")))
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
