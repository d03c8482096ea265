package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "herald/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
workers:
  credentials: ["111:aaa", "222:bbb"]
  target_channel: "@news"
broadcast:
  messages: ["hello"]
  min_interval: 2h
  max_interval: 2h3m
autoreply:
  body: "thanks, will get back to you"
  post_reply:
    block: true
sweep:
  enabled: true
  schedule: "@every 30s"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "herald.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"111:aaa", "222:bbb"}, cfg.Workers.Credentials)
	assert.Equal(t, "2h3m", cfg.Broadcast.MaxInterval)
	assert.True(t, cfg.AutoReply.PostReply.Block)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Same(t, cfg, m.Get())
}

func TestParseJSONRejectsUnknownAndTrailing(t *testing.T) {
	_, err := NewConfigManager(writeFile(t, "c.json", `{"workers":{"target_channel":"x"},"bogus":1}`)).Parse()
	assert.Error(t, err)

	_, err = NewConfigManager(writeFile(t, "c.json", `{"workers":{}} {}`)).Parse()
	assert.ErrorContains(t, err, "trailing data")

	_, err = NewConfigManager(writeFile(t, "c.yml", "ledger:\n  drivr: file\n")).Parse()
	assert.Error(t, err)
}

func TestEmptyYAMLIsZeroConfig(t *testing.T) {
	cfg, err := Decode("empty.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", " 90s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("broadcast.min_interval", "-1s")
	assert.ErrorContains(t, err, "broadcast.min_interval")

	_, err = ParseDurationField("x", "soon")
	assert.Error(t, err)

	d, err = ParseDurationOrDefault("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Workers: WorkersConfig{Credentials: []string{"111:secret"}, TargetChannel: "@a"}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Workers: WorkersConfig{Credentials: []string{"111:other"}, TargetChannel: "@a"},
	}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "workers"}, changed)
	assert.NotEmpty(t, attrs)
	assert.False(t, InPlace(changed))

	changed, _ = SummarizeConfigChange(&Config{}, &Config{Logging: LoggingConfig{Console: true}})
	assert.True(t, InPlace(changed))

	changed, attrs = SummarizeConfigChange(&Config{}, &Config{Debug: DebugConfig{Enabled: true, Token: "hunter2"}})
	assert.Equal(t, []string{"debug"}, changed)
	assert.True(t, InPlace(changed))
	var buf bytes.Buffer
	logx.NewWriter(&buf, "info").Info("config change", attrs...)
	assert.Contains(t, buf.String(), "debug.token_set")
	assert.NotContains(t, buf.String(), "hunter2")

	changed, _ = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, changed)
}

func TestSubscribeKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)

	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	m.publish(a)
}

func TestReloadValidatesAndSkipsUnchanged(t *testing.T) {
	p := writeFile(t, "c.json", `{"workers":{"target_channel":"@a"}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)
	ctx := context.Background()

	m.reload(ctx)
	assert.Len(t, ch, 0, "unchanged content is not republished")

	require.NoError(t, os.WriteFile(p, []byte(`{"workers":{"target_channel":"@b"}}`), 0o600))
	m.SetValidator(func(context.Context, *Config) error { return errors.New("no") })
	m.reload(ctx)
	assert.Len(t, ch, 0, "rejected config is not published")
	assert.Equal(t, "@a", m.Get().Workers.TargetChannel)

	m.SetValidator(nil)
	m.reload(ctx)
	require.Len(t, ch, 1)
	assert.Equal(t, "@b", (<-ch).Workers.TargetChannel)
}

func TestWatchPublishesChange(t *testing.T) {
	p := writeFile(t, "c.json", `{"workers":{"target_channel":"@a"}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Rewrites are spaced well beyond the debounce delay so each one can
	// settle; the repeats only cover a watcher that was not yet set up.
	write := func() {
		require.NoError(t, os.WriteFile(p, []byte(`{"workers":{"target_channel":"@b"}}`), 0o600))
	}
	time.Sleep(200 * time.Millisecond)
	write()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			assert.Equal(t, "@b", cfg.Workers.TargetChannel)
			return
		case <-tick.C:
			write()
		case <-deadline:
			t.Fatal("no config published")
		}
	}
}

func TestDebouncerCoalescesTriggers(t *testing.T) {
	var calls atomic.Int32
	d := newDebouncer(30*time.Millisecond, func() { calls.Add(1) })
	for range 5 {
		d.trigger()
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	d.stop()
	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDebouncerStopWaitsForRunningCallback(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	d := newDebouncer(time.Millisecond, func() {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
	})

	d.trigger()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not start")
	}

	stopped := make(chan struct{})
	go func() {
		d.stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned while the callback was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the callback finished")
	}

	d.trigger()
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load(), "no callback after stop")
}
