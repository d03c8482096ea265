package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/chat"
	logx "herald/pkg/logx"
)

type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *waitRecorder) sleep(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *waitRecorder) all() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.waits...)
}

func newTestPolicy(w *waitRecorder) *Policy {
	return New(Config{Base: 10 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2}, logx.Nop(), WithSleep(w.sleep))
}

func TestExecuteSuccessFirstTry(t *testing.T) {
	t.Parallel()
	w := &waitRecorder{}
	p := newTestPolicy(w)

	calls := 0
	res := p.Execute(context.Background(), "send", 3, func(context.Context) error {
		calls++
		return nil
	})
	assert.True(t, res.OK())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, w.all())
}

func TestPermissionDeniedIsNeverRetried(t *testing.T) {
	t.Parallel()
	w := &waitRecorder{}
	p := newTestPolicy(w)

	calls := 0
	res := p.Execute(context.Background(), "send", 5, func(context.Context) error {
		calls++
		return chat.PermissionDenied("send", errors.New("forbidden"))
	})
	assert.False(t, res.OK())
	assert.True(t, res.Denied())
	assert.Equal(t, PermissionDenied, res.Last)
	assert.Equal(t, 1, calls)
	assert.Empty(t, w.all(), "no backoff wait for a permanent failure")
}

func TestRateLimitedHonorsHintBeforeRetry(t *testing.T) {
	t.Parallel()
	w := &waitRecorder{}
	p := newTestPolicy(w)

	hint := 2 * time.Second
	calls := 0
	res := p.Execute(context.Background(), "send", 3, func(context.Context) error {
		calls++
		if calls == 1 {
			return chat.RateLimited("send", hint, nil)
		}
		return nil
	})
	require.True(t, res.OK())
	assert.Equal(t, 2, calls)
	waits := w.all()
	require.Len(t, waits, 1)
	assert.GreaterOrEqual(t, waits[0], hint, "hint exceeds MaxDelay but must not be shortened")
}

func TestRateLimitedHintWaitedEvenWhenGivingUp(t *testing.T) {
	t.Parallel()
	w := &waitRecorder{}
	p := newTestPolicy(w)

	hint := 1500 * time.Millisecond
	res := p.Execute(context.Background(), "send", 1, func(context.Context) error {
		return chat.RateLimited("send", hint, nil)
	})
	assert.False(t, res.OK())
	assert.Equal(t, RateLimited, res.Last)
	waits := w.all()
	require.Len(t, waits, 1)
	assert.GreaterOrEqual(t, waits[0], hint)
}

func TestTransientBacksOffExponentially(t *testing.T) {
	t.Parallel()
	w := &waitRecorder{}
	p := New(Config{Base: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: 0.2}, logx.Nop(), WithSleep(w.sleep))

	calls := 0
	res := p.Execute(context.Background(), "send", 4, func(context.Context) error {
		calls++
		return chat.Transient("send", errors.New("502"))
	})
	assert.False(t, res.OK())
	assert.Equal(t, TransientServer, res.Last)
	assert.Equal(t, 4, calls)

	waits := w.all()
	require.Len(t, waits, 3, "no wait after the final attempt")
	for i, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		assert.InDelta(t, float64(want), float64(waits[i]), float64(want)*0.21, "wait %d", i)
	}
}

func TestUnknownTreatedLikeTransient(t *testing.T) {
	t.Parallel()
	w := &waitRecorder{}
	p := newTestPolicy(w)

	calls := 0
	res := p.Execute(context.Background(), "send", 2, func(context.Context) error {
		calls++
		return errors.New("mystery")
	})
	assert.Equal(t, Unknown, res.Last)
	assert.Equal(t, 2, calls)
	assert.Len(t, w.all(), 1)
}

func TestCancelDuringBackoffStops(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := New(Config{Base: time.Hour, MaxDelay: time.Hour}, logx.Nop())

	calls := 0
	done := make(chan Result, 1)
	go func() {
		done <- p.Execute(ctx, "send", 3, func(context.Context) error {
			calls++
			return chat.Transient("send", nil)
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.Equal(t, TransientServer, res.Last)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	c, hint := Classify(chat.RateLimited("x", time.Second, nil))
	assert.Equal(t, RateLimited, c)
	assert.Equal(t, time.Second, hint)

	c, _ = Classify(nil)
	assert.Equal(t, Success, c)
	c, _ = Classify(context.DeadlineExceeded)
	assert.Equal(t, Unknown, c)
}
