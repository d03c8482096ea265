package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"herald/internal/autoreply"
	"herald/internal/broadcast"
	"herald/internal/chat"
	"herald/internal/chat/chattest"
	"herald/internal/ledger"
	"herald/internal/retry"
	"herald/internal/worker"
	logx "herald/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type flushCounter struct {
	ledger.Ledger
	flushes atomic.Int32
}

func (f *flushCounter) Flush(ctx context.Context) error {
	f.flushes.Add(1)
	return f.Ledger.Flush(ctx)
}

func parked(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestOrchestrator(t *testing.T, block bool) (*Orchestrator, *chattest.Client, *flushCounter) {
	t.Helper()
	l, err := ledger.Open(ledger.Config{Path: filepath.Join(t.TempDir(), "replied.json"), FileLock: true}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	fl := &flushCounter{Ledger: l}

	client := chattest.NewClient()
	policy := retry.New(retry.Config{Base: time.Millisecond, MaxDelay: time.Millisecond}, logx.Nop(), retry.WithSleep(noSleep))
	o, err := New(Config{
		Worker: worker.Config{
			Broadcast: broadcast.Config{
				Messages:      []string{"hello channel"},
				TargetChannel: "@news",
				MinInterval:   time.Hour,
				MaxInterval:   time.Hour,
			},
			AutoReply:       autoreply.Config{ReplyBody: "auto"},
			BlockAfterReply: block,
		},
		Grace:             time.Second,
		RestartMinBackoff: time.Millisecond,
		RestartMaxBackoff: time.Millisecond,
	}, worker.Deps{Client: client, Ledger: fl, Policy: policy, Log: logx.Nop()},
		worker.WithSchedulerOptions(broadcast.WithSleep(parked)),
		worker.WithProcessorOptions(autoreply.WithSleep(noSleep)),
	)
	require.NoError(t, err)
	return o, client, fl
}

func TestStartIsolatesLoginFailure(t *testing.T) {
	ctx := context.Background()
	o, client, fl := newTestOrchestrator(t, false)
	client.Reject("bad-credential", errors.New("unauthorized"))

	require.NoError(t, o.Start(ctx, []chat.Credential{"good-one", "bad-credential", "good-two"}))
	assert.ErrorIs(t, o.Start(ctx, []chat.Credential{"x"}), ErrAlreadyRunning)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, o.AwaitRunning(wctx))

	require.Eventually(t, func() bool {
		st := o.Status()
		return len(st) == 3 && st[1].Terminated && st[0].State == "running" && st[2].State == "running"
	}, 2*time.Second, 5*time.Millisecond)

	st := o.Status()
	assert.Equal(t, "closed", st[1].State)
	assert.Contains(t, st[1].LastError, "login failed")
	assert.NotContains(t, st[1].Credential, "bad-cred")

	require.NoError(t, o.Stop(ctx))
	assert.Equal(t, int32(1), fl.flushes.Load())
	assert.Nil(t, o.Status())

	require.NoError(t, o.Stop(ctx), "stop is idempotent")
	assert.Equal(t, int32(2), fl.flushes.Load(), "every stop flushes")
}

func TestAwaitRunningFailsWhenAllLoginsFail(t *testing.T) {
	ctx := context.Background()
	o, client, fl := newTestOrchestrator(t, false)
	client.Reject("a", nil)
	client.Reject("b", nil)

	require.NoError(t, o.Start(ctx, []chat.Credential{"a", "b"}))
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, o.AwaitRunning(wctx), ErrNoWorkerRunning)

	require.NoError(t, o.Stop(ctx))
	assert.Equal(t, int32(1), fl.flushes.Load())
}

func TestStartRequiresCredentials(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, false)
	assert.ErrorIs(t, o.Start(context.Background(), nil), ErrNoCredentials)
	assert.ErrorIs(t, o.AwaitRunning(context.Background()), ErrNotRunning)
}

func TestRestartReconnects(t *testing.T) {
	ctx := context.Background()
	o, client, _ := newTestOrchestrator(t, false)

	require.NoError(t, o.Start(ctx, []chat.Credential{"tok"}))
	require.NoError(t, o.AwaitRunning(ctx))
	require.NoError(t, o.Restart(ctx, []chat.Credential{"tok", "tok-2"}))
	require.NoError(t, o.AwaitRunning(ctx))

	assert.Len(t, o.Status(), 2)
	assert.Equal(t, 3, client.Connects())
	require.NoError(t, o.Stop(ctx))
}

func TestLostSessionIsRestarted(t *testing.T) {
	ctx := context.Background()
	o, client, _ := newTestOrchestrator(t, false)

	require.NoError(t, o.Start(ctx, []chat.Credential{"tok"}))
	require.NoError(t, o.AwaitRunning(ctx))
	require.NoError(t, client.Session("tok").Close(ctx))

	require.Eventually(t, func() bool {
		return client.Connects() == 2 && o.Status()[0].State == "running"
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, o.Stop(ctx))
}

func TestCrossWorkerSameCorrespondentOneSideEffect(t *testing.T) {
	ctx := context.Background()
	o, client, fl := newTestOrchestrator(t, true)
	s0, s1 := client.Session("w0"), client.Session("w1")

	require.NoError(t, o.Start(ctx, []chat.Credential{"w0", "w1"}))
	require.Eventually(t, func() bool {
		st := o.Status()
		return st[0].State == "running" && st[1].State == "running"
	}, 2*time.Second, 5*time.Millisecond)

	now := time.Now()
	s0.Deliver(chat.DirectMessage{AuthorID: "A", Body: "hi", CreatedAt: now})
	s1.Deliver(chat.DirectMessage{AuthorID: "A", Body: "hi", CreatedAt: now})

	require.Eventually(t, func() bool {
		return len(s0.Blocked())+len(s1.Blocked()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, o.Stop(ctx))

	assert.Len(t, append(s0.Blocked(), s1.Blocked()...), 1, "at most one side effect across workers")
	n, err := fl.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
