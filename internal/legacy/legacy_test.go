package legacy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "herald/pkg/logx"
)

type fakeBackend struct {
	kind    string
	targets []Target
	listErr error
	fail    map[string]error
	stopped []string
}

func (f *fakeBackend) Kind() string { return f.kind }

func (f *fakeBackend) List(_ context.Context, pattern string) ([]Target, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Target
	for _, t := range f.targets {
		if Match(pattern, t.Name) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeBackend) Stop(_ context.Context, t Target) error {
	if err := f.fail[t.Name]; err != nil {
		return err
	}
	f.stopped = append(f.stopped, t.String())
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func TestValidatePattern(t *testing.T) {
	for _, p := range []string{"", "  ", "*", "*.*", "?", "[", "bot-["} {
		assert.Error(t, ValidatePattern(p), p)
	}
	for _, p := range []string{"bot-*", "selfbot.py", "herald-worker-?"} {
		assert.NoError(t, ValidatePattern(p), p)
	}
}

func TestMatch(t *testing.T) {
	assert.True(t, Match("bot-*", "bot-1.service"))
	assert.True(t, Match("bot-*", "/usr/local/bin/bot-2"))
	assert.True(t, Match("bot-1", "bot-1.service"))
	assert.False(t, Match("bot-*", "herald.service"))
}

func TestStopMatching(t *testing.T) {
	units := &fakeBackend{kind: "unit", targets: []Target{
		{Kind: "unit", Name: "bot-2.service", Active: true},
		{Kind: "unit", Name: "bot-1.service", Active: true},
		{Kind: "unit", Name: "bot-3.service", Active: false},
		{Kind: "unit", Name: "herald.service", Active: true},
	}, fail: map[string]error{"bot-2.service": errors.New("access denied")}}
	procs := &fakeBackend{kind: "process", targets: []Target{
		{Kind: "process", Name: "bot-legacy", PID: 42, Active: true},
	}}

	sum, err := StopMatching(context.Background(), "bot-*", logx.Nop(), units, procs)
	require.NoError(t, err)

	assert.Equal(t, []string{"bot-1.service"}, units.stopped)
	assert.Equal(t, []string{"bot-legacy[42]"}, procs.stopped)
	assert.Equal(t, 2, sum.Stopped)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Skipped)
	assert.ErrorContains(t, sum.Err(), "bot-2.service: access denied")
}

func TestStopMatchingSkipsUnsupportedBackend(t *testing.T) {
	off := &fakeBackend{kind: "unit", listErr: ErrUnsupported}
	procs := &fakeBackend{kind: "process", targets: []Target{{Kind: "process", Name: "bot", PID: 7, Active: true}}}

	sum, err := StopMatching(context.Background(), "bot", logx.Nop(), off, procs)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Stopped)
	assert.NoError(t, sum.Err())

	_, err = StopMatching(context.Background(), "bot", logx.Nop(), &fakeBackend{kind: "unit", listErr: errors.New("bus down")})
	assert.ErrorContains(t, err, "bus down")

	_, err = StopMatching(context.Background(), "*", logx.Nop(), procs)
	assert.Error(t, err)
}
