package chat

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedErrors(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "permission", err: PermissionDenied("send", base), want: KindPermissionDenied},
		{name: "rate limited", err: fmt.Errorf("wrapped: %w", RateLimited("send", time.Second, base)), want: KindRateLimited},
		{name: "transient", err: Transient("send", base), want: KindTransient},
		{name: "plain", err: base, want: KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRateLimitedCarriesHint(t *testing.T) {
	t.Parallel()
	err := RateLimited("send", 3*time.Second, nil)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 3*time.Second, ce.RetryAfter)
	assert.Contains(t, err.Error(), "retry after 3s")

	neg := RateLimited("send", -time.Second, nil)
	require.True(t, errors.As(neg, &ce))
	assert.Zero(t, ce.RetryAfter)
}

func TestLoginErrorRedactsCredential(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("worker 0: %w", &LoginError{Credential: "123456:verysecretvalue", Err: errors.New("unauthorized")})
	assert.True(t, IsLoginFailure(err))
	assert.NotContains(t, err.Error(), "verysecret")
	assert.Contains(t, err.Error(), "****alue")
	assert.False(t, IsLoginFailure(Transient("connect", nil)))
}

func TestPreview(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "[empty]", Preview("  ", 50))
	assert.Equal(t, "a b", Preview("a\nb", 50))
	assert.Equal(t, "abc...", Preview("abcdef", 3))
}
