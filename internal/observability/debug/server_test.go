package debug

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	logx "herald/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestValidate(t *testing.T) {
	cases := []struct {
		cfg     Config
		wantErr bool
	}{
		{Config{}, false},
		{Config{Enabled: true}, false},
		{Config{Enabled: true, Addr: "localhost:7000"}, false},
		{Config{Enabled: true, Addr: "[::1]:7000"}, false},
		{Config{Enabled: true, Addr: ":7000"}, true},
		{Config{Enabled: true, Addr: "0.0.0.0:7000"}, true},
		{Config{Enabled: true, Addr: "0.0.0.0:7000", Token: "t"}, false},
		{Config{Enabled: true, Addr: "0.0.0.0:7000", AllowInsecure: true}, false},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrInsecureBind, "%+v", tc.cfg)
		} else {
			assert.NoError(t, err, "%+v", tc.cfg)
		}
	}
}

func TestHandlerStatusAndAuth(t *testing.T) {
	s := New(logx.Nop(), func(context.Context) (any, error) {
		return map[string]int{"workers": 2}, nil
	})
	h := s.Handler(Config{Token: "sekret"})

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/status", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/status?token=nope", nil).Code)

	rec := get(t, h, "/status", map[string]string{"Authorization": "Bearer sekret"})
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body["workers"])

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=sekret", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/?token=sekret", nil).Code)
}

func TestHandlerStatusError(t *testing.T) {
	s := New(logx.Nop(), func(context.Context) (any, error) { return nil, errors.New("boom") })
	rec := get(t, s.Handler(Config{Pprof: true}), "/status", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	assert.Equal(t, http.StatusOK, get(t, s.Handler(Config{Pprof: true}), "/debug/pprof/", nil).Code)
}

func TestReconfigureStartsAndStops(t *testing.T) {
	s := New(logx.Nop(), func(context.Context) (any, error) { return []string{}, nil })
	ctx := context.Background()

	assert.ErrorIs(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: "0.0.0.0:0"}), ErrInsecureBind)

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}))
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(b))

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: false}))
	assert.Empty(t, s.Addr())
	http.DefaultClient.CloseIdleConnections()
}
