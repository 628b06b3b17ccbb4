package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerbot/internal/observability/metrics"
	logx "timerbot/pkg/logx"
)

func get(t *testing.T, h http.Handler, path string) (*http.Response, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	res := rec.Result()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(body)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	healthy := true
	s := New(Config{}, Sources{Health: func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("store closed")
	}}, logx.Nop())
	h := s.Handler()

	res, body := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, `"ok"`)

	healthy = false
	res, body = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Contains(t, body, "store closed")
}

func TestStatsAndMetrics(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	m.TimerCreated()
	s := New(Config{}, Sources{
		Metrics: m,
		Stats: func(context.Context) (any, error) {
			return map[string]int{"pending": 4}, nil
		},
	}, logx.Nop())
	h := s.Handler()

	res, body := get(t, h, "/stats")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	var doc map[string]int
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.Equal(t, 4, doc["pending"])

	res, body = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "timerbot_timers_created_total 1")
	assert.Contains(t, body, `timerbot_http_requests_total{method="GET",path="/stats",status_code="200"} 1`)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	res, _ := get(t, New(Config{}, Sources{}, logx.Nop()).Handler(), "/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, body := get(t, New(Config{Pprof: true}, Sources{}, logx.Nop()).Handler(), "/debug/pprof/")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(body, "goroutine"), body)
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	res, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())
	require.NoError(t, s.Stop(ctx))
}
