package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/san-kum/crash-telemetry/server/config"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.LoadConfig()
	cfg.Simulation.Seed = 1
	cfg.Security.OperatorSecret = "operator"
	if mutate != nil {
		mutate(cfg)
	}

	s, err := NewServer(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.processor.Shutdown()
		s.rateLimiter.Shutdown()
	})
	return s
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/health", "/api/v1/health", "/api/v1/state", "/api/v1/history", "/api/v1/log", "/api/v1/log/verify", "/api/v1/live/status", "/api/v1/settings"} {
		w := serve(s, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"), path)
	}

	w := serve(s, httptest.NewRequest(http.MethodPost, "/api/v1/simulation/start", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/mode", strings.NewReader(`{"mode":"live"}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusOK, serve(s, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/readings", strings.NewReader(`{"gForce":0.3,"velocity":20}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusOK, serve(s, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/readings", strings.NewReader(`gForce=1`))
	req.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, http.StatusUnsupportedMediaType, serve(s, req).Code)
}

func TestAdminRequiresOperator(t *testing.T) {
	s := newTestServer(t, nil)

	w := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/admin/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer operator")
	w = serve(s, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processor"`)
	assert.Contains(t, w.Body.String(), `"backend":"memory"`)
}

func TestNewServerRejectsUnknownDigest(t *testing.T) {
	cfg := config.LoadConfig()
	cfg.Simulation.Digest = "md5"
	_, err := NewServer(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestUnreachableRedisFallsBackToMemory(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Redis.Host = "127.0.0.1"
		c.Redis.Port = 1
	})

	stats, err := s.processor.GetCacheStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "memory", stats.Backend)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Server.Host = "127.0.0.1"
		c.Server.Port = 0
		c.Simulation.TickInterval = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return s.processor.GetStats().Ticks > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
