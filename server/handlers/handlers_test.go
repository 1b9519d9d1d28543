package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/san-kum/crash-telemetry/server/cache"
	"github.com/san-kum/crash-telemetry/server/chain"
	"github.com/san-kum/crash-telemetry/server/models"
	"github.com/san-kum/crash-telemetry/server/processor"
	"github.com/san-kum/crash-telemetry/server/session"
	"github.com/san-kum/crash-telemetry/server/settings"
)

const highRiskPayload = `{"gForce":3.5,"vibration":90,"gps":{"lat":"37.7749","lng":"-122.4194"},
"temperature":25,"gasLevel":390,"soundAmplitude":60,"velocity":64,
"driverHealth":{"heartRate":90,"fatigueLevel":"High"}}`

const calmPayload = `{"gForce":0.2,"vibration":20,"gps":{"lat":"37.7749","lng":"-122.4194"},
"temperature":25,"gasLevel":300,"soundAmplitude":50,"velocity":30,
"driverHealth":{"heartRate":75,"fatigueLevel":"Normal"}}`

func init() {
	gin.SetMode(gin.TestMode)
}

// Handlers here outlive hijacked test connections, so they log to a nop
// logger rather than the test's.
func newTestRouter(t *testing.T) (*gin.Engine, *processor.TelemetryProcessor) {
	t.Helper()
	logger := zap.NewNop()

	c := cache.NewMemoryCache(16, 0, logger)
	store := settings.NewStore(context.Background(), c, models.Settings{}, logger)

	cfg := session.DefaultConfig()
	cfg.AccidentProbability = 0
	sess := session.New(cfg, rand.New(rand.NewPCG(3, 5)), chain.NewBuilder(nil, nil), logger)

	p := processor.NewTelemetryProcessor(processor.Config{TickInterval: time.Hour}, sess, store, c, logger)
	t.Cleanup(func() { _ = p.Shutdown() })

	h := NewTelemetryHandler(p, logger)
	ws := NewWebSocketHandler(p, []string{"http://dash.example"}, logger)

	router := gin.New()
	router.GET("/ws", ws.HandleWebSocket)
	api := router.Group("/api/v1")
	api.GET("/state", h.GetState)
	api.GET("/history", h.GetHistory)
	api.GET("/log", h.GetLog)
	api.GET("/log/verify", h.VerifyLog)
	api.PUT("/mode", h.SetMode)
	api.POST("/simulation/start", h.StartSimulation)
	api.POST("/simulation/stop", h.StopSimulation)
	api.POST("/accident", h.TriggerAccident)
	api.POST("/readings", h.IngestReading)
	api.POST("/live/connect", h.ConnectLive)
	api.POST("/live/disconnect", h.DisconnectLive)
	api.GET("/live/status", h.LiveStatus)
	api.GET("/settings", h.GetSettings)
	api.PUT("/settings", h.UpdateSettings)
	api.DELETE("/settings", h.ClearSettings)
	api.POST("/reset", h.Reset)
	api.GET("/admin/stats", h.GetStats)

	return router, p
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestGetState(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/api/v1/state", "")
	require.Equal(t, http.StatusOK, w.Code)

	snap := decode[session.Snapshot](t, w)
	assert.Equal(t, models.ModeSimulation, snap.Mode)
	assert.Equal(t, models.RiskAssessment{Level: models.RiskLow, Value: 0}, snap.Risk)
	assert.Equal(t, "Engine Idle", snap.Sound)
	assert.Equal(t, models.RescueIdle, snap.Rescue)
	assert.NotEmpty(t, snap.Gauges)
}

func TestSimulationControl(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodPost, "/api/v1/simulation/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[session.Snapshot](t, w).Simulating)

	w = do(router, http.MethodPost, "/api/v1/simulation/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[session.Snapshot](t, w).Simulating)

	w = do(router, http.MethodPut, "/api/v1/mode", `{"mode":"live"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.ModeLive, decode[session.Snapshot](t, w).Mode)

	w = do(router, http.MethodPost, "/api/v1/simulation/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSetModeRejectsUnknown(t *testing.T) {
	router, _ := newTestRouter(t)

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPut, "/api/v1/mode", `{"mode":"replay"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPut, "/api/v1/mode", `{}`).Code)
}

func TestAccidentLifecycle(t *testing.T) {
	router, p := newTestRouter(t)

	w := do(router, http.MethodPost, "/api/v1/accident", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	snap := decode[session.Snapshot](t, w)
	assert.Equal(t, models.RiskCritical, snap.Risk.Level)
	assert.Equal(t, "CRASH DETECTED", snap.Sound)
	assert.Equal(t, models.RescueCalculating, snap.Rescue)

	w = do(router, http.MethodPost, "/api/v1/accident", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	p.Session().Advance(time.Now().Add(4 * time.Second))

	w = do(router, http.MethodGet, "/api/v1/log", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Entries []chain.Entry `json:"entries"`
		Length  int           `json:"length"`
		Digest  string        `json:"digest"`
	}](t, w)
	require.Equal(t, 1, body.Length)
	assert.Equal(t, chain.GenesisHash, body.Entries[0].PreviousHash)
	assert.Equal(t, chain.HasherRolling32, body.Digest)

	w = do(router, http.MethodGet, "/api/v1/log/verify", "")
	require.Equal(t, http.StatusOK, w.Code)
	verify := decode[map[string]any](t, w)
	assert.Equal(t, true, verify["valid"])

	w = do(router, http.MethodPost, "/api/v1/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[session.Snapshot](t, w).LogLength)
}

func TestIngestReading(t *testing.T) {
	router, p := newTestRouter(t)

	w := do(router, http.MethodPost, "/api/v1/readings", calmPayload)
	assert.Equal(t, http.StatusConflict, w.Code)

	require.Equal(t, http.StatusOK, do(router, http.MethodPut, "/api/v1/mode", `{"mode":"live"}`).Code)

	w = do(router, http.MethodPost, "/api/v1/readings", `{"vibration":20}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/v1/readings", calmPayload)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Risk    models.RiskAssessment `json:"risk"`
		InRange bool                  `json:"in_range"`
	}](t, w)
	assert.Equal(t, models.RiskLow, body.Risk.Level)
	assert.True(t, body.InRange)

	w = do(router, http.MethodPost, "/api/v1/readings", highRiskPayload)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"CRITICAL"`)

	w = do(router, http.MethodGet, "/api/v1/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[struct {
		Readings  []models.SensorReading `json:"readings"`
		Analytics session.Analytics      `json:"analytics"`
	}](t, w)
	assert.Len(t, history.Readings, 2)
	assert.Equal(t, 2, history.Analytics.Samples)

	w = do(router, http.MethodGet, "/api/v1/admin/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[struct {
		System SystemStats       `json:"system"`
		Cache  *cache.CacheStats `json:"cache"`
	}](t, w)
	assert.Equal(t, int64(4), stats.System.TotalReadings)
	assert.Equal(t, int64(2), stats.System.AcceptedOK)
	assert.Equal(t, int64(2), stats.System.Rejected)
	require.NotNil(t, stats.Cache)

	// The not-live conflict and the malformed body both count as live rejections.
	assert.Equal(t, int64(2), p.GetStats().LiveRejected)
	assert.Equal(t, int64(2), p.GetStats().LiveReadings)
	assert.Equal(t, "memory", stats.Cache.Backend)
}

func TestSettingsEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.Settings{}, decode[models.Settings](t, w))

	w = do(router, http.MethodPut, "/api/v1/settings", `{"cameraUrl":"http://cam/live","sensorUrl":"ftp://nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPut, "/api/v1/settings", `{"cameraUrl":"http://cam/live","sensorUrl":"ws://car:81"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.Settings{CameraURL: "http://cam/live", SensorURL: "ws://car:81"}, decode[models.Settings](t, w))

	w = do(router, http.MethodDelete, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.Settings{}, decode[models.Settings](t, w))

	w = do(router, http.MethodGet, "/api/v1/settings", "")
	assert.Equal(t, models.Settings{}, decode[models.Settings](t, w))
}

func TestLiveEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	assert.Equal(t, http.StatusConflict, do(router, http.MethodPost, "/api/v1/live/connect", "").Code)

	require.Equal(t, http.StatusOK, do(router, http.MethodPut, "/api/v1/mode", `{"mode":"live"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/v1/live/connect", "").Code)

	w := do(router, http.MethodGet, "/api/v1/live/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"error"`)

	require.Equal(t, http.StatusOK, do(router, http.MethodPut, "/api/v1/settings", `{"sensorUrl":"ws://127.0.0.1:1/feed"}`).Code)
	assert.Equal(t, http.StatusBadGateway, do(router, http.MethodPost, "/api/v1/live/connect", "").Code)

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/v1/live/disconnect", "").Code)
}

func dial(t *testing.T, srv *httptest.Server, origin string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn, wantType string) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var raw struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&raw))
		if raw.Type == wantType {
			var data any
			require.NoError(t, json.Unmarshal(raw.Data, &data))
			return ServerMessage{Type: raw.Type, Data: data}
		}
	}
}

func TestWebSocketStream(t *testing.T) {
	router, p := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := dial(t, srv, "http://dash.example")

	first := readMessage(t, conn, "snapshot")
	assert.Equal(t, "simulation", first.Data.(map[string]any)["mode"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	readMessage(t, conn, "pong")

	require.NoError(t, p.StartSimulation())
	snap := readMessage(t, conn, "snapshot")
	assert.Equal(t, true, snap.Data.(map[string]any)["simulating"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "reading", Data: json.RawMessage(calmPayload)}))
	errMsg := readMessage(t, conn, "error")
	assert.Contains(t, errMsg.Data.(map[string]any)["message"], "live mode")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "bogus"}))
	errMsg = readMessage(t, conn, "error")
	assert.Contains(t, errMsg.Data.(map[string]any)["message"], "bogus")
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	router, _ := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketClosedOnShutdown(t *testing.T) {
	router, p := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := dial(t, srv, "")
	readMessage(t, conn, "snapshot")

	require.NoError(t, p.Shutdown())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}
