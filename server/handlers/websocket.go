package handlers

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/san-kum/crash-telemetry/server/processor"
	"github.com/san-kum/crash-telemetry/server/session"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// WebSocketHandler streams session snapshots to dashboards.
type WebSocketHandler struct {
	processor *processor.TelemetryProcessor
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

type ClientMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// dashboardConn serialises writes; gorilla allows one writer at a time.
type dashboardConn struct {
	conn  *websocket.Conn
	mutex sync.Mutex
}

func (d *dashboardConn) write(message ServerMessage) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return d.conn.WriteJSON(message)
}

func (d *dashboardConn) control(messageType int, data []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.conn.WriteControl(messageType, data, time.Now().Add(writeWait))
}

func NewWebSocketHandler(processor *processor.TelemetryProcessor, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		processor: processor,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, "*") {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	clientIP := c.ClientIP()
	id, updates := h.processor.Subscribe()
	defer h.processor.Unsubscribe(id)

	h.logger.Info("Dashboard client connected",
		zap.String("client_ip", clientIP),
		zap.String("subscriber_id", id))

	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	client := &dashboardConn{conn: conn}
	done := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		h.writeLoop(client, updates, done)
	}()

	h.readLoop(client)
	close(done)
	<-writerDone

	h.logger.Info("Dashboard client disconnected",
		zap.String("client_ip", clientIP),
		zap.String("subscriber_id", id))
}

func (h *WebSocketHandler) readLoop(client *dashboardConn) {
	for {
		var message ClientMessage
		if err := client.conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}
		h.handleMessage(client, &message)
	}
}

// writeLoop pushes snapshots and keepalive pings until the reader stops or
// the subscription is closed. Either way it closes the connection so the
// reader unblocks.
func (h *WebSocketHandler) writeLoop(client *dashboardConn, updates <-chan session.Snapshot, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				_ = client.control(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				client.conn.Close()
				return
			}
			if err := client.write(ServerMessage{Type: "snapshot", Data: snap}); err != nil {
				h.logger.Debug("Failed to push snapshot", zap.Error(err))
				client.conn.Close()
				return
			}
		case <-ticker.C:
			if err := client.control(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Failed to send ping", zap.Error(err))
				client.conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func (h *WebSocketHandler) handleMessage(client *dashboardConn, message *ClientMessage) {
	switch message.Type {
	case "ping":
		h.sendMessage(client, "pong", map[string]any{"timestamp": time.Now().Unix()})
	case "reading":
		_, assessment, err := h.processor.IngestPayload(message.Data)
		if err != nil {
			h.sendError(client, err.Error())
			return
		}
		h.sendMessage(client, "risk", assessment)
	case "accident":
		if err := h.processor.TriggerAccident(); err != nil {
			h.sendError(client, err.Error())
		}
	default:
		h.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		h.sendError(client, "Unknown message type: "+message.Type)
	}
}

func (h *WebSocketHandler) sendMessage(client *dashboardConn, messageType string, data any) {
	if err := client.write(ServerMessage{Type: messageType, Data: data}); err != nil {
		h.logger.Error("Failed to send WebSocket message", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(client *dashboardConn, errorMsg string) {
	h.sendMessage(client, "error", map[string]any{
		"message":   errorMsg,
		"timestamp": time.Now().Unix(),
	})
}
