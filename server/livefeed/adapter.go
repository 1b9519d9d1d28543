// Package livefeed receives sensor readings from an external WebSocket
// feed and hands decoded readings to a consumer.
package livefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/san-kum/crash-telemetry/server/models"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

var (
	ErrNoAddress        = errors.New("live feed address is not configured")
	ErrAlreadyConnected = errors.New("live feed connection already exists")
	ErrDialAborted      = errors.New("live feed dial aborted by close")
)

type Options struct {
	DialTimeout time.Duration
	ReadLimit   int64
	// OnReading receives every reading that decodes. It runs on the read
	// goroutine, one message at a time.
	OnReading func(models.SensorReading)
	// OnState is called after every state change, outside the adapter lock.
	OnState func(State)
}

type Stats struct {
	State     State  `json:"state"`
	Address   string `json:"address,omitempty"`
	Received  int64  `json:"received"`
	Accepted  int64  `json:"accepted"`
	Dropped   int64  `json:"dropped"`
	LastError string `json:"last_error,omitempty"`
}

// Adapter owns at most one live connection. It never reconnects on its
// own; a new Connect call is required after an error or disconnect.
type Adapter struct {
	dialer    *websocket.Dialer
	logger    *zap.Logger
	readLimit int64
	onReading func(models.SensorReading)
	onState   func(State)

	mutex   sync.Mutex
	state   State
	conn    *websocket.Conn
	address string
	lastErr string

	// attempt identifies the current dial; Close bumps it so a dial that
	// finishes afterwards discards its connection.
	attempt    uint64
	dialCancel context.CancelFunc

	received atomic.Int64
	accepted atomic.Int64
	dropped  atomic.Int64
}

func NewAdapter(opts Options, logger *zap.Logger) *Adapter {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 * 1024
	}

	return &Adapter{
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.DialTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger:    logger,
		readLimit: opts.ReadLimit,
		onReading: opts.OnReading,
		onState:   opts.OnState,
		state:     StateIdle,
	}
}

func (a *Adapter) State() State {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.state
}

func (a *Adapter) Stats() Stats {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return Stats{
		State:     a.state,
		Address:   a.address,
		Received:  a.received.Load(),
		Accepted:  a.accepted.Load(),
		Dropped:   a.dropped.Load(),
		LastError: a.lastErr,
	}
}

// Connect dials addr and starts the read loop. An empty address moves the
// adapter straight to StateError. A Close during the dial aborts it and
// Connect returns ErrDialAborted.
func (a *Adapter) Connect(ctx context.Context, addr string) error {
	a.mutex.Lock()
	if a.conn != nil || a.state == StateConnecting {
		a.mutex.Unlock()
		a.logger.Warn("Live feed connection already exists", zap.String("address", a.address))
		return ErrAlreadyConnected
	}
	if addr == "" {
		a.state = StateError
		a.lastErr = ErrNoAddress.Error()
		a.mutex.Unlock()
		a.logger.Warn("Live feed address is not set")
		a.notify(StateError)
		return ErrNoAddress
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.attempt++
	attempt := a.attempt
	a.dialCancel = cancel
	a.state = StateConnecting
	a.address = addr
	a.lastErr = ""
	a.mutex.Unlock()
	a.notify(StateConnecting)

	conn, _, err := a.dialer.DialContext(dialCtx, addr, nil)

	a.mutex.Lock()
	if a.attempt != attempt {
		a.mutex.Unlock()
		if conn != nil {
			conn.Close()
		}
		a.logger.Info("Live feed dial aborted by close", zap.String("address", addr))
		return ErrDialAborted
	}
	a.dialCancel = nil
	if err != nil {
		a.mutex.Unlock()
		a.fail(fmt.Errorf("failed to dial live feed: %w", err))
		return err
	}
	conn.SetReadLimit(a.readLimit)
	a.conn = conn
	a.state = StateConnected
	a.mutex.Unlock()

	a.logger.Info("Live feed connection established", zap.String("address", addr))
	a.notify(StateConnected)

	go a.readLoop(conn)
	return nil
}

// Close shuts the connection down, or aborts a dial in progress. The state
// is StateDisconnected when Close returns.
func (a *Adapter) Close() error {
	a.mutex.Lock()
	if a.state == StateConnecting {
		a.attempt++
		if a.dialCancel != nil {
			a.dialCancel()
			a.dialCancel = nil
		}
		a.state = StateDisconnected
		a.mutex.Unlock()

		a.logger.Info("Live feed dial cancelled")
		a.notify(StateDisconnected)
		return nil
	}

	conn := a.conn
	if conn == nil {
		a.mutex.Unlock()
		return nil
	}
	a.conn = nil
	a.state = StateDisconnected
	a.mutex.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := conn.Close()

	a.logger.Info("Live feed connection closed")
	a.notify(StateDisconnected)
	return err
}

// HandleMessage decodes one payload and forwards it. Malformed payloads
// are logged and dropped. It reports whether the reading was forwarded.
func (a *Adapter) HandleMessage(payload []byte) bool {
	a.received.Add(1)

	reading, err := Decode(payload)
	if err != nil {
		a.dropped.Add(1)
		a.logger.Warn("Dropped malformed live reading", zap.Error(err), zap.Int("bytes", len(payload)))
		return false
	}

	a.accepted.Add(1)
	if a.onReading != nil {
		a.onReading(reading)
	}
	return true
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			a.handleReadError(conn, err)
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		a.HandleMessage(data)
	}
}

func (a *Adapter) handleReadError(conn *websocket.Conn, err error) {
	a.mutex.Lock()
	if a.conn != conn {
		// Closed locally; Close already set the state.
		a.mutex.Unlock()
		return
	}
	a.conn = nil
	a.mutex.Unlock()
	conn.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		a.logger.Info("Live feed closed by peer")
		a.mutex.Lock()
		a.state = StateDisconnected
		a.mutex.Unlock()
		a.notify(StateDisconnected)
		return
	}

	a.fail(fmt.Errorf("live feed read failed: %w", err))
}

func (a *Adapter) fail(err error) {
	a.logger.Error("Live feed error", zap.Error(err))

	a.mutex.Lock()
	a.state = StateError
	a.lastErr = err.Error()
	a.mutex.Unlock()
	a.notify(StateError)
}

func (a *Adapter) notify(s State) {
	if a.onState != nil {
		a.onState(s)
	}
}
