package livefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/san-kum/crash-telemetry/server/models"
)

type recorder struct {
	mu       sync.Mutex
	states   []State
	readings []models.SensorReading
}

func (r *recorder) onState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) onReading(reading models.SensorReading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, reading)
}

func (r *recorder) snapshot() ([]State, []models.SensorReading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...), append([]models.SensorReading(nil), r.readings...)
}

func newAdapter(t *testing.T, rec *recorder) *Adapter {
	return NewAdapter(Options{
		DialTimeout: 2 * time.Second,
		OnReading:   rec.onReading,
		OnState:     rec.onState,
	}, zaptest.NewLogger(t))
}

// feedServer upgrades each request and hands the connection to serve.
func feedServer(t *testing.T, serve func(conn *websocket.Conn)) (*httptest.Server, string) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectWithoutAddress(t *testing.T) {
	rec := &recorder{}
	a := newAdapter(t, rec)
	require.Equal(t, StateIdle, a.State())

	err := a.Connect(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoAddress)
	assert.Equal(t, StateError, a.State())

	states, _ := rec.snapshot()
	assert.Equal(t, []State{StateError}, states)
}

func TestConnectDialFailure(t *testing.T) {
	rec := &recorder{}
	a := newAdapter(t, rec)

	err := a.Connect(context.Background(), "ws://127.0.0.1:1/feed")
	require.Error(t, err)
	assert.Equal(t, StateError, a.State())
	assert.NotEmpty(t, a.Stats().LastError)

	states, _ := rec.snapshot()
	assert.Equal(t, []State{StateConnecting, StateError}, states)
}

func TestReadingsFlowAndMalformedAreDropped(t *testing.T) {
	release := make(chan struct{})
	_, url := feedServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(fullReading))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"gForce":"bad"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"gForce":5,"velocity":0}`))
		<-release
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(50 * time.Millisecond)
	})

	rec := &recorder{}
	a := newAdapter(t, rec)
	require.NoError(t, a.Connect(context.Background(), url))
	assert.Equal(t, StateConnected, a.State())

	require.Eventually(t, func() bool {
		_, readings := rec.snapshot()
		return len(readings) == 2
	}, 2*time.Second, 10*time.Millisecond)

	stats := a.Stats()
	assert.Equal(t, int64(3), stats.Received)
	assert.Equal(t, int64(2), stats.Accepted)
	assert.Equal(t, int64(1), stats.Dropped)

	_, readings := rec.snapshot()
	assert.Equal(t, 60.0, readings[0].Velocity)
	assert.Equal(t, 5.0, readings[1].GForce)

	close(release)
	require.Eventually(t, func() bool { return a.State() == StateDisconnected }, 2*time.Second, 10*time.Millisecond)

	states, _ := rec.snapshot()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states)
}

func TestAbruptCloseIsAnError(t *testing.T) {
	_, url := feedServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})

	a := newAdapter(t, &recorder{})
	require.NoError(t, a.Connect(context.Background(), url))
	require.Eventually(t, func() bool { return a.State() == StateError }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseAndReconnect(t *testing.T) {
	_, url := feedServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := &recorder{}
	a := newAdapter(t, rec)
	require.NoError(t, a.Connect(context.Background(), url))

	assert.ErrorIs(t, a.Connect(context.Background(), url), ErrAlreadyConnected)

	require.NoError(t, a.Close())
	assert.Equal(t, StateDisconnected, a.State())
	assert.NoError(t, a.Close())

	require.NoError(t, a.Connect(context.Background(), url))
	assert.Equal(t, StateConnected, a.State())
	require.NoError(t, a.Close())

	states, _ := rec.snapshot()
	assert.Equal(t, []State{
		StateConnecting, StateConnected, StateDisconnected,
		StateConnecting, StateConnected, StateDisconnected,
	}, states)
}

func TestCloseDuringDialAbortsConnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	rec := &recorder{}
	a := newAdapter(t, rec)

	done := make(chan error, 1)
	go func() {
		done <- a.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	}()

	require.Eventually(t, func() bool { return a.State() == StateConnecting }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, a.Close())
	assert.Equal(t, StateDisconnected, a.State())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDialAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Close")
	}

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateDisconnected, a.State())
	states, _ := rec.snapshot()
	assert.Equal(t, []State{StateConnecting, StateDisconnected}, states)
}

func TestHandleMessageWithoutConsumer(t *testing.T) {
	a := NewAdapter(Options{}, zaptest.NewLogger(t))
	assert.True(t, a.HandleMessage([]byte(fullReading)))
	assert.False(t, a.HandleMessage([]byte(`{}`)))
}
