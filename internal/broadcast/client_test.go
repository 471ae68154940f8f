package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(func() { srv.Close() })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}

func TestClient_SendWritesTextFrame(t *testing.T) {
	server, peer := newTestConnPair(t)
	c := NewClient(server, "u1", clockwork.NewRealClock(), newTestBroadcastMetrics())
	t.Cleanup(c.Close)

	assert.NotEmpty(t, c.ID())
	assert.Equal(t, "u1", c.UserID())
	require.True(t, c.Send([]byte(`{"event":"hello","data":{}}`)))

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := peer.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.JSONEq(t, `{"event":"hello","data":{}}`, string(data))
}

func TestClient_SendAfterCloseFails(t *testing.T) {
	server, _ := newTestConnPair(t)
	c := NewClient(server, "u1", clockwork.NewRealClock(), newTestBroadcastMetrics())

	c.Close()
	c.Close()

	assert.False(t, c.Send([]byte("x")))
	select {
	case <-c.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestClient_SendNeverBlocksWhenBufferFull(t *testing.T) {
	server, _ := newTestConnPair(t)
	c := NewClient(server, "u1", clockwork.NewRealClock(), newTestBroadcastMetrics())
	// Stop the writer so nothing drains the buffer.
	c.stopOnce.Do(func() { close(c.doneChannel) })
	c.wg.Wait()
	t.Cleanup(func() { _ = server.Close() })

	// Send refuses once stopped, so fill the buffer directly.
	for i := 0; i < messageBufferSize; i++ {
		c.sendChannel <- []byte("x")
	}

	done := make(chan bool, 1)
	go func() { done <- c.Send([]byte("overflow")) }()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full buffer")
	}
}

func TestClient_PingOnTick(t *testing.T) {
	// Deadlines are derived from the clock, so it must start near real time.
	fakeClock := clockwork.NewFakeClockAt(time.Now())
	server, peer := newTestConnPair(t)
	c := NewClient(server, "u1", fakeClock, newTestBroadcastMetrics())
	t.Cleanup(c.Close)

	pinged := make(chan struct{}, 1)
	peer.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := peer.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fakeClock.BlockUntilContext(ctx, 1))
	fakeClock.Advance(pingInterval)

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a ping after the ping interval")
	}
}

func TestClient_CloseGracefulSendsCloseFrame(t *testing.T) {
	server, peer := newTestConnPair(t)
	c := NewClient(server, "u1", clockwork.NewRealClock(), newTestBroadcastMetrics())

	c.CloseGraceful("server shutting down")

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := peer.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "server shutting down", closeErr.Text)
}

func TestClient_ReadLoopEndsWhenPeerCloses(t *testing.T) {
	server, peer := newTestConnPair(t)
	c := NewClient(server, "u1", clockwork.NewRealClock(), newTestBroadcastMetrics())
	t.Cleanup(c.Close)

	received := make(chan string, 1)
	finished := make(chan struct{})
	go func() {
		c.ReadLoop(func(data []byte) { received <- string(data) })
		close(finished)
	}()

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte("ping")))
	select {
	case msg := <-received:
		assert.Equal(t, "ping", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not read")
	}

	require.NoError(t, peer.Close())
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
}
