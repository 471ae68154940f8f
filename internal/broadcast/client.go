package broadcast

import (
	"sync"
	"time"

	"github.com/Ciach0/nerimity-server/internal/adapter/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	maxMessageSize    = 4096
	messageBufferSize = 16
)

// Client is a Conn backed by a gorilla websocket. Frames are written by a dedicated
// goroutine so Send never blocks the caller.
type Client struct {
	id          string
	userID      string
	connection  *websocket.Conn
	clock       clockwork.Clock
	metrics     *metrics.BroadcastMetrics
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

var _ Conn = (*Client)(nil)

// NewClient wraps connection for userID and starts its writer goroutine.
func NewClient(connection *websocket.Conn, userID string, clock clockwork.Clock, m *metrics.BroadcastMetrics) *Client {
	c := &Client{
		id:          uuid.NewString(),
		userID:      userID,
		connection:  connection,
		clock:       clock,
		metrics:     m,
		sendChannel: make(chan []byte, messageBufferSize),
		doneChannel: make(chan struct{}),
	}
	c.connection.SetReadLimit(maxMessageSize)
	c.configurePongHandler()
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.doneChannel:
		return false
	default:
	}

	select {
	case c.sendChannel <- frame:
		return true
	default:
		return false
	}
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.doneChannel)
		_ = c.connection.Close()
	})
	c.wg.Wait()
}

// CloseGraceful sends a close frame with reason before closing the socket.
func (c *Client) CloseGraceful(reason string) {
	c.stopOnce.Do(func() {
		close(c.doneChannel)

		// The writer must exit before the close frame is written; gorilla allows one
		// concurrent writer only.
		c.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		c.updateWriteDeadline()
		_ = c.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = c.connection.Close()
	})
}

// Done is closed once the client has been stopped.
func (c *Client) Done() <-chan struct{} {
	return c.doneChannel
}

// ReadLoop reads inbound messages until the socket fails or the client is closed, passing
// each to onMessage. It must be called from a single goroutine.
func (c *Client) ReadLoop(onMessage func(data []byte)) {
	for {
		_, data, err := c.connection.ReadMessage()
		if err != nil {
			return
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (c *Client) run() {
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.wg.Done()

	for {
		select {
		case msg := <-c.sendChannel:
			c.updateWriteDeadline()
			if err := c.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			c.updateWriteDeadline()
			if err := c.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.metrics.PingFailures.Inc()
				return
			}
		case <-c.doneChannel:
			return
		}
	}
}

func (c *Client) configurePongHandler() {
	c.updateReadDeadline()
	c.connection.SetPongHandler(func(string) error {
		c.updateReadDeadline()
		return nil
	})
}

func (c *Client) updateWriteDeadline() {
	_ = c.connection.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
}

func (c *Client) updateReadDeadline() {
	_ = c.connection.SetReadDeadline(c.clock.Now().Add(pongDeadline))
}
