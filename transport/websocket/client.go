package websocket

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stackbattle/relay/game"
	"github.com/stackbattle/relay/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Sized for full board
	// snapshots, not just control frames.
	maxMessageSize = 64 * 1024

	// Outbound frames buffered per connection before sends start failing.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins in development
		// TODO: Configure this for production
		return true
	},
}

var (
	errClientClosed   = errors.New("client closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Client is one player's connection endpoint. It owns the read and write
// pumps and implements game.Sender for outbound delivery.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	router *Router
	player *game.Player
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	teardown sync.Once
}

// Send encodes one outbound envelope and queues it for the write pump. It
// never blocks: a closed client or a full buffer yields an error for the
// caller to log, matching the fire-and-forget delivery contract.
func (c *Client) Send(msgType string, data any) error {
	frame, err := protocol.Marshal(msgType, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

// close runs connection cleanup exactly once, no matter how many paths race
// into it (read error, write error, late frame after disconnect).
func (c *Client) close() {
	c.teardown.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()
		c.router.HandleDisconnect(c.player)
	})
}

// readPump pumps frames from the connection into the router. Frames are
// dispatched strictly sequentially, preserving sender-side order.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("connection read failed",
					zap.String("player_id", c.player.ID),
					zap.Error(err))
			} else {
				c.logger.Info("player disconnected", zap.String("player_id", c.player.ID))
			}
			return
		}
		c.router.Dispatch(c.player, raw)
	}
}

// writePump pumps queued frames to the connection and keeps it alive with
// pings. Each envelope gets its own text frame; clients parse a whole frame
// as a single JSON document.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
