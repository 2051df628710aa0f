package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrel-voice/kestrel/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client is one attached websocket connection for a session. The read
// pump turns frames into prompts; the write pump drains the send queue
// and keeps the connection alive with pings.
type Client struct {
	sessionID string
	mux       *Multiplexer
	conn      *websocket.Conn
	readLimit int64
	log       *logger.Logger

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(sessionID string, mux *Multiplexer, conn *websocket.Conn, readLimit int64, log *logger.Logger) *Client {
	return &Client{
		sessionID: sessionID,
		mux:       mux,
		conn:      conn,
		readLimit: readLimit,
		log:       log,
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
	}
}

func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) closeWith(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

// ReadPump pumps client frames into the multiplexer until the
// connection drops, then detaches.
func (c *Client) ReadPump() {
	defer func() {
		c.mux.Detach(c.sessionID, c)
		c.closeWith(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(c.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error("WebSocket read error for session %s: %v", c.sessionID, err)
			}
			return
		}

		p := parsePrompt(data)
		if p.Text == "" {
			continue
		}
		if err := c.mux.Send(c.sessionID, p.Text, p.Source); err != nil {
			c.log.Warn("Prompt for session %s rejected: %v", c.sessionID, err)
			c.closeWith(CloseSessionGone, "session gone")
			return
		}
	}
}

// WritePump drains the send queue to the connection and pings the peer.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeWith(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
