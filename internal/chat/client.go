package chat

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-chat/internal/logging"
	"go-chat/internal/protocol"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Maximum frame size allowed from peer.
)

// Client is a middleman between one websocket connection and the
// coordinator. It implements Handle.
type Client struct {
	coord  *Coordinator
	conn   *websocket.Conn
	userID string
	logger *zap.Logger

	// Buffered channel of outbound frames. Never closed; done signals
	// shutdown instead so concurrent Sends cannot panic.
	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func NewClient(coord *Coordinator, conn *websocket.Conn, userID string, buffer int, logger *zap.Logger) *Client {
	return &Client{
		coord:     coord,
		conn:      conn,
		userID:    userID,
		logger:    logging.OrNop(logger).With(zap.String("user_id", userID)),
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

func (c *Client) UserID() string { return c.userID }

func (c *Client) Send(ctx context.Context, ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the write pump, which sends a close frame with code and
// reason and then closes the connection.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// ReadPump pumps events from the websocket connection to the coordinator
// until the connection fails. It runs on the caller's goroutine.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		// Cleanup: If connection dies, release the registry slot
		c.coord.Disconnect(ctx, c)
		c.Close(websocket.CloseNormalClosure, "")
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	// Heartbeat logic (Keep-Alive)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.coord.registry.Touch(c)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		events, err := protocol.DecodeFrame(frame)
		if err != nil {
			c.logger.Warn("malformed frame", zap.Error(err))
		}
		for _, ev := range events {
			c.coord.HandleEvent(ctx, c, ev)
		}
	}
}

// WritePump pumps frames from the send buffer to the websocket connection.
// Once it exits, Send fails with ErrClosed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// No-op after an orderly Close; after a write error it stops Send
		// from filling a buffer nobody drains.
		c.Close(websocket.CloseAbnormalClosure, "")
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			// Set a write deadline so we don't hang forever
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Warn("websocket write failed", zap.Error(err))
				return
			}
			w.Write(frame)

			// Coalesce whatever else is already queued into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				c.logger.Warn("websocket write failed", zap.Error(err))
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
