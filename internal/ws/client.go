package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// PingPeriod is how often idle connections receive a keepalive ping.
	PingPeriod = 30 * time.Second
	// DefaultQueueSize bounds the outbound queue of a client.
	DefaultQueueSize = 256
)

// ErrClosed is returned when sending on a closed client.
var ErrClosed = errors.New("websocket client closed")

// Client represents a websocket client connection with a bounded outbound
// queue. A single write pump owns all writes to the connection.
type Client struct {
	conn  *websocket.Conn
	log   *slog.Logger
	limit int

	mu      sync.Mutex
	queue   []frame
	dropped int
	onDrop  func()

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type frame struct {
	payload   []byte
	droppable bool
}

// NewClient constructs a client wrapper. limit bounds the outbound queue.
func NewClient(conn *websocket.Conn, logger *slog.Logger, limit int) *Client {
	if limit <= 0 {
		limit = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:  conn,
		log:   logger,
		limit: limit,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// OnDrop registers a callback invoked for every discarded frame.
func (c *Client) OnDrop(fn func()) {
	c.mu.Lock()
	c.onDrop = fn
	c.mu.Unlock()
}

// Send queues a message that must not be dropped.
func (c *Client) Send(payload []byte) error {
	if !c.Enqueue(payload, false) {
		return ErrClosed
	}
	return nil
}

// Enqueue adds a text frame to the outbound queue without blocking. When the
// queue is full the oldest droppable frame is discarded; if none is queued a
// droppable frame is discarded instead and a non-droppable one is queued past
// the limit. Frames that stay queued keep their order. It reports false once
// the client is closed.
func (c *Client) Enqueue(payload []byte, droppable bool) bool {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return false
	default:
	}

	var dropped bool
	if len(c.queue) >= c.limit {
		if i := c.oldestDroppable(); i >= 0 {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			dropped = true
		} else if droppable {
			c.dropped++
			onDrop := c.onDrop
			c.mu.Unlock()
			if onDrop != nil {
				onDrop()
			}
			return true
		}
	}
	c.queue = append(c.queue, frame{payload: payload, droppable: droppable})
	if dropped {
		c.dropped++
	}
	onDrop := c.onDrop
	c.mu.Unlock()

	if dropped && onDrop != nil {
		onDrop()
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *Client) oldestDroppable() int {
	for i, f := range c.queue {
		if f.droppable {
			return i
		}
	}
	return -1
}

// Dropped reports how many frames were discarded.
func (c *Client) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Client) drain() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.queue
	c.queue = nil
	return frames
}

// WritePump writes queued frames and keepalive pings until the client is
// closed, ctx ends, or a write fails. A failed write closes the client.
func (c *Client) WritePump(ctx context.Context) error {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-c.done:
			return nil
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.fail(err)
				return err
			}
		case <-c.wake:
			for _, f := range c.drain() {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, f.payload); err != nil {
					c.fail(err)
					return err
				}
			}
		}
	}
}

func (c *Client) fail(err error) {
	c.log.Warn("websocket send failed", "error", err)
	c.Close()
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close terminates the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.queue = nil
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}
