package session

import (
	"errors"
	"log"
	"sync"
	"time"
)

// outboxCapacity bounds the per-client send queue. Once full, the oldest
// non-critical frame is dropped to make room; if every queued frame is
// critical the client is considered a slow consumer and is disconnected.
const outboxCapacity = 256

// ErrSlowConsumer reports a client whose outbox is saturated with frames
// that may not be dropped.
var ErrSlowConsumer = errors.New("session: slow consumer")

var errClientClosed = errors.New("session: client closed")

// FrameWriter is the transport half of a connected client. The websocket
// layer adapts its connection to this.
type FrameWriter interface {
	WriteFrame(Frame) error
	Close() error
}

// Client is one realtime connection attached to a live session. Frames are
// queued by the session loop and drained by a dedicated writer goroutine so
// a stalled socket never blocks the session.
type Client struct {
	ID       string
	UserID   string
	Username string

	conn   FrameWriter
	logger *log.Logger

	mu       sync.Mutex
	queue    []Frame
	closed   bool
	draining bool

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newClient(id, userID, username string, conn FrameWriter, logger *log.Logger) *Client {
	c := &Client{
		ID:       id,
		UserID:   userID,
		Username: username,
		conn:     conn,
		logger:   logger,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Enqueue queues a frame for delivery. Under backpressure the oldest
// non-critical frame is evicted; ErrSlowConsumer is returned when nothing
// can be evicted.
func (c *Client) Enqueue(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.draining {
		return errClientClosed
	}
	if len(c.queue) >= outboxCapacity {
		evicted := false
		for i, queued := range c.queue {
			if !queued.Critical() {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return ErrSlowConsumer
		}
	}
	c.queue = append(c.queue, f)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.mu.Unlock()
		close(c.done)
		if err := c.conn.Close(); err != nil {
			c.logger.Printf("game: close client %s: %v", c.ID, err)
		}
	})
}

// CloseAfterDrain rejects further frames and tears the client down once the
// queued frames are written, or after grace at the latest. Used when a final
// frame (a kick notice) must reach the client before the socket drops.
func (c *Client) CloseAfterDrain(grace time.Duration) {
	c.mu.Lock()
	if c.closed || c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()
	go func() {
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			c.mu.Lock()
			drained := len(c.queue) == 0
			c.mu.Unlock()
			if drained {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		c.Close()
	}()
}

// Done is closed when the client has been torn down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			frame := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			if err := c.conn.WriteFrame(frame); err != nil {
				c.logger.Printf("game: write to client %s: %v", c.ID, err)
				c.Close()
				return
			}
		}
	}
}
