package ws

import (
	"fmt"
	"io"
	"net/http"
	"sync"
)

// EventClient streams hub messages as Server-Sent Events for consumers that
// cannot speak websocket, such as curl or autodeployctl watch.
type EventClient struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
	done    chan struct{}
}

// NewEventClient wraps a flushable response writer.
func NewEventClient(w io.Writer, flusher http.Flusher) *EventClient {
	return &EventClient{w: w, flusher: flusher, done: make(chan struct{})}
}

// Send writes payload as one "deploy" event.
func (c *EventClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	if _, err := fmt.Fprintf(c.w, "event: deploy\ndata: %s\n\n", payload); err != nil {
		c.closeLocked()
		return err
	}
	c.flusher.Flush()
	return nil
}

// Ping writes a comment frame so idle proxies keep the stream open.
func (c *EventClient) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	if _, err := io.WriteString(c.w, ": ping\n\n"); err != nil {
		c.closeLocked()
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close ends the stream. Safe to call more than once.
func (c *EventClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// Done is closed once the client stops accepting events.
func (c *EventClient) Done() <-chan struct{} {
	return c.done
}

func (c *EventClient) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
