// Package compositor implements the control-channel client spoken to each
// host's remote compositor (spec.md §6.2): a WebSocket request/response
// pair keyed by a monotonic request id, plus a pushed-event stream.
package compositor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"automarathon/internal/protocol"
)

// RequestTimeout bounds how long a compositor command may wait for a
// response before the caller sees ERR_TIMEOUT (spec.md §5: "compositor
// commands 5 s with retry").
const RequestTimeout = 5 * time.Second

// Client is a single host's compositor connection. One Client belongs to
// exactly one Host Reconciler (spec.md §5: "per-host Reconciler as a
// single-writer for that host's compositor").
type Client struct {
	url string

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan protocol.CompositorResponse
	entropy  *ulid.MonotonicEntropy

	Events chan protocol.CompositorEvent
}

// New returns a disconnected Client for the given compositor endpoint.
func New(url string) *Client {
	return &Client{
		url:     url,
		pending: make(map[string]chan protocol.CompositorResponse),
		entropy: ulid.Monotonic(nil, 0),
		Events:  make(chan protocol.CompositorEvent, 32),
	}
}

// Connect dials the compositor's control WebSocket and starts the read
// loop. The caller (Reconciler) drives reconnection on error.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: RequestTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial compositor %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(ctx)
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("compositor read failed", "url", c.url, "err", err)
			c.failAllPending(err)
			return
		}

		var resp protocol.CompositorResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[resp.RequestID]
			if ok {
				delete(c.pending, resp.RequestID)
			}
			c.mu.Unlock()
			if ok {
				ch <- resp
				continue
			}
		}

		var evt protocol.CompositorEvent
		if err := json.Unmarshal(data, &evt); err == nil && evt.Event != "" {
			select {
			case c.Events <- evt:
			case <-time.After(50 * time.Millisecond):
				slog.Debug("dropped compositor event, events channel full", "event", evt.Event)
			}
		}
	}
}

func (c *Client) failAllPending(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- protocol.CompositorResponse{RequestID: id, OK: false, Error: cause.Error()}
		delete(c.pending, id)
	}
}

// Call issues one request and waits for its matched response or
// RequestTimeout, whichever comes first.
func (c *Client) Call(ctx context.Context, op string, data any) (protocol.CompositorResponse, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return protocol.CompositorResponse{}, fmt.Errorf("compositor %s: not connected", c.url)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return protocol.CompositorResponse{}, fmt.Errorf("encode %s request: %w", op, err)
	}
	req := protocol.CompositorRequest{
		RequestID: ulid.MustNew(ulid.Timestamp(time.Now()), c.entropy).String(),
		Op:        op,
		Data:      raw,
	}

	reply := make(chan protocol.CompositorResponse, 1)
	c.mu.Lock()
	c.pending[req.RequestID] = reply
	c.mu.Unlock()

	if err := conn.WriteJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return protocol.CompositorResponse{}, fmt.Errorf("write %s request: %w", op, err)
	}

	select {
	case resp := <-reply:
		if !resp.OK {
			return resp, fmt.Errorf("compositor %s failed: %s", op, resp.Error)
		}
		return resp, nil
	case <-time.After(RequestTimeout):
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return protocol.CompositorResponse{}, fmt.Errorf("compositor %s: %w", op, context.DeadlineExceeded)
	case <-ctx.Done():
		return protocol.CompositorResponse{}, ctx.Err()
	}
}
