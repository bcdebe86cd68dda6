// Package ws wraps gorilla/websocket with context-aware reads and writes
// for the signal feed. gorilla's blocking calls only unblock via socket
// deadlines, so each operation arms a cancellation hook that yanks the
// deadline to now and then maps the resulting timeout back to the context
// error.
package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Frame types and close codes re-exported for callers that never import
// gorilla directly.
const (
	TextMessage = websocket.TextMessage

	CloseNormalClosure     = websocket.CloseNormalClosure
	CloseInternalServerErr = websocket.CloseInternalServerErr
)

// Conn is a websocket connection whose blocking operations honor a context.
type Conn struct {
	c *websocket.Conn
}

// UpgradeOptions configures the server-side upgrade.
type UpgradeOptions struct {
	// ReadLimit bounds inbound frame size; <= 0 leaves gorilla's default.
	ReadLimit int64
	// CheckOrigin gates browser origins; nil accepts gorilla's default
	// same-origin policy.
	CheckOrigin func(r *http.Request) bool
}

// Upgrade switches an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgradeOptions) (*Conn, error) {
	up := websocket.Upgrader{CheckOrigin: opts.CheckOrigin}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if opts.ReadLimit > 0 {
		c.SetReadLimit(opts.ReadLimit)
	}
	return &Conn{c: c}, nil
}

// DialOptions configures the client-side handshake.
type DialOptions struct {
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial opens a websocket connection with a deadline-aware handshake.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	var d websocket.Dialer
	if opts.Dialer != nil {
		d = *opts.Dialer
	}
	if deadline, ok := ctx.Deadline(); ok {
		// Prefer the tighter of the dialer handshake timeout and the
		// context deadline when both are set.
		dl := time.Until(deadline)
		if d.HandshakeTimeout == 0 || d.HandshakeTimeout > dl {
			d.HandshakeTimeout = dl
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// wake arms a cancellation hook that pulls the connection deadline to now,
// unblocking an in-flight read or write. The returned stop must run once
// the operation finishes so a late hook cannot clobber the next call's
// deadline.
func wake(ctx context.Context, set func(time.Time) error) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	var active atomic.Bool
	active.Store(true)
	stop := context.AfterFunc(ctx, func() {
		if active.Load() {
			_ = set(time.Now())
		}
	})
	return func() {
		active.Store(false)
		stop()
	}
}

// mapTimeout converts the forced I/O timeout back to the context error.
func mapTimeout(ctx context.Context, deadline time.Time, hasDeadline bool, err error) error {
	ne, ok := err.(net.Error)
	if !ok || !ne.Timeout() {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	// The socket timeout can race slightly ahead of the context timer; once
	// the deadline has passed, report DeadlineExceeded for a stable contract.
	if hasDeadline && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}

// ReadMessage reads one frame, honoring ctx cancellation and deadline.
func (c *Conn) ReadMessage(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = c.c.SetReadDeadline(deadline)
	} else {
		_ = c.c.SetReadDeadline(time.Time{})
	}
	stop := wake(ctx, c.c.SetReadDeadline)
	defer stop()
	mt, b, err := c.c.ReadMessage()
	if err != nil {
		return 0, nil, mapTimeout(ctx, deadline, hasDeadline, err)
	}
	return mt, b, nil
}

// WriteMessage writes one frame, honoring ctx cancellation and deadline.
func (c *Conn) WriteMessage(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = c.c.SetWriteDeadline(deadline)
	} else {
		_ = c.c.SetWriteDeadline(time.Time{})
	}
	stop := wake(ctx, c.c.SetWriteDeadline)
	defer stop()
	if err := c.c.WriteMessage(messageType, data); err != nil {
		return mapTimeout(ctx, deadline, hasDeadline, err)
	}
	return nil
}

// WriteJSON marshals v and writes it as one text frame.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(ctx, websocket.TextMessage, b)
}

// ReadJSON reads one frame and unmarshals it into v.
func (c *Conn) ReadJSON(ctx context.Context, v any) error {
	_, b, err := c.ReadMessage(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Close closes the connection without a close handshake.
func (c *Conn) Close() error {
	return c.c.Close()
}

// CloseWithStatus sends a close control frame before closing.
func (c *Conn) CloseWithStatus(code int, text string) error {
	_ = c.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(2*time.Second))
	return c.c.Close()
}
