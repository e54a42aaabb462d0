// Package wsconn adapts nhooyr.io/websocket connections to domain.Conn.
package wsconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"graphql-client/internal/domain"
)

// Options configures the dialer.
type Options struct {
	Subprotocol  string        // defaults to domain.DefaultSubprotocol
	ReadLimit    int64         // max message size in bytes; 0 keeps the library default
	WriteTimeout time.Duration // per-frame write timeout; 0 disables
	HTTPHeader   http.Header   // sent with the upgrade request
	HTTPClient   *http.Client
}

// Dialer opens graphql-ws connections.
type Dialer struct {
	opts   Options
	logger *slog.Logger
}

// NewDialer creates a Dialer.
func NewDialer(opts Options, logger *slog.Logger) *Dialer {
	if opts.Subprotocol == "" {
		opts.Subprotocol = domain.DefaultSubprotocol
	}
	return &Dialer{opts: opts, logger: logger}
}

// Dial connects to url and verifies the server accepted the subprotocol.
func (d *Dialer) Dial(ctx context.Context, url string) (domain.Conn, error) {
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   d.opts.HTTPClient,
		HTTPHeader:   d.opts.HTTPHeader,
		Subprotocols: []string{d.opts.Subprotocol},
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: status %d: %w", domain.ErrDial, url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrDial, url, err)
	}

	if got := ws.Subprotocol(); got != d.opts.Subprotocol {
		ws.Close(websocket.StatusProtocolError, "unsupported subprotocol")
		return nil, fmt.Errorf("%w: %s: server negotiated subprotocol %q, want %q",
			domain.ErrDial, url, got, d.opts.Subprotocol)
	}
	if d.opts.ReadLimit > 0 {
		ws.SetReadLimit(d.opts.ReadLimit)
	}

	d.logger.Debug("websocket connected", "url", url, "subprotocol", d.opts.Subprotocol)
	return newConn(ws, d.opts.WriteTimeout), nil
}

// Conn is a single graphql-ws connection. Send may be called concurrently;
// Receive must only be called from one goroutine.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// Send writes one frame as a JSON text message.
func (c *Conn) Send(ctx context.Context, f domain.Frame) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %s", domain.ErrSend, domain.ErrConnClosed)
	default:
	}

	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	if err := wsjson.Write(ctx, c.ws, f); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrSend, f, err)
	}
	return nil
}

// Receive reads the next frame. Messages that are not valid frames are
// reported with domain.ErrMalformedFrame and leave the connection open.
func (c *Conn) Receive(ctx context.Context) (domain.Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			return domain.Frame{}, fmt.Errorf("%w: close status %d", domain.ErrConnClosed, status)
		}
		return domain.Frame{}, fmt.Errorf("%w: %w", domain.ErrConnClosed, err)
	}

	var f domain.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return domain.Frame{}, fmt.Errorf("%w: %w", domain.ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return domain.Frame{}, fmt.Errorf("%w: missing type", domain.ErrMalformedFrame)
	}
	return f, nil
}

// Close closes the connection with a normal closure. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}
