package channel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/yingjunnan/acweb/internal/auth"
	"github.com/yingjunnan/acweb/internal/logutil"
)

const (
	eventBuffer      = 64
	defaultReadLimit = 1024 * 1024
	closeTimeout     = 2 * time.Second
)

// URLBuilder resolves service URLs carrying the current token; *auth.Gateway
// satisfies it.
type URLBuilder interface {
	IsAuthenticated() bool
	URL(path string, opts ...auth.RequestOption) (*url.URL, error)
}

// WSDialer dials the per-session terminal websocket.
type WSDialer struct {
	urls       URLBuilder
	httpClient *http.Client
	cwd        string
	readLimit  int64
}

// DialOption configures a WSDialer.
type DialOption func(*WSDialer)

// WithCWD asks the server to start new sessions in dir.
func WithCWD(dir string) DialOption {
	return func(d *WSDialer) { d.cwd = dir }
}

// WithInsecureSkipVerify disables TLS verification for wss:// endpoints.
func WithInsecureSkipVerify() DialOption {
	return func(d *WSDialer) {
		d.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
}

func NewWSDialer(urls URLBuilder, opts ...DialOption) *WSDialer {
	d := &WSDialer{urls: urls, readLimit: defaultReadLimit}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial opens the websocket for sessionID. The token travels as a query
// parameter because browsers cannot set headers on websocket upgrades and
// the server expects the same convention from every client.
func (d *WSDialer) Dial(ctx context.Context, sessionID string) (Channel, error) {
	if !d.urls.IsAuthenticated() {
		return nil, fmt.Errorf("dial %s: %w", sessionID, auth.ErrNotAuthenticated)
	}
	opts := []auth.RequestOption{auth.WithTokenQuery()}
	if d.cwd != "" {
		opts = append(opts, auth.WithQuery("cwd", d.cwd))
	}
	u, err := d.urls.URL("/api/v1/terminal/ws/"+url.PathEscape(sessionID), opts...)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: d.httpClient})
	if err != nil {
		// A bad token is refused before the upgrade completes.
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", sessionID, ErrTokenRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", sessionID, err)
	}
	conn.SetReadLimit(d.readLimit)
	return newWSChannel(sessionID, conn), nil
}

type wsChannel struct {
	id     string
	conn   *websocket.Conn
	events chan Event

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newWSChannel(id string, conn *websocket.Conn) *wsChannel {
	c := &wsChannel{
		id:     id,
		conn:   conn,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsChannel) SessionID() string    { return c.id }
func (c *wsChannel) Events() <-chan Event { return c.events }

type serverFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (c *wsChannel) readLoop() {
	defer close(c.done)
	defer close(c.events)
	ctx := context.Background()
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.emitClose(err)
			return
		}
		if typ == websocket.MessageBinary {
			c.events <- Event{SessionID: c.id, Type: EventData, Data: data}
			continue
		}
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("[channel] session %s: malformed frame ignored: %v", logutil.SanitizeForLog(c.id), err)
			continue
		}
		if f.Type == "output" {
			c.events <- Event{SessionID: c.id, Type: EventData, Data: []byte(f.Data)}
		}
	}
}

func (c *wsChannel) emitClose(err error) {
	ev := Event{SessionID: c.id, Type: EventClosed, Code: int(websocket.CloseStatus(err)), Local: c.closing.Load()}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		ev.Reason = ce.Reason
	}
	switch {
	case ev.Local:
	case ev.Code == int(websocket.StatusPolicyViolation):
		c.events <- Event{SessionID: c.id, Type: EventError, Err: ErrTokenRejected}
	case ev.Code == -1:
		c.events <- Event{SessionID: c.id, Type: EventError, Err: err}
	}
	c.events <- ev
}

type inputFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type resizeFrame struct {
	Type string `json:"type"`
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

func (c *wsChannel) write(ctx context.Context, v any) error {
	if c.closing.Load() {
		return ErrClosed
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("write %s: %w", c.id, err)
	}
	return nil
}

func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	return c.write(ctx, inputFrame{Type: "input", Data: string(data)})
}

func (c *wsChannel) Resize(ctx context.Context, rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return fmt.Errorf("resize %s: invalid size %dx%d", c.id, rows, cols)
	}
	return c.write(ctx, resizeFrame{Type: "resize", Rows: rows, Cols: cols})
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		err := c.conn.Close(websocket.StatusNormalClosure, "")
		select {
		case <-c.done:
		case <-time.After(closeTimeout):
			c.conn.CloseNow()
		}
		if err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
