package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/posegen/internal/logging"
	"github.com/antoniostano/posegen/internal/protocol"
)

const (
	pushWriteTimeout = 2 * time.Second
	pushCloseTimeout = time.Second
)

// MessageKind tags what arrived on a push channel.
type MessageKind string

const (
	KindProgress MessageKind = "progress_update"
	KindPong     MessageKind = "pong"
	KindError    MessageKind = "error"
	KindClosed   MessageKind = "closed"
)

// Message is one event from a push channel. Error and Closed are always the
// last message before the stream channel closes.
type Message struct {
	Kind      MessageKind
	Payload   protocol.StatusPayload
	Err       error
	CloseCode int
}

// Channel is a push connection for one task.
type Channel interface {
	Connect(ctx context.Context) (<-chan Message, error)
	Close() error
}

// ChannelFactory builds an unconnected channel for taskID.
type ChannelFactory func(taskID, token string) (Channel, error)

// WSDialer opens push channels against the service's WebSocket endpoint.
type WSDialer struct {
	baseURL      string
	pingInterval time.Duration
	dialer       websocket.Dialer
	logger       *slog.Logger
}

func NewWSDialer(rawURL string, pingInterval time.Duration, logger *slog.Logger) (*WSDialer, error) {
	base, err := normalizeWSURL(rawURL)
	if err != nil {
		return nil, err
	}
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	return &WSDialer{
		baseURL:      base,
		pingInterval: pingInterval,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
		logger: logging.Or(logger).With("component", "push"),
	}, nil
}

// Factory adapts the dialer to a ChannelFactory.
func (d *WSDialer) Factory() ChannelFactory {
	return func(taskID, token string) (Channel, error) {
		return d.Channel(taskID, token)
	}
}

func (d *WSDialer) Channel(taskID, token string) (Channel, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, errors.New("push channel requires a task id")
	}
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse push url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/generate/ws/" + url.PathEscape(taskID)
	q := u.Query()
	if token = strings.TrimSpace(token); token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()

	return &wsChannel{
		url:          u.String(),
		taskID:       taskID,
		pingInterval: d.pingInterval,
		dialer:       d.dialer,
		logger:       d.logger.With("task_id", taskID),
		done:         make(chan struct{}),
	}, nil
}

// normalizeWSURL accepts http(s) or ws(s) bases and returns a ws(s) URL.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("push channel url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse push url: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported push url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

type wsChannel struct {
	url          string
	taskID       string
	pingInterval time.Duration
	dialer       websocket.Dialer
	logger       *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	connected bool
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsChannel) Connect(ctx context.Context) (<-chan Message, error) {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil, errors.New("push channel already connected")
	}
	c.connected = true
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial push channel: %w", err)
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		_ = conn.Close()
		return nil, errors.New("push channel closed during connect")
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	out := make(chan Message, 16)
	go c.readLoop(conn, out)
	go c.pingLoop()
	return out, nil
}

func (c *wsChannel) readLoop(conn *websocket.Conn, out chan<- Message) {
	defer close(out)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.emit(out, terminalMessage(err))
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.logger.Debug("ignoring push frame", "error", err)
			continue
		}
		switch m := msg.(type) {
		case protocol.ProgressUpdate:
			if !c.emit(out, Message{Kind: KindProgress, Payload: m.StatusPayload}) {
				return
			}
		case protocol.Pong:
			if !c.emit(out, Message{Kind: KindPong}) {
				return
			}
		}
	}
}

func terminalMessage(err error) Message {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return Message{Kind: KindClosed, CloseCode: ce.Code, Err: err}
	}
	return Message{Kind: KindError, Err: err}
}

// emit delivers msg unless the channel has been closed by its owner.
func (c *wsChannel) emit(out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsChannel) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if err := c.writeJSON(protocol.Ping{Type: protocol.TypePing, TSMs: now.UnixMilli()}); err != nil {
				c.logger.Debug("push ping failed", "error", err)
				return
			}
		}
	}
}

func (c *wsChannel) writeJSON(payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errors.New("push channel not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	return c.conn.WriteJSON(payload)
}

// Close is idempotent and safe before, during or after Connect.
func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(pushCloseTimeout),
		)
		c.writeMu.Unlock()
		err = conn.Close()
	})
	return err
}
