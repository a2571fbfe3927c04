// Package chat is a websocket client for the chat server. Frames are
// one line each: an upper-case type, a space, then a JSON payload, for
// example `MSG {"nick":"bob","data":"hi"}`.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/banter/internal/config"
	"github.com/nugget/banter/internal/events"
)

// Frame types.
const (
	TypeMsg     = "MSG"
	TypePrivMsg = "PRIVMSG"
	TypeErr     = "ERR"
)

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("chat: not connected")

// Message is a received chat line or whisper.
type Message struct {
	Type      string `json:"-"`
	Nick      string `json:"nick"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Whisper reports whether m arrived as a private message.
func (m Message) Whisper() bool { return m.Type == TypePrivMsg }

// ServerError is an ERR frame, e.g. "throttled" or "duplicate".
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string { return "chat server: " + e.Reason }

// Handler receives decoded frames.
type Handler interface {
	HandleChat(ctx context.Context, m Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m Message)

// HandleChat implements Handler.
func (f HandlerFunc) HandleChat(ctx context.Context, m Message) { f(ctx, m) }

// ParseFrame splits a raw frame into its type and payload.
func ParseFrame(raw []byte) (string, json.RawMessage, error) {
	typ, payload, ok := bytes.Cut(bytes.TrimSpace(raw), []byte(" "))
	if !ok || len(typ) == 0 {
		return "", nil, fmt.Errorf("malformed frame %q", truncate(raw, 64))
	}
	return string(typ), json.RawMessage(payload), nil
}

// EncodeFrame renders a frame for the wire.
func EncodeFrame(typ string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(typ)+1+len(body))
	out = append(out, typ...)
	out = append(out, ' ')
	return append(out, body...), nil
}

// Client manages one websocket connection and reconnects when it drops.
type Client struct {
	url    string
	token  string
	origin string
	nick   string
	dialer websocket.Dialer
	bus    *events.Bus
	logger *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewClient creates a client from the chat config section.
func NewClient(cfg config.ChatConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:    cfg.URL,
		token:  cfg.Token,
		origin: cfg.Origin,
		nick:   cfg.Nick,
		dialer: websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  16 * 1024,
		},
		logger:     logger.With("component", "chat"),
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}
}

// SetEventBus publishes connection events to bus.
func (c *Client) SetEventBus(bus *events.Bus) { c.bus = bus }

// Nick returns the bot's own nick.
func (c *Client) Nick() string { return c.nick }

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Connect dials the server, authenticating with the token cookie.
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Cookie", "authtoken="+c.token)
	}
	if c.origin != "" {
		header.Set("Origin", c.origin)
	}

	c.logger.Info("connecting to chat", "url", c.url)
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("dial chat: %w", err)
	}
	conn.SetReadLimit(1024 * 1024)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Info("chat connected")
	c.bus.Emit(events.SourceChat, events.KindConnected, nil)
	return nil
}

// Close closes the current connection, if any.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Send posts text to the channel.
func (c *Client) Send(ctx context.Context, text string) error {
	return c.write(ctx, TypeMsg, map[string]string{"data": text})
}

// Whisper sends text privately to nick.
func (c *Client) Whisper(ctx context.Context, nick, text string) error {
	return c.write(ctx, TypePrivMsg, map[string]string{"nick": nick, "data": text})
}

func (c *Client) write(ctx context.Context, typ string, payload any) error {
	frame, err := EncodeFrame(typ, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	c.logger.Log(ctx, config.LevelTrace, "chat frame out", "frame", string(frame))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}

// Run connects and dispatches frames to h until ctx is cancelled,
// reconnecting with exponential backoff when the connection drops.
func (c *Client) Run(ctx context.Context, h Handler) error {
	backoff := c.minBackoff
	for {
		if !c.Connected() {
			if err := c.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Warn("chat connect failed", "error", err, "retry_in", backoff)
				if !sleep(ctx, backoff) {
					return nil
				}
				backoff = min(backoff*2, c.maxBackoff)
				continue
			}
		}
		backoff = c.minBackoff

		err := c.readLoop(ctx, h)
		c.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("chat connection lost", "error", err)
		c.bus.Emit(events.SourceChat, events.KindDisconnected, map[string]any{"error": err.Error()})
		if !sleep(ctx, backoff) {
			return nil
		}
	}
}

func (c *Client) readLoop(ctx context.Context, h Handler) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("closed by server: %w", err)
			}
			return err
		}
		c.logger.Log(ctx, config.LevelTrace, "chat frame in", "frame", string(raw))
		c.dispatch(ctx, raw, h)
	}
}

func (c *Client) dispatch(ctx context.Context, raw []byte, h Handler) {
	typ, payload, err := ParseFrame(raw)
	if err != nil {
		c.logger.Debug("skipping frame", "error", err)
		return
	}

	switch typ {
	case TypeMsg, TypePrivMsg:
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			c.logger.Debug("bad message payload", "type", typ, "error", err)
			return
		}
		m.Type = typ
		h.HandleChat(ctx, m)
	case TypeErr:
		var reason string
		if err := json.Unmarshal(payload, &reason); err != nil {
			reason = string(payload)
		}
		c.logger.Warn("chat server error", "error", (&ServerError{Reason: reason}).Error())
	default:
		c.logger.Log(ctx, config.LevelTrace, "unhandled frame type", "type", typ)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
