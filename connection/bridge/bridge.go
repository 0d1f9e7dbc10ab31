// Package bridge speaks to an external transport bridge over a
// websocket. The bridge process owns the real messaging client; this
// package translates its JSON frames into connection events and carries
// outbound sends, state probes, and teardown requests the other way.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quailyquaily/wamux/connection"
)

const (
	defaultDialTimeout  = 15 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultCallTimeout  = 10 * time.Second
)

// clientFrame is every frame this side sends. Unused fields are omitted
// per type.
type clientFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Target    string `json:"target,omitempty"`
	Text      string `json:"text,omitempty"`
	DataB64   string `json:"data_b64,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	AsVoice   bool   `json:"as_voice,omitempty"`
}

// serverFrame is every frame the bridge sends. The Type field selects
// which of the remaining fields are meaningful.
type serverFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	Payload   string `json:"payload,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	Reason    string `json:"reason,omitempty"`

	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Body     string `json:"body,omitempty"`
	MediaB64 string `json:"media_b64,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	State string `json:"state,omitempty"`
	OK    bool   `json:"ok,omitempty"`
	Busy  bool   `json:"busy,omitempty"`
	Error string `json:"error,omitempty"`
}

// Conn is a connection.Connection backed by one bridge websocket.
type Conn struct {
	sessionID string
	ws        *websocket.Conn
	events    connection.Events
	logger    *slog.Logger

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once

	pendingMu sync.Mutex
	pending   map[string]chan serverFrame
}

// Options configures the dial to the bridge process.
type Options struct {
	// BaseURL is the bridge endpoint, e.g. "ws://localhost:7071". The
	// per-session path is appended.
	BaseURL string
	Logger  *slog.Logger
}

// NewFactory returns a connection.Factory that opens one bridge
// websocket per session.
func NewFactory(opts Options) connection.Factory {
	return func(ctx context.Context, sessionID string, events connection.Events) (connection.Connection, error) {
		return Dial(ctx, sessionID, events, opts)
	}
}

// Dial opens the websocket and starts the read loop. Events begin
// arriving once Initialize sends the init frame.
func Dial(ctx context.Context, sessionID string, events connection.Events, opts Options) (*Conn, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	wsURL, err := buildSessionURL(opts.BaseURL, sessionID)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("bridge dial %s (status %d): %w", wsURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("bridge dial %s: %w", wsURL, err)
	}

	c := &Conn{
		sessionID: sessionID,
		ws:        ws,
		events:    events,
		logger:    opts.Logger,
		closed:    make(chan struct{}),
		pending:   make(map[string]chan serverFrame),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) Initialize(ctx context.Context) error {
	return c.writeFrame(ctx, clientFrame{Type: "init", SessionID: c.sessionID})
}

func (c *Conn) SendText(ctx context.Context, target, text string) error {
	return c.writeFrame(ctx, clientFrame{Type: "send_text", Target: target, Text: text})
}

func (c *Conn) SendMedia(ctx context.Context, target string, media connection.Media, opts connection.SendMediaOptions) error {
	return c.writeFrame(ctx, clientFrame{
		Type:     "send_media",
		Target:   target,
		DataB64:  base64.StdEncoding.EncodeToString(media.Data),
		MimeType: media.MimeType,
		AsVoice:  opts.AsVoice,
	})
}

func (c *Conn) State(ctx context.Context) (connection.State, error) {
	frame, err := c.call(ctx, clientFrame{Type: "state"})
	if err != nil {
		return "", err
	}
	if frame.Error != "" {
		return "", fmt.Errorf("bridge state: %s", frame.Error)
	}
	return connection.State(frame.State), nil
}

// Destroy asks the bridge to tear the transport client down and closes
// the websocket once the bridge answers. A busy answer surfaces as
// connection.ErrBusy so the caller's retry policy applies.
func (c *Conn) Destroy(ctx context.Context) error {
	frame, err := c.call(ctx, clientFrame{Type: "destroy"})
	if err != nil {
		// A socket that is already gone has nothing left to destroy.
		if c.isClosed() {
			return nil
		}
		return err
	}
	if frame.Busy {
		return fmt.Errorf("%w: %s", connection.ErrBusy, frame.Error)
	}
	if !frame.OK {
		return fmt.Errorf("bridge destroy: %s", frame.Error)
	}
	c.close()
	return nil
}

// call sends a request frame and waits for the matching response.
func (c *Conn) call(ctx context.Context, frame clientFrame) (serverFrame, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	frame.RequestID = uuid.NewString()
	reply := make(chan serverFrame, 1)
	c.pendingMu.Lock()
	c.pending[frame.RequestID] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, frame.RequestID)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(ctx, frame); err != nil {
		return serverFrame{}, err
	}
	select {
	case <-ctx.Done():
		return serverFrame{}, ctx.Err()
	case <-c.closed:
		return serverFrame{}, errors.New("bridge connection closed")
	case out := <-reply:
		return out, nil
	}
}

func (c *Conn) writeFrame(ctx context.Context, frame clientFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	}
	return c.ws.WriteJSON(frame)
}

func (c *Conn) readLoop() {
	for {
		var frame serverFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			reason := strings.TrimSpace(err.Error())
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				reason = strings.TrimSpace(closeErr.Text)
				if reason == "" {
					reason = fmt.Sprintf("close code %d", closeErr.Code)
				}
			}
			// A deliberate local close is not a transport loss.
			deliberate := c.isClosed()
			c.close()
			if !deliberate && !c.wasCleanShutdown(err) && c.events.Disconnected != nil {
				c.events.Disconnected(reason)
			}
			return
		}

		if frame.RequestID != "" {
			c.pendingMu.Lock()
			reply, ok := c.pending[frame.RequestID]
			c.pendingMu.Unlock()
			if ok {
				reply <- frame
			}
			continue
		}

		switch frame.Type {
		case "qr":
			if c.events.PairingChallenge != nil {
				c.events.PairingChallenge(frame.Payload)
			}
		case "ready":
			if c.events.Ready != nil {
				c.events.Ready(frame.AccountID)
			}
		case "message":
			if c.events.Message != nil {
				c.events.Message(c.inboundMessage(frame))
			}
		case "disconnected":
			c.close()
			if c.events.Disconnected != nil {
				c.events.Disconnected(frame.Reason)
			}
			return
		default:
			c.logger.Debug("bridge_unknown_frame", "session_id", c.sessionID, "type", frame.Type)
		}
	}
}

// inboundMessage maps a message frame; media travels inline as base64
// and is decoded lazily so text-only flows never pay for it.
func (c *Conn) inboundMessage(frame serverFrame) connection.Message {
	msg := connection.Message{
		From: frame.From,
		To:   frame.To,
		Kind: connection.Kind(frame.Kind),
		Body: frame.Body,
	}
	if frame.MediaB64 != "" {
		mediaB64 := frame.MediaB64
		mimeType := frame.MimeType
		msg.Download = func(ctx context.Context) (connection.Media, error) {
			data, err := base64.StdEncoding.DecodeString(mediaB64)
			if err != nil {
				return connection.Media{}, fmt.Errorf("decode bridge media: %w", err)
			}
			return connection.Media{Data: data, MimeType: mimeType}, nil
		}
	}
	return msg
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) wasCleanShutdown(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func buildSessionURL(base, sessionID string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errors.New("bridge base url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid bridge base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("bridge base url must use http(s) or ws(s), got %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/sessions/" + url.PathEscape(sessionID) + "/ws"
	return u.String(), nil
}
