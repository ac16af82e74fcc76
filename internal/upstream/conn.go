package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// FrameHandler receives every non-response frame from upstream name.
type FrameHandler func(name string, raw []byte)

// RequestError is a failed response from the gateway.
type RequestError struct {
	Method  string
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
}

// Is matches ErrCapabilityUnavailable for permission and unknown-method
// codes.
func (e *RequestError) Is(target error) bool {
	if target != ErrCapabilityUnavailable {
		return false
	}
	switch e.Code {
	case "FORBIDDEN", "UNAUTHORIZED", "METHOD_NOT_FOUND", "UNKNOWN_METHOD":
		return true
	}
	return false
}

type reqFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type resFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type response struct {
	frame resFrame
	err   error
}

// Conn is one gateway connection with automatic reconnect.
type Conn struct {
	cfg     Config
	handler FrameHandler
	dialer  *websocket.Dialer
	logger  *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastErr     string
	connectedAt time.Time
	ws          *websocket.Conn
	pending     map[string]chan response

	writeMu sync.Mutex
}

// NewConn creates a Conn. Call Run to connect.
func NewConn(cfg Config, handler FrameHandler, logger *zap.Logger) *Conn {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &Conn{
		cfg:     cfg,
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger:  logger.With(zap.String("upstream", cfg.Name), zap.String("backend", cfg.Backend)),
		state:   StateDisconnected,
		pending: make(map[string]chan response),
	}
}

func (c *Conn) Name() string    { return c.cfg.Name }
func (c *Conn) Backend() string { return c.cfg.Backend }

// State returns a snapshot of the connection state.
func (c *Conn) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionState{
		Name:              c.cfg.Name,
		Backend:           c.cfg.Backend,
		URL:               c.cfg.URL,
		State:             c.state,
		Connected:         c.state == StateConnected,
		ReconnectAttempts: c.failures,
		LastError:         c.lastErr,
		ConnectedAt:       c.connectedAt,
	}
}

// Connected reports whether the connection is live.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// Run connects and reconnects until ctx is done.
func (c *Conn) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)
	for {
		c.mu.Lock()
		if c.failures == 0 && c.connectedAt.IsZero() {
			c.state = StateConnecting
		} else {
			c.state = StateReconnecting
		}
		c.mu.Unlock()

		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		c.mu.Lock()
		c.failures++
		failures := c.failures
		if err != nil {
			c.lastErr = err.Error()
		}
		c.state = StateReconnecting
		c.mu.Unlock()

		delay := Backoff(failures, c.cfg.BaseBackoff, c.cfg.MaxBackoff)
		c.logger.Warn("upstream disconnected, retrying",
			zap.Error(err),
			zap.Int("failures", failures),
			zap.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection until it drops.
func (c *Conn) session(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.failures = 0
	c.lastErr = ""
	c.connectedAt = time.Now()
	c.mu.Unlock()
	c.logger.Info("upstream connected", zap.String("url", c.cfg.URL))

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	err = c.readLoop(ws)

	c.mu.Lock()
	c.ws = nil
	pending := c.pending
	c.pending = make(map[string]chan response)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- response{err: ErrNotConnected}
	}
	ws.Close()
	return err
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var peek struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &peek) == nil && peek.Type == "res" {
			c.route(raw)
			continue
		}
		if c.handler != nil {
			c.handler(c.cfg.Name, raw)
		}
	}
}

func (c *Conn) route(raw []byte) {
	var f resFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.logger.Debug("unparseable response frame", zap.Error(err))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request", zap.String("id", f.ID))
		return
	}
	ch <- response{frame: f}
}

// Request sends method with params and waits for the matching response
// payload.
func (c *Conn) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	id := uuid.NewString()
	ch := make(chan response, 1)

	c.mu.Lock()
	ws := c.ws
	if ws == nil || c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := ws.WriteJSON(reqFrame{Type: "req", ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("%s: write: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%s: %w", method, r.err)
		}
		if !r.frame.OK {
			re := &RequestError{Method: method, Code: "UNKNOWN"}
			if r.frame.Error != nil {
				re.Code, re.Message = r.frame.Error.Code, r.frame.Error.Message
			}
			return nil, re
		}
		return r.frame.Payload, nil
	}
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Session is one entry of the gateway's session listing.
type Session struct {
	Key       string `json:"key"`
	Label     string `json:"label,omitempty"`
	ParentKey string `json:"parentKey,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Sessions lists the gateway's sessions.
func (c *Conn) Sessions(ctx context.Context) ([]Session, error) {
	payload, err := c.Request(ctx, "sessions.list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("sessions.list: %w", err)
	}
	return out.Sessions, nil
}

// historyLimit caps how many messages one history call returns.
const historyLimit = 200

// History returns the raw history items of one session, oldest first.
func (c *Conn) History(ctx context.Context, sessionKey string) ([]json.RawMessage, error) {
	payload, err := c.Request(ctx, "chat.history", map[string]any{"sessionKey": sessionKey, "limit": historyLimit})
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("chat.history: %w", err)
	}
	return out.Messages, nil
}

// IsCapabilityError reports whether err means the gateway will never grant
// the requested method.
func IsCapabilityError(err error) bool {
	return errors.Is(err, ErrCapabilityUnavailable)
}
