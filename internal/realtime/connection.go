// Package realtime owns the persistent event channel: connecting,
// authenticating, reconnecting and routing inbound events to subscribers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/marketsync/internal/notify"
	"github.com/agentworkforce/marketsync/internal/transport"
)

const (
	TransportWebsocket = "websocket"

	defaultReconnectMin     = 500 * time.Millisecond
	defaultReconnectMax     = 30 * time.Second
	defaultEscalateAfter    = 3
	defaultPingInterval     = 25 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	readLimit               = 1 << 20
)

var (
	ErrUnauthenticated = errors.New("realtime: no credential")
	ErrNoTransport     = errors.New("realtime: no supported transport configured")
	ErrClosed          = errors.New("realtime: connection closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionError reports a failed handshake or reconnect attempt.
type ConnectionError struct {
	Op       string
	Attempts int
	// Rejected is set when the server refused the credential.
	Rejected bool
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("realtime %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("realtime %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) ConnectionFailure() bool { return true }

type Config struct {
	URL string
	// Transports is the preference order; only "websocket" is supported.
	Transports []string
	Token      transport.TokenSource
	UserID     string

	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	EscalateAfter    int
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	HTTPClient       *http.Client

	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Connection is the single event channel of an authenticated session.
type Connection struct {
	cfg      Config
	router   *Router
	notifier notify.Notifier
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	attempts  int
	escalated bool
	conn      *websocket.Conn
	rooms     []string
	cancel    context.CancelFunc
	done      chan struct{}
	closed    bool
}

func NewConnection(cfg Config, router *Router) *Connection {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = defaultReconnectMax
		if cfg.ReconnectMax < cfg.ReconnectMin {
			cfg.ReconnectMax = cfg.ReconnectMin
		}
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = defaultEscalateAfter
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if len(cfg.Transports) == 0 {
		cfg.Transports = []string{TransportWebsocket}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if router == nil {
		router = NewRouter(logger)
	}
	done := make(chan struct{})
	close(done)
	return &Connection{
		cfg:      cfg,
		router:   router,
		notifier: notify.OrDiscard(cfg.Notifier),
		logger:   logger.With(slog.String("component", "realtime")),
		done:     done,
	}
}

func (c *Connection) Router() *Router { return c.router }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts counts reconnect attempts since the last successful handshake.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Done is closed once the connection has stopped for good after a Close or
// an auth loss. Before the first Connect it is already closed.
func (c *Connection) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Connect authenticates and joins the caller's room. It is a no-op while the
// connection is already up or reconnecting.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, ack, err := c.establish(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		c.deliverConnectError(err, 0)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "closed")
		return ErrClosed
	}
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	if !c.online(runCtx, conn, ack) {
		cancel()
		close(done)
		return ErrClosed
	}
	go c.run(runCtx, conn, done)
	return nil
}

// Close tears the channel down for good. It never waits on event handlers,
// so it is safe to call from one.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasUp := c.state != StateDisconnected
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "logout")
	}
	if wasUp {
		c.router.Deliver(Event{Tag: TagDisconnect, Payload: Disconnected{Reason: "logout"}})
	}
	c.logger.Info("realtime connection closed")
	return nil
}

// Emit sends an outbound event. When the channel is not connected the event
// is dropped with a warning and Emit returns nil.
func (c *Connection) Emit(ctx context.Context, event string, payload any) error {
	return c.emit(ctx, event, "", payload)
}

// EmitTo is Emit addressed to a room.
func (c *Connection) EmitTo(ctx context.Context, room, event string, payload any) error {
	return c.emit(ctx, event, room, payload)
}

// Join subscribes the session to room on the server. Joined rooms are
// re-joined after a reconnect.
func (c *Connection) Join(ctx context.Context, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return errors.New("room is required")
	}
	c.mu.Lock()
	known := false
	for _, r := range c.rooms {
		if r == room {
			known = true
			break
		}
	}
	if !known {
		c.rooms = append(c.rooms, room)
	}
	c.mu.Unlock()
	return c.emit(ctx, frameJoin, "", map[string]string{"room": room})
}

func (c *Connection) Leave(ctx context.Context, room string) error {
	c.mu.Lock()
	for i, r := range c.rooms {
		if r == room {
			c.rooms = append(c.rooms[:i:i], c.rooms[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return c.emit(ctx, frameLeave, "", map[string]string{"room": room})
}

// UserRoom is the room the server uses to target one user's sessions.
func UserRoom(userID string) string {
	return "user:" + userID
}

func (c *Connection) emit(ctx context.Context, event, room string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		c.logger.Warn("dropping emit while not connected",
			slog.String("event", event),
			slog.String("state", state.String()),
		)
		return nil
	}
	frame, err := EncodeFrame(event, room, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return &ConnectionError{Op: "emit " + event, Err: err}
	}
	return nil
}

// establish dials the first supported transport and authenticates. It
// returns the raw connect acknowledgement.
func (c *Connection) establish(ctx context.Context) (*websocket.Conn, []byte, error) {
	if c.cfg.Token == nil || strings.TrimSpace(c.cfg.UserID) == "" {
		return nil, nil, ErrUnauthenticated
	}
	token, err := c.cfg.Token(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve token: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return nil, nil, ErrUnauthenticated
	}

	var conn *websocket.Conn
	for _, name := range c.cfg.Transports {
		if !strings.EqualFold(strings.TrimSpace(name), TransportWebsocket) {
			c.logger.Warn("skipping unsupported transport", slog.String("transport", name))
			continue
		}
		conn, err = c.dial(ctx)
		if err != nil {
			return nil, nil, &ConnectionError{Op: "dial", Err: err}
		}
		break
	}
	if conn == nil {
		return nil, nil, ErrNoTransport
	}
	conn.SetReadLimit(readLimit)

	ack, err := c.handshake(ctx, conn, token)
	if err != nil {
		return nil, nil, err
	}
	return conn, ack, nil
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{ //nolint:bodyclose // Dial closes the response body
		HTTPClient: c.cfg.HTTPClient,
		HTTPHeader: http.Header{"User-Agent": []string{"marketsync/0.1"}},
	})
	return conn, err
}

// handshake sends the credential and waits for the connect acknowledgement.
func (c *Connection) handshake(ctx context.Context, conn *websocket.Conn, token string) ([]byte, error) {
	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	auth, err := EncodeFrame(frameAuth, "", map[string]string{"token": token, "userId": c.cfg.UserID})
	if err != nil {
		return nil, err
	}
	if err := conn.Write(hsCtx, websocket.MessageText, auth); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "auth failed")
		return nil, &ConnectionError{Op: "handshake", Err: fmt.Errorf("sending auth: %w", err)}
	}
	for {
		typ, data, err := conn.Read(hsCtx)
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "auth read failed")
			return nil, &ConnectionError{Op: "handshake", Err: fmt.Errorf("reading ack: %w", err)}
		}
		if typ != websocket.MessageText {
			continue
		}
		switch Tag(gjson.GetBytes(data, "event").String()) {
		case TagConnect:
			return data, nil
		case TagConnectError:
			msg := gjson.GetBytes(data, "data.message").String()
			if msg == "" {
				msg = "rejected"
			}
			_ = conn.Close(websocket.StatusNormalClosure, "auth rejected")
			return nil, &ConnectionError{Op: "handshake", Rejected: true, Err: errors.New(msg)}
		default:
			c.logger.Debug("ignoring frame before ack", slog.Int("bytes", len(data)))
		}
	}
}

// online moves to StateConnected, joins rooms and delivers the connect event. It
// reports false when the connection was closed meanwhile.
func (c *Connection) online(ctx context.Context, conn *websocket.Conn, ack []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "closed")
		return false
	}
	c.state = StateConnected
	c.attempts = 0
	c.escalated = false
	c.conn = conn
	rooms := append([]string{UserRoom(c.cfg.UserID)}, c.rooms...)
	c.mu.Unlock()

	for _, room := range rooms {
		frame, _ := EncodeFrame(frameJoin, "", map[string]string{"room": room})
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			c.logger.Warn("join failed", slog.String("room", room), slog.String("error", err.Error()))
		}
	}
	c.logger.Info("realtime connected", slog.String("user_id", c.cfg.UserID), slog.Int("rooms", len(rooms)))
	if len(ack) == 0 || c.router.Dispatch(ack) != nil {
		c.router.Deliver(Event{Tag: TagConnect, Payload: Connected{UserID: c.cfg.UserID}})
	}
	return true
}

func (c *Connection) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("realtime connection lost", slog.String("error", err.Error()))
		c.mu.Lock()
		c.conn = nil
		c.state = StateReconnecting
		c.mu.Unlock()
		c.router.Deliver(Event{Tag: TagDisconnect, Payload: Disconnected{Reason: err.Error()}})

		var ack []byte
		conn, ack, err = c.reconnect(ctx)
		if err != nil {
			return
		}
		if !c.online(ctx, conn, ack) {
			return
		}
	}
}

// serve reads frames and dispatches them in arrival order until the socket
// drops or a heartbeat ping fails.
func (c *Connection) serve(ctx context.Context, conn *websocket.Conn) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pingErr := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-serveCtx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(serveCtx, c.cfg.PingInterval)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err != nil && serveCtx.Err() == nil {
					pingErr <- fmt.Errorf("heartbeat: %w", err)
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
					return
				}
			}
		}
	}()

	for {
		typ, data, err := conn.Read(serveCtx)
		if err != nil {
			select {
			case hbErr := <-pingErr:
				return hbErr
			default:
			}
			return err
		}
		if typ != websocket.MessageText {
			c.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}
		if c.isClosed() {
			return ErrClosed
		}
		if err := c.router.Dispatch(data); err != nil {
			c.logger.Debug("frame not delivered", slog.String("error", err.Error()))
		}
	}
}

// reconnect retries with exponential backoff until a handshake succeeds, the
// server rejects the credential, or the connection is closed.
func (c *Connection) reconnect(ctx context.Context) (*websocket.Conn, []byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectMin
	policy.MaxInterval = c.cfg.ReconnectMax
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			delay = c.cfg.ReconnectMax
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		case <-timer.C:
		}

		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		conn, ack, err := c.establish(ctx)
		if err == nil {
			c.logger.Info("realtime reconnected", slog.Int("attempts", attempts))
			return conn, ack, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		var connErr *ConnectionError
		if errors.Is(err, ErrUnauthenticated) || (errors.As(err, &connErr) && connErr.Rejected) {
			c.logger.Warn("realtime credential rejected, giving up", slog.String("error", err.Error()))
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
			c.deliverConnectError(err, attempts)
			c.notifier.Notify(notify.Notice{Level: notify.LevelError, Message: "Real-time updates stopped: please sign in again"})
			return nil, nil, err
		}

		c.logger.Warn("realtime reconnect failed",
			slog.Int("attempts", attempts),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		c.deliverConnectError(err, attempts)
		c.maybeEscalate(attempts, err)
	}
}

// maybeEscalate warns the user once per outage after EscalateAfter
// consecutive failures.
func (c *Connection) maybeEscalate(attempts int, err error) {
	c.mu.Lock()
	if attempts < c.cfg.EscalateAfter || c.escalated {
		c.mu.Unlock()
		return
	}
	c.escalated = true
	c.mu.Unlock()
	failure := &ConnectionError{Op: "reconnect", Attempts: attempts, Err: err}
	c.notifier.Notify(notify.Notice{
		Level:   notify.LevelWarning,
		Message: "Real-time connection lost, retrying",
		Code:    "connection_error",
	})
	c.logger.Warn("realtime outage escalated", slog.String("error", failure.Error()))
}

func (c *Connection) deliverConnectError(err error, attempts int) {
	c.router.Deliver(Event{Tag: TagConnectError, Payload: ConnectFailed{Message: err.Error(), Attempts: attempts}})
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
