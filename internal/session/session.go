// Package session is the root of an authenticated session. It owns the one
// real-time connection and hands consumers a narrow Channel plus per-consumer
// Scopes whose Close cancels everything registered with them.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/marketsync/internal/notify"
	"github.com/agentworkforce/marketsync/internal/realtime"
	"github.com/agentworkforce/marketsync/internal/transport"
)

var ErrLoggedOut = errors.New("session: logged out")

type Config struct {
	BaseURL     string
	RealtimeURL string
	Transports  []string
	Timeout     time.Duration

	Token  transport.TokenSource
	UserID string

	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	EscalateAfter int

	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Channel is the consumer view of the real-time connection. It cannot open
// or close the connection.
type Channel interface {
	Subscribe(tag realtime.Tag, handler realtime.Handler, opts ...realtime.SubscribeOption) (*realtime.Subscription, error)
	Unsubscribe(sub *realtime.Subscription)
	Emit(ctx context.Context, event string, payload any) error
	EmitTo(ctx context.Context, room, event string, payload any) error
	Join(ctx context.Context, room string) error
	Leave(ctx context.Context, room string) error
	IsOnline(userID string) bool
	Online() []string
	State() realtime.State
}

type Session struct {
	userID string
	client *transport.HTTPClient
	router *realtime.Router
	conn   *realtime.Connection
	logger *slog.Logger

	mu     sync.Mutex
	scopes map[*Scope]struct{}
	closed bool
}

// Open builds the session's HTTP client and connection and connects. When
// the first connect fails the session is torn down and the error returned.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	s := New(cfg)
	if err := s.conn.Connect(ctx); err != nil {
		_ = s.Logout()
		return nil, err
	}
	return s, nil
}

// New builds a session without connecting.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	client := transport.NewHTTPClient(transport.Options{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		Timeout: cfg.Timeout,
		Logger:  logger,
	})
	router := realtime.NewRouter(logger)
	conn := realtime.NewConnection(realtime.Config{
		URL:           realtimeURL(cfg.RealtimeURL, client.BaseURL()),
		Transports:    cfg.Transports,
		Token:         cfg.Token,
		UserID:        cfg.UserID,
		ReconnectMin:  cfg.ReconnectMin,
		ReconnectMax:  cfg.ReconnectMax,
		EscalateAfter: cfg.EscalateAfter,
		Notifier:      cfg.Notifier,
		Logger:        logger,
	}, router)
	return &Session{
		userID: cfg.UserID,
		client: client,
		router: router,
		conn:   conn,
		logger: logger.With(slog.String("component", "session")),
		scopes: make(map[*Scope]struct{}),
	}
}

// realtimeURL derives the websocket endpoint from the HTTP base URL when no
// explicit one is configured.
func realtimeURL(explicit, baseURL string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/realtime"
}

func (s *Session) UserID() string { return s.userID }

func (s *Session) Client() *transport.HTTPClient { return s.client }

func (s *Session) Channel() Channel { return channel{conn: s.conn, router: s.router} }

// Done is closed once the connection stopped for good. See
// realtime.Connection.Done.
func (s *Session) Done() <-chan struct{} { return s.conn.Done() }

// Connect reconnects a session whose connection was stopped by an auth
// rejection.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrLoggedOut
	}
	return s.conn.Connect(ctx)
}

// Scope returns a new consumer scope bound to this session.
func (s *Session) Scope() *Scope {
	scope := &Scope{session: s}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		scope.closed = true
		return scope
	}
	s.scopes[scope] = struct{}{}
	return scope
}

// Logout closes every open scope, the connection and the router. After
// Logout no event reaches any subscriber.
func (s *Session) Logout() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	scopes := make([]*Scope, 0, len(s.scopes))
	for scope := range s.scopes {
		scopes = append(scopes, scope)
	}
	s.scopes = nil
	s.mu.Unlock()

	var errs []error
	for _, scope := range scopes {
		errs = append(errs, scope.close(false))
	}
	errs = append(errs, s.conn.Close(), s.router.Close())
	s.logger.Info("session logged out", slog.String("user_id", s.userID))
	return errors.Join(errs...)
}

func (s *Session) forget(scope *Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, scope)
}

// Scope groups the objects one consumer creates. Closing it closes them in
// reverse registration order and cancels its subscriptions.
type Scope struct {
	session *Session

	mu      sync.Mutex
	closers []io.Closer
	subs    []*realtime.Subscription
	closed  bool
}

// Add registers c. Adding to a closed scope closes c immediately.
func (sc *Scope) Add(c io.Closer) error {
	sc.mu.Lock()
	if !sc.closed {
		sc.closers = append(sc.closers, c)
		sc.mu.Unlock()
		return nil
	}
	sc.mu.Unlock()
	return c.Close()
}

// Subscribe subscribes through the session channel and ties the
// subscription to this scope.
func (sc *Scope) Subscribe(tag realtime.Tag, handler realtime.Handler, opts ...realtime.SubscribeOption) (*realtime.Subscription, error) {
	sub, err := sc.session.router.Subscribe(tag, handler, opts...)
	if err != nil {
		return nil, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		sub.Unsubscribe()
		return sub, nil
	}
	sc.subs = append(sc.subs, sub)
	return sub, nil
}

func (sc *Scope) Close() error {
	return sc.close(true)
}

func (sc *Scope) close(detach bool) error {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil
	}
	sc.closed = true
	closers := sc.closers
	subs := sc.subs
	sc.closers, sc.subs = nil, nil
	sc.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if detach && sc.session != nil {
		sc.session.forget(sc)
	}
	return errors.Join(errs...)
}

type channel struct {
	conn   *realtime.Connection
	router *realtime.Router
}

func (c channel) Subscribe(tag realtime.Tag, handler realtime.Handler, opts ...realtime.SubscribeOption) (*realtime.Subscription, error) {
	return c.router.Subscribe(tag, handler, opts...)
}

func (c channel) Unsubscribe(sub *realtime.Subscription) { c.router.Unsubscribe(sub) }

func (c channel) Emit(ctx context.Context, event string, payload any) error {
	return c.conn.Emit(ctx, event, payload)
}

func (c channel) EmitTo(ctx context.Context, room, event string, payload any) error {
	return c.conn.EmitTo(ctx, room, event, payload)
}

func (c channel) Join(ctx context.Context, room string) error  { return c.conn.Join(ctx, room) }
func (c channel) Leave(ctx context.Context, room string) error { return c.conn.Leave(ctx, room) }
func (c channel) IsOnline(userID string) bool                  { return c.router.IsOnline(userID) }
func (c channel) Online() []string                             { return c.router.Online() }
func (c channel) State() realtime.State                        { return c.conn.State() }
