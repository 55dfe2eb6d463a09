package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

var (
	ErrUnknownTag     = errors.New("unknown event tag")
	ErrInvalidPayload = errors.New("invalid event payload")
)

type Handler func(Event)

// Subscription is one registered handler. It is inert once cancelled.
type Subscription struct {
	id      uint64
	tag     Tag
	room    string
	handler Handler
	active  atomic.Bool
	router  *Router
}

func (s *Subscription) Tag() Tag { return s.tag }

// Room is the scope of the subscription; empty means every room.
func (s *Subscription) Room() string { return s.room }

func (s *Subscription) Active() bool { return s.active.Load() }

// Unsubscribe is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.router == nil {
		return
	}
	s.router.Unsubscribe(s)
}

type SubscribeOption func(*Subscription)

// InRoom limits delivery to events addressed to room.
func InRoom(room string) SubscribeOption {
	return func(s *Subscription) { s.room = room }
}

// Router fans inbound events out to subscribers by tag and tracks presence.
type Router struct {
	logger *slog.Logger
	nextID atomic.Uint64

	mu     sync.RWMutex
	subs   map[Tag][]*Subscription
	online map[string]struct{}
	closed bool
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		logger: logger,
		subs:   make(map[Tag][]*Subscription),
		online: make(map[string]struct{}),
	}
}

// Subscribe registers handler for tag. Subscribing to a closed router returns
// an inactive subscription.
func (r *Router) Subscribe(tag Tag, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if !tag.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	sub := &Subscription{id: r.nextID.Add(1), tag: tag, handler: handler, router: r}
	for _, opt := range opts {
		opt(sub)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return sub, nil
	}
	sub.active.Store(true)
	r.subs[tag] = append(r.subs[tag], sub)
	return sub, nil
}

// On subscribes a handler typed by its payload variant.
func On[P Payload](r *Router, handler func(P, Event), opts ...SubscribeOption) (*Subscription, error) {
	var zero P
	return r.Subscribe(zero.EventTag(), func(ev Event) {
		if p, ok := ev.Payload.(P); ok {
			handler(p, ev)
		}
	}, opts...)
}

func (r *Router) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.active.Swap(false) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[sub.tag]
	for i, candidate := range list {
		if candidate.id == sub.id {
			next := make([]*Subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			r.subs[sub.tag] = next
			break
		}
	}
	if len(r.subs[sub.tag]) == 0 {
		delete(r.subs, sub.tag)
	}
}

// Subscribers counts the active subscriptions for tag.
func (r *Router) Subscribers(tag Tag) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[tag])
}

// Dispatch decodes one inbound frame and delivers it. Frames with an unknown
// tag or a payload that fails its schema are dropped and reported.
func (r *Router) Dispatch(raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("%w: frame is not JSON", ErrInvalidPayload)
	}
	parsed := gjson.ParseBytes(raw)
	tag := Tag(parsed.Get("event").String())
	if !tag.Valid() {
		r.logger.Debug("dropping frame with unknown tag", slog.String("event", string(tag)))
		return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	room := parsed.Get("room").String()
	var data []byte
	if field := parsed.Get("data"); field.Exists() {
		data = []byte(field.Raw)
	}
	if err := ValidatePayload(tag, data); err != nil {
		r.logger.Warn("dropping invalid event", slog.String("event", string(tag)), slog.String("error", err.Error()))
		return err
	}
	payload, err := decodePayload(tag, data)
	if err != nil {
		r.logger.Warn("dropping undecodable event", slog.String("event", string(tag)), slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	r.Deliver(Event{Tag: tag, Room: room, Payload: payload})
	return nil
}

// Deliver hands ev to every active subscriber of its tag, in registration
// order, on the calling goroutine.
func (r *Router) Deliver(ev Event) {
	r.trackPresence(ev)

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	targets := append([]*Subscription(nil), r.subs[ev.Tag]...)
	r.mu.RUnlock()

	for _, sub := range targets {
		if sub.room != "" && sub.room != ev.Room {
			continue
		}
		// Re-checked per handler: an earlier handler may have cancelled it.
		if !sub.active.Load() {
			continue
		}
		sub.handler(ev)
	}
}

func (r *Router) trackPresence(ev Event) {
	var userID string
	var online bool
	switch p := ev.Payload.(type) {
	case UserOnline:
		userID, online = p.UserID, true
	case UserOffline:
		userID = p.UserID
	default:
		return
	}
	if userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if online {
		r.online[userID] = struct{}{}
	} else {
		delete(r.online, userID)
	}
}

func (r *Router) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[userID]
	return ok
}

// Online lists the users currently marked online, sorted.
func (r *Router) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.online))
	for id := range r.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close cancels every subscription and forgets presence. Later deliveries
// are ignored.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, list := range r.subs {
		for _, sub := range list {
			sub.active.Store(false)
		}
	}
	r.subs = make(map[Tag][]*Subscription)
	r.online = make(map[string]struct{})
	return nil
}
