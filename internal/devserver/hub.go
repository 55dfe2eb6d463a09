package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/marketsync/internal/realtime"
)

const (
	clientSendBuffer = 64
	hubReadLimit     = 1 << 20
)

var errHandshake = errors.New("handshake failed")

type hubClient struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	rooms  map[string]struct{}
}

// Hub is the server half of the real-time channel: it authenticates sockets,
// tracks rooms and presence, and fans frames out.
type Hub struct {
	jwtSecret        string
	handshakeTimeout time.Duration
	logger           *slog.Logger

	mu      sync.Mutex
	clients map[string]*hubClient
	closed  bool
}

func NewHub(jwtSecret string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		jwtSecret:        jwtSecret,
		handshakeTimeout: 10 * time.Second,
		logger:           logger.With(slog.String("component", "hub")),
		clients:          map[string]*hubClient{},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(hubReadLimit)
	ctx := r.Context()

	client, err := h.handshake(ctx, conn)
	if err != nil {
		h.logger.Info("socket rejected", slog.String("error", err.Error()))
		return
	}
	if !h.register(client) {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unregister(client)

	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.writeLoop(writeCtx, client)
	h.readLoop(ctx, client)
}

func (h *Hub) handshake(ctx context.Context, conn *websocket.Conn) (*hubClient, error) {
	hsCtx, cancel := context.WithTimeout(ctx, h.handshakeTimeout)
	defer cancel()

	var frame realtime.Frame
	if err := wsjson.Read(hsCtx, conn, &frame); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "expected auth frame")
		return nil, fmt.Errorf("%w: %v", errHandshake, err)
	}
	var auth struct {
		Token  string `json:"token"`
		UserID string `json:"userId"`
	}
	if frame.Event != "auth" || json.Unmarshal(frame.Data, &auth) != nil {
		return nil, h.reject(hsCtx, conn, "expected auth frame")
	}
	claims, authErr := parseToken(strings.TrimSpace(auth.Token), h.jwtSecret, time.Now().UTC())
	if authErr != nil {
		return nil, h.reject(hsCtx, conn, authErr.message)
	}
	if auth.UserID != "" && auth.UserID != claims.UserID {
		return nil, h.reject(hsCtx, conn, "user mismatch")
	}

	client := &hubClient{
		id:     uuid.NewString(),
		userID: claims.UserID,
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
		rooms:  map[string]struct{}{},
	}
	ack, err := realtime.EncodeFrame(string(realtime.TagConnect), "", realtime.Connected{SocketID: client.id, UserID: client.userID})
	if err != nil {
		return nil, err
	}
	if err := conn.Write(hsCtx, websocket.MessageText, ack); err != nil {
		return nil, fmt.Errorf("%w: %v", errHandshake, err)
	}
	return client, nil
}

func (h *Hub) reject(ctx context.Context, conn *websocket.Conn, message string) error {
	_ = wsjson.Write(ctx, conn, realtime.Frame{
		Event: string(realtime.TagConnectError),
		Data:  mustJSON(realtime.ConnectFailed{Message: message}),
	})
	_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
	return fmt.Errorf("%w: %s", errHandshake, message)
}

// register adds client and announces presence. Existing online users are
// replayed to the newcomer.
func (h *Hub) register(client *hubClient) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	firstSocket := !h.userOnlineLocked(client.userID)
	others := h.onlineLocked()
	h.clients[client.id] = client
	h.mu.Unlock()

	for _, userID := range others {
		if userID == client.userID {
			continue
		}
		h.enqueue(client, frameBytes(realtime.TagUserOnline, "", realtime.UserOnline{UserID: userID}))
	}
	if firstSocket {
		h.broadcast("", client.id, frameBytes(realtime.TagUserOnline, "", realtime.UserOnline{UserID: client.userID}))
	}
	h.logger.Info("socket connected", slog.String("user_id", client.userID), slog.String("socket_id", client.id))
	return true
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)
	lastSocket := !h.userOnlineLocked(client.userID)
	h.mu.Unlock()

	if lastSocket {
		h.broadcast("", client.id, frameBytes(realtime.TagUserOffline, "", realtime.UserOffline{
			UserID:   client.userID,
			LastSeen: time.Now().UTC(),
		}))
	}
	h.logger.Info("socket disconnected", slog.String("user_id", client.userID), slog.String("socket_id", client.id))
}

func (h *Hub) readLoop(ctx context.Context, client *hubClient) {
	for {
		var frame realtime.Frame
		if err := wsjson.Read(ctx, client.conn, &frame); err != nil {
			return
		}
		switch frame.Event {
		case "join", "leave":
			var body struct {
				Room string `json:"room"`
			}
			if json.Unmarshal(frame.Data, &body) != nil || strings.TrimSpace(body.Room) == "" {
				continue
			}
			h.setMembership(client, body.Room, frame.Event == "join")
		case string(realtime.TagTypingStart), string(realtime.TagTypingStop), string(realtime.TagNewMessage):
			h.relay(client, frame)
		default:
			h.logger.Debug("ignoring client frame", slog.String("event", frame.Event))
		}
	}
}

func (h *Hub) setMembership(client *hubClient, room string, join bool) {
	if strings.HasPrefix(room, "user:") && room != realtime.UserRoom(client.userID) {
		h.logger.Warn("refusing foreign user room", slog.String("user_id", client.userID), slog.String("room", room))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if join {
		client.rooms[room] = struct{}{}
	} else {
		delete(client.rooms, room)
	}
}

// relay forwards a client frame to the other members of its room. The sender
// must be in the room and the payload must match its schema.
func (h *Hub) relay(sender *hubClient, frame realtime.Frame) {
	if frame.Room == "" {
		return
	}
	h.mu.Lock()
	_, member := sender.rooms[frame.Room]
	h.mu.Unlock()
	if !member {
		return
	}
	tag := realtime.Tag(frame.Event)
	if err := realtime.ValidatePayload(tag, frame.Data); err != nil {
		h.logger.Debug("dropping invalid relay", slog.String("error", err.Error()))
		return
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.broadcast(frame.Room, sender.id, raw)
}

// Publish validates and sends an event to every socket in room; an empty
// room reaches everyone. It returns the number of sockets addressed.
func (h *Hub) Publish(room string, tag realtime.Tag, data json.RawMessage) (int, error) {
	if !tag.Valid() || tag.Lifecycle() {
		return 0, fmt.Errorf("%w: %q", realtime.ErrUnknownTag, tag)
	}
	if err := realtime.ValidatePayload(tag, data); err != nil {
		return 0, err
	}
	raw, err := json.Marshal(realtime.Frame{Event: string(tag), Room: room, Data: data})
	if err != nil {
		return 0, err
	}
	return h.broadcast(room, "", raw), nil
}

func (h *Hub) broadcast(room, exceptID string, raw []byte) int {
	h.mu.Lock()
	targets := make([]*hubClient, 0, len(h.clients))
	for id, client := range h.clients {
		if id == exceptID {
			continue
		}
		if room != "" {
			if _, ok := client.rooms[room]; !ok {
				continue
			}
		}
		targets = append(targets, client)
	}
	h.mu.Unlock()
	for _, client := range targets {
		h.enqueue(client, raw)
	}
	return len(targets)
}

func (h *Hub) enqueue(client *hubClient, raw []byte) {
	select {
	case client.send <- raw:
	default:
		h.logger.Warn("dropping frame for slow socket", slog.String("socket_id", client.id))
	}
}

func (h *Hub) writeLoop(ctx context.Context, client *hubClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-client.send:
			if err := client.conn.Write(ctx, websocket.MessageText, raw); err != nil {
				return
			}
		}
	}
}

// Disconnect drops every socket of userID, as a server restart would.
func (h *Hub) Disconnect(userID string) int {
	h.mu.Lock()
	var conns []*websocket.Conn
	for _, client := range h.clients {
		if client.userID == userID {
			conns = append(conns, client.conn)
		}
	}
	h.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "disconnected by server")
	}
	return len(conns)
}

// Online lists connected user ids, sorted.
func (h *Hub) Online() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onlineLocked()
}

// Members lists the user ids joined to room, sorted.
func (h *Hub) Members(room string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := map[string]struct{}{}
	for _, client := range h.clients {
		if _, ok := client.rooms[room]; ok {
			seen[client.userID] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for _, client := range h.clients {
		conns = append(conns, client.conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	return nil
}

func (h *Hub) userOnlineLocked(userID string) bool {
	for _, client := range h.clients {
		if client.userID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) onlineLocked() []string {
	seen := map[string]struct{}{}
	for _, client := range h.clients {
		seen[client.userID] = struct{}{}
	}
	return sortedKeys(seen)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func frameBytes(tag realtime.Tag, room string, payload any) []byte {
	raw, _ := realtime.EncodeFrame(string(tag), room, payload)
	return raw
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
