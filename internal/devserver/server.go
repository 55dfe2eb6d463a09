// Package devserver is a development server speaking the marketsync wire
// protocol: resource collections, multipart uploads, the real-time channel
// and a signed publish endpoint for server pushes.
package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/marketsync/internal/catalog"
	"github.com/agentworkforce/marketsync/internal/realtime"
)

const (
	uploadsKind     = "uploads"
	defaultPageSize = 20
	maxPageSize     = 100
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	MaxUploadBytes     int64
	Logger             *slog.Logger
}

type Server struct {
	store              *catalog.Store
	hub                *Hub
	cfg                ServerConfig
	logger             *slog.Logger
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *catalog.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *catalog.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if store == nil {
		store = catalog.NewStore()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:              store,
		hub:                NewHub(cfg.JWTSecret, logger),
		cfg:                cfg,
		logger:             logger.With(slog.String("component", "devserver")),
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Store() *catalog.Store { return s.store }

// Close drops every socket and closes the store.
func (s *Server) Close() error {
	return errors.Join(s.hub.Close(), s.store.Close())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "online": len(s.hub.Online())})
		return
	}
	if r.URL.Path == "/v1/internal/publish" && r.Method == http.MethodPost {
		s.handleInternalPublish(w, r)
		return
	}
	if r.URL.Path == "/v1/realtime" && r.Method == http.MethodGet {
		s.hub.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] != "v1" || parts[1] == "" || parts[1] == "internal" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	kind := parts[1]

	var route string
	switch {
	case len(parts) == 2 && kind == uploadsKind && r.Method == http.MethodPost:
		route = "upload"
	case len(parts) == 2 && r.Method == http.MethodGet:
		route = "list"
	case len(parts) == 2 && r.Method == http.MethodPost:
		route = "create"
	case len(parts) == 3 && r.Method == http.MethodGet:
		route = "get"
	case len(parts) == 3 && r.Method == http.MethodPut:
		route = "update"
	case len(parts) == 3 && r.Method == http.MethodDelete:
		route = "delete"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := parseBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.UserID, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "upload":
		s.handleUpload(w, r, correlationID)
	case "list":
		s.handleList(w, r, kind, correlationID)
	case "create":
		s.handleCreate(w, r, claims, kind, correlationID)
	case "get":
		s.handleGet(w, kind, parts[2], correlationID)
	case "update":
		s.handleUpdate(w, r, claims, kind, parts[2], correlationID)
	case "delete":
		s.handleDelete(w, r, kind, parts[2], correlationID)
	}
}

type paginationBody struct {
	Current int  `json:"current"`
	Pages   int  `json:"pages"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, kind, correlationID string) {
	query := r.URL.Query()
	page := parseBoundedInt(query.Get("page"), 1, 1, math.MaxInt32)
	pageSize := parseBoundedInt(query.Get("pageSize"), defaultPageSize, 1, maxPageSize)
	result, err := s.store.List(kind, catalog.ListFilter{
		Status: strings.TrimSpace(query.Get("status")),
		Query:  strings.TrimSpace(query.Get("q")),
	}, page, pageSize)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	items := result.Items
	if items == nil {
		items = []catalog.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"pagination": paginationBody{
			Current: result.Page,
			Pages:   result.Pages,
			Total:   result.Total,
			HasMore: result.Page < result.Pages,
		},
	})
}

func (s *Server) handleGet(w http.ResponseWriter, kind, id, correlationID string) {
	rec, err := s.store.Get(kind, id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rec})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, claims tokenClaims, kind, correlationID string) {
	var body catalog.Record
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	rec, err := s.store.Create(kind, body)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Info("record created", slog.String("kind", rec.Kind), slog.String("id", rec.ID), slog.String("correlation_id", correlationID))
	s.announce(claims, rec)
	writeJSON(w, http.StatusCreated, map[string]any{"data": rec})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, claims tokenClaims, kind, id, correlationID string) {
	ifMatch := normalizeIfMatchHeader(r.Header.Get("If-Match"))
	var body catalog.Record
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	rec, err := s.store.Update(kind, id, ifMatch, body)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.announce(claims, rec)
	writeJSON(w, http.StatusOK, map[string]any{"data": rec})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, kind, id, correlationID string) {
	ifMatch := normalizeIfMatchHeader(r.Header.Get("If-Match"))
	if err := s.store.Delete(kind, id, ifMatch); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// announce pushes booking changes to the acting user's room.
func (s *Server) announce(claims tokenClaims, rec catalog.Record) {
	if rec.Kind != "bookings" {
		return
	}
	data, err := json.Marshal(realtime.BookingUpdate{
		BookingID: rec.ID,
		Status:    rec.Status,
		Revision:  rec.Revision,
		UpdatedAt: rec.UpdatedAt,
	})
	if err != nil {
		return
	}
	if rec.Status == "" {
		return
	}
	if _, err := s.hub.Publish(realtime.UserRoom(claims.UserID), realtime.TagBookingUpdate, data); err != nil {
		s.logger.Warn("booking announce failed", slog.String("error", err.Error()))
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, correlationID string) {
	if r.ContentLength > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "expected multipart/form-data body", correlationID)
		return
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "bad_request", "missing file part", correlationID)
			return
		}
		if err != nil {
			s.writeBodyError(w, err, correlationID)
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		size, err := io.Copy(io.Discard, part)
		_ = part.Close()
		if err != nil {
			s.writeBodyError(w, err, correlationID)
			return
		}
		contentType := part.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		name := part.FileName()
		if name == "" {
			name = "upload.bin"
		}
		rec, err := s.store.Create(uploadsKind, catalog.Record{
			Name:   name,
			Status: "stored",
			Attributes: map[string]string{
				"contentType": contentType,
				"size":        strconv.FormatInt(size, 10),
			},
		})
		if err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
			"id":          rec.ID,
			"name":        rec.Name,
			"size":        size,
			"contentType": contentType,
			"url":         "/v1/uploads/" + rec.ID,
		}})
		return
	}
}

type publishRequest struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (s *Server) handleInternalPublish(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get("X-Marketsync-Timestamp")
	signature := r.Header.Get("X-Marketsync-Signature")
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	var req publishRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	delivered, err := s.hub.Publish(strings.TrimSpace(req.Room), realtime.Tag(req.Event), req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"delivered": delivered, "correlationId": correlationID})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *catalog.ConflictError
	var validation *catalog.ValidationError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":             "revision_conflict",
			"message":          "the record was changed by someone else",
			"correlationId":    correlationID,
			"expectedRevision": conflict.ExpectedRevision,
			"currentRevision":  conflict.CurrentRevision,
		})
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"code":          "validation_failed",
			"message":       "validation failed",
			"fieldErrors":   validation.Fields,
			"correlationId": correlationID,
		})
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, catalog.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		s.logger.Error("store failure", slog.String("error", err.Error()), slog.String("correlation_id", correlationID))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) writeBodyError(w http.ResponseWriter, err error, correlationID string) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
		return
	}
	writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("failed to read request body: %v", err), correlationID)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeBodyError(w, err, correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(s.cfg.InternalMaxSkew)
	return true
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
