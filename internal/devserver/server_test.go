package devserver

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/marketsync/internal/catalog"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func TestHealthIsPublic(t *testing.T) {
	server := NewServer(catalog.NewStore())
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	server := NewServer(catalog.NewStore())
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/listings",
		headers: map[string]string{"X-Correlation-Id": "corr_1"},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}

	expired := IssueToken("dev-secret", "u1", -time.Minute, time.Now())
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/listings",
		headers: authHeaders(expired, "corr_2"),
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", resp.Code)
	}
}

func TestCorrelationIDRequired(t *testing.T) {
	server := NewServer(catalog.NewStore())
	token := IssueToken("dev-secret", "u1", time.Hour, time.Now())
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/listings",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestRecordLifecycleAndConflicts(t *testing.T) {
	server := NewServer(catalog.NewStore())
	token := IssueToken("dev-secret", "u1", time.Hour, time.Now())

	createResp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/bookings",
		headers: authHeaders(token, "corr_1"),
		body:    map[string]any{"name": "Harbour tour", "status": "pending"},
	})
	if createResp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", createResp.Code, createResp.Body.String())
	}
	var created struct {
		Data catalog.Record `json:"data"`
	}
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Data.ID == "" || created.Data.Revision == "" {
		t.Fatalf("expected id and revision, got %+v", created.Data)
	}

	getResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/bookings/" + created.Data.ID,
		headers: authHeaders(token, "corr_2"),
	})
	if getResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", getResp.Code)
	}

	updateHeaders := authHeaders(token, "corr_3")
	updateHeaders["If-Match"] = `W/"` + created.Data.Revision + `"`
	updateResp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/bookings/" + created.Data.ID,
		headers: updateHeaders,
		body:    map[string]any{"name": "Harbour tour", "status": "confirmed"},
	})
	if updateResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d (%s)", updateResp.Code, updateResp.Body.String())
	}

	staleHeaders := authHeaders(token, "corr_4")
	staleHeaders["If-Match"] = created.Data.Revision
	staleResp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/bookings/" + created.Data.ID,
		headers: staleHeaders,
		body:    map[string]any{"name": "Harbour tour", "status": "cancelled"},
	})
	if staleResp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", staleResp.Code)
	}
	var conflict map[string]any
	if err := json.NewDecoder(staleResp.Body).Decode(&conflict); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	if conflict["code"] != "revision_conflict" || conflict["expectedRevision"] != created.Data.Revision {
		t.Fatalf("unexpected conflict payload %+v", conflict)
	}
	if conflict["correlationId"] != "corr_4" {
		t.Fatalf("expected correlation id echo, got %v", conflict["correlationId"])
	}

	deleteResp := doRequest(t, server, request{
		method:  http.MethodDelete,
		path:    "/v1/bookings/" + created.Data.ID,
		headers: authHeaders(token, "corr_5"),
	})
	if deleteResp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", deleteResp.Code)
	}
	missingResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/bookings/" + created.Data.ID,
		headers: authHeaders(token, "corr_6"),
	})
	if missingResp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missingResp.Code)
	}
}

func TestValidationFailureReportsFieldErrors(t *testing.T) {
	server := NewServer(catalog.NewStore())
	token := IssueToken("dev-secret", "u1", time.Hour, time.Now())
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/listings",
		headers: authHeaders(token, "corr_1"),
		body:    map[string]any{"status": "open"},
	})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%s)", resp.Code, resp.Body.String())
	}
	var payload struct {
		Code        string            `json:"code"`
		FieldErrors map[string]string `json:"fieldErrors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Code != "validation_failed" || payload.FieldErrors["name"] == "" {
		t.Fatalf("unexpected validation payload %+v", payload)
	}

	badJSON := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/listings",
		headers: authHeaders(token, "corr_2"),
		body:    []byte("{"),
	})
	if badJSON.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", badJSON.Code)
	}
}

func TestListPagination(t *testing.T) {
	store := catalog.NewStore()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		if _, err := store.Create("listings", catalog.Record{Name: name, Status: "open"}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	server := NewServer(store)
	token := IssueToken("dev-secret", "u1", time.Hour, time.Now())

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/listings?page=2&pageSize=2",
		headers: authHeaders(token, "corr_1"),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var page struct {
		Items      []catalog.Record `json:"items"`
		Pagination paginationBody   `json:"pagination"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].Name != "c" {
		t.Fatalf("unexpected items %+v", page.Items)
	}
	if page.Pagination != (paginationBody{Current: 2, Pages: 3, Total: 5, HasMore: true}) {
		t.Fatalf("unexpected pagination %+v", page.Pagination)
	}

	empty := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/reviews",
		headers: authHeaders(token, "corr_2"),
	})
	if !strings.Contains(empty.Body.String(), `"items":[]`) {
		t.Fatalf("expected empty items array, got %s", empty.Body.String())
	}
}

func TestUploadStoresMetadata(t *testing.T) {
	server := NewServer(catalog.NewStore())
	token := IssueToken("dev-secret", "u1", time.Hour, time.Now())

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "photo.jpg")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write([]byte("jpeg-bytes"))
	_ = writer.Close()

	headers := authHeaders(token, "corr_1")
	headers["Content-Type"] = writer.FormDataContentType()
	resp := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/uploads",
		headers: headers,
		body:    buf.Bytes(),
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", resp.Code, resp.Body.String())
	}
	var stored struct {
		Data struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Size int64  `json:"size"`
			URL  string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.Data.Name != "photo.jpg" || stored.Data.Size != int64(len("jpeg-bytes")) || stored.Data.URL == "" {
		t.Fatalf("unexpected upload result %+v", stored.Data)
	}
	rec, err := server.Store().Get("uploads", stored.Data.ID)
	if err != nil || rec.Attributes["size"] != "10" {
		t.Fatalf("expected stored upload record, got %+v, %v", rec, err)
	}
}

func TestUploadRejectsOversizedBody(t *testing.T) {
	server := NewServerWithConfig(catalog.NewStore(), ServerConfig{MaxUploadBytes: 16})
	token := IssueToken("dev-secret", "u1", time.Hour, time.Now())

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, _ := writer.CreateFormFile("file", "big.bin")
	_, _ = part.Write(bytes.Repeat([]byte("x"), 1024))
	_ = writer.Close()

	headers := authHeaders(token, "corr_1")
	headers["Content-Type"] = writer.FormDataContentType()
	resp := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/uploads",
		headers: headers,
		body:    buf.Bytes(),
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestInternalPublishHMAC(t *testing.T) {
	server := NewServerWithConfig(catalog.NewStore(), ServerConfig{InternalHMACSecret: "internal"})
	body := []byte(`{"room":"user:u1","event":"notification","data":{"id":"n1","kind":"system","title":"Hi"}}`)
	timestamp := time.Now().UTC().Format(time.RFC3339)

	unsigned := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/internal/publish",
		headers: map[string]string{"X-Correlation-Id": "corr_1"},
		body:    body,
	})
	if unsigned.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", unsigned.Code)
	}

	signed := map[string]string{
		"X-Correlation-Id":       "corr_2",
		"X-Marketsync-Timestamp": timestamp,
		"X-Marketsync-Signature": SignInternal("internal", timestamp, body),
	}
	resp := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/internal/publish", headers: signed, body: body})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}

	replay := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/internal/publish", headers: signed, body: body})
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay to be rejected, got %d", replay.Code)
	}

	invalid := []byte(`{"room":"user:u1","event":"notification","data":{"id":"n1"}}`)
	ts2 := time.Now().UTC().Add(time.Second).Format(time.RFC3339)
	badPayload := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/publish",
		headers: map[string]string{
			"X-Correlation-Id":       "corr_3",
			"X-Marketsync-Timestamp": ts2,
			"X-Marketsync-Signature": SignInternal("internal", ts2, invalid),
		},
		body: invalid,
	})
	if badPayload.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for schema violation, got %d", badPayload.Code)
	}
}

func TestRateLimitingByUser(t *testing.T) {
	server := NewServerWithConfig(catalog.NewStore(), ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	first := IssueToken("dev-secret", "u1", time.Hour, time.Now())
	second := IssueToken("dev-secret", "u2", time.Hour, time.Now())

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/listings", headers: authHeaders(first, "corr")})
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	limited := doRequest(t, server, request{method: http.MethodGet, path: "/v1/listings", headers: authHeaders(first, "corr")})
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", limited.Code)
	}
	if limited.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", limited.Header().Get("Retry-After"))
	}
	other := doRequest(t, server, request{method: http.MethodGet, path: "/v1/listings", headers: authHeaders(second, "corr")})
	if other.Code != http.StatusOK {
		t.Fatalf("expected other user to pass, got %d", other.Code)
	}
}

func TestNormalizeIfMatchHeader(t *testing.T) {
	cases := map[string]string{
		"":             "",
		"rev_1":        "rev_1",
		`"rev_1"`:      "rev_1",
		`W/"rev_2"`:    "rev_2",
		`  w/"rev_3" `: "rev_3",
	}
	for in, want := range cases {
		if got := normalizeIfMatchHeader(in); got != want {
			t.Fatalf("normalizeIfMatchHeader(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseBoundedInt(t *testing.T) {
	if got := parseBoundedInt("", 20, 1, 100); got != 20 {
		t.Fatalf("expected fallback, got %d", got)
	}
	if got := parseBoundedInt("0", 20, 1, 100); got != 20 {
		t.Fatalf("expected fallback below min, got %d", got)
	}
	if got := parseBoundedInt("500", 20, 1, 100); got != 100 {
		t.Fatalf("expected clamp to max, got %d", got)
	}
	if got := parseBoundedInt("7", 20, 1, 100); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func authHeaders(token, correlationID string) map[string]string {
	return map[string]string{
		"Authorization":    "Bearer " + token,
		"X-Correlation-Id": correlationID,
	}
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, headers: r.headers, body: bodyBytes})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}
