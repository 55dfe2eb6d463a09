package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/marketsync/internal/catalog"
	"github.com/agentworkforce/marketsync/internal/devserver"
	"github.com/agentworkforce/marketsync/internal/realtime"
	"github.com/agentworkforce/marketsync/internal/transport"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type cliEnv struct {
	server  *devserver.Server
	baseURL string
	token   string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	server := devserver.NewServer(catalog.NewStore())
	srv := httptest.NewServer(server)
	t.Cleanup(func() {
		_ = server.Close()
		srv.Close()
	})
	return &cliEnv{
		server:  server,
		baseURL: srv.URL,
		token:   devserver.IssueToken("dev-secret", "u1", time.Hour, time.Now()),
	}
}

func (e *cliEnv) run(ctx context.Context, stdout, stderr *lockedBuffer, args ...string) error {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(append([]string{"--base-url", e.baseURL, "--token", e.token, "--user", "u1"}, args...))
	return cmd.ExecuteContext(ctx)
}

func (e *cliEnv) exec(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	stdout, stderr := &lockedBuffer{}, &lockedBuffer{}
	err := e.run(context.Background(), stdout, stderr, args...)
	return stdout.String(), stderr.String(), err
}

func (e *cliEnv) seed(t *testing.T, kind string, names ...string) []catalog.Record {
	t.Helper()
	out := make([]catalog.Record, 0, len(names))
	for _, name := range names {
		rec, err := e.server.Store().Create(kind, catalog.Record{Name: name, Status: "open"})
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestListFollowsAllPages(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, "listings", "Loft", "Cabin", "Villa")

	stdout, _, err := env.exec(t, "list", "listings", "--page-size", "2", "--all")
	require.NoError(t, err)
	for _, name := range []string{"Loft", "Cabin", "Villa"} {
		assert.Contains(t, stdout, name)
	}
	assert.Contains(t, stdout, "3 of 3 shown\n")
}

func TestListSinglePageReportsMore(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, "listings", "Loft", "Cabin", "Villa")

	stdout, _, err := env.exec(t, "list", "listings", "--page-size", "2")
	require.NoError(t, err)
	assert.Contains(t, stdout, "2 of 3 shown, more available")
	assert.NotContains(t, stdout, "Villa")
}

func TestListRequiresValidConfig(t *testing.T) {
	newCLIEnv(t)
	stdout, stderr := &lockedBuffer{}, &lockedBuffer{}
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs([]string{"--base-url", "ftp://example", "list", "listings"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}

func TestGetPrintsJSON(t *testing.T) {
	env := newCLIEnv(t)
	recs := env.seed(t, "bookings", "Harbour tour")

	stdout, _, err := env.exec(t, "get", "bookings", recs[0].ID, "--json")
	require.NoError(t, err)
	var got record
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, recs[0].ID, got.ID)
	assert.Equal(t, "Harbour tour", got.Name)
}

func TestGetMissingReportsNotFound(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.exec(t, "get", "bookings", "nope")
	var httpErr *transport.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 404, httpErr.StatusCode)
}

func TestUpdateAppliesChanges(t *testing.T) {
	env := newCLIEnv(t)
	recs := env.seed(t, "bookings", "Harbour tour")

	stdout, _, err := env.exec(t, "update", "bookings", recs[0].ID, "--status", "confirmed", "--attr", "guests=4")
	require.NoError(t, err)
	assert.Contains(t, stdout, "confirmed")

	stored, err := env.server.Store().Get("bookings", recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "confirmed", stored.Status)
	assert.Equal(t, "4", stored.Attributes["guests"])
	assert.NotEqual(t, recs[0].Revision, stored.Revision)
}

func TestUpdateRejectsMalformedAttribute(t *testing.T) {
	env := newCLIEnv(t)
	recs := env.seed(t, "bookings", "Harbour tour")
	_, _, err := env.exec(t, "update", "bookings", recs[0].ID, "--attr", "guests")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key=value")
}

func TestUploadPrintsStoredFile(t *testing.T) {
	env := newCLIEnv(t)
	path := filepath.Join(t.TempDir(), "floorplan.png")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("p"), 2048), 0o600))

	stdout, stderr, err := env.exec(t, "upload", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "floorplan.png")
	assert.Contains(t, stdout, "image/png")
	assert.Contains(t, stderr, "100%")
	assert.Contains(t, stderr, "Upload complete")

	result, err := env.server.Store().List("uploads", catalog.ListFilter{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
}

func TestListenExitsAfterCount(t *testing.T) {
	env := newCLIEnv(t)
	stdout, stderr := &lockedBuffer{}, &lockedBuffer{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- env.run(ctx, stdout, stderr, "listen", "--count", "1", "--room", "listing:l1") }()

	require.Eventually(t, func() bool {
		return len(env.server.Hub().Members("listing:l1")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	data, _ := json.Marshal(realtime.Notification{ID: "n1", Kind: "system", Title: "Price drop"})
	_, err := env.server.Hub().Publish("listing:l1", realtime.TagNotification, data)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not exit")
	}
	assert.Contains(t, stdout.String(), "notification")
	assert.Contains(t, stdout.String(), "[listing:l1]")
	assert.Contains(t, stdout.String(), "Price drop")
}

func TestListenRejectsUnknownEvent(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.exec(t, "listen", "--event", "price_drop")
	require.ErrorIs(t, err, realtime.ErrUnknownTag)
}

func TestListenFailsWithoutUser(t *testing.T) {
	env := newCLIEnv(t)
	stdout, stderr := &lockedBuffer{}, &lockedBuffer{}
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs([]string{"--base-url", env.baseURL, "--token", env.token, "listen"})
	require.ErrorIs(t, cmd.Execute(), realtime.ErrUnauthenticated)
}

func TestClampJitterRatio(t *testing.T) {
	assert.Equal(t, 0.0, clampJitterRatio(-0.1))
	assert.Equal(t, 1.0, clampJitterRatio(1.5))
	assert.Equal(t, 0.4, clampJitterRatio(0.4))
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.2))
	assert.Equal(t, 8*time.Second, jitteredIntervalWithSample(base, 0.2, 0))
	assert.Equal(t, 10*time.Second, jitteredIntervalWithSample(base, 0.2, 0.5))
	assert.Equal(t, 12*time.Second, jitteredIntervalWithSample(base, 0.2, 1))
	assert.Equal(t, time.Second, jitteredIntervalWithSample(0, 0.2, 0.5))
}

func TestParseAttrs(t *testing.T) {
	attrs, err := parseAttrs([]string{"beds=2", "view=sea=side"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"beds": "2", "view": "sea=side"}, attrs)

	_, err = parseAttrs([]string{"=x"})
	assert.Error(t, err)
}
