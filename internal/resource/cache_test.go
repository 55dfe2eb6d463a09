package resource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/marketsync/internal/notify"
	"github.com/agentworkforce/marketsync/internal/transport"
)

type profile struct {
	ID       string
	Name     string
	Revision int
}

// fakeService answers from a map and can hold individual ids until released.
type fakeService struct {
	mu      sync.Mutex
	records map[string]profile
	gates   map[string]chan struct{}
	failGet error
	failPut error
	failDel error
}

func newFakeService() *fakeService {
	return &fakeService{records: map[string]profile{}, gates: map[string]chan struct{}{}}
}

func (s *fakeService) hold(id string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.gates[id] = gate
	return gate
}

func (s *fakeService) wait(id string) {
	s.mu.Lock()
	gate := s.gates[id]
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (s *fakeService) Get(ctx context.Context, id string) (profile, error) {
	s.wait(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return profile{}, s.failGet
	}
	return s.records[id], nil
}

func (s *fakeService) Create(ctx context.Context, data profile) (profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data.ID = "pr_new"
	data.Revision = 1
	s.records[data.ID] = data
	return data, nil
}

func (s *fakeService) Update(ctx context.Context, id string, data profile) (profile, error) {
	s.wait("update:" + id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return profile{}, s.failPut
	}
	data.ID = id
	data.Revision = s.records[id].Revision + 1
	s.records[id] = data
	return data, nil
}

func (s *fakeService) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDel != nil {
		return s.failDel
	}
	delete(s.records, id)
	return nil
}

func TestGetSupersedeStoresOnlyLatest(t *testing.T) {
	svc := newFakeService()
	svc.records["id1"] = profile{ID: "id1", Name: "first"}
	svc.records["id2"] = profile{ID: "id2", Name: "second"}
	gate := svc.hold("id1")
	cache := New[profile](svc)

	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(context.Background(), "id1")
		done <- err
	}()
	require.Eventually(t, func() bool { return cache.State().Loading }, time.Second, time.Millisecond)

	got, err := cache.Get(context.Background(), "id2")
	require.NoError(t, err)
	assert.Equal(t, "id2", got.ID)

	// id1's response arrives after id2 was stored.
	close(gate)
	assert.True(t, transport.IsAborted(<-done))

	state := cache.State()
	require.NotNil(t, state.Item)
	assert.Equal(t, "id2", state.Item.ID)
	assert.False(t, state.Loading)
}

func TestCreateStoresServerPayload(t *testing.T) {
	svc := newFakeService()
	rec := &notify.Recorder{}
	cache := New[profile](svc, WithNotifier[profile](rec), WithMessages[profile]("Profile created", "", ""))

	out, err := cache.Create(context.Background(), profile{Name: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "pr_new", out.ID)

	item, ok := cache.Item()
	require.True(t, ok)
	assert.Equal(t, profile{ID: "pr_new", Name: "Ada", Revision: 1}, item)
	require.Len(t, rec.Notices(), 1)
	assert.Equal(t, "Profile created", rec.Notices()[0].Message)
}

func TestTransformAppliesToServerPayload(t *testing.T) {
	svc := newFakeService()
	svc.records["p1"] = profile{ID: "p1", Name: "lower"}
	cache := New[profile](svc, WithTransform(func(p profile) profile {
		p.Name = "[" + p.Name + "]"
		return p
	}))
	_, err := cache.Get(context.Background(), "p1")
	require.NoError(t, err)
	item, _ := cache.Item()
	assert.Equal(t, "[lower]", item.Name)
}

func TestFailuresLeaveItemUntouched(t *testing.T) {
	svc := newFakeService()
	svc.records["p1"] = profile{ID: "p1", Name: "kept", Revision: 3}
	cache := New[profile](svc)
	_, err := cache.Get(context.Background(), "p1")
	require.NoError(t, err)

	conflict := &transport.HTTPError{StatusCode: 409, Code: "revision_conflict", Message: "stale"}
	svc.failPut = conflict
	_, err = cache.Update(context.Background(), "p1", profile{Name: "changed"})
	require.ErrorIs(t, err, transport.ErrConflict)

	svc.failDel = &transport.NetworkError{Op: "DELETE", Err: context.DeadlineExceeded}
	require.Error(t, cache.Remove(context.Background(), "p1"))

	state := cache.State()
	require.NotNil(t, state.Item)
	assert.Equal(t, "kept", state.Item.Name)
	assert.Equal(t, transport.KindNetwork, transport.Classify(state.Err))
}

func TestRemoveClearsItem(t *testing.T) {
	svc := newFakeService()
	svc.records["p1"] = profile{ID: "p1"}
	cache := New[profile](svc)
	_, err := cache.Get(context.Background(), "p1")
	require.NoError(t, err)

	require.NoError(t, cache.Remove(context.Background(), "p1"))
	state := cache.State()
	assert.Nil(t, state.Item)
	assert.NoError(t, state.Err)
}

func TestIndicatorsAreIndependent(t *testing.T) {
	svc := newFakeService()
	svc.records["p1"] = profile{ID: "p1", Name: "a"}
	gate := svc.hold("update:p1")
	cache := New[profile](svc)

	done := make(chan error, 1)
	go func() {
		_, err := cache.Update(context.Background(), "p1", profile{Name: "b"})
		done <- err
	}()
	require.Eventually(t, func() bool { return cache.State().Saving }, time.Second, time.Millisecond)

	// A get runs while the save is pending and does not disturb it.
	_, err := cache.Get(context.Background(), "p1")
	require.NoError(t, err)
	state := cache.State()
	assert.True(t, state.Saving)
	assert.False(t, state.Loading)
	assert.False(t, state.Deleting)

	close(gate)
	require.NoError(t, <-done)
	state = cache.State()
	assert.False(t, state.Saving)
	assert.Equal(t, "b", state.Item.Name)
	assert.Equal(t, 1, state.Item.Revision)
}

func TestUpdateDiscardsSlowerGet(t *testing.T) {
	svc := newFakeService()
	svc.records["p1"] = profile{ID: "p1", Name: "old"}
	gate := svc.hold("p1")
	cache := New[profile](svc)

	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(context.Background(), "p1")
		done <- err
	}()
	require.Eventually(t, func() bool { return cache.State().Loading }, time.Second, time.Millisecond)

	_, err := cache.Update(context.Background(), "p1", profile{Name: "new"})
	require.NoError(t, err)
	assert.False(t, cache.State().Loading)

	close(gate)
	assert.True(t, transport.IsAborted(<-done))
	item, ok := cache.Item()
	require.True(t, ok)
	assert.Equal(t, "new", item.Name)
	assert.Equal(t, 1, item.Revision)
}

func TestSetSeedsCache(t *testing.T) {
	cache := New[profile](newFakeService())
	_, ok := cache.Item()
	assert.False(t, ok)
	cache.Set(profile{ID: "seed"})
	item, ok := cache.Item()
	require.True(t, ok)
	assert.Equal(t, "seed", item.ID)
	require.NoError(t, cache.Close())
}
