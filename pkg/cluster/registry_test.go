package cluster

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nscoord/pkg/types"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte)}
}

func (s *fakeStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *fakeStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *fakeStore) List(prefix string) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out
}

func TestAddReplicaClusterRejectsDuplicateAlias(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeStore())
	require.True(t, r.AddReplicaCluster(ctx, "dc2", []string{"ns1:8000"}, "us-west").OK())
	st := r.AddReplicaCluster(ctx, "dc2", []string{"ns1:8000"}, "us-west")
	assert.Equal(t, types.CodeNameExists, st.Code)
}

func TestRecoverRebuildsFromStore(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := New(store)
	require.True(t, r.AddReplicaCluster(ctx, "dc2", []string{"ns1:8000"}, "us-west").OK())

	r2 := New(store)
	require.NoError(t, r2.Recover())
	c, ok := r2.GetCluster("dc2")
	require.True(t, ok)
	assert.Equal(t, []string{"ns1:8000"}, c.Addresses)
}

func TestSwitchModeBumpsTerm(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeStore())
	require.True(t, r.AddReplicaCluster(ctx, "dc2", nil, "us-west").OK())

	st := r.SwitchMode(ctx, "dc2", types.ModeLeaderCluster)
	require.True(t, st.OK())
	c, _ := r.GetCluster("dc2")
	assert.Equal(t, types.ModeLeaderCluster, c.Mode)
	assert.Equal(t, uint64(2), c.Term)
}

func TestCompareTableInfoDetectsStaleness(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeStore())
	require.True(t, r.AddReplicaCluster(ctx, "dc2", nil, "us-west").OK())

	assert.False(t, r.CompareTableInfo("dc2", "t1", 3), "no recorded version yet should read as stale")

	require.True(t, r.RecordTableVersion(ctx, "dc2", "t1", 3).OK())
	assert.True(t, r.CompareTableInfo("dc2", "t1", 3))
	assert.False(t, r.CompareTableInfo("dc2", "t1", 4))
}

func TestRemoveReplicaClusterDeletesRegistration(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeStore())
	require.True(t, r.AddReplicaCluster(ctx, "dc2", nil, "us-west").OK())
	require.True(t, r.RemoveReplicaCluster(ctx, "dc2").OK())

	_, ok := r.GetCluster("dc2")
	assert.False(t, ok)
	st := r.RemoveReplicaCluster(ctx, "dc2")
	assert.Equal(t, types.CodeBadRequest, st.Code)
}
