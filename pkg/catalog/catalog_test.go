package catalog

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

func newTestCatalog(t *testing.T, liveTablets int) *Catalog {
	t.Helper()
	c := New(newFakeStore())
	for i := 0; i < liveTablets; i++ {
		c.SetTablet(types.Tablet{Endpoint: endpointFor(i), State: types.StateHealthy})
	}
	return c
}

func endpointFor(i int) string {
	return "tablet-" + string(rune('a'+i))
}

func TestCreateTableRejectsDuplicateName(t *testing.T) {
	c := newTestCatalog(t, 2)
	info := &types.TableInfo{Name: "t1", PartitionNum: 1, ReplicaNum: 1}

	st := c.CreateTable(context.Background(), info)
	require.True(t, st.OK())

	st = c.CreateTable(context.Background(), &types.TableInfo{Name: "t1", PartitionNum: 1, ReplicaNum: 1})
	assert.Equal(t, types.CodeNameExists, st.Code)
}

func TestCreateTableRejectsReplicaFactorAboveLiveTablets(t *testing.T) {
	c := newTestCatalog(t, 1)
	info := &types.TableInfo{Name: "t1", PartitionNum: 1, ReplicaNum: 3}

	st := c.CreateTable(context.Background(), info)
	assert.Equal(t, types.CodeBadRequest, st.Code)
}

func TestCreateTableAssignsRoundRobinPartitions(t *testing.T) {
	c := newTestCatalog(t, 3)
	info := &types.TableInfo{Name: "t1", PartitionNum: 4, ReplicaNum: 2}

	st := c.CreateTable(context.Background(), info)
	require.True(t, st.OK())

	got, ok := c.GetTable("t1")
	require.True(t, ok)
	require.Len(t, got.Partitions, 4)
	for _, p := range got.Partitions {
		assert.Len(t, p.Replicas, 2)
		leaders := 0
		for _, r := range p.Replicas {
			if r.IsLeader {
				leaders++
			}
		}
		assert.Equal(t, 1, leaders, "exactly one leader per partition (I2)")
	}
}

func TestCheckTableMetaRejectsDuplicateColumns(t *testing.T) {
	c := newTestCatalog(t, 1)
	info := &types.TableInfo{
		Name:         "t1",
		PartitionNum: 1,
		ReplicaNum:   1,
		Columns: []types.Column{
			{Name: "a"},
			{Name: "a"},
		},
	}
	st := c.CheckTableMeta(info)
	assert.Equal(t, types.CodeBadRequest, st.Code)
}

func TestCheckTableMetaRejectsMultipleTimestampColumnsUnderAbsoluteTTL(t *testing.T) {
	c := newTestCatalog(t, 1)
	info := &types.TableInfo{
		Name:         "t1",
		PartitionNum: 1,
		ReplicaNum:   1,
		Columns: []types.Column{
			{Name: "ts1", IsTS: true, TTL: types.TTLConfig{Type: types.TTLAbsolute, TTL: 60}},
			{Name: "ts2", IsTS: true},
		},
	}
	st := c.CheckTableMeta(info)
	assert.Equal(t, types.CodeBadRequest, st.Code)
}

func TestCheckTableMetaRejectsIndexOnUnknownColumn(t *testing.T) {
	c := newTestCatalog(t, 1)
	info := &types.TableInfo{
		Name:         "t1",
		PartitionNum: 1,
		ReplicaNum:   1,
		Columns:      []types.Column{{Name: "a"}},
		Indexes:      []types.IndexDescriptor{{Name: "idx1", ColumnKeys: []string{"missing"}}},
	}
	st := c.CheckTableMeta(info)
	assert.Equal(t, types.CodeBadRequest, st.Code)
}

func TestUpdateTableInfoDetectsConcurrentConflict(t *testing.T) {
	c := newTestCatalog(t, 1)
	require.True(t, c.CreateTable(context.Background(), &types.TableInfo{Name: "t1", PartitionNum: 1, ReplicaNum: 1}).OK())

	// Simulate a concurrent writer bumping the version between read and
	// write by mutating the version map directly mid-mutator.
	st := c.UpdateTableInfo(context.Background(), "t1", func(info *types.TableInfo) error {
		c.mu.Lock()
		c.version["t1"]++
		c.mu.Unlock()
		return nil
	})
	assert.Equal(t, types.CodeConflict, st.Code)
}

func TestUpdatePartitionStatusEnforcesSingleLeader(t *testing.T) {
	c := newTestCatalog(t, 2)
	require.True(t, c.CreateTable(context.Background(), &types.TableInfo{Name: "t1", PartitionNum: 1, ReplicaNum: 2}).OK())

	info, _ := c.GetTable("t1")
	other := info.Partitions[0].Replicas[1].Endpoint

	st := c.UpdatePartitionStatus(context.Background(), "t1", 0, other, true, true)
	require.True(t, st.OK())

	info, _ = c.GetTable("t1")
	leaders := 0
	for _, r := range info.Partitions[0].Replicas {
		if r.IsLeader {
			leaders++
			assert.Equal(t, other, r.Endpoint)
		}
	}
	assert.Equal(t, 1, leaders)
}

func TestAddAndDeleteIndex(t *testing.T) {
	c := newTestCatalog(t, 1)
	require.True(t, c.CreateTable(context.Background(), &types.TableInfo{
		Name: "t1", PartitionNum: 1, ReplicaNum: 1,
		Columns: []types.Column{{Name: "a"}},
	}).OK())

	st := c.AddIndex(context.Background(), "t1", types.IndexDescriptor{Name: "idx1", ColumnKeys: []string{"a"}})
	require.True(t, st.OK())

	info, _ := c.GetTable("t1")
	require.Len(t, info.Indexes, 1)

	st = c.DeleteIndex(context.Background(), "t1", "idx1")
	require.True(t, st.OK())

	info, _ = c.GetTable("t1")
	assert.Len(t, info.Indexes, 0)
}

func TestDeleteTableRemovesFromCatalog(t *testing.T) {
	c := newTestCatalog(t, 1)
	require.True(t, c.CreateTable(context.Background(), &types.TableInfo{Name: "t1", PartitionNum: 1, ReplicaNum: 1}).OK())

	st := c.DeleteTable(context.Background(), "t1")
	require.True(t, st.OK())

	_, ok := c.GetTable("t1")
	assert.False(t, ok)

	st = c.DeleteTable(context.Background(), "t1")
	assert.Equal(t, types.CodeTableNotFound, st.Code)
}

func TestRecoverRebuildsFromStore(t *testing.T) {
	store := newFakeStore()
	c := New(store)
	c.SetTablet(types.Tablet{Endpoint: "tablet-a", State: types.StateHealthy})
	require.True(t, c.CreateTable(context.Background(), &types.TableInfo{Name: "t1", PartitionNum: 1, ReplicaNum: 1}).OK())

	fresh := New(store)
	require.NoError(t, fresh.Recover())

	got, ok := fresh.GetTable("t1")
	require.True(t, ok)
	assert.Equal(t, "t1", got.Name)
}
