package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nscoord/pkg/catalog"
	"github.com/cuemby/nscoord/pkg/types"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

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

type fakeLeader struct {
	leader bool
	addr   string
}

func (f fakeLeader) IsLeader() bool    { return f.leader }
func (f fakeLeader) LeaderAddr() string { return f.addr }

type fakeSched struct {
	mu    sync.Mutex
	ops   []*types.OPInfo
	byID  map[uint64]*types.OPInfo
	next  uint64
}

func newFakeSched() *fakeSched { return &fakeSched{byID: make(map[uint64]*types.OPInfo)} }

func (f *fakeSched) AddOPData(ctx context.Context, op *types.OPInfo) (uint64, *types.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	op.OPID = f.next
	f.ops = append(f.ops, op)
	f.byID[op.OPID] = op
	return op.OPID, types.OKStatus()
}
func (f *fakeSched) ShowOPStatus(opID uint64) (*types.OPInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.byID[opID]
	return op, ok
}
func (f *fakeSched) CancelOP(opID uint64) *types.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[opID]; !ok {
		return types.NewStatus(types.CodeBadRequest, "op %d not found", opID)
	}
	return types.OKStatus()
}

func (f *fakeSched) DeleteOPTask(ctx context.Context, opID uint64) *types.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, opID)
	return types.OKStatus()
}

type fakeCluster struct {
	clusters map[string]*types.ClusterInfo
}

func newFakeCluster() *fakeCluster { return &fakeCluster{clusters: make(map[string]*types.ClusterInfo)} }

func (f *fakeCluster) AddReplicaCluster(ctx context.Context, alias string, addresses []string, zone string) *types.Status {
	if _, ok := f.clusters[alias]; ok {
		return types.NameExists(alias)
	}
	f.clusters[alias] = &types.ClusterInfo{Alias: alias, Addresses: addresses, Zone: zone}
	return types.OKStatus()
}
func (f *fakeCluster) RemoveReplicaCluster(ctx context.Context, alias string) *types.Status {
	delete(f.clusters, alias)
	return types.OKStatus()
}
func (f *fakeCluster) ListClusters() []*types.ClusterInfo {
	out := make([]*types.ClusterInfo, 0, len(f.clusters))
	for _, c := range f.clusters {
		out = append(out, c)
	}
	return out
}
func (f *fakeCluster) SwitchMode(ctx context.Context, alias string, mode types.ClusterMode) *types.Status {
	c, ok := f.clusters[alias]
	if !ok {
		return types.NewStatus(types.CodeBadRequest, "unknown cluster %s", alias)
	}
	c.Mode = mode
	return types.OKStatus()
}

type fakeConf struct {
	autoFailover, autoRecoverTable bool
}

func (f *fakeConf) AutoFailover() bool          { return f.autoFailover }
func (f *fakeConf) SetAutoFailover(on bool)     { f.autoFailover = on }
func (f *fakeConf) AutoRecoverTable() bool      { return f.autoRecoverTable }
func (f *fakeConf) SetAutoRecoverTable(on bool) { f.autoRecoverTable = on }

func newTestServer(t *testing.T, leader bool) (*Server, *catalog.Catalog, *fakeSched) {
	t.Helper()
	cat := catalog.New(newFakeStore())
	cat.SetTablet(types.Tablet{Endpoint: "tablet-1", State: types.StateHealthy, FirstSeen: time.Time{}})
	cat.SetTablet(types.Tablet{Endpoint: "tablet-2", State: types.StateHealthy, FirstSeen: time.Time{}})
	sched := newFakeSched()
	cl := newFakeCluster()
	srv := NewServer(fakeLeader{leader: leader, addr: "ns-1:9090"}, cat, sched, cl).WithConfStore(&fakeConf{})
	return srv, cat, sched
}

func testTable() *types.TableInfo {
	return &types.TableInfo{
		Name:         "t1",
		PartitionNum: 1,
		ReplicaNum:   2,
		Columns:      []types.Column{{Name: "id", DataType: "string"}},
	}
}

func TestCreateTableSubmitsOnePerPartitionAndPersists(t *testing.T) {
	srv, cat, sched := newTestServer(t, true)
	resp, err := srv.createTable(context.Background(), testTable())
	require.NoError(t, err)
	assert.Len(t, resp.(*opIDsResp).OPIDs, 1)
	assert.Equal(t, 1, len(sched.ops))
	_, ok := cat.GetTable("t1")
	assert.True(t, ok)
}

func TestCreateTableRejectsOnNonLeader(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	_, err := srv.createTable(context.Background(), testTable())
	require.Error(t, err)
	st, ok := err.(*types.Status)
	require.True(t, ok)
	assert.Equal(t, types.CodeNotLeader, st.Code)
}

func TestDropTableTearsDownThenDeletes(t *testing.T) {
	srv, cat, _ := newTestServer(t, true)
	_, err := srv.createTable(context.Background(), testTable())
	require.NoError(t, err)

	_, err = srv.dropTable(context.Background(), &tableNameReq{Table: "t1"})
	require.NoError(t, err)
	_, ok := cat.GetTable("t1")
	assert.False(t, ok)
}

func TestShowTableReturnsNotFoundForUnknownTable(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	_, err := srv.showTable(context.Background(), &tableNameReq{Table: "missing"})
	require.Error(t, err)
}

func TestChangeLeaderSubmitsThreeTaskOP(t *testing.T) {
	srv, _, sched := newTestServer(t, true)
	resp, err := srv.changeLeader(context.Background(), &partitionReq{Table: "t1", PID: 0})
	require.NoError(t, err)
	ids := resp.(*opIDsResp).OPIDs
	require.Len(t, ids, 1)
	op, ok := sched.ShowOPStatus(ids[0])
	require.True(t, ok)
	assert.Equal(t, types.OPChangeLeader, op.Type)
	assert.Len(t, op.Tasks, 3)
}

func TestConfSetAndGetRoundTripAutoFailover(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	_, err := srv.confSet(context.Background(), &confReq{Key: "auto_failover", Value: "true"})
	require.NoError(t, err)
	resp, err := srv.confGet(context.Background(), &confReq{Key: "auto_failover"})
	require.NoError(t, err)
	assert.Equal(t, "true", resp.(*confResp).Value)
}

func TestConfSetRejectsUnknownKey(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	_, err := srv.confSet(context.Background(), &confReq{Key: "bogus", Value: "true"})
	assert.Error(t, err)
}

func TestAddReplicaClusterRejectsDuplicateAlias(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	_, err := srv.addReplicaCluster(context.Background(), &addClusterReq{Alias: "dc2", Addresses: []string{"ns:9090"}})
	require.NoError(t, err)
	_, err = srv.addReplicaCluster(context.Background(), &addClusterReq{Alias: "dc2", Addresses: []string{"ns:9090"}})
	assert.Error(t, err)
}

func TestServiceDescRegistersEveryMethod(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	desc := srv.serviceDesc()
	assert.Equal(t, ServiceName, desc.ServiceName)
	assert.Len(t, desc.Methods, 31)
}
