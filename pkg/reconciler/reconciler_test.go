package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nscoord/pkg/types"
)

type fakeCatalog struct {
	mu     sync.Mutex
	tables map[string]*types.TableInfo
	live   []string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{tables: make(map[string]*types.TableInfo)}
}

func (f *fakeCatalog) Recover() error { return nil }

func (f *fakeCatalog) ListTables() []*types.TableInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.TableInfo, 0, len(f.tables))
	for _, t := range f.tables {
		out = append(out, t)
	}
	return out
}

func (f *fakeCatalog) GetTable(name string) (*types.TableInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[name]
	return t, ok
}

func (f *fakeCatalog) LiveTabletEndpoints() []string { return f.live }

func (f *fakeCatalog) UpdateReplicaOffset(ctx context.Context, table string, pid uint32, endpoint string, offset uint64) *types.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok || int(pid) >= len(t.Partitions) {
		return types.TableNotFound(table)
	}
	part := &t.Partitions[pid]
	for i := range part.Replicas {
		if part.Replicas[i].Endpoint == endpoint {
			part.Replicas[i].Offset = offset
			return types.OKStatus()
		}
	}
	return types.NewStatus(types.CodeBadRequest, "replica %s not found", endpoint)
}

type fakeScheduler struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	ops      []*types.OPInfo
	recovers int
}

func (f *fakeScheduler) Start() { f.mu.Lock(); f.started = true; f.mu.Unlock() }
func (f *fakeScheduler) Stop()  { f.mu.Lock(); f.stopped = true; f.mu.Unlock() }
func (f *fakeScheduler) RecoverOPTask() error {
	f.mu.Lock()
	f.recovers++
	f.mu.Unlock()
	return nil
}
func (f *fakeScheduler) AddOPData(ctx context.Context, op *types.OPInfo) (uint64, *types.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	return uint64(len(f.ops)), types.OKStatus()
}
func (f *fakeScheduler) DeleteDoneOP(ctx context.Context, retention time.Duration) int { return 0 }

func (f *fakeScheduler) opCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ops)
}

type fakeClusterRegistry struct{}

func (fakeClusterRegistry) Recover() error                        { return nil }
func (fakeClusterRegistry) ListClusters() []*types.ClusterInfo    { return nil }
func (fakeClusterRegistry) CompareTableInfo(string, string, uint64) bool { return true }
func (fakeClusterRegistry) SetHealth(context.Context, string, bool) *types.Status {
	return types.OKStatus()
}

func tableWithOfflineReplica() *types.TableInfo {
	return &types.TableInfo{
		Name: "t1",
		Partitions: []types.Partition{
			{
				PID: 0,
				Replicas: []types.Replica{
					{Endpoint: "tablet-1", IsLeader: true, IsAlive: true},
					{Endpoint: "tablet-2", IsLeader: false, IsAlive: true},
				},
			},
		},
	}
}

func TestOnLockedRecoversAndSubmitsOfflineReplicaForDeadMembership(t *testing.T) {
	cat := newFakeCatalog()
	cat.tables["t1"] = tableWithOfflineReplica()
	cat.live = []string{"tablet-1"} // tablet-2 is declared alive in the catalog but not observed live

	sched := &fakeScheduler{}
	r := New(cat, sched, fakeClusterRegistry{}, Config{})
	r.OnLocked()

	assert.Equal(t, 1, sched.recovers)
	assert.True(t, sched.started)
	require.Equal(t, 1, sched.opCount())
	assert.Equal(t, types.OPOfflineReplica, sched.ops[0].Type)
	assert.Equal(t, "tablet-2", sched.ops[0].Tasks[0].Endpoint)

	r.OnLostLock()
	assert.True(t, sched.stopped)
}

func TestOnTabletOfflineSkipsStartupDeltas(t *testing.T) {
	cat := newFakeCatalog()
	cat.tables["t1"] = tableWithOfflineReplica()
	sched := &fakeScheduler{}
	r := New(cat, sched, fakeClusterRegistry{}, Config{})

	r.OnTabletOffline("tablet-2", true)
	assert.Equal(t, 0, sched.opCount(), "startup deltas are handled by reconcileMembershipOnStartup, not the reactive callback")

	r.OnTabletOffline("tablet-2", false)
	assert.Equal(t, 1, sched.opCount())
}

func TestOnTabletOfflineFailsOverLeaderOnlyWhenAutoFailoverSet(t *testing.T) {
	cat := newFakeCatalog()
	cat.tables["t1"] = tableWithOfflineReplica()
	sched := &fakeScheduler{}
	r := New(cat, sched, fakeClusterRegistry{}, Config{})

	r.OnTabletOffline("tablet-1", false)
	assert.Equal(t, 0, sched.opCount(), "leader offline without auto_failover should submit nothing")

	r.SetAutoFailover(true)
	r.OnTabletOffline("tablet-1", false)
	require.Equal(t, 1, sched.opCount())
	assert.Equal(t, types.OPChangeLeader, sched.ops[0].Type)
}

func TestOnTabletOnlineRecoversReplicasOnlyWhenAutoRecoverTableSet(t *testing.T) {
	cat := newFakeCatalog()
	tbl := tableWithOfflineReplica()
	tbl.Partitions[0].Replicas[1].IsAlive = false
	tbl.Partitions[0].Replicas[1].Offset = 0
	tbl.Partitions[0].Replicas[0].Offset = 500
	cat.tables["t1"] = tbl
	sched := &fakeScheduler{}
	r := New(cat, sched, fakeClusterRegistry{}, Config{})

	r.OnTabletOnline("tablet-2")
	assert.Equal(t, 0, sched.opCount(), "recovery without auto_recover_table should submit nothing")

	r.SetAutoRecoverTable(true)
	r.OnTabletOnline("tablet-2")
	require.Equal(t, 1, sched.opCount())
	assert.Equal(t, types.OPReAddReplicaWithDrop, sched.ops[0].Type, "a follower with no recorded offset takes the drop-first recovery path")
}
