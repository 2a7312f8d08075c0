package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nscoord/pkg/catalog"
	"github.com/cuemby/nscoord/pkg/ops"
	"github.com/cuemby/nscoord/pkg/tablet"
	"github.com/cuemby/nscoord/pkg/types"
)

// fakeStore is a minimal in-memory stand-in for the coordination client,
// mirroring pkg/catalog's own test fake plus the Incr primitive the
// scheduler needs for OP id allocation.
type fakeStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	counter uint64
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

func (s *fakeStore) Incr(_ context.Context, _ string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.counter, nil
}

// fakeTablet is a hand-written tablet.Client fake; MakeSnapshot counts
// calls and can inject a failure, everything else just satisfies the
// interface. The OPs these tests run are catalog-only, so no tablet
// method is called.
type fakeTablet struct {
	mu        sync.Mutex
	snapshots int
	failNext  bool
}

func (f *fakeTablet) MakeSnapshot(_ context.Context, _ string, _ uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("injected failure")
	}
	f.snapshots++
	return nil
}

func (f *fakeTablet) LoadTable(context.Context, *tablet.LoadTableRequest) error { return nil }
func (f *fakeTablet) DropTable(context.Context, string, uint32) error          { return nil }
func (f *fakeTablet) PauseSnapshot(context.Context, string, uint32) error      { return nil }
func (f *fakeTablet) RecoverSnapshot(context.Context, string, uint32) error    { return nil }
func (f *fakeTablet) SendSnapshot(context.Context, string, uint32, string) error {
	return nil
}
func (f *fakeTablet) AddReplica(context.Context, string, uint32, string) error { return nil }
func (f *fakeTablet) DelReplica(context.Context, string, uint32, string) error { return nil }
func (f *fakeTablet) ChangeRole(context.Context, string, uint32, bool, uint64) error {
	return nil
}
func (f *fakeTablet) GetTableStatus(context.Context, string, uint32) (*tablet.TableStatus, error) {
	return &tablet.TableStatus{}, nil
}
func (f *fakeTablet) UpdateTTL(context.Context, string, uint32, string, int64) error {
	return nil
}
func (f *fakeTablet) DumpIndexData(context.Context, string, uint32, string) error   { return nil }
func (f *fakeTablet) SendIndexData(context.Context, string, uint32, string) error   { return nil }
func (f *fakeTablet) LoadIndexData(context.Context, string, uint32, string) error   { return nil }
func (f *fakeTablet) ExtractIndexData(context.Context, string, uint32, string) error {
	return nil
}
func (f *fakeTablet) AddIndex(context.Context, string, uint32, string, []string) error {
	return nil
}
func (f *fakeTablet) CheckBinlogSyncProgress(context.Context, string, uint32, string) (int64, error) {
	return 0, nil
}
func (f *fakeTablet) Close() error { return nil }

func newTestScheduler(t *testing.T, concurrency int) (*Scheduler, *catalog.Catalog, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	cat := catalog.New(store)
	cat.SetTablet(types.Tablet{Endpoint: "tablet-a", State: types.StateHealthy})
	cat.SetTablet(types.Tablet{Endpoint: "tablet-b", State: types.StateHealthy})

	st := cat.CreateTable(context.Background(), &types.TableInfo{
		Name:         "t1",
		PartitionNum: 2,
		ReplicaNum:   1,
	})
	require.True(t, st.OK())

	dial := func(endpoint string) (tablet.Client, error) {
		return &fakeTablet{}, nil
	}
	s := New(store, cat, dial, concurrency)
	return s, cat, store
}

func waitForRetired(t *testing.T, s *Scheduler, opID uint64, timeout time.Duration) *types.OPInfo {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if op, ok := s.ShowOPStatus(opID); ok && op.State.IsTerminal() {
			return op
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("op %d never reached a terminal state", opID)
	return nil
}

func TestAddOPDataAssignsIDAndPersists(t *testing.T) {
	s, _, store := newTestScheduler(t, 4)

	op, err := ops.NewOPInfo(types.OPUpdatePartitionStatus, "t1", 0, ops.BuildArgs{Endpoint: "tablet-a"})
	require.NoError(t, err)

	opID, st := s.AddOPData(context.Background(), op)
	require.True(t, st.OK())
	assert.Equal(t, uint64(1), opID)

	got, ok := s.ShowOPStatus(opID)
	require.True(t, ok)
	assert.Equal(t, types.OPInited, got.State)

	_, persisted := store.Get(fmt.Sprintf("%s%d", opDataPrefix, opID))
	assert.True(t, persisted)

	// A second OP on the same partition allocates the next id.
	op2, err := ops.NewOPInfo(types.OPUpdatePartitionStatus, "t1", 0, ops.BuildArgs{Endpoint: "tablet-a"})
	require.NoError(t, err)
	opID2, st2 := s.AddOPData(context.Background(), op2)
	require.True(t, st2.OK())
	assert.Equal(t, uint64(2), opID2)
}

func TestAddOPDataRejectsMalformedTaskTree(t *testing.T) {
	s, _, _ := newTestScheduler(t, 4)
	op := &types.OPInfo{
		Type:      types.OPUpdatePartitionStatus,
		TableName: "t1",
		PID:       0,
		Tasks: []types.Task{
			{TaskID: 0, Type: types.TaskUpdatePartitionStatus, ParentIdx: 5}, // out of range
		},
	}
	_, st := s.AddOPData(context.Background(), op)
	assert.False(t, st.OK())
	assert.Equal(t, types.CodeBadRequest, st.Code)
}

func TestSchedulerRunsOPToCompletion(t *testing.T) {
	s, cat, _ := newTestScheduler(t, 2)

	op, err := ops.NewOPInfo(types.OPUpdatePartitionStatus, "t1", 0, ops.BuildArgs{Endpoint: "tablet-a"})
	require.NoError(t, err)
	opID, st := s.AddOPData(context.Background(), op)
	require.True(t, st.OK())

	s.Start()
	defer s.Stop()

	done := waitForRetired(t, s, opID, 2*time.Second)
	assert.Equal(t, types.OPDone, done.State)
	for _, task := range done.Tasks {
		assert.Equal(t, types.TaskDone, task.Status)
	}

	table, ok := cat.GetTable("t1")
	require.True(t, ok)
	assert.True(t, table.Partitions[0].Replicas[0].IsAlive)
}

func TestSchedulerPartitionSerialization(t *testing.T) {
	s, _, _ := newTestScheduler(t, 4)

	// Two OPs on the same partition land on the same shard; both must
	// still run to completion in submission order without racing.
	op1, err := ops.NewOPInfo(types.OPUpdatePartitionStatus, "t1", 0, ops.BuildArgs{Endpoint: "tablet-a"})
	require.NoError(t, err)
	id1, st := s.AddOPData(context.Background(), op1)
	require.True(t, st.OK())

	op2, err := ops.NewOPInfo(types.OPUpdatePartitionStatus, "t1", 0, ops.BuildArgs{Endpoint: "tablet-a"})
	require.NoError(t, err)
	id2, st := s.AddOPData(context.Background(), op2)
	require.True(t, st.OK())

	s.Start()
	defer s.Stop()

	d1 := waitForRetired(t, s, id1, 2*time.Second)
	d2 := waitForRetired(t, s, id2, 2*time.Second)
	assert.Equal(t, types.OPDone, d1.State)
	assert.Equal(t, types.OPDone, d2.State)
}

func TestCancelOPMarksCanceledWithoutRunning(t *testing.T) {
	s, _, _ := newTestScheduler(t, 4)

	op, err := ops.NewOPInfo(types.OPUpdatePartitionStatus, "t1", 1, ops.BuildArgs{Endpoint: "tablet-a"})
	require.NoError(t, err)
	opID, st := s.AddOPData(context.Background(), op)
	require.True(t, st.OK())

	cancelSt := s.CancelOP(opID)
	assert.True(t, cancelSt.OK())

	got, ok := s.ShowOPStatus(opID)
	require.True(t, ok)
	assert.Equal(t, types.OPCanceled, got.State)
}

func TestCancelOPUnknownIDFails(t *testing.T) {
	s, _, _ := newTestScheduler(t, 4)
	st := s.CancelOP(999)
	assert.False(t, st.OK())
	assert.Equal(t, types.CodeBadRequest, st.Code)
}

func TestShowOPStatusUnknownIDReturnsFalse(t *testing.T) {
	s, _, _ := newTestScheduler(t, 4)
	_, ok := s.ShowOPStatus(12345)
	assert.False(t, ok)
}

func TestDeleteDoneOPTrimsOutsideRetention(t *testing.T) {
	s, _, store := newTestScheduler(t, 2)

	op, err := ops.NewOPInfo(types.OPUpdatePartitionStatus, "t1", 0, ops.BuildArgs{Endpoint: "tablet-a"})
	require.NoError(t, err)
	opID, st := s.AddOPData(context.Background(), op)
	require.True(t, st.OK())

	s.Start()
	waitForRetired(t, s, opID, 2*time.Second)
	s.Stop()

	// Not yet old enough to be collected.
	removed := s.DeleteDoneOP(context.Background(), time.Hour)
	assert.Equal(t, 0, removed)
	_, ok := s.ShowOPStatus(opID)
	assert.True(t, ok)

	// Force it outside the retention window.
	s.mu.Lock()
	s.doneOps[opID].CreatedAt = time.Now().Add(-2 * time.Hour)
	s.mu.Unlock()

	removed = s.DeleteDoneOP(context.Background(), time.Hour)
	assert.Equal(t, 1, removed)
	_, ok = s.ShowOPStatus(opID)
	assert.False(t, ok)
	_, persisted := store.Get(fmt.Sprintf("%s%d", opDataPrefix, opID))
	assert.False(t, persisted)
}

func TestDeleteOPTaskIsIdempotent(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2)

	op, err := ops.NewOPInfo(types.OPUpdatePartitionStatus, "t1", 0, ops.BuildArgs{Endpoint: "tablet-a"})
	require.NoError(t, err)
	opID, st := s.AddOPData(context.Background(), op)
	require.True(t, st.OK())

	s.Start()
	waitForRetired(t, s, opID, 2*time.Second)
	s.Stop()

	// An active (not-yet-retired) OP is a no-op.
	activeOp, err := ops.NewOPInfo(types.OPUpdatePartitionStatus, "t1", 1, ops.BuildArgs{Endpoint: "tablet-a"})
	require.NoError(t, err)
	activeID, st := s.AddOPData(context.Background(), activeOp)
	require.True(t, st.OK())
	assert.True(t, s.DeleteOPTask(context.Background(), activeID).OK())
	_, ok := s.ShowOPStatus(activeID)
	assert.True(t, ok)

	// The retired OP is removed on first call, and the second call is a
	// harmless no-op.
	assert.True(t, s.DeleteOPTask(context.Background(), opID).OK())
	_, ok = s.ShowOPStatus(opID)
	assert.False(t, ok)
	assert.True(t, s.DeleteOPTask(context.Background(), opID).OK())
}

func TestRecoverOPTaskRehydratesAndResumesNonTerminalOPs(t *testing.T) {
	store := newFakeStore()
	cat := catalog.New(store)
	cat.SetTablet(types.Tablet{Endpoint: "tablet-a", State: types.StateHealthy})
	require.True(t, cat.CreateTable(context.Background(), &types.TableInfo{
		Name: "t1", PartitionNum: 1, ReplicaNum: 1,
	}).OK())

	dial := func(endpoint string) (tablet.Client, error) { return &fakeTablet{}, nil }

	// Simulate a prior process that submitted one OP and then crashed
	// before it finished: persist it directly, never running it.
	pre := New(store, cat, dial, 2)
	op, err := ops.NewOPInfo(types.OPUpdatePartitionStatus, "t1", 0, ops.BuildArgs{Endpoint: "tablet-a"})
	require.NoError(t, err)
	opID, st := pre.AddOPData(context.Background(), op)
	require.True(t, st.OK())

	// A done OP should land in doneOps on recovery, not be re-queued.
	doneOp, err := ops.NewOPInfo(types.OPUpdatePartitionStatus, "t1", 0, ops.BuildArgs{Endpoint: "tablet-a"})
	require.NoError(t, err)
	doneID, st := pre.AddOPData(context.Background(), doneOp)
	require.True(t, st.OK())
	pre.mu.Lock()
	finished := pre.ops[doneID]
	finished.State = types.OPDone
	pre.mu.Unlock()
	pre.persist(finished)

	// Fresh scheduler instance over the same store, as on process restart.
	fresh := New(store, cat, dial, 2)
	require.NoError(t, fresh.RecoverOPTask())

	got, ok := fresh.ShowOPStatus(opID)
	require.True(t, ok)
	assert.Equal(t, types.OPInited, got.State)

	doneGot, ok := fresh.ShowOPStatus(doneID)
	require.True(t, ok)
	assert.Equal(t, types.OPDone, doneGot.State)

	fresh.Start()
	defer fresh.Stop()
	recovered := waitForRetired(t, fresh, opID, 2*time.Second)
	assert.Equal(t, types.OPDone, recovered.State)
}
