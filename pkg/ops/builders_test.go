package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nscoord/pkg/types"
)

func testTable() *types.TableInfo {
	return &types.TableInfo{
		Name:         "t1",
		PartitionNum: 1,
		ReplicaNum:   2,
		Partitions: []types.Partition{
			{
				PID:  0,
				Term: 3,
				Replicas: []types.Replica{
					{Endpoint: "tablet-1", IsLeader: true, IsAlive: true},
					{Endpoint: "tablet-2", IsLeader: false, IsAlive: true},
				},
			},
		},
	}
}

func TestBuildCreateTableLoadsThenRegistersEveryReplica(t *testing.T) {
	tasks, err := Build(types.OPCreateTable, BuildArgs{Table: testTable(), PID: 0})
	require.NoError(t, err)
	require.NoError(t, Validate(tasks))

	var loads, adds int
	for _, task := range tasks {
		switch task.Type {
		case types.TaskLoadTable:
			loads++
		case types.TaskAddTableInfo:
			adds++
		}
	}
	assert.Equal(t, 2, loads)
	assert.Equal(t, 2, adds)
}

func TestBuildAddReplicaSnapshotsFromLeader(t *testing.T) {
	tasks, err := Build(types.OPAddReplica, BuildArgs{Table: testTable(), PID: 0, Endpoint: "tablet-3"})
	require.NoError(t, err)
	require.NoError(t, Validate(tasks))
	require.Len(t, tasks, 4)

	assert.Equal(t, types.TaskSendSnapshot, tasks[0].Type)
	assert.Equal(t, "tablet-1", tasks[0].Endpoint, "snapshot must come from the current leader")
	assert.Equal(t, types.TaskLoadTable, tasks[1].Type)
	assert.Equal(t, "tablet-3", tasks[1].Endpoint)
	assert.Equal(t, types.TaskAddReplica, tasks[2].Type)
	assert.Equal(t, "tablet-1", tasks[2].Endpoint)
	assert.Equal(t, types.TaskAddTableInfo, tasks[3].Type)
}

func TestBuildDelReplicaTearsDownThenDeletesMetadata(t *testing.T) {
	tasks, err := Build(types.OPDelReplica, BuildArgs{Table: testTable(), PID: 0, Endpoint: "tablet-2"})
	require.NoError(t, err)
	require.NoError(t, Validate(tasks))
	require.Len(t, tasks, 3)
	assert.Equal(t, types.TaskDelReplica, tasks[0].Type)
	assert.Equal(t, types.TaskDropTable, tasks[1].Type)
	assert.Equal(t, types.TaskDelTableInfo, tasks[2].Type)
}

func TestBuildChangeLeaderIsSelectThenChangeThenUpdate(t *testing.T) {
	tasks, err := Build(types.OPChangeLeader, BuildArgs{Table: testTable(), PID: 0})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, types.TaskSelectLeader, tasks[0].Type)
	assert.Equal(t, types.TaskChangeLeader, tasks[1].Type)
	assert.Equal(t, types.TaskUpdateLeaderInfo, tasks[2].Type)
}

func TestBuildReAddReplicaVariantsDifferOnSnapshotAndDrop(t *testing.T) {
	full, err := Build(types.OPReAddReplica, BuildArgs{Table: testTable(), PID: 0, Endpoint: "tablet-2"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskSendSnapshot, full[0].Type)

	simplify, err := Build(types.OPReAddReplicaSimplify, BuildArgs{Table: testTable(), PID: 0, Endpoint: "tablet-2"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskLoadTable, simplify[0].Type, "simplify variant must skip the snapshot send")

	withDrop, err := Build(types.OPReAddReplicaWithDrop, BuildArgs{Table: testTable(), PID: 0, Endpoint: "tablet-2"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskDropTable, withDrop[0].Type, "with-drop variant must drop the stale copy first")
}

func TestBuildAddIndexDumpsThenFansOutConcurrently(t *testing.T) {
	tasks, err := Build(types.OPAddIndex, BuildArgs{
		Table:      testTable(),
		PID:        0,
		IndexName:  "idx1",
		ColumnKeys: []string{"col1"},
	})
	require.NoError(t, err)
	require.NoError(t, Validate(tasks))

	require.Equal(t, types.TaskDumpIndexData, tasks[0].Type)
	group := ConcurrentGroup(tasks, 0)
	assert.Len(t, group, 2, "one AddIndexToTablet task per replica, running concurrently")

	last := tasks[len(tasks)-1]
	assert.Equal(t, types.TaskUpdateTableInfo, last.Type)
	assert.Equal(t, "add_index", last.Args["mutation"])
}

func TestBuildDeleteIndexAndUpdateTTLAreDirectOPs(t *testing.T) {
	del, err := Build(types.OPDeleteIndex, BuildArgs{Table: testTable(), PID: 0, IndexName: "idx1"})
	require.NoError(t, err)
	require.Len(t, del, 1)
	assert.Equal(t, types.TaskUpdateTableInfo, del[0].Type)
	assert.Equal(t, "delete_index", del[0].Args["mutation"])

	ttl, err := Build(types.OPUpdateTTL, BuildArgs{
		Table:  testTable(),
		PID:    0,
		Column: types.Column{Name: "ts"},
		TTL:    types.TTLConfig{Type: types.TTLAbsolute, TTL: 60},
	})
	require.NoError(t, err)
	require.Len(t, ttl, 1)
	assert.Equal(t, "update_ttl", ttl[0].Args["mutation"])
}

func TestBuildDelReplicaRemoteSetsRemoteFlag(t *testing.T) {
	tasks, err := Build(types.OPDelReplicaRemote, BuildArgs{
		Table:        testTable(),
		PID:          0,
		Endpoint:     "tablet-2",
		PeerEndpoint: "peer-ns-1",
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskDelReplica, tasks[0].Type)
	assert.Equal(t, true, tasks[0].Args["remote"])
}

func TestBuildUnknownOPTypeErrors(t *testing.T) {
	_, err := Build(types.OPType("NotARealOP"), BuildArgs{})
	assert.Error(t, err)
}

func TestBuildMissingPartitionErrors(t *testing.T) {
	_, err := Build(types.OPCreateTable, BuildArgs{Table: testTable(), PID: 5})
	assert.Error(t, err)
}
