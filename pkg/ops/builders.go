package ops

import (
	"fmt"

	"github.com/cuemby/nscoord/pkg/types"
)

// BuildArgs carries everything a CreateXxxOPTask constructor might need to
// materialize a task list deterministically from an OP's target and the
// admin call that created it. Not every field is used by every OP type.
type BuildArgs struct {
	Table        *types.TableInfo
	PID          uint32
	Endpoint     string // the replica/tablet this OP principally targets
	From         string // source endpoint for migrate/re-add data movement
	IndexName    string
	ColumnKeys   []string
	TSColumn     string
	Column       types.Column
	TTL          types.TTLConfig
	PeerEndpoint string // peer name-server endpoint for *Remote OP types
}

// BuildFunc materializes a task list for one OP type.
type BuildFunc func(args BuildArgs) ([]types.Task, error)

// Builders is the task-creation registry keyed by OP type: every OP type
// named in spec §3 has a deterministic constructor here, consumed both by
// AddOPData (new submissions) and by RecoverOPTask (rehydrating a
// persisted OP's task list from its body on OnLocked).
var Builders = map[types.OPType]BuildFunc{
	types.OPCreateTable:             buildCreateTable,
	types.OPDropTable:               buildDropTable,
	types.OPAddReplica:              buildAddReplica,
	types.OPDelReplica:              buildDelReplica,
	types.OPChangeLeader:            buildChangeLeader,
	types.OPOfflineReplica:          buildOfflineReplica,
	types.OPRecoverTable:            buildRecoverTable,
	types.OPMigrate:                 buildMigrate,
	types.OPMakeSnapshot:            buildMakeSnapshot,
	types.OPReAddReplica:            buildReAddReplica,
	types.OPReAddReplicaSimplify:    buildReAddReplicaSimplify,
	types.OPReAddReplicaNoSend:      buildReAddReplicaNoSend,
	types.OPReAddReplicaWithDrop:    buildReAddReplicaWithDrop,
	types.OPReLoadTable:             buildReLoadTable,
	types.OPUpdatePartitionStatus:   buildUpdatePartitionStatus,
	types.OPAddIndex:                buildAddIndex,
	types.OPDeleteIndex:             buildDeleteIndex,
	types.OPUpdateTTL:               buildUpdateTTL,
	types.OPSyncTable:               buildSyncTable,
	types.OPCreateTableRemote:       buildCreateTableRemote,
	types.OPDropTableRemote:         buildDropTableRemote,
	types.OPAddReplicaRemote:        buildAddReplicaRemote,
	types.OPAddReplicaRemoteSimplify: buildAddReplicaRemoteSimplify,
	types.OPDelReplicaRemote:        buildDelReplicaRemote,
}

// Build dispatches to the registered constructor for opType, matching
// spec §4.6 "Each OP type has a CreateXxxOPTask constructor that
// materializes the task list deterministically from the OP body."
func Build(opType types.OPType, args BuildArgs) ([]types.Task, error) {
	fn, ok := Builders[opType]
	if !ok {
		return nil, fmt.Errorf("ops: no task constructor registered for OP type %s", opType)
	}
	return fn(args)
}

// NewOPInfo builds an OPInfo ready for Scheduler.AddOPData: it runs the
// registered constructor for opType to materialize the task list, then
// wraps it with the OP's target. OPID and State are left zero; AddOPData
// assigns both.
func NewOPInfo(opType types.OPType, tableName string, pid uint32, args BuildArgs) (*types.OPInfo, error) {
	tasks, err := Build(opType, args)
	if err != nil {
		return nil, err
	}
	return &types.OPInfo{
		Type:      opType,
		TableName: tableName,
		PID:       pid,
		Tasks:     tasks,
	}, nil
}

func partition(args BuildArgs) (*types.Partition, error) {
	if args.Table == nil {
		return nil, fmt.Errorf("ops: missing table")
	}
	if int(args.PID) >= len(args.Table.Partitions) {
		return nil, fmt.Errorf("ops: pid %d out of range for table %s", args.PID, args.Table.Name)
	}
	return &args.Table.Partitions[args.PID], nil
}

func leaderEndpoint(args BuildArgs) (string, error) {
	p, err := partition(args)
	if err != nil {
		return "", err
	}
	if r, ok := p.Leader(); ok {
		return r.Endpoint, nil
	}
	if len(p.Replicas) > 0 {
		return p.Replicas[0].Endpoint, nil
	}
	return "", fmt.Errorf("ops: partition %d of %s has no replicas", args.PID, args.Table.Name)
}

func replicaEndpoints(args BuildArgs) []string {
	p, err := partition(args)
	if err != nil {
		return nil
	}
	out := make([]string, len(p.Replicas))
	for i, r := range p.Replicas {
		out[i] = r.Endpoint
	}
	return out
}

// buildCreateTable loads the partition onto every assigned replica (leader
// first) and records each as alive in the catalog.
func buildCreateTable(args BuildArgs) ([]types.Task, error) {
	p, err := partition(args)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	replicas := replicaEndpoints(args)
	for _, r := range p.Replicas {
		b.Add(types.TaskLoadTable, r.Endpoint, map[string]interface{}{
			"is_leader": r.IsLeader,
			"term":      p.Term,
			"replicas":  replicas,
		})
	}
	for _, r := range p.Replicas {
		b.Add(types.TaskAddTableInfo, r.Endpoint, map[string]interface{}{"is_leader": r.IsLeader})
	}
	return b.Tasks(), nil
}

// buildDropTable tears down every replica's tablet-side copy before
// deleting the metadata record (spec §3 Lifecycle).
func buildDropTable(args BuildArgs) ([]types.Task, error) {
	p, err := partition(args)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	for _, r := range p.Replicas {
		b.Add(types.TaskDropTable, r.Endpoint, nil)
	}
	for _, r := range p.Replicas {
		b.Add(types.TaskDelTableInfo, r.Endpoint, nil)
	}
	return b.Tasks(), nil
}

// buildAddReplica sends a snapshot from the leader to the new endpoint,
// loads the table there as a follower, registers it with the leader, and
// records it alive in the catalog.
func buildAddReplica(args BuildArgs) ([]types.Task, error) {
	leader, err := leaderEndpoint(args)
	if err != nil {
		return nil, err
	}
	p, err := partition(args)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	b.Add(types.TaskSendSnapshot, leader, map[string]interface{}{"dest_endpoint": args.Endpoint})
	b.Add(types.TaskLoadTable, args.Endpoint, map[string]interface{}{
		"is_leader": false,
		"term":      p.Term,
		"replicas":  append(replicaEndpoints(args), args.Endpoint),
	})
	b.Add(types.TaskAddReplica, leader, map[string]interface{}{"follower_endpoint": args.Endpoint})
	b.Add(types.TaskAddTableInfo, args.Endpoint, map[string]interface{}{"is_leader": false})
	return b.Tasks(), nil
}

// buildDelReplica unregisters the replica from the leader, drops its
// tablet-side copy, then removes the metadata record (spec §3 Ownership:
// "removal tears down the tablet-side replica before deleting the
// metadata record").
func buildDelReplica(args BuildArgs) ([]types.Task, error) {
	leader, err := leaderEndpoint(args)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	b.Add(types.TaskDelReplica, leader, map[string]interface{}{"follower_endpoint": args.Endpoint})
	b.Add(types.TaskDropTable, args.Endpoint, nil)
	b.Add(types.TaskDelTableInfo, args.Endpoint, nil)
	return b.Tasks(), nil
}

// buildChangeLeader is the three-step sequence spec §4.6 names exactly:
// SelectLeader (query alive replicas, pick max(term,offset)) -> ChangeLeader
// (RPC the winner) -> UpdateLeaderInfo (flip flags, bump term). The
// endpoint on ChangeLeader/UpdateLeaderInfo is filled in by execSelectLeader
// at dispatch time, since the winner isn't known until then.
func buildChangeLeader(args BuildArgs) ([]types.Task, error) {
	b := NewBuilder()
	b.Add(types.TaskSelectLeader, "", nil)
	b.Add(types.TaskChangeLeader, "", nil)
	b.Add(types.TaskUpdateLeaderInfo, "", nil)
	return b.Tasks(), nil
}

// buildOfflineReplica is a direct OP: a single catalog mutation marking
// the replica not-leader/not-alive, no tablet RPC (the tablet is the one
// that's gone).
func buildOfflineReplica(args BuildArgs) ([]types.Task, error) {
	b := NewBuilder()
	b.Add(types.TaskUpdatePartitionStatus, args.Endpoint, map[string]interface{}{
		"is_leader": false,
		"is_alive":  false,
	})
	return b.Tasks(), nil
}

// buildRecoverTable re-loads every replica of the target partition,
// leader first, from the leader's own persisted data (a whole-table
// recovery, distinct from ReAddReplica which targets one endpoint).
func buildRecoverTable(args BuildArgs) ([]types.Task, error) {
	p, err := partition(args)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	replicas := replicaEndpoints(args)
	for _, r := range p.Replicas {
		b.Add(types.TaskRecoverTable, r.Endpoint, map[string]interface{}{
			"is_leader": r.IsLeader,
			"term":      p.Term,
			"replicas":  replicas,
		})
	}
	return b.Tasks(), nil
}

// buildMigrate moves one replica from args.From to args.Endpoint: snapshot
// send, load on the destination, re-point the leader's replica-set
// membership, then tear down the source.
func buildMigrate(args BuildArgs) ([]types.Task, error) {
	leader, err := leaderEndpoint(args)
	if err != nil {
		return nil, err
	}
	p, err := partition(args)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	b.Add(types.TaskSendSnapshot, args.From, map[string]interface{}{"dest_endpoint": args.Endpoint})
	b.Add(types.TaskLoadTable, args.Endpoint, map[string]interface{}{
		"is_leader": false,
		"term":      p.Term,
		"replicas":  append(replicaEndpoints(args), args.Endpoint),
	})
	b.Add(types.TaskAddReplica, leader, map[string]interface{}{"follower_endpoint": args.Endpoint})
	b.Add(types.TaskAddTableInfo, args.Endpoint, map[string]interface{}{"is_leader": false})
	b.Add(types.TaskDelReplica, leader, map[string]interface{}{"follower_endpoint": args.From})
	b.Add(types.TaskDropTable, args.From, nil)
	b.Add(types.TaskDelTableInfo, args.From, nil)
	return b.Tasks(), nil
}

// buildMakeSnapshot is a single-task direct OP against the partition's
// current leader.
func buildMakeSnapshot(args BuildArgs) ([]types.Task, error) {
	leader, err := leaderEndpoint(args)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	b.Add(types.TaskMakeSnapshot, leader, nil)
	return b.Tasks(), nil
}

// reAddTasks builds the common tail shared by every ReAddReplica* variant:
// load the table on the endpoint being recovered, register it with the
// leader, and mark it alive again. sendSnapshot controls whether a
// SendSnapshot task from the leader precedes it (skipped for Simplify,
// which reuses the endpoint's own existing data, and for NoSend, whose
// source is unreachable); dropFirst controls whether the endpoint's
// existing (possibly corrupt) copy is dropped first.
func reAddTasks(args BuildArgs, sendSnapshot, dropFirst bool) ([]types.Task, error) {
	leader, err := leaderEndpoint(args)
	if err != nil {
		return nil, err
	}
	p, err := partition(args)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	if dropFirst {
		b.Add(types.TaskDropTable, args.Endpoint, nil)
	}
	if sendSnapshot {
		b.Add(types.TaskSendSnapshot, leader, map[string]interface{}{"dest_endpoint": args.Endpoint})
	}
	b.Add(types.TaskLoadTable, args.Endpoint, map[string]interface{}{
		"is_leader": false,
		"term":      p.Term,
		"replicas":  replicaEndpoints(args),
	})
	b.Add(types.TaskAddReplica, leader, map[string]interface{}{"follower_endpoint": args.Endpoint})
	b.Add(types.TaskAddTableInfo, args.Endpoint, map[string]interface{}{"is_leader": false})
	return b.Tasks(), nil
}

// buildReAddReplica is the full-resync path: the recovering endpoint's
// offset is too far behind the leader's, so its data is discarded and a
// fresh snapshot is sent (spec §4.6 "Replica recovery").
func buildReAddReplica(args BuildArgs) ([]types.Task, error) {
	return reAddTasks(args, true, false)
}

// buildReAddReplicaSimplify is the fast path: offset is within
// offset_delta of the leader's, so the endpoint's existing data is reused
// and only re-registered.
func buildReAddReplicaSimplify(args BuildArgs) ([]types.Task, error) {
	return reAddTasks(args, false, false)
}

// buildReAddReplicaNoSend is used when the source replica to copy from is
// unreachable: the task list skips the snapshot-send step entirely and
// relies on the endpoint's own on-disk state. It has its own OP type,
// ReAddReplicaNoSend, and builds the same task list as Simplify.
func buildReAddReplicaNoSend(args BuildArgs) ([]types.Task, error) {
	return reAddTasks(args, false, false)
}

// buildReAddReplicaWithDrop drops the endpoint's copy outright before the
// full resync. The reconciler picks it for a replica with no recorded
// offset; replicas carry no per-endpoint term, so no term comparison is
// made.
func buildReAddReplicaWithDrop(args BuildArgs) ([]types.Task, error) {
	return reAddTasks(args, true, true)
}

// buildReLoadTable re-issues LoadTable to a single endpoint, e.g. after a
// tablet-side restart that didn't lose data.
func buildReLoadTable(args BuildArgs) ([]types.Task, error) {
	p, err := partition(args)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	b.Add(types.TaskLoadTable, args.Endpoint, map[string]interface{}{
		"is_leader": args.Endpoint != "" && func() bool { r, ok := p.Leader(); return ok && r.Endpoint == args.Endpoint }(),
		"term":      p.Term,
		"replicas":  replicaEndpoints(args),
	})
	return b.Tasks(), nil
}

// buildUpdatePartitionStatus is a direct single-task catalog mutation that
// marks args.Endpoint's replica alive and not leader. BuildArgs carries no
// flags, so callers cannot choose other values.
func buildUpdatePartitionStatus(args BuildArgs) ([]types.Task, error) {
	b := NewBuilder()
	b.Add(types.TaskUpdatePartitionStatus, args.Endpoint, map[string]interface{}{
		"is_leader": false,
		"is_alive":  true,
	})
	return b.Tasks(), nil
}

// buildAddIndex dumps index data from the leader, then loads it onto
// every replica (siblings marked concurrent, completing once all
// terminate per spec §9's concurrent-subtask semantics).
func buildAddIndex(args BuildArgs) ([]types.Task, error) {
	leader, err := leaderEndpoint(args)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	dump := b.Add(types.TaskDumpIndexData, leader, map[string]interface{}{"index_name": args.IndexName})
	for _, ep := range replicaEndpoints(args) {
		b.AddChild(dump, types.TaskAddIndexToTablet, ep, map[string]interface{}{
			"index_name":  args.IndexName,
			"column_keys": args.ColumnKeys,
		})
	}
	b.MarkConcurrent(dump)
	b.Add(types.TaskUpdateTableInfo, "", map[string]interface{}{
		"mutation": "add_index",
		"index": map[string]interface{}{
			"name":         args.IndexName,
			"column_keys":  args.ColumnKeys,
			"ts_column":    args.TSColumn,
		},
	})
	return b.Tasks(), nil
}

// buildDeleteIndex is AddIndex's inverse: a single catalog-mutation direct
// OP (spec §4 supplement — "both are direct OPs that run a single
// catalog-mutation task rather than a tablet task-DAG").
func buildDeleteIndex(args BuildArgs) ([]types.Task, error) {
	b := NewBuilder()
	b.Add(types.TaskUpdateTableInfo, "", map[string]interface{}{
		"mutation":   "delete_index",
		"index_name": args.IndexName,
	})
	return b.Tasks(), nil
}

// buildUpdateTTL is a direct OP: a single catalog mutation rewriting the
// schema's TTL config. Tablets pick up the new TTL lazily from the
// catalog rather than through a pushed task (spec §4 supplement).
func buildUpdateTTL(args BuildArgs) ([]types.Task, error) {
	b := NewBuilder()
	b.Add(types.TaskUpdateTableInfo, "", map[string]interface{}{
		"mutation": "update_ttl",
		"column":   args.Column.Name,
		"ttl_type": string(args.TTL.Type),
		"ttl":      uint64(args.TTL.TTL),
	})
	return b.Tasks(), nil
}

// buildSyncTable issues a TableSync RPC to the peer cluster's name server
// to reconcile a detected table mismatch (spec §4.4 CheckClusterInfo).
func buildSyncTable(args BuildArgs) ([]types.Task, error) {
	b := NewBuilder()
	b.Add(types.TaskTableSync, args.PeerEndpoint, nil)
	return b.Tasks(), nil
}

func buildCreateTableRemote(args BuildArgs) ([]types.Task, error) {
	b := NewBuilder()
	b.Add(types.TaskCreateTableRemote, args.PeerEndpoint, nil)
	return b.Tasks(), nil
}

func buildDropTableRemote(args BuildArgs) ([]types.Task, error) {
	b := NewBuilder()
	b.Add(types.TaskDropTableRemote, args.PeerEndpoint, nil)
	return b.Tasks(), nil
}

func buildAddReplicaRemote(args BuildArgs) ([]types.Task, error) {
	b := NewBuilder()
	b.Add(types.TaskAddReplicaRemote, args.PeerEndpoint, map[string]interface{}{
		"follower_endpoint": args.Endpoint,
	})
	return b.Tasks(), nil
}

// buildAddReplicaRemoteSimplify skips the tablet-side data-copy dispatch
// on the peer and only performs the NS-to-NS replica-set bookkeeping
// (AddReplicaNSRemote), used when the peer already has the data locally.
func buildAddReplicaRemoteSimplify(args BuildArgs) ([]types.Task, error) {
	b := NewBuilder()
	b.Add(types.TaskAddReplicaNSRemote, args.PeerEndpoint, map[string]interface{}{
		"follower_endpoint": args.Endpoint,
	})
	return b.Tasks(), nil
}

func buildDelReplicaRemote(args BuildArgs) ([]types.Task, error) {
	b := NewBuilder()
	b.Add(types.TaskDelReplica, args.PeerEndpoint, map[string]interface{}{
		"follower_endpoint": args.Endpoint,
		"remote":            true,
	})
	return b.Tasks(), nil
}
