package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/nscoord/pkg/tablet"
	"github.com/cuemby/nscoord/pkg/types"
)

// taskExecutor runs one task to completion (or returns an error, which
// marks the task and its owning OP failed). Executors must be
// idempotent: re-running a task whose effect already landed on the
// target tablet must succeed, since RecoverOPTask can re-dispatch a task
// that completed just before a crash.
type taskExecutor func(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error

var taskExecutors = map[types.TaskType]taskExecutor{
	types.TaskMakeSnapshot:             execMakeSnapshot,
	types.TaskPauseSnapshot:            execPauseSnapshot,
	types.TaskRecoverSnapshot:          execRecoverSnapshot,
	types.TaskSendSnapshot:             execSendSnapshot,
	types.TaskLoadTable:                execLoadTable,
	types.TaskLoadTableRemote:          execLoadTableRemote,
	types.TaskAddReplica:               execAddReplica,
	types.TaskAddReplicaRemote:         execAddReplicaRemote,
	types.TaskAddReplicaNSRemote:       execAddReplicaNSRemote,
	types.TaskAddTableInfo:             execAddTableInfo,
	types.TaskDelReplica:               execDelReplica,
	types.TaskDelTableInfo:             execDelTableInfo,
	types.TaskUpdateTableInfo:          execUpdateTableInfo,
	types.TaskUpdatePartitionStatus:    execUpdatePartitionStatus,
	types.TaskSelectLeader:             execSelectLeader,
	types.TaskChangeLeader:             execChangeLeader,
	types.TaskUpdateLeaderInfo:         execUpdateLeaderInfo,
	types.TaskCheckBinlogSyncProgress:  execCheckBinlogSyncProgress,
	types.TaskDropTable:                execDropTable,
	types.TaskRecoverTable:             execRecoverTable,
	types.TaskCreateTableRemote:        execCreateTableRemote,
	types.TaskDropTableRemote:          execDropTableRemote,
	types.TaskDumpIndexData:            execDumpIndexData,
	types.TaskSendIndexData:            execSendIndexData,
	types.TaskLoadIndexData:            execLoadIndexData,
	types.TaskExtractIndexData:         execExtractIndexData,
	types.TaskAddIndexToTablet:         execAddIndexToTablet,
	types.TaskTableSync:                execTableSync,
}

func argString(task *types.Task, key string) string {
	if task.Args == nil {
		return ""
	}
	v, _ := task.Args[key].(string)
	return v
}

func argUint64(task *types.Task, key string) uint64 {
	if task.Args == nil {
		return 0
	}
	switch v := task.Args[key].(type) {
	case uint64:
		return v
	case float64:
		return uint64(v)
	}
	return 0
}

func argBool(task *types.Task, key string) bool {
	if task.Args == nil {
		return false
	}
	v, _ := task.Args[key].(bool)
	return v
}

func argStrings(task *types.Task, key string) []string {
	if task.Args == nil {
		return nil
	}
	return argStringSlice(task.Args[key])
}

// argStringSlice normalizes a []string or JSON-decoded []interface{} into
// []string; the same task args may arrive either way depending on whether
// the OP was just built in-process or rehydrated from persisted JSON.
func argStringSlice(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, len(v))
		for i, e := range v {
			out[i], _ = e.(string)
		}
		return out
	}
	return nil
}

func execMakeSnapshot(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	return c.MakeSnapshot(ctx, op.TableName, op.PID)
}

func execPauseSnapshot(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	return c.PauseSnapshot(ctx, op.TableName, op.PID)
}

func execRecoverSnapshot(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	return c.RecoverSnapshot(ctx, op.TableName, op.PID)
}

func execSendSnapshot(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	return c.SendSnapshot(ctx, op.TableName, op.PID, argString(task, "dest_endpoint"))
}

func execLoadTable(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	req := tabletLoadRequest(op, task)
	return c.LoadTable(ctx, &req)
}

func tabletLoadRequest(op *types.OPInfo, task *types.Task) tablet.LoadTableRequest {
	return tablet.LoadTableRequest{
		Table:    op.TableName,
		PID:      op.PID,
		IsLeader: argBool(task, "is_leader"),
		Term:     argUint64(task, "term"),
		Replicas: argStrings(task, "replicas"),
	}
}

func execLoadTableRemote(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	// The remote tablet is reached the same way as a local one; the
	// distinction from LoadTable is semantic (this table is the replica
	// side of a cross-cluster SyncTable), not transport-level.
	return execLoadTable(ctx, s, op, task)
}

func execAddReplica(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	return c.AddReplica(ctx, op.TableName, op.PID, argString(task, "follower_endpoint"))
}

func execAddReplicaRemote(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	peer, err := s.peerFor(task.Endpoint)
	if err != nil {
		return err
	}
	return peer.AddReplicaClusterByNs(ctx, op.TableName, op.PID, argString(task, "follower_endpoint"))
}

func execAddReplicaNSRemote(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	return execAddReplicaRemote(ctx, s, op, task)
}

func execAddTableInfo(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	st := s.catalog.UpdatePartitionStatus(ctx, op.TableName, op.PID, task.Endpoint, argBool(task, "is_leader"), true)
	if !st.OK() {
		return st
	}
	return nil
}

// execDelReplica also backs the DelReplicaRemote OP (spec §3's closed OP
// enumeration has no dedicated remote task primitive for it — it reuses
// DelReplica, routed to the peer name server when args["remote"] is set,
// matching the same substitution AddReplicaRemote makes for AddReplica).
func execDelReplica(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	if argBool(task, "remote") {
		peer, err := s.peerFor(task.Endpoint)
		if err != nil {
			return err
		}
		return peer.RemoveReplicaClusterByNs(ctx, op.TableName, op.PID, argString(task, "follower_endpoint"))
	}
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	return c.DelReplica(ctx, op.TableName, op.PID, argString(task, "follower_endpoint"))
}

func execDelTableInfo(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	st := s.catalog.UpdatePartitionStatus(ctx, op.TableName, op.PID, task.Endpoint, false, false)
	if !st.OK() {
		return st
	}
	return nil
}

// execUpdateTableInfo runs the catalog-side step of AddIndex, DeleteIndex,
// and UpdateTTL as one UpdateTableInfo task whose args select the concrete
// catalog mutation, rather than each getting its own task primitive.
// DeleteIndex and UpdateTTL consist of this task alone; AddIndex runs it
// after its tablet-side index tasks.
func execUpdateTableInfo(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	var st *types.Status
	switch argString(task, "mutation") {
	case "add_index":
		if v, ok := task.Args["index"].(map[string]interface{}); ok {
			name, _ := v["name"].(string)
			ts, _ := v["ts_column"].(string)
			st = s.catalog.AddIndex(ctx, op.TableName, types.IndexDescriptor{
				Name:       name,
				ColumnKeys: argStringSlice(v["column_keys"]),
				TSColumn:   ts,
			})
		}
	case "delete_index":
		st = s.catalog.DeleteIndex(ctx, op.TableName, argString(task, "index_name"))
	case "update_ttl":
		st = s.catalog.UpdateTTL(ctx, op.TableName, argString(task, "column"), types.TTLConfig{
			Type: types.TTLType(argString(task, "ttl_type")),
			TTL:  int64(argUint64(task, "ttl")),
		})
	case "add_field":
		st = s.catalog.AddTableField(ctx, op.TableName, types.Column{
			Name:     argString(task, "column_name"),
			DataType: argString(task, "data_type"),
			Nullable: argBool(task, "nullable"),
			IsTS:     argBool(task, "is_ts"),
		})
	default:
		st = s.catalog.UpdateTableInfo(ctx, op.TableName, func(info *types.TableInfo) error {
			info.Version++
			return nil
		})
	}
	if st == nil {
		return fmt.Errorf("execUpdateTableInfo: malformed args for mutation %q", argString(task, "mutation"))
	}
	if !st.OK() {
		return st
	}
	return nil
}

func execUpdatePartitionStatus(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	st := s.catalog.UpdatePartitionStatus(ctx, op.TableName, op.PID, task.Endpoint, argBool(task, "is_leader"), argBool(task, "is_alive"))
	if !st.OK() {
		return st
	}
	return nil
}

// execSelectLeader queries every alive replica's (term, offset) and picks
// the winner: max (term, offset), ties broken by lowest endpoint
// lexicographically. The winner is stashed on the OP's first ChangeLeader
// task's args for execChangeLeader to use.
func execSelectLeader(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	table, ok := s.catalog.GetTable(op.TableName)
	if !ok {
		return fmt.Errorf("table %s not found", op.TableName)
	}
	if int(op.PID) >= len(table.Partitions) {
		return fmt.Errorf("pid %d out of range", op.PID)
	}
	part := table.Partitions[op.PID]

	type candidate struct {
		endpoint string
		term     uint64
		offset   uint64
	}
	var candidates []candidate
	for _, r := range part.Replicas {
		if !r.IsAlive {
			continue
		}
		c, err := s.tabletFor(r.Endpoint)
		if err != nil {
			continue
		}
		status, err := c.GetTableStatus(ctx, op.TableName, op.PID)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{endpoint: r.Endpoint, term: status.Term, offset: status.Offset})
	}
	if len(candidates) == 0 {
		return fmt.Errorf("no alive replica to elect for %s/%d", op.TableName, op.PID)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].term != candidates[j].term {
			return candidates[i].term > candidates[j].term
		}
		if candidates[i].offset != candidates[j].offset {
			return candidates[i].offset > candidates[j].offset
		}
		return candidates[i].endpoint < candidates[j].endpoint
	})
	winner := candidates[0]

	for i := range op.Tasks {
		if op.Tasks[i].Type == types.TaskChangeLeader {
			op.Tasks[i].Endpoint = winner.endpoint
			if op.Tasks[i].Args == nil {
				op.Tasks[i].Args = map[string]interface{}{}
			}
			op.Tasks[i].Args["term"] = winner.term + 1
		}
		if op.Tasks[i].Type == types.TaskUpdateLeaderInfo {
			if op.Tasks[i].Args == nil {
				op.Tasks[i].Args = map[string]interface{}{}
			}
			op.Tasks[i].Args["leader_endpoint"] = winner.endpoint
			op.Tasks[i].Args["term"] = winner.term + 1
		}
	}
	return nil
}

func execChangeLeader(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	return c.ChangeRole(ctx, op.TableName, op.PID, true, argUint64(task, "term"))
}

// execUpdateLeaderInfo flips is_leader flags atomically in the catalog
// and bumps the partition's term, completing a ChangeLeaderOP.
func execUpdateLeaderInfo(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	leader := argString(task, "leader_endpoint")
	term := argUint64(task, "term")
	st := s.catalog.UpdateTableInfo(ctx, op.TableName, func(info *types.TableInfo) error {
		if int(op.PID) >= len(info.Partitions) {
			return fmt.Errorf("pid %d out of range", op.PID)
		}
		part := &info.Partitions[op.PID]
		for i := range part.Replicas {
			part.Replicas[i].IsLeader = part.Replicas[i].Endpoint == leader
		}
		if term > part.Term {
			part.Term = term
		}
		return nil
	})
	if !st.OK() {
		return st
	}
	return nil
}

func execCheckBinlogSyncProgress(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	_, err = c.CheckBinlogSyncProgress(ctx, op.TableName, op.PID, argString(task, "follower_endpoint"))
	return err
}

func execDropTable(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	return c.DropTable(ctx, op.TableName, op.PID)
}

func execRecoverTable(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	req := tabletLoadRequest(op, task)
	return c.LoadTable(ctx, &req)
}

func execCreateTableRemote(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	peer, err := s.peerFor(task.Endpoint)
	if err != nil {
		return err
	}
	table, ok := s.catalog.GetTable(op.TableName)
	if !ok {
		return fmt.Errorf("table %s not found", op.TableName)
	}
	return peer.CreateTableRemote(ctx, table)
}

func execDropTableRemote(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	peer, err := s.peerFor(task.Endpoint)
	if err != nil {
		return err
	}
	return peer.DropTableRemote(ctx, op.TableName)
}

func execDumpIndexData(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	return c.DumpIndexData(ctx, op.TableName, op.PID, argString(task, "index_name"))
}

func execSendIndexData(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	return c.SendIndexData(ctx, op.TableName, op.PID, argString(task, "dest_endpoint"))
}

func execLoadIndexData(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	return c.LoadIndexData(ctx, op.TableName, op.PID, argString(task, "index_name"))
}

func execExtractIndexData(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	return c.ExtractIndexData(ctx, op.TableName, op.PID, argString(task, "index_name"))
}

func execAddIndexToTablet(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	c, err := s.tabletFor(task.Endpoint)
	if err != nil {
		return err
	}
	return c.AddIndex(ctx, op.TableName, op.PID, argString(task, "index_name"), argStrings(task, "column_keys"))
}

func execTableSync(ctx context.Context, s *Scheduler, op *types.OPInfo, task *types.Task) error {
	peer, err := s.peerFor(task.Endpoint)
	if err != nil {
		return err
	}
	return peer.SyncTable(ctx, op.TableName)
}
