package api

import (
	"context"

	"github.com/cuemby/nscoord/pkg/ops"
	"github.com/cuemby/nscoord/pkg/types"
)

// ConfStore is the subset of pkg/reconciler the ConfSet/ConfGet admin
// calls flip: the two coordination flags named in spec §6
// (auto_failover_node, auto_recover_table_node).
type ConfStore interface {
	AutoFailover() bool
	SetAutoFailover(bool)
	AutoRecoverTable() bool
	SetAutoRecoverTable(bool)
}

// WithConfStore attaches the reconciler's config flags to the admin
// surface; ConfSet/ConfGet return kBadRequest until this is set.
func (s *Server) WithConfStore(c ConfStore) *Server {
	s.conf = c
	return s
}

func submitPerPartition(ctx context.Context, s *Server, table *types.TableInfo, opType types.OPType, build func(pid uint32) ops.BuildArgs) ([]uint64, *types.Status) {
	ids := make([]uint64, 0, len(table.Partitions))
	for pid := range table.Partitions {
		op, err := ops.NewOPInfo(opType, table.Name, uint32(pid), build(uint32(pid)))
		if err != nil {
			return nil, types.Internal("build op: %v", err)
		}
		id, st := s.sched.AddOPData(ctx, op)
		if !st.OK() {
			return nil, st
		}
		ids = append(ids, id)
	}
	return ids, types.OKStatus()
}

func (s *Server) createTable(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	info := req.(*types.TableInfo)
	if st := s.catalog.CreateTable(ctx, info); !st.OK() {
		return nil, st
	}
	placed, _ := s.catalog.GetTable(info.Name)
	ids, st := submitPerPartition(ctx, s, placed, types.OPCreateTable, func(pid uint32) ops.BuildArgs {
		return ops.BuildArgs{Table: placed, PID: pid}
	})
	if !st.OK() {
		return nil, st
	}
	return &opIDsResp{OPIDs: ids}, nil
}

func (s *Server) dropTable(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*tableNameReq)
	table, ok := s.catalog.GetTable(r.Table)
	if !ok {
		return nil, types.TableNotFound(r.Table)
	}
	ids, st := submitPerPartition(ctx, s, table, types.OPDropTable, func(pid uint32) ops.BuildArgs {
		return ops.BuildArgs{Table: table, PID: pid}
	})
	if !st.OK() {
		return nil, st
	}
	if st := s.catalog.DeleteTable(ctx, r.Table); !st.OK() {
		return nil, st
	}
	return &opIDsResp{OPIDs: ids}, nil
}

func (s *Server) showTable(ctx context.Context, req interface{}) (interface{}, error) {
	r := req.(*tableNameReq)
	if r.Table == "" {
		return &showTableResp{Tables: s.catalog.ListTables()}, nil
	}
	t, ok := s.catalog.GetTable(r.Table)
	if !ok {
		return nil, types.TableNotFound(r.Table)
	}
	return &showTableResp{Tables: []*types.TableInfo{t}}, nil
}

func (s *Server) showTablet(ctx context.Context, req interface{}) (interface{}, error) {
	return &showTabletResp{Tablets: s.catalog.ListTablets(), BlobServers: s.catalog.ListBlobServers()}, nil
}

func (s *Server) showOPStatus(ctx context.Context, req interface{}) (interface{}, error) {
	r := req.(*opIDReq)
	op, ok := s.sched.ShowOPStatus(r.OPID)
	if !ok {
		return nil, types.NewStatus(types.CodeBadRequest, "op %d not found", r.OPID)
	}
	return op, nil
}

func (s *Server) cancelOP(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*opIDReq)
	if st := s.sched.CancelOP(r.OPID); !st.OK() {
		return nil, st
	}
	return &emptyResp{}, nil
}

func (s *Server) addReplicaNS(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*replicaReq)
	table, ok := s.catalog.GetTable(r.Table)
	if !ok {
		return nil, types.TableNotFound(r.Table)
	}
	op, err := ops.NewOPInfo(types.OPAddReplica, r.Table, r.PID, ops.BuildArgs{Table: table, PID: r.PID, Endpoint: r.Endpoint})
	if err != nil {
		return nil, types.Internal("build op: %v", err)
	}
	id, st := s.sched.AddOPData(ctx, op)
	if !st.OK() {
		return nil, st
	}
	return &opIDsResp{OPIDs: []uint64{id}}, nil
}

func (s *Server) delReplicaNS(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*replicaReq)
	table, ok := s.catalog.GetTable(r.Table)
	if !ok {
		return nil, types.TableNotFound(r.Table)
	}
	op, err := ops.NewOPInfo(types.OPDelReplica, r.Table, r.PID, ops.BuildArgs{Table: table, PID: r.PID, Endpoint: r.Endpoint})
	if err != nil {
		return nil, types.Internal("build op: %v", err)
	}
	id, st := s.sched.AddOPData(ctx, op)
	if !st.OK() {
		return nil, st
	}
	return &opIDsResp{OPIDs: []uint64{id}}, nil
}

func (s *Server) changeLeader(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*partitionReq)
	op, err := ops.NewOPInfo(types.OPChangeLeader, r.Table, r.PID, ops.BuildArgs{})
	if err != nil {
		return nil, types.Internal("build op: %v", err)
	}
	id, st := s.sched.AddOPData(ctx, op)
	if !st.OK() {
		return nil, st
	}
	return &opIDsResp{OPIDs: []uint64{id}}, nil
}

func (s *Server) migrate(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*migrateReq)
	table, ok := s.catalog.GetTable(r.Table)
	if !ok {
		return nil, types.TableNotFound(r.Table)
	}
	op, err := ops.NewOPInfo(types.OPMigrate, r.Table, r.PID, ops.BuildArgs{Table: table, PID: r.PID, From: r.From, Endpoint: r.Endpoint})
	if err != nil {
		return nil, types.Internal("build op: %v", err)
	}
	id, st := s.sched.AddOPData(ctx, op)
	if !st.OK() {
		return nil, st
	}
	return &opIDsResp{OPIDs: []uint64{id}}, nil
}

func (s *Server) offlineEndpoint(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*endpointReq)
	var ids []uint64
	for _, table := range s.catalog.ListTables() {
		for pid := range table.Partitions {
			part := &table.Partitions[pid]
			if part.ReplicaIndex(r.Endpoint) < 0 {
				continue
			}
			op, err := ops.NewOPInfo(types.OPOfflineReplica, table.Name, uint32(pid), ops.BuildArgs{Endpoint: r.Endpoint})
			if err != nil {
				continue
			}
			id, st := s.sched.AddOPData(ctx, op)
			if st.OK() {
				ids = append(ids, id)
			}
		}
	}
	return &opIDsResp{OPIDs: ids}, nil
}

func (s *Server) recoverEndpoint(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*recoverEndpointReq)
	table, ok := s.catalog.GetTable(r.Table)
	if !ok {
		return nil, types.TableNotFound(r.Table)
	}
	op, err := ops.NewOPInfo(types.OPReAddReplica, r.Table, r.PID, ops.BuildArgs{Table: table, PID: r.PID, Endpoint: r.Endpoint})
	if err != nil {
		return nil, types.Internal("build op: %v", err)
	}
	id, st := s.sched.AddOPData(ctx, op)
	if !st.OK() {
		return nil, st
	}
	return &opIDsResp{OPIDs: []uint64{id}}, nil
}

func (s *Server) recoverTable(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*partitionReq)
	table, ok := s.catalog.GetTable(r.Table)
	if !ok {
		return nil, types.TableNotFound(r.Table)
	}
	op, err := ops.NewOPInfo(types.OPRecoverTable, r.Table, r.PID, ops.BuildArgs{Table: table, PID: r.PID})
	if err != nil {
		return nil, types.Internal("build op: %v", err)
	}
	id, st := s.sched.AddOPData(ctx, op)
	if !st.OK() {
		return nil, st
	}
	return &opIDsResp{OPIDs: []uint64{id}}, nil
}

func (s *Server) makeSnapshot(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*partitionReq)
	table, ok := s.catalog.GetTable(r.Table)
	if !ok {
		return nil, types.TableNotFound(r.Table)
	}
	op, err := ops.NewOPInfo(types.OPMakeSnapshot, r.Table, r.PID, ops.BuildArgs{Table: table, PID: r.PID})
	if err != nil {
		return nil, types.Internal("build op: %v", err)
	}
	id, st := s.sched.AddOPData(ctx, op)
	if !st.OK() {
		return nil, st
	}
	return &opIDsResp{OPIDs: []uint64{id}}, nil
}

func (s *Server) updateTableAliveStatus(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*aliveStatusReq)
	if st := s.catalog.UpdatePartitionStatus(ctx, r.Table, r.PID, r.Endpoint, r.IsLeader, r.IsAlive); !st.OK() {
		return nil, st
	}
	return &emptyResp{}, nil
}

func (s *Server) setTablePartition(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	info := req.(*types.TableInfo)
	if st := s.catalog.CreateTable(ctx, info); !st.OK() {
		return nil, st
	}
	return &emptyResp{}, nil
}

func (s *Server) getTablePartition(ctx context.Context, req interface{}) (interface{}, error) {
	r := req.(*tableNameReq)
	t, ok := s.catalog.GetTable(r.Table)
	if !ok {
		return nil, types.TableNotFound(r.Table)
	}
	return &showTableResp{Tables: []*types.TableInfo{t}}, nil
}

func (s *Server) addIndex(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*addIndexReq)
	table, ok := s.catalog.GetTable(r.Table)
	if !ok {
		return nil, types.TableNotFound(r.Table)
	}
	ids, st := submitPerPartition(ctx, s, table, types.OPAddIndex, func(pid uint32) ops.BuildArgs {
		return ops.BuildArgs{Table: table, PID: pid, IndexName: r.Index.Name, ColumnKeys: r.Index.ColumnKeys, TSColumn: r.Index.TSColumn}
	})
	if !st.OK() {
		return nil, st
	}
	return &opIDsResp{OPIDs: ids}, nil
}

func (s *Server) deleteIndex(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*deleteIndexReq)
	table, ok := s.catalog.GetTable(r.Table)
	if !ok {
		return nil, types.TableNotFound(r.Table)
	}
	op, err := ops.NewOPInfo(types.OPDeleteIndex, r.Table, 0, ops.BuildArgs{Table: table, IndexName: r.IndexName})
	if err != nil {
		return nil, types.Internal("build op: %v", err)
	}
	id, st := s.sched.AddOPData(ctx, op)
	if !st.OK() {
		return nil, st
	}
	return &opIDsResp{OPIDs: []uint64{id}}, nil
}

func (s *Server) addTableField(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*addFieldReq)
	if st := s.catalog.AddTableField(ctx, r.Table, r.Column); !st.OK() {
		return nil, st
	}
	return &emptyResp{}, nil
}

func (s *Server) updateTTL(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*updateTTLReq)
	table, ok := s.catalog.GetTable(r.Table)
	if !ok {
		return nil, types.TableNotFound(r.Table)
	}
	op, err := ops.NewOPInfo(types.OPUpdateTTL, r.Table, 0, ops.BuildArgs{Table: table, Column: types.Column{Name: r.Column}, TTL: r.TTL})
	if err != nil {
		return nil, types.Internal("build op: %v", err)
	}
	id, st := s.sched.AddOPData(ctx, op)
	if !st.OK() {
		return nil, st
	}
	return &opIDsResp{OPIDs: []uint64{id}}, nil
}

func (s *Server) loadTable(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*recoverEndpointReq)
	table, ok := s.catalog.GetTable(r.Table)
	if !ok {
		return nil, types.TableNotFound(r.Table)
	}
	op, err := ops.NewOPInfo(types.OPReLoadTable, r.Table, r.PID, ops.BuildArgs{Table: table, PID: r.PID, Endpoint: r.Endpoint})
	if err != nil {
		return nil, types.Internal("build op: %v", err)
	}
	id, st := s.sched.AddOPData(ctx, op)
	if !st.OK() {
		return nil, st
	}
	return &opIDsResp{OPIDs: []uint64{id}}, nil
}

func (s *Server) syncTable(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*tableNameReq)
	if _, ok := s.catalog.GetTable(r.Table); !ok {
		return nil, types.TableNotFound(r.Table)
	}
	op, err := ops.NewOPInfo(types.OPSyncTable, r.Table, 0, ops.BuildArgs{})
	if err != nil {
		return nil, types.Internal("build op: %v", err)
	}
	id, st := s.sched.AddOPData(ctx, op)
	if !st.OK() {
		return nil, st
	}
	return &opIDsResp{OPIDs: []uint64{id}}, nil
}

func (s *Server) addReplicaCluster(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*addClusterReq)
	if st := s.cluster.AddReplicaCluster(ctx, r.Alias, r.Addresses, r.Zone); !st.OK() {
		return nil, st
	}
	return &emptyResp{}, nil
}

func (s *Server) removeReplicaCluster(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*aliasReq)
	if st := s.cluster.RemoveReplicaCluster(ctx, r.Alias); !st.OK() {
		return nil, st
	}
	return &emptyResp{}, nil
}

func (s *Server) showReplicaCluster(ctx context.Context, req interface{}) (interface{}, error) {
	return &clusterListResp{Clusters: s.cluster.ListClusters()}, nil
}

func (s *Server) switchMode(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	r := req.(*switchModeReq)
	if st := s.cluster.SwitchMode(ctx, r.Alias, r.Mode); !st.OK() {
		return nil, st
	}
	return &emptyResp{}, nil
}

// connectZK/disconnectZK are retained as admin no-ops for surface
// compatibility with the original's ZooKeeper session controls; this
// implementation's coordination service is raft (pkg/coord), which has
// no analogous manual connect/disconnect operation — session liveness
// is driven entirely by raft leadership transitions.
func (s *Server) connectZK(ctx context.Context, req interface{}) (interface{}, error) {
	return &emptyResp{}, nil
}

func (s *Server) disconnectZK(ctx context.Context, req interface{}) (interface{}, error) {
	return &emptyResp{}, nil
}

func (s *Server) confSet(ctx context.Context, req interface{}) (interface{}, error) {
	if err := s.ensureLeader(); err != nil {
		return nil, err
	}
	if s.conf == nil {
		return nil, types.BadRequest("config store not wired")
	}
	r := req.(*confReq)
	on := r.Value == "true"
	switch r.Key {
	case "auto_failover":
		s.conf.SetAutoFailover(on)
	case "auto_recover_table":
		s.conf.SetAutoRecoverTable(on)
	default:
		return nil, types.BadRequest("unknown conf key %q", r.Key)
	}
	return &emptyResp{}, nil
}

func (s *Server) confGet(ctx context.Context, req interface{}) (interface{}, error) {
	if s.conf == nil {
		return nil, types.BadRequest("config store not wired")
	}
	r := req.(*confReq)
	switch r.Key {
	case "auto_failover":
		return &confResp{Value: boolStr(s.conf.AutoFailover())}, nil
	case "auto_recover_table":
		return &confResp{Value: boolStr(s.conf.AutoRecoverTable())}, nil
	default:
		return nil, types.BadRequest("unknown conf key %q", r.Key)
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
