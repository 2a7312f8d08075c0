// Package api is the name server's admin RPC surface (component C8's
// admin-facing half): every CreateTable/DropTable/AddReplicaNS/ShowTable-
// style call an operator or nsctl issues. It follows the teacher's
// Server-wraps-manager shape and its ensureLeader() guard on mutating
// calls, adapted to this module's hand-rolled JSON-codec grpc service
// (pkg/rpc) in place of a protoc-generated stub, and to plaintext
// transport since mTLS is out of scope for this control plane.
package api

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/cuemby/nscoord/pkg/log"
	"github.com/cuemby/nscoord/pkg/metrics"
	"github.com/cuemby/nscoord/pkg/rpc"
	"github.com/cuemby/nscoord/pkg/types"
)

// ServiceName is this service's fully-qualified RPC name.
const ServiceName = "nsapi.AdminService"

// Leader is the coordination-lock check every mutating call guards on.
type Leader interface {
	IsLeader() bool
	LeaderAddr() string
}

// Catalog is the subset of pkg/catalog the admin surface drives.
type Catalog interface {
	GetTable(name string) (*types.TableInfo, bool)
	ListTables() []*types.TableInfo
	ListTablets() []types.Tablet
	ListBlobServers() []types.BlobServer
	CreateTable(ctx context.Context, info *types.TableInfo) *types.Status
	DeleteTable(ctx context.Context, name string) *types.Status
	UpdatePartitionStatus(ctx context.Context, table string, pid uint32, endpoint string, isLeader, isAlive bool) *types.Status
	AddTableField(ctx context.Context, table string, col types.Column) *types.Status
}

// Scheduler is the subset of pkg/scheduler the admin surface drives.
type Scheduler interface {
	AddOPData(ctx context.Context, op *types.OPInfo) (uint64, *types.Status)
	ShowOPStatus(opID uint64) (*types.OPInfo, bool)
	CancelOP(opID uint64) *types.Status
	DeleteOPTask(ctx context.Context, opID uint64) *types.Status
}

// ClusterRegistry is the subset of pkg/cluster the admin surface drives.
type ClusterRegistry interface {
	AddReplicaCluster(ctx context.Context, alias string, addresses []string, zone string) *types.Status
	RemoveReplicaCluster(ctx context.Context, alias string) *types.Status
	ListClusters() []*types.ClusterInfo
	SwitchMode(ctx context.Context, alias string, mode types.ClusterMode) *types.Status
}

// Server implements the admin RPC surface over Catalog/Scheduler/
// ClusterRegistry, gated by Leader for every state-mutating call.
type Server struct {
	leader  Leader
	catalog Catalog
	sched   Scheduler
	cluster ClusterRegistry
	conf    ConfStore
	grpc    *grpc.Server
}

// NewServer wires an admin server over its three backing components.
func NewServer(leader Leader, cat Catalog, sched Scheduler, cl ClusterRegistry) *Server {
	return &Server{leader: leader, catalog: cat, sched: sched, cluster: cl}
}

// ensureLeader mirrors the teacher's guard: mutating admin calls fail
// fast with the current leader's address rather than silently
// succeeding against state that will never be durable.
func (s *Server) ensureLeader() error {
	if s.leader.IsLeader() {
		return nil
	}
	addr := s.leader.LeaderAddr()
	if addr == "" {
		return types.NotLeader()
	}
	return types.NewStatus(types.CodeNotLeader, "not the leader, current leader is at: %s", addr)
}

// Start listens on addr and serves the admin RPC surface.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen: %w", err)
	}
	s.grpc = grpc.NewServer()
	desc := s.serviceDesc()
	s.grpc.RegisterService(&desc, s)
	log.Logger.Info().Str("addr", addr).Msg("api: admin RPC surface listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight admin RPCs.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

func (s *Server) serviceDesc() grpc.ServiceDesc {
	return rpc.BuildServiceDesc(ServiceName, s, []rpc.MethodBinding{
		{Name: "CreateTable", NewRequest: func() interface{} { return &types.TableInfo{} }, Handler: wrap("CreateTable", (*Server).createTable)},
		{Name: "DropTable", NewRequest: func() interface{} { return &tableNameReq{} }, Handler: wrap("DropTable", (*Server).dropTable)},
		{Name: "ShowTable", NewRequest: func() interface{} { return &tableNameReq{} }, Handler: wrap("ShowTable", (*Server).showTable)},
		{Name: "ShowTablet", NewRequest: func() interface{} { return &emptyReq{} }, Handler: wrap("ShowTablet", (*Server).showTablet)},
		{Name: "ShowOPStatus", NewRequest: func() interface{} { return &opIDReq{} }, Handler: wrap("ShowOPStatus", (*Server).showOPStatus)},
		{Name: "CancelOP", NewRequest: func() interface{} { return &opIDReq{} }, Handler: wrap("CancelOP", (*Server).cancelOP)},
		{Name: "AddReplicaNS", NewRequest: func() interface{} { return &replicaReq{} }, Handler: wrap("AddReplicaNS", (*Server).addReplicaNS)},
		{Name: "DelReplicaNS", NewRequest: func() interface{} { return &replicaReq{} }, Handler: wrap("DelReplicaNS", (*Server).delReplicaNS)},
		{Name: "ChangeLeader", NewRequest: func() interface{} { return &partitionReq{} }, Handler: wrap("ChangeLeader", (*Server).changeLeader)},
		{Name: "Migrate", NewRequest: func() interface{} { return &migrateReq{} }, Handler: wrap("Migrate", (*Server).migrate)},
		{Name: "OfflineEndpoint", NewRequest: func() interface{} { return &endpointReq{} }, Handler: wrap("OfflineEndpoint", (*Server).offlineEndpoint)},
		{Name: "RecoverEndpoint", NewRequest: func() interface{} { return &recoverEndpointReq{} }, Handler: wrap("RecoverEndpoint", (*Server).recoverEndpoint)},
		{Name: "RecoverTable", NewRequest: func() interface{} { return &partitionReq{} }, Handler: wrap("RecoverTable", (*Server).recoverTable)},
		{Name: "MakeSnapshotNS", NewRequest: func() interface{} { return &partitionReq{} }, Handler: wrap("MakeSnapshotNS", (*Server).makeSnapshot)},
		{Name: "UpdateTableAliveStatus", NewRequest: func() interface{} { return &aliveStatusReq{} }, Handler: wrap("UpdateTableAliveStatus", (*Server).updateTableAliveStatus)},
		{Name: "SetTablePartition", NewRequest: func() interface{} { return &types.TableInfo{} }, Handler: wrap("SetTablePartition", (*Server).setTablePartition)},
		{Name: "GetTablePartition", NewRequest: func() interface{} { return &tableNameReq{} }, Handler: wrap("GetTablePartition", (*Server).getTablePartition)},
		{Name: "AddIndex", NewRequest: func() interface{} { return &addIndexReq{} }, Handler: wrap("AddIndex", (*Server).addIndex)},
		{Name: "DeleteIndex", NewRequest: func() interface{} { return &deleteIndexReq{} }, Handler: wrap("DeleteIndex", (*Server).deleteIndex)},
		{Name: "AddTableField", NewRequest: func() interface{} { return &addFieldReq{} }, Handler: wrap("AddTableField", (*Server).addTableField)},
		{Name: "UpdateTTL", NewRequest: func() interface{} { return &updateTTLReq{} }, Handler: wrap("UpdateTTL", (*Server).updateTTL)},
		{Name: "SyncTable", NewRequest: func() interface{} { return &tableNameReq{} }, Handler: wrap("SyncTable", (*Server).syncTable)},
		{Name: "LoadTable", NewRequest: func() interface{} { return &recoverEndpointReq{} }, Handler: wrap("LoadTable", (*Server).loadTable)},
		{Name: "AddReplicaCluster", NewRequest: func() interface{} { return &addClusterReq{} }, Handler: wrap("AddReplicaCluster", (*Server).addReplicaCluster)},
		{Name: "RemoveReplicaCluster", NewRequest: func() interface{} { return &aliasReq{} }, Handler: wrap("RemoveReplicaCluster", (*Server).removeReplicaCluster)},
		{Name: "ShowReplicaCluster", NewRequest: func() interface{} { return &emptyReq{} }, Handler: wrap("ShowReplicaCluster", (*Server).showReplicaCluster)},
		{Name: "SwitchMode", NewRequest: func() interface{} { return &switchModeReq{} }, Handler: wrap("SwitchMode", (*Server).switchMode)},
		{Name: "ConnectZK", NewRequest: func() interface{} { return &emptyReq{} }, Handler: wrap("ConnectZK", (*Server).connectZK)},
		{Name: "DisConnectZK", NewRequest: func() interface{} { return &emptyReq{} }, Handler: wrap("DisConnectZK", (*Server).disconnectZK)},
		{Name: "ConfSet", NewRequest: func() interface{} { return &confReq{} }, Handler: wrap("ConfSet", (*Server).confSet)},
		{Name: "ConfGet", NewRequest: func() interface{} { return &confReq{} }, Handler: wrap("ConfGet", (*Server).confGet)},
	})
}

// wrap adapts a (*Server, ctx, req)->(resp, error) method into the
// rpc.UnaryHandler shape BuildServiceDesc wants, tracking per-method
// request metrics the way the teacher's Server tracks every call.
func wrap(name string, fn func(*Server, context.Context, interface{}) (interface{}, error)) rpc.UnaryHandler {
	return func(ctx context.Context, srv interface{}, req interface{}) (interface{}, error) {
		s := srv.(*Server)
		timer := metrics.NewTimer()
		resp, err := fn(s, ctx, req)
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.APIRequestsTotal.WithLabelValues(name, status).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, name)
		return resp, err
	}
}

