package nsrpc

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

// Backend is the subset of the name server's own components the peer RPC
// server dispatches into. Defined locally so this package doesn't import
// pkg/catalog/pkg/scheduler/pkg/cluster directly, keeping it testable
// against a fake backend.
type Backend interface {
	CreateTableRemote(ctx context.Context, table *types.TableInfo) *types.Status
	DropTableRemote(ctx context.Context, name string) *types.Status
	AddReplicaClusterByNs(ctx context.Context, table string, pid uint32, followerEndpoint string) *types.Status
	RemoveReplicaClusterByNs(ctx context.Context, table string, pid uint32, followerEndpoint string) *types.Status
	SyncTable(ctx context.Context, table string) *types.Status
	ShowOPStatus(opID uint64) (*types.OPInfo, bool)
	DeleteOPTask(ctx context.Context, opID uint64) *types.Status
}

// Server exposes Backend over the peer RPC surface described in spec §6:
// the calls a remote cluster's name server makes against this one.
type Server struct {
	backend Backend
	grpc    *grpc.Server
}

// NewServer wraps backend for registration with a grpc.Server.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

// ServiceDesc builds the grpc.ServiceDesc for Register on a grpc.Server.
func (s *Server) ServiceDesc() grpc.ServiceDesc {
	return rpc.BuildServiceDesc(ServiceName, s, []rpc.MethodBinding{
		{Name: "AddReplicaClusterByNs", NewRequest: func() interface{} { return &replicaByNsReq{} }, Handler: handleAddReplicaClusterByNs},
		{Name: "RemoveReplicaClusterByNs", NewRequest: func() interface{} { return &replicaByNsReq{} }, Handler: handleRemoveReplicaClusterByNs},
		{Name: "CreateTableRemote", NewRequest: func() interface{} { return &createTableRemoteReq{} }, Handler: handleCreateTableRemote},
		{Name: "DropTableRemote", NewRequest: func() interface{} { return &tableNameReq{} }, Handler: handleDropTableRemote},
		{Name: "SyncTable", NewRequest: func() interface{} { return &tableNameReq{} }, Handler: handleSyncTable},
		{Name: "GetTaskStatus", NewRequest: func() interface{} { return &opIDReq{} }, Handler: handleGetTaskStatus},
		{Name: "DeleteOPTask", NewRequest: func() interface{} { return &opIDReq{} }, Handler: handleDeleteOPTask},
	})
}

// Start listens on addr and serves the peer RPC surface, mirroring
// pkg/api.Server's Start.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("nsrpc: listen: %w", err)
	}
	s.grpc = grpc.NewServer()
	desc := s.ServiceDesc()
	s.grpc.RegisterService(&desc, s)
	log.Logger.Info().Str("addr", addr).Msg("nsrpc: peer RPC surface listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight peer RPCs.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

func statusErr(st *types.Status) error {
	if st.OK() {
		return nil
	}
	return st
}

func handleAddReplicaClusterByNs(ctx context.Context, srv interface{}, req interface{}) (interface{}, error) {
	s := srv.(*Server)
	r := req.(*replicaByNsReq)
	metrics.APIRequestsTotal.WithLabelValues("AddReplicaClusterByNs", "received").Inc()
	st := s.backend.AddReplicaClusterByNs(ctx, r.Table, r.PID, r.FollowerEndpoint)
	return &emptyResp{}, statusErr(st)
}

func handleRemoveReplicaClusterByNs(ctx context.Context, srv interface{}, req interface{}) (interface{}, error) {
	s := srv.(*Server)
	r := req.(*replicaByNsReq)
	st := s.backend.RemoveReplicaClusterByNs(ctx, r.Table, r.PID, r.FollowerEndpoint)
	return &emptyResp{}, statusErr(st)
}

func handleCreateTableRemote(ctx context.Context, srv interface{}, req interface{}) (interface{}, error) {
	s := srv.(*Server)
	r := req.(*createTableRemoteReq)
	st := s.backend.CreateTableRemote(ctx, r.Table)
	return &emptyResp{}, statusErr(st)
}

func handleDropTableRemote(ctx context.Context, srv interface{}, req interface{}) (interface{}, error) {
	s := srv.(*Server)
	r := req.(*tableNameReq)
	st := s.backend.DropTableRemote(ctx, r.Table)
	return &emptyResp{}, statusErr(st)
}

func handleSyncTable(ctx context.Context, srv interface{}, req interface{}) (interface{}, error) {
	s := srv.(*Server)
	r := req.(*tableNameReq)
	st := s.backend.SyncTable(ctx, r.Table)
	return &emptyResp{}, statusErr(st)
}

func handleGetTaskStatus(ctx context.Context, srv interface{}, req interface{}) (interface{}, error) {
	s := srv.(*Server)
	r := req.(*opIDReq)
	op, ok := s.backend.ShowOPStatus(r.OPID)
	if !ok {
		return nil, fmt.Errorf("op %d not found", r.OPID)
	}
	return op, nil
}

func handleDeleteOPTask(ctx context.Context, srv interface{}, req interface{}) (interface{}, error) {
	s := srv.(*Server)
	r := req.(*opIDReq)
	st := s.backend.DeleteOPTask(ctx, r.OPID)
	return &emptyResp{}, statusErr(st)
}
