// Package nsrpc is the name server's client to a peer name server: the
// cross-cluster RPC surface (component C8's peer-facing half) that the
// scheduler's remote task primitives dispatch against, and the
// corresponding server implementation peer clusters call into. It
// mirrors pkg/tablet's shape (a thin grpcClient over pkg/rpc's JSON
// codec) since both are name-server-initiated RPC clients to a single
// remote endpoint.
package nsrpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/nscoord/pkg/rpc"
	"github.com/cuemby/nscoord/pkg/types"
)

// ServiceName is the peer RPC service's fully-qualified name, mirrored on
// both the client dial path and the server's BuildServiceDesc call.
const ServiceName = "nsrpc.PeerService"

// Client is the RPC surface the scheduler's remote task primitives drive
// against a single peer name server. It satisfies pkg/scheduler's Peer
// interface.
type Client interface {
	AddReplicaClusterByNs(ctx context.Context, table string, pid uint32, followerEndpoint string) error
	RemoveReplicaClusterByNs(ctx context.Context, table string, pid uint32, followerEndpoint string) error
	CreateTableRemote(ctx context.Context, table *types.TableInfo) error
	DropTableRemote(ctx context.Context, table string) error
	SyncTable(ctx context.Context, table string) error
	GetTaskStatus(ctx context.Context, opID uint64) (*types.OPInfo, error)
	DeleteOPTask(ctx context.Context, opID uint64) error
	Close() error
}

type grpcClient struct {
	endpoint string
	conn     *grpc.ClientConn
	timeout  time.Duration
}

// Dial connects to a peer name server's admin-peer endpoint.
func Dial(endpoint string) (Client, error) {
	conn, err := rpc.Dial(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(rpc.CallOption()),
	)
	if err != nil {
		return nil, err
	}
	return &grpcClient{endpoint: endpoint, conn: conn, timeout: 15 * time.Second}, nil
}

func (c *grpcClient) invoke(ctx context.Context, method string, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, rpc.CallOption())
}

type replicaByNsReq struct {
	Table            string `json:"table"`
	PID              uint32 `json:"pid"`
	FollowerEndpoint string `json:"follower_endpoint"`
}

type emptyResp struct{}

func (c *grpcClient) AddReplicaClusterByNs(ctx context.Context, table string, pid uint32, followerEndpoint string) error {
	return c.invoke(ctx, "AddReplicaClusterByNs", &replicaByNsReq{Table: table, PID: pid, FollowerEndpoint: followerEndpoint}, &emptyResp{})
}

func (c *grpcClient) RemoveReplicaClusterByNs(ctx context.Context, table string, pid uint32, followerEndpoint string) error {
	return c.invoke(ctx, "RemoveReplicaClusterByNs", &replicaByNsReq{Table: table, PID: pid, FollowerEndpoint: followerEndpoint}, &emptyResp{})
}

type createTableRemoteReq struct {
	Table *types.TableInfo `json:"table"`
}

func (c *grpcClient) CreateTableRemote(ctx context.Context, table *types.TableInfo) error {
	return c.invoke(ctx, "CreateTableRemote", &createTableRemoteReq{Table: table}, &emptyResp{})
}

type tableNameReq struct {
	Table string `json:"table"`
}

func (c *grpcClient) DropTableRemote(ctx context.Context, table string) error {
	return c.invoke(ctx, "DropTableRemote", &tableNameReq{Table: table}, &emptyResp{})
}

func (c *grpcClient) SyncTable(ctx context.Context, table string) error {
	return c.invoke(ctx, "SyncTable", &tableNameReq{Table: table}, &emptyResp{})
}

type opIDReq struct {
	OPID uint64 `json:"op_id"`
}

func (c *grpcClient) GetTaskStatus(ctx context.Context, opID uint64) (*types.OPInfo, error) {
	var resp types.OPInfo
	if err := c.invoke(ctx, "GetTaskStatus", &opIDReq{OPID: opID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *grpcClient) DeleteOPTask(ctx context.Context, opID uint64) error {
	return c.invoke(ctx, "DeleteOPTask", &opIDReq{OPID: opID}, &emptyResp{})
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}
