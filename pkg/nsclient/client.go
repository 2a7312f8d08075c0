// Package nsclient is the admin RPC client nsctl and other operator
// tooling dial against. It mirrors pkg/tablet and pkg/nsrpc's
// grpcClient-over-pkg/rpc shape: a thin wrapper around a JSON-coded grpc
// connection rather than a protoc-generated stub, talking to
// pkg/api.Server's hand-built ServiceDesc.
package nsclient

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/nscoord/pkg/rpc"
	"github.com/cuemby/nscoord/pkg/types"
)

const serviceName = "nsapi.AdminService"

// Client is the operator-facing RPC surface: every admin call nsctl can
// issue against a name server's admin gRPC address.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial connects to a name server's admin RPC address.
func Dial(addr string) (*Client, error) {
	conn, err := rpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(rpc.CallOption()),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, timeout: 15 * time.Second}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp, rpc.CallOption())
}

type opIDsResp struct {
	OPIDs []uint64 `json:"op_ids"`
}

type tableNameReq struct {
	Table string `json:"table"`
}

type showTableResp struct {
	Tables []*types.TableInfo `json:"tables"`
}

type opIDReq struct {
	OPID uint64 `json:"op_id"`
}

type addIndexReq struct {
	Table string                `json:"table"`
	Index types.IndexDescriptor `json:"index"`
}

type deleteIndexReq struct {
	Table     string `json:"table"`
	IndexName string `json:"index_name"`
}

type updateTTLReq struct {
	Table  string          `json:"table"`
	Column string          `json:"column"`
	TTL    types.TTLConfig `json:"ttl"`
}

type addClusterReq struct {
	Alias     string   `json:"alias"`
	Addresses []string `json:"addresses"`
	Zone      string   `json:"zone"`
}

type aliasReq struct {
	Alias string `json:"alias"`
}

type switchModeReq struct {
	Alias string            `json:"alias"`
	Mode  types.ClusterMode `json:"mode"`
}

type clusterListResp struct {
	Clusters []*types.ClusterInfo `json:"clusters"`
}

type confReq struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type confResp struct {
	Value string `json:"value"`
}

type emptyReq struct{}

// CreateTable submits a CreateTableOP for every partition of table.
func (c *Client) CreateTable(ctx context.Context, table *types.TableInfo) ([]uint64, error) {
	var resp opIDsResp
	if err := c.invoke(ctx, "CreateTable", table, &resp); err != nil {
		return nil, err
	}
	return resp.OPIDs, nil
}

// DropTable submits a DropTableOP for table.
func (c *Client) DropTable(ctx context.Context, table string) ([]uint64, error) {
	var resp opIDsResp
	if err := c.invoke(ctx, "DropTable", &tableNameReq{Table: table}, &resp); err != nil {
		return nil, err
	}
	return resp.OPIDs, nil
}

// ShowTable returns every table, or one table when name is non-empty.
func (c *Client) ShowTable(ctx context.Context, name string) ([]*types.TableInfo, error) {
	var resp showTableResp
	if err := c.invoke(ctx, "ShowTable", &tableNameReq{Table: name}, &resp); err != nil {
		return nil, err
	}
	return resp.Tables, nil
}

// ShowOPStatus returns the current state of a submitted OP.
func (c *Client) ShowOPStatus(ctx context.Context, opID uint64) (*types.OPInfo, error) {
	var op types.OPInfo
	if err := c.invoke(ctx, "ShowOPStatus", &opIDReq{OPID: opID}, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// CancelOP cancels a not-yet-terminal OP.
func (c *Client) CancelOP(ctx context.Context, opID uint64) error {
	var resp struct{}
	return c.invoke(ctx, "CancelOP", &opIDReq{OPID: opID}, &resp)
}

// AddIndex submits an AddIndexOP.
func (c *Client) AddIndex(ctx context.Context, table string, idx types.IndexDescriptor) ([]uint64, error) {
	var resp opIDsResp
	if err := c.invoke(ctx, "AddIndex", &addIndexReq{Table: table, Index: idx}, &resp); err != nil {
		return nil, err
	}
	return resp.OPIDs, nil
}

// DeleteIndex submits a DeleteIndexOP.
func (c *Client) DeleteIndex(ctx context.Context, table, indexName string) ([]uint64, error) {
	var resp opIDsResp
	if err := c.invoke(ctx, "DeleteIndex", &deleteIndexReq{Table: table, IndexName: indexName}, &resp); err != nil {
		return nil, err
	}
	return resp.OPIDs, nil
}

// UpdateTTL submits an UpdateTTLOP.
func (c *Client) UpdateTTL(ctx context.Context, table, column string, ttl types.TTLConfig) ([]uint64, error) {
	var resp opIDsResp
	if err := c.invoke(ctx, "UpdateTTL", &updateTTLReq{Table: table, Column: column, TTL: ttl}, &resp); err != nil {
		return nil, err
	}
	return resp.OPIDs, nil
}

// AddReplicaCluster registers a peer cluster to replicate tables to.
func (c *Client) AddReplicaCluster(ctx context.Context, alias string, addresses []string, zone string) error {
	var resp struct{}
	return c.invoke(ctx, "AddReplicaCluster", &addClusterReq{Alias: alias, Addresses: addresses, Zone: zone}, &resp)
}

// RemoveReplicaCluster de-registers a peer cluster.
func (c *Client) RemoveReplicaCluster(ctx context.Context, alias string) error {
	var resp struct{}
	return c.invoke(ctx, "RemoveReplicaCluster", &aliasReq{Alias: alias}, &resp)
}

// ShowReplicaCluster lists every registered peer cluster.
func (c *Client) ShowReplicaCluster(ctx context.Context) ([]*types.ClusterInfo, error) {
	var resp clusterListResp
	if err := c.invoke(ctx, "ShowReplicaCluster", &emptyReq{}, &resp); err != nil {
		return nil, err
	}
	return resp.Clusters, nil
}

// SwitchMode flips a peer cluster between leader and follower mode.
func (c *Client) SwitchMode(ctx context.Context, alias string, mode types.ClusterMode) error {
	var resp struct{}
	return c.invoke(ctx, "SwitchMode", &switchModeReq{Alias: alias, Mode: mode}, &resp)
}

// ConfSet sets a runtime configuration flag (auto_failover, auto_recover_table).
func (c *Client) ConfSet(ctx context.Context, key, value string) error {
	var resp confResp
	return c.invoke(ctx, "ConfSet", &confReq{Key: key, Value: value}, &resp)
}

// ConfGet reads a runtime configuration flag.
func (c *Client) ConfGet(ctx context.Context, key string) (string, error) {
	var resp confResp
	if err := c.invoke(ctx, "ConfGet", &confReq{Key: key}, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}
