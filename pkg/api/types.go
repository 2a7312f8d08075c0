package api

import "github.com/cuemby/nscoord/pkg/types"

type emptyReq struct{}
type emptyResp struct{}

type tableNameReq struct {
	Table string `json:"table"`
}

type opIDReq struct {
	OPID uint64 `json:"op_id"`
}

type opIDsResp struct {
	OPIDs []uint64 `json:"op_ids"`
}

type partitionReq struct {
	Table string `json:"table"`
	PID   uint32 `json:"pid"`
}

type replicaReq struct {
	Table    string `json:"table"`
	PID      uint32 `json:"pid"`
	Endpoint string `json:"endpoint"`
}

type migrateReq struct {
	Table    string `json:"table"`
	PID      uint32 `json:"pid"`
	From     string `json:"from"`
	Endpoint string `json:"endpoint"`
}

type endpointReq struct {
	Endpoint string `json:"endpoint"`
}

type recoverEndpointReq struct {
	Table    string `json:"table"`
	PID      uint32 `json:"pid"`
	Endpoint string `json:"endpoint"`
}

type aliveStatusReq struct {
	Table    string `json:"table"`
	PID      uint32 `json:"pid"`
	Endpoint string `json:"endpoint"`
	IsLeader bool   `json:"is_leader"`
	IsAlive  bool   `json:"is_alive"`
}

type addIndexReq struct {
	Table string                `json:"table"`
	Index types.IndexDescriptor `json:"index"`
}

type deleteIndexReq struct {
	Table     string `json:"table"`
	IndexName string `json:"index_name"`
}

type addFieldReq struct {
	Table  string       `json:"table"`
	Column types.Column `json:"column"`
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
	Alias string           `json:"alias"`
	Mode  types.ClusterMode `json:"mode"`
}

type confReq struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type confResp struct {
	Value string `json:"value"`
}

type showTableResp struct {
	Tables []*types.TableInfo `json:"tables"`
}

type showTabletResp struct {
	Tablets     []types.Tablet     `json:"tablets"`
	BlobServers []types.BlobServer `json:"blob_servers"`
}

type clusterListResp struct {
	Clusters []*types.ClusterInfo `json:"clusters"`
}
