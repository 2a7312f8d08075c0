// Package types holds the shared data model for the name server control
// plane: tablets, blob servers, tables, partitions, replicas, cluster
// peers, operations and tasks.
package types

import "time"

// LivenessState is the observed health of a tablet or blob server.
type LivenessState string

const (
	StateHealthy LivenessState = "kHealthy"
	StateOffline LivenessState = "kOffline"
)

// Tablet is a data-plane server hosting partition replicas.
type Tablet struct {
	Endpoint  string        `json:"endpoint"`
	State     LivenessState `json:"state"`
	FirstSeen time.Time     `json:"first_seen"`
}

// BlobServer has the same shape as Tablet; serves large-object partitions.
type BlobServer struct {
	Endpoint  string        `json:"endpoint"`
	State     LivenessState `json:"state"`
	FirstSeen time.Time     `json:"first_seen"`
}

// StorageMode tags where a table's data lives.
type StorageMode string

const (
	StorageMemory StorageMode = "memory"
	StorageDisk   StorageMode = "disk"
	StorageBlob   StorageMode = "blob"
)

// TTLType selects how a column's TTL is interpreted.
type TTLType string

const (
	TTLAbsolute TTLType = "absolute"
	TTLLatest   TTLType = "latest"
)

// TTLConfig describes time-to-live behavior for a column.
type TTLConfig struct {
	Type TTLType `json:"type"`
	TTL  int64   `json:"ttl"` // minutes for absolute, version count for latest
}

// Column describes one schema field.
type Column struct {
	Name      string    `json:"name"`
	DataType  string    `json:"data_type"`
	Nullable  bool      `json:"nullable"`
	IsTS      bool      `json:"is_ts"`
	TTL       TTLConfig `json:"ttl"`
}

// IndexDescriptor is a secondary index over one or more columns.
type IndexDescriptor struct {
	Name       string   `json:"name"`
	ColumnKeys []string `json:"column_keys"`
	TSColumn   string   `json:"ts_column,omitempty"`
}

// Replica is one tablet's copy of a partition.
type Replica struct {
	Endpoint string `json:"endpoint"`
	IsLeader bool   `json:"is_leader"`
	IsAlive  bool   `json:"is_alive"`
	Offset   uint64 `json:"offset"`
}

// Partition is one shard of a table.
type Partition struct {
	PID      uint32    `json:"pid"`
	Term     uint64    `json:"term"`
	Replicas []Replica `json:"replicas"`
}

// Leader returns the current leader replica, if any.
func (p *Partition) Leader() (Replica, bool) {
	for _, r := range p.Replicas {
		if r.IsLeader {
			return r, true
		}
	}
	return Replica{}, false
}

// ReplicaIndex returns the index of the replica hosted at endpoint, or -1.
func (p *Partition) ReplicaIndex(endpoint string) int {
	for i, r := range p.Replicas {
		if r.Endpoint == endpoint {
			return i
		}
	}
	return -1
}

// TableInfo is the full catalog record for one table.
type TableInfo struct {
	Name         string            `json:"name"`
	Columns      []Column          `json:"columns"`
	Indexes      []IndexDescriptor `json:"indexes"`
	PartitionNum uint32            `json:"partition_num"`
	ReplicaNum   uint32            `json:"replica_num"`
	StorageMode  StorageMode       `json:"storage_mode"`
	Partitions   []Partition       `json:"partitions"`
	Version      uint64            `json:"version"` // bumped on every successful UpdateTableInfo
	CreatedAt    time.Time         `json:"created_at"`
}

// ClusterHealth is the observed health of a peer replica cluster.
type ClusterHealth string

const (
	ClusterHealthy   ClusterHealth = "kHealthy"
	ClusterUnhealthy ClusterHealth = "kUnhealthy"
)

// ClusterMode selects which side of a cross-cluster mismatch wins.
type ClusterMode string

const (
	ModeLeaderCluster   ClusterMode = "kLeaderCluster"
	ModeFollowerCluster ClusterMode = "kFollowerCluster"
)

// ClusterInfo describes one peer replica cluster.
type ClusterInfo struct {
	Alias       string            `json:"alias"`
	Addresses   []string          `json:"addresses"` // peer name server endpoints
	Zone        string            `json:"zone"`
	Term        uint64            `json:"term"`
	Health      ClusterHealth     `json:"health"`
	Mode        ClusterMode       `json:"mode"`
	LastStatus  map[string]uint64 `json:"last_status"` // table name -> last-seen version
}

// OPType is the closed enumeration of operation kinds.
type OPType string

const (
	OPCreateTable         OPType = "CreateTable"
	OPDropTable            OPType = "DropTable"
	OPAddReplica           OPType = "AddReplica"
	OPDelReplica           OPType = "DelReplica"
	OPChangeLeader         OPType = "ChangeLeader"
	OPOfflineReplica       OPType = "OfflineReplica"
	OPRecoverTable         OPType = "RecoverTable"
	OPMigrate              OPType = "Migrate"
	OPMakeSnapshot         OPType = "MakeSnapshot"
	OPReAddReplica         OPType = "ReAddReplica"
	OPReAddReplicaSimplify OPType = "ReAddReplicaSimplify"
	OPReAddReplicaNoSend   OPType = "ReAddReplicaNoSend"
	OPReAddReplicaWithDrop OPType = "ReAddReplicaWithDrop"
	OPReLoadTable          OPType = "ReLoadTable"
	OPUpdatePartitionStatus OPType = "UpdatePartitionStatus"
	OPAddIndex             OPType = "AddIndex"
	OPDeleteIndex          OPType = "DeleteIndex"
	OPUpdateTTL            OPType = "UpdateTTL"
	OPSyncTable            OPType = "SyncTable"
	OPCreateTableRemote    OPType = "CreateTableRemote"
	OPDropTableRemote      OPType = "DropTableRemote"
	OPAddReplicaRemote     OPType = "AddReplicaRemote"
	OPAddReplicaRemoteSimplify OPType = "AddReplicaRemoteSimplify"
	OPDelReplicaRemote     OPType = "DelReplicaRemote"
)

// OPState tracks OP lifecycle; never regresses except via explicit cancel.
type OPState string

const (
	OPInited   OPState = "kInited"
	OPDoing    OPState = "kDoing"
	OPDone     OPState = "kDone"
	OPFailed   OPState = "kFailed"
	OPCanceled OPState = "kCanceled"
)

// IsTerminal reports whether state admits no further transitions.
func (s OPState) IsTerminal() bool {
	return s == OPDone || s == OPFailed || s == OPCanceled
}

// TaskType is the closed set of task primitives the scheduler dispatches.
type TaskType string

const (
	TaskMakeSnapshot           TaskType = "MakeSnapshot"
	TaskPauseSnapshot          TaskType = "PauseSnapshot"
	TaskRecoverSnapshot        TaskType = "RecoverSnapshot"
	TaskSendSnapshot           TaskType = "SendSnapshot"
	TaskLoadTable              TaskType = "LoadTable"
	TaskLoadTableRemote        TaskType = "LoadTableRemote"
	TaskAddReplica             TaskType = "AddReplica"
	TaskAddReplicaRemote       TaskType = "AddReplicaRemote"
	TaskAddReplicaNSRemote     TaskType = "AddReplicaNSRemote"
	TaskAddTableInfo           TaskType = "AddTableInfo"
	TaskDelReplica             TaskType = "DelReplica"
	TaskDelTableInfo           TaskType = "DelTableInfo"
	TaskUpdateTableInfo        TaskType = "UpdateTableInfo"
	TaskUpdatePartitionStatus  TaskType = "UpdatePartitionStatus"
	TaskSelectLeader           TaskType = "SelectLeader"
	TaskChangeLeader           TaskType = "ChangeLeader"
	TaskUpdateLeaderInfo       TaskType = "UpdateLeaderInfo"
	TaskCheckBinlogSyncProgress TaskType = "CheckBinlogSyncProgress"
	TaskDropTable              TaskType = "DropTable"
	TaskRecoverTable           TaskType = "RecoverTable"
	TaskCreateTableRemote      TaskType = "CreateTableRemote"
	TaskDropTableRemote        TaskType = "DropTableRemote"
	TaskDumpIndexData          TaskType = "DumpIndexData"
	TaskSendIndexData          TaskType = "SendIndexData"
	TaskLoadIndexData          TaskType = "LoadIndexData"
	TaskExtractIndexData       TaskType = "ExtractIndexData"
	TaskAddIndexToTablet       TaskType = "AddIndexToTablet"
	TaskTableSync              TaskType = "TableSync"
)

// TaskStatus tracks a task's lifecycle; never regresses (invariant I4).
type TaskStatus string

const (
	TaskInited   TaskStatus = "kInited"
	TaskDoing    TaskStatus = "kDoing"
	TaskDone     TaskStatus = "kDone"
	TaskFailed   TaskStatus = "kFailed"
	TaskCanceled TaskStatus = "kCanceled"
)

// IsTerminal reports whether status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskCanceled
}

// NoParentTask is the sentinel parent index for tasks that are not part of
// a nested sub-task tree (mirrors the original implementation's
// INVALID_PARENT_ID).
const NoParentTask = -1

// Task is a single atomic step of an OP.
type Task struct {
	TaskID     uint64                 `json:"task_id"`
	Type       TaskType               `json:"type"`
	Endpoint   string                 `json:"endpoint"`
	Status     TaskStatus             `json:"status"`
	ParentIdx  int                    `json:"parent_idx"` // NoParentTask if top-level
	Concurrent bool                   `json:"concurrent"` // siblings with same parent run in parallel
	Args       map[string]interface{} `json:"args"`
}

// OPInfo is a persistent, multi-step cluster-mutating operation.
type OPInfo struct {
	OPID       uint64    `json:"op_id"`
	Type       OPType    `json:"type"`
	TableName  string    `json:"table_name"`
	PID        uint32    `json:"pid"`
	ParentOPID uint64    `json:"parent_op_id,omitempty"`
	RemoteOPID uint64    `json:"remote_op_id,omitempty"`
	State      OPState   `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	Tasks      []Task    `json:"tasks"`
}

// FirstNonTerminalTask returns the index of the earliest task whose status
// is not terminal, or -1 if every task has finished.
func (op *OPInfo) FirstNonTerminalTask() int {
	for i := range op.Tasks {
		if !op.Tasks[i].Status.IsTerminal() {
			return i
		}
	}
	return -1
}
