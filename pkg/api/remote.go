package api

import (
	"context"

	"github.com/cuemby/nscoord/pkg/ops"
	"github.com/cuemby/nscoord/pkg/types"
)

// RemoteBackend adapts this name server's Catalog/Scheduler to
// pkg/nsrpc.Backend: the inbound half of the peer-name-server RPC bank
// (spec §6) a remote cluster's *Remote task primitives dispatch against.
// It is the mirror image of Server: Server fields admin calls from
// operators, RemoteBackend fields calls from peer clusters, and both
// funnel into the same Catalog/Scheduler.
type RemoteBackend struct {
	catalog Catalog
	sched   Scheduler
}

// NewRemoteBackend wires a RemoteBackend over the same Catalog/Scheduler
// instances the admin Server uses.
func NewRemoteBackend(cat Catalog, sched Scheduler) *RemoteBackend {
	return &RemoteBackend{catalog: cat, sched: sched}
}

// CreateTableRemote is the follower side of a CreateTableRemoteOP: create
// the table locally, then submit the ordinary CreateTable task DAG per
// partition the way a local admin CreateTable call does.
func (b *RemoteBackend) CreateTableRemote(ctx context.Context, table *types.TableInfo) *types.Status {
	if st := b.catalog.CreateTable(ctx, table); !st.OK() {
		return st
	}
	placed, ok := b.catalog.GetTable(table.Name)
	if !ok {
		return types.TableNotFound(table.Name)
	}
	for pid := range placed.Partitions {
		op, err := ops.NewOPInfo(types.OPCreateTable, placed.Name, uint32(pid), ops.BuildArgs{Table: placed, PID: uint32(pid)})
		if err != nil {
			return types.Internal("build op: %v", err)
		}
		if _, st := b.sched.AddOPData(ctx, op); !st.OK() {
			return st
		}
	}
	return types.OKStatus()
}

// DropTableRemote is the follower side of a DropTableRemoteOP.
func (b *RemoteBackend) DropTableRemote(ctx context.Context, name string) *types.Status {
	table, ok := b.catalog.GetTable(name)
	if !ok {
		// Idempotent: spec's boundary behavior for "table already gone".
		return types.OKStatus()
	}
	for pid := range table.Partitions {
		op, err := ops.NewOPInfo(types.OPDropTable, table.Name, uint32(pid), ops.BuildArgs{Table: table, PID: uint32(pid)})
		if err != nil {
			return types.Internal("build op: %v", err)
		}
		if _, st := b.sched.AddOPData(ctx, op); !st.OK() {
			return st
		}
	}
	return b.catalog.DeleteTable(ctx, name)
}

// AddReplicaClusterByNs is the follower side of an AddReplicaRemoteOP: the
// leader cluster reports a new partition replica, and this cluster
// submits the matching local AddReplica task DAG (spec §4.6 "the peer
// executes its own sub-OP").
func (b *RemoteBackend) AddReplicaClusterByNs(ctx context.Context, table string, pid uint32, followerEndpoint string) *types.Status {
	t, ok := b.catalog.GetTable(table)
	if !ok {
		return types.TableNotFound(table)
	}
	op, err := ops.NewOPInfo(types.OPAddReplica, table, pid, ops.BuildArgs{Table: t, PID: pid, Endpoint: followerEndpoint})
	if err != nil {
		return types.Internal("build op: %v", err)
	}
	_, st := b.sched.AddOPData(ctx, op)
	return st
}

// RemoveReplicaClusterByNs is AddReplicaClusterByNs's inverse.
func (b *RemoteBackend) RemoveReplicaClusterByNs(ctx context.Context, table string, pid uint32, followerEndpoint string) *types.Status {
	t, ok := b.catalog.GetTable(table)
	if !ok {
		return types.TableNotFound(table)
	}
	op, err := ops.NewOPInfo(types.OPDelReplica, table, pid, ops.BuildArgs{Table: t, PID: pid, Endpoint: followerEndpoint})
	if err != nil {
		return types.Internal("build op: %v", err)
	}
	_, st := b.sched.AddOPData(ctx, op)
	return st
}

// SyncTable is the follower side of a SyncTableOP: this cluster's local
// view of table is the one to reconcile against the leader's.
func (b *RemoteBackend) SyncTable(ctx context.Context, table string) *types.Status {
	if _, ok := b.catalog.GetTable(table); !ok {
		return types.TableNotFound(table)
	}
	op, err := ops.NewOPInfo(types.OPSyncTable, table, 0, ops.BuildArgs{})
	if err != nil {
		return types.Internal("build op: %v", err)
	}
	_, st := b.sched.AddOPData(ctx, op)
	return st
}

// ShowOPStatus lets a peer poll progress on the sub-OP its *Remote task
// spawned here (spec §4.6 "UpdateTaskStatusRemote").
func (b *RemoteBackend) ShowOPStatus(opID uint64) (*types.OPInfo, bool) {
	return b.sched.ShowOPStatus(opID)
}

// DeleteOPTask garbage-collects a completed sub-OP once the peer has
// polled its final status (spec §4.6 "DeleteTaskRemote").
func (b *RemoteBackend) DeleteOPTask(ctx context.Context, opID uint64) *types.Status {
	return b.sched.DeleteOPTask(ctx, opID)
}
