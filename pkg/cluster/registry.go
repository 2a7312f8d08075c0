// Package cluster implements the cluster registry (component C4): the
// catalog of peer replica clusters a leader cluster replicates tables to
// (or a follower cluster receives them from), along with the handshake
// bookkeeping AddReplicaClusterByNs/RemoveReplicaClusterByNs perform when
// a peer name server reports a replica add/remove on its side. It mirrors
// pkg/catalog's shape (in-memory map + coordination-store persistence,
// optimistic version token) since both are exclusive owners of one slice
// of cluster state.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/nscoord/pkg/log"
	"github.com/cuemby/nscoord/pkg/metrics"
	"github.com/cuemby/nscoord/pkg/types"
)

const clusterInfoPrefix = "cluster_info/"

// Store is the coordination primitives the registry persists through.
// Defined locally, mirroring pkg/catalog's Store, to keep this package
// testable against a fake without importing pkg/coord.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Get(key string) ([]byte, bool)
	List(prefix string) map[string][]byte
}

// Registry is the in-memory peer-cluster registry, mirrored to the
// coordination store for durability.
type Registry struct {
	store Store

	mu       sync.RWMutex
	clusters map[string]*types.ClusterInfo
}

// New creates an empty registry backed by store.
func New(store Store) *Registry {
	return &Registry{store: store, clusters: make(map[string]*types.ClusterInfo)}
}

// Recover rebuilds the in-memory mirror from the coordination store's
// cluster_info/ nodes, called once after acquiring the coordination lock.
func (r *Registry) Recover() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, raw := range r.store.List(clusterInfoPrefix) {
		var info types.ClusterInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return fmt.Errorf("cluster: recover %s: %w", key, err)
		}
		r.clusters[info.Alias] = &info
	}
	log.Logger.Info().Int("count", len(r.clusters)).Msg("cluster: recovered peer clusters")
	return nil
}

// ListClusters returns every registered peer cluster.
func (r *Registry) ListClusters() []*types.ClusterInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ClusterInfo, 0, len(r.clusters))
	for _, c := range r.clusters {
		clone := *c
		out = append(out, &clone)
	}
	return out
}

// GetCluster returns a peer cluster by alias.
func (r *Registry) GetCluster(alias string) (*types.ClusterInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[alias]
	if !ok {
		return nil, false
	}
	clone := *c
	return &clone, true
}

// AddReplicaCluster registers a new peer cluster this leader replicates
// tables to. Fails if alias is already registered.
func (r *Registry) AddReplicaCluster(ctx context.Context, alias string, addresses []string, zone string) *types.Status {
	r.mu.Lock()
	if _, exists := r.clusters[alias]; exists {
		r.mu.Unlock()
		return types.NameExists(alias)
	}
	info := &types.ClusterInfo{
		Alias:      alias,
		Addresses:  addresses,
		Zone:       zone,
		Term:       1,
		Health:     types.ClusterHealthy,
		Mode:       types.ModeFollowerCluster,
		LastStatus: make(map[string]uint64),
	}
	r.mu.Unlock()

	if err := r.persist(ctx, info); err != nil {
		return types.Internal("persist cluster: %v", err)
	}

	r.mu.Lock()
	r.clusters[alias] = info
	r.mu.Unlock()

	metrics.ClusterHealthGauge.WithLabelValues(alias).Set(1)
	log.Logger.Info().Str("alias", alias).Msg("cluster: peer cluster registered")
	return types.OKStatus()
}

// RemoveReplicaCluster deregisters a peer cluster entirely.
func (r *Registry) RemoveReplicaCluster(ctx context.Context, alias string) *types.Status {
	r.mu.Lock()
	if _, exists := r.clusters[alias]; !exists {
		r.mu.Unlock()
		return types.NewStatus(types.CodeBadRequest, "cluster %q not found", alias)
	}
	delete(r.clusters, alias)
	r.mu.Unlock()

	if err := r.store.Delete(ctx, clusterInfoPrefix+alias); err != nil {
		return types.Internal("delete cluster: %v", err)
	}
	metrics.ClusterHealthGauge.DeleteLabelValues(alias)
	log.Logger.Info().Str("alias", alias).Msg("cluster: peer cluster removed")
	return types.OKStatus()
}

// SwitchMode toggles a peer cluster between leader and follower role, the
// admin-driven side of a failover (spec §4.4's SwitchMode RPC).
func (r *Registry) SwitchMode(ctx context.Context, alias string, mode types.ClusterMode) *types.Status {
	return r.mutate(ctx, alias, func(info *types.ClusterInfo) error {
		info.Mode = mode
		info.Term++
		return nil
	})
}

// SetHealth records the observed health of a peer cluster, driven by the
// reconciler's periodic CheckClusterInfo job.
func (r *Registry) SetHealth(ctx context.Context, alias string, healthy bool) *types.Status {
	health := types.ClusterUnhealthy
	if healthy {
		health = types.ClusterHealthy
	}
	st := r.mutate(ctx, alias, func(info *types.ClusterInfo) error {
		info.Health = health
		return nil
	})
	if st.OK() {
		v := 0.0
		if healthy {
			v = 1.0
		}
		metrics.ClusterHealthGauge.WithLabelValues(alias).Set(v)
	}
	return st
}

// RecordTableVersion updates the last-seen version for one table against
// a peer cluster, called after a successful SyncTable/CreateTableRemote
// dispatch so the next CheckClusterInfo cycle doesn't re-flag it.
func (r *Registry) RecordTableVersion(ctx context.Context, alias, table string, version uint64) *types.Status {
	return r.mutate(ctx, alias, func(info *types.ClusterInfo) error {
		if info.LastStatus == nil {
			info.LastStatus = make(map[string]uint64)
		}
		info.LastStatus[table] = version
		return nil
	})
}

// AddReplicaClusterByNs is invoked on the follower side when a leader
// cluster's AddReplicaRemote task reports a new partition replica for a
// cross-cluster table (spec §6's peer RPC of the same name); it bumps the
// peer's term to fence stale replays the way ChangeLeader fences a stale
// leader.
func (r *Registry) AddReplicaClusterByNs(ctx context.Context, alias string) *types.Status {
	return r.mutate(ctx, alias, func(info *types.ClusterInfo) error {
		info.Term++
		return nil
	})
}

// RemoveReplicaClusterByNs is the inverse of AddReplicaClusterByNs.
func (r *Registry) RemoveReplicaClusterByNs(ctx context.Context, alias string) *types.Status {
	return r.mutate(ctx, alias, func(info *types.ClusterInfo) error {
		info.Term++
		return nil
	})
}

// CompareTableInfo reports whether alias's last-seen version for table
// matches currentVersion; a mismatch means the peer's copy is stale and a
// SyncTableOP should be scheduled (spec §4.4 CheckClusterInfo).
func (r *Registry) CompareTableInfo(alias, table string, currentVersion uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.clusters[alias]
	if !ok {
		return true
	}
	return info.LastStatus[table] == currentVersion
}

func (r *Registry) mutate(ctx context.Context, alias string, fn func(*types.ClusterInfo) error) *types.Status {
	r.mu.Lock()
	info, exists := r.clusters[alias]
	if !exists {
		r.mu.Unlock()
		return types.NewStatus(types.CodeBadRequest, "cluster %q not found", alias)
	}
	clone := *info
	r.mu.Unlock()

	if err := fn(&clone); err != nil {
		return types.BadRequest("%s", err.Error())
	}
	if err := r.persist(ctx, &clone); err != nil {
		return types.Internal("persist cluster: %v", err)
	}

	r.mu.Lock()
	r.clusters[alias] = &clone
	r.mu.Unlock()
	return types.OKStatus()
}

func (r *Registry) persist(ctx context.Context, info *types.ClusterInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, clusterInfoPrefix+info.Alias, data)
}
