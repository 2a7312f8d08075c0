// Package catalog implements the name server's catalog store (component
// C3): the authoritative in-memory table/partition/replica registry,
// persisted through the coordination client, with optimistic updates and
// schema validation. It is the exclusive owner of Table and Partition
// state — every other component reads and mutates it only through this
// package's API.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"github.com/cuemby/nscoord/pkg/log"
	"github.com/cuemby/nscoord/pkg/metrics"
	"github.com/cuemby/nscoord/pkg/types"
)

const tableDataPrefix = "table_data/"

// Store is the subset of the coordination client the catalog needs:
// replicated put/delete and a local read mirror. Defined locally so this
// package does not depend on pkg/coord and can be tested against a fake.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Get(key string) ([]byte, bool)
	List(prefix string) map[string][]byte
}

// Catalog is the in-memory table/partition registry, mirrored to the
// coordination store for durability.
type Catalog struct {
	store Store

	mu      sync.RWMutex
	tables  map[string]*types.TableInfo
	version map[string]uint64 // optimistic-update version per table

	tabletsMu   sync.RWMutex
	tablets     map[string]types.Tablet
	blobServers map[string]types.BlobServer
}

// New creates an empty catalog backed by store. Callers recover persisted
// state afterward via Recover.
func New(store Store) *Catalog {
	return &Catalog{
		store:       store,
		tables:      make(map[string]*types.TableInfo),
		version:     make(map[string]uint64),
		tablets:     make(map[string]types.Tablet),
		blobServers: make(map[string]types.BlobServer),
	}
}

// Recover rebuilds the in-memory mirror from the coordination store's
// table_data/ nodes. Called once after acquiring the coordination lock,
// before the scheduler starts processing OPs, satisfying invariant I7 for
// the catalog's own state.
func (c *Catalog) Recover() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, raw := range c.store.List(tableDataPrefix) {
		var info types.TableInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return fmt.Errorf("catalog: recover %s: %w", key, err)
		}
		c.tables[info.Name] = &info
		c.version[info.Name]++
	}
	log.Logger.Info().Int("count", len(c.tables)).Msg("catalog: recovered tables")
	return nil
}

// GetTable returns the table by name, or false if it does not exist.
func (c *Catalog) GetTable(name string) (*types.TableInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.tables[name]
	if !ok {
		return nil, false
	}
	clone := *info
	return &clone, true
}

// ListTables returns every table currently known to the catalog.
func (c *Catalog) ListTables() []*types.TableInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.TableInfo, 0, len(c.tables))
	for _, t := range c.tables {
		clone := *t
		out = append(out, &clone)
	}
	return out
}

// ListTablets returns every tablet the catalog currently tracks.
func (c *Catalog) ListTablets() []types.Tablet {
	c.tabletsMu.RLock()
	defer c.tabletsMu.RUnlock()
	out := make([]types.Tablet, 0, len(c.tablets))
	for _, t := range c.tablets {
		out = append(out, t)
	}
	return out
}

// ListBlobServers returns every blob server the catalog currently tracks.
func (c *Catalog) ListBlobServers() []types.BlobServer {
	c.tabletsMu.RLock()
	defer c.tabletsMu.RUnlock()
	out := make([]types.BlobServer, 0, len(c.blobServers))
	for _, b := range c.blobServers {
		out = append(out, b)
	}
	return out
}

// SetTablet records a tablet's current liveness, called by the
// membership watcher's callbacks.
func (c *Catalog) SetTablet(t types.Tablet) {
	c.tabletsMu.Lock()
	defer c.tabletsMu.Unlock()
	c.tablets[t.Endpoint] = t
}

// RemoveTablet drops a tablet record entirely.
func (c *Catalog) RemoveTablet(endpoint string) {
	c.tabletsMu.Lock()
	defer c.tabletsMu.Unlock()
	delete(c.tablets, endpoint)
}

// SetBlobServer records a blob server's current liveness.
func (c *Catalog) SetBlobServer(b types.BlobServer) {
	c.tabletsMu.Lock()
	defer c.tabletsMu.Unlock()
	c.blobServers[b.Endpoint] = b
}

// RemoveBlobServer drops a blob server record entirely.
func (c *Catalog) RemoveBlobServer(endpoint string) {
	c.tabletsMu.Lock()
	defer c.tabletsMu.Unlock()
	delete(c.blobServers, endpoint)
}

// LiveTabletCount returns the number of tablets currently marked healthy,
// used by CheckTableMeta to bound the requested replica factor.
func (c *Catalog) LiveTabletCount() int {
	c.tabletsMu.RLock()
	defer c.tabletsMu.RUnlock()
	n := 0
	for _, t := range c.tablets {
		if t.State == types.StateHealthy {
			n++
		}
	}
	return n
}

// LiveTabletEndpoints returns the endpoints of every healthy tablet.
func (c *Catalog) LiveTabletEndpoints() []string {
	c.tabletsMu.RLock()
	defer c.tabletsMu.RUnlock()
	out := make([]string, 0, len(c.tablets))
	for ep, t := range c.tablets {
		if t.State == types.StateHealthy {
			out = append(out, ep)
		}
	}
	return out
}

// CreateTable validates and persists a new table, assigning partition
// placement if the caller left it unset. Fails with kNameExists if the
// table already exists, or a validation status if the schema is invalid.
func (c *Catalog) CreateTable(ctx context.Context, info *types.TableInfo) *types.Status {
	c.mu.Lock()
	if _, exists := c.tables[info.Name]; exists {
		c.mu.Unlock()
		return types.NameExists(info.Name)
	}
	c.mu.Unlock()

	if st := c.CheckTableMeta(info); !st.OK() {
		return st
	}

	c.SetPartitionInfo(info)

	data, err := json.Marshal(info)
	if err != nil {
		return types.Internal("marshal table: %v", err)
	}
	if err := c.store.Put(ctx, tableDataPrefix+info.Name, data); err != nil {
		return types.Internal("persist table: %v", err)
	}

	c.mu.Lock()
	c.tables[info.Name] = info
	c.version[info.Name] = 1
	c.mu.Unlock()

	metrics.TablesTotal.Inc()
	log.WithTableName(info.Name).Info().Msg("catalog: table created")
	return types.OKStatus()
}

// DeleteTable removes a table's mirror and persisted node. Callers are
// expected to have already confirmed tablet-side drop of every replica.
func (c *Catalog) DeleteTable(ctx context.Context, name string) *types.Status {
	c.mu.Lock()
	if _, exists := c.tables[name]; !exists {
		c.mu.Unlock()
		return types.TableNotFound(name)
	}
	delete(c.tables, name)
	delete(c.version, name)
	c.mu.Unlock()

	if err := c.store.Delete(ctx, tableDataPrefix+name); err != nil {
		return types.Internal("delete table: %v", err)
	}
	metrics.TablesTotal.Dec()
	log.WithTableName(name).Info().Msg("catalog: table deleted")
	return types.OKStatus()
}

// Mutator transforms a table in place. Returning a non-nil error aborts
// the update without persisting anything.
type Mutator func(info *types.TableInfo) error

// UpdateTableInfo applies mutator to the current table and writes the
// result back, using an in-memory version counter as the optimistic
// concurrency token; a concurrent writer bumping the version between read
// and write causes this call to return a retryable conflict status.
func (c *Catalog) UpdateTableInfo(ctx context.Context, name string, mutator Mutator) *types.Status {
	c.mu.Lock()
	info, exists := c.tables[name]
	if !exists {
		c.mu.Unlock()
		return types.TableNotFound(name)
	}
	clone := *info
	readVersion := c.version[name]
	c.mu.Unlock()

	if err := mutator(&clone); err != nil {
		return types.BadRequest("%s", err.Error())
	}
	clone.Version = info.Version + 1

	data, err := json.Marshal(&clone)
	if err != nil {
		return types.Internal("marshal table: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version[name] != readVersion {
		return types.Conflict("table %s modified concurrently, retry", name)
	}
	if err := c.store.Put(ctx, tableDataPrefix+name, data); err != nil {
		return types.Internal("persist table: %v", err)
	}
	c.tables[name] = &clone
	c.version[name] = readVersion + 1
	return types.OKStatus()
}

// UpdatePartitionStatus flips a single replica's is_leader/is_alive flags,
// reported by tablets as they come up, step down, or catch up.
func (c *Catalog) UpdatePartitionStatus(ctx context.Context, table string, pid uint32, endpoint string, isLeader, isAlive bool) *types.Status {
	return c.UpdateTableInfo(ctx, table, func(info *types.TableInfo) error {
		if int(pid) >= len(info.Partitions) {
			return fmt.Errorf("pid %d out of range for table %s", pid, table)
		}
		part := &info.Partitions[pid]
		found := false
		for i := range part.Replicas {
			if part.Replicas[i].Endpoint == endpoint {
				part.Replicas[i].IsLeader = isLeader
				part.Replicas[i].IsAlive = isAlive
				found = true
			} else if isLeader {
				// I2: at most one leader per partition.
				part.Replicas[i].IsLeader = false
			}
		}
		if !found {
			return fmt.Errorf("replica %s not found on %s/%d", endpoint, table, pid)
		}
		return nil
	})
}

// UpdateReplicaOffset records a replica's self-reported log offset, as
// pulled by the reconciler's periodic UpdateTableStatus job
// (spec §4.7's "pull tablet partition offsets") via GetTableStatus. The
// offset feeds the ReAddReplica/Simplify/WithDrop branch decision in
// spec §4.6 "Replica recovery".
func (c *Catalog) UpdateReplicaOffset(ctx context.Context, table string, pid uint32, endpoint string, offset uint64) *types.Status {
	return c.UpdateTableInfo(ctx, table, func(info *types.TableInfo) error {
		if int(pid) >= len(info.Partitions) {
			return fmt.Errorf("pid %d out of range for table %s", pid, table)
		}
		part := &info.Partitions[pid]
		for i := range part.Replicas {
			if part.Replicas[i].Endpoint == endpoint {
				part.Replicas[i].Offset = offset
				return nil
			}
		}
		return fmt.Errorf("replica %s not found on %s/%d", endpoint, table, pid)
	})
}

// AddTableField appends a column to a table's schema (I1 schema
// evolution).
func (c *Catalog) AddTableField(ctx context.Context, table string, col types.Column) *types.Status {
	return c.UpdateTableInfo(ctx, table, func(info *types.TableInfo) error {
		for _, existing := range info.Columns {
			if existing.Name == col.Name {
				return fmt.Errorf("column %s already exists", col.Name)
			}
		}
		info.Columns = append(info.Columns, col)
		return nil
	})
}

// AddIndex appends a secondary index descriptor to a table.
func (c *Catalog) AddIndex(ctx context.Context, table string, idx types.IndexDescriptor) *types.Status {
	return c.UpdateTableInfo(ctx, table, func(info *types.TableInfo) error {
		for _, existing := range info.Indexes {
			if existing.Name == idx.Name {
				return fmt.Errorf("index %s already exists", idx.Name)
			}
		}
		colSet := make(map[string]struct{}, len(info.Columns))
		for _, c := range info.Columns {
			colSet[c.Name] = struct{}{}
		}
		for _, k := range idx.ColumnKeys {
			if _, ok := colSet[k]; !ok {
				return fmt.Errorf("index %s references unknown column %s", idx.Name, k)
			}
		}
		info.Indexes = append(info.Indexes, idx)
		return nil
	})
}

// DeleteIndex removes a secondary index by name, the inverse of AddIndex.
func (c *Catalog) DeleteIndex(ctx context.Context, table, indexName string) *types.Status {
	return c.UpdateTableInfo(ctx, table, func(info *types.TableInfo) error {
		for i, idx := range info.Indexes {
			if idx.Name == indexName {
				info.Indexes = append(info.Indexes[:i], info.Indexes[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("index %s not found", indexName)
	})
}

// UpdateTTL rewrites a single column's TTL configuration. It backs the
// UpdateTTL OP's single UpdateTableInfo task; no task pushes the new TTL
// to the tablets.
func (c *Catalog) UpdateTTL(ctx context.Context, table, column string, ttl types.TTLConfig) *types.Status {
	return c.UpdateTableInfo(ctx, table, func(info *types.TableInfo) error {
		for i := range info.Columns {
			if info.Columns[i].Name == column {
				info.Columns[i].TTL = ttl
				return nil
			}
		}
		return fmt.Errorf("column %s not found", column)
	})
}

// CheckTableMeta validates a table schema per spec: unique column names,
// at most one timestamp column under absolute TTL, partition count ≥ 1,
// replica factor between 1 and the live tablet count, and column-key
// references in indexes resolve to real columns.
func (c *Catalog) CheckTableMeta(info *types.TableInfo) *types.Status {
	if info.Name == "" {
		return types.BadRequest("table name must not be empty")
	}
	if info.PartitionNum < 1 {
		return types.BadRequest("partition count must be >= 1")
	}
	if info.ReplicaNum < 1 {
		return types.BadRequest("replica factor must be >= 1")
	}
	if live := c.LiveTabletCount(); int(info.ReplicaNum) > live {
		return types.BadRequest("replica factor %d exceeds live tablet count %d", info.ReplicaNum, live)
	}

	seen := make(map[string]struct{}, len(info.Columns))
	timestampCols := 0
	hasAbsoluteTTL := false
	for _, col := range info.Columns {
		if _, dup := seen[col.Name]; dup {
			return types.BadRequest("duplicate column %s", col.Name)
		}
		seen[col.Name] = struct{}{}
		if col.IsTS {
			timestampCols++
		}
		if col.TTL.Type == types.TTLAbsolute {
			hasAbsoluteTTL = true
		}
	}
	if hasAbsoluteTTL && timestampCols > 1 {
		return types.BadRequest("at most one timestamp column allowed under absolute TTL")
	}

	for _, idx := range info.Indexes {
		for _, k := range idx.ColumnKeys {
			if _, ok := seen[k]; !ok {
				return types.BadRequest("index %s references unknown column %s", idx.Name, k)
			}
		}
	}
	return types.OKStatus()
}

// SetPartitionInfo assigns replica placement for a table that did not
// specify it explicitly: replicas are round-robin distributed across
// live tablets, shuffled with a process-wide PRNG so leaders for
// different tables don't co-locate on the same first tablet every time.
// The first assigned replica of each partition becomes its initial
// leader.
func (c *Catalog) SetPartitionInfo(info *types.TableInfo) {
	if len(info.Partitions) == int(info.PartitionNum) {
		allPlaced := true
		for _, p := range info.Partitions {
			if len(p.Replicas) == 0 {
				allPlaced = false
				break
			}
		}
		if allPlaced {
			return
		}
	}

	endpoints := c.LiveTabletEndpoints()
	if len(endpoints) == 0 {
		return
	}
	rand.Shuffle(len(endpoints), func(i, j int) { endpoints[i], endpoints[j] = endpoints[j], endpoints[i] })

	partitions := make([]types.Partition, info.PartitionNum)
	cursor := 0
	for pid := range partitions {
		replicas := make([]types.Replica, info.ReplicaNum)
		for r := range replicas {
			ep := endpoints[cursor%len(endpoints)]
			cursor++
			replicas[r] = types.Replica{
				Endpoint: ep,
				IsLeader: r == 0,
				IsAlive:  true,
			}
		}
		partitions[pid] = types.Partition{
			PID:      uint32(pid),
			Term:     1,
			Replicas: replicas,
		}
	}
	info.Partitions = partitions
}
