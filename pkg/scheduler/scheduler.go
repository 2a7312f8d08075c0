// Package scheduler implements the OP scheduler (component C6): OP
// submission, persistence, shard-queue execution of task DAGs against
// tablets, per-task checkpointing, and retirement of finished OPs. It
// enforces invariant I5 (at most one actively-executing OP per
// partition) by routing every OP touching partition pid to the shard
// pid%concurrency, and invariant I3 (globally increasing OP ids) through
// the coordination client's counter primitive.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/nscoord/pkg/catalog"
	"github.com/cuemby/nscoord/pkg/log"
	"github.com/cuemby/nscoord/pkg/metrics"
	"github.com/cuemby/nscoord/pkg/ops"
	"github.com/cuemby/nscoord/pkg/tablet"
	"github.com/cuemby/nscoord/pkg/types"
)

const opDataPrefix = "op_data/"

// Store is the coordination primitives the scheduler persists OPs
// through. Defined locally (rather than importing pkg/coord) to keep
// this package testable against a fake and to avoid a needless
// dependency edge.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Get(key string) ([]byte, bool)
	List(prefix string) map[string][]byte
	Incr(ctx context.Context, key string) (uint64, error)
}

// TabletDialer resolves an endpoint to a tablet RPC client. Production
// wiring dials lazily and caches connections; tests inject a fake.
type TabletDialer func(endpoint string) (tablet.Client, error)

// Peer is the subset of peer-name-server RPCs a remote OP task dispatches
// against (spec §6 "Peer-name-server RPCs consumed"). Defined locally,
// mirroring the Store/TabletDialer pattern above, so this package stays
// decoupled from pkg/cluster and pkg/nsrpc.
type Peer interface {
	AddReplicaClusterByNs(ctx context.Context, table string, pid uint32, followerEndpoint string) error
	RemoveReplicaClusterByNs(ctx context.Context, table string, pid uint32, followerEndpoint string) error
	CreateTableRemote(ctx context.Context, table *types.TableInfo) error
	DropTableRemote(ctx context.Context, table string) error
	SyncTable(ctx context.Context, table string) error
}

// RemoteDialer resolves a peer name server's endpoint to a Peer client.
type RemoteDialer func(endpoint string) (Peer, error)

// Scheduler owns every OP and Task in the system; the catalog store
// never mutates partition/replica state directly once an OP is running.
type Scheduler struct {
	store       Store
	catalog     *catalog.Catalog
	dial        TabletDialer
	remoteDial  RemoteDialer
	concurrency int

	mu      sync.Mutex
	shards  []chan uint64 // signals "shard has work"
	queues  [][]uint64    // per-shard FIFO of op ids, head is oldest
	ops     map[uint64]*types.OPInfo
	doneOps map[uint64]*types.OPInfo

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler with concurrency shards (minimum 1).
func New(store Store, cat *catalog.Catalog, dial TabletDialer, concurrency int) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	s := &Scheduler{
		store:       store,
		catalog:     cat,
		dial:        dial,
		concurrency: concurrency,
		shards:      make([]chan uint64, concurrency),
		queues:      make([][]uint64, concurrency),
		ops:         make(map[uint64]*types.OPInfo),
		doneOps:     make(map[uint64]*types.OPInfo),
	}
	for i := range s.shards {
		s.shards[i] = make(chan uint64, 1024)
	}
	return s
}

// AddOPData persists a new OP and enqueues it onto the shard for its
// partition. op.OPID and op.State are assigned here; callers supply
// everything else, including a pre-built task list from a CreateXxxOPTask
// constructor.
func (s *Scheduler) AddOPData(ctx context.Context, op *types.OPInfo) (uint64, *types.Status) {
	if err := ops.Validate(op.Tasks); err != nil {
		return 0, types.BadRequest("invalid task tree: %v", err)
	}

	opID, err := s.store.Incr(ctx, "op_index_node")
	if err != nil {
		return 0, types.Internal("allocate op id: %v", err)
	}
	op.OPID = opID
	op.State = types.OPInited
	op.CreatedAt = time.Now()

	data, err := json.Marshal(op)
	if err != nil {
		return 0, types.Internal("marshal op: %v", err)
	}
	if err := s.store.Put(ctx, fmt.Sprintf("%s%d", opDataPrefix, opID), data); err != nil {
		return 0, types.Internal("persist op: %v", err)
	}

	s.mu.Lock()
	s.ops[opID] = op
	shard := ops.ShardFor(op.PID, s.concurrency)
	s.queues[shard] = append(s.queues[shard], opID)
	s.mu.Unlock()

	metrics.OPsTotal.WithLabelValues(string(op.Type), "submitted").Inc()
	select {
	case s.shards[shard] <- opID:
	default:
	}

	log.WithOpID(opID).Info().Str("op_type", string(op.Type)).Str("table", op.TableName).Msg("scheduler: op submitted")
	return opID, types.OKStatus()
}

// Start launches one worker goroutine per shard. Call after RecoverOPTask
// so recovered OPs are already queued.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	for shard := range s.shards {
		s.wg.Add(1)
		go s.runShard(shard)
	}
}

// Stop halts every shard worker after its current task finishes; it does
// not cancel an in-flight RPC. Matches the OnLostLock contract: running_
// = false, in-flight tasks drain, persisted state is untouched.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runShard(shard int) {
	defer s.wg.Done()
	for {
		if !s.isRunning() {
			return
		}
		opID, ok := s.popHead(shard)
		if !ok {
			select {
			case <-s.shards[shard]:
				continue
			case <-s.stopCh:
				return
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}
		s.processOP(shard, opID)
	}
}

func (s *Scheduler) popHead(shard int) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[shard]
	if len(q) == 0 {
		return 0, false
	}
	return q[0], true
}

func (s *Scheduler) popDone(shard int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[shard]
	if len(q) > 0 {
		s.queues[shard] = q[1:]
	}
}

// processOP advances one OP by a single task, matching ProcessTask's
// per-iteration behavior: peek the shard head, retire it if terminal,
// otherwise dispatch its next runnable task.
func (s *Scheduler) processOP(shard int, opID uint64) {
	s.mu.Lock()
	op, ok := s.ops[opID]
	s.mu.Unlock()
	if !ok {
		s.popDone(shard)
		return
	}

	if op.State.IsTerminal() {
		s.retire(shard, op)
		return
	}

	idx := ops.NextRunnable(op.Tasks)
	if idx < 0 {
		op.State = types.OPDone
		s.persist(op)
		metrics.OPsTotal.WithLabelValues(string(op.Type), "done").Inc()
		s.retire(shard, op)
		return
	}

	op.State = types.OPDoing
	s.dispatch(op, idx)
	s.persist(op)

	if op.Tasks[idx].Status == types.TaskFailed {
		op.State = types.OPFailed
		s.persist(op)
		metrics.OPsTotal.WithLabelValues(string(op.Type), "failed").Inc()
		s.retire(shard, op)
	}
}

// dispatch executes a single task against its endpoint, via either a
// tablet RPC or a local catalog mutation, and writes back its status.
func (s *Scheduler) dispatch(op *types.OPInfo, idx int) {
	task := &op.Tasks[idx]
	task.Status = types.TaskDoing

	// A dispatch nonce travels with the task args so a re-dispatch after a
	// crash (RecoverOPTask) logs under the same correlation id rather than
	// minting a new one each attempt.
	if task.Args == nil {
		task.Args = make(map[string]interface{})
	}
	dispatchID, _ := task.Args["dispatch_id"].(string)
	if dispatchID == "" {
		dispatchID = uuid.NewString()
		task.Args["dispatch_id"] = dispatchID
	}

	timer := metrics.NewTimer()
	exec, ok := taskExecutors[task.Type]
	if !ok {
		task.Status = types.TaskFailed
		log.WithOpAndTaskID(op.OPID, task.TaskID).Error().Str("task_type", string(task.Type)).Msg("scheduler: no executor registered for task type")
		return
	}

	taskLog := log.WithOpAndTaskID(op.OPID, task.TaskID)
	if err := exec(context.Background(), s, op, task); err != nil {
		task.Status = types.TaskFailed
		metrics.TaskRetriesTotal.WithLabelValues(string(task.Type)).Inc()
		taskLog.Error().Err(err).Str("dispatch_id", dispatchID).Msg("scheduler: task failed")
	} else {
		task.Status = types.TaskDone
		taskLog.Debug().Str("dispatch_id", dispatchID).Msg("scheduler: task dispatched")
	}
	timer.ObserveDurationVec(metrics.OPDuration, string(op.Type))
}

func (s *Scheduler) persist(op *types.OPInfo) {
	data, err := json.Marshal(op)
	if err != nil {
		log.WithOpID(op.OPID).Error().Err(err).Msg("scheduler: marshal op for checkpoint")
		return
	}
	if err := s.store.Put(context.Background(), fmt.Sprintf("%s%d", opDataPrefix, op.OPID), data); err != nil {
		log.WithOpID(op.OPID).Error().Err(err).Msg("scheduler: checkpoint op")
	}
}

func (s *Scheduler) retire(shard int, op *types.OPInfo) {
	s.mu.Lock()
	delete(s.ops, op.OPID)
	s.doneOps[op.OPID] = op
	s.mu.Unlock()
	s.popDone(shard)
}

// tabletFor resolves and dials a tablet client for an endpoint.
func (s *Scheduler) tabletFor(endpoint string) (tablet.Client, error) {
	return s.dial(endpoint)
}

// SetRemoteDialer wires the peer name-server dialer used by cross-cluster
// task primitives (AddReplicaRemote, CreateTableRemote, DropTableRemote,
// TableSync, and the remote variant of DelReplica). Left nil, a single-
// cluster deployment never dispatches a remote task.
func (s *Scheduler) SetRemoteDialer(d RemoteDialer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteDial = d
}

func (s *Scheduler) peerFor(endpoint string) (Peer, error) {
	s.mu.Lock()
	dial := s.remoteDial
	s.mu.Unlock()
	if dial == nil {
		return nil, fmt.Errorf("no remote name-server dialer configured")
	}
	return dial(endpoint)
}

// CancelOP sets an OP's state to kCanceled. The task currently executing
// has no pre-emption and runs to completion; the next processOP pass
// observes the terminal state and skips remaining tasks.
func (s *Scheduler) CancelOP(opID uint64) *types.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opID]
	if !ok {
		return types.NewStatus(types.CodeBadRequest, "op %d not found or already retired", opID)
	}
	op.State = types.OPCanceled
	return types.OKStatus()
}

// ShowOPStatus returns the current or retired OP by id.
func (s *Scheduler) ShowOPStatus(opID uint64) (*types.OPInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op, ok := s.ops[opID]; ok {
		clone := *op
		return &clone, true
	}
	if op, ok := s.doneOps[opID]; ok {
		clone := *op
		return &clone, true
	}
	return nil, false
}

// DeleteDoneOP trims retired OPs outside the retention window.
func (s *Scheduler) DeleteDoneOP(ctx context.Context, retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, op := range s.doneOps {
		if time.Since(op.CreatedAt) > retention {
			delete(s.doneOps, id)
			_ = s.store.Delete(ctx, fmt.Sprintf("%s%d", opDataPrefix, id))
			removed++
		}
	}
	return removed
}

// DeleteOPTask removes a single retired OP by id, used to garbage-collect
// a remote OP once its originating cluster has polled its final status
// (spec §4.6 "DeleteTaskRemote garbage-collects tasks completed on the
// peer"). No-ops (returns OK) if the OP is still active or already gone,
// matching the idempotent re-dispatch contract task primitives share.
func (s *Scheduler) DeleteOPTask(ctx context.Context, opID uint64) *types.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doneOps[opID]; !ok {
		return types.OKStatus()
	}
	delete(s.doneOps, opID)
	if err := s.store.Delete(ctx, fmt.Sprintf("%s%d", opDataPrefix, opID)); err != nil {
		return types.Internal("delete op %d: %v", opID, err)
	}
	return types.OKStatus()
}

// RecoverOPTask rehydrates every persisted OP on OnLocked: lists
// op_data/, restores each OP together with its task list, task args and
// per-task statuses directly from the persisted JSON, and re-enqueues
// partially complete OPs on their shard, resuming from the first
// non-terminal task (invariant I7). Task lists are not rebuilt through
// the ops builders.
func (s *Scheduler) RecoverOPTask() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, raw := range s.store.List(opDataPrefix) {
		var op types.OPInfo
		if err := json.Unmarshal(raw, &op); err != nil {
			return fmt.Errorf("scheduler: recover %s: %w", key, err)
		}
		if op.State.IsTerminal() {
			s.doneOps[op.OPID] = &op
			continue
		}
		s.ops[op.OPID] = &op
		shard := ops.ShardFor(op.PID, s.concurrency)
		s.queues[shard] = append(s.queues[shard], op.OPID)
	}
	log.Logger.Info().Int("recovered", len(s.ops)).Int("done", len(s.doneOps)).Msg("scheduler: recovered ops")
	return nil
}
