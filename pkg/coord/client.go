// Package coord implements the name server's coordination-service client:
// session establishment, a replicated KV store for the node layout described
// in spec §6, a single fenced distributed lock (raft leadership), and
// membership-change watches. It is the Go realization of component C1,
// built on hashicorp/raft + raft-boltdb rather than a Zookeeper/etcd client,
// since the name server itself IS the coordination service in this design:
// every name server process runs a raft peer, and the elected leader is the
// "locked" coordinator.
package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/cuemby/nscoord/pkg/log"
	"github.com/cuemby/nscoord/pkg/metrics"
)

// Config configures a coordination client.
type Config struct {
	NodeID  string
	BindAddr string
	DataDir string

	// KeepAliveInterval sets how often the client verifies its leadership
	// is still backed by a live raft session. Zero uses a 2s default.
	KeepAliveInterval time.Duration
}

// Client is the coordination-service client used by every other component
// to persist catalog/OP state, elect a single active coordinator, and
// react to membership changes in the raft quorum.
type Client struct {
	cfg Config

	raft      *raft.Raft
	fsm       *fsm
	transport *raft.NetworkTransport
	logStore  *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore

	logger zerolog.Logger

	mu           sync.Mutex
	onLocked     func()
	onLostLock   func()
	wasLeader    bool
	stopKeepAlive chan struct{}
}

// New creates a coordination client. Bootstrap or Join must be called
// before the client is usable.
func New(cfg Config) (*Client, error) {
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = 2 * time.Second
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("coord: create data dir: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		fsm:    newFSM(),
		logger: log.WithComponent("coord"),
	}
	return c, nil
}

func (c *Client) setupRaft() (*raft.Config, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(c.cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", c.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("coord: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("coord: create transport: %w", err)
	}
	c.transport = transport

	snapshots, err := raft.NewFileSnapshotStore(c.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("coord: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("coord: create log store: %w", err)
	}
	c.logStore = logStore

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("coord: create stable store: %w", err)
	}
	c.stableStore = stableStore

	r, err := raft.NewRaft(raftCfg, c.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("coord: create raft node: %w", err)
	}
	c.raft = r

	return raftCfg, nil
}

// Bootstrap initializes a brand-new single-node coordination quorum. Other
// name server processes join it afterward via Join.
func (c *Client) Bootstrap() error {
	if _, err := c.setupRaft(); err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(c.cfg.NodeID),
				Address: c.transport.LocalAddr(),
			},
		},
	}
	future := c.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("coord: bootstrap cluster: %w", err)
	}

	c.watchLeadership()
	c.startKeepAlive()
	return nil
}

// Join starts this node's raft peer and relies on an existing leader to
// call AddVoter (below) for it. It does not itself contact the leader.
func (c *Client) Join() error {
	if _, err := c.setupRaft(); err != nil {
		return err
	}
	c.watchLeadership()
	c.startKeepAlive()
	return nil
}

// Shutdown tears down the raft node and its local stores.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	if c.stopKeepAlive != nil {
		close(c.stopKeepAlive)
		c.stopKeepAlive = nil
	}
	c.mu.Unlock()

	if c.raft != nil {
		if err := c.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("coord: shutdown raft: %w", err)
		}
	}
	if c.logStore != nil {
		c.logStore.Close()
	}
	if c.stableStore != nil {
		c.stableStore.Close()
	}
	return nil
}

// SetCallbacks registers the functions invoked when this process acquires
// or loses the coordination lock (raft leadership). Exactly one of these
// fires per transition; onLocked precedes any subsequent onLostLock.
func (c *Client) SetCallbacks(onLocked, onLostLock func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLocked = onLocked
	c.onLostLock = onLostLock
}

func (c *Client) watchLeadership() {
	ch := c.raft.LeaderCh()
	go func() {
		for leader := range ch {
			c.mu.Lock()
			wasLeader := c.wasLeader
			c.wasLeader = leader
			onLocked := c.onLocked
			onLostLock := c.onLostLock
			c.mu.Unlock()

			if leader && !wasLeader {
				metrics.LeaderChangesTotal.Inc()
				c.logger.Info().Msg("acquired coordination lock")
				if onLocked != nil {
					onLocked()
				}
			} else if !leader && wasLeader {
				c.logger.Warn().Msg("lost coordination lock")
				if onLostLock != nil {
					onLostLock()
				}
			}
		}
	}()
}

// startKeepAlive runs a background job that re-derives leadership state
// from the raft node on a fixed interval, so a session loss that the
// leader channel misses (e.g. a stalled observer) is still caught.
func (c *Client) startKeepAlive() {
	c.mu.Lock()
	c.stopKeepAlive = make(chan struct{})
	stop := c.stopKeepAlive
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				leader := c.raft.State() == raft.Leader

				c.mu.Lock()
				lost := c.wasLeader && !leader
				var onLostLock func()
				if lost {
					c.wasLeader = false
					onLostLock = c.onLostLock
				}
				c.mu.Unlock()

				if lost {
					c.logger.Warn().Msg("keep-alive detected lost coordination session")
					if onLostLock != nil {
						onLostLock()
					}
				}
			case <-stop:
				return
			}
		}
	}()
}

// IsLeader reports whether this process currently holds the coordination
// lock.
func (c *Client) IsLeader() bool {
	if c.raft == nil {
		return false
	}
	return c.raft.State() == raft.Leader
}

// Term returns the current raft term, used as the coordination session's
// fencing token: any stale leader from an earlier term can be recognized
// by comparing terms.
func (c *Client) Term() uint64 {
	if c.raft == nil {
		return 0
	}
	stats := c.raft.Stats()
	var term uint64
	if s, ok := stats["term"]; ok {
		fmt.Sscanf(s, "%d", &term)
	}
	return term
}

// PeerCount returns the number of voters in the current raft configuration.
func (c *Client) PeerCount() int {
	if c.raft == nil {
		return 0
	}
	future := c.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	return len(future.Configuration().Servers)
}

// LeaderAddr returns the network address of the current leader, if known.
func (c *Client) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	return string(c.raft.Leader())
}

// AddVoter admits a new raft peer to the quorum. Must be called on the
// current leader.
func (c *Client) AddVoter(nodeID, address string) error {
	if !c.IsLeader() {
		return fmt.Errorf("coord: not leader")
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer evicts a raft peer from the quorum. Must be called on the
// current leader.
func (c *Client) RemoveServer(nodeID string) error {
	if !c.IsLeader() {
		return fmt.Errorf("coord: not leader")
	}
	future := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// Put replicates a key/value write through the raft log. Only the leader
// can make progress; followers return an error identifying the leader.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	return c.apply(ctx, Command{Op: "put", Key: key, Value: value})
}

// Delete removes a key via the raft log.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.apply(ctx, Command{Op: "delete", Key: key})
}

// Incr atomically increments a counter node (used for op_index_node,
// table_index_node, term_node) and returns its new value.
func (c *Client) Incr(ctx context.Context, key string) (uint64, error) {
	if !c.IsLeader() {
		return 0, fmt.Errorf("coord: not leader")
	}
	data, err := json.Marshal(Command{Op: "incr", Key: key})
	if err != nil {
		return 0, err
	}

	timer := metrics.NewTimer()
	future := c.raft.Apply(data, applyTimeout(ctx))
	timer.ObserveDuration(metrics.RaftApplyDuration)
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("coord: apply incr: %w", err)
	}
	n, _ := future.Response().(uint64)
	return n, nil
}

func (c *Client) apply(ctx context.Context, cmd Command) error {
	if !c.IsLeader() {
		return fmt.Errorf("coord: not leader")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("coord: marshal command: %w", err)
	}

	timer := metrics.NewTimer()
	future := c.raft.Apply(data, applyTimeout(ctx))
	timer.ObserveDuration(metrics.RaftApplyDuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("coord: apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}
	return nil
}

// Get reads a value from the local FSM mirror. Reads are local and may
// lag the leader slightly; callers that need linearizable reads should
// route through the leader and use a barrier (not yet exercised here since
// the catalog/scheduler read their own write paths through Put).
func (c *Client) Get(key string) ([]byte, bool) {
	return c.fsm.get(key)
}

// List returns every key/value pair whose key has the given prefix, the
// Go analogue of listing a coordination node's children.
func (c *Client) List(prefix string) map[string][]byte {
	return c.fsm.list(prefix)
}

func applyTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return 5 * time.Second
}
