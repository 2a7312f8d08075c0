package coord

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// Command is a single state-change operation replicated through the raft
// log. The coordination client only knows about raw keys and values; the
// entity semantics (table_data/<name>, op_data/<id>, tablets/<endpoint>,
// ...) are layered on top by the catalog, scheduler, and membership
// watcher, matching the generic node layout in spec §6.
type Command struct {
	Op    string `json:"op"` // "put", "delete", "incr"
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// fsm is the raft.FSM backing the coordination client's replicated KV
// store. It never interprets key namespaces — that is the job of callers.
type fsm struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newFSM() *fsm {
	return &fsm{data: make(map[string][]byte)}
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("coord: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "put":
		f.data[cmd.Key] = cmd.Value
		return nil
	case "delete":
		delete(f.data, cmd.Key)
		return nil
	case "incr":
		var n uint64
		if raw, ok := f.data[cmd.Key]; ok {
			_ = json.Unmarshal(raw, &n)
		}
		n++
		encoded, _ := json.Marshal(n)
		f.data[cmd.Key] = encoded
		return n
	default:
		return fmt.Errorf("coord: unknown command %q", cmd.Op)
	}
}

func (f *fsm) get(key string) ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *fsm) list(prefix string) map[string][]byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := make(map[string][]byte, len(f.data))
	for k, v := range f.data {
		snap[k] = v
	}
	return &fsmSnapshot{data: snap}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var data map[string][]byte
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("coord: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = data
	return nil
}

type fsmSnapshot struct {
	data map[string][]byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.data); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
