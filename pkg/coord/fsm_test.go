package coord

import (
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"
)

func applyCmd(t *testing.T, f *fsm, cmd Command) interface{} {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return f.Apply(&raft.Log{Data: data})
}

func TestFSMPutGet(t *testing.T) {
	f := newFSM()

	applyCmd(t, f, Command{Op: "put", Key: "table_data/t1", Value: []byte(`{"name":"t1"}`)})

	v, ok := f.get("table_data/t1")
	if !ok {
		t.Fatal("expected key to exist")
	}
	if string(v) != `{"name":"t1"}` {
		t.Errorf("value = %s, want {\"name\":\"t1\"}", v)
	}
}

func TestFSMDelete(t *testing.T) {
	f := newFSM()
	applyCmd(t, f, Command{Op: "put", Key: "tablets/node-1", Value: []byte("x")})
	applyCmd(t, f, Command{Op: "delete", Key: "tablets/node-1"})

	if _, ok := f.get("tablets/node-1"); ok {
		t.Error("expected key to be deleted")
	}
}

func TestFSMIncr(t *testing.T) {
	f := newFSM()

	tests := []struct {
		name string
		want uint64
	}{
		{"first increment", 1},
		{"second increment", 2},
		{"third increment", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyCmd(t, f, Command{Op: "incr", Key: "op_index_node"})
			n, ok := got.(uint64)
			if !ok {
				t.Fatalf("Apply() returned %T, want uint64", got)
			}
			if n != tt.want {
				t.Errorf("Incr() = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestFSMIncrIndependentKeys(t *testing.T) {
	f := newFSM()

	applyCmd(t, f, Command{Op: "incr", Key: "op_index_node"})
	applyCmd(t, f, Command{Op: "incr", Key: "op_index_node"})
	got := applyCmd(t, f, Command{Op: "incr", Key: "table_index_node"})

	n, ok := got.(uint64)
	if !ok {
		t.Fatalf("Apply() returned %T, want uint64", got)
	}
	if n != 1 {
		t.Errorf("table_index_node counter = %d, want 1 (independent from op_index_node)", n)
	}
}

func TestFSMList(t *testing.T) {
	f := newFSM()
	applyCmd(t, f, Command{Op: "put", Key: "tablets/node-1", Value: []byte("a")})
	applyCmd(t, f, Command{Op: "put", Key: "tablets/node-2", Value: []byte("b")})
	applyCmd(t, f, Command{Op: "put", Key: "table_data/t1", Value: []byte("c")})

	got := f.list("tablets/")
	if len(got) != 2 {
		t.Fatalf("list(tablets/) returned %d entries, want 2", len(got))
	}
	if string(got["tablets/node-1"]) != "a" || string(got["tablets/node-2"]) != "b" {
		t.Errorf("list(tablets/) = %v, unexpected values", got)
	}
}

func TestFSMApplyUnknownOp(t *testing.T) {
	f := newFSM()
	got := applyCmd(t, f, Command{Op: "bogus", Key: "x"})
	if _, ok := got.(error); !ok {
		t.Errorf("Apply() with unknown op = %v (%T), want error", got, got)
	}
}

func TestFSMSnapshotRestore(t *testing.T) {
	f := newFSM()
	applyCmd(t, f, Command{Op: "put", Key: "table_data/t1", Value: []byte("v1")})
	applyCmd(t, f, Command{Op: "put", Key: "table_data/t2", Value: []byte("v2")})

	snap, err := f.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	sink := newFakeSnapshotSink()
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	restored := newFSM()
	if err := restored.Restore(sink.reader()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	v, ok := restored.get("table_data/t1")
	if !ok || string(v) != "v1" {
		t.Errorf("restored table_data/t1 = %s, %v, want v1, true", v, ok)
	}
	v, ok = restored.get("table_data/t2")
	if !ok || string(v) != "v2" {
		t.Errorf("restored table_data/t2 = %s, %v, want v2, true", v, ok)
	}
}
