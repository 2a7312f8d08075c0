package tablet

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client used by scheduler and reconciler tests. It
// records every call and lets tests inject per-method errors or
// responses without a real grpc connection.
type Fake struct {
	mu    sync.Mutex
	Calls []string

	Statuses map[string]*TableStatus // keyed by "table/pid"
	Errors   map[string]error        // method name -> error to return
}

// NewFake creates an empty fake tablet client.
func NewFake() *Fake {
	return &Fake{
		Statuses: make(map[string]*TableStatus),
		Errors:   make(map[string]error),
	}
}

func (f *Fake) record(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, method)
	return f.Errors[method]
}

func (f *Fake) LoadTable(ctx context.Context, req *LoadTableRequest) error {
	return f.record("LoadTable")
}

func (f *Fake) DropTable(ctx context.Context, table string, pid uint32) error {
	return f.record("DropTable")
}

func (f *Fake) MakeSnapshot(ctx context.Context, table string, pid uint32) error {
	return f.record("MakeSnapshot")
}

func (f *Fake) PauseSnapshot(ctx context.Context, table string, pid uint32) error {
	return f.record("PauseSnapshot")
}

func (f *Fake) RecoverSnapshot(ctx context.Context, table string, pid uint32) error {
	return f.record("RecoverSnapshot")
}

func (f *Fake) SendSnapshot(ctx context.Context, table string, pid uint32, destEndpoint string) error {
	return f.record("SendSnapshot")
}

func (f *Fake) AddReplica(ctx context.Context, table string, pid uint32, followerEndpoint string) error {
	return f.record("AddReplica")
}

func (f *Fake) DelReplica(ctx context.Context, table string, pid uint32, followerEndpoint string) error {
	return f.record("DelReplica")
}

func (f *Fake) ChangeRole(ctx context.Context, table string, pid uint32, isLeader bool, term uint64) error {
	return f.record("ChangeRole")
}

func (f *Fake) GetTableStatus(ctx context.Context, table string, pid uint32) (*TableStatus, error) {
	if err := f.record("GetTableStatus"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.Statuses[key(table, pid)]; ok {
		return st, nil
	}
	return &TableStatus{Table: table, PID: pid}, nil
}

func (f *Fake) UpdateTTL(ctx context.Context, table string, pid uint32, column string, ttlMinutes int64) error {
	return f.record("UpdateTTL")
}

func (f *Fake) DumpIndexData(ctx context.Context, table string, pid uint32, indexName string) error {
	return f.record("DumpIndexData")
}

func (f *Fake) SendIndexData(ctx context.Context, table string, pid uint32, destEndpoint string) error {
	return f.record("SendIndexData")
}

func (f *Fake) LoadIndexData(ctx context.Context, table string, pid uint32, indexName string) error {
	return f.record("LoadIndexData")
}

func (f *Fake) ExtractIndexData(ctx context.Context, table string, pid uint32, indexName string) error {
	return f.record("ExtractIndexData")
}

func (f *Fake) AddIndex(ctx context.Context, table string, pid uint32, indexName string, columnKeys []string) error {
	return f.record("AddIndex")
}

func (f *Fake) CheckBinlogSyncProgress(ctx context.Context, table string, pid uint32, followerEndpoint string) (int64, error) {
	if err := f.record("CheckBinlogSyncProgress"); err != nil {
		return 0, err
	}
	return 0, nil
}

func (f *Fake) Close() error { return nil }

func key(table string, pid uint32) string {
	return fmt.Sprintf("%s/%d", table, pid)
}
