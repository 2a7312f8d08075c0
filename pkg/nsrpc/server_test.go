package nsrpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nscoord/pkg/types"
)

type fakeBackend struct {
	calls   []string
	status  *types.Status
	op      *types.OPInfo
	opFound bool
}

func (f *fakeBackend) CreateTableRemote(ctx context.Context, table *types.TableInfo) *types.Status {
	f.calls = append(f.calls, "CreateTableRemote")
	return f.statusOrOK()
}

func (f *fakeBackend) DropTableRemote(ctx context.Context, name string) *types.Status {
	f.calls = append(f.calls, "DropTableRemote")
	return f.statusOrOK()
}

func (f *fakeBackend) AddReplicaClusterByNs(ctx context.Context, table string, pid uint32, followerEndpoint string) *types.Status {
	f.calls = append(f.calls, "AddReplicaClusterByNs")
	return f.statusOrOK()
}

func (f *fakeBackend) RemoveReplicaClusterByNs(ctx context.Context, table string, pid uint32, followerEndpoint string) *types.Status {
	f.calls = append(f.calls, "RemoveReplicaClusterByNs")
	return f.statusOrOK()
}

func (f *fakeBackend) SyncTable(ctx context.Context, table string) *types.Status {
	f.calls = append(f.calls, "SyncTable")
	return f.statusOrOK()
}

func (f *fakeBackend) ShowOPStatus(opID uint64) (*types.OPInfo, bool) {
	return f.op, f.opFound
}

func (f *fakeBackend) DeleteOPTask(ctx context.Context, opID uint64) *types.Status {
	f.calls = append(f.calls, "DeleteOPTask")
	return f.statusOrOK()
}

func (f *fakeBackend) statusOrOK() *types.Status {
	if f.status != nil {
		return f.status
	}
	return types.OKStatus()
}

func TestHandleCreateTableRemoteDispatchesToBackend(t *testing.T) {
	f := &fakeBackend{}
	srv := NewServer(f)
	_, err := handleCreateTableRemote(context.Background(), srv, &createTableRemoteReq{Table: &types.TableInfo{Name: "t1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"CreateTableRemote"}, f.calls)
}

func TestHandleSyncTablePropagatesBackendError(t *testing.T) {
	f := &fakeBackend{status: types.TableNotFound("t1")}
	srv := NewServer(f)
	_, err := handleSyncTable(context.Background(), srv, &tableNameReq{Table: "t1"})
	assert.Error(t, err)
}

func TestHandleGetTaskStatusReturnsNotFoundError(t *testing.T) {
	f := &fakeBackend{opFound: false}
	srv := NewServer(f)
	_, err := handleGetTaskStatus(context.Background(), srv, &opIDReq{OPID: 7})
	assert.Error(t, err)
}

func TestHandleGetTaskStatusReturnsOP(t *testing.T) {
	f := &fakeBackend{op: &types.OPInfo{OPID: 7, Type: types.OPCreateTable}, opFound: true}
	srv := NewServer(f)
	resp, err := handleGetTaskStatus(context.Background(), srv, &opIDReq{OPID: 7})
	require.NoError(t, err)
	op := resp.(*types.OPInfo)
	assert.Equal(t, uint64(7), op.OPID)
}

func TestServiceDescRegistersEveryMethod(t *testing.T) {
	srv := NewServer(&fakeBackend{})
	desc := srv.ServiceDesc()
	assert.Equal(t, ServiceName, desc.ServiceName)
	assert.Len(t, desc.Methods, 7)
}
