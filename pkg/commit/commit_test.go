package commit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Curts0/tabular/pkg/apperrors"
	"github.com/Curts0/tabular/pkg/connection"
	"github.com/Curts0/tabular/pkg/driver"
)

type fakeConn struct {
	executeFunc func(ctx context.Context, statement string) (*driver.Result, error)
}

func (f *fakeConn) Execute(ctx context.Context, statement string) (*driver.Result, error) {
	return f.executeFunc(ctx, statement)
}

func (f *fakeConn) Close() error { return nil }

type fakeDriver struct {
	conn *fakeConn
}

func (f *fakeDriver) Connect(ctx context.Context, connStr string) (driver.Conn, error) {
	return f.conn, nil
}

func TestCommit_EmptyBatchSkipsRoundTrip(t *testing.T) {
	executed := 0
	conn := connection.New(&fakeDriver{conn: &fakeConn{executeFunc: func(ctx context.Context, statement string) (*driver.Result, error) {
		executed++
		return &driver.Result{}, nil
	}}}, "Data Source=server")

	committer := New(conn, nil)
	changes, err := committer.Commit(context.Background())

	require.NoError(t, err)
	assert.Empty(t, changes.PropertyChanges)
	assert.Equal(t, 0, executed)
}

func TestCommit_ParsesPropertyChangesFromResult(t *testing.T) {
	conn := connection.New(&fakeDriver{conn: &fakeConn{executeFunc: func(ctx context.Context, statement string) (*driver.Result, error) {
		return &driver.Result{
			Columns: []string{"TableName", "PartitionName", "PropertyName", "PropertyType", "OldValue", "NewValue"},
			Rows: [][]any{
				{"Orders", "2024", "RefreshedTime", "DateTime", "2023-12-01T00:00:00Z", "2024-01-01T00:00:00Z"},
			},
		}, nil
	}}}, "Data Source=server")

	committer := New(conn, nil)
	committer.Queue(PendingOperation{Statement: `{"refresh":{"type":"Full","objects":[{"table":"Orders"}]}}`})

	changes, err := committer.Commit(context.Background())
	require.NoError(t, err)
	require.Len(t, changes.PropertyChanges, 1)

	change := changes.PropertyChanges[0]
	assert.Equal(t, "Partition", change.ObjectKind)
	assert.Equal(t, "Orders[2024]", change.ObjectPath)
	assert.Equal(t, "RefreshedTime", change.PropertyName)
	assert.Equal(t, "DateTime", change.PropertyType)
	assert.Equal(t, "2023-12-01T00:00:00Z", change.OldValue)
	assert.Equal(t, "2024-01-01T00:00:00Z", change.NewValue)
}

func TestCommit_ParsesAddedAndRemovedObjectsFromResult(t *testing.T) {
	conn := connection.New(&fakeDriver{conn: &fakeConn{executeFunc: func(ctx context.Context, statement string) (*driver.Result, error) {
		return &driver.Result{
			Columns: []string{"Action", "ObjectPath", "IsSubtreeRoot", "Diagnostic"},
			Rows: [][]any{
				{"ObjectAdded", "PyTestTable", true, ""},
				{"ObjectRemoved", "OldTable", true, "removed stale partition cache"},
			},
		}, nil
	}}}, "Data Source=server")

	committer := New(conn, nil)
	committer.Queue(PendingOperation{Statement: `{"createOrReplace":{"object":{"table":"PyTestTable"}}}`})

	changes, err := committer.Commit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"PyTestTable"}, changes.AddedSubtreeRoots)
	assert.Empty(t, changes.AddedObjects)
	assert.Equal(t, []string{"OldTable"}, changes.RemovedSubtreeRoots)
	assert.Equal(t, []string{"removed stale partition cache"}, changes.Diagnostics)
}

func TestCommit_ClearsPendingAfterSuccess(t *testing.T) {
	conn := connection.New(&fakeDriver{conn: &fakeConn{executeFunc: func(ctx context.Context, statement string) (*driver.Result, error) {
		return &driver.Result{}, nil
	}}}, "Data Source=server")

	committer := New(conn, nil)
	committer.Queue(PendingOperation{Statement: "noop"})

	_, err := committer.Commit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, committer.pending)
}

func TestCommit_PropagatesExecuteError(t *testing.T) {
	conn := connection.New(&fakeDriver{conn: &fakeConn{executeFunc: func(ctx context.Context, statement string) (*driver.Result, error) {
		return nil, errors.New("server unreachable")
	}}}, "Data Source=server")

	committer := New(conn, nil)
	committer.Queue(PendingOperation{Statement: "noop"})

	_, err := committer.Commit(context.Background())
	require.Error(t, err)

	var commitErr apperrors.CommitError
	assert.True(t, errors.As(err, &commitErr), "commit failures surface as CommitError")
}
