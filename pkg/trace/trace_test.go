package trace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Curts0/tabular/pkg/connection"
	"github.com/Curts0/tabular/pkg/driver"
)

const eventCategoryPayload = `<EVENTCATEGORY><EVENTLIST><EVENT>
	<ID>QueryBegin</ID>
	<EVENTCOLUMNLIST><EVENTCOLUMN><ID>TextData</ID></EVENTCOLUMN><EVENTCOLUMN><ID>SessionID</ID></EVENTCOLUMN></EVENTCOLUMNLIST>
</EVENT></EVENTLIST></EVENTCATEGORY>`

type fakeSubscription struct {
	closed bool
}

func (s *fakeSubscription) Close() error {
	s.closed = true
	return nil
}

type subscribeCall struct {
	events  []string
	columns []string
}

type fakeTraceConn struct {
	mu          sync.Mutex
	subscribed  bool
	columns     []string
	calls       []subscribeCall
	handler     driver.EventHandler
	sub         *fakeSubscription
	executeFunc func(ctx context.Context, statement string) (*driver.Result, error)
}

func (c *fakeTraceConn) Execute(ctx context.Context, statement string) (*driver.Result, error) {
	return c.executeFunc(ctx, statement)
}

func (c *fakeTraceConn) Close() error { return nil }

func (c *fakeTraceConn) Subscribe(ctx context.Context, eventClasses, columns []string, handler driver.EventHandler) (driver.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = true
	c.columns = columns
	c.calls = append(c.calls, subscribeCall{events: eventClasses, columns: columns})
	c.handler = handler
	c.sub = &fakeSubscription{}
	return c.sub, nil
}

func (c *fakeTraceConn) emit(ev driver.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

type fakeTraceDriver struct {
	conn *fakeTraceConn
}

func (d *fakeTraceDriver) Connect(ctx context.Context, connStr string) (driver.Conn, error) {
	return d.conn, nil
}

func newDiscoverConn() *fakeTraceConn {
	return &fakeTraceConn{
		executeFunc: func(ctx context.Context, statement string) (*driver.Result, error) {
			return &driver.Result{
				Columns: []string{"Data", "Info"},
				Rows:    [][]any{{eventCategoryPayload, ""}},
			}, nil
		},
	}
}

func TestNew_SubscribesAndRelaysEvents(t *testing.T) {
	traceConn := newDiscoverConn()
	drv := &fakeTraceDriver{conn: traceConn}
	conn := connection.New(drv, "Data Source=server")

	received := make(chan driver.Event, 1)
	cfg := Config{
		EventClasses: []string{"QueryBegin"},
		Columns:      []string{"TextData", "SessionID"},
		Handler: func(ev driver.Event) {
			received <- ev
		},
	}

	reactor, guard, err := New(context.Background(), conn, cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, reactor)
	defer guard.Close()

	assert.True(t, traceConn.subscribed)

	traceConn.emit(driver.Event{EventClass: "QueryBegin", Fields: map[string]any{"TextData": "EVALUATE {1}"}})

	select {
	case ev := <-received:
		assert.Equal(t, "QueryBegin", ev.EventClass)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed event")
	}
}

func TestTraceGuard_Close_IsIdempotent(t *testing.T) {
	traceConn := newDiscoverConn()
	drv := &fakeTraceDriver{conn: traceConn}
	conn := connection.New(drv, "Data Source=server")

	cfg := Config{EventClasses: []string{"QueryBegin"}, Columns: []string{"TextData"}}
	_, guard, err := New(context.Background(), conn, cfg, nil)
	require.NoError(t, err)

	require.NoError(t, guard.Close())
	require.NoError(t, guard.Close())
	assert.True(t, traceConn.sub.closed)
}

const multiEventCategoryPayload = `<EVENTCATEGORY><EVENTLIST>
	<EVENT><ID>QueryBegin</ID><EVENTCOLUMNLIST><EVENTCOLUMN><ID>TextData</ID></EVENTCOLUMN></EVENTCOLUMNLIST></EVENT>
	<EVENT><ID>QueryEnd</ID><EVENTCOLUMNLIST><EVENTCOLUMN><ID>TextData</ID></EVENTCOLUMN><EVENTCOLUMN><ID>Duration</ID></EVENTCOLUMN></EVENTCOLUMNLIST></EVENT>
</EVENTLIST></EVENTCATEGORY>`

func TestNew_SubscribesPerEventClassWithPermittedColumns(t *testing.T) {
	traceConn := &fakeTraceConn{
		executeFunc: func(ctx context.Context, statement string) (*driver.Result, error) {
			return &driver.Result{
				Columns: []string{"Data", "Info"},
				Rows:    [][]any{{multiEventCategoryPayload, ""}},
			}, nil
		},
	}
	drv := &fakeTraceDriver{conn: traceConn}
	conn := connection.New(drv, "Data Source=server")

	cfg := Config{
		EventClasses: []string{"QueryBegin", "QueryEnd"},
		Columns:      []string{"TextData", "Duration"},
	}
	_, guard, err := New(context.Background(), conn, cfg, nil)
	require.NoError(t, err)
	defer guard.Close()

	require.Len(t, traceConn.calls, 2)
	assert.Equal(t, []string{"QueryBegin"}, traceConn.calls[0].events)
	assert.Equal(t, []string{"TextData"}, traceConn.calls[0].columns,
		"Duration is not permitted for QueryBegin and must not ride along on its subscription")
	assert.Equal(t, []string{"QueryEnd"}, traceConn.calls[1].events)
	assert.Equal(t, []string{"TextData", "Duration"}, traceConn.calls[1].columns)
}

func TestNew_SkipsColumnsTheServerDoesNotPermit(t *testing.T) {
	traceConn := newDiscoverConn()
	drv := &fakeTraceDriver{conn: traceConn}
	conn := connection.New(drv, "Data Source=server")

	cfg := Config{
		EventClasses: []string{"QueryBegin"},
		Columns:      []string{"TextData", "Duration", "SessionID"},
	}
	_, guard, err := New(context.Background(), conn, cfg, nil)
	require.NoError(t, err)
	defer guard.Close()

	assert.Equal(t, []string{"TextData", "SessionID"}, traceConn.columns,
		"Duration is not a permitted QueryBegin column and is dropped, not fatal")
}

func TestNew_ReturnsErrorWhenConnDoesNotSupportTrace(t *testing.T) {
	conn := connection.New(&nonTraceDriver{}, "Data Source=server")

	cfg := Config{EventClasses: []string{"QueryBegin"}, Columns: []string{"TextData"}}
	_, _, err := New(context.Background(), conn, cfg, nil)
	assert.Error(t, err)
}

type nonTraceConn struct{}

func (c *nonTraceConn) Execute(ctx context.Context, statement string) (*driver.Result, error) {
	return &driver.Result{
		Columns: []string{"Data", "Info"},
		Rows:    [][]any{{eventCategoryPayload, ""}},
	}, nil
}

func (c *nonTraceConn) Close() error { return nil }

type nonTraceDriver struct{}

func (d *nonTraceDriver) Connect(ctx context.Context, connStr string) (driver.Conn, error) {
	return &nonTraceConn{}, nil
}

func TestRefreshTrace_ConfiguresProgressEvents(t *testing.T) {
	cfg := RefreshTrace(nil, nil)
	assert.Contains(t, cfg.EventClasses, "ProgressReportEnd")
	assert.Contains(t, cfg.Columns, "ObjectName")
	assert.NotNil(t, cfg.Handler, "RefreshTrace always installs its default logging handler")
}

func TestQueryMonitor_ConfiguresQueryEvents(t *testing.T) {
	cfg := QueryMonitor(nil, nil)
	assert.Contains(t, cfg.EventClasses, "QueryBegin")
	assert.Contains(t, cfg.Columns, "Duration")
	assert.Contains(t, cfg.Columns, "NTUserName")
	assert.NotNil(t, cfg.Handler, "QueryMonitor always installs its default logging handler")
}

func TestRefreshTrace_HandlerWrapsCallerHandler(t *testing.T) {
	var gotEvents []driver.Event
	cfg := RefreshTrace(nil, func(ev driver.Event) {
		gotEvents = append(gotEvents, ev)
	})

	cfg.Handler(driver.Event{
		EventClass: "ProgressReportEnd",
		Fields:     map[string]any{"ObjectPath": "Orders[2024]", "ProgressTotal": int64(0)},
	})

	require.Len(t, gotEvents, 1)
	assert.Equal(t, "ProgressReportEnd", gotEvents[0].EventClass)
}

func TestQueryMonitor_HandlerWrapsCallerHandler(t *testing.T) {
	var gotEvents []driver.Event
	cfg := QueryMonitor(nil, func(ev driver.Event) {
		gotEvents = append(gotEvents, ev)
	})

	cfg.Handler(driver.Event{
		EventClass: "QueryEnd",
		Fields: map[string]any{
			"NTUserName":      "alice",
			"ApplicationName": "tabular-client",
			"Duration":        int64(42),
		},
	})

	require.Len(t, gotEvents, 1)
	assert.Equal(t, "QueryEnd", gotEvents[0].EventClass)
}
