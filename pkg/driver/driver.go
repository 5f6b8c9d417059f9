// Package driver defines the opaque wire-protocol boundary between the
// tabular client and whatever transport actually speaks to the server. The
// client never imports a concrete transport package directly; it depends on
// this interface so the transport can be swapped without touching
// connection, model, or ops code.
package driver

import "context"

// Result is the tabular or scalar shape returned by a statement execution.
// A scalar result has exactly one column and one row holding one cell; Rows
// holds each row's cell values in Columns order.
type Result struct {
	Columns []string
	Rows    [][]any
}

// IsScalar reports whether the result is a single-cell result, the shape
// Connection.Execute coerces into a bare value.
func (r *Result) IsScalar() bool {
	return len(r.Columns) == 1 && len(r.Rows) == 1 && len(r.Rows[0]) == 1
}

// Scalar returns the single cell value of a scalar result. Callers must
// check IsScalar first: Scalar panics on a result with no rows (or an empty
// first row), matching the programmer-error semantics of indexing an empty
// slice, and on any other non-scalar result returns the first row's first
// cell.
func (r *Result) Scalar() any {
	return r.Rows[0][0]
}

// Conn is a single open connection to a tabular server instance, optionally
// scoped to an effective user.
type Conn interface {
	// Execute runs a DAX, MDX, or DMV statement and returns its result set.
	Execute(ctx context.Context, statement string) (*Result, error)

	// Close releases the underlying transport connection.
	Close() error
}

// TraceConn is implemented by connections whose transport supports
// server-side trace event subscription (SQL Server Profiler-style XEvents
// or the ADOMD EventsConn). Not every Conn needs to implement it; the trace
// reactor type-asserts for it.
type TraceConn interface {
	Conn

	// Subscribe registers handler to receive trace events matching the
	// given event class names and requested columns, returning a
	// Subscription the caller must Close to stop receiving events and
	// release server-side trace resources.
	Subscribe(ctx context.Context, eventClasses []string, columns []string, handler EventHandler) (Subscription, error)
}

// Event is one row of trace data delivered by the server.
type Event struct {
	EventClass string
	Fields     map[string]any
}

// EventHandler receives trace events. The handler passed to
// TraceConn.Subscribe is invoked by the transport on its own callback
// goroutine; the trace reactor's handler there only hands events off, and
// the caller's handler runs on the reactor's relay goroutine, so a slow
// caller handler cannot stall the transport's read loop.
type EventHandler func(Event)

// Subscription represents an active trace event subscription.
type Subscription interface {
	// Close stops the subscription and releases server-side trace
	// resources. Idempotent.
	Close() error
}

// Driver opens connections to a tabular server instance.
type Driver interface {
	// Connect opens a new connection using the given connection string.
	Connect(ctx context.Context, connectionString string) (Conn, error)
}
