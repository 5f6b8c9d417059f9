// Package mssqldriver is the concrete transport beneath pkg/driver. It
// treats an Analysis Services tabular instance as reachable through the
// same TDS-capable driver used for SQL Server, since the pack and the Go
// ecosystem carry no native XMLA/ADOMD client; go-mssqldb stands in for
// that bridge at the wire level while this package owns statement
// execution and result coercion.
package mssqldriver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"         // registers the "sqlserver" driver
	_ "github.com/microsoft/go-mssqldb/azuread" // registers the "azuresql" driver

	"github.com/Curts0/tabular/pkg/driver"
)

// TraceTransport is implemented by a caller-supplied mechanism capable of
// delivering Analysis Services server-trace events. go-mssqldb speaks plain
// TDS; TDS carries query results, not the XMLA <Subscribe> event push that
// Profiler-style tracing needs, and the pack carries no ADOMD-equivalent
// client that does. Rather than fake a push subscription over a DMV poll
// loop the server doesn't actually support, conn.Subscribe delegates to a
// TraceTransport the caller wires up against whatever out-of-band mechanism
// (e.g. an XEvent session read over a separate XMLA/SOAP transport) their
// deployment has. Leaving Trace nil is a valid, supported configuration: the
// driver runs statements and coerces results exactly as before, and
// pkg/trace.New surfaces a TraceError, which the refresh orchestrator treats
// as non-fatal (logged at Warning, refresh proceeds without observability).
type TraceTransport interface {
	Subscribe(ctx context.Context, eventClasses, columns []string, handler driver.EventHandler) (driver.Subscription, error)
}

// Driver opens database/sql-backed connections against a tabular instance.
type Driver struct {
	// SQLDriverName selects the registered database/sql driver to use when
	// opening a connection string, allowing callers authenticating via
	// Azure AD to select "azuresql" instead of the default "sqlserver".
	SQLDriverName string

	// Trace, if set, backs every connection's trace subscription. Leave nil
	// if the deployment has no out-of-band trace transport; the Trace
	// Reactor then fails closed with a clear error instead of silently
	// doing nothing.
	Trace TraceTransport
}

// New returns a Driver using the standard "sqlserver" database/sql driver
// with no trace transport configured. Use WithTraceTransport to enable the
// Trace Reactor against this driver.
func New() *Driver {
	return &Driver{SQLDriverName: "sqlserver"}
}

// WithTraceTransport returns a copy of d with Trace set, enabling trace
// subscription for connections it opens afterward.
func (d *Driver) WithTraceTransport(t TraceTransport) *Driver {
	clone := *d
	clone.Trace = t
	return &clone
}

// Connect opens a new connection for the given connection string.
func (d *Driver) Connect(ctx context.Context, connectionString string) (driver.Conn, error) {
	name := d.SQLDriverName
	if name == "" {
		name = "sqlserver"
	}

	db, err := sql.Open(name, connectionString)
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping connection: %w", err)
	}

	return &conn{db: db, trace: d.Trace}, nil
}

// conn wraps a *sql.DB as a driver.Conn, executing DAX/MDX/DMV statements
// through the database/sql query path: column-type-driven []byte-to-string
// unwrapping, with a QueryContext-first / ExecContext-fallback strategy for
// statements that return no rows.
type conn struct {
	db    *sql.DB
	trace TraceTransport
}

// Subscribe implements driver.TraceConn by delegating to the configured
// TraceTransport. Without one, it fails loudly rather than leaving the Trace
// Reactor's type assertion the only signal that tracing is unsupported.
func (c *conn) Subscribe(ctx context.Context, eventClasses, columns []string, handler driver.EventHandler) (driver.Subscription, error) {
	if c.trace == nil {
		return nil, fmt.Errorf("mssqldriver: no TraceTransport configured; go-mssqldb exposes no server-side trace event push over TDS, so trace subscription requires Driver.WithTraceTransport")
	}
	return c.trace.Subscribe(ctx, eventClasses, columns, handler)
}

// Execute runs statement and returns its result set, coerced into
// driver.Result.
func (c *conn) Execute(ctx context.Context, statement string) (*driver.Result, error) {
	rows, err := c.db.QueryContext(ctx, statement)
	if err != nil {
		if execErr := c.execNoRows(ctx, statement); execErr == nil {
			return &driver.Result{}, nil
		}
		return nil, fmt.Errorf("execute statement: %w", err)
	}
	defer rows.Close()

	columnNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("read column types: %w", err)
	}

	result := &driver.Result{Columns: columnNames}

	for rows.Next() {
		values := make([]any, len(columnNames))
		pointers := make([]any, len(columnNames))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make([]any, len(columnNames))
		for i, v := range values {
			row[i] = coerceCell(v, columnTypes[i].DatabaseTypeName())
		}
		result.Rows = append(result.Rows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return result, nil
}

// execNoRows handles statements (e.g. CREATE/ALTER, certain trace DDL) that
// return no result set.
func (c *conn) execNoRows(ctx context.Context, statement string) error {
	_, err := c.db.ExecContext(ctx, statement)
	return err
}

// coerceCell unwraps []byte cells for string-typed columns and coerces
// decimal/money cells to float64 so DAX measure values come back as native
// numbers.
func coerceCell(v any, dbType string) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case []byte:
		if isStringType(dbType) {
			return string(val)
		}
		if isDecimalType(dbType) {
			var f float64
			if _, err := fmt.Sscanf(string(val), "%g", &f); err == nil {
				return f
			}
		}
		return val
	default:
		return v
	}
}

func isStringType(dbType string) bool {
	switch strings.ToUpper(dbType) {
	case "CHAR", "VARCHAR", "NCHAR", "NVARCHAR", "TEXT", "NTEXT":
		return true
	default:
		return false
	}
}

func isDecimalType(dbType string) bool {
	switch strings.ToUpper(dbType) {
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		return true
	default:
		return false
	}
}

// Close releases the underlying *sql.DB.
func (c *conn) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

var _ driver.Conn = (*conn)(nil)
var _ driver.TraceConn = (*conn)(nil)
var _ driver.Driver = (*Driver)(nil)
