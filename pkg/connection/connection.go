// Package connection wraps an opaque driver.Driver with the behaviors a
// tabular client needs on top of a bare transport: lazy open, effective-user
// impersonation via a per-user subconnection cache, statement-vs-file-path
// detection, and scalar/tabular result coercion.
package connection

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/Curts0/tabular/pkg/apperrors"
	"github.com/Curts0/tabular/pkg/driver"
	"github.com/Curts0/tabular/pkg/logging"
	"github.com/Curts0/tabular/pkg/retry"
	"go.uber.org/zap"
)

// TabularResult is the Go-side shape of a non-scalar query result: column
// names plus rows of cell values in Columns order.
type TabularResult struct {
	Columns []string
	Rows    [][]any
}

// Connection is a single logical endpoint: a base connection string plus a
// lazily-opened primary driver.Conn, and a cache of subconnections opened
// under effective-user impersonation.
type Connection struct {
	mu sync.Mutex

	drv              driver.Driver
	baseConnString   string
	log              *zap.Logger
	retryCfg         *retry.Config
	maxEffectiveUser int

	primary     driver.Conn
	byUser      map[string]driver.Conn
	userOrder   []string // LRU eviction order, oldest first
}

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithLogger overrides the default no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Connection) { c.log = log }
}

// WithRetryConfig overrides the default retry.Config used for connect
// attempts.
func WithRetryConfig(cfg *retry.Config) Option {
	return func(c *Connection) { c.retryCfg = cfg }
}

// WithEffectiveUserCacheSize bounds how many effective-user subconnections
// are cached at once before the oldest is evicted and closed.
func WithEffectiveUserCacheSize(n int) Option {
	return func(c *Connection) { c.maxEffectiveUser = n }
}

// New builds a Connection around drv and a base connection string. No
// network I/O happens until the first Execute or ExecuteAs call.
func New(drv driver.Driver, baseConnString string, opts ...Option) *Connection {
	c := &Connection{
		drv:              drv,
		baseConnString:   baseConnString,
		log:              zap.NewNop(),
		retryCfg:         retry.DefaultConfig(),
		maxEffectiveUser: 25,
		byUser:           make(map[string]driver.Conn),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// resolveStatement reads the statement from disk when it names an existing
// file. A failed stat is not an error: the input is treated as a literal
// statement.
func resolveStatement(statement string) (string, error) {
	info, err := os.Stat(statement)
	if err != nil || info.IsDir() {
		return statement, nil
	}
	contents, err := os.ReadFile(statement)
	if err != nil {
		return "", fmt.Errorf("read statement file %q: %w", statement, err)
	}
	return string(contents), nil
}

// open lazily connects the primary driver.Conn.
func (c *Connection) open(ctx context.Context) (driver.Conn, error) {
	if c.primary != nil {
		return c.primary, nil
	}

	c.log.Info("opening connection", zap.String("connection_string", logging.SanitizeConnectionString(c.baseConnString)))

	var conn driver.Conn
	err := retry.DoIfRetryable(ctx, c.retryCfg, func() error {
		var connectErr error
		conn, connectErr = c.drv.Connect(ctx, c.baseConnString)
		return connectErr
	})
	if err != nil {
		return nil, apperrors.ConnectError{ConnectionString: logging.SanitizeConnectionString(c.baseConnString), Err: err}
	}

	c.primary = conn
	return conn, nil
}

// openAs lazily connects (or reuses) the subconnection impersonating
// effectiveUser, evicting the least recently used cached subconnection when
// the cache is full.
func (c *Connection) openAs(ctx context.Context, effectiveUser string) (driver.Conn, error) {
	if conn, ok := c.byUser[effectiveUser]; ok {
		for i, u := range c.userOrder {
			if u == effectiveUser {
				c.userOrder = append(c.userOrder[:i], c.userOrder[i+1:]...)
				break
			}
		}
		c.userOrder = append(c.userOrder, effectiveUser)
		return conn, nil
	}

	connString := c.baseConnString + ";EffectiveUserName=" + effectiveUser
	c.log.Info("opening effective-user connection", zap.String("user", logging.SanitizeUser(effectiveUser)))

	var conn driver.Conn
	err := retry.DoIfRetryable(ctx, c.retryCfg, func() error {
		var connectErr error
		conn, connectErr = c.drv.Connect(ctx, connString)
		return connectErr
	})
	if err != nil {
		return nil, apperrors.ConnectError{ConnectionString: logging.SanitizeConnectionString(connString), Err: err}
	}

	if c.maxEffectiveUser > 0 && len(c.byUser) >= c.maxEffectiveUser {
		oldest := c.userOrder[0]
		c.userOrder = c.userOrder[1:]
		if stale, ok := c.byUser[oldest]; ok {
			stale.Close()
			delete(c.byUser, oldest)
		}
	}

	c.byUser[effectiveUser] = conn
	c.userOrder = append(c.userOrder, effectiveUser)
	return conn, nil
}

// Execute runs statement (a DAX/MDX/DMV statement string, or a path to a
// file containing one) on the primary connection and coerces the result:
// a single-cell result collapses to a bare scalar, otherwise a
// *TabularResult is returned.
func (c *Connection) Execute(ctx context.Context, statement string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resolved, err := resolveStatement(statement)
	if err != nil {
		return nil, err
	}

	conn, err := c.open(ctx)
	if err != nil {
		return nil, err
	}

	c.log.Debug("executing statement", zap.String("statement", logging.SanitizeStatement(resolved)))

	result, err := conn.Execute(ctx, resolved)
	if err != nil {
		return nil, apperrors.QueryError{Statement: logging.SanitizeStatement(resolved), Err: err}
	}

	return coerceResult(result), nil
}

// ExecuteAs runs statement under effective-user impersonation, using a
// cached per-user subconnection.
func (c *Connection) ExecuteAs(ctx context.Context, statement, effectiveUser string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resolved, err := resolveStatement(statement)
	if err != nil {
		return nil, err
	}

	conn, err := c.openAs(ctx, effectiveUser)
	if err != nil {
		return nil, err
	}

	c.log.Debug("executing statement as effective user",
		zap.String("statement", logging.SanitizeStatement(resolved)),
		zap.String("user", logging.SanitizeUser(effectiveUser)))

	result, err := conn.Execute(ctx, resolved)
	if err != nil {
		return nil, apperrors.QueryError{Statement: logging.SanitizeStatement(resolved), Err: err}
	}

	return coerceResult(result), nil
}

// coerceResult collapses a single-cell driver.Result to a bare scalar,
// otherwise returns a *TabularResult.
func coerceResult(result *driver.Result) any {
	if result.IsScalar() {
		return result.Scalar()
	}
	return &TabularResult{Columns: result.Columns, Rows: result.Rows}
}

// Conn returns the primary driver.Conn, opening it if necessary. Used by
// subsystems (trace, refresh) that need direct driver access beyond
// Execute's scalar/tabular coercion.
func (c *Connection) Conn(ctx context.Context) (driver.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open(ctx)
}

// Close releases the primary connection and every cached effective-user
// subconnection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	if c.primary != nil {
		if err := c.primary.Close(); err != nil {
			firstErr = err
		}
		c.primary = nil
	}
	for user, conn := range c.byUser {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.byUser, user)
	}
	c.userOrder = nil
	return firstErr
}
