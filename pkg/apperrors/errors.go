// Package apperrors defines the typed error kinds surfaced by the tabular
// client, per the error propagation policy in the specification.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors usable with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidProperty = errors.New("invalid property")
)

// ConnectError indicates the connection string was invalid, the server was
// unreachable, or the catalog did not exist.
type ConnectError struct {
	ConnectionString string // sanitized before storage; never the raw string
	Err              error
}

func (e ConnectError) Error() string {
	return fmt.Sprintf("connect: %s: %v", e.ConnectionString, e.Err)
}

func (e ConnectError) Unwrap() error { return e.Err }

// QueryError wraps a server-rejected statement with its server message.
type QueryError struct {
	Statement string
	Err       error
}

func (e QueryError) Error() string {
	return fmt.Sprintf("query failed: %v", e.Err)
}

func (e QueryError) Unwrap() error { return e.Err }

// NotFoundError indicates a table, partition, column, measure, or role could
// not be resolved by name. It always wraps ErrNotFound.
type NotFoundError struct {
	Kind string // "table", "partition", "column", "measure", "role"
	Name string
	Parent string // parent object name, if any ("" for top-level lookups)
}

func (e NotFoundError) Error() string {
	if e.Parent == "" {
		return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s %q not found in %q", e.Kind, e.Name, e.Parent)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidPropertyError indicates an unrecognized property key was supplied,
// e.g. to measure upsert.
type InvalidPropertyError struct {
	Property string
	Object   string
}

func (e InvalidPropertyError) Error() string {
	return fmt.Sprintf("invalid property %q for %s", e.Property, e.Object)
}

func (e InvalidPropertyError) Unwrap() error { return ErrInvalidProperty }

// CommitError indicates the server rejected a batch of pending changes. No
// graph reload occurs when this error is returned.
type CommitError struct {
	Err error
}

func (e CommitError) Error() string {
	return fmt.Sprintf("commit failed: %v", e.Err)
}

func (e CommitError) Unwrap() error { return e.Err }

// CheckFailure captures a single failed refresh check's pre/post values.
type CheckFailure struct {
	Name string
	Pre  any
	Post any
}

// RefreshCheckFailure aggregates one or more failed refresh checks. The
// graph reload has already happened by the time this error is raised.
type RefreshCheckFailure struct {
	Failures []CheckFailure
}

func (e *RefreshCheckFailure) Error() string {
	return fmt.Sprintf("%d refresh check(s) failed", len(e.Failures))
}

// TraceError is non-fatal: the caller should log it and proceed without
// observability.
type TraceError struct {
	Err error
}

func (e TraceError) Error() string {
	return fmt.Sprintf("trace: %v", e.Err)
}

func (e TraceError) Unwrap() error { return e.Err }
