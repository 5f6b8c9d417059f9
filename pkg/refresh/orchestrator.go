// Package refresh orchestrates table/partition refresh requests: target
// normalization, pre/post assertion checks, optional server-side tracing
// during the run, and a report of what was refreshed.
package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/Curts0/tabular/pkg/apperrors"
	"github.com/Curts0/tabular/pkg/commit"
	"github.com/Curts0/tabular/pkg/connection"
	"github.com/Curts0/tabular/pkg/model"
	"github.com/Curts0/tabular/pkg/trace"
	"go.uber.org/zap"
)

// RefreshType mirrors Microsoft.AnalysisServices.Tabular.RefreshType's
// subset relevant to client-driven refreshes.
type RefreshType string

const (
	RefreshTypeFull        RefreshType = "Full"
	RefreshTypeClearValues RefreshType = "ClearValues"
	RefreshTypeCalculate   RefreshType = "Calculate"
	RefreshTypeDataOnly    RefreshType = "DataOnly"
	RefreshTypeAutomatic   RefreshType = "Automatic"
	RefreshTypeDefragment  RefreshType = "Defragment"
)

// ReportRow is one refreshed partition's result, as surfaced by the commit
// step's RefreshedTime property changes.
type ReportRow struct {
	Table         string
	Partition     string
	RefreshedTime time.Time
}

// Report is the outcome of an Orchestrator.Run call.
type Report struct {
	Rows          []ReportRow
	CheckFailures []apperrors.CheckFailure
}

// Options configures a single Run call.
type Options struct {
	RefreshType          RefreshType
	Trace                *trace.Config // nil disables tracing for this run
	Checks               []*Check
	DefaultRowCountCheck bool
}

// DefaultOptions returns Run defaults: full refresh, row-count check
// enabled, no extra checks, no trace (caller opts in by setting Trace).
func DefaultOptions() Options {
	return Options{
		RefreshType:          RefreshTypeFull,
		DefaultRowCountCheck: true,
	}
}

// RowCounter is implemented by callers that can report a table's current
// row count, used for the default row-count check. pkg/ops.RowCount
// satisfies this.
type RowCounter func(ctx context.Context, table *model.Table) (int64, error)

// Orchestrator runs refresh requests against a connected Database.
type Orchestrator struct {
	conn       *connection.Connection
	db         *model.Database
	rowCounter RowCounter
	log        *zap.Logger
}

// New builds an Orchestrator. rowCounter supplies the default row-count
// check's Function; pass nil to disable the default check regardless of
// Options.DefaultRowCountCheck.
func New(conn *connection.Connection, db *model.Database, rowCounter RowCounter, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{conn: conn, db: db, rowCounter: rowCounter, log: log}
}

// Run refreshes target according to opts: it resolves the target into
// concrete tables/partitions, runs pre-checks (including the default
// row-count check unless disabled), starts a trace if requested, commits
// the refresh requests, reloads the graph, runs post-checks, drops the
// trace, and returns a Report. Checks are cleared at the end of every Run — they are scoped to
// a single refresh, not retained across calls.
func (o *Orchestrator) Run(ctx context.Context, target Target, opts Options) (*Report, error) {
	resolved, err := normalize(o.db.Model, target)
	if err != nil {
		return nil, fmt.Errorf("resolve refresh target: %w", err)
	}

	checks := append([]*Check{}, opts.Checks...)
	if opts.DefaultRowCountCheck && o.rowCounter != nil {
		checks = append(checks, o.defaultRowCountChecks(ctx, resolved)...)
	}

	for _, check := range checks {
		if err := check.RunPre(o.log); err != nil {
			return nil, err
		}
	}

	var guard *trace.TraceGuard
	if opts.Trace != nil {
		var reactor *trace.Reactor
		reactor, guard, err = trace.New(ctx, o.conn, *opts.Trace, o.log)
		if err != nil {
			// Trace failures are non-fatal; the refresh proceeds without
			// observability.
			o.log.Warn("trace setup failed, continuing without tracing", zap.Error(err))
		} else {
			defer guard.Close()
			if err := reactor.Start(); err != nil {
				o.log.Warn("trace start failed", zap.Error(err))
			}
		}
	}

	committer := commit.New(o.conn, o.log)
	for _, tp := range resolved {
		queueRefresh(committer, tp, opts.RefreshType)
	}

	changes, err := committer.Commit(ctx)
	if err != nil {
		return nil, fmt.Errorf("commit refresh: %w", err)
	}

	// Non-empty commit: the server-side graph changed underneath us, so
	// re-hydrate the in-memory Model before running post-checks or handing
	// a Report back. Stale handles in o.db are never observable past this
	// point.
	if len(resolved) > 0 {
		if err := model.Reload(ctx, o.conn, o.db, o.log); err != nil {
			return nil, fmt.Errorf("reload graph after commit: %w", err)
		}
	}

	var failures []apperrors.CheckFailure
	for _, check := range checks {
		failure, err := check.RunPost(o.log)
		if err != nil {
			return nil, err
		}
		if failure != nil {
			failures = append(failures, *failure)
		}
	}

	if guard != nil {
		guard.Close()
	}

	report := buildReport(changes)
	report.CheckFailures = failures

	if len(failures) > 0 {
		return report, &apperrors.RefreshCheckFailure{Failures: failures}
	}

	return report, nil
}

// defaultRowCountChecks builds one row-count Check per distinct table in
// the resolved target set.
func (o *Orchestrator) defaultRowCountChecks(ctx context.Context, resolved []tablePartitions) []*Check {
	seen := make(map[string]bool)
	var checks []*Check
	for _, tp := range resolved {
		if seen[tp.Table.Name] {
			continue
		}
		seen[tp.Table.Name] = true

		table := tp.Table
		checks = append(checks, NewCheck(
			fmt.Sprintf("%s Row Count", table.Name),
			func() (any, error) { return o.rowCounter(ctx, table) },
			RowCountAssertion,
		))
	}
	return checks
}

// queueRefresh appends the TMSL/DAX refresh command(s) for tp to
// committer's pending batch.
func queueRefresh(committer *commit.Committer, tp tablePartitions, refreshType RefreshType) {
	if len(tp.Partitions) == 0 {
		committer.Queue(commit.PendingOperation{
			Statement: refreshTableStatement(tp.Table.Name, refreshType),
		})
		return
	}
	for _, p := range tp.Partitions {
		committer.Queue(commit.PendingOperation{
			Statement: refreshPartitionStatement(tp.Table.Name, p.Name, refreshType),
		})
	}
}

func refreshTableStatement(table string, refreshType RefreshType) string {
	return fmt.Sprintf(`{"refresh":{"type":"%s","objects":[{"table":"%s"}]}}`, refreshType, table)
}

func refreshPartitionStatement(table, partition string, refreshType RefreshType) string {
	return fmt.Sprintf(`{"refresh":{"type":"%s","objects":[{"table":"%s","partition":"%s"}]}}`, refreshType, table, partition)
}

// buildReport converts a commit ChangeSet's RefreshedTime property changes
// into Report rows, one per partition whose RefreshedTime moved.
func buildReport(changes *commit.ChangeSet) *Report {
	report := &Report{}
	for _, pc := range changes.PropertyChanges {
		if pc.PropertyName != "RefreshedTime" {
			continue
		}
		table, partition := splitObjectPath(pc.ObjectPath)
		refreshedTime, _ := pc.NewValue.(time.Time)
		report.Rows = append(report.Rows, ReportRow{
			Table:         table,
			Partition:     partition,
			RefreshedTime: refreshedTime,
		})
	}
	return report
}

// splitObjectPath splits a "Table[Partition]" path into its components.
func splitObjectPath(path string) (table, partition string) {
	for i, r := range path {
		if r == '[' && len(path) > 0 && path[len(path)-1] == ']' {
			return path[:i], path[i+1 : len(path)-1]
		}
	}
	return path, ""
}
