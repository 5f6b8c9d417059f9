// Package commit applies pending server-side mutations (processed
// partitions, added/removed objects) in queue order, one statement execution
// per mutation, and reports what changed. The batch is not applied as one
// transaction: mutations that succeeded before a failing one stay applied.
package commit

import (
	"context"
	"fmt"

	"github.com/Curts0/tabular/pkg/apperrors"
	"github.com/Curts0/tabular/pkg/connection"
	"go.uber.org/zap"
)

// PropertyChange records one property mutation the server applied as part
// of a commit — most importantly a Partition's RefreshedTime, which the
// refresh orchestrator reads back to build its report.
type PropertyChange struct {
	ObjectKind   string // e.g. "Partition", "Table"
	ObjectPath   string // "Table[Partition]" or "Table"
	PropertyName string
	PropertyType string // server-reported type of PropertyName, e.g. "DateTime"
	OldValue     any
	NewValue     any
}

// ChangeSet is the result of a Commit: every property change the server
// applied, objects and subtree roots added or removed as part of the
// transaction, and any server-side diagnostic messages returned alongside
// the batch. A subtree root is an added/removed object that is
// not itself nested under another added/removed object in the same batch
// (e.g. a whole table created by CreateTableFromDataset, as opposed to a
// column the server also reports as added beneath it).
type ChangeSet struct {
	PropertyChanges     []PropertyChange
	AddedObjects        []string
	AddedSubtreeRoots   []string
	RemovedObjects      []string
	RemovedSubtreeRoots []string
	Diagnostics         []string
}

// PendingOperation is one queued mutation — typically a processed
// partition/table request — awaiting commit.
type PendingOperation struct {
	Statement string // the DAX/TMSL/XMLA command representing the mutation
}

// Committer queues pending mutations and applies them in order on Commit.
type Committer struct {
	conn    *connection.Connection
	pending []PendingOperation
	log     *zap.Logger
}

// New builds a Committer bound to conn.
func New(conn *connection.Connection, log *zap.Logger) *Committer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Committer{conn: conn, log: log}
}

// Queue appends a pending mutation to the Committer's batch.
func (c *Committer) Queue(op PendingOperation) {
	c.pending = append(c.pending, op)
}

// Commit applies every queued operation via the connection, one Execute
// call per operation, and returns the resulting ChangeSet. An empty commit
// (nothing queued) logs a warning and returns an empty ChangeSet without a
// round trip. The first failing operation stops the batch with a
// CommitError; operations executed before it are not rolled back, and the
// queue is left as it was.
func (c *Committer) Commit(ctx context.Context) (*ChangeSet, error) {
	if len(c.pending) == 0 {
		c.log.Warn("commit called with no pending operations")
		return &ChangeSet{}, nil
	}

	changes := &ChangeSet{}
	for _, op := range c.pending {
		result, err := c.conn.Execute(ctx, op.Statement)
		if err != nil {
			return nil, apperrors.CommitError{Err: fmt.Errorf("commit operation %q: %w", op.Statement, err)}
		}

		tr, ok := result.(*connection.TabularResult)
		if !ok {
			continue
		}
		batch := parseChangeSet(tr)
		changes.PropertyChanges = append(changes.PropertyChanges, batch.PropertyChanges...)
		changes.AddedObjects = append(changes.AddedObjects, batch.AddedObjects...)
		changes.AddedSubtreeRoots = append(changes.AddedSubtreeRoots, batch.AddedSubtreeRoots...)
		changes.RemovedObjects = append(changes.RemovedObjects, batch.RemovedObjects...)
		changes.RemovedSubtreeRoots = append(changes.RemovedSubtreeRoots, batch.RemovedSubtreeRoots...)
		changes.Diagnostics = append(changes.Diagnostics, batch.Diagnostics...)
	}

	c.pending = nil

	c.log.Info("commit applied",
		zap.Int("property_changes", len(changes.PropertyChanges)),
		zap.Int("added_objects", len(changes.AddedObjects)+len(changes.AddedSubtreeRoots)),
		zap.Int("removed_objects", len(changes.RemovedObjects)+len(changes.RemovedSubtreeRoots)))

	return changes, nil
}

// parseChangeSet extracts a ChangeSet from a commit statement's result set,
// when the statement surfaces its applied changes as a result set (e.g. a
// TMSL refresh returning affected partitions, or a createOrReplace/delete
// batch returning added/removed objects). Rows are distinguished by an
// Action column: "ObjectAdded"/"ObjectRemoved" rows contribute to the
// added/removed object lists, everything else is treated as a property
// change.
func parseChangeSet(tr *connection.TabularResult) ChangeSet {
	idx := func(name string) int {
		for i, c := range tr.Columns {
			if c == name {
				return i
			}
		}
		return -1
	}

	tableIdx := idx("TableName")
	partIdx := idx("PartitionName")
	objPathIdx := idx("ObjectPath")
	actionIdx := idx("Action")
	subtreeIdx := idx("IsSubtreeRoot")
	propIdx := idx("PropertyName")
	propTypeIdx := idx("PropertyType")
	oldIdx := idx("OldValue")
	newIdx := idx("NewValue")
	diagIdx := idx("Diagnostic")

	objectPath := func(row []any) string {
		if objPathIdx >= 0 {
			if p := cellString(row, objPathIdx); p != "" {
				return p
			}
		}
		path := cellString(row, tableIdx)
		if partIdx >= 0 {
			if p := cellString(row, partIdx); p != "" {
				path = fmt.Sprintf("%s[%s]", path, p)
			}
		}
		return path
	}

	var cs ChangeSet
	for _, row := range tr.Rows {
		if diagIdx >= 0 {
			if d := cellString(row, diagIdx); d != "" {
				cs.Diagnostics = append(cs.Diagnostics, d)
			}
		}

		switch cellString(row, actionIdx) {
		case "ObjectAdded":
			if boolCell(row, subtreeIdx) {
				cs.AddedSubtreeRoots = append(cs.AddedSubtreeRoots, objectPath(row))
			} else {
				cs.AddedObjects = append(cs.AddedObjects, objectPath(row))
			}
		case "ObjectRemoved":
			if boolCell(row, subtreeIdx) {
				cs.RemovedSubtreeRoots = append(cs.RemovedSubtreeRoots, objectPath(row))
			} else {
				cs.RemovedObjects = append(cs.RemovedObjects, objectPath(row))
			}
		default:
			if propIdx < 0 || (tableIdx < 0 && objPathIdx < 0) {
				continue
			}
			kind := "Table"
			if partIdx >= 0 && cellString(row, partIdx) != "" {
				kind = "Partition"
			}
			cs.PropertyChanges = append(cs.PropertyChanges, PropertyChange{
				ObjectKind:   kind,
				ObjectPath:   objectPath(row),
				PropertyName: cellString(row, propIdx),
				PropertyType: cellString(row, propTypeIdx),
				OldValue:     cellAt(row, oldIdx),
				NewValue:     cellAt(row, newIdx),
			})
		}
	}
	return cs
}

func cellString(row []any, i int) string {
	if i < 0 || i >= len(row) || row[i] == nil {
		return ""
	}
	if s, ok := row[i].(string); ok {
		return s
	}
	return fmt.Sprintf("%v", row[i])
}

func cellAt(row []any, i int) any {
	if i < 0 || i >= len(row) {
		return nil
	}
	return row[i]
}

func boolCell(row []any, i int) bool {
	if i < 0 || i >= len(row) || row[i] == nil {
		return false
	}
	switch v := row[i].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}
