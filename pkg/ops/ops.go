// Package ops implements the per-object operations available on tables,
// columns, measures, and partitions: row/distinct counts, sample values,
// dependency discovery, measure upsert, and dataset-backed table creation.
package ops

import (
	"context"
	"fmt"

	"github.com/Curts0/tabular/pkg/apperrors"
	"github.com/Curts0/tabular/pkg/connection"
	"github.com/Curts0/tabular/pkg/mexpr"
	"github.com/Curts0/tabular/pkg/model"
)

// RowCount returns EVALUATE {COUNTROWS('Table')} coerced to int64.
func RowCount(ctx context.Context, conn *connection.Connection, table *model.Table) (int64, error) {
	statement := fmt.Sprintf("EVALUATE {COUNTROWS('%s')}", table.Name)
	result, err := conn.Execute(ctx, statement)
	if err != nil {
		return 0, fmt.Errorf("row count for %q: %w", table.Name, err)
	}
	return scalarToInt64(result)
}

// SampleValues returns up to topN non-blank distinct values of a column,
// ordered ascending. The TOPNSKIP form is tried first; DirectQuery sources
// reject TOPNSKIP, so a plain TOPN/FILTER query serves as the fallback.
func SampleValues(ctx context.Context, conn *connection.Connection, col *model.Column, topN int) (*connection.TabularResult, error) {
	if topN <= 0 {
		topN = 3
	}
	ref := columnRef(col)
	statement := fmt.Sprintf(
		`EVALUATE TOPNSKIP(%d, 0, FILTER(VALUES(%s), NOT ISBLANK(%s) && LEN(%s) > 0), 1) ORDER BY %s`,
		topN, ref, ref, ref, ref,
	)
	result, err := conn.Execute(ctx, statement)
	if err != nil {
		fallback := fmt.Sprintf(
			`EVALUATE TOPN(%d, FILTER(VALUES(%s), NOT ISBLANK(%s) && LEN(%s) > 0)) ORDER BY %s`,
			topN, ref, ref, ref, ref,
		)
		result, err = conn.Execute(ctx, fallback)
		if err != nil {
			return nil, fmt.Errorf("sample values for %q: %w", col.ObjectName(), err)
		}
	}
	return asTabular(result, col.ObjectName())
}

// DistinctCount returns DISTINCTCOUNT (or DISTINCTCOUNTNOBLANK) of a column.
func DistinctCount(ctx context.Context, conn *connection.Connection, col *model.Column, noBlank bool) (int64, error) {
	fn := "DISTINCTCOUNT"
	if noBlank {
		fn = "DISTINCTCOUNTNOBLANK"
	}
	statement := fmt.Sprintf("EVALUATE {%s(%s)}", fn, columnRef(col))
	result, err := conn.Execute(ctx, statement)
	if err != nil {
		return 0, fmt.Errorf("distinct count for %q: %w", col.ObjectName(), err)
	}
	return scalarToInt64(result)
}

// ColumnValues returns EVALUATE VALUES('Table'[Column]) as a single-column
// result holding every distinct value of the column, blanks included.
func ColumnValues(ctx context.Context, conn *connection.Connection, col *model.Column) (*connection.TabularResult, error) {
	statement := fmt.Sprintf("EVALUATE VALUES(%s)", columnRef(col))
	result, err := conn.Execute(ctx, statement)
	if err != nil {
		return nil, fmt.Errorf("values for %q: %w", col.ObjectName(), err)
	}
	return asTabular(result, col.ObjectName())
}

// RefreshInProgress reports whether the server is currently processing a
// refresh, per $SYSTEM.DISCOVER_JOBS: any row whose JOB_DESCRIPTION is
// "Process" means a refresh job is live.
func RefreshInProgress(ctx context.Context, conn *connection.Connection) (bool, error) {
	result, err := conn.Execute(ctx, "select * from $SYSTEM.DISCOVER_JOBS")
	if err != nil {
		return false, fmt.Errorf("discover jobs: %w", err)
	}
	tr, ok := result.(*connection.TabularResult)
	if !ok {
		return false, nil
	}

	descIdx := -1
	for i, c := range tr.Columns {
		if c == "JOB_DESCRIPTION" {
			descIdx = i
			break
		}
	}
	if descIdx < 0 {
		return false, nil
	}

	for _, row := range tr.Rows {
		if descIdx < len(row) {
			if s, ok := row[descIdx].(string); ok && s == "Process" {
				return true, nil
			}
		}
	}
	return false, nil
}

// Dependencies returns the DISCOVER_CALC_DEPENDENCY rows whose [OBJECT] is
// the measure: everything the measure's expression references. Objects that
// reference the measure are not returned.
func Dependencies(ctx context.Context, conn *connection.Connection, measure *model.Measure) (*connection.TabularResult, error) {
	statement := fmt.Sprintf(
		"select * from $SYSTEM.DISCOVER_CALC_DEPENDENCY where [OBJECT] = '%s' and [TABLE] = '%s'",
		measure.Name, measure.Table().Name,
	)
	result, err := conn.Execute(ctx, statement)
	if err != nil {
		return nil, fmt.Errorf("dependencies for %q: %w", measure.Name, err)
	}
	return asTabular(result, measure.Name)
}

// MeasureDefinition is the set of properties UpsertMeasure sends. The
// createOrReplace command replaces the whole measure, so on an update a
// field left at its zero value sets the server property to that zero value;
// values the existing measure had are not kept.
type MeasureDefinition struct {
	Name          string
	Expression    string
	DisplayFolder string
	FormatString  string
	Description   string
	IsHidden      bool
}

// applyMeasureProperty sets one named property on def, returning an
// InvalidPropertyError for a key that doesn't name a recognized measure
// property.
func applyMeasureProperty(def *MeasureDefinition, key string, value any) error {
	str := func() string {
		if s, ok := value.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", value)
	}
	switch key {
	case "DisplayFolder":
		def.DisplayFolder = str()
	case "FormatString":
		def.FormatString = str()
	case "Description":
		def.Description = str()
	case "IsHidden":
		b, ok := value.(bool)
		if !ok {
			return apperrors.InvalidPropertyError{Property: key, Object: "Measure"}
		}
		def.IsHidden = b
	default:
		return apperrors.InvalidPropertyError{Property: key, Object: "Measure"}
	}
	return nil
}

// UpsertMeasureWithProperties creates or replaces a measure from a name,
// expression, and a free-form property map. Every key must name a recognized
// measure property; an unrecognized key fails the whole upsert with an
// InvalidPropertyError before anything reaches the server.
func UpsertMeasureWithProperties(ctx context.Context, conn *connection.Connection, table *model.Table, name, expression string, properties map[string]any) error {
	def := MeasureDefinition{Name: name, Expression: expression}
	for key, value := range properties {
		if err := applyMeasureProperty(&def, key, value); err != nil {
			return err
		}
	}
	return UpsertMeasure(ctx, conn, table, def)
}

// UpsertMeasure creates or replaces a measure's definition on table, via a
// TMSL createOrReplace command.
func UpsertMeasure(ctx context.Context, conn *connection.Connection, table *model.Table, def MeasureDefinition) error {
	if def.Name == "" {
		return apperrors.InvalidPropertyError{Property: "Name", Object: "Measure"}
	}
	statement := fmt.Sprintf(
		`{"createOrReplace":{"object":{"table":"%s","measure":"%s"},"measure":{"name":"%s","expression":"%s","displayFolder":"%s","formatString":"%s","description":"%s","isHidden":%t}}}`,
		table.Name, def.Name, def.Name, escapeTMSL(def.Expression), escapeTMSL(def.DisplayFolder),
		escapeTMSL(def.FormatString), escapeTMSL(def.Description), def.IsHidden,
	)
	if _, err := conn.Execute(ctx, statement); err != nil {
		return fmt.Errorf("upsert measure %q on %q: %w", def.Name, table.Name, err)
	}
	return nil
}

// DeleteTable removes a table from the model via a TMSL delete command.
// The in-memory graph still holds the table until the next reload.
func DeleteTable(ctx context.Context, conn *connection.Connection, table *model.Table) error {
	statement := fmt.Sprintf(
		`{"delete":{"object":{"database":"%s","table":"%s"}}}`,
		table.Model().Database().Name, table.Name,
	)
	if _, err := conn.Execute(ctx, statement); err != nil {
		return fmt.Errorf("delete table %q: %w", table.Name, err)
	}
	return nil
}

// DeleteMeasure removes a measure from its table via a TMSL delete command.
func DeleteMeasure(ctx context.Context, conn *connection.Connection, measure *model.Measure) error {
	statement := fmt.Sprintf(
		`{"delete":{"object":{"database":"%s","table":"%s","measure":"%s"}}}`,
		measure.Table().Model().Database().Name, measure.Table().Name, measure.Name,
	)
	if _, err := conn.Execute(ctx, statement); err != nil {
		return fmt.Errorf("delete measure %q: %w", measure.Name, err)
	}
	return nil
}

// CreateTableFromDataset builds a table backed by an in-memory dataset,
// inferring column types from the first row and generating the M expression
// partition source via pkg/mexpr.
func CreateTableFromDataset(ctx context.Context, conn *connection.Connection, tableName string, columns []string, rows [][]any) error {
	mExpression := mexpr.BuildMExpression(columns, rows)

	var sampleRow []any
	if len(rows) > 0 {
		sampleRow = rows[0]
	}
	types := mexpr.InferColumnTypes(columns, sampleRow)

	statement := buildCreateTableTMSL(tableName, columns, types, mExpression)
	if _, err := conn.Execute(ctx, statement); err != nil {
		return fmt.Errorf("create table %q from dataset: %w", tableName, err)
	}
	return nil
}

func buildCreateTableTMSL(tableName string, columns []string, types map[string]model.DataType, mExpression string) string {
	columnDefs := ""
	for i, col := range columns {
		if i > 0 {
			columnDefs += ","
		}
		columnDefs += fmt.Sprintf(`{"name":"%s","dataType":"%s","sourceColumn":"%s"}`, col, types[col], col)
	}
	return fmt.Sprintf(
		`{"createOrReplace":{"object":{"table":"%s"},"table":{"name":"%s","columns":[%s],"partitions":[{"name":"%s","mode":"import","source":{"type":"m","expression":"%s"}}]}}}`,
		tableName, tableName, columnDefs, tableName, escapeTMSL(mExpression),
	)
}

func columnRef(col *model.Column) string {
	return fmt.Sprintf("'%s'[%s]", col.Table().Name, col.Name)
}

func escapeTMSL(s string) string {
	escaped := ""
	for _, r := range s {
		switch r {
		case '"':
			escaped += `\"`
		case '\\':
			escaped += `\\`
		case '\n':
			escaped += `\n`
		default:
			escaped += string(r)
		}
	}
	return escaped
}

// asTabular returns result as a TabularResult. Connection.Execute collapses
// a one-row, one-column result to a bare scalar; such a value is expanded
// back into a single row under a column named column.
func asTabular(result any, column string) (*connection.TabularResult, error) {
	if tr, ok := result.(*connection.TabularResult); ok {
		return tr, nil
	}
	return &connection.TabularResult{Columns: []string{column}, Rows: [][]any{{result}}}, nil
}

func scalarToInt64(result any) (int64, error) {
	switch v := result.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected scalar count, got %T", result)
	}
}
