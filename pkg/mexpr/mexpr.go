// Package mexpr builds Power Query M expressions for loading in-memory
// tabular data as a partition source, and infers tabular column data types
// from Go value kinds — the inbound half of CreateTableFromDataset.
package mexpr

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/Curts0/tabular/pkg/model"
)

// InferColumnType maps a Go value's reflect.Kind to the tabular DataType it
// should be stored as, mirroring pandas_datatype_to_tabular_datatype's dtype
// mapping (kind-letter -> DataType).
func InferColumnType(v any) model.DataType {
	if v == nil {
		return model.DataTypeString
	}
	if _, ok := v.(time.Time); ok {
		return model.DataTypeDateTime
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Bool:
		return model.DataTypeBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return model.DataTypeInt64
	case reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return model.DataTypeDouble
	default:
		return model.DataTypeString
	}
}

// InferColumnTypes returns the inferred DataType for each named column given
// a representative value from the first row.
func InferColumnTypes(columns []string, sampleRow []any) map[string]model.DataType {
	types := make(map[string]model.DataType, len(columns))
	for i, col := range columns {
		var v any
		if i < len(sampleRow) {
			v = sampleRow[i]
		}
		types[col] = InferColumnType(v)
	}
	return types
}

// mListExpression converts a slice of values to the Power Query M list
// literal format: {"a","b","c"}.
func mListExpression(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "\"" + escapeMString(v) + "\""
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

func escapeMString(s string) string {
	s = strings.ReplaceAll(s, "\"", "\"\"")
	return s
}

func cellToMString(v any) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case time.Time:
		return val.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// BuildMExpression converts column names and row values into the M
// expression backing a dataset-sourced partition:
//
//	let
//	Source=#table({"col1","col2"},
//	{
//	{"1","3"},{"2","4"}
//	})
//	in
//	Source
func BuildMExpression(columns []string, rows [][]any) string {
	var b strings.Builder
	b.WriteString("let\nSource=#table(")
	b.WriteString(mListExpression(columns))
	b.WriteString(",\n{\n")

	rowExprs := make([]string, len(rows))
	for i, row := range rows {
		cells := make([]string, len(row))
		for j, cell := range row {
			cells[j] = cellToMString(cell)
		}
		rowExprs[i] = mListExpression(cells)
	}
	b.WriteString(strings.Join(rowExprs, ","))

	b.WriteString("\n})\nin\nSource")
	return b.String()
}
