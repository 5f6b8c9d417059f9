package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Curts0/tabular/pkg/connection"
)

type fakeExecutor struct {
	results map[string]*connection.TabularResult
}

func (f *fakeExecutor) Execute(ctx context.Context, statement string) (any, error) {
	return f.results[statement], nil
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		results: map[string]*connection.TabularResult{
			"SELECT [ID], [Name], [Description], [DataCategory], [ModifiedTime], [IsHidden] FROM $SYSTEM.TMSCHEMA_TABLES": {
				Columns: []string{"ID", "Name", "Description", "DataCategory", "ModifiedTime", "IsHidden"},
				Rows:    [][]any{{int64(7), "Orders", "", "", nil, false}},
			},
			"SELECT [ID], [TableID], [ExplicitName], [DataType], [Type], [IsHidden], [IsKey], [IsNullable] FROM $SYSTEM.TMSCHEMA_COLUMNS": {
				Columns: []string{"ID", "TableID", "ExplicitName", "DataType", "Type", "IsHidden", "IsKey", "IsNullable"},
				Rows:    [][]any{{int64(21), int64(7), "OrderID", "Int64", int64(1), false, true, false}},
			},
			"SELECT [TableID], [Name], [Mode], [State], [QueryDefinition], [RefreshedTime] FROM $SYSTEM.TMSCHEMA_PARTITIONS": {
				Columns: []string{"TableID", "Name", "Mode", "State", "QueryDefinition", "RefreshedTime"},
				Rows:    [][]any{{int64(7), "Orders-Partition", "Import", "Ready", "", "2024-01-01T00:00:00Z"}},
			},
			"SELECT [TableID], [Name], [Expression], [IsHidden], [DisplayFolder], [FormatString] FROM $SYSTEM.TMSCHEMA_MEASURES": {
				Columns: []string{"TableID", "Name", "Expression", "IsHidden", "DisplayFolder", "FormatString"},
				Rows:    [][]any{{int64(7), "Total Orders", "COUNTROWS(Orders)", false, "", ""}},
			},
			"SELECT [Name], [FromTableID], [FromColumnID], [ToTableID], [ToColumnID], [IsActive], [CrossFilteringBehavior] FROM $SYSTEM.TMSCHEMA_RELATIONSHIPS": {
				Columns: []string{"Name", "FromTableID", "FromColumnID", "ToTableID", "ToColumnID", "IsActive", "CrossFilteringBehavior"},
			},
			"SELECT [Name] FROM $SYSTEM.TMSCHEMA_CULTURES": {
				Columns: []string{"Name"},
			},
			"SELECT [Name] FROM $SYSTEM.TMSCHEMA_ROLES": {
				Columns: []string{"Name"},
			},
			"SELECT [CATALOG_NAME], [COMPATIBILITY_LEVEL] FROM $SYSTEM.DBSCHEMA_CATALOGS": {
				Columns: []string{"CATALOG_NAME", "COMPATIBILITY_LEVEL"},
				Rows:    [][]any{{"AdventureWorks", int64(1600)}, {"OtherCatalog", int64(1200)}},
			},
		},
	}
}

func TestReload_BuildsTableGraph(t *testing.T) {
	db := &Database{Name: "AdventureWorks"}
	err := Reload(context.Background(), newFakeExecutor(), db, nil)
	require.NoError(t, err)

	require.NotNil(t, db.Model)
	assert.Equal(t, 1, db.Model.Tables.Len())

	table, ok := db.Model.Tables.ByName("Orders")
	require.True(t, ok)
	assert.Same(t, db.Model, table.Model())

	col, ok := table.Columns.ByName("OrderID")
	require.True(t, ok)
	assert.Same(t, table, col.Table())
	assert.True(t, col.IsKey)
	assert.Equal(t, ColumnTypeData, col.Type)

	part, ok := table.Partitions.ByName("Orders-Partition")
	require.True(t, ok)
	assert.Same(t, table, part.Table())
	assert.Equal(t, PartitionModeImport, part.Mode)
	assert.Equal(t, 2024, part.RefreshedTime.Year())

	measure, ok := table.Measures.ByName("Total Orders")
	require.True(t, ok)
	assert.Equal(t, "COUNTROWS(Orders)", measure.Expression)

	assert.Equal(t, 1600, db.CompatibilityLevel, "catalog properties come from the matching DBSCHEMA_CATALOGS row")
}

const relationshipsStatement = "SELECT [Name], [FromTableID], [FromColumnID], [ToTableID], [ToColumnID], [IsActive], [CrossFilteringBehavior] FROM $SYSTEM.TMSCHEMA_RELATIONSHIPS"

func TestReload_RelationshipEndpointsResolveInGraph(t *testing.T) {
	exec := newFakeExecutor()
	exec.results[relationshipsStatement] = &connection.TabularResult{
		Columns: []string{"Name", "FromTableID", "FromColumnID", "ToTableID", "ToColumnID", "IsActive", "CrossFilteringBehavior"},
		Rows:    [][]any{{"Orders-Orders", int64(7), int64(21), int64(7), int64(21), true, "OneDirection"}},
	}

	db := &Database{Name: "AdventureWorks"}
	require.NoError(t, Reload(context.Background(), exec, db, nil))

	require.Equal(t, 1, db.Model.Relationships.Len())
	rel := db.Model.Relationships.At(0)
	assert.Same(t, db.Model, rel.Model())
	assert.Equal(t, "Orders", rel.From.TableName)
	assert.Equal(t, "OrderID", rel.From.ColumnName)

	fromTable, ok := db.Model.Tables.ByName(rel.From.TableName)
	require.True(t, ok)
	_, ok = fromTable.Columns.ByName(rel.From.ColumnName)
	assert.True(t, ok)

	toTable, ok := db.Model.Tables.ByName(rel.To.TableName)
	require.True(t, ok)
	_, ok = toTable.Columns.ByName(rel.To.ColumnName)
	assert.True(t, ok)
}

func TestReload_SkipsRelationshipWithUnknownEndpoint(t *testing.T) {
	exec := newFakeExecutor()
	exec.results[relationshipsStatement] = &connection.TabularResult{
		Columns: []string{"Name", "FromTableID", "FromColumnID", "ToTableID", "ToColumnID", "IsActive", "CrossFilteringBehavior"},
		Rows:    [][]any{{"Dangling", int64(99), int64(21), int64(7), int64(21), true, "OneDirection"}},
	}

	db := &Database{Name: "AdventureWorks"}
	require.NoError(t, Reload(context.Background(), exec, db, nil))

	assert.Equal(t, 0, db.Model.Relationships.Len())
}

func TestReload_ReplacesGraphAtomically(t *testing.T) {
	db := &Database{Name: "AdventureWorks"}
	require.NoError(t, Reload(context.Background(), newFakeExecutor(), db, nil))

	first := db.Model
	require.NoError(t, Reload(context.Background(), newFakeExecutor(), db, nil))

	assert.NotSame(t, first, db.Model)
}
