package model

import (
	"context"
	"fmt"
	"time"

	"github.com/Curts0/tabular/pkg/collection"
	"github.com/Curts0/tabular/pkg/connection"
	"go.uber.org/zap"
)

// executor is the subset of connection.Connection reload needs, letting
// tests substitute a fake without standing up a real Connection.
type executor interface {
	Execute(ctx context.Context, statement string) (any, error)
}

var _ executor = (*connection.Connection)(nil)

// Reload rebuilds the Database's Model from the server's TMSCHEMA_* DMVs and
// atomically swaps it in. Partial graphs are never observable: the Database
// only exposes the previous Model until the new one finishes building.
func Reload(ctx context.Context, conn executor, db *Database, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	tables, tablesByID, err := loadTables(ctx, conn)
	if err != nil {
		return fmt.Errorf("load tables: %w", err)
	}

	columnsByTable, columnsByID, err := loadColumns(ctx, conn)
	if err != nil {
		return fmt.Errorf("load columns: %w", err)
	}

	partitionsByTable, err := loadPartitions(ctx, conn)
	if err != nil {
		return fmt.Errorf("load partitions: %w", err)
	}

	measuresByTable, err := loadMeasures(ctx, conn)
	if err != nil {
		return fmt.Errorf("load measures: %w", err)
	}

	relationships, err := loadRelationships(ctx, conn, tablesByID, columnsByID, log)
	if err != nil {
		return fmt.Errorf("load relationships: %w", err)
	}

	cultures, err := loadCultures(ctx, conn)
	if err != nil {
		return fmt.Errorf("load cultures: %w", err)
	}

	roles, err := loadRoles(ctx, conn)
	if err != nil {
		return fmt.Errorf("load roles: %w", err)
	}

	newModel := &Model{Name: db.Name, parent: db}

	// Children are keyed by the DMV's integer TableID surrogate key, not the
	// table name; join them through the ID recorded at table load time.
	builtTables := make([]*Table, 0, len(tables))
	for _, t := range tables {
		table := t.table
		table.parent = newModel
		table.Columns = collection.New(attachColumns(columnsByTable[t.id], table))
		table.Partitions = collection.New(attachPartitions(partitionsByTable[t.id], table))
		table.Measures = collection.New(attachMeasures(measuresByTable[t.id], table))
		builtTables = append(builtTables, table)
	}

	for _, r := range relationships {
		r.parent = newModel
	}
	for _, c := range cultures {
		c.parent = newModel
	}
	for _, r := range roles {
		r.parent = newModel
	}

	newModel.Tables = collection.New(builtTables)
	newModel.Relationships = collection.New(relationships)
	newModel.Cultures = collection.New(cultures)
	newModel.Roles = collection.New(roles)

	// Single pointer assignment: db.Model either points at the complete old
	// graph or the complete new one, never a partially populated graph.
	db.Model = newModel

	loadDatabaseProperties(ctx, conn, db, log)

	log.Info("model reloaded",
		zap.String("database", db.Name),
		zap.Int("tables", len(builtTables)),
		zap.Int("relationships", len(relationships)))

	return nil
}

// loadDatabaseProperties fills catalog-level fields from DBSCHEMA_CATALOGS.
// Best-effort: some hosted endpoints restrict this DMV, and a missing
// compatibility level should never fail a reload that already produced a
// complete graph.
func loadDatabaseProperties(ctx context.Context, conn executor, db *Database, log *zap.Logger) {
	result, err := conn.Execute(ctx, "SELECT [CATALOG_NAME], [COMPATIBILITY_LEVEL] FROM $SYSTEM.DBSCHEMA_CATALOGS")
	if err != nil {
		log.Debug("catalog properties unavailable", zap.Error(err))
		return
	}
	tr, ok := result.(*connection.TabularResult)
	if !ok || tr == nil {
		return
	}

	nameIdx := colIndex(tr, "CATALOG_NAME")
	levelIdx := colIndex(tr, "COMPATIBILITY_LEVEL")
	for _, row := range tr.Rows {
		if strCell(row, nameIdx) != db.Name {
			continue
		}
		db.CompatibilityLevel = intCell(row, levelIdx)
	}
}

func attachColumns(cols []*Column, t *Table) []*Column {
	for _, c := range cols {
		c.parent = t
	}
	return cols
}

func attachPartitions(parts []*Partition, t *Table) []*Partition {
	for _, p := range parts {
		p.parent = t
	}
	return parts
}

func attachMeasures(meas []*Measure, t *Table) []*Measure {
	for _, m := range meas {
		m.parent = t
	}
	return meas
}

func asTabular(result any) (*connection.TabularResult, error) {
	tr, ok := result.(*connection.TabularResult)
	if !ok {
		return nil, fmt.Errorf("expected tabular result, got %T", result)
	}
	return tr, nil
}

func colIndex(tr *connection.TabularResult, name string) int {
	for i, c := range tr.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

func strCell(row []any, i int) string {
	if i < 0 || i >= len(row) || row[i] == nil {
		return ""
	}
	if s, ok := row[i].(string); ok {
		return s
	}
	return fmt.Sprintf("%v", row[i])
}

func timeCell(row []any, i int) time.Time {
	if i < 0 || i >= len(row) || row[i] == nil {
		return time.Time{}
	}
	switch v := row[i].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
		return time.Time{}
	default:
		return time.Time{}
	}
}

func intCell(row []any, i int) int {
	if i < 0 || i >= len(row) || row[i] == nil {
		return 0
	}
	switch v := row[i].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var out int
		fmt.Sscanf(v, "%d", &out)
		return out
	default:
		return 0
	}
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

// loadedTable pairs a built Table with its DMV surrogate key, the join key
// for every TMSCHEMA child DMV.
type loadedTable struct {
	id    string
	table *Table
}

func loadTables(ctx context.Context, conn executor) ([]loadedTable, map[string]*Table, error) {
	result, err := conn.Execute(ctx, "SELECT [ID], [Name], [Description], [DataCategory], [ModifiedTime], [IsHidden] FROM $SYSTEM.TMSCHEMA_TABLES")
	if err != nil {
		return nil, nil, err
	}
	tr, err := asTabular(result)
	if err != nil {
		return nil, nil, err
	}

	idIdx := colIndex(tr, "ID")
	nameIdx := colIndex(tr, "Name")
	descIdx := colIndex(tr, "Description")
	catIdx := colIndex(tr, "DataCategory")
	modIdx := colIndex(tr, "ModifiedTime")
	hiddenIdx := colIndex(tr, "IsHidden")

	tables := make([]loadedTable, 0, len(tr.Rows))
	byID := make(map[string]*Table, len(tr.Rows))
	for _, row := range tr.Rows {
		table := &Table{
			Name:         strCell(row, nameIdx),
			Description:  strCell(row, descIdx),
			DataCategory: strCell(row, catIdx),
			ModifiedTime: timeCell(row, modIdx),
			IsHidden:     boolCell(row, hiddenIdx),
			Extras:       map[string]any{},
		}
		id := strCell(row, idIdx)
		tables = append(tables, loadedTable{id: id, table: table})
		byID[id] = table
	}
	return tables, byID, nil
}

func loadColumns(ctx context.Context, conn executor) (map[string][]*Column, map[string]*Column, error) {
	result, err := conn.Execute(ctx, "SELECT [ID], [TableID], [ExplicitName], [DataType], [Type], [IsHidden], [IsKey], [IsNullable] FROM $SYSTEM.TMSCHEMA_COLUMNS")
	if err != nil {
		return nil, nil, err
	}
	tr, err := asTabular(result)
	if err != nil {
		return nil, nil, err
	}

	idIdx := colIndex(tr, "ID")
	tableIdx := colIndex(tr, "TableID")
	nameIdx := colIndex(tr, "ExplicitName")
	dataTypeIdx := colIndex(tr, "DataType")
	typeIdx := colIndex(tr, "Type")
	hiddenIdx := colIndex(tr, "IsHidden")
	keyIdx := colIndex(tr, "IsKey")
	nullableIdx := colIndex(tr, "IsNullable")

	byTable := make(map[string][]*Column)
	byID := make(map[string]*Column, len(tr.Rows))
	for _, row := range tr.Rows {
		col := &Column{
			Name:       strCell(row, nameIdx),
			DataType:   DataType(strCell(row, dataTypeIdx)),
			Type:       columnTypeFromCell(strCell(row, typeIdx)),
			IsHidden:   boolCell(row, hiddenIdx),
			IsKey:      boolCell(row, keyIdx),
			IsNullable: boolCell(row, nullableIdx),
			Extras:     map[string]any{},
		}
		tableID := strCell(row, tableIdx)
		byTable[tableID] = append(byTable[tableID], col)
		byID[strCell(row, idIdx)] = col
	}
	return byTable, byID, nil
}

// columnTypeFromCell maps TMSCHEMA_COLUMNS' integer Type enum onto the
// ColumnType discriminator; builds that already render the name pass through
// unchanged.
func columnTypeFromCell(v string) ColumnType {
	switch v {
	case "1":
		return ColumnTypeData
	case "2":
		return ColumnTypeCalculated
	case "3":
		return ColumnTypeRowNumber
	case "":
		return ColumnTypeData
	default:
		return ColumnType(v)
	}
}

func loadPartitions(ctx context.Context, conn executor) (map[string][]*Partition, error) {
	result, err := conn.Execute(ctx, "SELECT [TableID], [Name], [Mode], [State], [QueryDefinition], [RefreshedTime] FROM $SYSTEM.TMSCHEMA_PARTITIONS")
	if err != nil {
		return nil, err
	}
	tr, err := asTabular(result)
	if err != nil {
		return nil, err
	}

	tableIdx := colIndex(tr, "TableID")
	nameIdx := colIndex(tr, "Name")
	modeIdx := colIndex(tr, "Mode")
	stateIdx := colIndex(tr, "State")
	defIdx := colIndex(tr, "QueryDefinition")
	refreshedIdx := colIndex(tr, "RefreshedTime")

	byTable := make(map[string][]*Partition)
	for _, row := range tr.Rows {
		tableID := strCell(row, tableIdx)
		byTable[tableID] = append(byTable[tableID], &Partition{
			Name:          strCell(row, nameIdx),
			Mode:          PartitionMode(strCell(row, modeIdx)),
			State:         PartitionState(strCell(row, stateIdx)),
			Source:        strCell(row, defIdx),
			RefreshedTime: timeCell(row, refreshedIdx),
			Extras:        map[string]any{},
		})
	}
	return byTable, nil
}

func loadMeasures(ctx context.Context, conn executor) (map[string][]*Measure, error) {
	result, err := conn.Execute(ctx, "SELECT [TableID], [Name], [Expression], [IsHidden], [DisplayFolder], [FormatString] FROM $SYSTEM.TMSCHEMA_MEASURES")
	if err != nil {
		return nil, err
	}
	tr, err := asTabular(result)
	if err != nil {
		return nil, err
	}

	tableIdx := colIndex(tr, "TableID")
	nameIdx := colIndex(tr, "Name")
	exprIdx := colIndex(tr, "Expression")
	hiddenIdx := colIndex(tr, "IsHidden")
	folderIdx := colIndex(tr, "DisplayFolder")
	fmtIdx := colIndex(tr, "FormatString")

	byTable := make(map[string][]*Measure)
	for _, row := range tr.Rows {
		tableID := strCell(row, tableIdx)
		byTable[tableID] = append(byTable[tableID], &Measure{
			Name:          strCell(row, nameIdx),
			Expression:    strCell(row, exprIdx),
			IsHidden:      boolCell(row, hiddenIdx),
			DisplayFolder: strCell(row, folderIdx),
			FormatString:  strCell(row, fmtIdx),
			Extras:        map[string]any{},
		})
	}
	return byTable, nil
}

// loadRelationships reads TMSCHEMA_RELATIONSHIPS, whose endpoints are the
// integer surrogate keys of tables and columns, and resolves them to names
// through the id maps built by loadTables/loadColumns. A row referencing an
// object the other DMVs didn't return is skipped with a warning rather than
// producing an edge that can't resolve in the graph.
func loadRelationships(ctx context.Context, conn executor, tablesByID map[string]*Table, columnsByID map[string]*Column, log *zap.Logger) ([]*Relationship, error) {
	result, err := conn.Execute(ctx, "SELECT [Name], [FromTableID], [FromColumnID], [ToTableID], [ToColumnID], [IsActive], [CrossFilteringBehavior] FROM $SYSTEM.TMSCHEMA_RELATIONSHIPS")
	if err != nil {
		return nil, err
	}
	tr, err := asTabular(result)
	if err != nil {
		return nil, err
	}

	nameIdx := colIndex(tr, "Name")
	fromTableIdx := colIndex(tr, "FromTableID")
	fromColIdx := colIndex(tr, "FromColumnID")
	toTableIdx := colIndex(tr, "ToTableID")
	toColIdx := colIndex(tr, "ToColumnID")
	activeIdx := colIndex(tr, "IsActive")
	filterIdx := colIndex(tr, "CrossFilteringBehavior")

	rels := make([]*Relationship, 0, len(tr.Rows))
	for _, row := range tr.Rows {
		fromTable, okFT := tablesByID[strCell(row, fromTableIdx)]
		fromCol, okFC := columnsByID[strCell(row, fromColIdx)]
		toTable, okTT := tablesByID[strCell(row, toTableIdx)]
		toCol, okTC := columnsByID[strCell(row, toColIdx)]
		if !okFT || !okFC || !okTT || !okTC {
			log.Warn("relationship references unknown table or column, skipped",
				zap.String("relationship", strCell(row, nameIdx)))
			continue
		}
		rels = append(rels, &Relationship{
			Name:                   strCell(row, nameIdx),
			From:                   ColumnRef{TableName: fromTable.Name, ColumnName: fromCol.Name},
			To:                     ColumnRef{TableName: toTable.Name, ColumnName: toCol.Name},
			IsActive:               boolCell(row, activeIdx),
			CrossFilteringBehavior: CrossFilteringBehavior(strCell(row, filterIdx)),
			Extras:                 map[string]any{},
		})
	}
	return rels, nil
}

func loadCultures(ctx context.Context, conn executor) ([]*Culture, error) {
	result, err := conn.Execute(ctx, "SELECT [Name] FROM $SYSTEM.TMSCHEMA_CULTURES")
	if err != nil {
		return nil, err
	}
	tr, err := asTabular(result)
	if err != nil {
		return nil, err
	}

	nameIdx := colIndex(tr, "Name")
	cultures := make([]*Culture, 0, len(tr.Rows))
	for _, row := range tr.Rows {
		cultures = append(cultures, &Culture{
			Name:   strCell(row, nameIdx),
			Extras: map[string]any{},
		})
	}
	return cultures, nil
}

func loadRoles(ctx context.Context, conn executor) ([]*Role, error) {
	result, err := conn.Execute(ctx, "SELECT [Name] FROM $SYSTEM.TMSCHEMA_ROLES")
	if err != nil {
		return nil, err
	}
	tr, err := asTabular(result)
	if err != nil {
		return nil, err
	}

	nameIdx := colIndex(tr, "Name")
	roles := make([]*Role, 0, len(tr.Rows))
	for _, row := range tr.Rows {
		roles = append(roles, &Role{
			Name:   strCell(row, nameIdx),
			Extras: map[string]any{},
		})
	}
	return roles, nil
}
