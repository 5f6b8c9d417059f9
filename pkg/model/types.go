// Package model is the typed object graph mirroring server-side tabular
// metadata: Server -> Database -> Model -> {Tables, Relationships, Cultures,
// Roles}, Table -> {Columns, Partitions, Measures}. Plain structs carry the
// promoted fields; an Extras bag holds the rarely used driver fields.
package model

import (
	"time"

	"github.com/Curts0/tabular/pkg/collection"
)

// DataType enumerates the tabular column/measure data types.
type DataType string

const (
	DataTypeBoolean  DataType = "Boolean"
	DataTypeInt64    DataType = "Int64"
	DataTypeDouble   DataType = "Double"
	DataTypeDateTime DataType = "DateTime"
	DataTypeString   DataType = "String"
	DataTypeUnknown  DataType = "Unknown"
)

// ColumnType discriminates synthetic, user, and calculated columns.
type ColumnType string

const (
	ColumnTypeRowNumber  ColumnType = "RowNumber"
	ColumnTypeData       ColumnType = "Data"
	ColumnTypeCalculated ColumnType = "Calculated"
)

// PartitionMode describes how a partition is materialized.
type PartitionMode string

const (
	PartitionModeImport      PartitionMode = "Import"
	PartitionModeDirectQuery PartitionMode = "DirectQuery"
	PartitionModeDual        PartitionMode = "Dual"
)

// PartitionState describes a partition's last-known processing state.
type PartitionState string

const (
	PartitionStateReady      PartitionState = "Ready"
	PartitionStateProcessing PartitionState = "Processing"
	PartitionStateCalculated PartitionState = "Calculated"
)

// PartitionSourceType enumerates how a partition's Source should be
// interpreted.
type PartitionSourceType string

const (
	SourceTypeMExpression    PartitionSourceType = "M"
	SourceTypeCalculated     PartitionSourceType = "Calculated"
	SourceTypeCalculationGrp PartitionSourceType = "CalculationGroup"
	SourceTypeQuery          PartitionSourceType = "Query"
)

// CrossFilteringBehavior mirrors Analysis Services relationship filtering.
type CrossFilteringBehavior string

const (
	CrossFilterOneDirection   CrossFilteringBehavior = "OneDirection"
	CrossFilterBothDirections CrossFilteringBehavior = "BothDirections"
	CrossFilterAutomatic      CrossFilteringBehavior = "Automatic"
)

// SecurityFilteringBehavior mirrors Analysis Services relationship security
// propagation.
type SecurityFilteringBehavior string

const (
	SecurityFilterOneDirection   SecurityFilteringBehavior = "OneDirection"
	SecurityFilterBothDirections SecurityFilteringBehavior = "BothDirections"
	SecurityFilterNone           SecurityFilteringBehavior = "None"
)

// TranslatedProperty enumerates which property an ObjectTranslation covers.
type TranslatedProperty string

const (
	PropCaption       TranslatedProperty = "Caption"
	PropDescription   TranslatedProperty = "Description"
	PropDisplayFolder TranslatedProperty = "DisplayFolder"
)

// Column is a named, typed field within a Table.
type Column struct {
	parent *Table

	Name             string
	DataType         DataType
	Type             ColumnType
	IsHidden         bool
	IsKey            bool
	IsNullable       bool
	IsAvailableInMDX bool
	EncodingHint     string
	DisplayFolder    string
	Description      string

	// Extras carries driver fields not promoted to first-class struct
	// fields.
	Extras map[string]any
}

// ObjectName implements collection.Named.
func (c *Column) ObjectName() string { return c.Name }

// Table returns the owning Table. Non-owning back-reference.
func (c *Column) Table() *Table { return c.parent }

// Partition is the unit of data load within a Table.
type Partition struct {
	parent *Table

	Name          string
	Mode          PartitionMode
	State         PartitionState
	SourceType    PartitionSourceType
	Source        string // M expression, DAX expression, or query string
	RefreshedTime time.Time

	Extras map[string]any
}

// ObjectName implements collection.Named.
func (p *Partition) ObjectName() string { return p.Name }

// Table returns the owning Table.
func (p *Partition) Table() *Table { return p.parent }

// Measure is a named DAX expression belonging to exactly one Table.
type Measure struct {
	parent *Table

	Name          string
	Expression    string
	DisplayFolder string
	FormatString  string
	Description   string
	IsHidden      bool

	Extras map[string]any
}

// ObjectName implements collection.Named.
func (m *Measure) ObjectName() string { return m.Name }

// Table returns the owning Table.
func (m *Measure) Table() *Table { return m.parent }

// Table owns Columns, Partitions, and Measures.
type Table struct {
	parent *Model

	Name         string
	IsHidden     bool
	DataCategory string
	ModifiedTime time.Time
	Description  string

	Columns    *collection.Collection[*Column]
	Partitions *collection.Collection[*Partition]
	Measures   *collection.Collection[*Measure]

	Extras map[string]any
}

// ObjectName implements collection.Named.
func (t *Table) ObjectName() string { return t.Name }

// Model returns the owning Model.
func (t *Table) Model() *Model { return t.parent }

// ColumnRef identifies a column by table+column name for Relationship
// endpoints.
type ColumnRef struct {
	TableName  string
	ColumnName string
}

// Relationship is a directed edge between two columns. It is a
// cross-reference only, never an ownership edge.
type Relationship struct {
	parent *Model

	Name                      string
	From                      ColumnRef
	To                        ColumnRef
	IsActive                  bool
	CrossFilteringBehavior    CrossFilteringBehavior
	SecurityFilteringBehavior SecurityFilteringBehavior

	Extras map[string]any
}

// ObjectName implements collection.Named.
func (r *Relationship) ObjectName() string { return r.Name }

// Model returns the owning Model.
func (r *Relationship) Model() *Model { return r.parent }

// ObjectTranslation carries one translated property value for a Culture.
type ObjectTranslation struct {
	ObjectName      string // identity of the translated object (e.g. "Table[Column]")
	Property        TranslatedProperty
	TranslatedValue string
}

// Culture is a named locale containing a set of ObjectTranslations.
type Culture struct {
	parent *Model

	Name         string
	Translations []ObjectTranslation

	Extras map[string]any
}

// ObjectName implements collection.Named.
func (c *Culture) ObjectName() string { return c.Name }

// Model returns the owning Model.
func (c *Culture) Model() *Model { return c.parent }

// ColumnPermission restricts visibility of a single column within a
// TablePermission.
type ColumnPermission struct {
	ColumnName string
}

// TablePermission carries an optional row-filter DAX expression and a set
// of ColumnPermissions for one table within a Role.
type TablePermission struct {
	TableName         string
	FilterExpression  string // DAX row filter; empty if none
	ColumnPermissions []ColumnPermission
}

// Role is a named security principal.
type Role struct {
	parent *Model

	Name             string
	TablePermissions []TablePermission

	Extras map[string]any
}

// ObjectName implements collection.Named.
func (r *Role) ObjectName() string { return r.Name }

// Model returns the owning Model.
func (r *Role) Model() *Model { return r.parent }

// Model is the root of the mutable metadata graph.
type Model struct {
	parent *Database

	Name string

	Tables        *collection.Collection[*Table]
	Relationships *collection.Collection[*Relationship]
	Cultures      *collection.Collection[*Culture]
	Roles         *collection.Collection[*Role]
}

// Database returns the owning Database.
func (m *Model) Database() *Database { return m.parent }

// Database is chosen by catalog name; owns exactly one Model.
type Database struct {
	parent *Server

	Name               string
	EstimatedSize      int64
	CompatibilityLevel int

	Model *Model
}

// Server returns the owning Server.
func (d *Database) Server() *Server { return d.parent }

// Server is a connected endpoint identified by a connection string.
type Server struct {
	Name             string // Data Source value
	ConnectionString string // sanitized for display; never logged raw

	databases map[string]*Database
}

// NewServer constructs an empty Server handle.
func NewServer(name, connectionString string) *Server {
	return &Server{
		Name:             name,
		ConnectionString: connectionString,
		databases:        make(map[string]*Database),
	}
}

// Database returns the Database by catalog name, if connected.
func (s *Server) Database(name string) (*Database, bool) {
	db, ok := s.databases[name]
	return db, ok
}

// AttachDatabase registers a Database under the Server, wiring the
// non-owning back-reference.
func (s *Server) AttachDatabase(db *Database) {
	db.parent = s
	if db.Model != nil {
		db.Model.parent = db
	}
	s.databases[db.Name] = db
}
