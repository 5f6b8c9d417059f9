package refresh

import (
	"fmt"

	"github.com/Curts0/tabular/pkg/apperrors"
	"github.com/Curts0/tabular/pkg/model"
)

// Target is anything Run can normalize into a concrete set of
// table/partition refresh requests: a table name, a PartitionRef (a
// partition named within its table), a *model.Table, a *model.Partition,
// a slice of further Targets, or a map of table name -> partition names.
type Target any

// PartitionRef names a single partition qualified by its table, for callers
// who hold names rather than graph handles.
type PartitionRef struct {
	Table     string
	Partition string
}

// tablePartitions pairs a table with the specific partitions to refresh
// within it; an empty Partitions slice means "refresh the whole table".
type tablePartitions struct {
	Table      *model.Table
	Partitions []*model.Partition
}

// normalize resolves a Target (in any of its accepted shapes) against mdl
// into a concrete list of table/partition refresh requests. Unresolvable
// names fail here, before any work is requested.
func normalize(mdl *model.Model, target Target) ([]tablePartitions, error) {
	switch t := target.(type) {
	case string:
		table, err := findTable(mdl, t)
		if err != nil {
			return nil, err
		}
		return []tablePartitions{{Table: table}}, nil

	case *model.Table:
		return []tablePartitions{{Table: t}}, nil

	case *model.Partition:
		return []tablePartitions{{Table: t.Table(), Partitions: []*model.Partition{t}}}, nil

	case PartitionRef:
		table, err := findTable(mdl, t.Table)
		if err != nil {
			return nil, err
		}
		parts, err := findPartitions(table, []string{t.Partition})
		if err != nil {
			return nil, err
		}
		return []tablePartitions{{Table: table, Partitions: parts}}, nil

	case map[string][]string:
		var out []tablePartitions
		for tableName, partNames := range t {
			table, err := findTable(mdl, tableName)
			if err != nil {
				return nil, err
			}
			parts, err := findPartitions(table, partNames)
			if err != nil {
				return nil, err
			}
			out = append(out, tablePartitions{Table: table, Partitions: parts})
		}
		return out, nil

	case []Target:
		var out []tablePartitions
		for _, item := range t {
			resolved, err := normalize(mdl, item)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved...)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported refresh target type %T", target)
	}
}

func findTable(mdl *model.Model, name string) (*model.Table, error) {
	table, ok := mdl.Tables.ByName(name)
	if !ok {
		return nil, apperrors.NotFoundError{Kind: "Table", Name: name}
	}
	return table, nil
}

func findPartitions(table *model.Table, names []string) ([]*model.Partition, error) {
	parts := make([]*model.Partition, 0, len(names))
	for _, name := range names {
		p, ok := table.Partitions.ByName(name)
		if !ok {
			return nil, apperrors.NotFoundError{Kind: "Partition", Name: fmt.Sprintf("%s|%s", table.Name, name)}
		}
		parts = append(parts, p)
	}
	return parts, nil
}
