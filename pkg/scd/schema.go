package scd

import (
	"fmt"
	"strings"
)

const DefaultSurrogateKeyStart = 1

// Column is a column definition parsed from "name:TYPE".
type Column struct {
	Name string
	Type string
}

func (c Column) String() string {
	return c.Name + ":" + c.Type
}

// ParseColumn parses a "name:TYPE" column definition.
func ParseColumn(def string) (Column, error) {
	parts := strings.SplitN(def, ":", 2)
	if len(parts) != 2 {
		return Column{}, fmt.Errorf("invalid column definition %q: expected format 'name:type'", def)
	}
	col := Column{Name: strings.TrimSpace(parts[0]), Type: strings.TrimSpace(parts[1])}
	if col.Name == "" || col.Type == "" {
		return Column{}, fmt.Errorf("invalid column definition %q: name and type are required", def)
	}
	return col, nil
}

// ParseColumns parses a list of "name:TYPE" column definitions.
func ParseColumns(defs []string) ([]Column, error) {
	cols := make([]Column, 0, len(defs))
	for _, def := range defs {
		col, err := ParseColumn(def)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// TableSchema describes a versioned table to provision.
type TableSchema struct {
	Name             string
	KeyColumns       []Column
	AttributeColumns []Column
	// SurrogateKeyStart is the first surrogate key assigned in the table.
	SurrogateKeyStart int64
	// TrackRuns also provisions the merge runs table.
	TrackRuns bool
}

func (s *TableSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: table name is required", ErrConfiguration)
	}
	if len(s.KeyColumns) == 0 {
		return fmt.Errorf("%w: table %s needs at least one business key column", ErrConfiguration, s.Name)
	}
	if len(s.AttributeColumns) == 0 {
		return fmt.Errorf("%w: table %s needs at least one attribute column", ErrConfiguration, s.Name)
	}
	if s.SurrogateKeyStart == 0 {
		s.SurrogateKeyStart = DefaultSurrogateKeyStart
	}
	if s.SurrogateKeyStart < 0 {
		return fmt.Errorf("%w: surrogate key start must be positive", ErrConfiguration)
	}
	seen := make(map[string]struct{})
	for _, col := range append(append([]Column{}, s.KeyColumns...), s.AttributeColumns...) {
		if _, ok := seen[col.Name]; ok {
			return fmt.Errorf("%w: column %q defined twice in table %s", ErrConfiguration, col.Name, s.Name)
		}
		for _, b := range BookkeepingColumns {
			if col.Name == b {
				return fmt.Errorf("%w: column %q collides with a bookkeeping column", ErrConfiguration, col.Name)
			}
		}
		seen[col.Name] = struct{}{}
	}
	return nil
}

// Spec returns the TableSpec of the schema with the given tracked columns.
func (s TableSchema) Spec(tracked []string) (TableSpec, error) {
	cfg := MergeConfig{
		Table:               s.Name,
		TrackedColumns:      tracked,
		EffectiveFromColumn: ColEffectiveFrom,
	}
	for _, col := range s.KeyColumns {
		cfg.BusinessKeyColumns = append(cfg.BusinessKeyColumns, col.Name)
	}
	for _, col := range s.AttributeColumns {
		cfg.CarriedColumns = append(cfg.CarriedColumns, col.Name)
	}
	return cfg.Spec()
}
