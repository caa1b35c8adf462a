package scd

import (
	"fmt"
	"slices"
	"sort"
)

// MergeConfig describes one merge run against one target table. All of it is
// passed explicitly on every call.
type MergeConfig struct {
	// Table is the target versioned table.
	Table string
	// BusinessKeyColumns identify an entity across its versions.
	BusinessKeyColumns []string
	// TrackedColumns are the attributes whose change opens a new version.
	TrackedColumns []string
	// CarriedColumns are all attributes copied into the target. Business-key
	// columns may be listed and are ignored for hashing.
	CarriedColumns []string
	// EffectiveFromColumn holds the timestamp a change takes effect for an
	// entity that already has a version.
	EffectiveFromColumn string
	// InitialEffectiveFromColumn holds the timestamp the first version of a new
	// entity takes effect. Defaults to EffectiveFromColumn.
	InitialEffectiveFromColumn string
}

// TableSpec is the resolved column layout of a versioned table.
type TableSpec struct {
	Table      string
	KeyColumns []string
	// AttributeColumns are the carried columns minus the business key, in
	// configured order.
	AttributeColumns []string
	TrackedColumns   []string
	UntrackedColumns []string
}

// Spec validates the column lists and resolves them into a TableSpec.
func (c MergeConfig) Spec() (TableSpec, error) {
	if c.Table == "" {
		return TableSpec{}, fmt.Errorf("%w: table is required", ErrConfiguration)
	}
	if len(c.BusinessKeyColumns) == 0 {
		return TableSpec{}, fmt.Errorf("%w: business key columns cannot be empty", ErrConfiguration)
	}
	if c.EffectiveFromColumn == "" {
		return TableSpec{}, fmt.Errorf("%w: effective from column is required", ErrConfiguration)
	}
	if err := checkColumnList("business key", c.BusinessKeyColumns); err != nil {
		return TableSpec{}, err
	}
	if err := checkColumnList("tracked", c.TrackedColumns); err != nil {
		return TableSpec{}, err
	}
	if err := checkColumnList("carried", c.CarriedColumns); err != nil {
		return TableSpec{}, err
	}

	spec := TableSpec{
		Table:      c.Table,
		KeyColumns: slices.Clone(c.BusinessKeyColumns),
	}
	for _, col := range c.CarriedColumns {
		if !slices.Contains(c.BusinessKeyColumns, col) {
			spec.AttributeColumns = append(spec.AttributeColumns, col)
		}
	}
	if len(spec.AttributeColumns) == 0 {
		return TableSpec{}, fmt.Errorf("%w: carried columns must include at least one non-key column", ErrConfiguration)
	}

	for _, col := range c.TrackedColumns {
		if slices.Contains(c.BusinessKeyColumns, col) {
			return TableSpec{}, fmt.Errorf("%w: business key column %q cannot be tracked", ErrConfiguration, col)
		}
		if !slices.Contains(spec.AttributeColumns, col) {
			return TableSpec{}, fmt.Errorf("%w: tracked column %q is not carried", ErrConfiguration, col)
		}
	}
	spec.TrackedColumns = slices.Clone(c.TrackedColumns)
	for _, col := range spec.AttributeColumns {
		if !slices.Contains(spec.TrackedColumns, col) {
			spec.UntrackedColumns = append(spec.UntrackedColumns, col)
		}
	}

	for _, col := range append(slices.Clone(spec.KeyColumns), spec.AttributeColumns...) {
		if slices.Contains(BookkeepingColumns, col) {
			return TableSpec{}, fmt.Errorf("%w: column %q collides with a bookkeeping column", ErrConfiguration, col)
		}
	}
	return spec, nil
}

func (c MergeConfig) initialEffectiveFromColumn() string {
	if c.InitialEffectiveFromColumn == "" {
		return c.EffectiveFromColumn
	}
	return c.InitialEffectiveFromColumn
}

// ValidateSource checks that every configured column exists in the source schema.
func (c MergeConfig) ValidateSource(columns []string) error {
	required := append(slices.Clone(c.BusinessKeyColumns), c.CarriedColumns...)
	required = append(required, c.EffectiveFromColumn, c.initialEffectiveFromColumn())
	if missing := missingColumns(required, columns); len(missing) > 0 {
		return fmt.Errorf("%w: source batch is missing columns %v", ErrConfiguration, missing)
	}
	return nil
}

// ValidateTarget checks that the target schema holds the key, attribute and
// bookkeeping columns.
func (s TableSpec) ValidateTarget(columns []string) error {
	required := append(slices.Clone(s.KeyColumns), s.AttributeColumns...)
	required = append(required, BookkeepingColumns...)
	if missing := missingColumns(required, columns); len(missing) > 0 {
		return fmt.Errorf("%w: target table %s is missing columns %v", ErrConfiguration, s.Table, missing)
	}
	return nil
}

// AllColumns returns the key and attribute columns in persisted order.
func (s TableSpec) AllColumns() []string {
	return append(slices.Clone(s.KeyColumns), s.AttributeColumns...)
}

func checkColumnList(name string, cols []string) error {
	seen := make(map[string]struct{}, len(cols))
	for _, col := range cols {
		if col == "" {
			return fmt.Errorf("%w: %s columns contain an empty name", ErrConfiguration, name)
		}
		if _, ok := seen[col]; ok {
			return fmt.Errorf("%w: %s column %q listed twice", ErrConfiguration, name, col)
		}
		seen[col] = struct{}{}
	}
	return nil
}

func missingColumns(required, present []string) []string {
	have := make(map[string]struct{}, len(present))
	for _, col := range present {
		have[col] = struct{}{}
	}
	var missing []string
	for _, col := range required {
		if _, ok := have[col]; !ok && !slices.Contains(missing, col) {
			missing = append(missing, col)
		}
	}
	sort.Strings(missing)
	return missing
}

// columnsOf returns the batch schema, falling back to the union of the row
// keys when the batch does not declare one.
func (b Batch) columnsOf() []string {
	if len(b.Columns) > 0 {
		return b.Columns
	}
	seen := make(map[string]struct{})
	var cols []string
	for _, row := range b.Rows {
		for col := range row {
			if _, ok := seen[col]; !ok {
				seen[col] = struct{}{}
				cols = append(cols, col)
			}
		}
	}
	sort.Strings(cols)
	return cols
}
