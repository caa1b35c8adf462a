// Package job loads merge job definitions from YAML.
//
// A job names the target table and its typed columns, the attributes whose
// change opens a new version, and the source columns holding effective times:
//
//	table:
//	  name: accounts
//	  key_columns: [account_id:BIGINT]
//	  attribute_columns: [plan:VARCHAR, email:VARCHAR, balance:DECIMAL(12,2)]
//	  surrogate_key_start: 10
//	  track_runs: true
//	merge:
//	  tracked_columns: [plan]
//	  effective_from_column: changed_at
//	  initial_effective_from_column: created_at
//	source:
//	  uri: s3://batches/accounts/${BATCH_DATE}.csv.zst
//	  columns: [changed_at:TIMESTAMP, created_at:TIMESTAMP]
package job

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/malbeclabs/hybridscd/pkg/scd"
	"github.com/malbeclabs/hybridscd/pkg/source"
	"gopkg.in/yaml.v3"
)

type Job struct {
	Table  Table  `yaml:"table"`
	Merge  Merge  `yaml:"merge"`
	Source Source `yaml:"source"`
}

type Table struct {
	Name string `yaml:"name"`
	// KeyColumns and AttributeColumns are name:TYPE definitions.
	KeyColumns        []string `yaml:"key_columns"`
	AttributeColumns  []string `yaml:"attribute_columns"`
	SurrogateKeyStart int64    `yaml:"surrogate_key_start"`
	TrackRuns         bool     `yaml:"track_runs"`
}

type Merge struct {
	TrackedColumns []string `yaml:"tracked_columns"`
	// CarriedColumns defaults to every attribute column.
	CarriedColumns             []string `yaml:"carried_columns"`
	EffectiveFromColumn        string   `yaml:"effective_from_column"`
	InitialEffectiveFromColumn string   `yaml:"initial_effective_from_column"`
}

type Source struct {
	// URI may reference environment variables.
	URI    string `yaml:"uri"`
	Format string `yaml:"format"`
	// Columns types source-only columns such as effective times.
	Columns []string `yaml:"columns"`
}

// Load reads and validates the job file at path.
func Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	job, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid job file %s: %w", path, err)
	}
	return job, nil
}

// Parse decodes a job strictly: unknown fields are errors.
func Parse(data []byte) (*Job, error) {
	var job Job
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&job); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

func (j *Job) Validate() error {
	schema, err := j.Schema()
	if err != nil {
		return err
	}
	if j.Merge.EffectiveFromColumn == "" {
		return fmt.Errorf("%w: merge.effective_from_column is required", scd.ErrConfiguration)
	}
	if _, err := j.MergeConfig().Spec(); err != nil {
		return err
	}
	attrs := make([]string, len(schema.AttributeColumns))
	for i, col := range schema.AttributeColumns {
		attrs[i] = col.Name
	}
	for _, col := range j.Merge.TrackedColumns {
		if !slices.Contains(attrs, col) {
			return fmt.Errorf("%w: tracked column %s is not an attribute column of %s", scd.ErrConfiguration, col, schema.Name)
		}
	}
	for _, col := range j.Merge.CarriedColumns {
		if !slices.Contains(attrs, col) && !slices.ContainsFunc(schema.KeyColumns, func(k scd.Column) bool { return k.Name == col }) {
			return fmt.Errorf("%w: carried column %s is not a column of %s", scd.ErrConfiguration, col, schema.Name)
		}
	}
	if _, err := scd.ParseColumns(j.Source.Columns); err != nil {
		return fmt.Errorf("source columns: %w", err)
	}
	return nil
}

// Schema returns the validated table schema.
func (j *Job) Schema() (scd.TableSchema, error) {
	keys, err := scd.ParseColumns(j.Table.KeyColumns)
	if err != nil {
		return scd.TableSchema{}, fmt.Errorf("key columns: %w", err)
	}
	attrs, err := scd.ParseColumns(j.Table.AttributeColumns)
	if err != nil {
		return scd.TableSchema{}, fmt.Errorf("attribute columns: %w", err)
	}
	schema := scd.TableSchema{
		Name:              j.Table.Name,
		KeyColumns:        keys,
		AttributeColumns:  attrs,
		SurrogateKeyStart: j.Table.SurrogateKeyStart,
		TrackRuns:         j.Table.TrackRuns,
	}
	if err := schema.Validate(); err != nil {
		return scd.TableSchema{}, err
	}
	return schema, nil
}

// MergeConfig returns the merge configuration the job describes.
func (j *Job) MergeConfig() scd.MergeConfig {
	cfg := scd.MergeConfig{
		Table:                      j.Table.Name,
		TrackedColumns:             j.Merge.TrackedColumns,
		CarriedColumns:             j.Merge.CarriedColumns,
		EffectiveFromColumn:        j.Merge.EffectiveFromColumn,
		InitialEffectiveFromColumn: j.Merge.InitialEffectiveFromColumn,
	}
	for _, def := range j.Table.KeyColumns {
		if col, err := scd.ParseColumn(def); err == nil {
			cfg.BusinessKeyColumns = append(cfg.BusinessKeyColumns, col.Name)
		}
	}
	if len(cfg.CarriedColumns) == 0 {
		for _, def := range j.Table.AttributeColumns {
			if col, err := scd.ParseColumn(def); err == nil {
				cfg.CarriedColumns = append(cfg.CarriedColumns, col.Name)
			}
		}
	}
	if cfg.TrackedColumns == nil {
		cfg.TrackedColumns = []string{}
	}
	return cfg
}

// SourceConfig returns the source reader configuration for uri, falling back
// to the job's own source URI.
func (j *Job) SourceConfig(uri string) (source.Config, error) {
	if uri == "" {
		uri = os.ExpandEnv(j.Source.URI)
	}
	if uri == "" {
		return source.Config{}, errors.New("no input given and the job has no source.uri")
	}
	schema, err := j.Schema()
	if err != nil {
		return source.Config{}, err
	}
	extra, err := scd.ParseColumns(j.Source.Columns)
	if err != nil {
		return source.Config{}, err
	}
	return source.Config{
		URI:    uri,
		Format: source.Format(j.Source.Format),
		Types:  source.TypesOf(schema.KeyColumns, schema.AttributeColumns, extra),
	}, nil
}
