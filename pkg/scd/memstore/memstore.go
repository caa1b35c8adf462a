// Package memstore is an in-memory versioned table store. Transactions work on
// a copy of the tables and swap it in on commit; a commit fails with a write
// conflict if another transaction committed since it began.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/malbeclabs/hybridscd/pkg/scd"
)

var errTxDone = errors.New("transaction already committed or rolled back")

type table struct {
	schema  scd.TableSchema
	columns []string
	rows    []scd.VersionedRecord
	nextKey int64
	runs    []scd.Run
}

func (t *table) clone() *table {
	out := &table{
		schema:  t.schema,
		columns: t.columns,
		rows:    make([]scd.VersionedRecord, len(t.rows)),
		nextKey: t.nextKey,
		runs:    slices.Clone(t.runs),
	}
	for i, r := range t.rows {
		out.rows[i] = cloneRecord(r)
	}
	return out
}

type state map[string]*table

func (s state) clone() state {
	out := make(state, len(s))
	for name, t := range s {
		out[name] = t.clone()
	}
	return out
}

type Store struct {
	mu      sync.RWMutex
	tables  state
	version uint64
}

func New() *Store {
	return &Store{tables: state{}}
}

// EnsureTable creates the table if it does not exist.
func (s *Store) EnsureTable(_ context.Context, schema scd.TableSchema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[schema.Name]; ok {
		return nil
	}
	var columns []string
	for _, col := range append(slices.Clone(schema.KeyColumns), schema.AttributeColumns...) {
		columns = append(columns, col.Name)
	}
	columns = append(columns, scd.BookkeepingColumns...)
	s.tables[schema.Name] = &table{
		schema:  schema,
		columns: columns,
		nextKey: schema.SurrogateKeyStart,
	}
	s.version++
	return nil
}

func (s *Store) Columns(_ context.Context, name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: table %s does not exist", scd.ErrConfiguration, name)
	}
	return slices.Clone(t.columns), nil
}

func (s *Store) ReadActiveVersions(_ context.Context, spec scd.TableSpec) ([]scd.VersionedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[spec.Table]
	if !ok {
		return nil, fmt.Errorf("%w: table %s does not exist", scd.ErrConfiguration, spec.Table)
	}
	var out []scd.VersionedRecord
	for _, r := range t.rows {
		if r.Active() {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

func (s *Store) ReadVersions(_ context.Context, spec scd.TableSpec, key scd.Row) ([]scd.VersionedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[spec.Table]
	if !ok {
		return nil, fmt.Errorf("%w: table %s does not exist", scd.ErrConfiguration, spec.Table)
	}
	var want string
	if key != nil {
		want = scd.EncodeKey(key, spec.KeyColumns)
	}
	var out []scd.VersionedRecord
	for _, r := range t.rows {
		if key != nil && scd.EncodeKey(r.Key, spec.KeyColumns) != want {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := scd.EncodeKey(out[i].Key, spec.KeyColumns), scd.EncodeKey(out[j].Key, spec.KeyColumns)
		if ki != kj {
			return ki < kj
		}
		return out[i].SurrogateKey < out[j].SurrogateKey
	})
	return out, nil
}

// Runs returns the merge runs recorded for a table.
func (s *Store) Runs(name string) []scd.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tables[name]; ok {
		return slices.Clone(t.runs)
	}
	return nil
}

func (s *Store) Begin(_ context.Context) (scd.Tx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Tx{
		store:   s,
		base:    s.version,
		working: s.tables.clone(),
	}, nil
}

type Tx struct {
	store   *Store
	base    uint64
	working state
	done    bool
}

func (tx *Tx) table(name string) (*table, error) {
	if tx.done {
		return nil, errTxDone
	}
	t, ok := tx.working[name]
	if !ok {
		return nil, fmt.Errorf("%w: table %s does not exist", scd.ErrConfiguration, name)
	}
	return t, nil
}

func (tx *Tx) Insert(_ context.Context, spec scd.TableSpec, rows []scd.VersionedRecord) ([]int64, int, error) {
	t, err := tx.table(spec.Table)
	if err != nil {
		return nil, 0, err
	}
	keys := make([]int64, 0, len(rows))
	created := 0
	for _, row := range rows {
		k := scd.EncodeKey(row.Key, spec.KeyColumns)
		if i := activeIndex(t, spec, k); i >= 0 {
			existing := t.rows[i]
			if existing.FullDigest == row.FullDigest && existing.EffectiveFrom.Equal(row.EffectiveFrom) {
				keys = append(keys, existing.SurrogateKey)
				continue
			}
			return nil, 0, fmt.Errorf("%w: key %v already has active version %d", scd.ErrWriteConflict, row.Key, existing.SurrogateKey)
		}
		rec := cloneRecord(row)
		rec.SurrogateKey = t.nextKey
		rec.Status = scd.StatusActive
		rec.EffectiveTo = nil
		t.nextKey++
		t.rows = append(t.rows, rec)
		created++
		keys = append(keys, rec.SurrogateKey)
	}
	return keys, created, nil
}

func (tx *Tx) Update(_ context.Context, spec scd.TableSpec, u scd.AttributeUpdate) error {
	t, err := tx.table(spec.Table)
	if err != nil {
		return err
	}
	i := rowIndex(t, u.SurrogateKey)
	if i < 0 || !t.rows[i].Active() ||
		(t.rows[i].FullDigest != u.ExpectedFullDigest && t.rows[i].FullDigest != u.FullDigest) {
		return fmt.Errorf("%w: version %d of key %v is no longer the classified active version", scd.ErrWriteConflict, u.SurrogateKey, u.Key)
	}
	r := &t.rows[i]
	if r.Attributes == nil {
		r.Attributes = scd.Row{}
	}
	for col, v := range u.Attributes {
		r.Attributes[col] = v
	}
	r.FullDigest = u.FullDigest
	r.UpdatedAt = u.UpdatedAt
	return nil
}

func (tx *Tx) Close(_ context.Context, spec scd.TableSpec, e scd.Expiry) error {
	t, err := tx.table(spec.Table)
	if err != nil {
		return err
	}
	i := rowIndex(t, e.SurrogateKey)
	if i < 0 || !t.rows[i].Active() || t.rows[i].FullDigest != e.ExpectedFullDigest {
		return fmt.Errorf("%w: version %d of key %v is no longer the classified active version", scd.ErrWriteConflict, e.SurrogateKey, e.Key)
	}
	r := &t.rows[i]
	to := e.EffectiveTo
	r.Status = scd.StatusClosed
	r.EffectiveTo = &to
	r.UpdatedAt = e.UpdatedAt
	return nil
}

func (tx *Tx) RecordRun(_ context.Context, spec scd.TableSpec, run scd.Run) error {
	t, err := tx.table(spec.Table)
	if err != nil {
		return err
	}
	if !t.schema.TrackRuns {
		return nil
	}
	t.runs = append(t.runs, run)
	return nil
}

func (tx *Tx) Commit(_ context.Context) error {
	if tx.done {
		return errTxDone
	}
	tx.done = true
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != tx.base {
		return fmt.Errorf("%w: store changed since the transaction began", scd.ErrWriteConflict)
	}
	s.tables = tx.working
	s.version++
	return nil
}

func (tx *Tx) Rollback(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.working = nil
	return nil
}

func activeIndex(t *table, spec scd.TableSpec, key string) int {
	for i, r := range t.rows {
		if r.Active() && scd.EncodeKey(r.Key, spec.KeyColumns) == key {
			return i
		}
	}
	return -1
}

func rowIndex(t *table, surrogateKey int64) int {
	for i, r := range t.rows {
		if r.SurrogateKey == surrogateKey {
			return i
		}
	}
	return -1
}

func cloneRecord(r scd.VersionedRecord) scd.VersionedRecord {
	r.Key = maps.Clone(r.Key)
	r.Attributes = maps.Clone(r.Attributes)
	if r.EffectiveTo != nil {
		to := *r.EffectiveTo
		r.EffectiveTo = &to
	}
	return r
}
