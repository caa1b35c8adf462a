package duck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/malbeclabs/hybridscd/pkg/scd"
)

// tablesMetaName is the table holding per-table provisioning settings.
const tablesMetaName = "scd_tables"

var columnTypeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ (),]*$`)

type StoreConfig struct {
	Logger *slog.Logger
	DB     DB
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("database is required")
	}
	return nil
}

// Store keeps versioned tables in a DuckDB database or a DuckLake catalog.
// Surrogate keys are assigned inside the writing transaction from the
// current maximum, since DuckLake has no sequences.
type Store struct {
	log *slog.Logger
	db  DB
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, db: cfg.DB}, nil
}

func (s *Store) qualified(table string) string {
	return fmt.Sprintf("%s.%s.%s", quoteIdent(s.db.Catalog()), quoteIdent(s.db.Schema()), quoteIdent(table))
}

func (s *Store) withConn(ctx context.Context, fn func(Connection) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get connection: %v", scd.ErrStorageUnavailable, err)
	}
	defer conn.Close()
	return fn(conn)
}

// EnsureTable creates the versioned table, its provisioning metadata and, if
// requested, its merge runs table.
func (s *Store) EnsureTable(ctx context.Context, schema scd.TableSchema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	defs := make([]string, 0, len(schema.KeyColumns)+len(schema.AttributeColumns))
	for _, col := range append(append([]scd.Column{}, schema.KeyColumns...), schema.AttributeColumns...) {
		if !columnTypeRe.MatchString(col.Type) {
			return fmt.Errorf("%w: invalid type %q for column %s", scd.ErrConfiguration, col.Type, col.Name)
		}
		defs = append(defs, fmt.Sprintf("%s %s", quoteIdent(col.Name), col.Type))
	}

	queries := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		surrogate_key BIGINT NOT NULL,
		%s,
		tracked_digest VARCHAR NOT NULL,
		full_digest VARCHAR NOT NULL,
		status VARCHAR NOT NULL,
		effective_from TIMESTAMP NOT NULL,
		effective_to TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`, s.qualified(schema.Name), strings.Join(defs, ",\n\t\t")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		table_name VARCHAR NOT NULL,
		surrogate_key_start BIGINT NOT NULL
	)`, s.qualified(tablesMetaName)),
	}
	if schema.TrackRuns {
		queries = append(queries, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run_id VARCHAR NOT NULL,
		table_name VARCHAR NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		rows_in_batch INTEGER,
		dropped INTEGER,
		new_rows INTEGER,
		unchanged INTEGER,
		attribute_updates INTEGER,
		version_changes INTEGER,
		inserted INTEGER,
		updated INTEGER,
		closed INTEGER
	)`, s.qualified(scd.RunsTableName(schema.Name))))
	}

	return s.withConn(ctx, func(conn Connection) error {
		for _, q := range queries {
			if _, err := conn.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("failed to create table: %w", err)
			}
		}
		_, err := conn.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (table_name, surrogate_key_start)
			SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM %s WHERE table_name = ?)`,
			s.qualified(tablesMetaName), s.qualified(tablesMetaName)),
			schema.Name, schema.SurrogateKeyStart, schema.Name)
		if err != nil {
			return fmt.Errorf("failed to record table settings: %w", err)
		}
		s.log.Debug("duck: ensured table", "table", schema.Name, "surrogate_key_start", schema.SurrogateKeyStart, "track_runs", schema.TrackRuns)
		return nil
	})
}

func (s *Store) Columns(ctx context.Context, table string) ([]string, error) {
	var cols []string
	err := s.withConn(ctx, func(conn Connection) error {
		var err error
		cols, err = tableColumns(ctx, conn, s.db, table)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: table %s does not exist", scd.ErrConfiguration, table)
	}
	return cols, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func tableColumns(ctx context.Context, q querier, db DB, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT column_name FROM information_schema.columns
		WHERE table_catalog = ? AND table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, db.Catalog(), db.Schema(), table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns of %s: %w", table, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (s *Store) ReadActiveVersions(ctx context.Context, spec scd.TableSpec) ([]scd.VersionedRecord, error) {
	var out []scd.VersionedRecord
	err := s.withConn(ctx, func(conn Connection) error {
		rows, err := conn.QueryContext(ctx, fmt.Sprintf(
			"SELECT %s FROM %s WHERE status = 'A' AND effective_to IS NULL",
			selectList(spec), s.qualified(spec.Table)))
		if err != nil {
			return fmt.Errorf("failed to query active versions of %s: %w", spec.Table, err)
		}
		defer rows.Close()
		out, err = scanVersions(rows, spec)
		return err
	})
	return out, err
}

func (s *Store) ReadVersions(ctx context.Context, spec scd.TableSpec, key scd.Row) ([]scd.VersionedRecord, error) {
	var where string
	var args []any
	if key != nil {
		where, args = keyPredicate(spec, key)
		where = "WHERE " + where
	}
	order := make([]string, 0, len(spec.KeyColumns)+1)
	for _, col := range spec.KeyColumns {
		order = append(order, quoteIdent(col))
	}
	order = append(order, scd.ColSurrogateKey)

	var out []scd.VersionedRecord
	err := s.withConn(ctx, func(conn Connection) error {
		rows, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s %s ORDER BY %s",
			selectList(spec), s.qualified(spec.Table), where, strings.Join(order, ", ")), args...)
		if err != nil {
			return fmt.Errorf("failed to query versions of %s: %w", spec.Table, err)
		}
		defer rows.Close()
		out, err = scanVersions(rows, spec)
		return err
	})
	return out, err
}

func (s *Store) Begin(ctx context.Context) (scd.Tx, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get connection: %v", scd.ErrStorageUnavailable, err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to begin transaction: %v", scd.ErrStorageUnavailable, err)
	}
	return &Tx{
		store: s,
		conn:  conn,
		tx:    tx,
		next:  make(map[string]int64),
	}, nil
}

// Tx is a DuckDB transaction on a dedicated connection.
type Tx struct {
	store *Store
	conn  Connection
	tx    *sql.Tx
	next  map[string]int64
}

func (t *Tx) Insert(ctx context.Context, spec scd.TableSpec, rows []scd.VersionedRecord) ([]int64, int, error) {
	cols := append([]string{scd.ColSurrogateKey}, spec.AllColumns()...)
	cols = append(cols, scd.ColTrackedDigest, scd.ColFullDigest, scd.ColStatus,
		scd.ColEffectiveFrom, scd.ColEffectiveTo, scd.ColCreatedAt, scd.ColUpdatedAt)
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.store.qualified(spec.Table), strings.Join(quoted, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	keys := make([]int64, 0, len(rows))
	created := 0
	for _, row := range rows {
		existing, err := t.activeVersion(ctx, spec, row.Key)
		if err != nil {
			return nil, 0, err
		}
		if existing != nil {
			if existing.FullDigest == row.FullDigest && existing.EffectiveFrom.Equal(row.EffectiveFrom) {
				keys = append(keys, existing.SurrogateKey)
				continue
			}
			return nil, 0, fmt.Errorf("%w: key %v already has active version %d", scd.ErrWriteConflict, row.Key, existing.SurrogateKey)
		}

		sk, err := t.nextSurrogateKey(ctx, spec.Table)
		if err != nil {
			return nil, 0, err
		}
		args := []any{sk}
		for _, col := range spec.KeyColumns {
			args = append(args, row.Key[col])
		}
		for _, col := range spec.AttributeColumns {
			args = append(args, row.Attributes[col])
		}
		args = append(args, row.TrackedDigest.String(), row.FullDigest.String(), string(scd.StatusActive),
			row.EffectiveFrom.UTC(), nil, row.CreatedAt.UTC(), row.UpdatedAt.UTC())
		if _, err := t.tx.ExecContext(ctx, insertSQL, args...); err != nil {
			return nil, 0, classifyError("insert version", err)
		}
		created++
		keys = append(keys, sk)
	}
	return keys, created, nil
}

func (t *Tx) Update(ctx context.Context, spec scd.TableSpec, u scd.AttributeUpdate) error {
	sets := make([]string, 0, len(spec.UntrackedColumns)+2)
	args := make([]any, 0, len(spec.UntrackedColumns)+5)
	for _, col := range spec.UntrackedColumns {
		sets = append(sets, quoteIdent(col)+" = ?")
		args = append(args, u.Attributes[col])
	}
	sets = append(sets, "full_digest = ?", "updated_at = ?")
	args = append(args, u.FullDigest.String(), u.UpdatedAt.UTC(),
		u.SurrogateKey, u.ExpectedFullDigest.String(), u.FullDigest.String())

	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s
		WHERE surrogate_key = ? AND status = 'A' AND effective_to IS NULL AND full_digest IN (?, ?)`,
		t.store.qualified(spec.Table), strings.Join(sets, ", ")), args...)
	if err != nil {
		return classifyError("update version", err)
	}
	return requireOneRow(res, u.SurrogateKey, u.Key)
}

func (t *Tx) Close(ctx context.Context, spec scd.TableSpec, e scd.Expiry) error {
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = 'I', effective_to = ?, updated_at = ?
		WHERE surrogate_key = ? AND status = 'A' AND effective_to IS NULL AND full_digest = ?`,
		t.store.qualified(spec.Table)),
		e.EffectiveTo.UTC(), e.UpdatedAt.UTC(), e.SurrogateKey, e.ExpectedFullDigest.String())
	if err != nil {
		return classifyError("close version", err)
	}
	return requireOneRow(res, e.SurrogateKey, e.Key)
}

// RecordRun inserts the run into the runs table of the target, if it was
// provisioned.
func (t *Tx) RecordRun(ctx context.Context, spec scd.TableSpec, run scd.Run) error {
	runsTable := scd.RunsTableName(spec.Table)
	cols, err := tableColumns(ctx, t.tx, t.store.db, runsTable)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}
	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (run_id, table_name, started_at, finished_at,
		rows_in_batch, dropped, new_rows, unchanged, attribute_updates, version_changes, inserted, updated, closed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, t.store.qualified(runsTable)),
		run.ID.String(), run.Table, run.StartedAt.UTC(), run.FinishedAt.UTC(),
		run.Rows, run.Dropped, run.New, run.Unchanged, run.AttributeUpdates, run.VersionChanges,
		run.Inserted, run.Updated, run.Closed)
	return classifyError("record run", err)
}

func (t *Tx) Commit(ctx context.Context) error {
	defer t.conn.Close()
	return classifyError("commit transaction", t.tx.Commit())
}

func (t *Tx) Rollback(ctx context.Context) error {
	defer t.conn.Close()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (t *Tx) activeVersion(ctx context.Context, spec scd.TableSpec, key scd.Row) (*scd.VersionedRecord, error) {
	where, args := keyPredicate(spec, key)
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE status = 'A' AND effective_to IS NULL AND %s",
		selectList(spec), t.store.qualified(spec.Table), where), args...)
	if err != nil {
		return nil, classifyError("query active version", err)
	}
	defer rows.Close()
	versions, err := scanVersions(rows, spec)
	if err != nil {
		return nil, err
	}
	switch len(versions) {
	case 0:
		return nil, nil
	case 1:
		return &versions[0], nil
	default:
		return nil, fmt.Errorf("%w: key %v has %d active versions", scd.ErrInvariantViolation, key, len(versions))
	}
}

func (t *Tx) nextSurrogateKey(ctx context.Context, table string) (int64, error) {
	if next, ok := t.next[table]; ok {
		t.next[table] = next + 1
		return next, nil
	}

	start := int64(scd.DefaultSurrogateKeyStart)
	err := t.tx.QueryRowContext(ctx, fmt.Sprintf("SELECT surrogate_key_start FROM %s WHERE table_name = ?",
		t.store.qualified(tablesMetaName)), table).Scan(&start)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, classifyError("read surrogate key start", err)
	}
	var maxKey sql.NullInt64
	if err := t.tx.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(surrogate_key) FROM %s",
		t.store.qualified(table))).Scan(&maxKey); err != nil {
		return 0, classifyError("read max surrogate key", err)
	}
	next := start
	if maxKey.Valid && maxKey.Int64+1 > next {
		next = maxKey.Int64 + 1
	}
	t.next[table] = next + 1
	return next, nil
}

func requireOneRow(res sql.Result, surrogateKey int64, key scd.Row) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: version %d of key %v is no longer the classified active version", scd.ErrWriteConflict, surrogateKey, key)
	}
	return nil
}

func keyPredicate(spec scd.TableSpec, key scd.Row) (string, []any) {
	conds := make([]string, len(spec.KeyColumns))
	args := make([]any, len(spec.KeyColumns))
	for i, col := range spec.KeyColumns {
		conds[i] = quoteIdent(col) + " IS NOT DISTINCT FROM ?"
		args[i] = key[col]
	}
	return strings.Join(conds, " AND "), args
}

func selectList(spec scd.TableSpec) string {
	cols := []string{scd.ColSurrogateKey}
	for _, col := range spec.AllColumns() {
		cols = append(cols, quoteIdent(col))
	}
	cols = append(cols, scd.ColTrackedDigest, scd.ColFullDigest, scd.ColStatus,
		scd.ColEffectiveFrom, scd.ColEffectiveTo, scd.ColCreatedAt, scd.ColUpdatedAt)
	return strings.Join(cols, ", ")
}

func scanVersions(rows *sql.Rows, spec scd.TableSpec) ([]scd.VersionedRecord, error) {
	var out []scd.VersionedRecord
	nk, na := len(spec.KeyColumns), len(spec.AttributeColumns)
	for rows.Next() {
		var (
			rec                   scd.VersionedRecord
			tracked, full, status string
			effectiveTo           sql.NullTime
		)
		values := make([]any, nk+na)
		dest := make([]any, 0, nk+na+8)
		dest = append(dest, &rec.SurrogateKey)
		for i := range values {
			dest = append(dest, &values[i])
		}
		dest = append(dest, &tracked, &full, &status, &rec.EffectiveFrom, &effectiveTo, &rec.CreatedAt, &rec.UpdatedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}

		rec.Key = make(scd.Row, nk)
		for i, col := range spec.KeyColumns {
			rec.Key[col] = normalizeValue(values[i])
		}
		rec.Attributes = make(scd.Row, na)
		for i, col := range spec.AttributeColumns {
			rec.Attributes[col] = normalizeValue(values[nk+i])
		}

		var err error
		if rec.TrackedDigest, err = scd.ParseDigest(tracked); err != nil {
			return nil, fmt.Errorf("%w: version %d: %v", scd.ErrInvariantViolation, rec.SurrogateKey, err)
		}
		if rec.FullDigest, err = scd.ParseDigest(full); err != nil {
			return nil, fmt.Errorf("%w: version %d: %v", scd.ErrInvariantViolation, rec.SurrogateKey, err)
		}
		rec.Status = scd.Status(status)
		if !rec.Status.Valid() {
			return nil, fmt.Errorf("%w: version %d has status %q", scd.ErrInvariantViolation, rec.SurrogateKey, status)
		}
		if effectiveTo.Valid {
			to := effectiveTo.Time.UTC()
			rec.EffectiveTo = &to
		}
		rec.EffectiveFrom = rec.EffectiveFrom.UTC()
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read versions: %w", err)
	}
	return out, nil
}

// normalizeValue converts driver-specific values into the types source batches
// carry so digests of stored and incoming rows agree.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case duckdb.Decimal:
		return x.Float64()
	case time.Time:
		return x.UTC()
	default:
		return v
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
