// Package postgres stores versioned tables in PostgreSQL. Surrogate keys are
// identity columns, and a partial unique index on the business key of active
// rows backs the one-active-version rule.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/hybridscd/pkg/scd"
)

const (
	defaultMaxConns        = 10
	defaultMinConns        = 1
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 30 * time.Minute
	defaultConnectTimeout  = 10 * time.Second
)

var columnTypeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 _]*(\(\s*\d+\s*(,\s*\d+\s*)?\))?$`)

// typeAliases maps the column types accepted in table schemas to their
// Postgres spelling where the two differ.
var typeAliases = map[string]string{
	"DOUBLE":  "DOUBLE PRECISION",
	"TINYINT": "SMALLINT",
	"VARCHAR": "TEXT",
	"STRING":  "TEXT",
}

// NewPool connects to the database at uri.
func NewPool(ctx context.Context, uri string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = defaultMaxConns
	poolConfig.MinConns = defaultMinConns
	poolConfig.MaxConnLifetime = defaultMaxConnLifetime
	poolConfig.MaxConnIdleTime = defaultMaxConnIdleTime

	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create postgres pool: %v", scd.ErrStorageUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping postgres: %v", scd.ErrStorageUnavailable, err)
	}
	return pool, nil
}

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	return nil
}

// Store is a scd.Store backed by a pgx pool.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, pool: cfg.Pool}, nil
}

// EnsureTable creates the versioned table with its active-key index and, if
// requested, its merge runs table.
func (s *Store) EnsureTable(ctx context.Context, schema scd.TableSchema) error {
	if err := schema.Validate(); err != nil {
		return err
	}

	defs := make([]string, 0, len(schema.KeyColumns)+len(schema.AttributeColumns))
	for _, col := range append(append([]scd.Column{}, schema.KeyColumns...), schema.AttributeColumns...) {
		typ, err := pgType(col.Type)
		if err != nil {
			return fmt.Errorf("%w: column %s: %v", scd.ErrConfiguration, col.Name, err)
		}
		defs = append(defs, quoteIdent(col.Name)+" "+typ)
	}
	keys := make([]string, len(schema.KeyColumns))
	for i, col := range schema.KeyColumns {
		keys[i] = quoteIdent(col.Name)
	}

	queries := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			surrogate_key BIGINT GENERATED ALWAYS AS IDENTITY (START WITH %d) PRIMARY KEY,
			%s,
			tracked_digest TEXT NOT NULL,
			full_digest TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('A', 'I')),
			effective_from TIMESTAMPTZ NOT NULL,
			effective_to TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, quoteIdent(schema.Name), schema.SurrogateKeyStart, strings.Join(defs, ",\n\t\t\t")),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s) NULLS NOT DISTINCT
			WHERE status = 'A' AND effective_to IS NULL`,
			quoteIdent(schema.Name+"_active_key"), quoteIdent(schema.Name), strings.Join(keys, ", ")),
	}
	if schema.TrackRuns {
		queries = append(queries, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id UUID PRIMARY KEY,
			table_name TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			rows_in_batch INTEGER NOT NULL,
			dropped INTEGER NOT NULL,
			new_rows INTEGER NOT NULL,
			unchanged INTEGER NOT NULL,
			attribute_updates INTEGER NOT NULL,
			version_changes INTEGER NOT NULL,
			inserted INTEGER NOT NULL,
			updated INTEGER NOT NULL,
			closed INTEGER NOT NULL
		)`, quoteIdent(scd.RunsTableName(schema.Name))))
	}

	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to create table %s: %w", schema.Name, err)
		}
	}
	s.log.Debug("postgres: ensured table", "table", schema.Name, "surrogate_key_start", schema.SurrogateKeyStart, "track_runs", schema.TrackRuns)
	return nil
}

func (s *Store) Columns(ctx context.Context, table string) ([]string, error) {
	cols, err := tableColumns(ctx, s.pool, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: table %s does not exist", scd.ErrConfiguration, table)
	}
	return cols, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func tableColumns(ctx context.Context, q querier, table string) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read columns of %s: %v", scd.ErrStorageUnavailable, table, err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan columns of %s: %w", table, err)
	}
	return cols, nil
}

func (s *Store) ReadActiveVersions(ctx context.Context, spec scd.TableSpec) ([]scd.VersionedRecord, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE status = 'A' AND effective_to IS NULL",
		selectList(spec), quoteIdent(spec.Table)))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read active versions of %s: %v", scd.ErrStorageUnavailable, spec.Table, err)
	}
	return scanVersions(rows, spec)
}

// ReadVersions returns every version of the entity with the given business
// key, or of all entities if key is nil, ordered by key and surrogate key.
func (s *Store) ReadVersions(ctx context.Context, spec scd.TableSpec, key scd.Row) ([]scd.VersionedRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", selectList(spec), quoteIdent(spec.Table))
	var args []any
	if key != nil {
		var where string
		where, args = keyPredicate(spec, key, 1)
		query += " WHERE " + where
	}
	order := make([]string, 0, len(spec.KeyColumns)+1)
	for _, col := range spec.KeyColumns {
		order = append(order, quoteIdent(col))
	}
	query += " ORDER BY " + strings.Join(append(order, "surrogate_key"), ", ")

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read versions of %s: %w", spec.Table, err)
	}
	return scanVersions(rows, spec)
}

func (s *Store) Begin(ctx context.Context) (scd.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %v", scd.ErrStorageUnavailable, err)
	}
	return &Tx{tx: tx}, nil
}

// Tx is a Postgres transaction at read committed isolation. Conditional
// updates re-check their predicates after waiting on row locks, so a
// concurrent writer shows up as zero affected rows.
type Tx struct {
	tx pgx.Tx
}

func (t *Tx) Insert(ctx context.Context, spec scd.TableSpec, rows []scd.VersionedRecord) ([]int64, int, error) {
	cols := append(spec.AllColumns(), scd.ColTrackedDigest, scd.ColFullDigest, scd.ColStatus,
		scd.ColEffectiveFrom, scd.ColEffectiveTo, scd.ColCreatedAt, scd.ColUpdatedAt)
	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING surrogate_key",
		quoteIdent(spec.Table), strings.Join(quoted, ", "), strings.Join(params, ", "))

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

		args := make([]any, 0, len(cols))
		for _, col := range spec.KeyColumns {
			args = append(args, row.Key[col])
		}
		for _, col := range spec.AttributeColumns {
			args = append(args, row.Attributes[col])
		}
		args = append(args, row.TrackedDigest.String(), row.FullDigest.String(), string(scd.StatusActive),
			row.EffectiveFrom.UTC(), nil, row.CreatedAt.UTC(), row.UpdatedAt.UTC())

		var sk int64
		if err := t.tx.QueryRow(ctx, insertSQL, args...).Scan(&sk); err != nil {
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
		args = append(args, u.Attributes[col])
		sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdent(col), len(args)))
	}
	n := len(args)
	sets = append(sets, fmt.Sprintf("full_digest = $%d", n+1), fmt.Sprintf("updated_at = $%d", n+2))
	args = append(args, u.FullDigest.String(), u.UpdatedAt.UTC(),
		u.SurrogateKey, u.ExpectedFullDigest.String())

	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s
		WHERE surrogate_key = $%d AND status = 'A' AND effective_to IS NULL AND full_digest IN ($%d, $%d)`,
		quoteIdent(spec.Table), strings.Join(sets, ", "), n+3, n+4, n+1), args...)
	if err != nil {
		return classifyError("update version", err)
	}
	return requireOneRow(tag, u.SurrogateKey, u.Key)
}

func (t *Tx) Close(ctx context.Context, spec scd.TableSpec, e scd.Expiry) error {
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET status = 'I', effective_to = $1, updated_at = $2
		WHERE surrogate_key = $3 AND status = 'A' AND effective_to IS NULL AND full_digest = $4`,
		quoteIdent(spec.Table)),
		e.EffectiveTo.UTC(), e.UpdatedAt.UTC(), e.SurrogateKey, e.ExpectedFullDigest.String())
	if err != nil {
		return classifyError("close version", err)
	}
	return requireOneRow(tag, e.SurrogateKey, e.Key)
}

// RecordRun inserts the run into the runs table of the target, if it was
// provisioned.
func (t *Tx) RecordRun(ctx context.Context, spec scd.TableSpec, run scd.Run) error {
	runsTable := scd.RunsTableName(spec.Table)
	cols, err := tableColumns(ctx, t.tx, runsTable)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}
	_, err = t.tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (run_id, table_name, started_at, finished_at,
		rows_in_batch, dropped, new_rows, unchanged, attribute_updates, version_changes, inserted, updated, closed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, quoteIdent(runsTable)),
		run.ID.String(), run.Table, run.StartedAt.UTC(), run.FinishedAt.UTC(),
		run.Rows, run.Dropped, run.New, run.Unchanged, run.AttributeUpdates, run.VersionChanges,
		run.Inserted, run.Updated, run.Closed)
	return classifyError("record run", err)
}

func (t *Tx) Commit(ctx context.Context) error {
	return classifyError("commit transaction", t.tx.Commit(ctx))
}

func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// activeVersion locks and returns the active version of key, if any.
func (t *Tx) activeVersion(ctx context.Context, spec scd.TableSpec, key scd.Row) (*scd.VersionedRecord, error) {
	where, args := keyPredicate(spec, key, 1)
	rows, err := t.tx.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE status = 'A' AND effective_to IS NULL AND %s FOR UPDATE",
		selectList(spec), quoteIdent(spec.Table), where), args...)
	if err != nil {
		return nil, classifyError("query active version", err)
	}
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

// classifyError maps unique violations on the active-key index, serialization
// failures and deadlocks to scd.ErrWriteConflict.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %s: %s", scd.ErrWriteConflict, op, pgErr.Message)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func requireOneRow(tag pgconn.CommandTag, surrogateKey int64, key scd.Row) error {
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: version %d of key %v is no longer in the expected state", scd.ErrWriteConflict, surrogateKey, key)
	}
	return nil
}

// keyPredicate matches the business key with null-safe equality. Parameters
// are numbered from first.
func keyPredicate(spec scd.TableSpec, key scd.Row, first int) (string, []any) {
	parts := make([]string, len(spec.KeyColumns))
	args := make([]any, len(spec.KeyColumns))
	for i, col := range spec.KeyColumns {
		parts[i] = fmt.Sprintf("%s IS NOT DISTINCT FROM $%d", quoteIdent(col), first+i)
		args[i] = key[col]
	}
	return strings.Join(parts, " AND "), args
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

func scanVersions(rows pgx.Rows, spec scd.TableSpec) ([]scd.VersionedRecord, error) {
	defer rows.Close()
	nKey, nAttr := len(spec.KeyColumns), len(spec.AttributeColumns)

	var out []scd.VersionedRecord
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		if len(values) != 1+nKey+nAttr+7 {
			return nil, fmt.Errorf("failed to scan version: got %d columns", len(values))
		}

		v := scd.VersionedRecord{
			Key:        make(scd.Row, nKey),
			Attributes: make(scd.Row, nAttr),
		}
		sk, ok := values[0].(int64)
		if !ok {
			return nil, fmt.Errorf("%w: surrogate key has type %T", scd.ErrInvariantViolation, values[0])
		}
		v.SurrogateKey = sk
		for i, col := range spec.KeyColumns {
			v.Key[col] = normalizeValue(values[1+i])
		}
		for i, col := range spec.AttributeColumns {
			v.Attributes[col] = normalizeValue(values[1+nKey+i])
		}

		book := values[1+nKey+nAttr:]
		tracked, _ := book[0].(string)
		full, _ := book[1].(string)
		status, _ := book[2].(string)
		if v.TrackedDigest, err = scd.ParseDigest(tracked); err != nil {
			return nil, fmt.Errorf("%w: version %d: %v", scd.ErrInvariantViolation, sk, err)
		}
		if v.FullDigest, err = scd.ParseDigest(full); err != nil {
			return nil, fmt.Errorf("%w: version %d: %v", scd.ErrInvariantViolation, sk, err)
		}
		v.Status = scd.Status(status)
		if !v.Status.Valid() {
			return nil, fmt.Errorf("%w: version %d has status %q", scd.ErrInvariantViolation, sk, status)
		}
		v.EffectiveFrom, _ = book[3].(time.Time)
		v.EffectiveFrom = v.EffectiveFrom.UTC()
		if to, ok := book[4].(time.Time); ok {
			to = to.UTC()
			v.EffectiveTo = &to
		}
		v.CreatedAt, _ = book[5].(time.Time)
		v.CreatedAt = v.CreatedAt.UTC()
		v.UpdatedAt, _ = book[6].(time.Time)
		v.UpdatedAt = v.UpdatedAt.UTC()

		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("read versions", err)
	}
	return out, nil
}

// normalizeValue converts driver values into the types source readers produce
// so that digests of stored and incoming rows agree.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case time.Time:
		return x.UTC()
	case [16]byte:
		return uuid.UUID(x).String()
	default:
		return v
	}
}

func pgType(typ string) (string, error) {
	typ = strings.TrimSpace(typ)
	if !columnTypeRe.MatchString(typ) {
		return "", fmt.Errorf("invalid type %q", typ)
	}
	if alias, ok := typeAliases[strings.ToUpper(typ)]; ok {
		return alias, nil
	}
	return typ, nil
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
