package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DB is a DuckDB database with a fixed catalog and schema.
type DB interface {
	Catalog() string
	Schema() string
	Close() error
	Conn(ctx context.Context) (Connection, error)
}

// Connection is a single session on a DB.
type Connection interface {
	DB() DB
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

type database struct {
	log     *slog.Logger
	db      *sql.DB
	catalog string
	schema  string
	// init runs on every new connection before it is handed out.
	init []string
}

type connection struct {
	conn *sql.Conn
	db   *database
	mu   sync.Mutex
}

func (c *connection) DB() DB {
	return c.db
}

func (c *connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

func (c *connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// NewDB opens a DuckDB database file. An empty path opens an in-memory
// database.
func NewDB(ctx context.Context, path string, log *slog.Logger) (DB, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var catalog, schema string
	if err := db.QueryRowContext(ctx, "SELECT current_database(), current_schema()").Scan(&catalog, &schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get current database and schema: %w", err)
	}
	log.Debug("duck: opened database", "path", path, "catalog", catalog, "schema", schema)

	return &database{
		log:     log,
		db:      db,
		catalog: catalog,
		schema:  schema,
	}, nil
}

func (d *database) Catalog() string {
	return d.catalog
}

func (d *database) Schema() string {
	return d.schema
}

func (d *database) Close() error {
	return d.db.Close()
}

func (d *database) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	for _, stmt := range d.init {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s failed: %w", stmt, err)
		}
	}
	return &connection{conn: conn, db: d}, nil
}
