package duck

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testDBWithConn creates a file database in a temp dir and a connection to it.
func testDBWithConn(t *testing.T) (DB, Connection, error) {
	ctx := context.Background()

	db, err := NewDB(ctx, filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		return nil, nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	return db, conn, nil
}

// testStore creates a Store on a fresh file database.
func testStore(t *testing.T) (*Store, Connection) {
	t.Helper()
	db, conn, err := testDBWithConn(t)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		db.Close()
	})
	store, err := NewStore(StoreConfig{Logger: testLogger(), DB: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, conn
}

// failingDBConn is a mock connection that fails on all operations.
type failingDBConn struct{}

func (f *failingDBConn) DB() DB {
	return &failingDB{}
}

func (f *failingDBConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, errors.New("database error")
}

func (f *failingDBConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("database error")
}

func (f *failingDBConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

func (f *failingDBConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return nil, errors.New("failed to begin transaction")
}

func (f *failingDBConn) Close() error {
	return nil
}

// failingDB is a mock DB whose connections fail on all operations. With
// connErr set no connection can be opened at all.
type failingDB struct {
	connErr error
}

func (f *failingDB) Catalog() string {
	return "test"
}

func (f *failingDB) Schema() string {
	return "main"
}

func (f *failingDB) Close() error {
	return nil
}

func (f *failingDB) Conn(ctx context.Context) (Connection, error) {
	if f.connErr != nil {
		return nil, f.connErr
	}
	return &failingDBConn{}, nil
}

// noTxDB hands out working connections of db that cannot open transactions.
type noTxDB struct {
	DB
}

func (d *noTxDB) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &noTxConn{Connection: conn}, nil
}

type noTxConn struct {
	Connection
}

func (c *noTxConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return nil, errors.New("connection reset by peer")
}
