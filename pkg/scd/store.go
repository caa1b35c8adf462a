package scd

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the storage collaborator holding versioned tables.
type Store interface {
	// Columns returns the column names of a table.
	Columns(ctx context.Context, table string) ([]string, error)
	// ReadActiveVersions returns every active version of the table.
	ReadActiveVersions(ctx context.Context, spec TableSpec) ([]VersionedRecord, error)
	// Begin opens the transaction one merge run is applied in.
	Begin(ctx context.Context) (Tx, error)
}

// Tx applies row mutations atomically. Nothing is visible to other readers
// before Commit.
type Tx interface {
	// Insert adds new active versions and returns their surrogate keys and
	// the number of rows actually created. It fails with ErrWriteConflict if a
	// key already has a different active version; inserting a row identical
	// to the active one is a no-op that returns the existing surrogate key.
	Insert(ctx context.Context, spec TableSpec, rows []VersionedRecord) (keys []int64, created int, err error)
	// Update overwrites untracked attributes of an active version whose
	// full digest is still the expected one (or already the new one).
	Update(ctx context.Context, spec TableSpec, u AttributeUpdate) error
	// Close marks an active version closed. Closing a version that is no
	// longer active, or whose full digest changed, fails with ErrWriteConflict.
	Close(ctx context.Context, spec TableSpec, e Expiry) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// RunRecorder is implemented by transactions that can persist merge run
// metadata next to the target table.
type RunRecorder interface {
	RecordRun(ctx context.Context, spec TableSpec, run Run) error
}

// Provisioner is implemented by stores that can create versioned tables.
type Provisioner interface {
	EnsureTable(ctx context.Context, schema TableSchema) error
}

// HistoryReader is implemented by stores that can list every version of an
// entity. A nil key lists the whole table. Versions are ordered by business
// key, then surrogate key.
type HistoryReader interface {
	ReadVersions(ctx context.Context, spec TableSpec, key Row) ([]VersionedRecord, error)
}

// Run is the metadata recorded for one merge run.
type Run struct {
	ID         uuid.UUID
	Table      string
	StartedAt  time.Time
	FinishedAt time.Time

	Rows             int
	Dropped          int
	New              int
	Unchanged        int
	AttributeUpdates int
	VersionChanges   int

	Inserted int
	Updated  int
	Closed   int
}

// RunsTableName returns the name of the table merge runs of table are
// recorded in.
func RunsTableName(table string) string {
	return table + "_merge_runs"
}
