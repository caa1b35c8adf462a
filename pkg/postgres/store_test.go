package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/hybridscd/pkg/scd"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day1 = day0.AddDate(0, 0, 1)
	day2 = day0.AddDate(0, 0, 2)
)

var accountsSchema = scd.TableSchema{
	Name:              "accounts",
	KeyColumns:        []scd.Column{{Name: "account_id", Type: "BIGINT"}},
	AttributeColumns:  []scd.Column{{Name: "plan", Type: "VARCHAR"}, {Name: "email", Type: "VARCHAR"}, {Name: "balance", Type: "DECIMAL(12,2)"}},
	SurrogateKeyStart: 10,
	TrackRuns:         true,
}

var accountsConfig = scd.MergeConfig{
	Table:               "accounts",
	BusinessKeyColumns:  []string{"account_id"},
	TrackedColumns:      []string{"plan"},
	CarriedColumns:      []string{"plan", "email", "balance"},
	EffectiveFromColumn: "changed_at",
}

func account(id int64, plan, email string, balance float64, at time.Time) scd.Row {
	return scd.Row{"account_id": id, "plan": plan, "email": email, "balance": balance, "changed_at": at}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testPool starts a Postgres container and returns a pool connected to it.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := NewPool(ctx, uri)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func testStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	pool := testPool(t)
	store, err := NewStore(StoreConfig{Logger: testLogger(), Pool: pool})
	require.NoError(t, err)
	require.NoError(t, store.EnsureTable(context.Background(), accountsSchema))
	return store, pool
}

func newMerger(t *testing.T, store scd.Store) *scd.Merger {
	t.Helper()
	merger, err := scd.NewMerger(scd.MergerConfig{
		Logger:            testLogger(),
		Clock:             clockwork.NewFakeClockAt(day2.Add(time.Hour)),
		Store:             store,
		TrackRuns:         true,
		MaxAttempts:       20,
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(merger.Close)
	return merger
}

// requireInvariants checks one active version per key and contiguous chains.
func requireInvariants(t *testing.T, store *Store, spec scd.TableSpec) {
	t.Helper()
	versions, err := store.ReadVersions(context.Background(), spec, nil)
	require.NoError(t, err)

	byKey := make(map[string][]scd.VersionedRecord)
	for _, v := range versions {
		k := scd.EncodeKey(v.Key, spec.KeyColumns)
		byKey[k] = append(byKey[k], v)
	}
	for key, chain := range byKey {
		active := 0
		for i, v := range chain {
			if v.Active() {
				active++
				continue
			}
			require.NotNil(t, v.EffectiveTo, "key %q", key)
			require.Less(t, i, len(chain)-1, "closed version %d of %q has no successor", v.SurrogateKey, key)
			require.Equal(t, *v.EffectiveTo, chain[i+1].EffectiveFrom, "key %q", key)
		}
		require.LessOrEqual(t, active, 1, "key %q", key)
	}
}

func TestSCD_Postgres_Store_EnsureTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := testStore(t)

	require.NoError(t, store.EnsureTable(ctx, accountsSchema), "provisioning is idempotent")

	cols, err := store.Columns(ctx, "accounts")
	require.NoError(t, err)
	spec, err := accountsConfig.Spec()
	require.NoError(t, err)
	require.NoError(t, spec.ValidateTarget(cols))

	_, err = store.Columns(ctx, "missing")
	require.ErrorIs(t, err, scd.ErrConfiguration)

	bad := accountsSchema
	bad.Name = "bad"
	bad.AttributeColumns = []scd.Column{{Name: "plan", Type: "TEXT); DROP TABLE accounts; --"}}
	require.ErrorIs(t, store.EnsureTable(ctx, bad), scd.ErrConfiguration)
}

func TestSCD_Postgres_Store_Merge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, pool := testStore(t)
	merger := newMerger(t, store)
	spec, err := accountsConfig.Spec()
	require.NoError(t, err)

	res, err := merger.ApplyMerge(ctx, scd.Batch{Rows: []scd.Row{
		account(1, "basic", "a@x.io", 10.5, day0),
		account(2, "basic", "b@x.io", 20, day0),
		account(3, "basic", "c@x.io", 30, day0),
	}}, accountsConfig)
	require.NoError(t, err)
	require.Equal(t, scd.Counts{Inserted: 3}, res.Counts)

	res, err = merger.ApplyMerge(ctx, scd.Batch{Rows: []scd.Row{
		account(1, "basic", "a@x.io", 10.5, day1),
		account(2, "basic", "b2@x.io", 20, day1),
		account(3, "pro", "c@x.io", 30, day1),
		account(4, "basic", "d@x.io", 0, day1),
	}}, accountsConfig)
	require.NoError(t, err)
	require.Equal(t, map[scd.Class]int{
		scd.ClassNew:             1,
		scd.ClassUnchanged:       1,
		scd.ClassAttributeUpdate: 1,
		scd.ClassVersionChange:   1,
	}, res.Classes)
	require.Equal(t, scd.Counts{Inserted: 2, Updated: 1, Closed: 1}, res.Counts)

	acct3, err := store.ReadVersions(ctx, spec, scd.Row{"account_id": int64(3)})
	require.NoError(t, err)
	require.Len(t, acct3, 2)
	require.EqualValues(t, 12, acct3[0].SurrogateKey)
	require.Equal(t, scd.StatusClosed, acct3[0].Status)
	require.Equal(t, day1, *acct3[0].EffectiveTo)
	require.Equal(t, day1, acct3[1].EffectiveFrom)
	require.Equal(t, "pro", acct3[1].Attributes["plan"])
	require.NotEqual(t, acct3[0].TrackedDigest, acct3[1].TrackedDigest)

	// Re-delivering the same batch changes nothing.
	res, err = merger.ApplyMerge(ctx, scd.Batch{Rows: []scd.Row{
		account(1, "basic", "a@x.io", 10.5, day2),
		account(2, "basic", "b2@x.io", 20, day2),
		account(3, "pro", "c@x.io", 30, day2),
		account(4, "basic", "d@x.io", 0, day2),
	}}, accountsConfig)
	require.NoError(t, err)
	require.Equal(t, 4, res.Classes[scd.ClassUnchanged])
	require.Equal(t, scd.Counts{}, res.Counts)

	var runs int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM accounts_merge_runs").Scan(&runs))
	require.Equal(t, 3, runs)
	requireInvariants(t, store, spec)
}

func TestSCD_Postgres_Store_ActiveKeyIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, pool := testStore(t)

	insert := func(plan string) error {
		_, err := pool.Exec(ctx, `INSERT INTO accounts (account_id, plan, email, balance, tracked_digest,
			full_digest, status, effective_from, created_at, updated_at)
			VALUES (1, $1, 'a@x.io', 0, 'x', 'x', 'A', now(), now(), now())`, plan)
		return classifyError("insert version", err)
	}
	require.NoError(t, insert("basic"))
	require.ErrorIs(t, insert("pro"), scd.ErrWriteConflict)

	var start int64
	require.NoError(t, pool.QueryRow(ctx, "SELECT MIN(surrogate_key) FROM accounts").Scan(&start))
	require.EqualValues(t, 10, start)
}

func TestSCD_Postgres_Store_ConditionalWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := testStore(t)
	spec, err := accountsConfig.Spec()
	require.NoError(t, err)

	attrs := scd.Row{"plan": "basic", "email": "a@x.io", "balance": 1.0}
	v := scd.VersionedRecord{
		Key:           scd.Row{"account_id": int64(1)},
		Attributes:    attrs,
		TrackedDigest: scd.DigestRow(attrs, spec.TrackedColumns),
		FullDigest:    scd.DigestRow(attrs, spec.AttributeColumns),
		Status:        scd.StatusActive,
		EffectiveFrom: day0,
		CreatedAt:     day0,
		UpdatedAt:     day0,
	}
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	keys, created, err := tx.Insert(ctx, spec, []scd.VersionedRecord{v})
	require.NoError(t, err)
	require.Equal(t, 1, created)
	require.NoError(t, tx.Commit(ctx))

	t.Run("identical insert is idempotent", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		again, created, err := tx.Insert(ctx, spec, []scd.VersionedRecord{v})
		require.NoError(t, err)
		require.Equal(t, keys, again)
		require.Zero(t, created, "no row is written for the existing version")
	})

	t.Run("update with a stale digest", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		err = tx.Update(ctx, spec, scd.AttributeUpdate{
			SurrogateKey:       keys[0],
			Key:                v.Key,
			Attributes:         scd.Row{"email": "new@x.io", "balance": 2.0},
			ExpectedFullDigest: scd.DigestRow(scd.Row{"plan": "pro"}, spec.AttributeColumns),
			FullDigest:         scd.DigestRow(scd.Row{"plan": "basic", "email": "new@x.io", "balance": 2.0}, spec.AttributeColumns),
			UpdatedAt:          day1,
		})
		require.ErrorIs(t, err, scd.ErrWriteConflict)
	})

	t.Run("update already applied", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		err = tx.Update(ctx, spec, scd.AttributeUpdate{
			SurrogateKey:       keys[0],
			Key:                v.Key,
			Attributes:         scd.Row{"email": "a@x.io", "balance": 1.0},
			ExpectedFullDigest: scd.DigestRow(scd.Row{"plan": "other"}, spec.AttributeColumns),
			FullDigest:         v.FullDigest,
			UpdatedAt:          day1,
		})
		require.NoError(t, err)
	})

	t.Run("close twice", func(t *testing.T) {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		expiry := scd.Expiry{SurrogateKey: keys[0], Key: v.Key, ExpectedFullDigest: v.FullDigest, EffectiveTo: day1, UpdatedAt: day1}
		require.NoError(t, tx.Close(ctx, spec, expiry))
		require.ErrorIs(t, tx.Close(ctx, spec, expiry), scd.ErrWriteConflict)
	})
}

func TestSCD_Postgres_Store_ConcurrentMerges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := testStore(t)
	spec, err := accountsConfig.Spec()
	require.NoError(t, err)

	_, err = newMerger(t, store).ApplyMerge(ctx, scd.Batch{Rows: []scd.Row{
		account(1, "basic", "a@x.io", 0, day0),
	}}, accountsConfig)
	require.NoError(t, err)

	const writers = 4
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		merger := newMerger(t, store)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = merger.ApplyMerge(ctx, scd.Batch{Rows: []scd.Row{
				account(1, fmt.Sprintf("plan-%d", i), "a@x.io", 0, day1.Add(time.Duration(i)*time.Minute)),
			}}, accountsConfig)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			// A writer that lost the race may observe a newer version than its
			// own change and reject it as out of order.
			require.ErrorIs(t, err, scd.ErrOutOfOrder, "writer %d", i)
		}
	}
	requireInvariants(t, store, spec)

	active, err := store.ReadActiveVersions(ctx, spec)
	require.NoError(t, err)
	require.Len(t, active, 1)
}
