package scd_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/hybridscd/pkg/scd"
	"github.com/malbeclabs/hybridscd/pkg/scd/memstore"
	"github.com/stretchr/testify/require"
)

var (
	day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day1 = day0.AddDate(0, 0, 1)
	day2 = day0.AddDate(0, 0, 2)
	day3 = day0.AddDate(0, 0, 3)
)

var accountsSchema = scd.TableSchema{
	Name:              "accounts",
	KeyColumns:        []scd.Column{{Name: "account_id", Type: "BIGINT"}},
	AttributeColumns:  []scd.Column{{Name: "plan", Type: "VARCHAR"}, {Name: "email", Type: "VARCHAR"}},
	SurrogateKeyStart: 10,
	TrackRuns:         true,
}

var accountsConfig = scd.MergeConfig{
	Table:                      "accounts",
	BusinessKeyColumns:         []string{"account_id"},
	TrackedColumns:             []string{"plan"},
	CarriedColumns:             []string{"account_id", "plan", "email"},
	EffectiveFromColumn:        "changed_at",
	InitialEffectiveFromColumn: "created_at",
}

func accountRow(id int64, plan, email string, createdAt, changedAt time.Time) scd.Row {
	return scd.Row{
		"account_id": id,
		"plan":       plan,
		"email":      email,
		"created_at": createdAt,
		"changed_at": changedAt,
	}
}

func accountBatch(rows ...scd.Row) scd.Batch {
	return scd.Batch{
		Columns: []string{"account_id", "plan", "email", "created_at", "changed_at"},
		Rows:    rows,
	}
}

type mergeFixture struct {
	store  *memstore.Store
	clock  *clockwork.FakeClock
	merger *scd.Merger
	spec   scd.TableSpec
}

func newMergeFixture(t *testing.T, wrap func(scd.Store) scd.Store, cfg ...func(*scd.MergerConfig)) *mergeFixture {
	t.Helper()
	ctx := context.Background()

	store := memstore.New()
	require.NoError(t, store.EnsureTable(ctx, accountsSchema))

	var target scd.Store = store
	if wrap != nil {
		target = wrap(store)
	}
	clock := clockwork.NewFakeClockAt(day0.Add(12 * time.Hour))
	mcfg := scd.MergerConfig{
		Logger:            slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Clock:             clock,
		Store:             target,
		TrackRuns:         true,
		RetryInitialDelay: time.Millisecond,
	}
	for _, fn := range cfg {
		fn(&mcfg)
	}
	merger, err := scd.NewMerger(mcfg)
	require.NoError(t, err)
	t.Cleanup(merger.Close)

	spec, err := accountsConfig.Spec()
	require.NoError(t, err)
	return &mergeFixture{store: store, clock: clock, merger: merger, spec: spec}
}

func (f *mergeFixture) versions(t *testing.T, id int64) []scd.VersionedRecord {
	t.Helper()
	versions, err := f.store.ReadVersions(context.Background(), f.spec, scd.Row{"account_id": id})
	require.NoError(t, err)
	return versions
}

// requireTableInvariants checks that every key has at most one active version
// and that consecutive versions of a key are contiguous.
func (f *mergeFixture) requireTableInvariants(t *testing.T) {
	t.Helper()
	all, err := f.store.ReadVersions(context.Background(), f.spec, nil)
	require.NoError(t, err)

	byKey := make(map[string][]scd.VersionedRecord)
	var order []string
	for _, v := range all {
		k := scd.EncodeKey(v.Key, f.spec.KeyColumns)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], v)
	}
	for _, k := range order {
		versions := byKey[k]
		active := 0
		for i, v := range versions {
			require.True(t, v.Status.Valid())
			require.Equal(t, v.Status == scd.StatusActive, v.EffectiveTo == nil, "version %d", v.SurrogateKey)
			if v.Active() {
				active++
			}
			if i > 0 {
				prev := versions[i-1]
				require.NotNil(t, prev.EffectiveTo, "version %d precedes %d", prev.SurrogateKey, v.SurrogateKey)
				require.Equal(t, *prev.EffectiveTo, v.EffectiveFrom)
			}
		}
		require.LessOrEqual(t, active, 1)
	}
}

func TestSCD_Core_ApplyMerge_Scenarios(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newMergeFixture(t, nil)

	// Scenario A: three new keys against an empty table.
	res, err := f.merger.ApplyMerge(ctx, accountBatch(
		accountRow(1, "basic", "a@x.io", day0, day1),
		accountRow(2, "basic", "b@x.io", day0.Add(time.Hour), day1),
		accountRow(3, "basic", "c@x.io", day0.Add(2*time.Hour), day1),
	), accountsConfig)
	require.NoError(t, err)
	require.Equal(t, 3, res.Classes[scd.ClassNew])
	require.Equal(t, scd.Counts{Inserted: 3}, res.Counts)
	require.Equal(t, 1, res.Attempts)

	for i, id := range []int64{1, 2, 3} {
		versions := f.versions(t, id)
		require.Len(t, versions, 1)
		require.True(t, versions[0].Active())
		require.Equal(t, day0.Add(time.Duration(i)*time.Hour), versions[0].EffectiveFrom)
		require.EqualValues(t, 10+i, versions[0].SurrogateKey)
	}
	f.requireTableInvariants(t)

	// Scenario B: one re-delivered row and two tracked changes.
	f.clock.Advance(24 * time.Hour)
	res, err = f.merger.ApplyMerge(ctx, accountBatch(
		accountRow(1, "basic", "a@x.io", day0, day1),
		accountRow(2, "pro", "b@x.io", day0, day2),
		accountRow(3, "enterprise", "c@x.io", day0, day2),
	), accountsConfig)
	require.NoError(t, err)
	require.Equal(t, 1, res.Classes[scd.ClassUnchanged])
	require.Equal(t, 2, res.Classes[scd.ClassVersionChange])
	require.Equal(t, scd.Counts{Inserted: 2, Closed: 2}, res.Counts)

	require.Len(t, f.versions(t, 1), 1)
	for _, id := range []int64{2, 3} {
		versions := f.versions(t, id)
		require.Len(t, versions, 2)
		require.Equal(t, scd.StatusClosed, versions[0].Status)
		require.Equal(t, day2, *versions[0].EffectiveTo)
		require.True(t, versions[1].Active())
		require.Equal(t, day2, versions[1].EffectiveFrom)
	}
	require.Equal(t, "pro", f.versions(t, 2)[1].Attributes["plan"])
	f.requireTableInvariants(t)

	// Scenario C: an untracked change only.
	f.clock.Advance(24 * time.Hour)
	before := f.versions(t, 1)[0]
	res, err = f.merger.ApplyMerge(ctx, accountBatch(
		accountRow(1, "basic", "a2@x.io", day0, day3),
	), accountsConfig)
	require.NoError(t, err)
	require.Equal(t, 1, res.Classes[scd.ClassAttributeUpdate])
	require.Equal(t, scd.Counts{Updated: 1}, res.Counts)

	versions := f.versions(t, 1)
	require.Len(t, versions, 1)
	after := versions[0]
	require.Equal(t, before.SurrogateKey, after.SurrogateKey)
	require.Equal(t, "a2@x.io", after.Attributes["email"])
	require.True(t, after.UpdatedAt.After(before.UpdatedAt))
	require.Equal(t, before.EffectiveFrom, after.EffectiveFrom)
	require.Nil(t, after.EffectiveTo)
	require.Equal(t, before.TrackedDigest, after.TrackedDigest)
	require.NotEqual(t, before.FullDigest, after.FullDigest)
	f.requireTableInvariants(t)

	// Scenario D: tracked and untracked changes together version the row.
	f.clock.Advance(24 * time.Hour)
	res, err = f.merger.ApplyMerge(ctx, accountBatch(
		accountRow(2, "enterprise", "b2@x.io", day0, day3),
	), accountsConfig)
	require.NoError(t, err)
	require.Equal(t, 1, res.Classes[scd.ClassVersionChange])
	require.Equal(t, scd.Counts{Inserted: 1, Closed: 1}, res.Counts)

	versions = f.versions(t, 2)
	require.Len(t, versions, 3)
	latest := versions[2]
	require.True(t, latest.Active())
	require.Equal(t, "enterprise", latest.Attributes["plan"])
	require.Equal(t, "b2@x.io", latest.Attributes["email"])
	require.Equal(t, day3, latest.EffectiveFrom)
	f.requireTableInvariants(t)

	runs := f.store.Runs("accounts")
	require.Len(t, runs, 4)
	require.Equal(t, 3, runs[0].Inserted)
	require.Equal(t, 1, runs[1].Unchanged)
	require.Equal(t, 2, runs[1].Closed)
	require.Equal(t, 1, runs[2].Updated)
}

func TestSCD_Core_ApplyMerge_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newMergeFixture(t, nil)

	batch := accountBatch(
		accountRow(1, "basic", "a@x.io", day0, day1),
		accountRow(2, "pro", "b@x.io", day0, day1),
	)
	_, err := f.merger.ApplyMerge(ctx, batch, accountsConfig)
	require.NoError(t, err)
	first, err := f.store.ReadVersions(ctx, f.spec, nil)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	res, err := f.merger.ApplyMerge(ctx, batch, accountsConfig)
	require.NoError(t, err)
	require.Equal(t, scd.Counts{}, res.Counts)
	require.Equal(t, 2, res.Classes[scd.ClassUnchanged])

	second, err := f.store.ReadVersions(ctx, f.spec, nil)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestSCD_Core_ApplyMerge_Dedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var logs bytes.Buffer
	f := newMergeFixture(t, nil, func(cfg *scd.MergerConfig) {
		cfg.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	})

	res, err := f.merger.ApplyMerge(ctx, accountBatch(
		accountRow(1, "pro", "a@x.io", day0, day2),
		accountRow(1, "basic", "a@x.io", day0, day1),
	), accountsConfig)
	require.NoError(t, err)
	require.Equal(t, 1, res.Dropped)
	require.Equal(t, scd.Counts{Inserted: 1}, res.Counts)
	require.Contains(t, logs.String(), `msg="scd: dropped superseded in-batch duplicates" table=accounts`)
	require.Contains(t, logs.String(), "dropped=1")

	versions := f.versions(t, 1)
	require.Len(t, versions, 1)
	require.Equal(t, "pro", versions[0].Attributes["plan"])
}

func TestSCD_Core_ApplyMerge_EmptyTrackedList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newMergeFixture(t, nil)

	cfg := accountsConfig
	cfg.TrackedColumns = nil

	_, err := f.merger.ApplyMerge(ctx, accountBatch(accountRow(1, "basic", "a@x.io", day0, day1)), cfg)
	require.NoError(t, err)
	res, err := f.merger.ApplyMerge(ctx, accountBatch(accountRow(1, "pro", "a2@x.io", day0, day2)), cfg)
	require.NoError(t, err)
	require.Equal(t, scd.Counts{Updated: 1}, res.Counts)
	require.Len(t, f.versions(t, 1), 1)
	require.Equal(t, "pro", f.versions(t, 1)[0].Attributes["plan"])
}

func TestSCD_Core_ApplyMerge_Rejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("out of order version change", func(t *testing.T) {
		t.Parallel()
		f := newMergeFixture(t, nil)
		_, err := f.merger.ApplyMerge(ctx, accountBatch(
			accountRow(1, "basic", "a@x.io", day2, day2),
			accountRow(2, "basic", "b@x.io", day2, day2),
		), accountsConfig)
		require.NoError(t, err)

		_, err = f.merger.ApplyMerge(ctx, accountBatch(
			accountRow(1, "basic", "a2@x.io", day2, day3),
			accountRow(2, "pro", "b@x.io", day2, day1),
		), accountsConfig)
		require.ErrorIs(t, err, scd.ErrOutOfOrder)
		require.Equal(t, "a@x.io", f.versions(t, 1)[0].Attributes["email"])
		require.Len(t, f.versions(t, 2), 1)
	})

	t.Run("invalid timestamp", func(t *testing.T) {
		t.Parallel()
		f := newMergeFixture(t, nil)
		row := accountRow(1, "basic", "a@x.io", day0, day1)
		row["changed_at"] = "yesterday"
		_, err := f.merger.ApplyMerge(ctx, accountBatch(accountRow(2, "basic", "b@x.io", day0, day1), row), accountsConfig)
		require.ErrorIs(t, err, scd.ErrInvalidRecord)
		require.Empty(t, f.versions(t, 2))
	})

	t.Run("null effective timestamp", func(t *testing.T) {
		t.Parallel()
		f := newMergeFixture(t, nil)
		row := accountRow(1, "basic", "a@x.io", day0, day1)
		row["changed_at"] = nil
		_, err := f.merger.ApplyMerge(ctx, accountBatch(row), accountsConfig)
		require.ErrorIs(t, err, scd.ErrInvalidRecord)
	})

	t.Run("missing source column", func(t *testing.T) {
		t.Parallel()
		f := newMergeFixture(t, nil)
		batch := scd.Batch{
			Columns: []string{"account_id", "plan", "changed_at"},
			Rows:    []scd.Row{{"account_id": int64(1), "plan": "basic", "changed_at": day1}},
		}
		_, err := f.merger.ApplyMerge(ctx, batch, accountsConfig)
		require.ErrorIs(t, err, scd.ErrConfiguration)
	})

	t.Run("missing target table", func(t *testing.T) {
		t.Parallel()
		f := newMergeFixture(t, nil)
		cfg := accountsConfig
		cfg.Table = "customers"
		_, err := f.merger.ApplyMerge(ctx, accountBatch(accountRow(1, "basic", "a@x.io", day0, day1)), cfg)
		require.ErrorIs(t, err, scd.ErrConfiguration)
	})

	t.Run("empty batch", func(t *testing.T) {
		t.Parallel()
		f := newMergeFixture(t, nil)
		res, err := f.merger.ApplyMerge(ctx, scd.Batch{}, accountsConfig)
		require.NoError(t, err)
		require.Equal(t, scd.Counts{}, res.Counts)
		require.Len(t, f.store.Runs("accounts"), 1)
	})
}

// interferingStore runs a concurrent writer right before the first
// transaction a merger opens.
type interferingStore struct {
	scd.Store
	once      sync.Once
	interfere func(ctx context.Context) error
	err       error
}

func (s *interferingStore) Begin(ctx context.Context) (scd.Tx, error) {
	s.once.Do(func() { s.err = s.interfere(ctx) })
	if s.err != nil {
		return nil, s.err
	}
	return s.Store.Begin(ctx)
}

// concurrentPlanChange closes the active version of an account and opens a
// successor with a different plan, as another writer would.
func concurrentPlanChange(store *memstore.Store, spec scd.TableSpec, id int64, plan string, at time.Time) func(context.Context) error {
	return func(ctx context.Context) error {
		versions, err := store.ReadVersions(ctx, spec, scd.Row{"account_id": id})
		if err != nil {
			return err
		}
		cur := versions[len(versions)-1]
		tx, err := store.Begin(ctx)
		if err != nil {
			return err
		}
		if err := tx.Close(ctx, spec, scd.Expiry{
			SurrogateKey:       cur.SurrogateKey,
			Key:                cur.Key,
			ExpectedFullDigest: cur.FullDigest,
			EffectiveTo:        at,
			UpdatedAt:          at,
		}); err != nil {
			return err
		}
		next := cur
		next.Attributes = scd.Row{"plan": plan, "email": cur.Attributes["email"]}
		next.TrackedDigest = scd.DigestRow(next.Attributes, spec.TrackedColumns)
		next.FullDigest = scd.DigestRow(next.Attributes, spec.AttributeColumns)
		next.EffectiveFrom = at
		if _, _, err := tx.Insert(ctx, spec, []scd.VersionedRecord{next}); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}
}

func TestSCD_Core_ApplyMerge_WriteConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	seed := accountBatch(accountRow(1, "basic", "a@x.io", day0, day1))

	t.Run("retries the batch against fresh state", func(t *testing.T) {
		t.Parallel()
		var wrapped *interferingStore
		f := newMergeFixture(t, func(s scd.Store) scd.Store {
			wrapped = &interferingStore{Store: s, interfere: func(context.Context) error { return nil }}
			return wrapped
		})
		_, err := f.merger.ApplyMerge(ctx, seed, accountsConfig)
		require.NoError(t, err)

		wrapped.once = sync.Once{}
		wrapped.interfere = concurrentPlanChange(f.store, f.spec, 1, "pro", day1.Add(12*time.Hour))

		res, err := f.merger.ApplyMerge(ctx, accountBatch(accountRow(1, "enterprise", "a@x.io", day0, day2)), accountsConfig)
		require.NoError(t, err)
		require.Equal(t, 2, res.Attempts)
		require.Equal(t, scd.Counts{Inserted: 1, Closed: 1}, res.Counts)

		versions := f.versions(t, 1)
		require.Len(t, versions, 3)
		require.Equal(t, "pro", versions[1].Attributes["plan"])
		require.Equal(t, "enterprise", versions[2].Attributes["plan"])
		f.requireTableInvariants(t)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		t.Parallel()
		var wrapped *interferingStore
		f := newMergeFixture(t, func(s scd.Store) scd.Store {
			wrapped = &interferingStore{Store: s, interfere: func(context.Context) error { return nil }}
			return wrapped
		}, func(cfg *scd.MergerConfig) { cfg.MaxAttempts = 1 })
		_, err := f.merger.ApplyMerge(ctx, seed, accountsConfig)
		require.NoError(t, err)

		wrapped.once = sync.Once{}
		wrapped.interfere = concurrentPlanChange(f.store, f.spec, 1, "pro", day1.Add(12*time.Hour))

		res, err := f.merger.ApplyMerge(ctx, accountBatch(
			accountRow(1, "enterprise", "a@x.io", day0, day2),
			accountRow(2, "basic", "b@x.io", day0, day2),
		), accountsConfig)
		require.ErrorIs(t, err, scd.ErrWriteConflict)
		require.Equal(t, 1, res.Attempts)

		// Nothing of the aborted batch is visible.
		require.Empty(t, f.versions(t, 2))
		require.Len(t, f.versions(t, 1), 2)
		f.requireTableInvariants(t)
	})
}

// unavailableStore fails reads or transactions the way an unreachable store
// does.
type unavailableStore struct {
	scd.Store
	failRead  bool
	failBegin bool
}

func (s *unavailableStore) ReadActiveVersions(ctx context.Context, spec scd.TableSpec) ([]scd.VersionedRecord, error) {
	if s.failRead {
		return nil, fmt.Errorf("%w: connection refused", scd.ErrStorageUnavailable)
	}
	return s.Store.ReadActiveVersions(ctx, spec)
}

func (s *unavailableStore) Begin(ctx context.Context) (scd.Tx, error) {
	if s.failBegin {
		return nil, fmt.Errorf("%w: connection refused", scd.ErrStorageUnavailable)
	}
	return s.Store.Begin(ctx)
}

func TestSCD_Core_ApplyMerge_StorageUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	batch := accountBatch(
		accountRow(1, "basic", "a@x.io", day0, day1),
		accountRow(2, "pro", "b@x.io", day0, day1),
	)

	tests := []struct {
		name  string
		store func(scd.Store) scd.Store
	}{
		{
			name:  "read of active versions fails",
			store: func(s scd.Store) scd.Store { return &unavailableStore{Store: s, failRead: true} },
		},
		{
			name:  "begin fails",
			store: func(s scd.Store) scd.Store { return &unavailableStore{Store: s, failBegin: true} },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newMergeFixture(t, tt.store, func(cfg *scd.MergerConfig) { cfg.MaxAttempts = 5 })

			res, err := f.merger.ApplyMerge(ctx, batch, accountsConfig)
			require.ErrorIs(t, err, scd.ErrStorageUnavailable)
			require.NotErrorIs(t, err, scd.ErrWriteConflict)
			require.Equal(t, 1, res.Attempts, "unavailable storage is not retried")

			all, err := f.store.ReadVersions(ctx, f.spec, nil)
			require.NoError(t, err)
			require.Empty(t, all)
			require.Empty(t, f.store.Runs("accounts"))
		})
	}
}

func TestSCD_Core_ApplyMerge_ConcurrentIdenticalInsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	batch := accountBatch(
		accountRow(1, "basic", "a@x.io", day0, day1),
		accountRow(2, "pro", "b@x.io", day0, day1),
	)

	var wrapped *interferingStore
	f := newMergeFixture(t, func(s scd.Store) scd.Store {
		wrapped = &interferingStore{Store: s}
		return wrapped
	})
	other, err := scd.NewMerger(scd.MergerConfig{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Clock:  f.clock,
		Store:  f.store,
	})
	require.NoError(t, err)
	t.Cleanup(other.Close)

	// Another writer applies the same batch between classification and write.
	wrapped.interfere = func(ctx context.Context) error {
		_, err := other.ApplyMerge(ctx, batch, accountsConfig)
		return err
	}

	res, err := f.merger.ApplyMerge(ctx, batch, accountsConfig)
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 2, res.Classes[scd.ClassNew])
	require.Equal(t, scd.Counts{}, res.Counts, "rows written by the other writer are not counted")

	runs := f.store.Runs("accounts")
	require.Len(t, runs, 1)
	require.Zero(t, runs[0].Inserted)

	all, err := f.store.ReadVersions(ctx, f.spec, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	f.requireTableInvariants(t)
}

func TestSCD_Core_NewMerger_Validate(t *testing.T) {
	t.Parallel()

	_, err := scd.NewMerger(scd.MergerConfig{Store: memstore.New()})
	require.ErrorContains(t, err, "logger is required")

	_, err = scd.NewMerger(scd.MergerConfig{Logger: slog.Default()})
	require.ErrorContains(t, err, "store is required")
}
