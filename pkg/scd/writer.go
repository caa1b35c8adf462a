package scd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Writer applies a MutationSet to a Store in one transaction.
type Writer struct {
	log   *slog.Logger
	store Store
}

func NewWriter(log *slog.Logger, store Store) *Writer {
	return &Writer{log: log, store: store}
}

// Apply writes the mutations of one batch. Version changes are applied first
// (close, then insert the successor), then attribute updates, then inserts of
// new entities. If run is not nil and the transaction implements RunRecorder,
// the run is recorded in the same transaction. Any failure rolls back every
// mutation of the batch.
func (w *Writer) Apply(ctx context.Context, spec TableSpec, set MutationSet, run *Run) (counts Counts, err error) {
	if set.Empty() && run == nil {
		return Counts{}, nil
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			w.log.Warn("scd: failed to roll back transaction", "table", spec.Table, "error", rbErr)
		}
	}()

	for _, vc := range set.VersionChanges {
		if err := tx.Close(ctx, spec, vc.Expire); err != nil {
			return Counts{}, fmt.Errorf("failed to close version %d: %w", vc.Expire.SurrogateKey, err)
		}
		counts.Closed++
		_, created, err := tx.Insert(ctx, spec, []VersionedRecord{vc.Successor})
		if err != nil {
			return Counts{}, fmt.Errorf("failed to insert successor of version %d: %w", vc.Expire.SurrogateKey, err)
		}
		counts.Inserted += created
	}

	for _, u := range set.AttributeUpdates {
		if err := tx.Update(ctx, spec, u); err != nil {
			return Counts{}, fmt.Errorf("failed to update version %d: %w", u.SurrogateKey, err)
		}
		counts.Updated++
	}

	if len(set.Inserts) > 0 {
		keys, created, err := tx.Insert(ctx, spec, set.Inserts)
		if err != nil {
			return Counts{}, fmt.Errorf("failed to insert new versions: %w", err)
		}
		if len(keys) != len(set.Inserts) {
			return Counts{}, fmt.Errorf("%w: inserted %d rows, expected %d", ErrInvariantViolation, len(keys), len(set.Inserts))
		}
		counts.Inserted += created
	}

	if run != nil {
		run.Inserted, run.Updated, run.Closed = counts.Inserted, counts.Updated, counts.Closed
		if rec, ok := tx.(RunRecorder); ok {
			if err := rec.RecordRun(ctx, spec, *run); err != nil {
				return Counts{}, fmt.Errorf("failed to record run %s: %w", run.ID, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if errors.Is(err, ErrWriteConflict) {
			return Counts{}, err
		}
		return Counts{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	w.log.Debug("scd: applied mutations", "table", spec.Table,
		"inserted", counts.Inserted, "updated", counts.Updated, "closed", counts.Closed)
	return counts, nil
}
