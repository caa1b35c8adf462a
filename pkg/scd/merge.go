package scd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/hybridscd/pkg/metrics"
)

const (
	defaultHashConcurrency    = 8
	defaultMaxAttempts        = 5
	defaultRetryInitialDelay  = 50 * time.Millisecond
	defaultRetryMaxDelay      = 5 * time.Second
	defaultRecordsPerHashTask = 1024
)

type MergerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  Store

	// HashConcurrency bounds the workers preparing source records.
	HashConcurrency int
	// MaxAttempts bounds the attempts of a batch that keeps hitting write
	// conflicts. 1 disables retries.
	MaxAttempts       uint
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	// TrackRuns records every committed run in the runs table of the target
	// when the store supports it.
	TrackRuns bool
}

func (cfg *MergerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.HashConcurrency < 0 {
		return errors.New("hash concurrency must not be negative")
	}

	// Optional with default
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HashConcurrency == 0 {
		cfg.HashConcurrency = defaultHashConcurrency
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = defaultRetryInitialDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	return nil
}

// Merger runs batches through hashing, classification, planning and writing.
type Merger struct {
	log    *slog.Logger
	cfg    MergerConfig
	writer *Writer
	pool   pond.ResultPool[[]SourceRecord]
}

func NewMerger(cfg MergerConfig) (*Merger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Merger{
		log:    cfg.Logger,
		cfg:    cfg,
		writer: NewWriter(cfg.Logger, cfg.Store),
		pool:   pond.NewResultPool[[]SourceRecord](cfg.HashConcurrency),
	}, nil
}

// Close stops the hashing workers.
func (m *Merger) Close() {
	m.pool.StopAndWait()
}

// Result summarizes one merge run.
type Result struct {
	RunID uuid.UUID
	// Rows is the number of source rows received.
	Rows    int
	Dropped int
	Classes map[Class]int
	Counts
	// Attempts is the number of times the batch was classified and written.
	Attempts int
}

// ApplyMerge merges one source batch into the target table described by cfg.
//
// The batch is classified against the active versions read from the store and
// the resulting mutations are written in one transaction. A write conflict
// aborts the whole batch; the batch is then re-read and re-classified, up to
// MaxAttempts times. Rows already applied by an earlier attempt classify as
// unchanged, so retries never duplicate versions.
func (m *Merger) ApplyMerge(ctx context.Context, batch Batch, cfg MergeConfig) (Result, error) {
	start := m.cfg.Clock.Now()
	res, err := m.applyMerge(ctx, batch, cfg)
	table := cfg.Table

	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrWriteConflict):
		outcome = "conflict"
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrInvalidRecord):
		outcome = "rejected"
	case errors.Is(err, ErrOutOfOrder):
		outcome = "out_of_order"
	default:
		outcome = "error"
	}
	metrics.MergeRunsTotal.WithLabelValues(table, outcome).Inc()
	metrics.MergeDuration.WithLabelValues(table).Observe(m.cfg.Clock.Since(start).Seconds())

	if err != nil {
		m.log.Error("scd: merge failed", "table", table, "run_id", res.RunID, "attempts", res.Attempts, "error", err)
		return res, err
	}

	for class, n := range res.Classes {
		metrics.MergeRowsTotal.WithLabelValues(table, class.String()).Add(float64(n))
	}
	metrics.MergeDroppedRowsTotal.WithLabelValues(table).Add(float64(res.Dropped))
	metrics.MergeMutationsTotal.WithLabelValues(table, "insert").Add(float64(res.Inserted))
	metrics.MergeMutationsTotal.WithLabelValues(table, "update").Add(float64(res.Updated))
	metrics.MergeMutationsTotal.WithLabelValues(table, "close").Add(float64(res.Closed))

	m.log.Info("scd: merge completed",
		"table", table,
		"run_id", res.RunID,
		"rows", res.Rows,
		"dropped", res.Dropped,
		"new", res.Classes[ClassNew],
		"unchanged", res.Classes[ClassUnchanged],
		"attribute_updates", res.Classes[ClassAttributeUpdate],
		"version_changes", res.Classes[ClassVersionChange],
		"inserted", res.Inserted,
		"updated", res.Updated,
		"closed", res.Closed,
		"attempts", res.Attempts,
		"duration", m.cfg.Clock.Since(start).String())
	return res, nil
}

func (m *Merger) applyMerge(ctx context.Context, batch Batch, cfg MergeConfig) (Result, error) {
	res := Result{RunID: uuid.New(), Rows: len(batch.Rows)}

	spec, err := cfg.Spec()
	if err != nil {
		return res, err
	}
	if len(batch.Rows) > 0 || len(batch.Columns) > 0 {
		if err := cfg.ValidateSource(batch.columnsOf()); err != nil {
			return res, err
		}
	}

	columns, err := m.cfg.Store.Columns(ctx, spec.Table)
	if err != nil {
		return res, fmt.Errorf("failed to read columns of %s: %w", spec.Table, err)
	}
	if err := spec.ValidateTarget(columns); err != nil {
		return res, err
	}

	records, err := m.prepare(ctx, cfg, spec, batch.Rows)
	if err != nil {
		return res, err
	}

	startedAt := m.now()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitialDelay
	b.MaxInterval = m.cfg.RetryMaxDelay

	attempts := 0
	out, err := backoff.Retry(ctx, func() (Result, error) {
		attempts++
		attempt, err := m.attempt(ctx, spec, records, res.RunID, startedAt)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, ErrWriteConflict) {
			return attempt, backoff.Permanent(err)
		}
		metrics.MergeConflictsTotal.WithLabelValues(spec.Table).Inc()
		if attempts < int(m.cfg.MaxAttempts) {
			m.log.Warn("scd: write conflict, retrying batch", "table", spec.Table, "run_id", res.RunID, "attempt", attempts, "max_attempts", m.cfg.MaxAttempts, "error", err)
		}
		return attempt, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(m.cfg.MaxAttempts))
	out.RunID, out.Rows, out.Attempts = res.RunID, res.Rows, attempts
	return out, err
}

// attempt reads the active versions, classifies the records against them and
// writes the plan.
func (m *Merger) attempt(ctx context.Context, spec TableSpec, records []SourceRecord, runID uuid.UUID, startedAt time.Time) (Result, error) {
	var res Result

	active, err := m.cfg.Store.ReadActiveVersions(ctx, spec)
	if err != nil {
		return res, fmt.Errorf("failed to read active versions of %s: %w", spec.Table, err)
	}

	classified, err := Classify(spec, records, active)
	if err != nil {
		return res, err
	}
	res.Dropped = classified.Dropped
	res.Classes = classified.CountByClass()
	if classified.Dropped > 0 {
		m.log.Debug("scd: dropped superseded in-batch duplicates", "table", spec.Table, "run_id", runID, "dropped", classified.Dropped)
	}

	now := m.now()
	set, err := Plan(spec, classified, now)
	if err != nil {
		return res, err
	}

	var run *Run
	if m.cfg.TrackRuns {
		run = &Run{
			ID:               runID,
			Table:            spec.Table,
			StartedAt:        startedAt,
			FinishedAt:       now,
			Rows:             len(records),
			Dropped:          classified.Dropped,
			New:              res.Classes[ClassNew],
			Unchanged:        res.Classes[ClassUnchanged],
			AttributeUpdates: res.Classes[ClassAttributeUpdate],
			VersionChanges:   res.Classes[ClassVersionChange],
		}
	}

	counts, err := m.writer.Apply(ctx, spec, set, run)
	if err != nil {
		return res, err
	}
	res.Counts = counts
	return res, nil
}

// prepare builds the source records of a batch on the hashing pool. Records
// keep their batch order.
func (m *Merger) prepare(ctx context.Context, cfg MergeConfig, spec TableSpec, rows []Row) ([]SourceRecord, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	group := m.pool.NewGroupContext(ctx)
	for lo := 0; lo < len(rows); lo += defaultRecordsPerHashTask {
		hi := min(lo+defaultRecordsPerHashTask, len(rows))
		group.SubmitErr(func() ([]SourceRecord, error) {
			out := make([]SourceRecord, 0, hi-lo)
			for i := lo; i < hi; i++ {
				rec, err := NewSourceRecord(cfg, spec, i, rows[i])
				if err != nil {
					return nil, err
				}
				out = append(out, rec)
			}
			return out, nil
		})
	}

	chunks, err := group.Wait()
	if err != nil {
		return nil, err
	}
	records := make([]SourceRecord, 0, len(rows))
	for _, chunk := range chunks {
		records = append(records, chunk...)
	}
	return records, nil
}

// now returns the current time at the precision versions are stored with.
func (m *Merger) now() time.Time {
	return m.cfg.Clock.Now().UTC().Truncate(time.Microsecond)
}
