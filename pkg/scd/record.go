package scd

import (
	"fmt"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.DateOnly,
}

// NewSourceRecord splits a source row into key and attributes, reads its
// effective timestamps and computes its digests.
func NewSourceRecord(cfg MergeConfig, spec TableSpec, pos int, row Row) (SourceRecord, error) {
	rec := SourceRecord{
		Position:   pos,
		Key:        pick(row, spec.KeyColumns),
		Attributes: pick(row, spec.AttributeColumns),
	}

	effectiveAt, err := parseTimestamp(row[cfg.EffectiveFromColumn])
	if err != nil {
		return SourceRecord{}, fmt.Errorf("%w: row %d column %s: %v", ErrInvalidRecord, pos, cfg.EffectiveFromColumn, err)
	}
	if effectiveAt == nil {
		return SourceRecord{}, fmt.Errorf("%w: row %d column %s is null", ErrInvalidRecord, pos, cfg.EffectiveFromColumn)
	}
	rec.EffectiveAt = *effectiveAt

	if col := cfg.initialEffectiveFromColumn(); col != cfg.EffectiveFromColumn {
		initial, err := parseTimestamp(row[col])
		if err != nil {
			return SourceRecord{}, fmt.Errorf("%w: row %d column %s: %v", ErrInvalidRecord, pos, col, err)
		}
		rec.InitialEffectiveAt = initial
	}

	rec.TrackedDigest = DigestRow(rec.Attributes, spec.TrackedColumns)
	rec.FullDigest = DigestRow(rec.Attributes, spec.AttributeColumns)
	return rec, nil
}

// parseTimestamp returns nil for a null value. Timestamps without a zone are
// read as UTC.
func parseTimestamp(v any) (*time.Time, error) {
	var t time.Time
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t = x
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		t = *x
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		var err error
		for _, layout := range timestampLayouts {
			if t, err = time.Parse(layout, s); err == nil {
				break
			}
		}
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q", x)
		}
	case int64:
		t = time.UnixMicro(x)
	default:
		return nil, fmt.Errorf("unsupported timestamp type %T", v)
	}
	t = t.UTC().Truncate(time.Microsecond)
	return &t, nil
}
