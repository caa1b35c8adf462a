package scd

import (
	"fmt"
	"time"
)

// Plan turns a classified batch into the mutations that bring the target table
// up to date. now stamps created_at and updated_at.
func Plan(spec TableSpec, batch ClassifiedBatch, now time.Time) (MutationSet, error) {
	var set MutationSet
	for _, c := range batch.Rows {
		rec := c.Record
		switch c.Class {
		case ClassNew:
			from := rec.EffectiveAt
			if rec.InitialEffectiveAt != nil {
				from = *rec.InitialEffectiveAt
			}
			set.Inserts = append(set.Inserts, newVersion(rec, from, now))

		case ClassUnchanged:

		case ClassAttributeUpdate:
			if c.Match == nil {
				return MutationSet{}, fmt.Errorf("attribute update for key %v has no matched version", rec.Key)
			}
			set.AttributeUpdates = append(set.AttributeUpdates, AttributeUpdate{
				SurrogateKey:       c.Match.SurrogateKey,
				Key:                rec.Key,
				Attributes:         pick(rec.Attributes, spec.UntrackedColumns),
				ExpectedFullDigest: c.Match.FullDigest,
				FullDigest:         rec.FullDigest,
				UpdatedAt:          now,
			})

		case ClassVersionChange:
			if c.Match == nil {
				return MutationSet{}, fmt.Errorf("version change for key %v has no matched version", rec.Key)
			}
			if !rec.EffectiveAt.After(c.Match.EffectiveFrom) {
				return MutationSet{}, fmt.Errorf("%w: key %v changes at %s, active version %d starts at %s",
					ErrOutOfOrder, rec.Key, rec.EffectiveAt.Format(time.RFC3339Nano),
					c.Match.SurrogateKey, c.Match.EffectiveFrom.Format(time.RFC3339Nano))
			}
			set.VersionChanges = append(set.VersionChanges, VersionChange{
				Expire: Expiry{
					SurrogateKey:       c.Match.SurrogateKey,
					Key:                rec.Key,
					ExpectedFullDigest: c.Match.FullDigest,
					EffectiveTo:        rec.EffectiveAt,
					UpdatedAt:          now,
				},
				Successor: newVersion(rec, rec.EffectiveAt, now),
			})

		default:
			return MutationSet{}, fmt.Errorf("unknown classification %d for key %v", c.Class, rec.Key)
		}
	}
	return set, nil
}

func newVersion(rec SourceRecord, from, now time.Time) VersionedRecord {
	return VersionedRecord{
		Key:           rec.Key,
		Attributes:    rec.Attributes,
		TrackedDigest: rec.TrackedDigest,
		FullDigest:    rec.FullDigest,
		Status:        StatusActive,
		EffectiveFrom: from,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func pick(row Row, columns []string) Row {
	out := make(Row, len(columns))
	for _, col := range columns {
		out[col] = row[col]
	}
	return out
}
