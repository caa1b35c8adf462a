package scd

import (
	"fmt"
	"sort"
)

// Classify joins deduplicated incoming records to the active versions sharing
// their business key and labels each one.
//
// When a batch holds several records for one key, the one with the latest
// EffectiveAt wins and ties go to the later batch position. Output rows are
// ordered by the batch position of the winning record.
func Classify(spec TableSpec, records []SourceRecord, active []VersionedRecord) (ClassifiedBatch, error) {
	activeByKey := make(map[string]*VersionedRecord, len(active))
	for i := range active {
		v := &active[i]
		if !v.Active() {
			continue
		}
		k := EncodeKey(v.Key, spec.KeyColumns)
		if prev, ok := activeByKey[k]; ok {
			return ClassifiedBatch{}, fmt.Errorf("%w: table %s has active versions %d and %d for key %v",
				ErrInvariantViolation, spec.Table, prev.SurrogateKey, v.SurrogateKey, v.Key)
		}
		activeByKey[k] = v
	}

	winners := make(map[string]SourceRecord, len(records))
	for _, rec := range records {
		k := EncodeKey(rec.Key, spec.KeyColumns)
		if prev, ok := winners[k]; ok && supersedes(prev, rec) {
			continue
		}
		winners[k] = rec
	}

	out := ClassifiedBatch{
		Rows:    make([]Classified, 0, len(winners)),
		Dropped: len(records) - len(winners),
	}
	for k, rec := range winners {
		match := activeByKey[k]
		out.Rows = append(out.Rows, Classified{
			Record: rec,
			Class:  classify(rec, match),
			Match:  match,
		})
	}
	sort.Slice(out.Rows, func(i, j int) bool {
		return out.Rows[i].Record.Position < out.Rows[j].Record.Position
	})
	return out, nil
}

// supersedes reports whether a already beats b for the same key.
func supersedes(a, b SourceRecord) bool {
	if a.EffectiveAt.Equal(b.EffectiveAt) {
		return a.Position > b.Position
	}
	return a.EffectiveAt.After(b.EffectiveAt)
}

func classify(rec SourceRecord, match *VersionedRecord) Class {
	switch {
	case match == nil:
		return ClassNew
	case rec.FullDigest == match.FullDigest:
		return ClassUnchanged
	case rec.TrackedDigest == match.TrackedDigest:
		return ClassAttributeUpdate
	default:
		return ClassVersionChange
	}
}
