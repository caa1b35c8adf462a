package scd

import (
	"time"
)

// Row is one record keyed by column name.
type Row map[string]any

// Batch is a set of incoming source rows sharing one schema.
type Batch struct {
	Columns []string
	Rows    []Row
}

// Status is the persisted lifecycle state of a version.
type Status string

const (
	StatusActive Status = "A"
	StatusClosed Status = "I"
)

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusClosed
}

// Bookkeeping column names of a versioned table.
const (
	ColSurrogateKey  = "surrogate_key"
	ColTrackedDigest = "tracked_digest"
	ColFullDigest    = "full_digest"
	ColStatus        = "status"
	ColEffectiveFrom = "effective_from"
	ColEffectiveTo   = "effective_to"
	ColCreatedAt     = "created_at"
	ColUpdatedAt     = "updated_at"
)

// BookkeepingColumns lists the columns every versioned table carries in addition
// to its business-key and attribute columns.
var BookkeepingColumns = []string{
	ColSurrogateKey,
	ColTrackedDigest,
	ColFullDigest,
	ColStatus,
	ColEffectiveFrom,
	ColEffectiveTo,
	ColCreatedAt,
	ColUpdatedAt,
}

// SourceRecord is one incoming observation of an entity, augmented with digests.
type SourceRecord struct {
	// Position is the index of the row in its batch.
	Position           int
	Key                Row
	Attributes         Row
	InitialEffectiveAt *time.Time
	EffectiveAt        time.Time
	TrackedDigest      Digest
	FullDigest         Digest
}

// VersionedRecord is one version of one entity in the target table.
type VersionedRecord struct {
	SurrogateKey  int64
	Key           Row
	Attributes    Row
	TrackedDigest Digest
	FullDigest    Digest
	Status        Status
	EffectiveFrom time.Time
	// EffectiveTo is nil while the version is active.
	EffectiveTo *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r VersionedRecord) Active() bool {
	return r.Status == StatusActive && r.EffectiveTo == nil
}

// Class is the outcome of classifying one incoming record against the target.
type Class int

const (
	ClassNew Class = iota
	ClassUnchanged
	ClassAttributeUpdate
	ClassVersionChange
)

var classNames = [...]string{
	ClassNew:             "new",
	ClassUnchanged:       "unchanged",
	ClassAttributeUpdate: "attribute_update",
	ClassVersionChange:   "version_change",
}

// Classes lists every classification in declaration order.
var Classes = []Class{ClassNew, ClassUnchanged, ClassAttributeUpdate, ClassVersionChange}

func (c Class) String() string {
	if c < 0 || int(c) >= len(classNames) {
		return "unknown"
	}
	return classNames[c]
}

// Classified pairs an incoming record with its classification and, unless it is
// new, the active version it was matched to.
type Classified struct {
	Record SourceRecord
	Class  Class
	Match  *VersionedRecord
}

// ClassifiedBatch is the output of the classifier.
type ClassifiedBatch struct {
	Rows []Classified
	// Dropped counts earlier in-batch duplicates superseded by a later record
	// for the same business key.
	Dropped int
}

// CountByClass returns how many rows fall in each class.
func (b ClassifiedBatch) CountByClass() map[Class]int {
	counts := make(map[Class]int, len(Classes))
	for _, c := range b.Rows {
		counts[c.Class]++
	}
	return counts
}

// AttributeUpdate overwrites the untracked attributes of an active version.
type AttributeUpdate struct {
	SurrogateKey int64
	Key          Row
	// Attributes holds the untracked column values to write.
	Attributes         Row
	ExpectedFullDigest Digest
	FullDigest         Digest
	UpdatedAt          time.Time
}

// Expiry closes an active version.
type Expiry struct {
	SurrogateKey       int64
	Key                Row
	ExpectedFullDigest Digest
	EffectiveTo        time.Time
	UpdatedAt          time.Time
}

// VersionChange closes one version and opens its successor. Both halves are
// applied in the same store transaction.
type VersionChange struct {
	Expire    Expiry
	Successor VersionedRecord
}

// MutationSet is the plan the writer applies for one batch.
type MutationSet struct {
	Inserts          []VersionedRecord
	AttributeUpdates []AttributeUpdate
	VersionChanges   []VersionChange
}

func (m MutationSet) Empty() bool {
	return len(m.Inserts) == 0 && len(m.AttributeUpdates) == 0 && len(m.VersionChanges) == 0
}

// Counts reports the rows touched by the writer.
type Counts struct {
	Inserted int
	Updated  int
	Closed   int
}
