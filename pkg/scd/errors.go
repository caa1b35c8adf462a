package scd

import "errors"

var (
	// ErrConfiguration reports column lists that do not fit the source batch or
	// the target table. It is raised before any mutation is attempted.
	ErrConfiguration = errors.New("invalid merge configuration")

	// ErrInvalidRecord reports a source row that cannot be merged, such as one
	// without a usable effective timestamp.
	ErrInvalidRecord = errors.New("invalid source record")

	// ErrOutOfOrder reports a tracked change that does not start strictly after
	// the active version it would supersede.
	ErrOutOfOrder = errors.New("out of order version change")

	// ErrInvariantViolation reports a target table that already breaks the
	// one-active-version-per-key invariant.
	ErrInvariantViolation = errors.New("versioned table invariant violated")

	// ErrWriteConflict reports that a row changed between classification and
	// write. The batch is rolled back and may be retried as a whole.
	ErrWriteConflict = errors.New("write conflict")

	// ErrStorageUnavailable reports that the store could not be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
