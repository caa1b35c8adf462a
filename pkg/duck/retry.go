package duck

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/hybridscd/pkg/scd"
)

// isTransactionConflictError reports whether err is a DuckDB or DuckLake
// transaction conflict. Such a transaction is rolled back and can be retried
// as a whole.
func isTransactionConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Transaction conflict") ||
		strings.Contains(msg, "Conflict on tuple deletion") ||
		strings.Contains(msg, "Conflict on update") ||
		strings.Contains(msg, "Failed to commit DuckLake transaction") ||
		strings.Contains(msg, "but another transaction has compacted it")
}

// classifyError maps transaction conflicts to scd.ErrWriteConflict so the
// merger retries the batch.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransactionConflictError(err) {
		return fmt.Errorf("%w: %s: %v", scd.ErrWriteConflict, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
