package core

import (
	"context"
	"fmt"
)

// cleanRows deletes every row inserted into the fixture database's kv table
// after the instance's baseline ID, without closing the underlying
// connection. It backs ReleaseClean: the ad hoc counterpart to purgeHandle's
// prepared-statement fast path used by ReleasePurge. Building the query on
// every call (rather than preparing it once) costs one extra planning step
// per release in exchange for not needing a second dedicated connection —
// an acceptable trade for the strategy meant to be simplest to reason about.
func (i *Instance) cleanRows(ctx context.Context) error {
	db := i.db.Load()
	if db == nil {
		return fmt.Errorf("clean rows: instance has no open database")
	}

	result, err := db.ExecContext(ctx, "DELETE FROM kv WHERE id > ?", i.baselineID.Load())
	if err != nil {
		return fmt.Errorf("delete rows above baseline: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rowsAffected == 0 {
		i.log.Debug("clean: no rows to delete")
	} else {
		i.log.Debug("clean: deleted rows", "rows_affected", rowsAffected)
	}

	return nil
}
