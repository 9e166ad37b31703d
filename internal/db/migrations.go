package db

import (
	"context"
	"fmt"
)

// FixLegacyTimeFormats rewrites timestamps written in Go's default time.Time
// string form (with a " +0000 UTC" suffix) into the layout SQLite's date
// functions understand.
func (db *DB) FixLegacyTimeFormats() error {
	for _, table := range []string{"selections", "quota_snapshots"} {
		query := fmt.Sprintf(`UPDATE %s
			SET timestamp = SUBSTR(timestamp, 1, 19)
			WHERE length(timestamp) > 19 AND timestamp LIKE '%% UTC'`, table)
		if _, err := db.ExecContext(context.Background(), query); err != nil {
			return fmt.Errorf("failed to fix legacy time formats in %s: %w", table, err)
		}
	}
	return nil
}
