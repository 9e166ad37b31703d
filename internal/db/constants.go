package db

// SQL fragments shared by query builders.
const (
	// sqlTimeLayout is the UTC layout timestamps are stored in, compatible
	// with SQLite date functions.
	sqlTimeLayout = "2006-01-02 15:04:05"

	// sqlWindowClause filters rows to a window relative to now, e.g. '-3600 seconds'.
	sqlWindowClause = "timestamp >= datetime('now', ?)"
)
