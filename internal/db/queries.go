package db

import (
	"context"
	"fmt"
	"time"

	"github.com/j-veylop/antigravity-account-pool/internal/logger"
	"github.com/j-veylop/antigravity-account-pool/internal/models"
)

// InsertSelection appends a selection to the audit log and sets its ID.
func (db *DB) InsertSelection(sel *models.Selection) error {
	query := `
		INSERT INTO selections (
			timestamp, account_index, email, provider, model, family,
			threshold_percent, cursor
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	timestamp := sel.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	result, err := db.ExecContext(context.Background(), query,
		timestamp.UTC().Format(sqlTimeLayout),
		sel.AccountIndex,
		sel.Email,
		sel.Provider,
		sel.Model,
		sel.Family,
		sel.ThresholdPercent,
		int64(sel.Cursor), //nolint:gosec // cursor values stay far below MaxInt64
	)
	if err != nil {
		return fmt.Errorf("failed to insert selection: %w", err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		sel.ID = id
	}

	return nil
}

// RecentSelections returns the most recent selections, newest first.
func (db *DB) RecentSelections(limit int) ([]models.Selection, error) {
	query := `
		SELECT id, timestamp, account_index, email, provider, model, family,
			   threshold_percent, cursor
		FROM selections
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`

	rows, err := db.QueryContext(context.Background(), query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent selections: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("failed to close rows", "error", err)
		}
	}()

	var selections []models.Selection
	for rows.Next() {
		var sel models.Selection
		var cursor int64

		err := rows.Scan(
			&sel.ID,
			&sel.Timestamp,
			&sel.AccountIndex,
			&sel.Email,
			&sel.Provider,
			&sel.Model,
			&sel.Family,
			&sel.ThresholdPercent,
			&cursor,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan selection: %w", err)
		}

		sel.Cursor = uint64(cursor) //nolint:gosec // stored from a uint64
		selections = append(selections, sel)
	}

	return selections, rows.Err()
}

// SelectionCounts returns how many times each account was selected within
// the given window, keyed by email.
func (db *DB) SelectionCounts(window time.Duration) (map[string]int, error) {
	query := `
		SELECT email, COUNT(*)
		FROM selections
		WHERE ` + sqlWindowClause + `
		GROUP BY email
	`

	rows, err := db.QueryContext(context.Background(), query, fmt.Sprintf("-%d seconds", int64(window.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to query selection counts: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("failed to close rows", "error", err)
		}
	}()

	counts := make(map[string]int)
	for rows.Next() {
		var email string
		var n int
		if err := rows.Scan(&email, &n); err != nil {
			return nil, fmt.Errorf("failed to scan selection count: %w", err)
		}
		counts[email] = n
	}

	return counts, rows.Err()
}

// CursorState is the newest rotation cursor recorded for a provider and family.
type CursorState struct {
	Provider string
	Family   string
	Cursor   uint64
}

// LastCursors returns the cursor of the most recent selection per
// provider and family.
func (db *DB) LastCursors() ([]CursorState, error) {
	query := `
		SELECT provider, family, cursor
		FROM selections
		WHERE id IN (
			SELECT MAX(id) FROM selections GROUP BY provider, family
		)
		ORDER BY provider, family
	`

	rows, err := db.QueryContext(context.Background(), query)
	if err != nil {
		return nil, fmt.Errorf("failed to query last cursors: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("failed to close rows", "error", err)
		}
	}()

	var states []CursorState
	for rows.Next() {
		var s CursorState
		var cursor int64
		if err := rows.Scan(&s.Provider, &s.Family, &cursor); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		s.Cursor = uint64(cursor) //nolint:gosec // stored from a uint64
		states = append(states, s)
	}

	return states, rows.Err()
}

// InsertQuotaSnapshot records a point-in-time quota reading.
func (db *DB) InsertQuotaSnapshot(snapshot *models.QuotaSnapshot) error {
	query := `
		INSERT INTO quota_snapshots (
			timestamp, account_index, email, model, remaining_fraction, reset_time_ms
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	timestamp := snapshot.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	var resetMs int64
	if !snapshot.ResetTime.IsZero() {
		resetMs = snapshot.ResetTime.UnixMilli()
	}

	result, err := db.ExecContext(context.Background(), query,
		timestamp.UTC().Format(sqlTimeLayout),
		snapshot.AccountIndex,
		snapshot.Email,
		snapshot.Model,
		snapshot.RemainingFraction,
		resetMs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert quota snapshot: %w", err)
	}

	id, err := result.LastInsertId()
	if err == nil {
		snapshot.ID = id
	}

	return nil
}

// LatestQuotaSnapshots returns the newest snapshot per (email, model).
func (db *DB) LatestQuotaSnapshots() ([]models.QuotaSnapshot, error) {
	query := `
		SELECT q.id, q.timestamp, q.account_index, q.email, q.model,
			   q.remaining_fraction, q.reset_time_ms
		FROM quota_snapshots q
		WHERE q.id = (
			SELECT MAX(id) FROM quota_snapshots
			WHERE email = q.email AND model = q.model
		)
		ORDER BY q.account_index, q.model
	`

	rows, err := db.QueryContext(context.Background(), query)
	if err != nil {
		return nil, fmt.Errorf("failed to query quota snapshots: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("failed to close rows", "error", err)
		}
	}()

	var snapshots []models.QuotaSnapshot
	for rows.Next() {
		var s models.QuotaSnapshot
		var resetMs int64

		err := rows.Scan(
			&s.ID,
			&s.Timestamp,
			&s.AccountIndex,
			&s.Email,
			&s.Model,
			&s.RemainingFraction,
			&resetMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quota snapshot: %w", err)
		}

		if resetMs > 0 {
			s.ResetTime = time.UnixMilli(resetMs)
		}
		snapshots = append(snapshots, s)
	}

	return snapshots, rows.Err()
}

// PruneBefore deletes audit rows older than cutoff and returns how many were removed.
func (db *DB) PruneBefore(cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"selections", "quota_snapshots"} {
		result, err := db.ExecContext(context.Background(),
			"DELETE FROM "+table+" WHERE timestamp < ?", cutoff.UTC().Format(sqlTimeLayout))
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err == nil {
			total += n
		}
	}
	return total, nil
}
