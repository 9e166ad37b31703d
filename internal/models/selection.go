package models

import "time"

// Selection records one account chosen by the rotation engine.
type Selection struct {
	Timestamp        time.Time
	Email            string
	Provider         string
	Model            string
	Family           string
	ID               int64
	ThresholdPercent float64
	Cursor           uint64
	AccountIndex     int
}

// QuotaSnapshot is a point-in-time quota reading for one account and model.
type QuotaSnapshot struct {
	Timestamp         time.Time
	ResetTime         time.Time
	Email             string
	Model             string
	ID                int64
	RemainingFraction float64
	AccountIndex      int
}
