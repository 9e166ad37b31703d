// Package models defines data structures and domain types.
package models

import (
	"encoding/json"
	"maps"
	"strings"
	"time"
)

// StorageVersion is the accounts file schema version this module reads.
const StorageVersion = 4

// CachedQuota is the last observed quota state of one model for one account.
type CachedQuota struct {
	ResetTime         time.Time `json:"resetTime,omitzero"`
	RemainingFraction float64   `json:"remainingFraction"`
	ModelCount        int       `json:"modelCount"`
}

// UsedPercent returns the used share of the quota as a percentage.
func (q CachedQuota) UsedPercent() float64 {
	return (1 - q.RemainingFraction) * 100
}

// ModelFamily returns the family a model's rate limits are tracked under.
func ModelFamily(modelID string) string {
	id := strings.ToLower(strings.TrimSpace(modelID))
	switch {
	case strings.HasPrefix(id, "claude"):
		return "claude"
	case strings.HasPrefix(id, "gemini"):
		return "gemini"
	default:
		return id
	}
}

// ManagedAccount is one credentialed identity in the pool.
// Index is assigned from the position in AccountStorage.Accounts and never
// changes while the process runs. Removed marks an account that a reload no
// longer found in the file; it keeps its slot but is never selected.
type ManagedAccount struct {
	RateLimitResetTimes  map[string]time.Time
	CachedQuota          map[string]CachedQuota
	CachedQuotaUpdatedAt time.Time
	AddedAt              time.Time
	LastUsed             time.Time
	Email                string
	RefreshToken         string
	ProjectID            string
	Index                int
	Enabled              bool
	Removed              bool
}

// IsRateLimited reports whether the account is cooling down for family at now.
func (a *ManagedAccount) IsRateLimited(family string, now time.Time) bool {
	reset, ok := a.RateLimitResetTimes[family]
	return ok && reset.After(now)
}

// Quota returns the cached quota for modelID, if any.
func (a *ManagedAccount) Quota(modelID string) (CachedQuota, bool) {
	q, ok := a.CachedQuota[modelID]
	return q, ok
}

// RefreshKey returns the account's normalized refresh token.
func (a *ManagedAccount) RefreshKey() (string, bool) {
	return OAuthAuthDetails{RefreshToken: a.RefreshToken}.RefreshKey()
}

// Clone returns a deep copy of the account.
func (a *ManagedAccount) Clone() ManagedAccount {
	clone := *a
	if a.RateLimitResetTimes != nil {
		clone.RateLimitResetTimes = make(map[string]time.Time, len(a.RateLimitResetTimes))
		maps.Copy(clone.RateLimitResetTimes, a.RateLimitResetTimes)
	}
	if a.CachedQuota != nil {
		clone.CachedQuota = make(map[string]CachedQuota, len(a.CachedQuota))
		maps.Copy(clone.CachedQuota, a.CachedQuota)
	}
	return clone
}

// AccountStorage is the persisted collection of accounts.
// The order of Accounts defines index assignment and must be preserved.
type AccountStorage struct {
	Accounts    []ManagedAccount
	Version     int
	ActiveIndex int
}

// AssignIndices sets every account's Index to its position.
func (s *AccountStorage) AssignIndices() {
	for i := range s.Accounts {
		s.Accounts[i].Index = i
	}
}

// Clone returns a deep copy of the storage.
func (s *AccountStorage) Clone() AccountStorage {
	clone := AccountStorage{
		Version:     s.Version,
		ActiveIndex: s.ActiveIndex,
		Accounts:    make([]ManagedAccount, len(s.Accounts)),
	}
	for i := range s.Accounts {
		clone.Accounts[i] = s.Accounts[i].Clone()
	}
	return clone
}

// RawCachedQuota is the JSON form of a cached quota entry.
type RawCachedQuota struct {
	ResetTime         json.RawMessage `json:"resetTime,omitempty"`
	RemainingFraction float64         `json:"remainingFraction"`
	ModelCount        int             `json:"modelCount"`
}

// RawAccountData represents the JSON structure of an account in the accounts file.
type RawAccountData struct {
	RateLimitResetTimes  map[string]float64        `json:"rateLimitResetTimes,omitempty"`
	CachedQuota          map[string]RawCachedQuota `json:"cachedQuota,omitempty"`
	Enabled              *bool                     `json:"enabled,omitempty"`
	Email                string                    `json:"email"`
	RefreshToken         string                    `json:"refreshToken"`
	ProjectID            string                    `json:"projectId,omitempty"`
	CachedQuotaUpdatedAt json.RawMessage           `json:"cachedQuotaUpdatedAt,omitempty"`
	AddedAt              json.RawMessage           `json:"addedAt,omitempty"`
	LastUsed             json.RawMessage           `json:"lastUsed,omitempty"`
}

// RawAccountsFile represents the top-level structure of the accounts JSON file.
type RawAccountsFile struct {
	Accounts    []RawAccountData `json:"accounts"`
	Version     int              `json:"version"`
	ActiveIndex int              `json:"activeIndex"`
}

// ToAccount converts RawAccountData to a ManagedAccount, parsing date fields.
// Index is left for the caller to assign.
func (r *RawAccountData) ToAccount() ManagedAccount {
	acc := ManagedAccount{
		Email:        r.Email,
		RefreshToken: r.RefreshToken,
		ProjectID:    r.ProjectID,
		Enabled:      r.Enabled == nil || *r.Enabled,
	}

	if len(r.RateLimitResetTimes) > 0 {
		acc.RateLimitResetTimes = make(map[string]time.Time, len(r.RateLimitResetTimes))
		for family, v := range r.RateLimitResetTimes {
			acc.RateLimitResetTimes[family] = unixToTime(v)
		}
	}

	if len(r.CachedQuota) > 0 {
		acc.CachedQuota = make(map[string]CachedQuota, len(r.CachedQuota))
		for model, q := range r.CachedQuota {
			acc.CachedQuota[model] = CachedQuota{
				RemainingFraction: q.RemainingFraction,
				ModelCount:        q.ModelCount,
				ResetTime:         parseTimeField(q.ResetTime),
			}
		}
	}

	acc.CachedQuotaUpdatedAt = parseTimeField(r.CachedQuotaUpdatedAt)
	acc.AddedAt = parseTimeField(r.AddedAt)
	acc.LastUsed = parseTimeField(r.LastUsed)

	return acc
}

// ToStorage converts the raw file into AccountStorage with indices assigned.
func (f *RawAccountsFile) ToStorage() AccountStorage {
	storage := AccountStorage{
		Version:     f.Version,
		ActiveIndex: f.ActiveIndex,
		Accounts:    make([]ManagedAccount, len(f.Accounts)),
	}
	for i := range f.Accounts {
		storage.Accounts[i] = f.Accounts[i].ToAccount()
	}
	storage.AssignIndices()
	return storage
}

// parseTimeField attempts to parse a JSON time value as either ISO string or Unix timestamp.
// null, 0 and unparseable values yield the zero time.
func parseTimeField(data json.RawMessage) time.Time {
	if len(data) == 0 || strings.TrimSpace(string(data)) == "null" {
		return time.Time{}
	}

	var strVal string
	if err := json.Unmarshal(data, &strVal); err == nil {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z"} {
			if t, err := time.Parse(layout, strVal); err == nil {
				return t
			}
		}
		return time.Time{}
	}

	var numVal float64
	if err := json.Unmarshal(data, &numVal); err == nil {
		return unixToTime(numVal)
	}

	return time.Time{}
}

// unixToTime interprets v as milliseconds when large enough, otherwise seconds.
func unixToTime(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(int64(v))
	}
	return time.Unix(int64(v), 0)
}
