// Package accounts selects accounts from a loaded pool and keeps the pool
// in sync with the accounts file.
package accounts

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/j-veylop/antigravity-account-pool/internal/models"
)

// ErrAccountNotFound is returned for an index outside the loaded pool.
var ErrAccountNotFound = errors.New("account not found")

// NoThreshold disables the soft quota filter.
const NoThreshold = 100.0

// Reason explains why an account is or is not selectable.
type Reason string

const (
	ReasonEligible    Reason = "eligible"
	ReasonDisabled    Reason = "disabled"
	ReasonRateLimited Reason = "rate_limited"
	ReasonOverQuota   Reason = "over_quota"
	ReasonRemoved     Reason = "removed"
)

// Eligibility is the filter outcome for one account.
type Eligibility struct {
	Account     models.ManagedAccount
	Reason      Reason
	UsedPercent float64
	HasQuota    bool
}

type cursorKey struct {
	provider string
	family   string
}

// Manager owns the loaded accounts and a rotation cursor per provider and family.
type Manager struct {
	mu          sync.Mutex
	accounts    []models.ManagedAccount
	cursors     map[cursorKey]uint64
	now         func() time.Time
	version     int
	activeIndex int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for rate limits and LastUsed.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager over storage. Indices are reassigned from
// account order so they are dense and zero-based.
func NewManager(storage models.AccountStorage, opts ...Option) *Manager {
	m := &Manager{
		cursors: make(map[cursorKey]uint64),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.load(storage)
	return m
}

func (m *Manager) load(storage models.AccountStorage) {
	s := storage.Clone()
	s.AssignIndices()
	m.accounts = s.Accounts
	m.version = s.Version
	m.activeIndex = s.ActiveIndex
}

// GetNextForFamily picks the next eligible account for modelID under family,
// rotating per (provider, family). It reports false when no account is
// eligible; the cursor only advances when an account is returned.
func (m *Manager) GetNextForFamily(provider, modelID, family string, thresholdPercent float64) (models.ManagedAccount, bool) {
	acc, _, ok := m.Select(provider, modelID, family, thresholdPercent)
	return acc, ok
}

// Select is GetNextForFamily that also reports the cursor value the pick
// was made with.
func (m *Manager) Select(provider, modelID, family string, thresholdPercent float64) (models.ManagedAccount, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	eligible := lo.Filter(m.accounts, func(acc models.ManagedAccount, _ int) bool {
		reason, _, _ := check(&acc, modelID, family, thresholdPercent, now)
		return reason == ReasonEligible
	})
	if len(eligible) == 0 {
		return models.ManagedAccount{}, 0, false
	}

	key := cursorKey{provider: provider, family: family}
	cursor := m.cursors[key]
	m.cursors[key] = cursor + 1

	selected := &m.accounts[eligible[cursor%uint64(len(eligible))].Index]
	selected.LastUsed = now
	m.activeIndex = selected.Index

	return selected.Clone(), cursor, true
}

// check applies the eligibility filter to one account.
func check(acc *models.ManagedAccount, modelID, family string, threshold float64, now time.Time) (Reason, float64, bool) {
	if acc.Removed {
		return ReasonRemoved, 0, false
	}
	if !acc.Enabled {
		return ReasonDisabled, 0, false
	}
	if acc.IsRateLimited(family, now) {
		return ReasonRateLimited, 0, false
	}

	quota, ok := acc.Quota(modelID)
	if !ok {
		return ReasonEligible, 0, false
	}
	used := quota.UsedPercent()
	if threshold < NoThreshold && used > threshold {
		return ReasonOverQuota, used, true
	}
	return ReasonEligible, used, true
}

// Eligibility reports the filter outcome for every account in index order.
func (m *Manager) Eligibility(modelID, family string, thresholdPercent float64) []Eligibility {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	return lo.Map(m.accounts, func(acc models.ManagedAccount, _ int) Eligibility {
		reason, used, hasQuota := check(&acc, modelID, family, thresholdPercent, now)
		return Eligibility{
			Account:     acc.Clone(),
			Reason:      reason,
			UsedPercent: used,
			HasQuota:    hasQuota,
		}
	})
}

// Cursor returns the number of selections made for provider and family.
func (m *Manager) Cursor(provider, family string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[cursorKey{provider: provider, family: family}]
}

// SeedCursor moves the cursor for provider and family forward to next.
// A cursor already past next is left alone.
func (m *Manager) SeedCursor(provider, family string, next uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cursorKey{provider: provider, family: family}
	m.cursors[key] = max(m.cursors[key], next)
}

// Families returns the families that have a rotation cursor, sorted.
func (m *Manager) Families() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	families := lo.Uniq(lo.MapToSlice(m.cursors, func(k cursorKey, _ uint64) string {
		return k.family
	}))
	slices.Sort(families)
	return families
}

// UpdateQuota replaces the cached quota of the account at index.
func (m *Manager) UpdateQuota(index int, quota map[string]models.CachedQuota, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.accountLocked(index)
	if err != nil {
		return err
	}
	acc.CachedQuota = make(map[string]models.CachedQuota, len(quota))
	for model, q := range quota {
		acc.CachedQuota[model] = q
	}
	acc.CachedQuotaUpdatedAt = at
	return nil
}

// MarkRateLimited makes the account at index ineligible for family until until.
func (m *Manager) MarkRateLimited(index int, family string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.accountLocked(index)
	if err != nil {
		return err
	}
	setRateLimit(acc, family, until)
	return nil
}

func setRateLimit(acc *models.ManagedAccount, family string, until time.Time) {
	if acc.RateLimitResetTimes == nil {
		acc.RateLimitResetTimes = make(map[string]time.Time)
	}
	acc.RateLimitResetTimes[family] = until
}

// ClearExpiredRateLimits drops reset times that have passed and returns how many were removed.
func (m *Manager) ClearExpiredRateLimits() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cleared := 0
	for i := range m.accounts {
		for family, reset := range m.accounts[i].RateLimitResetTimes {
			if !reset.After(now) {
				delete(m.accounts[i].RateLimitResetTimes, family)
				cleared++
			}
		}
	}
	return cleared
}

func (m *Manager) accountLocked(index int) (*models.ManagedAccount, error) {
	if index < 0 || index >= len(m.accounts) {
		return nil, ErrAccountNotFound
	}
	return &m.accounts[index], nil
}

// Account returns a copy of the account at index.
func (m *Manager) Account(index int) (models.ManagedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.accountLocked(index)
	if err != nil {
		return models.ManagedAccount{}, err
	}
	return acc.Clone(), nil
}

// Accounts returns a copy of all accounts in index order.
func (m *Manager) Accounts() []models.ManagedAccount {
	m.mu.Lock()
	defer m.mu.Unlock()

	return lo.Map(m.accounts, func(acc models.ManagedAccount, _ int) models.ManagedAccount {
		return acc.Clone()
	})
}

// Count returns the number of account slots, removed ones included.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// Storage returns a copy of the pool as AccountStorage.
func (m *Manager) Storage() models.AccountStorage {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := models.AccountStorage{
		Version:     m.version,
		ActiveIndex: m.activeIndex,
		Accounts:    m.accounts,
	}
	return s.Clone()
}

// Replace swaps in a reloaded storage. Indices never move: an account still
// in the file, matched by refresh token or email, keeps its slot along with
// any quota and rate limits newer than the file's. New accounts are appended
// and accounts gone from the file stay behind as removed. Rotation cursors
// are kept so fairness continues across reloads.
func (m *Manager) Replace(storage models.AccountStorage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := storage.Clone()
	slots := make(map[string]int, len(m.accounts))
	for i := range m.accounts {
		if key, ok := identity(&m.accounts[i]); ok {
			slots[key] = i
		}
	}

	present := make([]bool, len(m.accounts))
	fileSlots := make([]int, len(s.Accounts))
	for n, acc := range s.Accounts {
		acc.Removed = false
		if key, ok := identity(&acc); ok {
			if i, found := slots[key]; found && !present[i] {
				mergeRuntimeState(&acc, &m.accounts[i])
				acc.Index = i
				m.accounts[i] = acc
				present[i] = true
				fileSlots[n] = i
				continue
			}
		}
		acc.Index = len(m.accounts)
		m.accounts = append(m.accounts, acc)
		present = append(present, true)
		fileSlots[n] = acc.Index
	}
	for i, ok := range present {
		if !ok {
			m.accounts[i].Removed = true
		}
	}

	m.version = s.Version
	if s.ActiveIndex >= 0 && s.ActiveIndex < len(fileSlots) {
		m.activeIndex = fileSlots[s.ActiveIndex]
	}
}

// identity is the key an account is matched by across reloads.
func identity(acc *models.ManagedAccount) (string, bool) {
	if key, ok := acc.RefreshKey(); ok {
		return "token:" + key, true
	}
	if acc.Email != "" {
		return "email:" + acc.Email, true
	}
	return "", false
}

// mergeRuntimeState carries state observed by this process onto a reloaded account.
func mergeRuntimeState(dst, prev *models.ManagedAccount) {
	if prev.CachedQuotaUpdatedAt.After(dst.CachedQuotaUpdatedAt) {
		c := prev.Clone()
		dst.CachedQuota = c.CachedQuota
		dst.CachedQuotaUpdatedAt = prev.CachedQuotaUpdatedAt
	}
	for family, reset := range prev.RateLimitResetTimes {
		if reset.After(dst.RateLimitResetTimes[family]) {
			setRateLimit(dst, family, reset)
		}
	}
	if prev.LastUsed.After(dst.LastUsed) {
		dst.LastUsed = prev.LastUsed
	}
}
