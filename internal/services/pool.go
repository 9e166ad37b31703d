// Package services wires the account pool, token and signature caches,
// quota poller and audit log into one Pool.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/samber/lo"

	"github.com/j-veylop/antigravity-account-pool/internal/auth"
	"github.com/j-veylop/antigravity-account-pool/internal/config"
	"github.com/j-veylop/antigravity-account-pool/internal/db"
	"github.com/j-veylop/antigravity-account-pool/internal/logger"
	"github.com/j-veylop/antigravity-account-pool/internal/models"
	"github.com/j-veylop/antigravity-account-pool/internal/services/accounts"
	"github.com/j-veylop/antigravity-account-pool/internal/services/quota"
	"github.com/j-veylop/antigravity-account-pool/internal/signature"
)

type (
	// AccountsReloadedEvent is emitted when the accounts file was reloaded.
	AccountsReloadedEvent struct {
		Count int
	}

	// QuotaUpdatedEvent is emitted after a successful quota poll.
	QuotaUpdatedEvent struct {
		Quota        map[string]models.CachedQuota
		Email        string
		AccountIndex int
	}

	// SelectionEvent is emitted for every account handed out.
	SelectionEvent struct {
		Selection models.Selection
	}

	// ExhaustedEvent is emitted the first time a family has no eligible account.
	ExhaustedEvent struct {
		Provider string
		Model    string
		Family   string
	}

	// RateLimitedEvent is emitted when an account was told to back off.
	RateLimitedEvent struct {
		Until        time.Time
		Email        string
		Families     []string
		AccountIndex int
	}

	// ErrorEvent is emitted when a background service fails.
	ErrorEvent struct {
		Error   error
		Service string
	}
)

// ServiceEvent is the interface implemented by all service events.
type ServiceEvent interface {
	isServiceEvent()
}

func (AccountsReloadedEvent) isServiceEvent() {}
func (QuotaUpdatedEvent) isServiceEvent()     {}
func (SelectionEvent) isServiceEvent()        {}
func (ExhaustedEvent) isServiceEvent()        {}
func (RateLimitedEvent) isServiceEvent()      {}
func (ErrorEvent) isServiceEvent()            {}

// NotifyFunc shows a desktop notification.
type NotifyFunc func(title, body string) error

func beeepNotify(title, body string) error {
	return beeep.Notify(title, body, "")
}

type familyKey struct {
	provider string
	family   string
}

// Pool orchestrates account selection and the services around it.
type Pool struct {
	mu          sync.RWMutex
	cfg         *config.Config
	manager     *accounts.Manager
	watcher     *accounts.Watcher
	poller      *quota.Poller
	refresher   *auth.Refresher
	signatures  *signature.Cache
	database    *db.DB
	notify      NotifyFunc
	now         func() time.Time
	subscribers []chan ServiceEvent
	exhausted   map[familyKey]bool
	stopChan    chan struct{}
	maintDone   chan struct{}
	started     bool
	startOnce   sync.Once
	closeOnce   sync.Once
}

// Option configures a Pool.
type Option func(*poolOptions)

type poolOptions struct {
	client  *http.Client
	notify  NotifyFunc
	refresh auth.RefreshFunc
	now     func() time.Time
}

// WithHTTPClient sets the client used for token refresh and quota polling.
func WithHTTPClient(client *http.Client) Option {
	return func(o *poolOptions) { o.client = client }
}

// WithNotifier replaces the desktop notifier.
func WithNotifier(fn NotifyFunc) Option {
	return func(o *poolOptions) { o.notify = fn }
}

// WithRefreshFunc replaces the Google token refresh.
func WithRefreshFunc(fn auth.RefreshFunc) Option {
	return func(o *poolOptions) { o.refresh = fn }
}

// WithClock overrides the time source passed to the account manager.
func WithClock(now func() time.Time) Option {
	return func(o *poolOptions) { o.now = now }
}

// New loads the accounts file and opens the audit database. A missing
// accounts file yields an empty pool.
func New(cfg *config.Config, opts ...Option) (*Pool, error) {
	o := poolOptions{notify: beeepNotify, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.refresh == nil {
		o.refresh = auth.GoogleRefreshFunc(o.client, cfg.GoogleClientID, cfg.GoogleClientSecret)
	}

	storage, err := accounts.LoadFile(cfg.AccountsPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("accounts file not found, starting with an empty pool", "path", cfg.AccountsPath)
	case err != nil:
		return nil, err
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	p := &Pool{
		cfg:        cfg,
		manager:    accounts.NewManager(storage, accounts.WithClock(o.now)),
		refresher:  auth.NewRefresher(auth.NewCache(), o.refresh),
		signatures: signature.NewCache(),
		database:   database,
		notify:     o.notify,
		now:        o.now,
		exhausted:  make(map[familyKey]bool),
		stopChan:   make(chan struct{}),
		maintDone:  make(chan struct{}),
	}
	p.seedCursors()

	pollerConfig := quota.DefaultConfig()
	pollerConfig.Client = o.client
	pollerConfig.PollInterval = cfg.QuotaRefreshInterval
	p.poller = quota.New(p.manager, p.refresher, pollerConfig, p.handleQuotaUpdate)

	logger.Info("account pool loaded", "accounts", p.manager.Count(), "path", cfg.AccountsPath)
	return p, nil
}

// Start watches the accounts file and begins quota polling.
func (p *Pool) Start(ctx context.Context) error {
	var err error
	p.startOnce.Do(func() {
		var w *accounts.Watcher
		w, err = accounts.NewWatcher(p.manager, p.cfg.AccountsPath, p.handleReload)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.watcher = w
		p.started = true
		p.mu.Unlock()
		p.poller.Start(ctx)
		go p.maintainLoop(ctx)
	})
	return err
}

// seedCursors continues rotation where the last recorded selection left off,
// so separate runs do not all start at the first account.
func (p *Pool) seedCursors() {
	states, err := p.database.LastCursors()
	if err != nil {
		logger.Warn("failed to load rotation cursors", "error", err)
		return
	}
	for _, s := range states {
		p.manager.SeedCursor(s.Provider, s.Family, s.Cursor+1)
	}
	if len(states) > 0 {
		logger.Debug("rotation cursors restored", "families", len(states))
	}
}

func (p *Pool) maintainLoop(ctx context.Context) {
	defer close(p.maintDone)

	interval := p.cfg.QuotaRefreshInterval
	if interval <= 0 {
		interval = quota.DefaultConfig().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Maintain()
	for {
		select {
		case <-ticker.C:
			p.Maintain()
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Maintain drops expired rate limits and prunes audit rows older than the
// configured retention.
func (p *Pool) Maintain() {
	if n := p.manager.ClearExpiredRateLimits(); n > 0 {
		logger.Debug("expired rate limits cleared", "count", n)
	}

	if p.cfg.AuditRetention <= 0 {
		return
	}
	pruned, err := p.database.PruneBefore(p.now().Add(-p.cfg.AuditRetention))
	if err != nil {
		logger.Error("failed to prune audit log", "error", err)
		return
	}
	if pruned == 0 {
		return
	}
	logger.Info("audit log pruned", "rows", pruned, "retention", p.cfg.AuditRetention)
	if err := p.database.Vacuum(); err != nil {
		logger.Warn("failed to vacuum database", "error", err)
	}
}

// Next selects an account using the configured soft quota threshold.
func (p *Pool) Next(provider, modelID, family string) (models.ManagedAccount, bool) {
	return p.NextWithThreshold(provider, modelID, family, p.cfg.SoftQuotaThresholdPercent)
}

// NextWithThreshold selects an account, records it in the audit log and
// notifies once when the family has nothing left.
func (p *Pool) NextWithThreshold(provider, modelID, family string, threshold float64) (models.ManagedAccount, bool) {
	acc, cursor, ok := p.manager.Select(provider, modelID, family, threshold)
	key := familyKey{provider: provider, family: family}

	if !ok {
		p.mu.Lock()
		first := !p.exhausted[key]
		p.exhausted[key] = true
		p.mu.Unlock()

		logger.Warn("no eligible account", "provider", provider, "model", modelID, "family", family, "threshold", threshold)
		if first {
			p.Notify("Account pool exhausted",
				fmt.Sprintf("No account is under %.0f%% usage for %s (%s)", threshold, modelID, family))
			p.broadcast(ExhaustedEvent{Provider: provider, Model: modelID, Family: family})
		}
		return acc, false
	}

	p.mu.Lock()
	delete(p.exhausted, key)
	p.mu.Unlock()

	sel := models.Selection{
		Timestamp:        p.now(),
		AccountIndex:     acc.Index,
		Email:            acc.Email,
		Provider:         provider,
		Model:            modelID,
		Family:           family,
		ThresholdPercent: threshold,
		Cursor:           cursor,
	}
	if err := p.database.InsertSelection(&sel); err != nil {
		logger.Error("failed to record selection", "email", acc.Email, "error", err)
	}
	logger.Debug("account selected", "index", acc.Index, "email", acc.Email, "family", family, "cursor", cursor)
	p.broadcast(SelectionEvent{Selection: sel})

	return acc, true
}

// AccessToken returns a valid access token for acc, refreshing through the
// shared auth cache when needed.
func (p *Pool) AccessToken(ctx context.Context, acc models.ManagedAccount) (models.OAuthAuthDetails, error) {
	return p.refresher.AccessToken(ctx, models.OAuthAuthDetails{RefreshToken: acc.RefreshToken})
}

// RefreshQuota polls every enabled account once.
func (p *Pool) RefreshQuota(ctx context.Context) {
	p.poller.RefreshAll(ctx)
}

// Status reports the eligibility of every account at the configured threshold.
func (p *Pool) Status(modelID, family string) []accounts.Eligibility {
	return p.manager.Eligibility(modelID, family, p.cfg.SoftQuotaThresholdPercent)
}

// Notify shows a desktop notification unless notifications are disabled.
func (p *Pool) Notify(title, body string) {
	if !p.cfg.Notifications || p.notify == nil {
		return
	}
	if err := p.notify(title, body); err != nil {
		logger.Debug("notification failed", "error", err)
	}
}

func (p *Pool) handleReload(count int) {
	p.mu.Lock()
	clear(p.exhausted)
	p.mu.Unlock()

	p.broadcast(AccountsReloadedEvent{Count: count})
}

func (p *Pool) handleQuotaUpdate(u quota.Update) {
	if u.Err != nil {
		if errors.Is(u.Err, quota.ErrUnauthorized) {
			// The cached token was rejected; force a refresh next time.
			p.refresher.Cache().Clear(u.Account.RefreshToken)
		}
		var rl *quota.RateLimitError
		if errors.As(u.Err, &rl) {
			p.markRateLimited(u.Account, u.At.Add(rl.RetryAfter))
		}
		p.broadcast(ErrorEvent{Service: "quota", Error: fmt.Errorf("%s: %w", u.Account.Email, u.Err)})
		return
	}

	for model, q := range u.Quota {
		snapshot := models.QuotaSnapshot{
			Timestamp:         u.At,
			AccountIndex:      u.Account.Index,
			Email:             u.Account.Email,
			Model:             model,
			RemainingFraction: q.RemainingFraction,
			ResetTime:         q.ResetTime,
		}
		if err := p.database.InsertQuotaSnapshot(&snapshot); err != nil {
			logger.Error("failed to record quota snapshot", "email", u.Account.Email, "model", model, "error", err)
		}
	}

	p.mu.Lock()
	clear(p.exhausted)
	p.mu.Unlock()

	p.broadcast(QuotaUpdatedEvent{
		AccountIndex: u.Account.Index,
		Email:        u.Account.Email,
		Quota:        u.Quota,
	})
}

// markRateLimited benches acc until until for every family it has quota
// for and every family the pool rotates.
func (p *Pool) markRateLimited(acc models.ManagedAccount, until time.Time) {
	families := lo.Uniq(append(p.manager.Families(), lo.Map(lo.Keys(acc.CachedQuota), func(model string, _ int) string {
		return models.ModelFamily(model)
	})...))
	slices.Sort(families)
	if len(families) == 0 {
		logger.Warn("rate limited account has no known family", "email", acc.Email, "until", until)
		return
	}

	for _, family := range families {
		if err := p.manager.MarkRateLimited(acc.Index, family, until); err != nil {
			logger.Error("failed to mark rate limit", "email", acc.Email, "family", family, "error", err)
			return
		}
	}
	logger.Warn("account rate limited", "email", acc.Email, "until", until, "families", families)
	p.broadcast(RateLimitedEvent{AccountIndex: acc.Index, Email: acc.Email, Families: families, Until: until})
}

// broadcast sends an event to all subscribers without blocking.
func (p *Pool) broadcast(event ServiceEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, sub := range p.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber channel full, skip
		}
	}
}

// Subscribe creates a channel for receiving service events.
func (p *Pool) Subscribe() chan ServiceEvent {
	ch := make(chan ServiceEvent, 50)

	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (p *Pool) Unsubscribe(ch chan ServiceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, sub := range p.subscribers {
		if sub == ch {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Manager returns the account manager.
func (p *Pool) Manager() *accounts.Manager {
	return p.manager
}

// Signatures returns the thinking signature cache.
func (p *Pool) Signatures() *signature.Cache {
	return p.signatures
}

// Database returns the audit database.
func (p *Pool) Database() *db.DB {
	return p.database
}

// Close stops background services and closes the database.
func (p *Pool) Close() error {
	var errs []error

	p.closeOnce.Do(func() {
		p.mu.Lock()
		for _, sub := range p.subscribers {
			close(sub)
		}
		p.subscribers = nil
		watcher := p.watcher
		started := p.started
		p.mu.Unlock()

		close(p.stopChan)
		if started {
			<-p.maintDone
		}

		if watcher != nil {
			if err := watcher.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := p.poller.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := p.database.Close(); err != nil {
			errs = append(errs, err)
		}
	})

	return errors.Join(errs...)
}
