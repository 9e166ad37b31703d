package quota

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/j-veylop/antigravity-account-pool/internal/logger"
	"github.com/j-veylop/antigravity-account-pool/internal/models"
)

// TokenSource hands out valid access tokens for a credential.
type TokenSource interface {
	AccessToken(ctx context.Context, auth models.OAuthAuthDetails) (models.OAuthAuthDetails, error)
}

// Store is the account pool the poller reads from and writes quota into.
type Store interface {
	Accounts() []models.ManagedAccount
	UpdateQuota(index int, quota map[string]models.CachedQuota, at time.Time) error
}

// Update is the result of polling one account.
type Update struct {
	At      time.Time
	Err     error
	Quota   map[string]models.CachedQuota
	Account models.ManagedAccount
}

// Config holds configuration for the quota poller.
type Config struct {
	Client        *http.Client
	PollInterval  time.Duration
	MaxConcurrent int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:  5 * time.Minute,
		MaxConcurrent: 5,
	}
}

type fetchFunc func(ctx context.Context, client *http.Client, accessToken string) (map[string]models.CachedQuota, error)

// Poller periodically refreshes cached quota for every enabled account.
type Poller struct {
	store     Store
	tokens    TokenSource
	onUpdate  func(Update)
	fetch     fetchFunc
	now       func() time.Time
	sem       chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
	config    Config
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a poller. onUpdate, if non-nil, is called after every account poll.
func New(store Store, tokens TokenSource, config Config, onUpdate func(Update)) *Poller {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}

	return &Poller{
		store:    store,
		tokens:   tokens,
		onUpdate: onUpdate,
		fetch:    FetchQuota,
		now:      time.Now,
		sem:      make(chan struct{}, config.MaxConcurrent),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		config:   config,
	}
}

// Start runs an initial refresh and then polls every PollInterval until
// Close is called or ctx is done.
func (p *Poller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.loop(ctx)
	})
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.RefreshAll(ctx)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.RefreshAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RefreshAll polls every enabled account with bounded concurrency.
func (p *Poller) RefreshAll(ctx context.Context) {
	var wg sync.WaitGroup

	for _, acc := range p.store.Accounts() {
		if !acc.Enabled || acc.Removed || acc.RefreshToken == "" {
			continue
		}
		wg.Add(1)
		go func(acc models.ManagedAccount) {
			defer wg.Done()

			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-p.sem }()

			if _, err := p.RefreshAccount(ctx, acc); err != nil {
				logger.Error("failed to refresh quota", "email", acc.Email, "index", acc.Index, "error", err)
			}
		}(acc)
	}

	wg.Wait()
}

// RefreshAccount fetches quota for one account and writes it to the store.
func (p *Poller) RefreshAccount(ctx context.Context, acc models.ManagedAccount) (map[string]models.CachedQuota, error) {
	update := Update{Account: acc, At: p.now()}
	defer func() {
		if p.onUpdate != nil {
			p.onUpdate(update)
		}
	}()

	token, err := p.tokens.AccessToken(ctx, models.OAuthAuthDetails{RefreshToken: acc.RefreshToken})
	if err != nil {
		update.Err = fmt.Errorf("failed to get access token: %w", err)
		return nil, update.Err
	}

	quota, err := p.fetch(ctx, p.config.Client, token.AccessToken)
	if err != nil {
		update.Err = err
		return nil, err
	}

	if err := p.store.UpdateQuota(acc.Index, quota, update.At); err != nil {
		update.Err = fmt.Errorf("failed to store quota: %w", err)
		return nil, update.Err
	}

	update.Quota = quota
	logger.Debug("quota refreshed", "email", acc.Email, "models", len(quota))
	return quota, nil
}

// Close stops polling and waits for the loop to exit if it was started.
func (p *Poller) Close() error {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	started := true
	p.startOnce.Do(func() { started = false })
	if started {
		<-p.done
	}
	return nil
}
