package auth

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/j-veylop/antigravity-account-pool/internal/logger"
	"github.com/j-veylop/antigravity-account-pool/internal/models"
)

// ErrNoRefreshToken is returned when a credential has no refresh token.
var ErrNoRefreshToken = errors.New("refresh token is empty")

// RefreshFunc obtains a fresh snapshot for a refresh token.
type RefreshFunc func(ctx context.Context, refreshToken string) (models.OAuthAuthDetails, error)

// GoogleRefreshFunc returns a RefreshFunc backed by the Google token endpoint.
func GoogleRefreshFunc(client *http.Client, clientID, clientSecret string) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (models.OAuthAuthDetails, error) {
		resp, err := RefreshAccessToken(ctx, client, refreshToken, clientID, clientSecret)
		if err != nil {
			return models.OAuthAuthDetails{}, err
		}

		details := models.OAuthAuthDetails{
			AccessToken:  resp.AccessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    now().Add(secondsToDuration(resp.ExpiresIn)),
		}
		// Google may rotate the refresh token.
		if resp.RefreshToken != "" {
			details.RefreshToken = resp.RefreshToken
		}
		return details, nil
	}
}

// Refresher hands out valid access tokens, refreshing at most once
// concurrently per refresh token.
type Refresher struct {
	cache   *Cache
	refresh RefreshFunc
	group   singleflight.Group
}

// NewRefresher creates a refresher that reconciles through cache.
func NewRefresher(cache *Cache, fn RefreshFunc) *Refresher {
	return &Refresher{cache: cache, refresh: fn}
}

// Cache returns the underlying auth cache.
func (r *Refresher) Cache() *Cache {
	return r.cache
}

// AccessToken returns a snapshot with an unexpired access token for auth's credential.
func (r *Refresher) AccessToken(ctx context.Context, auth models.OAuthAuthDetails) (models.OAuthAuthDetails, error) {
	key, ok := auth.RefreshKey()
	if !ok {
		return auth, ErrNoRefreshToken
	}

	resolved := r.cache.Resolve(auth)
	if !r.cache.expired(resolved) {
		return resolved, nil
	}

	v, err, shared := r.group.Do(key, func() (any, error) {
		// A flight that finished between Resolve and Do has already stored a token.
		if current := r.cache.Resolve(auth); !r.cache.expired(current) {
			return current, nil
		}

		fresh, err := r.refresh(ctx, key)
		if err != nil {
			return nil, err
		}
		if fresh.RefreshToken != key {
			// Keep the old key resolvable for callers still holding it.
			r.cache.Store(models.OAuthAuthDetails{
				AccessToken:  fresh.AccessToken,
				RefreshToken: key,
				ExpiresAt:    fresh.ExpiresAt,
			})
		}
		r.cache.Store(fresh)
		return fresh, nil
	})
	if err != nil {
		return resolved, err
	}
	if shared {
		logger.Debug("shared token refresh", "refresh_key_len", len(key))
	}
	return v.(models.OAuthAuthDetails), nil
}
