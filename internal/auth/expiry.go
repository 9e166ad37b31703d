package auth

import (
	"time"

	"github.com/j-veylop/antigravity-account-pool/internal/models"
)

// ExpiryBuffer is how long before ExpiresAt a token is already considered expired.
const ExpiryBuffer = 60 * time.Second

var now = time.Now

// AccessTokenExpired reports whether auth has no usable access token.
func AccessTokenExpired(auth models.OAuthAuthDetails) bool {
	if auth.AccessToken == "" || auth.ExpiresAt.IsZero() {
		return true
	}
	return !now().Add(ExpiryBuffer).Before(auth.ExpiresAt)
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
