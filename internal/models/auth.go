package models

import (
	"strings"
	"time"
)

// OAuthAuthDetails is a snapshot of an OAuth credential.
type OAuthAuthDetails struct {
	ExpiresAt    time.Time
	AccessToken  string
	RefreshToken string
}

// RefreshKey returns the trimmed refresh token and whether it is usable as a key.
func (a OAuthAuthDetails) RefreshKey() (string, bool) {
	key := strings.TrimSpace(a.RefreshToken)
	return key, key != ""
}
