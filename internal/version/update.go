package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/j-veylop/antigravity-account-pool/internal/logger"
)

const (
	defaultLatestReleaseURL = "https://api.github.com/repos/j-veylop/antigravity-account-pool/releases/latest"
	defaultRequestTimeout   = 3 * time.Second
)

// CheckOptions configures CheckForUpdate.
type CheckOptions struct {
	HTTPClient       *http.Client
	CurrentVersion   string
	LatestReleaseURL string
	Timeout          time.Duration
}

// UpdateResult is the outcome of an update check.
type UpdateResult struct {
	CurrentVersion  string
	LatestVersion   string
	SkipReason      string
	UpdateAvailable bool
}

// Canonical returns v as a canonical "vMAJOR.MINOR.PATCH" string with any
// prerelease or build suffix kept, or "" if v is not valid semver.
func Canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v) + semver.Build(v)
}

// IsPrerelease reports whether v carries a prerelease or build suffix such
// as -beta.1, -alpha.3 or -rc.1.
func IsPrerelease(v string) bool {
	c := Canonical(v)
	return c != "" && (semver.Prerelease(c) != "" || semver.Build(c) != "")
}

// UpdateAvailable reports whether latest is a stable release newer than
// current. Prerelease or invalid versions on either side never qualify.
func UpdateAvailable(current, latest string) bool {
	c, l := Canonical(current), Canonical(latest)
	if c == "" || l == "" || IsPrerelease(c) || IsPrerelease(l) {
		return false
	}
	return semver.Compare(l, c) > 0
}

// CheckForUpdate asks the release feed for the latest version. Dev and
// prerelease builds skip the network call entirely.
func CheckForUpdate(ctx context.Context, opts CheckOptions) (UpdateResult, error) {
	current := opts.CurrentVersion
	if current == "" {
		current = GetVersion()
	}
	result := UpdateResult{CurrentVersion: current}

	switch {
	case Canonical(current) == "":
		result.SkipReason = "not a release build"
		return result, nil
	case IsPrerelease(current):
		result.SkipReason = "prerelease build"
		return result, nil
	}

	latest, err := fetchLatestRelease(ctx, opts, current)
	if err != nil {
		return result, err
	}

	result.LatestVersion = latest
	result.UpdateAvailable = UpdateAvailable(current, latest)
	return result, nil
}

func fetchLatestRelease(ctx context.Context, opts CheckOptions, current string) (string, error) {
	latestURL := strings.TrimSpace(opts.LatestReleaseURL)
	if latestURL == "" {
		latestURL = defaultLatestReleaseURL
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, latestURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", AppName+"/"+current)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch latest release: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch latest release: HTTP %d", resp.StatusCode)
	}

	var payload struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode release payload: %w", err)
	}

	latest := Canonical(payload.TagName)
	if latest == "" {
		return "", fmt.Errorf("latest release tag is not valid semver: %q", payload.TagName)
	}
	return latest, nil
}
