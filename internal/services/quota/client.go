// Package quota polls per-model quota for every account in the pool.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/j-veylop/antigravity-account-pool/internal/logger"
	"github.com/j-veylop/antigravity-account-pool/internal/models"
)

var (
	// Antigravity endpoints, tried in order
	antigravityEndpoints = []string{
		"https://cloudcode-pa.googleapis.com",
		"https://daily-cloudcode-pa.sandbox.googleapis.com",
	}

	antigravityHeaders = map[string]string{
		"User-Agent":        "antigravity/1.11.5 windows/amd64",
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`,
	}

	defaultClient = &http.Client{Timeout: 30 * time.Second}
)

const fetchModelsPath = "/v1internal:fetchAvailableModels"

// ErrUnauthorized is returned when the access token was rejected.
var ErrUnauthorized = errors.New("unauthorized: access token may be expired")

// ErrRateLimited matches any RateLimitError.
var ErrRateLimited = errors.New("rate limited")

// DefaultRetryAfter is the backoff used when a 429 carries no usable Retry-After.
const DefaultRetryAfter = time.Minute

// RateLimitError is returned for HTTP 429 with the backoff the server asked for.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return DefaultRetryAfter
}

// fetchModelsResponse represents the response from fetchAvailableModels API.
type fetchModelsResponse struct {
	Models map[string]struct {
		DisplayName string `json:"displayName"`
		QuotaInfo   *struct {
			ResetTime         string  `json:"resetTime"`
			RemainingFraction float64 `json:"remainingFraction"`
		} `json:"quotaInfo"`
	} `json:"models"`
}

// FetchQuota retrieves per-model quota from the Cloud Code API.
// Models the API reports without quota info are omitted.
func FetchQuota(ctx context.Context, client *http.Client, accessToken string) (map[string]models.CachedQuota, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("access token is empty")
	}
	if client == nil {
		client = defaultClient
	}

	var lastErr error
	for _, endpoint := range antigravityEndpoints {
		quota, err := fetchFromEndpoint(ctx, client, endpoint, accessToken)
		if err == nil {
			return quota, nil
		}
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		lastErr = err
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("failed to fetch quota from any endpoint")
}

func fetchFromEndpoint(ctx context.Context, client *http.Client, endpoint, accessToken string) (map[string]models.CachedQuota, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+fetchModelsPath, strings.NewReader("{}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create quota request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range antigravityHeaders {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quota request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read quota response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quota request failed (status %d): %s", resp.StatusCode, string(body))
	}

	var modelsResp fetchModelsResponse
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		return nil, fmt.Errorf("failed to parse quota response: %w", err)
	}

	quota := make(map[string]models.CachedQuota, len(modelsResp.Models))
	for name, data := range modelsResp.Models {
		if data.QuotaInfo == nil {
			continue
		}
		var resetTime time.Time
		if data.QuotaInfo.ResetTime != "" {
			if resetTime, err = time.Parse(time.RFC3339, data.QuotaInfo.ResetTime); err != nil {
				logger.Debug("unparseable quota reset time", "model", name, "value", data.QuotaInfo.ResetTime)
				resetTime = time.Time{}
			}
		}
		quota[name] = models.CachedQuota{
			RemainingFraction: clampFraction(data.QuotaInfo.RemainingFraction),
			ResetTime:         resetTime,
			ModelCount:        1,
		}
	}
	return quota, nil
}

func clampFraction(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
