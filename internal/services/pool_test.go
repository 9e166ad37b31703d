package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/j-veylop/antigravity-account-pool/internal/config"
	"github.com/j-veylop/antigravity-account-pool/internal/models"
	"github.com/j-veylop/antigravity-account-pool/internal/services/quota"
)

const accountsJSON = `{"version": 4, "activeIndex": 0, "accounts": [
	{"email": "a@test.com", "refreshToken": "ta", "cachedQuota": {"gemini-pro": {"remainingFraction": 0.8}}},
	{"email": "b@test.com", "refreshToken": "tb", "cachedQuota": {"gemini-pro": {"remainingFraction": 0.1}}},
	{"email": "c@test.com", "refreshToken": "tc", "enabled": true}
]}`

// MockRoundTripper implements http.RoundTripper for testing
type MockRoundTripper struct {
	RoundTripFunc func(req *http.Request) (*http.Response, error)
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.RoundTripFunc(req)
}

type notifications struct {
	mu     sync.Mutex
	titles []string
}

func (n *notifications) notify(title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func (n *notifications) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}

func fakeRefresh(calls *atomic.Int32) func(context.Context, string) (models.OAuthAuthDetails, error) {
	return func(_ context.Context, refreshToken string) (models.OAuthAuthDetails, error) {
		if calls != nil {
			calls.Add(1)
		}
		return models.OAuthAuthDetails{
			AccessToken:  "access-" + refreshToken,
			RefreshToken: refreshToken,
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}
}

func testConfig(t *testing.T, accounts string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	if accounts != "" {
		if err := os.WriteFile(path, []byte(accounts), 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	return &config.Config{
		AccountsPath:              path,
		DatabasePath:              filepath.Join(dir, "pool.db"),
		SoftQuotaThresholdPercent: 70,
		Notifications:             true,
	}
}

func newTestPool(t *testing.T, cfg *config.Config, opts ...Option) (*Pool, *notifications) {
	t.Helper()
	n := &notifications{}
	opts = append([]Option{WithNotifier(n.notify), WithRefreshFunc(fakeRefresh(nil))}, opts...)
	p, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, n
}

func TestNew_MissingAccountsFile(t *testing.T) {
	p, _ := newTestPool(t, testConfig(t, ""))

	if p.Manager().Count() != 0 {
		t.Errorf("Count() = %d, want 0", p.Manager().Count())
	}
	if p.Database() == nil || p.Signatures() == nil {
		t.Error("database and signature cache should be initialized")
	}
	if _, ok := p.Next("google", "gemini-pro", "gemini"); ok {
		t.Error("empty pool should not select an account")
	}
}

func TestNew_InvalidAccountsFile(t *testing.T) {
	cfg := testConfig(t, "{not json")
	if _, err := New(cfg, WithNotifier(func(string, string) error { return nil })); err == nil {
		t.Error("New() should fail on an unparsable accounts file")
	}
}

func TestNext_RotatesAndRecords(t *testing.T) {
	p, _ := newTestPool(t, testConfig(t, accountsJSON))
	events := p.Subscribe()

	var got []int
	for range 4 {
		acc, ok := p.Next("google", "gemini-pro", "gemini")
		if !ok {
			t.Fatal("expected an account")
		}
		got = append(got, acc.Index)
	}

	// b@test.com is at 90% usage and filtered at the default 70% threshold.
	want := []int{0, 2, 0, 2}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("selected %v, want %v", got, want)
	}

	rows, err := p.Database().RecentSelections(10)
	if err != nil {
		t.Fatalf("RecentSelections() failed: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("recorded %d selections, want 4", len(rows))
	}
	if rows[0].Cursor != 3 || rows[0].ThresholdPercent != 70 {
		t.Errorf("latest selection = %+v, want cursor 3 at 70%%", rows[0])
	}

	for range 4 {
		select {
		case ev := <-events:
			if _, ok := ev.(SelectionEvent); !ok {
				t.Errorf("unexpected event %T", ev)
			}
		default:
			t.Fatal("expected a SelectionEvent per selection")
		}
	}
}

func TestNext_ExhaustionNotifiesOnce(t *testing.T) {
	p, n := newTestPool(t, testConfig(t, accountsJSON))
	events := p.Subscribe()

	// c@test.com has no cached quota and stays eligible even at a negative threshold.
	for range 3 {
		if acc, ok := p.NextWithThreshold("google", "gemini-pro", "gemini", -1); !ok || acc.Index != 2 {
			t.Fatalf("NextWithThreshold(-1) = (%d, %v), want (2, true)", acc.Index, ok)
		}
	}
	if n.count() != 0 {
		t.Fatalf("no notification expected while an account remains, got %d", n.count())
	}

	if err := p.Manager().MarkRateLimited(2, "gemini", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("MarkRateLimited() failed: %v", err)
	}
	for range 3 {
		if _, ok := p.NextWithThreshold("google", "gemini-pro", "gemini", -1); ok {
			t.Fatal("expected no eligible account")
		}
	}
	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}

	var exhausted int
	for len(events) > 0 {
		if _, ok := (<-events).(ExhaustedEvent); ok {
			exhausted++
		}
	}
	if exhausted != 1 {
		t.Errorf("ExhaustedEvent count = %d, want 1", exhausted)
	}

	// A successful pick re-arms the notification.
	if _, ok := p.NextWithThreshold("google", "gemini-pro", "gemini", 100); !ok {
		t.Fatal("expected an account with the filter disabled")
	}
	_, _ = p.NextWithThreshold("google", "gemini-pro", "gemini", -1)
	if n.count() != 2 {
		t.Errorf("notifications = %d, want 2 after re-arming", n.count())
	}
}

func TestNotify_Disabled(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Notifications = false
	p, n := newTestPool(t, cfg)

	p.Next("google", "gemini-pro", "gemini")
	p.Notify("title", "body")
	if n.count() != 0 {
		t.Errorf("notifications = %d, want 0 when disabled", n.count())
	}
}

func TestAccessToken_UsesSharedCache(t *testing.T) {
	var calls atomic.Int32
	p, _ := newTestPool(t, testConfig(t, accountsJSON), WithRefreshFunc(fakeRefresh(&calls)))

	acc, _ := p.Manager().Account(0)
	for range 3 {
		token, err := p.AccessToken(context.Background(), acc)
		if err != nil {
			t.Fatalf("AccessToken() failed: %v", err)
		}
		if token.AccessToken != "access-ta" {
			t.Errorf("AccessToken = %q, want access-ta", token.AccessToken)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", calls.Load())
	}
}

func quotaClient(remaining map[string]float64) *http.Client {
	return &http.Client{Transport: &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
			r, ok := remaining[token]
			if !ok {
				return &http.Response{StatusCode: 401, Body: io.NopCloser(strings.NewReader("unauthorized"))}, nil
			}
			body := fmt.Sprintf(`{"models": {"gemini-pro": {"quotaInfo": {"remainingFraction": %v, "resetTime": "2025-01-01T10:00:00Z"}}}}`, r)
			return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}, nil
		},
	}}
}

func TestRefreshQuota_RecordsSnapshots(t *testing.T) {
	client := quotaClient(map[string]float64{"access-ta": 0.05, "access-tb": 0.9, "access-tc": 0.5})
	p, _ := newTestPool(t, testConfig(t, accountsJSON), WithHTTPClient(client))

	p.RefreshQuota(context.Background())

	snapshots, err := p.Database().LatestQuotaSnapshots()
	if err != nil {
		t.Fatalf("LatestQuotaSnapshots() failed: %v", err)
	}
	if len(snapshots) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(snapshots))
	}

	// a@test.com is now at 95% usage and b@test.com at 10%.
	for range 4 {
		acc, ok := p.Next("google", "gemini-pro", "gemini")
		if !ok {
			t.Fatal("expected an account")
		}
		if acc.Index == 0 {
			t.Error("account 0 should be filtered after the quota refresh")
		}
	}
}

func TestHandleQuotaUpdate_UnauthorizedClearsToken(t *testing.T) {
	p, _ := newTestPool(t, testConfig(t, accountsJSON))
	events := p.Subscribe()

	acc, _ := p.Manager().Account(0)
	if _, err := p.AccessToken(context.Background(), acc); err != nil {
		t.Fatalf("AccessToken() failed: %v", err)
	}
	if p.refresher.Cache().Len() != 1 {
		t.Fatalf("cache Len() = %d, want 1", p.refresher.Cache().Len())
	}

	p.handleQuotaUpdate(quota.Update{Account: acc, Err: quota.ErrUnauthorized})

	if p.refresher.Cache().Len() != 0 {
		t.Error("rejected token should be cleared from the auth cache")
	}
	ev, ok := (<-events).(ErrorEvent)
	if !ok || !errors.Is(ev.Error, quota.ErrUnauthorized) || ev.Service != "quota" {
		t.Errorf("event = %+v, want quota ErrorEvent", ev)
	}
}

func TestStart_ReloadsAccounts(t *testing.T) {
	cfg := testConfig(t, accountsJSON)
	client := quotaClient(map[string]float64{"access-ta": 0.5, "access-tb": 0.5, "access-tc": 0.5})
	p, _ := newTestPool(t, cfg, WithHTTPClient(client))
	events := p.Subscribe()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	updated := `{"version": 4, "accounts": [{"email": "solo@test.com", "refreshToken": "ts"}]}`
	if err := os.WriteFile(cfg.AccountsPath, []byte(updated), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if r, ok := ev.(AccountsReloadedEvent); ok {
				if r.Count != 1 {
					t.Errorf("reloaded Count = %d, want 1", r.Count)
				}
				return
			}
		case <-timeout:
			t.Fatal("timeout waiting for AccountsReloadedEvent")
		}
	}
}

func TestStatus(t *testing.T) {
	p, _ := newTestPool(t, testConfig(t, accountsJSON))

	rows := p.Status("gemini-pro", "gemini")
	if len(rows) != 3 {
		t.Fatalf("Status() returned %d rows, want 3", len(rows))
	}
	if rows[1].Reason != "over_quota" {
		t.Errorf("account 1 reason = %q, want over_quota", rows[1].Reason)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	p, _ := newTestPool(t, testConfig(t, ""))

	ch := p.Subscribe()
	p.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
}

func TestClose_Idempotent(t *testing.T) {
	p, _ := newTestPool(t, testConfig(t, ""))
	ch := p.Subscribe()

	if err := p.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channels should be closed")
	}
}

func TestNew_ContinuesRotationAcrossRuns(t *testing.T) {
	cfg := testConfig(t, accountsJSON)

	first, _ := newTestPool(t, cfg)
	for range 3 {
		first.Next("google", "gemini-pro", "gemini")
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// Eligible accounts are 0 and 2; the last run stopped at cursor 2.
	second, _ := newTestPool(t, cfg)
	if c := second.Manager().Cursor("google", "gemini"); c != 3 {
		t.Errorf("restored cursor = %d, want 3", c)
	}
	acc, ok := second.Next("google", "gemini-pro", "gemini")
	if !ok || acc.Index != 2 {
		t.Errorf("first pick of the second run = (%d, %v), want (2, true)", acc.Index, ok)
	}
}

func TestMaintain(t *testing.T) {
	now := time.Now()
	cfg := testConfig(t, accountsJSON)
	cfg.AuditRetention = 24 * time.Hour
	p, _ := newTestPool(t, cfg, WithClock(func() time.Time { return now }))

	if err := p.Manager().MarkRateLimited(0, "gemini", now.Add(-time.Minute)); err != nil {
		t.Fatalf("MarkRateLimited() failed: %v", err)
	}
	if err := p.Manager().MarkRateLimited(1, "gemini", now.Add(time.Hour)); err != nil {
		t.Fatalf("MarkRateLimited() failed: %v", err)
	}

	for _, ts := range []time.Time{now.Add(-48 * time.Hour), now.Add(-time.Hour)} {
		sel := &models.Selection{Timestamp: ts, Email: "a@test.com", Provider: "google", Model: "m", Family: "gemini"}
		if err := p.Database().InsertSelection(sel); err != nil {
			t.Fatalf("InsertSelection() failed: %v", err)
		}
	}

	p.Maintain()

	acc0, _ := p.Manager().Account(0)
	if len(acc0.RateLimitResetTimes) != 0 {
		t.Errorf("expired rate limit kept: %v", acc0.RateLimitResetTimes)
	}
	acc1, _ := p.Manager().Account(1)
	if !acc1.IsRateLimited("gemini", now) {
		t.Error("active rate limit should be kept")
	}

	rows, err := p.Database().RecentSelections(10)
	if err != nil {
		t.Fatalf("RecentSelections() failed: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("%d selections left after prune, want 1", len(rows))
	}
}

func TestHandleQuotaUpdate_RateLimitedBenchesAccount(t *testing.T) {
	now := time.Now()
	p, _ := newTestPool(t, testConfig(t, accountsJSON), WithClock(func() time.Time { return now }))
	p.Manager().SeedCursor("anthropic", "claude", 0)
	events := p.Subscribe()

	acc, _ := p.Manager().Account(0)
	p.handleQuotaUpdate(quota.Update{
		Account: acc,
		At:      now,
		Err:     &quota.RateLimitError{RetryAfter: 10 * time.Minute},
	})

	acc, _ = p.Manager().Account(0)
	for _, family := range []string{"claude", "gemini"} {
		if !acc.IsRateLimited(family, now) {
			t.Errorf("account 0 should be rate limited for %s", family)
		}
	}
	if until := acc.RateLimitResetTimes["gemini"]; !until.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("reset time = %v, want %v", until, now.Add(10*time.Minute))
	}

	ev, ok := (<-events).(RateLimitedEvent)
	if !ok || ev.AccountIndex != 0 || len(ev.Families) != 2 {
		t.Errorf("event = %+v, want RateLimitedEvent for account 0", ev)
	}
	if _, ok := (<-events).(ErrorEvent); !ok {
		t.Error("rate limit should also be reported as an ErrorEvent")
	}

	for range 3 {
		if next, ok := p.NextWithThreshold("google", "gemini-pro", "gemini", 100); !ok || next.Index == 0 {
			t.Fatalf("NextWithThreshold() = (%d, %v), want a non-rate-limited account", next.Index, ok)
		}
	}
}

func TestRefreshQuota_RateLimitedResponse(t *testing.T) {
	client := &http.Client{Transport: &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("Authorization") == "Bearer access-ta" {
				return &http.Response{
					StatusCode: http.StatusTooManyRequests,
					Header:     http.Header{"Retry-After": []string{"300"}},
					Body:       io.NopCloser(strings.NewReader("slow down")),
				}, nil
			}
			body := `{"models": {"gemini-pro": {"quotaInfo": {"remainingFraction": 0.9}}}}`
			return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}, nil
		},
	}}
	p, _ := newTestPool(t, testConfig(t, accountsJSON), WithHTTPClient(client))

	p.RefreshQuota(context.Background())

	acc, _ := p.Manager().Account(0)
	if !acc.IsRateLimited("gemini", time.Now()) {
		t.Error("429 from the quota endpoint should rate limit the account")
	}
}
