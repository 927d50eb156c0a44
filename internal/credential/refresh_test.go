package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yansir/kiro-relay/internal/config"
	"github.com/yansir/kiro-relay/internal/store"
)

func newTestRefresher(t *testing.T, socialURL string) (*Pool, *Refresher) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	crypto := NewCrypto("test-encryption-key")
	cfg := &config.Config{
		KiroRegion:           "us-east-1",
		KiroRefreshSocialURL: socialURL,
		TokenRefreshAdvance:  5 * time.Minute,
		RefreshLookAhead:     15 * time.Minute,
	}
	pool := NewPool(s, crypto, cfg)
	refresher := NewRefresher(pool, cfg, s, http.DefaultClient)
	return pool, refresher
}

func TestForceRefreshSurfacesErrorAndSetsCooldownOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pool, refresher := newTestRefresher(t, srv.URL)
	// Expiring within the 5-minute advance window: due for refresh.
	c, err := pool.Create(context.Background(), ProviderSocial, "seed", "old-access-tok",
		"refresh-tok-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789", time.Now().Add(time.Minute), 50)
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}

	_, err = refresher.ForceRefresh(context.Background(), c.ID)
	if err == nil {
		t.Fatalf("expected ForceRefresh to surface the upstream error, not degrade silently")
	}

	got, err := pool.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCooldown || got.CooldownCategory != string(CooldownTokenRefreshFailed) {
		t.Fatalf("expected token_refresh_failed cooldown, got status=%s category=%s", got.Status, got.CooldownCategory)
	}
}

func TestBackgroundRefreshDegradesToStaleTokenWhenNotYetExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pool, refresher := newTestRefresher(t, srv.URL)
	// Within the 15-minute look-ahead window (so the background sweep
	// attempts it) but not within the narrower 5-minute advance window (so
	// it is not yet actually "expired").
	cred, err := pool.Create(context.Background(), ProviderSocial, "seed", "still-good-access-tok",
		"refresh-tok-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789", time.Now().Add(10*time.Minute), 50)
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}

	token, err := refresher.BackgroundRefresh(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("expected background refresh to gracefully degrade, got error: %v", err)
	}
	if token != "still-good-access-tok" {
		t.Fatalf("expected stale-but-valid token to be served, got %q", token)
	}

	got, err := pool.Get(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status == StatusCooldown {
		t.Fatalf("graceful degradation must not set a cooldown, got status=%s", got.Status)
	}
}

func TestBackgroundRefreshSurfacesErrorWhenTokenActuallyExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pool, refresher := newTestRefresher(t, srv.URL)
	// Within both the look-ahead and the advance window: genuinely expired.
	cred, err := pool.Create(context.Background(), ProviderSocial, "seed", "old-access-tok",
		"refresh-tok-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789", time.Now().Add(time.Minute), 50)
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}

	_, err = refresher.BackgroundRefresh(context.Background(), cred.ID)
	if err == nil {
		t.Fatalf("expected background refresh to surface the error once the token is genuinely expired")
	}

	got, err := pool.Get(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCooldown || got.CooldownCategory != string(CooldownTokenRefreshFailed) {
		t.Fatalf("expected token_refresh_failed cooldown, got status=%s category=%s", got.Status, got.CooldownCategory)
	}
}
