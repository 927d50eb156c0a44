package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yansir/kiro-relay/internal/config"
	"github.com/yansir/kiro-relay/internal/store"
)

// Refresher renews Kiro OAuth access tokens, single-flighting concurrent
// refresh attempts per credential so two in-flight requests for the same
// expiring token never race each other against the upstream token endpoint.
type Refresher struct {
	pool   *Pool
	cfg    *config.Config
	client *http.Client
	store  store.Store

	mu    sync.Mutex
	gates map[string]*sync.Mutex // credentialID -> in-process refresh gate
}

func NewRefresher(pool *Pool, cfg *config.Config, s store.Store, client *http.Client) *Refresher {
	return &Refresher{
		pool:   pool,
		cfg:    cfg,
		client: client,
		store:  s,
		gates:  make(map[string]*sync.Mutex),
	}
}

func (r *Refresher) gateFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[id]
	if !ok {
		g = &sync.Mutex{}
		r.gates[id] = g
	}
	return g
}

// EnsureValid returns a usable access token for the credential, refreshing
// it first if it is expired or within the refresh-advance window.
func (r *Refresher) EnsureValid(ctx context.Context, id string) (string, error) {
	cred, err := r.pool.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", fmt.Errorf("credential %s not found", id)
	}
	if !cred.IsExpiringSoon(r.cfg.TokenRefreshAdvance) {
		return cred.AccessToken, nil
	}
	return r.refresh(ctx, id, r.cfg.TokenRefreshAdvance, false)
}

// tokenRefreshFailedCooldown is how long a credential sits out after a
// refresh fails with no stale-token fallback: every foreground failure, and a
// background failure once the token is within TokenRefreshAdvance of expiry.
const tokenRefreshFailedCooldown = 10 * time.Minute

// ForceRefresh refreshes the credential's access token unconditionally, for
// the foreground path: a live request is waiting on the result, so a
// refresh failure is never silently degraded — it sets a
// token_refresh_failed cooldown and surfaces the error. Use BackgroundRefresh
// for the proactive sweep, which may serve a stale-but-not-yet-expired token.
func (r *Refresher) ForceRefresh(ctx context.Context, id string) (string, error) {
	return r.refresh(ctx, id, r.cfg.TokenRefreshAdvance, false)
}

// BackgroundRefresh refreshes the credential's access token for the
// proactive background sweep, which considers a credential due using the
// wider look-ahead window (the sweep already filtered on this before
// calling in): since no live request is blocked on the result, a refresh
// failure against a token that has not yet actually expired (the narrower
// TokenRefreshAdvance window) gracefully degrades to serving that token
// rather than disabling the credential over a transient refresh hiccup.
func (r *Refresher) BackgroundRefresh(ctx context.Context, id string) (string, error) {
	return r.refresh(ctx, id, r.cfg.RefreshLookAhead, true)
}

// refresh renews id's access token if it is within dueThreshold of expiry.
// allowStaleFallback governs what happens when the refresh attempt itself
// fails: false (foreground) always surfaces the error and sets a
// token_refresh_failed cooldown; true (background) first checks whether the
// token is still not expired under the narrower TokenRefreshAdvance window
// and, if so, serves it as-is instead of failing.
func (r *Refresher) refresh(ctx context.Context, id string, dueThreshold time.Duration, allowStaleFallback bool) (string, error) {
	gate := r.gateFor(id)
	gate.Lock()
	defer gate.Unlock()

	holderID := uuid.NewString()
	acquired, err := r.store.AcquireRefreshLock(ctx, id, holderID, 30*time.Second)
	if err != nil {
		return "", fmt.Errorf("acquire refresh lock: %w", err)
	}
	if !acquired {
		// Another process is already refreshing this credential; serve
		// whatever token is currently on record rather than racing it.
		cred, err := r.pool.Get(ctx, id)
		if err != nil || cred == nil {
			return "", err
		}
		return cred.AccessToken, nil
	}
	defer func() { _ = r.store.ReleaseRefreshLock(ctx, id, holderID) }()

	cred, err := r.pool.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", fmt.Errorf("credential %s not found", id)
	}

	// Another goroutine may have refreshed it while we waited for the gate.
	if !cred.IsExpiringSoon(dueThreshold) {
		return cred.AccessToken, nil
	}

	if isTruncatedRefreshToken(cred.RefreshToken) {
		r.pool.ReportFailure(ctx, id, CooldownGeneric, "", time.Hour, "refresh token truncated, cannot renew")
		return "", fmt.Errorf("credential %s: refresh token truncated", id)
	}

	var (
		accessToken, refreshToken string
		expiresIn                 int
		refreshErr                error
	)
	switch cred.Provider {
	case ProviderIdC:
		accessToken, refreshToken, expiresIn, refreshErr = r.refreshIdC(ctx, cred)
	default:
		accessToken, refreshToken, expiresIn, refreshErr = r.refreshSocial(ctx, cred)
	}

	if refreshErr != nil {
		if allowStaleFallback && cred.AccessToken != "" && !cred.IsExpiringSoon(r.cfg.TokenRefreshAdvance) {
			// Background sweep only, and only when the token isn't actually
			// expired yet (narrower window than the look-ahead that made us
			// attempt this refresh): let the next tick retry instead of
			// disabling the credential over a transient hiccup.
			return cred.AccessToken, nil
		}
		r.pool.ReportFailure(ctx, id, CooldownTokenRefreshFailed, "", tokenRefreshFailedCooldown, refreshErr.Error())
		return "", refreshErr
	}

	now := time.Now().UTC()
	newExpiry := now.Add(time.Duration(expiresIn) * time.Second)
	if refreshToken == "" {
		refreshToken = cred.RefreshToken
	}

	cred.AccessToken = accessToken
	cred.RefreshToken = refreshToken
	cred.ExpiresAt = newExpiry.UnixMilli()
	cred.LastRefreshAt = &now
	cred.Status = StatusActive
	cred.ErrorMessage = ""

	if err := r.pool.Put(ctx, cred); err != nil {
		return "", err
	}
	return accessToken, nil
}

// refreshSocial performs the Kiro social-login refresh flow:
// POST {refreshSocialURL} {"refreshToken": "..."}
func (r *Refresher) refreshSocial(ctx context.Context, cred *Credential) (accessToken, refreshToken string, expiresIn int, err error) {
	reqBody, _ := json.Marshal(map[string]string{"refreshToken": cred.RefreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.KiroRefreshSocialURL, strings.NewReader(string(reqBody)))
	if err != nil {
		return "", "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())

	resp, err := r.client.Do(req)
	if err != nil {
		return "", "", 0, fmt.Errorf("social refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, fmt.Errorf("social refresh failed: %d: %s", resp.StatusCode, truncateForLog(string(body)))
	}

	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", "", 0, fmt.Errorf("social refresh decode: %w", err)
	}
	if out.ExpiresIn == 0 {
		out.ExpiresIn = 3600
	}
	return out.AccessToken, out.RefreshToken, out.ExpiresIn, nil
}

// refreshIdC performs the AWS SSO/IdC OIDC refresh flow:
// POST {refreshIdCURL} grant_type=refresh_token with client credentials.
func (r *Refresher) refreshIdC(ctx context.Context, cred *Credential) (accessToken, refreshToken string, expiresIn int, err error) {
	reqBody, _ := json.Marshal(map[string]string{
		"grantType":    "refresh_token",
		"refreshToken": cred.RefreshToken,
		"clientId":     cred.ClientID,
		"clientSecret": cred.ClientSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.KiroRefreshIdCURL, strings.NewReader(string(reqBody)))
	if err != nil {
		return "", "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", "", 0, fmt.Errorf("idc refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, fmt.Errorf("idc refresh failed: %d: %s", resp.StatusCode, truncateForLog(string(body)))
	}

	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", "", 0, fmt.Errorf("idc refresh decode: %w", err)
	}
	if out.ExpiresIn == 0 {
		out.ExpiresIn = 3600
	}
	return out.AccessToken, out.RefreshToken, out.ExpiresIn, nil
}

// isTruncatedRefreshToken detects refresh tokens that were clipped by a
// logging or copy-paste pipeline upstream and can never exchange cleanly.
func isTruncatedRefreshToken(token string) bool {
	if token == "" {
		return true
	}
	if strings.HasSuffix(token, "...") || strings.Contains(token, "...") {
		return true
	}
	return len(token) < 100
}

func truncateForLog(s string) string {
	const max = 300
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
