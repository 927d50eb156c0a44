// Package credential manages the pool of Kiro OAuth credentials used to
// authenticate upstream CodeWhisperer requests: selection, cooldown,
// disablement, and persistence.
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yansir/kiro-relay/internal/config"
	"github.com/yansir/kiro-relay/internal/store"
)

// Provider identifies which OAuth flow a credential was issued through.
type Provider string

const (
	ProviderSocial Provider = "social"
	ProviderIdC    Provider = "idc"
)

// Status is the scheduling state of a credential.
type Status string

const (
	StatusActive          Status = "active"
	StatusCooldown        Status = "cooldown"
	StatusModelUnavailable Status = "model_unavailable"
	StatusQuotaExhausted  Status = "quota_exhausted"
	StatusDisabled        Status = "disabled"
)

// DisableReason classifies why a disabled credential was taken out of
// rotation, distinguishing auto-recoverable disablement from permanent.
type DisableReason string

const (
	DisableReasonFailureLimit        DisableReason = "failure_limit"
	DisableReasonInsufficientBalance DisableReason = "insufficient_balance"
	DisableReasonModelUnavailable    DisableReason = "model_unavailable"
	DisableReasonManual              DisableReason = "manual"
	DisableReasonQuotaExceeded       DisableReason = "quota_exceeded"
)

// AutoHealTag marks a disabled credential as eligible for automatic
// re-enablement (and by which mechanism), versus one only an admin can clear.
type AutoHealTag string

const (
	AutoHealManual          AutoHealTag = "manual"
	AutoHealTooManyFailures AutoHealTag = "too_many_failures"
	AutoHealQuotaExceeded   AutoHealTag = "quota_exceeded"
)

// Credential represents one Kiro OAuth credential in the pool.
type Credential struct {
	ID           string    `json:"id"`
	Provider     Provider  `json:"provider"`
	Label        string    `json:"label"`
	Status       Status    `json:"status"`
	Priority     int       `json:"priority"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`

	// OAuth material. AccessToken/RefreshToken are encrypted at rest and
	// decrypted into memory only while held by the pool.
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	ExpiresAt    int64  `json:"expiresAt"` // unix millis

	// IdC-only fields
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"-"`

	Region     string `json:"region"`
	ProfileARN string `json:"profileArn,omitempty"`

	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	LastRefreshAt *time.Time `json:"lastRefreshAt,omitempty"`

	CooldownUntil    *time.Time    `json:"cooldownUntil,omitempty"`
	CooldownCategory string        `json:"cooldownCategory,omitempty"`
	TooManyFailures  int           `json:"tooManyFailures,omitempty"`
	DisableReason    DisableReason `json:"disableReason,omitempty"`
	AutoHealTag      AutoHealTag   `json:"autoHealTag,omitempty"`

	RequestsToday int       `json:"requestsToday,omitempty"`
	DailyResetAt  time.Time `json:"dailyResetAt,omitempty"`

	// Proxy routes this credential's upstream traffic through a distinct
	// egress IP, for deployments spreading many credentials across addresses.
	Proxy *ProxyConfig `json:"proxy,omitempty"`
}

// ProxyConfig describes an upstream proxy for one credential's traffic.
type ProxyConfig struct {
	Type     string `json:"type"` // socks5, http
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ExpiresAtTime returns ExpiresAt as a time.Time.
func (c *Credential) ExpiresAtTime() time.Time {
	return time.UnixMilli(c.ExpiresAt)
}

// IsExpiringSoon reports whether the credential's token will expire within d.
func (c *Credential) IsExpiringSoon(d time.Duration) bool {
	return time.Now().Add(d).After(c.ExpiresAtTime())
}

// Schedulable reports whether the credential is currently eligible for selection.
func (c *Credential) Schedulable(now time.Time) bool {
	switch c.Status {
	case StatusDisabled, StatusQuotaExhausted:
		return false
	case StatusCooldown:
		return c.CooldownUntil == nil || !now.Before(*c.CooldownUntil)
	case StatusModelUnavailable:
		return c.CooldownUntil == nil || !now.Before(*c.CooldownUntil)
	default:
		return true
	}
}

// SelectOptions constrains credential selection for one request.
type SelectOptions struct {
	BoundID    string   // affinity-bound credential ID, preferred if still eligible
	ExcludeIDs []string // credentials already tried this request
	Model      string   // requested model, for model-unavailable filtering
}

// maxFailures is the spec's MAX_FAILURES: the number of consecutive
// ReportFailure calls (from zero) that disable a credential.
const maxFailures = 2

// modelUnavailableThreshold is the number of pool-wide ReportModelUnavailable
// signals that trip a disable-all of every enabled credential.
const modelUnavailableThreshold = 2

// Pool selects and tracks the lifecycle of Kiro credentials.
type Pool struct {
	store   store.Store
	crypto  *Crypto
	cfg     *config.Config
	balance *BalanceCache

	rrCounter atomic.Uint64

	// Global model-unavailable state: a pool-wide consecutive-error counter
	// and recovery deadline, distinct from the per-credential-per-model
	// cooldown the balance cache tracks. Short critical section only.
	mu                     sync.Mutex
	modelUnavailableCount  int
	globalRecoveryDeadline time.Time
}

func NewPool(s store.Store, crypto *Crypto, cfg *config.Config) *Pool {
	return &Pool{
		store:   s,
		crypto:  crypto,
		cfg:     cfg,
		balance: NewBalanceCache(),
	}
}

// List returns every credential in the pool (decrypted tokens omitted from JSON).
func (p *Pool) List(ctx context.Context) ([]*Credential, error) {
	ids, err := p.store.ListAccountIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Credential, 0, len(ids))
	for _, id := range ids {
		c, err := p.Get(ctx, id)
		if err != nil || c == nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Get returns one credential with tokens decrypted.
func (p *Pool) Get(ctx context.Context, id string) (*Credential, error) {
	data, err := p.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return p.fromMap(data)
}

// Put persists a credential, encrypting its token material.
func (p *Pool) Put(ctx context.Context, c *Credential) error {
	fields, err := p.toMap(c)
	if err != nil {
		return err
	}
	return p.store.SetAccount(ctx, c.ID, fields)
}

// Create adds a new credential to the pool from imported OAuth material.
func (p *Pool) Create(ctx context.Context, provider Provider, label, accessToken, refreshToken string, expiresAt time.Time, priority int) (*Credential, error) {
	c := &Credential{
		ID:           uuid.NewString(),
		Provider:     provider,
		Label:        label,
		Status:       StatusActive,
		Priority:     priority,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt.UnixMilli(),
		Region:       p.cfg.KiroRegion,
		ProfileARN:   p.cfg.ProfileARN,
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.Put(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes a credential from the pool.
func (p *Pool) Delete(ctx context.Context, id string) error {
	return p.store.DeleteAccount(ctx, id)
}

// Update merges field changes into a persisted credential.
func (p *Pool) Update(ctx context.Context, id string, fields map[string]string) error {
	return p.store.SetAccountFields(ctx, id, fields)
}

// Acquire selects one schedulable credential honoring affinity, priority,
// balance-cache ordering, and round-robin tiebreak.
func (p *Pool) Acquire(ctx context.Context, opts SelectOptions) (*Credential, error) {
	now := time.Now()
	p.runRecoveryCheck(ctx, now)

	all, err := p.List(ctx)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(opts.ExcludeIDs))
	for _, id := range opts.ExcludeIDs {
		excluded[id] = true
	}

	// Affinity-bound credential takes priority if it is still eligible.
	if opts.BoundID != "" && !excluded[opts.BoundID] {
		for _, c := range all {
			if c.ID == opts.BoundID && c.Schedulable(now) && !p.isModelDisabled(c, opts.Model, now) {
				return c, nil
			}
		}
	}

	candidates := p.schedulableCandidates(all, excluded, opts.Model, now)
	if len(candidates) == 0 && p.selfHeal(ctx, all) {
		// A bad window disabled every entry on failure_limit; re-enabling
		// them all prevents a permanent lock-out. Recompute against fresh state.
		all, err = p.List(ctx)
		if err != nil {
			return nil, err
		}
		candidates = p.schedulableCandidates(all, excluded, opts.Model, now)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no schedulable credentials")
	}

	best := rankCandidates(candidates, p.balance)
	if len(best) == 1 {
		return best[0], nil
	}

	idx := p.rrCounter.Add(1) % uint64(len(best))
	return best[idx], nil
}

func (p *Pool) schedulableCandidates(all []*Credential, excluded map[string]bool, model string, now time.Time) []*Credential {
	var out []*Credential
	for _, c := range all {
		if excluded[c.ID] {
			continue
		}
		if !c.Schedulable(now) {
			continue
		}
		if p.isModelDisabled(c, model, now) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// runRecoveryCheck re-enables every credential disabled for model_unavailable
// once the pool-wide recovery deadline has passed, and zeros the global
// model-unavailable counter. Entries disabled for any other reason are left
// untouched.
func (p *Pool) runRecoveryCheck(ctx context.Context, now time.Time) {
	p.mu.Lock()
	due := !p.globalRecoveryDeadline.IsZero() && !now.Before(p.globalRecoveryDeadline)
	if due {
		p.globalRecoveryDeadline = time.Time{}
		p.modelUnavailableCount = 0
	}
	p.mu.Unlock()
	if !due {
		return
	}

	all, err := p.List(ctx)
	if err != nil {
		return
	}
	for _, c := range all {
		if c.Status == StatusDisabled && c.DisableReason == DisableReasonModelUnavailable {
			_ = p.store.SetAccountFields(ctx, c.ID, map[string]string{
				"status":        string(StatusActive),
				"disableReason": "",
				"errorMessage":  "",
			})
		}
	}
}

// selfHeal re-enables every credential disabled with the too_many_failures
// auto-heal tag. Returns whether any entry was healed.
func (p *Pool) selfHeal(ctx context.Context, all []*Credential) bool {
	healed := false
	for _, c := range all {
		if c.Status == StatusDisabled && c.AutoHealTag == AutoHealTooManyFailures {
			_ = p.store.SetAccountFields(ctx, c.ID, map[string]string{
				"status":          string(StatusActive),
				"disableReason":   "",
				"autoHealTag":     "",
				"tooManyFailures": "0",
				"errorMessage":    "",
			})
			healed = true
		}
	}
	return healed
}

// ReportModelUnavailable records one upstream signal that a model itself is
// unavailable, independent of any single credential. At
// modelUnavailableThreshold it disables every currently-enabled credential
// for the configured recovery window. Returns whether this call tripped
// that pool-wide disablement.
func (p *Pool) ReportModelUnavailable(ctx context.Context) bool {
	p.mu.Lock()
	p.modelUnavailableCount++
	tripped := p.modelUnavailableCount >= modelUnavailableThreshold
	if tripped {
		p.modelUnavailableCount = 0
		p.globalRecoveryDeadline = time.Now().Add(p.cfg.ModelUnavailableRecovery)
	}
	p.mu.Unlock()
	if !tripped {
		return false
	}

	all, err := p.List(ctx)
	if err != nil {
		return true
	}
	for _, c := range all {
		if c.Status == StatusDisabled || c.Status == StatusQuotaExhausted {
			continue
		}
		_ = p.store.SetAccountFields(ctx, c.ID, map[string]string{
			"status":        string(StatusDisabled),
			"disableReason": string(DisableReasonModelUnavailable),
			"errorMessage":  "model temporarily unavailable upstream",
		})
	}
	return true
}

// InvalidateAccessToken clears a credential's access token expiry so the
// next acquire forces a refresh, regardless of the cached token's apparent
// validity.
func (p *Pool) InvalidateAccessToken(ctx context.Context, id string) error {
	return p.store.SetAccountFields(ctx, id, map[string]string{"expiresAt": "0"})
}

// isModelDisabled reports whether model has been marked unavailable on this
// credential and the recovery deadline has not yet elapsed.
func (p *Pool) isModelDisabled(c *Credential, model string, now time.Time) bool {
	if model == "" {
		return false
	}
	until, ok := p.balance.ModelUnavailableUntil(c.ID, model)
	return ok && now.Before(until)
}

// rankCandidates returns the highest-priority tier (the lowest Priority
// value present; lower value = higher priority), ordered first by
// ascending recent usage count (an uninitialized entry sorts last, as if
// +Inf, holding fresh credentials back until warmed) and second by
// descending remaining balance (unknown sorts as 0).
func rankCandidates(cands []*Credential, bc *BalanceCache) []*Credential {
	minPriority := cands[0].Priority
	for _, c := range cands {
		if c.Priority < minPriority {
			minPriority = c.Priority
		}
	}
	var tier []*Credential
	for _, c := range cands {
		if c.Priority == minPriority {
			tier = append(tier, c)
		}
	}

	type scored struct {
		cred       *Credential
		usage      int
		usageKnown bool
		remaining  float64
	}
	scoredList := make([]scored, 0, len(tier))
	for _, c := range tier {
		usage, usageKnown := bc.RecentUsageCount(c.ID)
		rem, known := bc.Remaining(c.ID)
		if !known {
			rem = 0
		}
		scoredList = append(scoredList, scored{cred: c, usage: usage, usageKnown: usageKnown, remaining: rem})
	}

	less := func(a, b scored) bool {
		if a.usageKnown != b.usageKnown {
			return a.usageKnown // known (finite) ranks ahead of uninitialized (+Inf)
		}
		if a.usageKnown && a.usage != b.usage {
			return a.usage < b.usage
		}
		return a.remaining > b.remaining
	}
	sort.SliceStable(scoredList, func(i, j int) bool {
		return less(scoredList[i], scoredList[j])
	})

	if len(scoredList) == 0 {
		return tier
	}

	// Only the top-ranked tied group participates in round robin.
	top := scoredList[0]
	var equalTop []*Credential
	for _, s := range scoredList {
		if !less(top, s) && !less(s, top) {
			equalTop = append(equalTop, s.cred)
			continue
		}
		break
	}
	if len(equalTop) == 0 {
		return []*Credential{top.cred}
	}
	return equalTop
}

// ReportSuccess clears cooldown state, zeros the global model-unavailable
// counter, and records usage on a successful call.
func (p *Pool) ReportSuccess(ctx context.Context, id string) {
	now := time.Now().UTC()

	p.mu.Lock()
	p.modelUnavailableCount = 0
	p.mu.Unlock()
	p.balance.IncrementUsage(id)

	_ = p.store.SetAccountFields(ctx, id, map[string]string{
		"status":           string(StatusActive),
		"errorMessage":     "",
		"cooldownUntil":    "",
		"cooldownCategory": "",
		"tooManyFailures":  "0",
		"disableReason":    "",
		"autoHealTag":      "",
		"lastUsedAt":       now.Format(time.RFC3339),
	})
}

// CooldownCategory classifies a failure for cooldown duration selection.
type CooldownCategory string

const (
	CooldownBearerInvalid      CooldownCategory = "bearer_invalid"
	CooldownModelUnavailable   CooldownCategory = "model_unavailable"
	CooldownRateLimited        CooldownCategory = "rate_limited"
	CooldownGeneric            CooldownCategory = "generic"
	CooldownQuotaExhausted     CooldownCategory = "quota_exhausted"
	CooldownTokenRefreshFailed CooldownCategory = "token_refresh_failed"
)

// ReportFailure records a failure classification and applies the
// corresponding cooldown or disablement. At maxFailures consecutive
// failures the entry is disabled with reason failure_limit and auto-heal
// tag too_many_failures, so a later Acquire can self-heal it.
func (p *Pool) ReportFailure(ctx context.Context, id string, cat CooldownCategory, model string, dur time.Duration, msg string) {
	now := time.Now().UTC()

	if cat == CooldownQuotaExhausted {
		// Quota exhaustion never self-heals; only an admin restores it. The
		// failure count is set to the threshold for UI clarity.
		_ = p.store.SetAccountFields(ctx, id, map[string]string{
			"status":          string(StatusQuotaExhausted),
			"disableReason":   string(DisableReasonQuotaExceeded),
			"autoHealTag":     string(AutoHealQuotaExceeded),
			"tooManyFailures": strconv.Itoa(maxFailures),
			"errorMessage":    msg,
		})
		return
	}

	if cat == CooldownModelUnavailable && model != "" {
		p.balance.SetModelUnavailable(id, model, now.Add(dur))
	}

	cred, err := p.Get(ctx, id)
	failures := 1
	if err == nil && cred != nil {
		failures = cred.TooManyFailures + 1
	}

	if failures >= maxFailures {
		_ = p.store.SetAccountFields(ctx, id, map[string]string{
			"status":          string(StatusDisabled),
			"disableReason":   string(DisableReasonFailureLimit),
			"autoHealTag":     string(AutoHealTooManyFailures),
			"tooManyFailures": strconv.Itoa(failures),
			"errorMessage":    msg,
		})
		return
	}

	until := now.Add(dur)
	_ = p.store.SetAccountFields(ctx, id, map[string]string{
		"status":           string(StatusCooldown),
		"cooldownUntil":    until.Format(time.RFC3339),
		"cooldownCategory": string(cat),
		"tooManyFailures":  strconv.Itoa(failures),
		"errorMessage":     msg,
	})
}

// Balance returns the pool's balance cache for direct inspection/update.
func (p *Pool) Balance() *BalanceCache { return p.balance }

func (p *Pool) toMap(c *Credential) (map[string]string, error) {
	encAccess, err := p.crypto.Encrypt(c.AccessToken, cryptoSalt)
	if err != nil {
		return nil, err
	}
	encRefresh, err := p.crypto.Encrypt(c.RefreshToken, cryptoSalt)
	if err != nil {
		return nil, err
	}
	encSecret := ""
	if c.ClientSecret != "" {
		encSecret, err = p.crypto.Encrypt(c.ClientSecret, cryptoSalt)
		if err != nil {
			return nil, err
		}
	}

	fields := map[string]string{
		"id":           c.ID,
		"provider":     string(c.Provider),
		"label":        c.Label,
		"status":       string(c.Status),
		"priority":     strconv.Itoa(c.Priority),
		"errorMessage": c.ErrorMessage,
		"createdAt":    c.CreatedAt.Format(time.RFC3339),
		"accessToken":  encAccess,
		"refreshToken": encRefresh,
		"expiresAt":    strconv.FormatInt(c.ExpiresAt, 10),
		"clientId":     c.ClientID,
		"clientSecret": encSecret,
		"region":       c.Region,
		"profileArn":   c.ProfileARN,
		"cooldownCategory": c.CooldownCategory,
		"tooManyFailures":  strconv.Itoa(c.TooManyFailures),
		"disableReason":    string(c.DisableReason),
		"autoHealTag":      string(c.AutoHealTag),
		"requestsToday":    strconv.Itoa(c.RequestsToday),
	}
	if c.LastUsedAt != nil {
		fields["lastUsedAt"] = c.LastUsedAt.Format(time.RFC3339)
	}
	if c.LastRefreshAt != nil {
		fields["lastRefreshAt"] = c.LastRefreshAt.Format(time.RFC3339)
	}
	if c.CooldownUntil != nil {
		fields["cooldownUntil"] = c.CooldownUntil.Format(time.RFC3339)
	}
	if !c.DailyResetAt.IsZero() {
		fields["dailyResetAt"] = c.DailyResetAt.Format(time.RFC3339)
	}
	if c.Proxy != nil {
		proxyJSON, _ := json.Marshal(c.Proxy)
		fields["proxy"] = string(proxyJSON)
	}
	return fields, nil
}

func (p *Pool) fromMap(m map[string]string) (*Credential, error) {
	c := &Credential{
		ID:               m["id"],
		Provider:         Provider(m["provider"]),
		Label:            m["label"],
		Status:           Status(m["status"]),
		Priority:         atoi(m["priority"], 50),
		ErrorMessage:     m["errorMessage"],
		ExpiresAt:        atoi64(m["expiresAt"], 0),
		ClientID:         m["clientId"],
		Region:           m["region"],
		ProfileARN:       m["profileArn"],
		CooldownCategory: m["cooldownCategory"],
		TooManyFailures:  atoi(m["tooManyFailures"], 0),
		DisableReason:    DisableReason(m["disableReason"]),
		AutoHealTag:      AutoHealTag(m["autoHealTag"]),
		RequestsToday:    atoi(m["requestsToday"], 0),
	}

	if t, err := time.Parse(time.RFC3339, m["createdAt"]); err == nil {
		c.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m["lastUsedAt"]); err == nil {
		c.LastUsedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, m["lastRefreshAt"]); err == nil {
		c.LastRefreshAt = &t
	}
	if t, err := time.Parse(time.RFC3339, m["cooldownUntil"]); err == nil {
		c.CooldownUntil = &t
	}
	if t, err := time.Parse(time.RFC3339, m["dailyResetAt"]); err == nil {
		c.DailyResetAt = t
	}

	if enc := m["accessToken"]; enc != "" {
		dec, err := p.crypto.Decrypt(enc, cryptoSalt)
		if err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		c.AccessToken = dec
	}
	if enc := m["refreshToken"]; enc != "" {
		dec, err := p.crypto.Decrypt(enc, cryptoSalt)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
		c.RefreshToken = dec
	}
	if enc := m["clientSecret"]; enc != "" {
		dec, err := p.crypto.Decrypt(enc, cryptoSalt)
		if err != nil {
			return nil, fmt.Errorf("decrypt client secret: %w", err)
		}
		c.ClientSecret = dec
	}
	if proxyStr := m["proxy"]; proxyStr != "" {
		var pc ProxyConfig
		if json.Unmarshal([]byte(proxyStr), &pc) == nil && pc.Host != "" {
			c.Proxy = &pc
		}
	}

	return c, nil
}

func atoi(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func atoi64(s string, def int64) int64 {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return def
}

// MarshalPublic renders a credential without secret material, for admin APIs.
func MarshalPublic(c *Credential) ([]byte, error) {
	type public struct {
		ID            string     `json:"id"`
		Provider      Provider   `json:"provider"`
		Label         string     `json:"label"`
		Status        Status     `json:"status"`
		Priority      int        `json:"priority"`
		ErrorMessage  string     `json:"errorMessage,omitempty"`
		CreatedAt     time.Time  `json:"createdAt"`
		ExpiresAt     int64      `json:"expiresAt"`
		Region        string     `json:"region"`
		LastUsedAt    *time.Time    `json:"lastUsedAt,omitempty"`
		LastRefreshAt *time.Time    `json:"lastRefreshAt,omitempty"`
		CooldownUntil *time.Time    `json:"cooldownUntil,omitempty"`
		DisableReason DisableReason `json:"disableReason,omitempty"`
		AutoHealTag   AutoHealTag   `json:"autoHealTag,omitempty"`
	}
	return json.Marshal(public{
		ID: c.ID, Provider: c.Provider, Label: c.Label, Status: c.Status,
		Priority: c.Priority, ErrorMessage: c.ErrorMessage, CreatedAt: c.CreatedAt,
		ExpiresAt: c.ExpiresAt, Region: c.Region, LastUsedAt: c.LastUsedAt,
		LastRefreshAt: c.LastRefreshAt, CooldownUntil: c.CooldownUntil,
		DisableReason: c.DisableReason, AutoHealTag: c.AutoHealTag,
	})
}
