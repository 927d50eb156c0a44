package credential

import (
	"sync"
	"time"
)

// usageWindow is the rolling period over which recentUsageCount accumulates
// before resetting.
const usageWindow = 10 * time.Minute

// balanceEntry caches the last known usage-limit snapshot for a credential,
// plus the rolling request-usage counter used both for the entry's TTL and
// as the selection algorithm's primary tiebreak key.
type balanceEntry struct {
	remaining   float64
	total       float64
	fetchedAt   time.Time
	ttl         time.Duration
	initialized bool // distinguishes "never fetched" from "fetched zero"

	recentUsageCount int
	usageWindowStart time.Time
}

func (e balanceEntry) expired(now time.Time) bool {
	return now.Sub(e.fetchedAt) > e.ttl
}

// BalanceCache holds usage-limit snapshots (from the Kiro getUsageLimits
// endpoint) with a TTL that adapts to how close a credential is to
// exhaustion and how hard it has been used lately: heavily-used credentials
// get refreshed more eagerly, near-exhausted ones are held the longest.
type BalanceCache struct {
	mu      sync.RWMutex
	entries map[string]balanceEntry
	unavail map[string]map[string]time.Time // credentialID -> model -> until
}

func NewBalanceCache() *BalanceCache {
	return &BalanceCache{
		entries: make(map[string]balanceEntry),
		unavail: make(map[string]map[string]time.Time),
	}
}

// Update records a fresh usage snapshot and computes its TTL: near-exhausted
// (remaining < 1.0 request) gets a long 24h TTL since there's nothing to
// gain by re-checking sooner; a credential seeing heavy traffic (≥20 calls
// in the rolling 10-minute usage window) gets a short 10-minute TTL so its
// balance doesn't go stale under load; everything else gets 30 minutes.
func (b *BalanceCache) Update(credentialID string, remaining, total float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	e := b.entries[credentialID]
	e.resetUsageWindowIfStale(now)

	ttl := 30 * time.Minute
	switch {
	case remaining < 1.0:
		ttl = 24 * time.Hour
	case e.recentUsageCount >= 20:
		ttl = 10 * time.Minute
	}

	e.remaining = remaining
	e.total = total
	e.fetchedAt = now
	e.ttl = ttl
	e.initialized = true
	b.entries[credentialID] = e
}

func (e *balanceEntry) resetUsageWindowIfStale(now time.Time) {
	if e.usageWindowStart.IsZero() || now.Sub(e.usageWindowStart) > usageWindow {
		e.usageWindowStart = now
		e.recentUsageCount = 0
	}
}

// IncrementUsage records one successful call against credentialID, for the
// rolling 10-minute usage count that feeds both the entry's dynamic TTL and
// the selection algorithm's primary tiebreak key.
func (b *BalanceCache) IncrementUsage(credentialID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	e := b.entries[credentialID]
	e.resetUsageWindowIfStale(now)
	e.recentUsageCount++
	b.entries[credentialID] = e
}

// RecentUsageCount returns the current 10-minute usage count for a
// credential and whether it has ever been initialized (an uninitialized
// entry must be treated as +Inf by callers ranking candidates).
func (b *BalanceCache) RecentUsageCount(credentialID string) (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[credentialID]
	if !ok || e.usageWindowStart.IsZero() {
		return 0, false
	}
	return e.recentUsageCount, true
}

// Remaining returns the last known remaining-quota fraction and whether it
// is still within its TTL window.
func (b *BalanceCache) Remaining(credentialID string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[credentialID]
	if !ok || e.expired(time.Now()) {
		return 0, false
	}
	if e.total <= 0 {
		return 0, false
	}
	return e.remaining / e.total, true
}

// SetModelUnavailable marks a specific model as unavailable on a credential
// until the given deadline (model-not-available upstream responses are
// scoped to a single model, not the whole credential).
func (b *BalanceCache) SetModelUnavailable(credentialID, model string, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.unavail[credentialID]
	if !ok {
		m = make(map[string]time.Time)
		b.unavail[credentialID] = m
	}
	m[model] = until
}

// ModelUnavailableUntil returns the recovery deadline for a model on a
// credential, if one is set.
func (b *BalanceCache) ModelUnavailableUntil(credentialID, model string) (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.unavail[credentialID]
	if !ok {
		return time.Time{}, false
	}
	until, ok := m[model]
	return until, ok
}

// Clear removes all cached state for a credential (used on deletion).
func (b *BalanceCache) Clear(credentialID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, credentialID)
	delete(b.unavail, credentialID)
}
