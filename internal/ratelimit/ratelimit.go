// Package ratelimit implements kiro-relay's proactive per-credential request
// pacing: a daily request cap, a jittered minimum interval between calls,
// and an exponential backoff that escalates hard on suspend signals from
// upstream. It complements (but does not replace) the credential package's
// reactive cooldown bookkeeping — this package decides whether to let a
// request through at all; credential.Pool decides what to do after one fails.
package ratelimit

import (
	"context"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/yansir/kiro-relay/internal/config"
	"github.com/yansir/kiro-relay/internal/credential"
	"github.com/yansir/kiro-relay/internal/store"
)

// suspendPattern matches upstream response bodies indicating the account
// itself has been flagged, not just rate limited — these force a long,
// single-step backoff regardless of the current escalation level.
var suspendPattern = regexp.MustCompile(`(?i)(suspend|banned|terminated|account.{0,20}disabled|violat(ed|ion))`)

type credentialState struct {
	lastRequestAt time.Time
	backoffLevel  int
	suspendUntil  time.Time // non-zero while a detected suspend signal forces a long backoff
}

// Limiter paces outbound requests per credential.
type Limiter struct {
	store store.Store
	cfg   *config.Config

	mu     sync.Mutex
	states map[string]*credentialState
}

func New(s store.Store, cfg *config.Config) *Limiter {
	return &Limiter{
		store:  s,
		cfg:    cfg,
		states: make(map[string]*credentialState),
	}
}

func (l *Limiter) stateFor(id string) *credentialState {
	st, ok := l.states[id]
	if !ok {
		st = &credentialState{}
		l.states[id] = st
	}
	return st
}

// Wait blocks until credentialID is allowed to send its next request,
// honoring any suspend window, any active backoff, and the jittered minimum
// interval. It returns ctx.Err() early if ctx is done before the delay
// elapses; callers should pass a context with the request's own timeout so a
// long backoff can still be interrupted by client cancellation.
func (l *Limiter) Wait(ctx context.Context, credentialID string) error {
	delay := l.nextDelay(credentialID)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) nextDelay(credentialID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateFor(credentialID)
	now := time.Now()

	if st.suspendUntil.After(now) {
		delay := st.suspendUntil.Sub(now)
		st.lastRequestAt = now.Add(delay)
		return delay
	}

	var delay time.Duration
	if st.backoffLevel > 0 {
		delay = backoffDuration(l.cfg.RateLimitBackoffBase, l.cfg.RateLimitBackoffMax, st.backoffLevel)
	} else if !st.lastRequestAt.IsZero() {
		minInterval := l.cfg.RateLimitMinInterval
		jitter := time.Duration(rand.Int63n(int64(l.cfg.RateLimitJitter) + 1))
		target := st.lastRequestAt.Add(minInterval + jitter)
		if target.After(now) {
			delay = target.Sub(now)
		}
	}

	st.lastRequestAt = now.Add(delay)
	return delay
}

func backoffDuration(base, max time.Duration, level int) time.Duration {
	d := base
	for i := 1; i < level; i++ {
		d = d * 3 / 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// CheckDailyCap reports whether credentialID has exceeded its daily request
// allowance. A zero cap means unlimited.
func (l *Limiter) CheckDailyCap(ctx context.Context, credentialID string) (bool, error) {
	if l.cfg.RateLimitDailyCap <= 0 {
		return true, nil
	}
	dayKey := time.Now().UTC().Format("2006-01-02")
	count, err := l.store.IncrDailyRequestCount(ctx, credentialID, dayKey)
	if err != nil {
		return false, err
	}
	return count <= l.cfg.RateLimitDailyCap, nil
}

// RecordSuccess resets the backoff level after a clean response.
func (l *Limiter) RecordSuccess(credentialID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states[credentialID]; ok {
		st.backoffLevel = 0
		st.suspendUntil = time.Time{}
	}
}

// RecordFailure escalates the backoff level. If body contains a suspend
// signal, the backoff jumps straight to the configured suspend duration
// instead of the normal exponential ladder.
func (l *Limiter) RecordFailure(credentialID string, body string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateFor(credentialID)

	if suspendPattern.MatchString(body) {
		st.backoffLevel = 0 // the next normal failure restarts the ladder
		st.suspendUntil = time.Now().Add(l.cfg.SuspendBackoff)
		slog.Warn("suspend signal detected, forcing long backoff", "credentialId", credentialID)
		return l.cfg.SuspendBackoff
	}

	st.backoffLevel++
	return backoffDuration(l.cfg.RateLimitBackoffBase, l.cfg.RateLimitBackoffMax, st.backoffLevel)
}

// CaptureUsageLimits records a getUsageLimits snapshot into the credential
// pool's balance cache so future selection can prefer credentials with more
// headroom — the Kiro-domain equivalent of the Anthropic rate-limit header
// capture this package's ancestor used to do.
func CaptureUsageLimits(pool *credential.Pool, credentialID string, remaining, total float64) {
	pool.Balance().Update(credentialID, remaining, total)
}

// IsSuspendSignal reports whether a response body indicates the account has
// been flagged rather than merely rate limited.
func IsSuspendSignal(body string) bool {
	return suspendPattern.MatchString(strings.TrimSpace(body))
}

// RunCleanup periodically clears stale in-memory pacing state for
// credentials that haven't been used recently, bounding long-running memory
// growth in deployments that churn through many credentials over time.
func (l *Limiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-24 * time.Hour)
	for id, st := range l.states {
		if st.backoffLevel == 0 && !st.suspendUntil.After(now) && st.lastRequestAt.Before(cutoff) {
			delete(l.states, id)
		}
	}
}
