package credential

import (
	"context"
	"testing"
	"time"

	"github.com/yansir/kiro-relay/internal/config"
	"github.com/yansir/kiro-relay/internal/store"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	crypto := NewCrypto("test-encryption-key")
	cfg := &config.Config{KiroRegion: "us-east-1"}
	return NewPool(s, crypto, cfg)
}

func seedCredential(t *testing.T, p *Pool, priority int) *Credential {
	t.Helper()
	c, err := p.Create(context.Background(), ProviderSocial, "seed", "access-tok", "refresh-tok-0123456789-0123456789-0123456789-0123456789", time.Now().Add(time.Hour), priority)
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}
	return c
}

func TestCreateAndGetRoundTrips(t *testing.T) {
	p := newTestPool(t)
	c := seedCredential(t, p, 50)

	got, err := p.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected credential, got nil")
	}
	if got.AccessToken != "access-tok" {
		t.Fatalf("expected decrypted access token, got %q", got.AccessToken)
	}
	if got.RefreshToken != "refresh-tok-0123456789-0123456789-0123456789-0123456789" {
		t.Fatalf("unexpected refresh token: %q", got.RefreshToken)
	}
}

func TestAcquirePrefersHigherPriority(t *testing.T) {
	p := newTestPool(t)
	high := seedCredential(t, p, 10) // lower value = higher priority
	seedCredential(t, p, 90)

	got, err := p.Acquire(context.Background(), SelectOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got.ID != high.ID {
		t.Fatalf("expected high priority credential %s, got %s", high.ID, got.ID)
	}
}

func TestAcquireHonorsAffinityBinding(t *testing.T) {
	p := newTestPool(t)
	a := seedCredential(t, p, 50)
	b := seedCredential(t, p, 50)
	_ = b

	got, err := p.Acquire(context.Background(), SelectOptions{BoundID: a.ID})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got.ID != a.ID {
		t.Fatalf("expected bound credential %s, got %s", a.ID, got.ID)
	}
}

func TestReportFailureAppliesCooldown(t *testing.T) {
	p := newTestPool(t)
	c := seedCredential(t, p, 50)

	p.ReportFailure(context.Background(), c.ID, CooldownRateLimited, "", time.Minute, "rate limited")

	got, err := p.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCooldown {
		t.Fatalf("expected cooldown status, got %s", got.Status)
	}
	if got.Schedulable(time.Now()) {
		t.Fatalf("expected credential to be unschedulable during cooldown")
	}
	if !got.Schedulable(time.Now().Add(2 * time.Minute)) {
		t.Fatalf("expected credential to recover after cooldown elapses")
	}
}

func TestReportFailureQuotaExhaustedNeverRecovers(t *testing.T) {
	p := newTestPool(t)
	c := seedCredential(t, p, 50)

	p.ReportFailure(context.Background(), c.ID, CooldownQuotaExhausted, "", 0, "monthly request count exceeded")

	got, err := p.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusQuotaExhausted {
		t.Fatalf("expected quota_exhausted status, got %s", got.Status)
	}
	if got.Schedulable(time.Now().Add(24 * time.Hour)) {
		t.Fatalf("quota-exhausted credentials must never self-heal")
	}
}

func TestAcquireExcludesIneligibleCredentials(t *testing.T) {
	p := newTestPool(t)
	c := seedCredential(t, p, 50)
	p.ReportFailure(context.Background(), c.ID, CooldownGeneric, "", time.Hour, "boom")

	_, err := p.Acquire(context.Background(), SelectOptions{})
	if err == nil {
		t.Fatalf("expected error when no schedulable credentials remain")
	}
}

func TestReportFailureDisablesAtMaxFailuresAndSelfHeals(t *testing.T) {
	p := newTestPool(t)
	a := seedCredential(t, p, 50)
	b := seedCredential(t, p, 50)

	for _, c := range []*Credential{a, b} {
		p.ReportFailure(context.Background(), c.ID, CooldownGeneric, "", time.Minute, "boom")
		p.ReportFailure(context.Background(), c.ID, CooldownGeneric, "", time.Minute, "boom again")
	}

	for _, c := range []*Credential{a, b} {
		got, err := p.Get(context.Background(), c.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != StatusDisabled {
			t.Fatalf("expected credential %s to be disabled, got %s", c.ID, got.Status)
		}
		if got.DisableReason != DisableReasonFailureLimit || got.AutoHealTag != AutoHealTooManyFailures {
			t.Fatalf("expected failure_limit/too_many_failures, got %s/%s", got.DisableReason, got.AutoHealTag)
		}
	}

	// Every entry disabled on too_many_failures: Acquire must self-heal rather
	// than permanently locking the pool out.
	got, err := p.Acquire(context.Background(), SelectOptions{})
	if err != nil {
		t.Fatalf("acquire after self-heal: %v", err)
	}
	if got.ID != a.ID && got.ID != b.ID {
		t.Fatalf("unexpected acquired credential %s", got.ID)
	}

	healed, err := p.Get(context.Background(), got.ID)
	if err != nil {
		t.Fatalf("get healed: %v", err)
	}
	if healed.Status != StatusActive || healed.DisableReason != "" || healed.AutoHealTag != "" {
		t.Fatalf("expected self-healed credential to be fully reset, got status=%s reason=%s tag=%s", healed.Status, healed.DisableReason, healed.AutoHealTag)
	}
}

func TestReportModelUnavailableDisablesAllAtThresholdAndRecovers(t *testing.T) {
	p := newTestPool(t)
	p.cfg.ModelUnavailableRecovery = 20 * time.Millisecond
	a := seedCredential(t, p, 50)
	b := seedCredential(t, p, 50)

	if p.ReportModelUnavailable(context.Background()) {
		t.Fatalf("first signal alone should not trip the pool-wide disable")
	}
	if !p.ReportModelUnavailable(context.Background()) {
		t.Fatalf("second signal should trip the pool-wide disable at threshold 2")
	}

	for _, c := range []*Credential{a, b} {
		got, err := p.Get(context.Background(), c.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != StatusDisabled || got.DisableReason != DisableReasonModelUnavailable {
			t.Fatalf("expected %s disabled for model_unavailable, got status=%s reason=%s", c.ID, got.Status, got.DisableReason)
		}
	}

	if _, err := p.Acquire(context.Background(), SelectOptions{}); err == nil {
		t.Fatalf("expected acquire to fail while the pool-wide disable is active")
	}

	time.Sleep(30 * time.Millisecond)

	got, err := p.Acquire(context.Background(), SelectOptions{})
	if err != nil {
		t.Fatalf("expected acquire to succeed once the recovery deadline has passed: %v", err)
	}
	if got.ID != a.ID && got.ID != b.ID {
		t.Fatalf("unexpected acquired credential %s", got.ID)
	}
}

func TestRankCandidatesPrefersLowerRecentUsageCount(t *testing.T) {
	p := newTestPool(t)
	warm := seedCredential(t, p, 50)
	cold := seedCredential(t, p, 50)

	for i := 0; i < 5; i++ {
		p.balance.IncrementUsage(warm.ID)
	}
	// cold is left untouched: its recent usage count is uninitialized and
	// must sort behind warm's known, lower count.

	best := rankCandidates([]*Credential{warm, cold}, p.balance)
	if len(best) != 1 || best[0].ID != warm.ID {
		t.Fatalf("expected warm credential (known lower usage count) to win, got %v", best)
	}
}

func TestIsTruncatedRefreshToken(t *testing.T) {
	cases := map[string]bool{
		"":                               true,
		"short":                          true,
		"ends-with-ellipsis...":          true,
		"contains...in the middle token": true,
		"refresh-tok-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789-0123456789": false,
	}
	for token, want := range cases {
		if got := isTruncatedRefreshToken(token); got != want {
			t.Errorf("isTruncatedRefreshToken(%q) = %v, want %v", token, got, want)
		}
	}
}
