package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/yansir/kiro-relay/internal/config"
	"github.com/yansir/kiro-relay/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() *config.Config {
	return &config.Config{
		RateLimitMinInterval: 20 * time.Millisecond,
		RateLimitMaxInterval: 200 * time.Millisecond,
		RateLimitJitter:      5 * time.Millisecond,
		RateLimitBackoffBase: 10 * time.Millisecond,
		RateLimitBackoffMax:  80 * time.Millisecond,
		SuspendBackoff:       time.Hour,
		RateLimitDailyCap:    3,
	}
}

func TestCheckDailyCapEnforcesLimit(t *testing.T) {
	s := newTestStore(t)
	l := New(s, testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.CheckDailyCap(ctx, "cred-1")
		if err != nil {
			t.Fatalf("check daily cap: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be within cap", i)
		}
	}

	ok, err := l.CheckDailyCap(ctx, "cred-1")
	if err != nil {
		t.Fatalf("check daily cap: %v", err)
	}
	if ok {
		t.Fatalf("4th request should exceed daily cap of 3")
	}
}

func TestCheckDailyCapZeroMeansUnlimited(t *testing.T) {
	s := newTestStore(t)
	cfg := testConfig()
	cfg.RateLimitDailyCap = 0
	l := New(s, cfg)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := l.CheckDailyCap(ctx, "cred-1")
		if err != nil {
			t.Fatalf("check daily cap: %v", err)
		}
		if !ok {
			t.Fatalf("unlimited cap should never reject, failed at request %d", i)
		}
	}
}

func TestWaitAppliesMinimumInterval(t *testing.T) {
	s := newTestStore(t)
	l := New(s, testConfig())
	ctx := context.Background()

	start := time.Now()
	if err := l.Wait(ctx, "cred-1"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := l.Wait(ctx, "cred-1"); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < l.cfg.RateLimitMinInterval {
		t.Fatalf("expected at least %v between requests, got %v", l.cfg.RateLimitMinInterval, elapsed)
	}
}

func TestRecordFailureEscalatesBackoff(t *testing.T) {
	s := newTestStore(t)
	l := New(s, testConfig())

	d1 := l.RecordFailure("cred-1", "internal error")
	d2 := l.RecordFailure("cred-1", "internal error")
	if d2 <= d1 {
		t.Fatalf("expected backoff to escalate: %v then %v", d1, d2)
	}
}

func TestRecordFailureSuspendSignalForcesLongBackoff(t *testing.T) {
	s := newTestStore(t)
	l := New(s, testConfig())

	d := l.RecordFailure("cred-1", "your account has been suspended for policy violation")
	if d != l.cfg.SuspendBackoff {
		t.Fatalf("expected suspend backoff %v, got %v", l.cfg.SuspendBackoff, d)
	}
}

func TestRecordSuccessResetsBackoff(t *testing.T) {
	s := newTestStore(t)
	l := New(s, testConfig())

	l.RecordFailure("cred-1", "server error")
	l.RecordFailure("cred-1", "server error")
	l.RecordSuccess("cred-1")

	d := l.RecordFailure("cred-1", "server error")
	if d != l.cfg.RateLimitBackoffBase {
		t.Fatalf("expected backoff to restart at base %v, got %v", l.cfg.RateLimitBackoffBase, d)
	}
}

func TestRecordFailureSuspendSignalIsEnforcedOnNextWait(t *testing.T) {
	s := newTestStore(t)
	cfg := testConfig()
	cfg.SuspendBackoff = 50 * time.Millisecond
	l := New(s, cfg)

	l.RecordFailure("cred-1", "account suspended for policy violation")

	if delay := l.nextDelay("cred-1"); delay < cfg.SuspendBackoff-5*time.Millisecond {
		t.Fatalf("expected the suspend backoff to be enforced on the next delay, got %v", delay)
	}
}

func TestIsSuspendSignal(t *testing.T) {
	cases := map[string]bool{
		"account suspended":        true,
		"terminated for violation": true,
		"rate limit exceeded":      false,
		"":                         false,
	}
	for body, want := range cases {
		if got := IsSuspendSignal(body); got != want {
			t.Errorf("IsSuspendSignal(%q) = %v, want %v", body, got, want)
		}
	}
}
