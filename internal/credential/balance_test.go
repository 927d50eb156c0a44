package credential

import (
	"testing"
	"time"
)

func TestBalanceCacheUpdateTTLTiers(t *testing.T) {
	b := NewBalanceCache()

	b.Update("near-exhausted", 0.5, 100)
	e := b.entries["near-exhausted"]
	if e.ttl != 24*time.Hour {
		t.Fatalf("expected 24h TTL for near-exhausted balance, got %v", e.ttl)
	}

	b.Update("idle", 50, 100)
	e = b.entries["idle"]
	if e.ttl != 30*time.Minute {
		t.Fatalf("expected default 30m TTL, got %v", e.ttl)
	}

	for i := 0; i < 20; i++ {
		b.IncrementUsage("busy")
	}
	b.Update("busy", 50, 100)
	e = b.entries["busy"]
	if e.ttl != 10*time.Minute {
		t.Fatalf("expected 10m TTL once recent usage hits 20, got %v", e.ttl)
	}
}

func TestBalanceCacheRecentUsageCountTracksWindow(t *testing.T) {
	b := NewBalanceCache()

	if _, ok := b.RecentUsageCount("cred-1"); ok {
		t.Fatalf("expected uninitialized credential to report not-ok")
	}

	b.IncrementUsage("cred-1")
	b.IncrementUsage("cred-1")
	count, ok := b.RecentUsageCount("cred-1")
	if !ok || count != 2 {
		t.Fatalf("expected count 2, ok=true; got count=%d ok=%v", count, ok)
	}

	// Force the window to look stale and confirm the next increment resets it.
	e := b.entries["cred-1"]
	e.usageWindowStart = time.Now().Add(-usageWindow - time.Minute)
	b.entries["cred-1"] = e

	b.IncrementUsage("cred-1")
	count, ok = b.RecentUsageCount("cred-1")
	if !ok || count != 1 {
		t.Fatalf("expected window reset to count 1, got count=%d ok=%v", count, ok)
	}
}

func TestBalanceCacheRemainingReflectsFraction(t *testing.T) {
	b := NewBalanceCache()

	if _, ok := b.Remaining("cred-1"); ok {
		t.Fatalf("expected no balance before any update")
	}

	b.Update("cred-1", 25, 100)
	got, ok := b.Remaining("cred-1")
	if !ok {
		t.Fatalf("expected balance to be present after update")
	}
	if got != 0.25 {
		t.Fatalf("expected remaining fraction 0.25, got %v", got)
	}
}
