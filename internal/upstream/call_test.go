package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yansir/kiro-relay/internal/config"
	"github.com/yansir/kiro-relay/internal/credential"
	"github.com/yansir/kiro-relay/internal/ratelimit"
	"github.com/yansir/kiro-relay/internal/store"
)

type fixedTransport struct{ client *http.Client }

func (f *fixedTransport) GetClient(*credential.Credential) *http.Client { return f.client }

func newTestEngine(t *testing.T, srv *httptest.Server) (*Engine, *credential.Pool) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	crypto := credential.NewCrypto("test-encryption-key")
	cfg := &config.Config{
		KiroRegion:               "us-east-1",
		KiroCodeWhispererURL:     srv.URL,
		ModelUnavailableRecovery: time.Minute,
		RateLimitMinInterval:     0,
		RateLimitMaxInterval:     0,
	}
	pool := credential.NewPool(s, crypto, cfg)
	refresher := credential.NewRefresher(pool, cfg, s, srv.Client())
	limiter := ratelimit.New(s, cfg)
	engine := NewEngine(pool, refresher, limiter, &fixedTransport{client: srv.Client()}, cfg, nil)
	return engine, pool
}

func seedCred(t *testing.T, p *credential.Pool) *credential.Credential {
	t.Helper()
	c, err := p.Create(context.Background(), credential.ProviderSocial, "seed", "access-tok",
		"refresh-tok-0123456789-0123456789-0123456789-0123456789", time.Now().Add(time.Hour), 50)
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}
	return c
}

func TestCallSucceedsOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	engine, pool := newTestEngine(t, srv)
	cred := seedCred(t, pool)

	res, err := engine.Call(context.Background(), []byte(`{}`), "claude-sonnet-4.5", "user-1", false, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != 200 || string(res.JSON) != `{"ok":true}` {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.CredentialID != cred.ID {
		t.Fatalf("expected credential %s, got %s", cred.ID, res.CredentialID)
	}
}

func TestCallFallsBackAcrossCredentialsOnAuthFailure(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"forbidden"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	engine, pool := newTestEngine(t, srv)
	seedCred(t, pool)
	seedCred(t, pool)

	res, err := engine.Call(context.Background(), []byte(`{}`), "claude-sonnet-4.5", "user-1", false, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != 200 {
		t.Fatalf("expected eventual success, got %d", res.StatusCode)
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", calls)
	}
}

func TestCallBailsOnBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	engine, pool := newTestEngine(t, srv)
	seedCred(t, pool)

	_, err := engine.Call(context.Background(), []byte(`{}`), "claude-sonnet-4.5", "user-1", false, "")
	if err == nil {
		t.Fatal("expected error on 400")
	}
}

func TestCallQuotaExhaustionDisablesCredentialPermanently(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"reason":"MONTHLY_REQUEST_COUNT"}`))
	}))
	defer srv.Close()

	engine, pool := newTestEngine(t, srv)
	cred := seedCred(t, pool)

	_, err := engine.Call(context.Background(), []byte(`{}`), "claude-sonnet-4.5", "user-1", false, "")
	if err == nil {
		t.Fatal("expected error when all credentials exhaust quota")
	}

	got, _ := pool.Get(context.Background(), cred.ID)
	if got.Status != credential.StatusQuotaExhausted {
		t.Fatalf("expected quota-exhausted status, got %s", got.Status)
	}
}

func TestInjectProfileARN(t *testing.T) {
	out, err := injectProfileARN([]byte(`{"a":1}`), "arn:aws:codewhisperer:profile")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"a":1,"profileArn":"arn:aws:codewhisperer:profile"}` {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestInjectProfileARNNoopWhenEmpty(t *testing.T) {
	out, err := injectProfileARN([]byte(`{"a":1}`), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Fatalf("expected unchanged body, got %s", out)
	}
}

func TestBackoffCapsAtTwoSeconds(t *testing.T) {
	d := backoff(10)
	if d > 2500*time.Millisecond {
		t.Fatalf("backoff should cap near 2s, got %v", d)
	}
}
