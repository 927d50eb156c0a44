// Package upstream implements the retrying call engine that sends a
// converted conversation state to the Kiro CodeWhisperer endpoint using a
// credential drawn from the pool, classifying failures back into pool and
// rate-limiter state as it goes.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/yansir/kiro-relay/internal/config"
	"github.com/yansir/kiro-relay/internal/credential"
	"github.com/yansir/kiro-relay/internal/events"
	"github.com/yansir/kiro-relay/internal/ratelimit"
)

// TransportProvider supplies per-credential HTTP clients.
type TransportProvider interface {
	GetClient(cred *credential.Credential) *http.Client
}

// Engine orchestrates credential acquisition, header construction, and the
// bounded retry loop for one upstream call.
type Engine struct {
	pool      *credential.Pool
	refresher *credential.Refresher
	limiter   *ratelimit.Limiter
	transport TransportProvider
	cfg       *config.Config
	bus       *events.Bus
}

func NewEngine(pool *credential.Pool, refresher *credential.Refresher, limiter *ratelimit.Limiter, tp TransportProvider, cfg *config.Config, bus *events.Bus) *Engine {
	return &Engine{pool: pool, refresher: refresher, limiter: limiter, transport: tp, cfg: cfg, bus: bus}
}

func (e *Engine) publish(evt events.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(evt)
}

// Result carries either a streaming body (caller must close it) or a fully
// buffered JSON response.
type Result struct {
	StatusCode int
	Body       io.ReadCloser // set when Streaming is true
	JSON       []byte        // set when Streaming is false
	Streaming  bool
	CredentialID string
}

// maxRetries implements min(total_credentials*2, 3).
func (e *Engine) maxRetries(ctx context.Context) int {
	all, err := e.pool.List(ctx)
	if err != nil || len(all) == 0 {
		return 3
	}
	n := len(all) * 2
	if n > 3 {
		return 3
	}
	return n
}

// Call sends bodyJSON (the marshaled conversation state, without
// profileArn injected) upstream, retrying across credentials per the
// status-classification table, and returns either a live stream or a
// buffered body. boundID is the credential (if any) this user session is
// already affinity-bound to.
func (e *Engine) Call(ctx context.Context, bodyJSON []byte, model, userID string, streaming bool, boundID string) (*Result, error) {
	attempts := e.maxRetries(ctx)
	var tried []string
	bearerRetried := map[string]bool{}

	var lastErr error

	for attempt := 0; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		cred, err := e.pool.Acquire(ctx, credential.SelectOptions{
			BoundID:    boundID,
			ExcludeIDs: tried,
			Model:      model,
		})
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("all credentials unavailable: %w", lastErr)
			}
			return nil, err
		}

		if err := e.limiter.Wait(ctx, cred.ID); err != nil {
			return nil, err
		}
		if ok, err := e.limiter.CheckDailyCap(ctx, cred.ID); err == nil && !ok {
			tried = append(tried, cred.ID)
			lastErr = fmt.Errorf("credential %s over daily cap", cred.ID)
			continue
		}

		accessToken, err := e.refresher.EnsureValid(ctx, cred.ID)
		if err != nil {
			tried = append(tried, cred.ID)
			lastErr = err
			continue
		}

		payload, err := injectProfileARN(bodyJSON, cred.ProfileARN)
		if err != nil {
			return nil, fmt.Errorf("profile arn injection: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.KiroCodeWhispererURL+"/generateAssistantResponse", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		for k, vals := range BuildHeaders(cred, accessToken, attempt+1, "vibe") {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}
		if streaming {
			req.Header.Set("Accept", "text/event-stream")
		}

		client := e.transport.GetClient(cred)
		resp, err := client.Do(req)
		if err != nil {
			e.limiter.RecordFailure(cred.ID, err.Error())
			tried = append(tried, cred.ID)
			lastErr = err
			time.Sleep(backoff(attempt))
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			e.pool.ReportSuccess(ctx, cred.ID)
			e.limiter.RecordSuccess(cred.ID)
			if streaming {
				return &Result{StatusCode: resp.StatusCode, Body: resp.Body, Streaming: true, CredentialID: cred.ID}, nil
			}
			buf, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return &Result{StatusCode: resp.StatusCode, JSON: buf, Streaming: false, CredentialID: cred.ID}, nil
		}

		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == 400:
			slog.Error("upstream bad request", "credentialId", cred.ID, "body", string(errBody))
			return nil, fmt.Errorf("upstream 400: %s", string(errBody))

		case resp.StatusCode == 402 && isQuotaExhausted(errBody):
			e.pool.ReportFailure(ctx, cred.ID, credential.CooldownQuotaExhausted, model, 0, "monthly quota exhausted")
			e.publish(events.Event{Type: events.EventQuotaExhausted, CredentialID: cred.ID, Message: "monthly quota exhausted"})
			tried = append(tried, cred.ID)
			lastErr = fmt.Errorf("credential %s quota exhausted", cred.ID)
			continue

		case (resp.StatusCode == 401 || resp.StatusCode == 403) && isBearerInvalid(errBody) && !bearerRetried[cred.ID]:
			bearerRetried[cred.ID] = true
			_ = e.pool.InvalidateAccessToken(ctx, cred.ID)
			e.publish(events.Event{Type: events.EventRefresh, CredentialID: cred.ID, Message: "bearer invalid, forcing refresh"})
			lastErr = fmt.Errorf("credential %s bearer invalid, forcing refresh", cred.ID)
			continue // retry same credential, not excluded — forced refresh happens via expiresAt reset

		case resp.StatusCode == 401 || resp.StatusCode == 403:
			e.pool.ReportFailure(ctx, cred.ID, credential.CooldownGeneric, model, 5*time.Minute, string(errBody))
			e.publish(events.Event{Type: events.EventDisabled, CredentialID: cred.ID, Message: fmt.Sprintf("auth failure %d", resp.StatusCode)})
			tried = append(tried, cred.ID)
			lastErr = fmt.Errorf("credential %s auth failure %d", cred.ID, resp.StatusCode)
			continue

		case (resp.StatusCode == 408 || resp.StatusCode == 429 || resp.StatusCode >= 500) && isModelUnavailable(errBody):
			e.pool.ReportFailure(ctx, cred.ID, credential.CooldownModelUnavailable, model, e.cfg.ModelUnavailableRecovery, "model temporarily unavailable")
			if e.pool.ReportModelUnavailable(ctx) {
				slog.Warn("model unavailable threshold tripped, disabling all credentials", "model", model)
			}
			e.publish(events.Event{Type: events.EventModelUnavail, CredentialID: cred.ID, Message: "model " + model + " temporarily unavailable"})
			lastErr = fmt.Errorf("credential %s model unavailable", cred.ID)
			time.Sleep(backoff(attempt))
			continue

		case resp.StatusCode == 408 || resp.StatusCode == 429 || resp.StatusCode >= 500:
			e.limiter.RecordFailure(cred.ID, string(errBody))
			lastErr = fmt.Errorf("upstream %d", resp.StatusCode)
			time.Sleep(backoff(attempt))
			continue

		default:
			return nil, fmt.Errorf("upstream %d: %s", resp.StatusCode, string(errBody))
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("all credentials unavailable")
}

// injectProfileARN sets profileArn on the body when profileARN is non-empty,
// overriding any caller-supplied value. The body must be a JSON object.
func injectProfileARN(body []byte, profileARN string) ([]byte, error) {
	if profileARN == "" {
		return body, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("body is not a JSON object: %w", err)
	}
	obj["profileArn"] = profileARN
	return json.Marshal(obj)
}

// backoff returns min(200ms * 2^attempt, 2s) plus up to 25% jitter.
func backoff(attempt int) time.Duration {
	base := 200 * time.Millisecond
	d := base << attempt
	max := 2 * time.Second
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}
