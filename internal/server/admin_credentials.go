package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/yansir/kiro-relay/internal/credential"
	"github.com/yansir/kiro-relay/internal/events"
	"github.com/yansir/kiro-relay/internal/store"
)

// handleEvents streams pool/refresh events and log lines to the admin
// dashboard over server-sent events, replaying the ring buffer first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var (
		evCh   <-chan events.Event
		evID   int
		recent []events.Event
	)
	if s.bus != nil {
		evID, evCh, recent = s.bus.Subscribe()
		defer s.bus.Unsubscribe(evID)
	}
	for _, e := range recent {
		writeSSE(w, "event", e)
	}

	var (
		logCh     <-chan events.LogLine
		logID     int
		recentLog []events.LogLine
	)
	if s.logHandler != nil {
		logID, logCh, recentLog = s.logHandler.Subscribe()
		defer s.logHandler.Unsubscribe(logID)
	}
	for _, l := range recentLog {
		writeSSE(w, "log", l)
	}
	flusher.Flush()

	ctx := r.Context()
	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			writeSSE(w, "event", e)
			flusher.Flush()
		case l, ok := <-logCh:
			if !ok {
				logCh = nil
				continue
			}
			writeSSE(w, "log", l)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}

// ---------------------------------------------------------------------------
// Credential CRUD
// ---------------------------------------------------------------------------

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.pool.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to list credentials")
		return
	}
	out := make([]json.RawMessage, 0, len(creds))
	for _, c := range creds {
		b, err := credential.MarshalPublic(c)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.pool.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to get credential")
		return
	}
	if c == nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "credential not found")
		return
	}
	b, _ := credential.MarshalPublic(c)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

type createCredentialRequest struct {
	Provider     credential.Provider `json:"provider"`
	Label        string              `json:"label"`
	AccessToken  string              `json:"accessToken"`
	RefreshToken string              `json:"refreshToken"`
	ClientID     string              `json:"clientId,omitempty"`
	ClientSecret string              `json:"clientSecret,omitempty"`
	Priority     int                 `json:"priority"`
}

// handleCreateCredential adds one credential, validating it with a live
// token refresh before it is allowed to remain in the pool.
func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Provider != credential.ProviderSocial && req.Provider != credential.ProviderIdC {
		req.Provider = credential.ProviderSocial
	}
	if req.Priority == 0 {
		req.Priority = 50
	}

	c, err := s.pool.Create(r.Context(), req.Provider, req.Label, req.AccessToken, req.RefreshToken, time.Now().Add(-time.Minute), req.Priority)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_credential", err.Error())
		return
	}
	if req.ClientID != "" || req.ClientSecret != "" {
		c.ClientID = req.ClientID
		c.ClientSecret = req.ClientSecret
		_ = s.pool.Put(r.Context(), c)
	}

	if _, err := s.refresher.ForceRefresh(r.Context(), c.ID); err != nil {
		_ = s.pool.Delete(r.Context(), c.ID)
		writeAdminError(w, http.StatusBadRequest, "invalid_credential", "validation refresh failed: "+err.Error())
		return
	}

	out, _ := s.pool.Get(r.Context(), c.ID)
	b, _ := credential.MarshalPublic(out)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	w.Write(b)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.pool.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to get credential")
		return
	}
	if c == nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "credential not found")
		return
	}
	if c.Status != credential.StatusDisabled {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "credential must be disabled before deletion")
		return
	}
	if err := s.pool.Delete(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to delete credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "deleted": "true"})
}

func (s *Server) handleSetDisabled(w http.ResponseWriter, r *http.Request, disabled bool) {
	id := r.PathValue("id")
	c, err := s.pool.Get(r.Context(), id)
	if err != nil || c == nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "credential not found")
		return
	}

	status := string(credential.StatusActive)
	if disabled {
		status = string(credential.StatusDisabled)
	}
	fields := map[string]string{"status": status}
	if !disabled {
		fields["tooManyFailures"] = "0"
		fields["cooldownCategory"] = ""
		fields["errorMessage"] = ""
	}
	if err := s.pool.Update(r.Context(), id, fields); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to update status")
		return
	}
	slog.Info("credential status updated", "id", id, "disabled", disabled)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": status})
}

func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := s.pool.Update(r.Context(), id, map[string]string{"priority": strconv.Itoa(req.Priority)}); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to update priority")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "priority": req.Priority})
}

func (s *Server) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.refresher.ForceRefresh(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "refresh failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "refreshed"})
}

// ---------------------------------------------------------------------------
// Batch import
// ---------------------------------------------------------------------------

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "failed to read body")
		return
	}
	// Accept a single object by wrapping it as a one-element array.
	trimmed := bytesTrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		raw = append(append([]byte{'['}, trimmed...), ']')
	}

	res, err := s.pool.ImportBatch(r.Context(), raw)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func bytesTrimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpaceByte(b[start]) {
		start++
	}
	for end > start && isSpaceByte(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// ---------------------------------------------------------------------------
// Balance queries
// ---------------------------------------------------------------------------

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	remaining, ok := s.pool.Balance().Remaining(id)
	if !ok {
		writeAdminError(w, http.StatusNotFound, "not_found", "no cached balance for credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "remaining": remaining})
}

func (s *Server) handleRefreshBalance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cred, err := s.pool.Get(r.Context(), id)
	if err != nil || cred == nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "credential not found")
		return
	}

	accessToken, err := s.refresher.EnsureValid(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "refresh failed: "+err.Error())
		return
	}

	remaining, total, err := s.fetchUsageLimits(r.Context(), cred, accessToken)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	s.pool.Balance().Update(id, remaining, total)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "remaining": remaining, "total": total})
}

func (s *Server) fetchUsageLimits(ctx context.Context, cred *credential.Credential, accessToken string) (remaining, total float64, err error) {
	u := fmt.Sprintf("https://q.%s.amazonaws.com/getUsageLimits?origin=AI_EDITOR&resourceType=AGENTIC_REQUEST", cred.Region)
	if cred.ProfileARN != "" {
		u += "&profileArn=" + url.QueryEscape(cred.ProfileARN)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	client := s.transportMgr.GetClient(cred)
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("getUsageLimits returned %d", resp.StatusCode)
	}

	var parsed struct {
		Remaining float64 `json:"remaining"`
		Total     float64 `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, 0, err
	}
	return parsed.Remaining, parsed.Total, nil
}

// ---------------------------------------------------------------------------
// Health / dashboard
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		status = err.Error()
	}
	d := time.Since(s.startTime)
	uptime := fmt.Sprintf("%dd %dh %dm", int(d.Hours())/24, int(d.Hours())%24, int(d.Minutes())%60)
	writeJSON(w, http.StatusOK, map[string]string{
		"store":   status,
		"uptime":  uptime,
		"version": s.version,
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	creds, err := s.pool.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to list credentials")
		return
	}
	counts := map[string]int{}
	for _, c := range creds {
		counts[string(c.Status)]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(creds),
		"by_status": counts,
	})
}

func (s *Server) handleRequestLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	query := store.RequestLogQuery{
		CredentialID: r.URL.Query().Get("credential_id"),
		Limit:        limit,
		Offset:       offset,
	}
	logs, total, err := s.store.QueryRequestLogs(r.Context(), query)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to query request logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "items": logs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, jsonEscape(msg))
}
