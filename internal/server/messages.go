package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/yansir/kiro-relay/internal/compress"
	"github.com/yansir/kiro-relay/internal/convert"
	"github.com/yansir/kiro-relay/internal/upstream"
)

func jsonBodyReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// handleMessages implements POST /v1/messages: convert, compress, call
// upstream, and translate the result (streaming or buffered) back into the
// Anthropic wire shape.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxRequestBodyMB)<<20)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body")
		return
	}

	var req convert.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	streaming, _ := req["stream"].(bool)
	anthropicModel, _ := req["model"].(string)
	messageID := "msg_" + truncatedID()

	if convert.IsWarmup(req) {
		s.serveWarmup(w, anthropicModel, messageID, streaming)
		return
	}

	result, err := convert.Convert(req)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	opts := compress.OptionsFromConfig(s.cfg)
	compress.Run(&result.State, opts)
	if result.State.CurrentMessage != nil && len(result.State.CurrentMessage.ToolDefs) > 0 {
		compress.CompressToolDefs(result.State.CurrentMessage.ToolDefs, s.cfg.CompressionTriggerBytes, s.cfg.MinDescriptionFloor)
	}

	body, err := json.Marshal(convert.MarshalUpstream(result))
	if err != nil {
		writeAnthropicError(w, http.StatusInternalServerError, "internal_error", "failed to encode upstream request")
		return
	}

	userKey := result.State.ConversationID
	boundID, _ := s.affinity.Lookup(userKey)

	res, err := s.upstreamEngine.Call(ctx, body, result.Model, userKey, streaming, boundID)
	if err != nil {
		slog.Error("upstream call failed", "error", err, "model", result.Model)
		status, sanitized := upstream.SanitizeError(http.StatusBadGateway, []byte(err.Error()))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(sanitized)
		return
	}
	s.affinity.Bind(userKey, res.CredentialID)

	inputTokens := approximateTokenCount(raw)

	if streaming {
		s.streamMessages(w, r, res, anthropicModel, messageID, inputTokens)
		return
	}

	defer func() {
		if res.Body != nil {
			res.Body.Close()
		}
	}()

	builder := convert.NewResponseBuilder(anthropicModel, messageID, inputTokens)
	bodyReader := res.Body
	if bodyReader == nil {
		bodyReader = io.NopCloser(jsonBodyReader(res.JSON))
	}
	var decodeErr error
	decodeErr = upstream.DecodeEvents(bodyReader, func(ev convert.UpstreamEvent) {
		builder.Apply(ev)
	})
	if decodeErr != nil {
		slog.Warn("decode upstream events failed", "error", decodeErr)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(builder.JSON())
}

func (s *Server) streamMessages(w http.ResponseWriter, r *http.Request, res *upstream.Result, model, messageID string, inputTokens int) {
	if res.Body != nil {
		defer res.Body.Close()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAnthropicError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	builder := convert.NewResponseBuilder(model, messageID, inputTokens)
	io.WriteString(w, builder.MessageStart())
	flusher.Flush()

	bodyReader := res.Body
	if bodyReader == nil {
		bodyReader = io.NopCloser(jsonBodyReader(res.JSON))
	}

	err := upstream.DecodeEvents(bodyReader, func(ev convert.UpstreamEvent) {
		for _, frame := range builder.Apply(ev) {
			if r.Context().Err() != nil {
				return
			}
			io.WriteString(w, frame)
			flusher.Flush()
		}
	})
	if err != nil {
		slog.Warn("stream decode ended with error", "error", err)
	}
}

func (s *Server) serveWarmup(w http.ResponseWriter, model, messageID string, streaming bool) {
	builder := convert.NewResponseBuilder(model, messageID, 1)
	if !streaming {
		for _, ev := range convert.WarmupEvents() {
			builder.Apply(ev)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(builder.JSON())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}
	io.WriteString(w, builder.MessageStart())
	flusher.Flush()
	for _, ev := range convert.WarmupEvents() {
		for _, frame := range builder.Apply(ev) {
			time.Sleep(20 * time.Millisecond)
			io.WriteString(w, frame)
			flusher.Flush()
		}
	}
}

// handleCountTokens approximates token usage locally rather than making an
// upstream round trip for it.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxRequestBodyMB)<<20)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"input_tokens":%d}`, approximateTokenCount(raw))
}

// handleModels returns the three supported Claude model ids.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := []map[string]any{
		{"id": "claude-opus-4.5", "type": "model", "display_name": "Claude Opus 4.5"},
		{"id": "claude-sonnet-4.5", "type": "model", "display_name": "Claude Sonnet 4.5"},
		{"id": "claude-haiku-4.5", "type": "model", "display_name": "Claude Haiku 4.5"},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": models})
}

// approximateTokenCount estimates tokens as roughly 4 bytes per token, the
// heuristic the spec explicitly allows in place of a real tokenizer.
func approximateTokenCount(raw []byte) int {
	n := len(raw) / 4
	if n == 0 && len(raw) > 0 {
		n = 1
	}
	return n
}

func truncatedID() string {
	id := uuid.NewString()
	return id[:8] + id[24:]
}

func writeAnthropicError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, jsonEscape(msg))
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
