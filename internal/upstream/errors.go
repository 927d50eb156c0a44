package upstream

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ErrorCode is one entry in the sanitized-error taxonomy forwarded to
// clients in place of raw Kiro error bodies, which may contain internal
// routing details that shouldn't leak past the relay boundary.
type ErrorCode struct {
	Status  int
	Type    string
	Message string
	Pattern *regexp.Regexp
}

var errorCodes = []ErrorCode{
	{Status: 400, Type: "invalid_request_error", Message: "bad request format", Pattern: regexp.MustCompile(`(?i)invalid.?request|bad request|malformed`)},
	{Status: 401, Type: "authentication_error", Message: "authentication failed", Pattern: regexp.MustCompile(`(?i)unauthorized|invalid.*key|auth.*fail|invalid.*token`)},
	{Status: 403, Type: "permission_error", Message: "access denied", Pattern: regexp.MustCompile(`(?i)forbidden|permission|access.?denied`)},
	{Status: 404, Type: "not_found_error", Message: "resource not found", Pattern: regexp.MustCompile(`(?i)not.?found`)},
	{Status: 413, Type: "request_too_large", Message: "request payload too large", Pattern: regexp.MustCompile(`(?i)too.?large|payload|content.?length`)},
	{Status: 429, Type: "rate_limit_error", Message: "rate limited, please retry later", Pattern: regexp.MustCompile(`(?i)rate.?limit|too.?many|throttl`)},
	{Status: 500, Type: "api_error", Message: "internal server error", Pattern: regexp.MustCompile(`(?i)internal.?server`)},
	{Status: 502, Type: "api_error", Message: "bad gateway", Pattern: regexp.MustCompile(`(?i)bad.?gateway`)},
	{Status: 503, Type: "overloaded_error", Message: "service temporarily overloaded", Pattern: regexp.MustCompile(`(?i)overloaded|unavailable`)},
	{Status: 529, Type: "overloaded_error", Message: "API overloaded, please retry later", Pattern: regexp.MustCompile(`(?i)529|overloaded`)},
	{Status: 400, Type: "invalid_request_error", Message: "model not available", Pattern: regexp.MustCompile(`(?i)model.*not.*available|unsupported.*model|does not support`)},
	{Status: 400, Type: "invalid_request_error", Message: "context window exceeded", Pattern: regexp.MustCompile(`(?i)context.?window|token.?limit.*exceed|too.?long`)},
	{Status: 400, Type: "invalid_request_error", Message: "content policy violation", Pattern: regexp.MustCompile(`(?i)content.?policy|safety|moderation|harmful`)},
	{Status: 500, Type: "api_error", Message: "unexpected upstream error", Pattern: nil},
}

var directStatusMap = map[int]ErrorCode{}

func init() {
	for _, ec := range errorCodes {
		if _, ok := directStatusMap[ec.Status]; !ok {
			directStatusMap[ec.Status] = ec
		}
	}
}

// SanitizeError maps a raw upstream error body + status to a client-facing
// Anthropic error envelope: a status in the taxonomy gets that entry's canned
// message, otherwise the first entry whose pattern matches the body is used.
// Failing both, an Anthropic-shaped error in the body is passed through with
// its own type and message, and anything else becomes a generic 500.
func SanitizeError(statusCode int, body []byte) (int, []byte) {
	bodyStr := strings.TrimSpace(string(body))

	if ec, ok := directStatusMap[statusCode]; ok {
		return ec.Status, buildErrorJSON(ec.Type, ec.Message)
	}

	for _, ec := range errorCodes {
		if ec.Pattern != nil && ec.Pattern.MatchString(bodyStr) {
			return ec.Status, buildErrorJSON(ec.Type, ec.Message)
		}
	}

	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Type != "" {
		return statusCode, buildErrorJSON(parsed.Error.Type, parsed.Error.Message)
	}

	fallback := errorCodes[len(errorCodes)-1]
	return fallback.Status, buildErrorJSON(fallback.Type, fallback.Message)
}

// SanitizeSSEError wraps a sanitized error as an SSE "error" event.
func SanitizeSSEError(statusCode int, body []byte) string {
	_, sanitized := SanitizeError(statusCode, body)
	return fmt.Sprintf("event: error\ndata: %s\n\n", sanitized)
}

func buildErrorJSON(errType, msg string) []byte {
	resp := map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errType, "message": msg},
	}
	data, _ := json.Marshal(resp)
	return data
}

// isQuotaExhausted detects the MONTHLY_REQUEST_COUNT quota-exhaustion
// signal in a 402 response body, by raw substring or parsed error.reason /
// reason JSON path.
func isQuotaExhausted(body []byte) bool {
	if strings.Contains(string(body), "MONTHLY_REQUEST_COUNT") {
		return true
	}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) != nil {
		return false
	}
	if reason, ok := parsed["reason"].(string); ok && reason == "MONTHLY_REQUEST_COUNT" {
		return true
	}
	if errObj, ok := parsed["error"].(map[string]any); ok {
		if reason, ok := errObj["reason"].(string); ok && reason == "MONTHLY_REQUEST_COUNT" {
			return true
		}
	}
	return false
}

var bearerInvalidPattern = regexp.MustCompile(`(?i)bearer token.{0,20}invalid`)

func isBearerInvalid(body []byte) bool {
	return bearerInvalidPattern.MatchString(string(body))
}

var modelUnavailablePattern = regexp.MustCompile(`MODEL_TEMPORARILY_UNAVAILABLE`)

func isModelUnavailable(body []byte) bool {
	return modelUnavailablePattern.Match(body)
}
