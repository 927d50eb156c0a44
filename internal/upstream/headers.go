package upstream

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
	"github.com/yansir/kiro-relay/internal/credential"
)

const kiroVersionToken = "0.1.0"

// deviceFingerprint derives a stable per-credential fingerprint from its
// refresh token (or, for IdC credentials, its client id), so the same
// credential always presents the same synthetic device identity upstream.
func deviceFingerprint(cred *credential.Credential) string {
	source := cred.RefreshToken
	if source == "" {
		source = cred.ClientID
	}
	h := sha256.Sum256([]byte(source))
	return hex.EncodeToString(h[:8])
}

// BuildHeaders constructs the header set for one upstream call attempt.
func BuildHeaders(cred *credential.Credential, accessToken string, attempt int, agentMode string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", "kiro-relay/"+kiroVersionToken+" device/"+deviceFingerprint(cred))
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("amz-sdk-invocation-id", uuid.NewString())
	h.Set("amz-sdk-request", "attempt="+itoa(attempt)+"; max=3")
	h.Set("Connection", "close")
	h.Set("x-amzn-codewhisperer-optout", "true")
	if agentMode == "" {
		agentMode = "vibe"
	}
	h.Set("x-amzn-kiro-agent-mode", agentMode)
	return h
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [8]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}
