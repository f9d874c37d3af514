package policy

import (
	"regexp"
	"strings"
)

// ScreenResult is the ingress decision for a raw intent text.
type ScreenResult struct {
	Rejected bool
	Reason   string
}

var blockedIntentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+-rf\s+/(?:\s|$)`),
	regexp.MustCompile(`(?i)\b(exfiltrate|steal|dump credentials|leak secrets?)\b`),
	regexp.MustCompile(`(?i)\b(print|show|reveal)\b.*\b(api[_ -]?key|token|password|secret)\b`),
}

// ScreenIntent rejects malformed or clearly abusive intent text before it
// enters a buffer window. Empty and over-long payloads are validation errors;
// destructive/secret-exfiltration asks are rejected with a reason.
func ScreenIntent(text string) ScreenResult {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ScreenResult{Rejected: true, Reason: "intent text is empty"}
	}
	if len(trimmed) > 8192 {
		return ScreenResult{Rejected: true, Reason: "intent text exceeds 8192 bytes"}
	}
	for _, re := range blockedIntentPatterns {
		if re.MatchString(trimmed) {
			return ScreenResult{
				Rejected: true,
				Reason:   "request appears to include destructive or secret-exfiltration behavior",
			}
		}
	}
	return ScreenResult{}
}
