package policy

import (
	"regexp"
	"strings"
)

const (
	RiskLow     = "low"
	RiskHigh    = "high"
	RiskBlocked = "blocked"
)

// Verdict is the result of screening one tool call.
type Verdict struct {
	Risk    string
	Blocked bool
	Reason  string
}

var (
	blockedCallPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\s+-rf\s+/(?:\s|$|")`),
		regexp.MustCompile(`(?i)\b(sudo\s+)?cat\s+.*(?:id_rsa|id_ed25519|\.env|auth\.json)`),
		regexp.MustCompile(`(?i)\b(exfiltrate|steal|dump credentials|leak secrets?)\b`),
		regexp.MustCompile(`(?i)\b(print|show|reveal|send)\b.*\b(api[_ -]?key|access token|password|private key)\b`),
	}
	highRiskKeywords = []string{
		"delete", "remove", "drop", "truncate", "wipe", "destroy",
		"shutdown", "reboot", "kill", "terminate",
		"transfer", "payment", "deploy", "migrate",
	}
)

// ScreenToolCall rates a tool call by its name and raw arguments. Blocked
// calls look destructive or aimed at leaking credentials and must never be
// approved automatically.
func ScreenToolCall(tool, arguments string) Verdict {
	in := strings.ToLower(strings.TrimSpace(tool + " " + arguments))
	if in == "" {
		return Verdict{Risk: RiskLow}
	}

	for _, re := range blockedCallPatterns {
		if re.MatchString(in) {
			return Verdict{
				Risk:    RiskBlocked,
				Blocked: true,
				Reason:  "tool call appears destructive or aimed at exposing secrets",
			}
		}
	}

	for _, kw := range highRiskKeywords {
		if strings.Contains(in, kw) {
			return Verdict{Risk: RiskHigh}
		}
	}
	return Verdict{Risk: RiskLow}
}
