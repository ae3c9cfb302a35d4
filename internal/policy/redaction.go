// Package policy screens tool calls before they are auto-approved and masks
// personal data before text reaches the logs.
package policy

import "regexp"

type maskRule struct {
	kind        string
	pattern     *regexp.Regexp
	replacement string
}

// Applied in order. Cards run before phones so a long digit run is reported
// as a card.
var maskRules = []maskRule{
	{
		kind:        "email",
		pattern:     regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		replacement: "[REDACTED_EMAIL]",
	},
	{
		kind:        "secret",
		pattern:     regexp.MustCompile(`(?i)\b(api[_-]?key|token|password|secret)(["']?\s*[:=]\s*["']?)[^\s"',}]+`),
		replacement: "${1}${2}[REDACTED_SECRET]",
	},
	{
		kind:        "card",
		pattern:     regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
		replacement: "[REDACTED_CARD]",
	},
	{
		kind:        "phone",
		pattern:     regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`),
		replacement: "[REDACTED_PHONE]",
	},
}

// Redact masks e-mail addresses, key=value secrets, card numbers and phone
// numbers, returning the masked text and the kinds that were found. Short
// numeric ids such as customer numbers are kept.
func Redact(input string) (string, []string) {
	out := input
	var kinds []string
	for _, rule := range maskRules {
		if !rule.pattern.MatchString(out) {
			continue
		}
		out = rule.pattern.ReplaceAllString(out, rule.replacement)
		kinds = append(kinds, rule.kind)
	}
	return out, kinds
}

// RedactString is Redact without the kinds, for log attributes.
func RedactString(input string) string {
	out, _ := Redact(input)
	return out
}
