package observability

import (
	"regexp"
	"strings"
)

const credentialRedacted = "[CREDENTIAL_REDACTED]"

// credentialPatterns match provider keys and other secrets that must not
// reach logs, span records or telemetry.
var credentialPatterns = []*regexp.Regexp{
	// OpenAI, Anthropic and OpenRouter keys: sk-..., sk-proj-..., sk-ant-..., sk-or-...
	regexp.MustCompile(`\bsk-(?:ant-|proj-|or-)?[A-Za-z0-9_-]{8,}`),
	// Groq keys.
	regexp.MustCompile(`\bgsk_[A-Za-z0-9]{8,}`),
	// Google API keys.
	regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{16,}`),
	// Underscore style prefixes: sk_, pk_, rk_, xox*_, gh*_, pat_
	regexp.MustCompile(`(?i)\b(?:sk|pk|rk|xox[baprs]|gh[pousr]|pat)_[a-z0-9_-]{8,}\b`),
	// JWT-like tokens.
	regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`),
	// Bearer token in header-like strings.
	regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}`),
	// key=value secrets, including ?key= query strings.
	regexp.MustCompile(`(?i)\b(?:password|secret|token|api_key|key)\s*=\s*[^\s&"']{4,}`),
}

// ContainsCredential reports whether s matches any known credential pattern.
func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range credentialPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces every detected credential in s. A string with
// no match is returned unchanged.
func ScrubCredentials(s string) string {
	if len(s) < 8 {
		return s
	}
	result := s
	changed := false
	for _, p := range credentialPatterns {
		if p.MatchString(result) {
			result = p.ReplaceAllString(result, credentialRedacted)
			changed = true
		}
	}
	if !changed {
		return s
	}
	return strings.TrimSpace(result)
}
