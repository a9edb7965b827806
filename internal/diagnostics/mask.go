package diagnostics

import (
	"regexp"
	"strings"
)

// MaskFunc transforms text before it is stored or shown.
type MaskFunc func(string) string

var secretPattern = regexp.MustCompile(`sk-[A-Za-z0-9]{10,}`)

// MaskSecrets shortens every API key of the form sk-XXXXXXXXXX... to its
// first seven and last four characters joined by an ellipsis. Text without
// a key is returned unchanged.
//
// A key run can swallow the "sk" of an adjacent key, so replacement repeats
// until nothing matches. Each pass drops alphanumerics, and the result is a
// fixed point: applying it twice is the same as once.
func MaskSecrets(s string) string {
	if !strings.Contains(s, "sk-") {
		return s
	}
	for secretPattern.MatchString(s) {
		s = secretPattern.ReplaceAllStringFunc(s, maskToken)
	}
	return s
}

func maskToken(token string) string {
	return token[:7] + "…" + token[len(token)-4:]
}

// Identity returns s unchanged.
func Identity(s string) string {
	return s
}
