// internal/agent/sensitive.go
package agent

import "strings"

// MaskedValue stands in for secrets in descriptions, results and records.
const MaskedValue = "***"

var sensitiveWords = []string{"password", "passwd", "secret", "token", "api_key", "apikey"}

// IsSensitiveField reports whether a key or selector names a secret, such as
// "PASSWORD" or "input[name=password]".
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, w := range sensitiveWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
