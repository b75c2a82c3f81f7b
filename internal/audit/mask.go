// internal/audit/mask.go
package audit

import (
	"sort"
	"strings"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
)

// Masked replaces sensitive values in audit records.
const Masked = agent.MaskedValue

// IsSensitiveKey reports whether values stored under key must not be written.
func IsSensitiveKey(key string) bool {
	return agent.IsSensitiveField(key)
}

// Mask returns a copy of v with sensitive values replaced. Maps are masked
// by key; a fill whose selector names a sensitive field also has its value
// masked.
func Mask(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = Masked
				continue
			}
			out[k] = Mask(val)
		}
		if sel, ok := t["selector"].(string); ok && IsSensitiveKey(sel) {
			for _, k := range []string{"value", "text"} {
				if _, present := out[k]; present {
					out[k] = Masked
				}
			}
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = val
		}
		return Mask(out)
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Mask(val)
		}
		return out
	default:
		return v
	}
}

// secretSet holds literal secret values that must not appear anywhere in a
// record, including inside free text such as goals and prompts.
type secretSet []string

// add registers the values of sensitive variables.
func (s secretSet) add(vars map[string]string) secretSet {
	for k, v := range vars {
		if IsSensitiveKey(k) && strings.TrimSpace(v) != "" {
			s = append(s, v)
		}
	}
	// Longest first so a secret containing another is replaced whole.
	sort.Slice(s, func(i, j int) bool { return len(s[i]) > len(s[j]) })
	return s
}

// scrub returns a copy of v with every secret occurrence in strings masked.
func (s secretSet) scrub(v any) any {
	if len(s) == 0 {
		return v
	}
	switch t := v.(type) {
	case string:
		for _, secret := range s {
			t = strings.ReplaceAll(t, secret, Masked)
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = s.scrub(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = s.scrub(val)
		}
		return out
	default:
		return v
	}
}
