// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/kaptinlin/jsonrepair"
)

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// jsonObjectRegex extracts a JSON object if the payload is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
)

// ParseArguments decodes a tool call's argument string into a map. It
// tolerates markdown fences, surrounding prose and the small syntax slips
// models make (trailing commas, single quotes, unquoted keys). The returned
// string is the normalized JSON the map was decoded from.
func ParseArguments(raw string) (map[string]any, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, "{}", nil
	}

	candidate := extractObject(raw)

	var args map[string]any
	if err := json.Unmarshal([]byte(candidate), &args); err == nil && args != nil {
		return args, candidate, nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, "", fmt.Errorf("malformed tool arguments: %w. Raw (truncated): %s", err, truncateString(raw, 200))
	}
	args = nil
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, "", fmt.Errorf("tool arguments are not a JSON object: %w. Raw (truncated): %s", err, truncateString(raw, 200))
	}
	if args == nil {
		return nil, "", fmt.Errorf("tool arguments are not a JSON object. Raw (truncated): %s", truncateString(raw, 200))
	}
	return args, repaired, nil
}

// MarshalArguments renders an argument map as compact JSON.
func MarshalArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.ConfigCompatibleWithStandardLibrary.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// extractObject finds the JSON object inside a fenced or chatty payload.
func extractObject(s string) string {
	if strings.HasPrefix(s, "```") {
		if m := jsonObjectRegex.FindStringSubmatch(s); len(m) > 1 {
			return m[1]
		}
	}
	if !strings.HasPrefix(s, "{") {
		first := strings.Index(s, "{")
		last := strings.LastIndex(s, "}")
		if first != -1 && last > first {
			return s[first : last+1]
		}
	}
	return s
}

// truncateString truncates a string to a maximum length.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) > maxLen {
		// Simple truncation; does not account for rune boundaries but sufficient for error logging.
		return s[:maxLen] + "..."
	}
	return s
}
