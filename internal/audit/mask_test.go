// internal/audit/mask_test.go
package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMask(t *testing.T) {
	in := map[string]any{
		"goal":          "log in",
		"API_KEY":       "sk-123",
		"refreshToken":  "abc",
		"nested":        map[string]any{"client_secret": "s", "ok": 1},
		"list":          []any{map[string]any{"password": "p"}, "plain"},
		"template_vars": map[string]string{"PASSWORD": "hunter2", "EMAIL": "ops@bank.test"},
	}
	got := Mask(in).(map[string]any)

	assert.Equal(t, "log in", got["goal"])
	assert.Equal(t, Masked, got["API_KEY"])
	assert.Equal(t, Masked, got["refreshToken"])
	assert.Equal(t, map[string]any{"client_secret": Masked, "ok": 1}, got["nested"])
	assert.Equal(t, []any{map[string]any{"password": Masked}, "plain"}, got["list"])
	assert.Equal(t, map[string]any{"PASSWORD": Masked, "EMAIL": "ops@bank.test"}, got["template_vars"])
	assert.Equal(t, "sk-123", in["API_KEY"], "input is not modified")
}

func TestMask_FillIntoPasswordField(t *testing.T) {
	args := map[string]any{"selector": "input[name=password]", "value": "hunter2"}
	got := Mask(args).(map[string]any)
	assert.Equal(t, "input[name=password]", got["selector"])
	assert.Equal(t, Masked, got["value"])

	plain := Mask(map[string]any{"selector": "#email", "value": "ops@bank.test"}).(map[string]any)
	assert.Equal(t, "ops@bank.test", plain["value"])
}

func TestIsSensitiveKey(t *testing.T) {
	for _, k := range []string{"password", "Password", "GITHUB_TOKEN", "api_key", "apiKey", "secret"} {
		assert.True(t, IsSensitiveKey(k), k)
	}
	for _, k := range []string{"url", "selector", "iteration"} {
		assert.False(t, IsSensitiveKey(k), k)
	}
}
