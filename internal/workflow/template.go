// internal/workflow/template.go
package workflow

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render replaces {{KEY}} placeholders with vars. Unknown placeholders are
// left in place and reported as missing.
func Render(text string, vars map[string]string) (string, []string) {
	missing := map[string]struct{}{}
	out := placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		missing[key] = struct{}{}
		return m
	})
	keys := make([]string, 0, len(missing))
	for k := range missing {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return out, keys
}

// LoadTask reads a task file and renders its placeholders.
func LoadTask(path string, vars map[string]string) (string, error) {
	text, err := ReadTask(path)
	if err != nil {
		return "", err
	}
	task, err := RenderTask(text, vars)
	if err != nil {
		return "", fmt.Errorf("task file %s: %w", path, err)
	}
	return task, nil
}

// ReadTask reads a task file without rendering it.
func ReadTask(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("failed to expand task path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to read task file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// RenderTask renders text and fails when a placeholder has no value.
func RenderTask(text string, vars map[string]string) (string, error) {
	task, missing := Render(text, vars)
	if len(missing) > 0 {
		return "", fmt.Errorf("references undefined variables: %s", strings.Join(missing, ", "))
	}
	return task, nil
}

// ParseVars turns KEY=VALUE pairs into a map.
func ParseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid variable %q, expected KEY=VALUE", p)
		}
		vars[k] = v
	}
	return vars, nil
}

// EnvVars supplies the login placeholders from the environment when they
// were not given explicitly.
func EnvVars(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars)+2)
	for k, v := range vars {
		out[k] = v
	}
	for key, env := range map[string]string{"EMAIL": "GOOGLE_LOGIN", "PASSWORD": "GOOGLE_PW"} {
		if _, ok := out[key]; ok {
			continue
		}
		if v, ok := os.LookupEnv(env); ok {
			out[key] = v
		}
	}
	return out
}
