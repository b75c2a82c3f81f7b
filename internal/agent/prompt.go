package agent

import (
	"fmt"
	"strings"
)

// CompletionMarker in the model's text content ends a run successfully.
const CompletionMarker = "GOAL_ACHIEVED:"

// SystemPrompt primes the model for one goal.
func SystemPrompt(goal string, vision bool) string {
	var b strings.Builder
	b.WriteString("You are an autonomous browser automation agent controlling a headless browser through tools.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n\n", goal)
	b.WriteString("You have access to these browser control tools:\n")
	b.WriteString("- navigate(url) - Navigate to a URL\n")
	b.WriteString(`- click(selector) - Click an element using CSS selector (e.g., "#submit-button", "input[type='submit']")` + "\n")
	b.WriteString("- fill(selector, value) - Fill a form field with a value\n")
	b.WriteString("- evaluate(script) - Execute JavaScript in the browser and return the result\n")
	b.WriteString("- wait_for_timeout(seconds) - Wait for a specified number of seconds\n\n")
	b.WriteString("Instructions:\n")
	if vision {
		b.WriteString("1. Each turn includes a screenshot of the current page; analyze it carefully.\n")
	} else {
		b.WriteString("1. Each turn describes the current page; use evaluate() to read more of it.\n")
	}
	b.WriteString("2. Use evaluate() to extract page information (URL, title, text content).\n")
	b.WriteString("3. Think step-by-step about what needs to be done to achieve the goal.\n")
	b.WriteString("4. Use CSS selectors for click and fill operations.\n")
	b.WriteString("5. If an action fails, try a different selector or approach instead of repeating it.\n\n")
	fmt.Fprintf(&b, "When you've completed the goal, respond with %q followed by a summary.\n", CompletionMarker)
	return b.String()
}

// completionSummary extracts the text after the marker, if present.
func completionSummary(content string) (string, bool) {
	idx := strings.Index(content, CompletionMarker)
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(content[idx+len(CompletionMarker):]), true
}
