package agent

import (
	"fmt"
	"strings"
)

// Field limits applied before the overall bound.
const (
	maxURLChars        = 512
	maxTitleChars      = 256
	maxLastActionChars = 512
	minContextChars    = 200
	unknownValue       = "unknown"
)

// PerceptionInput is everything the context block is built from.
type PerceptionInput struct {
	State         AgentState
	Page          PageObservation
	MaxIterations int
	// Vision is true when a screenshot accompanies the text.
	Vision bool
	// MaxChars bounds the output length in runes. Zero means unbounded.
	MaxChars int
}

// BuildContext renders the prompt-ready observation for one iteration. It is
// a pure function of its input.
func BuildContext(in PerceptionInput) string {
	url := orUnknown(truncate(in.Page.URL, maxURLChars))
	title := orUnknown(truncate(in.Page.Title, maxTitleChars))
	ready := orUnknown(in.Page.ReadyState)
	last := in.State.LastAction
	if last == "" {
		last = "None"
	}
	last = truncate(last, maxLastActionChars)

	head := fmt.Sprintf("Current page state:\n- URL: %s\n- Title: %s\n- Ready state: %s\n- Iteration: %d/%d\n- Last action: %s\n\n",
		url, title, ready, in.State.Iteration, in.MaxIterations, last)

	tail := "Decide the next action using the available tools."
	if in.Vision {
		tail = "Analyze the screenshot and decide the next action using available tools."
	}

	goal := in.State.Goal
	limit := 0
	if in.MaxChars > 0 {
		limit = in.MaxChars
		if limit < minContextChars {
			limit = minContextChars
		}
		fixed := runeLen(head) + runeLen(tail) + runeLen(goalPrefix) + runeLen(goalSuffix)
		budget := limit - fixed
		if budget < 16 {
			budget = 16
		}
		goal = truncate(goal, budget)
	}

	var b strings.Builder
	b.WriteString(head)
	b.WriteString(goalPrefix)
	b.WriteString(goal)
	b.WriteString(goalSuffix)
	b.WriteString(tail)
	out := b.String()
	if limit > 0 && runeLen(out) > limit {
		// Page facts alone exceeded the bound.
		out = truncate(out, limit)
	}
	return out
}

const (
	goalPrefix = `What should I do next to achieve the goal: "`
	goalSuffix = "\"?\n"
)

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknownValue
	}
	return s
}

func runeLen(s string) int { return len([]rune(s)) }
