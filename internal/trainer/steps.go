// internal/trainer/steps.go
package trainer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
	"github.com/trysandbar/ai-aml-agent/internal/workflow"
)

const guidanceHeader = "\n\nIMPORTANT GUIDANCE (learned from training):\n"

// EnhancedTask appends the accumulated guidance to the original task.
func EnhancedTask(task string, guidance []string) string {
	if len(guidance) == 0 {
		return task
	}
	var b strings.Builder
	b.WriteString(task)
	b.WriteString(guidanceHeader)
	for _, hint := range guidance {
		fmt.Fprintf(&b, "- %s\n", hint)
	}
	return b.String()
}

// GuidanceStep records an accepted hint.
func GuidanceStep(hint string) workflow.WorkflowStep {
	return workflow.WorkflowStep{
		Action:      workflow.ActionGuidance,
		Description: "User guidance: " + hint,
		UserHint:    hint,
	}
}

// CompletedStep is the trailing step of a successful training.
func CompletedStep(summary string) workflow.WorkflowStep {
	if summary == "" {
		summary = "Success"
	}
	return workflow.WorkflowStep{
		Action:      workflow.ActionCompleted,
		Description: "Task completed: " + summary,
	}
}

// ActionSteps converts a run's executed actions into workflow steps numbered
// from first, the StepNumber the first of them will be given. Calls that
// never parsed into an action are skipped.
func ActionSteps(executed []agent.ExecutedAction, first int) []workflow.WorkflowStep {
	var steps []workflow.WorkflowStep
	for _, ex := range executed {
		if ex.Action == nil {
			continue
		}
		step := stepFor(ex.Action)
		step.Description = fmt.Sprintf("Step %d: %s", first+len(steps), step.Description)
		steps = append(steps, step)
	}
	return steps
}

func stepFor(a agent.Action) workflow.WorkflowStep {
	step := workflow.WorkflowStep{Action: string(a.Kind()), Description: a.Describe()}
	switch t := a.(type) {
	case agent.Navigate:
		step.URL = t.URL
	case agent.Click:
		step.Selector = t.Selector
	case agent.Fill:
		step.Selector = t.Selector
		step.FieldName = fieldName(t.Selector)
		step.Text = t.DisplayValue()
	case agent.Evaluate:
		step.Text = t.Script
	case agent.Wait:
		step.Text = t.Duration.String()
	}
	return step
}

// Templatize puts {{KEY}} back where a variable's value appears in the
// step, so stored workflows carry placeholders instead of credentials.
func Templatize(step workflow.WorkflowStep, vars map[string]string) workflow.WorkflowStep {
	keys := make([]string, 0, len(vars))
	for k, v := range vars {
		if v != "" {
			keys = append(keys, k)
		}
	}
	// Longest values first so a value containing another is replaced whole.
	sort.Slice(keys, func(i, j int) bool {
		if len(vars[keys[i]]) != len(vars[keys[j]]) {
			return len(vars[keys[i]]) > len(vars[keys[j]])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		placeholder := "{{" + k + "}}"
		step.Text = strings.ReplaceAll(step.Text, vars[k], placeholder)
		step.URL = strings.ReplaceAll(step.URL, vars[k], placeholder)
		step.Description = strings.ReplaceAll(step.Description, vars[k], placeholder)
	}
	return step
}

var (
	nameAttrRe = regexp.MustCompile(`\[\s*(?:name|id|aria-label|placeholder)\s*[*^$~|]?=\s*["']?([^"'\]]+)["']?\s*\]`)
	idRe       = regexp.MustCompile(`#([A-Za-z][\w-]*)`)
)

// fieldName guesses the form field a selector targets.
func fieldName(selector string) string {
	if m := nameAttrRe.FindStringSubmatch(selector); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := idRe.FindAllStringSubmatch(selector, -1); m != nil {
		return m[len(m)-1][1]
	}
	return ""
}
