// internal/workflow/model.go
package workflow

import (
	"fmt"
	"strings"
	"time"
)

// Step actions recorded by training besides the catalogue's action kinds.
const (
	ActionGuidance  = "guidance"
	ActionCompleted = "completed"
)

// WorkflowStep is one learned or guided step.
type WorkflowStep struct {
	StepNumber  int    `yaml:"step_number" json:"step_number"`
	Action      string `yaml:"action" json:"action"`
	Description string `yaml:"description" json:"description"`
	Selector    string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Text        string `yaml:"text,omitempty" json:"text,omitempty"`
	URL         string `yaml:"url,omitempty" json:"url,omitempty"`
	FieldName   string `yaml:"field_name,omitempty" json:"field_name,omitempty"`
	UserHint    string `yaml:"user_hint,omitempty" json:"user_hint,omitempty"`
}

// LearnedWorkflow is the persisted, replayable unit. It is always loaded and
// saved as a whole document.
type LearnedWorkflow struct {
	Name         string         `yaml:"name" json:"name"`
	Description  string         `yaml:"description" json:"description"`
	CreatedAt    time.Time      `yaml:"created_at" json:"created_at"`
	LastTrained  time.Time      `yaml:"last_trained" json:"last_trained"`
	SuccessCount int            `yaml:"success_count" json:"success_count"`
	FailureCount int            `yaml:"failure_count" json:"failure_count"`
	Steps        []WorkflowStep `yaml:"steps" json:"steps"`
}

// New starts an empty workflow.
func New(name, description string, now time.Time) *LearnedWorkflow {
	now = now.UTC()
	return &LearnedWorkflow{
		Name:        name,
		Description: description,
		CreatedAt:   now,
		LastTrained: now,
		Steps:       []WorkflowStep{},
	}
}

// AddStep appends step, numbering it after the current last step.
func (w *LearnedWorkflow) AddStep(step WorkflowStep) WorkflowStep {
	step.StepNumber = len(w.Steps) + 1
	w.Steps = append(w.Steps, step)
	return step
}

// ReplayTask renders the workflow into the task text given to the driver on
// replay: the description followed by the numbered step descriptions.
func (w *LearnedWorkflow) ReplayTask() string {
	var b strings.Builder
	b.WriteString(w.Description)
	b.WriteString("\n\nSteps:\n")
	for _, s := range w.Steps {
		fmt.Fprintf(&b, "%d. %s\n", s.StepNumber, s.Description)
	}
	return b.String()
}

// RecordReplay updates the replay counters.
func (w *LearnedWorkflow) RecordReplay(success bool) {
	if success {
		w.SuccessCount++
	} else {
		w.FailureCount++
	}
}

// Hints returns the user hints in step order.
func (w *LearnedWorkflow) Hints() []string {
	var hints []string
	for _, s := range w.Steps {
		if s.UserHint != "" {
			hints = append(hints, s.UserHint)
		}
	}
	return hints
}

// Validate checks the invariants a stored document must hold.
func (w *LearnedWorkflow) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("workflow name is required")
	}
	for i, s := range w.Steps {
		if s.StepNumber != i+1 {
			return fmt.Errorf("workflow %q: step %d is numbered %d", w.Name, i+1, s.StepNumber)
		}
		if s.Action == "" {
			return fmt.Errorf("workflow %q: step %d has no action", w.Name, s.StepNumber)
		}
	}
	return nil
}
