// internal/agent/models.go
package agent

import "time"

// RunStatus is the Driver's state machine position.
type RunStatus string

const (
	StatusInit      RunStatus = "INIT"
	StatusRunning   RunStatus = "RUNNING"
	StatusCompleted RunStatus = "COMPLETED"
	StatusStuck     RunStatus = "STUCK"
	StatusExhausted RunStatus = "EXHAUSTED"
	StatusFailed    RunStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStuck, StatusExhausted, StatusFailed:
		return true
	}
	return false
}

// AgentState is the mutable view of one run. Only the owning Driver writes it.
type AgentState struct {
	RunID          string    `json:"run_id"`
	Iteration      int       `json:"iteration"`
	Goal           string    `json:"goal"`
	CurrentURL     string    `json:"current_url"`
	PageTitle      string    `json:"page_title"`
	LastAction     string    `json:"last_action"`
	ScreenshotPath string    `json:"screenshot_path,omitempty"`
	Completed      bool      `json:"completed"`
	Status         RunStatus `json:"status"`
	Error          string    `json:"error,omitempty"`
}

// PageObservation is the raw page state read at the start of an iteration.
type PageObservation struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	ReadyState string `json:"readyState"`
}

// ExecutedAction is one tool call and what came of it.
type ExecutedAction struct {
	CallID    string         `json:"call_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	// Action is nil when the call could not be parsed.
	Action Action       `json:"-"`
	Result string       `json:"result"`
	Err    *ActionError `json:"error,omitempty"`
	// Unknown marks a tool name outside the catalogue.
	Unknown bool `json:"unknown,omitempty"`
}

// Failed reports whether the call did not achieve its side effect.
func (e ExecutedAction) Failed() bool { return e.Err != nil || e.Unknown }

// IterationRecord is the immutable snapshot of one iteration.
type IterationRecord struct {
	Iteration      int              `json:"iteration"`
	Observation    PageObservation  `json:"observation"`
	ScreenshotPath string           `json:"screenshot_path,omitempty"`
	Context        string           `json:"context"`
	ResponseText   string           `json:"response_text"`
	Actions        []ExecutedAction `json:"actions,omitempty"`
	// ActionTaken is the description of the last action in the iteration.
	ActionTaken string    `json:"action_taken"`
	DecisionErr string    `json:"decision_error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// StuckSignal is the detector's verdict.
type StuckSignal struct {
	Stuck  bool        `json:"stuck"`
	Reason StuckReason `json:"reason,omitempty"`
	Detail string      `json:"detail,omitempty"`
}

// Result is returned by every run, whatever the outcome.
type Result struct {
	Success    bool              `json:"success"`
	StepsTaken int               `json:"steps_taken"`
	Status     RunStatus         `json:"status"`
	FinalState AgentState        `json:"final_state"`
	History    []IterationRecord `json:"history"`
	// Stuck is populated when Status is StatusStuck.
	Stuck        *StuckSignal `json:"stuck,omitempty"`
	ActionErrors int          `json:"action_errors"`
	Summary      string       `json:"summary,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// ExecutedActions flattens the history into execution order.
func (r *Result) ExecutedActions() []ExecutedAction {
	var out []ExecutedAction
	for _, rec := range r.History {
		out = append(out, rec.Actions...)
	}
	return out
}
