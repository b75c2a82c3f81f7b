// internal/trainer/supervisor.go
package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
	"github.com/trysandbar/ai-aml-agent/internal/workflow"
)

// DefaultMaxAttempts caps training attempts when none is configured.
const DefaultMaxAttempts = 5

// recentActionCount is how many trailing actions a stuck report shows.
const recentActionCount = 5

// Event types emitted by the Supervisor.
const (
	EventTrainingAttempt  = "training_attempt"
	EventGuidance         = "guidance"
	EventTrainingComplete = "training_complete"
	EventReplayResult     = "replay_result"
)

// Runner executes one goal end to end. *agent.Driver satisfies it.
type Runner interface {
	Run(ctx context.Context, goal string) (*agent.Result, error)
	Detector() *agent.LoopDetector
}

var _ Runner = (*agent.Driver)(nil)

// TrainingOutcome classifies how a training session ended.
type TrainingOutcome string

const (
	OutcomeCompleted  TrainingOutcome = "completed"
	OutcomeIncomplete TrainingOutcome = "incomplete"
	OutcomeCancelled  TrainingOutcome = "cancelled"
	OutcomeFailed     TrainingOutcome = "failed"
)

// TrainingResult is what a training session produced.
type TrainingResult struct {
	Workflow *workflow.LearnedWorkflow
	Outcome  TrainingOutcome
	Attempts int
	Guidance []string
	// LastRun is the final driver result, nil if no attempt ran.
	LastRun *agent.Result
}

// ReplayResult is the outcome of replaying a stored workflow.
type ReplayResult struct {
	Workflow *workflow.LearnedWorkflow
	Run      *agent.Result
	Success  bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithEventSink sets the destination for training events.
func WithEventSink(sink agent.EventSink) Option {
	return func(s *Supervisor) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithMaxAttempts overrides the attempt cap. Non-positive values are ignored.
func WithMaxAttempts(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithClock sets the time source used for workflow timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithVars sets the template variables rendered into every task before it
// runs. Stored workflows keep the placeholders.
func WithVars(vars map[string]string) Option {
	return func(s *Supervisor) {
		s.vars = vars
	}
}

// Supervisor runs the driver in training and replay modes. In training it
// pauses on a stuck run to ask a human for guidance and retries with the
// accumulated hints.
type Supervisor struct {
	logger      *zap.Logger
	runner      Runner
	store       workflow.Store
	prompter    HumanPrompter
	sink        agent.EventSink
	maxAttempts int
	vars        map[string]string
	now         func() time.Time
}

// NewSupervisor wires a Supervisor. prompter may be nil for replay-only use.
func NewSupervisor(logger *zap.Logger, runner Runner, store workflow.Store, prompter HumanPrompter, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:      logger.Named("trainer"),
		runner:      runner,
		store:       store,
		prompter:    prompter,
		sink:        agent.NopSink{},
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Train learns a new workflow named name for task and persists it.
func (s *Supervisor) Train(ctx context.Context, name, task string) (*TrainingResult, error) {
	wf := workflow.New(name, task, s.now())
	return s.train(ctx, wf, task, nil)
}

// Retrain reruns training for a stored workflow. The new steps replace the
// stored ones only when training completes; otherwise the stored steps are
// kept and the attempt counts as a failure. Creation time and counters are
// carried over either way.
func (s *Supervisor) Retrain(ctx context.Context, ref string) (*TrainingResult, error) {
	existing, err := s.store.Load(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %q: %w", ref, err)
	}
	draft := *existing
	draft.Steps = []workflow.WorkflowStep{}
	return s.train(ctx, &draft, existing.Description, existing)
}

// train runs the attempt loop on wf. previous, when set, is the stored
// workflow wf would replace.
func (s *Supervisor) train(ctx context.Context, wf *workflow.LearnedWorkflow, task string, previous *workflow.LearnedWorkflow) (*TrainingResult, error) {
	if s.prompter == nil {
		return nil, errors.New("training requires a human prompter")
	}
	if _, err := s.render(task); err != nil {
		return nil, err
	}
	out := &TrainingResult{Workflow: wf, Outcome: OutcomeIncomplete}
	logger := s.logger.With(zap.String("workflow", wf.Name))
	logger.Info("Starting training.", zap.Int("max_attempts", s.maxAttempts))

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			out.Outcome = OutcomeFailed
			return out, err
		}
		out.Attempts = attempt
		s.sink.Emit(EventTrainingAttempt, map[string]any{
			"workflow":       wf.Name,
			"attempt":        attempt,
			"max_attempts":   s.maxAttempts,
			"guidance_count": len(out.Guidance),
		})
		logger.Info("Training attempt.", zap.Int("attempt", attempt), zap.Int("guidance", len(out.Guidance)))

		goal, err := s.render(EnhancedTask(task, out.Guidance))
		if err != nil {
			out.Outcome = OutcomeFailed
			return out, err
		}
		res, err := s.runner.Run(ctx, goal)
		out.LastRun = res
		if err != nil {
			out.Outcome = OutcomeFailed
			logger.Error("Training run failed.", zap.Int("attempt", attempt), zap.Error(err))
			return out, fmt.Errorf("training attempt %d failed: %w", attempt, err)
		}

		switch {
		case res.Status == agent.StatusCompleted && res.ActionErrors == 0:
			for _, step := range ActionSteps(res.ExecutedActions(), len(wf.Steps)+1) {
				wf.AddStep(Templatize(step, s.vars))
			}
			wf.AddStep(CompletedStep(res.Summary))
			out.Outcome = OutcomeCompleted
			logger.Info("Training completed.", zap.Int("attempt", attempt), zap.Int("steps", len(wf.Steps)))
			return out, s.finish(ctx, out, previous)

		case res.Status == agent.StatusStuck:
			hint, err := s.prompter.AskGuidance(ctx, s.stuckReport(attempt, res))
			if err != nil {
				out.Outcome = OutcomeFailed
				return out, fmt.Errorf("failed to read guidance: %w", err)
			}
			if IsQuit(hint) {
				out.Outcome = OutcomeCancelled
				logger.Info("Training cancelled by user.", zap.Int("attempt", attempt))
				return out, s.finish(ctx, out, previous)
			}
			s.runner.Detector().Reset()
			if hint == "" {
				logger.Info("No guidance given, retrying.", zap.Int("attempt", attempt))
				continue
			}
			out.Guidance = append(out.Guidance, hint)
			step := wf.AddStep(GuidanceStep(hint))
			s.sink.Emit(EventGuidance, map[string]any{
				"workflow":    wf.Name,
				"attempt":     attempt,
				"step_number": step.StepNumber,
				"hint":        hint,
			})

		default:
			logger.Info("Attempt did not succeed.",
				zap.Int("attempt", attempt),
				zap.String("status", string(res.Status)),
				zap.Int("action_errors", res.ActionErrors))
		}
	}

	logger.Warn("Training exhausted its attempts.", zap.Int("attempts", out.Attempts))
	return out, s.finish(ctx, out, previous)
}

// render fills template placeholders. Hints may themselves reference
// variables, so the enhanced task is rendered as a whole.
func (s *Supervisor) render(task string) (string, error) {
	rendered, err := workflow.RenderTask(task, s.vars)
	if err != nil {
		return "", fmt.Errorf("task %w", err)
	}
	return rendered, nil
}

// finish updates the counters, persists the workflow and reports the outcome.
// A retrain that did not complete keeps the previous steps.
func (s *Supervisor) finish(ctx context.Context, out *TrainingResult, previous *workflow.LearnedWorkflow) error {
	completed := out.Outcome == OutcomeCompleted
	if previous != nil && !completed {
		s.logger.Info("Retraining did not complete, keeping the stored steps.",
			zap.String("workflow", previous.Name), zap.Int("steps", len(previous.Steps)))
		out.Workflow = previous
	} else {
		out.Workflow.LastTrained = s.now().UTC()
	}
	wf := out.Workflow
	wf.RecordReplay(completed)

	s.sink.Emit(EventTrainingComplete, map[string]any{
		"workflow": wf.Name,
		"outcome":  string(out.Outcome),
		"attempts": out.Attempts,
		"steps":    len(wf.Steps),
	})
	if err := s.store.Save(ctx, wf); err != nil {
		return fmt.Errorf("failed to save workflow %q: %w", wf.Name, err)
	}
	s.logger.Info("Workflow saved.", zap.String("workflow", wf.Name), zap.String("outcome", string(out.Outcome)))
	return nil
}

func (s *Supervisor) stuckReport(attempt int, res *agent.Result) StuckReport {
	report := StuckReport{
		Attempt:     attempt,
		MaxAttempts: s.maxAttempts,
		Iteration:   res.StepsTaken,
	}
	if res.Stuck != nil {
		report.Reason = string(res.Stuck.Reason)
		report.Detail = res.Stuck.Detail
	}
	executed := res.ExecutedActions()
	if len(executed) > recentActionCount {
		executed = executed[len(executed)-recentActionCount:]
	}
	for _, ex := range executed {
		report.RecentActions = append(report.RecentActions, describeExecuted(ex))
	}
	return report
}

func describeExecuted(ex agent.ExecutedAction) string {
	desc := ex.Tool
	if ex.Action != nil {
		desc = ex.Action.Describe()
	}
	if ex.Err != nil {
		desc += " -> " + string(ex.Err.Code)
	}
	return desc
}

// Replay runs a stored workflow through the plain driver. The counters are
// updated and the workflow saved whatever the outcome.
func (s *Supervisor) Replay(ctx context.Context, ref string) (*ReplayResult, error) {
	wf, err := s.store.Load(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %q: %w", ref, err)
	}
	logger := s.logger.With(zap.String("workflow", wf.Name))
	logger.Info("Replaying workflow.", zap.Int("steps", len(wf.Steps)))

	goal, err := s.render(wf.ReplayTask())
	if err != nil {
		return nil, err
	}
	res, runErr := s.runner.Run(ctx, goal)
	success := runErr == nil && res != nil && res.Status == agent.StatusCompleted
	wf.RecordReplay(success)

	data := map[string]any{
		"workflow":      wf.Name,
		"success":       success,
		"success_count": wf.SuccessCount,
		"failure_count": wf.FailureCount,
	}
	if res != nil {
		data["status"] = string(res.Status)
		data["steps_taken"] = res.StepsTaken
	}
	s.sink.Emit(EventReplayResult, data)

	// Persist the counters even when the caller's context has ended.
	if err := s.store.Save(context.WithoutCancel(ctx), wf); err != nil {
		return nil, fmt.Errorf("failed to save workflow %q: %w", wf.Name, err)
	}
	out := &ReplayResult{Workflow: wf, Run: res, Success: success}
	if runErr != nil {
		return out, fmt.Errorf("replay of %q failed: %w", wf.Name, runErr)
	}
	logger.Info("Replay finished.", zap.Bool("success", success))
	return out, nil
}
