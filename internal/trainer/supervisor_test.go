// internal/trainer/supervisor_test.go
package trainer_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
	"github.com/trysandbar/ai-aml-agent/internal/trainer"
	"github.com/trysandbar/ai-aml-agent/internal/workflow"
)

// fakeRunner returns scripted results and records the goals it was given.
type fakeRunner struct {
	mu       sync.Mutex
	results  []*agent.Result
	errs     []error
	goals    []string
	detector *agent.LoopDetector
}

func newFakeRunner(results ...*agent.Result) *fakeRunner {
	return &fakeRunner{
		results:  results,
		detector: agent.NewLoopDetector(agent.DefaultWindowSize, agent.DefaultRepeatThreshold, agent.DefaultScrollThreshold),
	}
}

func (f *fakeRunner) Run(ctx context.Context, goal string) (*agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.goals)
	f.goals = append(f.goals, goal)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i >= len(f.results) {
		return &agent.Result{Status: agent.StatusExhausted}, err
	}
	return f.results[i], err
}

func (f *fakeRunner) Detector() *agent.LoopDetector { return f.detector }

func (f *fakeRunner) Goals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.goals...)
}

// scriptedPrompter answers guidance requests from a fixed list.
type scriptedPrompter struct {
	answers []string
	err     error
	reports []trainer.StuckReport
}

func (p *scriptedPrompter) AskGuidance(ctx context.Context, report trainer.StuckReport) (string, error) {
	p.reports = append(p.reports, report)
	if p.err != nil {
		return "", p.err
	}
	if len(p.answers) == 0 {
		return "quit", nil
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func stuckResult(actions ...agent.ExecutedAction) *agent.Result {
	return &agent.Result{
		Status:     agent.StatusStuck,
		StepsTaken: len(actions),
		History:    []agent.IterationRecord{{Iteration: 1, Actions: actions}},
		Stuck:      &agent.StuckSignal{Stuck: true, Reason: agent.ReasonRepeatedAction, Detail: "click(selector=\"#next\") repeated 3 times"},
	}
}

func completedResult(summary string, actions ...agent.ExecutedAction) *agent.Result {
	return &agent.Result{
		Success:    true,
		Status:     agent.StatusCompleted,
		StepsTaken: len(actions),
		History:    []agent.IterationRecord{{Iteration: 1, Actions: actions}},
		Summary:    summary,
	}
}

var (
	navigateLogin = agent.ExecutedAction{Tool: "navigate", Action: agent.Navigate{URL: "https://example.com/login"}}
	clickNext     = agent.ExecutedAction{Tool: "click", Action: agent.Click{Selector: "#next"}}
	clickSSO      = agent.ExecutedAction{Tool: "click", Action: agent.Click{Selector: "#sso"}}
)

var fixedNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func newFixture(t *testing.T, runner trainer.Runner, prompter trainer.HumanPrompter) (*trainer.Supervisor, *workflow.FileStore, *agent.RecordingSink) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := workflow.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	sink := &agent.RecordingSink{}
	sup := trainer.NewSupervisor(logger, runner, store, prompter,
		trainer.WithEventSink(sink),
		trainer.WithMaxAttempts(3),
		trainer.WithClock(func() time.Time { return fixedNow }),
	)
	return sup, store, sink
}

func TestTrainCompletesAfterGuidance(t *testing.T) {
	runner := newFakeRunner(
		stuckResult(navigateLogin, clickNext, clickNext, clickNext),
		completedResult("Logged in", navigateLogin, clickSSO),
	)
	prompter := &scriptedPrompter{answers: []string{"use the SSO button"}}
	sup, store, sink := newFixture(t, runner, prompter)

	// Seed the detector so the reset is observable.
	runner.detector.Add(agent.LoopEntry{Kind: agent.KindClick, Target: "#next"})

	res, err := sup.Train(context.Background(), "login", "log in to the portal")
	require.NoError(t, err)

	assert.Equal(t, trainer.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{"use the SSO button"}, res.Guidance)
	assert.Zero(t, runner.detector.Len())

	goals := runner.Goals()
	require.Len(t, goals, 2)
	assert.Equal(t, "log in to the portal", goals[0])
	assert.Contains(t, goals[1], "IMPORTANT GUIDANCE (learned from training):\n- use the SSO button")

	require.Len(t, prompter.reports, 1)
	report := prompter.reports[0]
	assert.Equal(t, 1, report.Attempt)
	assert.Equal(t, 3, report.MaxAttempts)
	assert.Equal(t, string(agent.ReasonRepeatedAction), report.Reason)
	assert.Len(t, report.RecentActions, 4)

	wf := res.Workflow
	require.Len(t, wf.Steps, 4)
	assert.Equal(t, workflow.ActionGuidance, wf.Steps[0].Action)
	assert.Equal(t, "use the SSO button", wf.Steps[0].UserHint)
	assert.Equal(t, "navigate", wf.Steps[1].Action)
	assert.True(t, strings.HasPrefix(wf.Steps[1].Description, "Step 2: "), wf.Steps[1].Description)
	assert.Equal(t, "click", wf.Steps[2].Action)
	assert.True(t, strings.HasPrefix(wf.Steps[2].Description, "Step 3: "), wf.Steps[2].Description)
	assert.Equal(t, "#sso", wf.Steps[2].Selector)
	assert.Equal(t, workflow.ActionCompleted, wf.Steps[3].Action)
	assert.Equal(t, "Task completed: Logged in", wf.Steps[3].Description)
	for i, s := range wf.Steps {
		assert.Equal(t, i+1, s.StepNumber)
	}
	assert.Equal(t, 1, wf.SuccessCount)

	stored, err := store.Load(context.Background(), "login")
	require.NoError(t, err)
	assert.Equal(t, wf.Steps, stored.Steps)
	assert.Equal(t, []string{"use the SSO button"}, stored.Hints())

	assert.Equal(t, []string{
		trainer.EventTrainingAttempt,
		trainer.EventGuidance,
		trainer.EventTrainingAttempt,
		trainer.EventTrainingComplete,
	}, sink.Types())
}

func TestTrainQuitCancels(t *testing.T) {
	runner := newFakeRunner(stuckResult(clickNext, clickNext, clickNext))
	sup, store, _ := newFixture(t, runner, &scriptedPrompter{answers: []string{"Quit"}})

	res, err := sup.Train(context.Background(), "cancelled", "do things")
	require.NoError(t, err)
	assert.Equal(t, trainer.OutcomeCancelled, res.Outcome)
	assert.Len(t, runner.Goals(), 1)

	stored, err := store.Load(context.Background(), "cancelled")
	require.NoError(t, err)
	assert.Empty(t, stored.Steps)
	assert.Equal(t, 1, stored.FailureCount)
}

func TestTrainEmptyGuidanceRetriesWithoutHint(t *testing.T) {
	runner := newFakeRunner(
		stuckResult(clickNext, clickNext, clickNext),
		completedResult("done", clickSSO),
	)
	sup, _, _ := newFixture(t, runner, &scriptedPrompter{answers: []string{""}})

	res, err := sup.Train(context.Background(), "retry", "task")
	require.NoError(t, err)
	assert.Equal(t, trainer.OutcomeCompleted, res.Outcome)
	assert.Empty(t, res.Guidance)
	assert.Equal(t, []string{"task", "task"}, runner.Goals())
}

func TestTrainExhaustsAttempts(t *testing.T) {
	withErrors := completedResult("done", clickSSO)
	withErrors.ActionErrors = 1
	runner := newFakeRunner(
		&agent.Result{Status: agent.StatusExhausted},
		withErrors,
		&agent.Result{Status: agent.StatusExhausted},
	)
	sup, store, _ := newFixture(t, runner, &scriptedPrompter{})

	res, err := sup.Train(context.Background(), "hard", "task")
	require.NoError(t, err)
	assert.Equal(t, trainer.OutcomeIncomplete, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Empty(t, res.Workflow.Steps)

	stored, err := store.Load(context.Background(), "hard")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailureCount)
	assert.Zero(t, stored.SuccessCount)
}

func TestTrainRunErrorIsNotSaved(t *testing.T) {
	runner := newFakeRunner(&agent.Result{Status: agent.StatusFailed})
	runner.errs = []error{errors.New("browser crashed")}
	sup, store, _ := newFixture(t, runner, &scriptedPrompter{})

	res, err := sup.Train(context.Background(), "broken", "task")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser crashed")
	assert.Equal(t, trainer.OutcomeFailed, res.Outcome)

	_, err = store.Load(context.Background(), "broken")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestTrainPromptError(t *testing.T) {
	runner := newFakeRunner(stuckResult(clickNext))
	sup, _, _ := newFixture(t, runner, &scriptedPrompter{err: trainer.ErrPromptClosed})

	res, err := sup.Train(context.Background(), "closed", "task")
	require.ErrorIs(t, err, trainer.ErrPromptClosed)
	assert.Equal(t, trainer.OutcomeFailed, res.Outcome)
}

func TestTrainRequiresPrompter(t *testing.T) {
	sup, _, _ := newFixture(t, newFakeRunner(), nil)
	_, err := sup.Train(context.Background(), "x", "task")
	require.Error(t, err)
}

func TestRetrainKeepsCreationAndCounters(t *testing.T) {
	runner := newFakeRunner(completedResult("again", navigateLogin))
	sup, store, _ := newFixture(t, runner, &scriptedPrompter{})

	created := fixedNow.Add(-48 * time.Hour)
	wf := &workflow.LearnedWorkflow{
		Name:         "login",
		Description:  "log in to the portal",
		CreatedAt:    created,
		LastTrained:  created,
		SuccessCount: 2,
		FailureCount: 1,
	}
	wf.AddStep(trainer.GuidanceStep("old hint"))
	require.NoError(t, store.Save(context.Background(), wf))

	res, err := sup.Retrain(context.Background(), "login")
	require.NoError(t, err)
	assert.Equal(t, trainer.OutcomeCompleted, res.Outcome)
	assert.Equal(t, []string{"log in to the portal"}, runner.Goals())

	stored, err := store.Load(context.Background(), "login")
	require.NoError(t, err)
	assert.True(t, created.Equal(stored.CreatedAt))
	assert.True(t, fixedNow.Equal(stored.LastTrained))
	assert.Equal(t, 3, stored.SuccessCount)
	assert.Equal(t, 1, stored.FailureCount)
	require.Len(t, stored.Steps, 2)
	assert.Equal(t, "navigate", stored.Steps[0].Action)
	assert.Empty(t, stored.Hints())
}

func TestRetrainWithoutCompletionKeepsStoredSteps(t *testing.T) {
	tests := []struct {
		name     string
		runner   *fakeRunner
		prompter *scriptedPrompter
		outcome  trainer.TrainingOutcome
	}{
		{"exhausted attempts", newFakeRunner(), &scriptedPrompter{}, trainer.OutcomeIncomplete},
		{"cancelled", newFakeRunner(stuckResult(clickNext, clickNext, clickNext)), &scriptedPrompter{answers: []string{"quit"}}, trainer.OutcomeCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup, store, _ := newFixture(t, tt.runner, tt.prompter)
			seeded := seedWorkflow(t, store)
			seeded.SuccessCount = 2
			seeded.LastTrained = fixedNow.Add(-time.Hour)
			require.NoError(t, store.Save(context.Background(), seeded))

			res, err := sup.Retrain(context.Background(), "login")
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, res.Outcome)

			stored, err := store.Load(context.Background(), "login")
			require.NoError(t, err)
			assert.Equal(t, seeded.Steps, stored.Steps)
			assert.Equal(t, 2, stored.SuccessCount)
			assert.Equal(t, 1, stored.FailureCount)
			assert.True(t, seeded.LastTrained.Equal(stored.LastTrained))
			assert.Equal(t, stored.Steps, res.Workflow.Steps)
		})
	}
}

func TestRetrainMissingWorkflow(t *testing.T) {
	sup, _, _ := newFixture(t, newFakeRunner(), &scriptedPrompter{})
	_, err := sup.Retrain(context.Background(), "nope")
	require.ErrorIs(t, err, workflow.ErrNotFound)
}

func seedWorkflow(t *testing.T, store workflow.Store) *workflow.LearnedWorkflow {
	t.Helper()
	wf := workflow.New("login", "log in to the portal", fixedNow)
	wf.AddStep(workflow.WorkflowStep{Action: "navigate", Description: `Step 1: navigate(url="https://example.com")`, URL: "https://example.com"})
	wf.AddStep(trainer.CompletedStep("ok"))
	require.NoError(t, store.Save(context.Background(), wf))
	return wf
}

func TestReplay(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		runner := newFakeRunner(completedResult("ok", navigateLogin))
		sup, store, sink := newFixture(t, runner, nil)
		seedWorkflow(t, store)

		res, err := sup.Replay(context.Background(), "login")
		require.NoError(t, err)
		assert.True(t, res.Success)

		goals := runner.Goals()
		require.Len(t, goals, 1)
		assert.Equal(t, "log in to the portal\n\nSteps:\n1. Step 1: navigate(url=\"https://example.com\")\n2. Task completed: ok\n", goals[0])

		stored, err := store.Load(context.Background(), "login")
		require.NoError(t, err)
		assert.Equal(t, 1, stored.SuccessCount)
		assert.Zero(t, stored.FailureCount)
		assert.Equal(t, []string{trainer.EventReplayResult}, sink.Types())
	})

	t.Run("stuck run counts as failure", func(t *testing.T) {
		runner := newFakeRunner(stuckResult(clickNext, clickNext, clickNext))
		sup, store, _ := newFixture(t, runner, nil)
		seedWorkflow(t, store)

		res, err := sup.Replay(context.Background(), "login")
		require.NoError(t, err)
		assert.False(t, res.Success)

		stored, err := store.Load(context.Background(), "login")
		require.NoError(t, err)
		assert.Equal(t, 1, stored.FailureCount)
	})

	t.Run("by path saves back to that file", func(t *testing.T) {
		runner := newFakeRunner(completedResult("ok", navigateLogin))
		sup, store, _ := newFixture(t, runner, nil)

		elsewhere, err := workflow.NewFileStore(t.TempDir(), zaptest.NewLogger(t))
		require.NoError(t, err)
		seedWorkflow(t, elsewhere)
		path := elsewhere.Path("login")

		res, err := sup.Replay(context.Background(), path)
		require.NoError(t, err)
		assert.True(t, res.Success)

		stored, err := elsewhere.Load(context.Background(), "login")
		require.NoError(t, err)
		assert.Equal(t, 1, stored.SuccessCount)

		names, err := store.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("run error still saves", func(t *testing.T) {
		runner := newFakeRunner(&agent.Result{Status: agent.StatusFailed})
		runner.errs = []error{errors.New("navigation failed")}
		sup, store, _ := newFixture(t, runner, nil)
		seedWorkflow(t, store)

		res, err := sup.Replay(context.Background(), "login")
		require.Error(t, err)
		require.NotNil(t, res)
		assert.False(t, res.Success)

		stored, err := store.Load(context.Background(), "login")
		require.NoError(t, err)
		assert.Equal(t, 1, stored.FailureCount)
	})
}

func TestTrainWithVarsKeepsPlaceholders(t *testing.T) {
	fillEmail := agent.ExecutedAction{Tool: "fill", Action: agent.Fill{Selector: "#email", Value: "ops@bank.test"}}
	runner := newFakeRunner(completedResult("in", fillEmail))
	logger := zaptest.NewLogger(t)
	store, err := workflow.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	sup := trainer.NewSupervisor(logger, runner, store, &scriptedPrompter{},
		trainer.WithVars(map[string]string{"EMAIL": "ops@bank.test"}))

	res, err := sup.Train(context.Background(), "login", "log in as {{EMAIL}}")
	require.NoError(t, err)
	assert.Equal(t, []string{"log in as ops@bank.test"}, runner.Goals())
	assert.Equal(t, "log in as {{EMAIL}}", res.Workflow.Description)
	assert.Equal(t, "{{EMAIL}}", res.Workflow.Steps[0].Text)

	_, err = trainer.NewSupervisor(logger, runner, store, &scriptedPrompter{}).
		Train(context.Background(), "login2", "log in as {{EMAIL}}")
	require.ErrorContains(t, err, "undefined variables: EMAIL")
}
