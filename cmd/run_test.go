// cmd/run_test.go
package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
	"github.com/trysandbar/ai-aml-agent/internal/mocks"
)

func TestCollectGoals(t *testing.T) {
	taskFile := filepath.Join(t.TempDir(), "screen.txt")
	require.NoError(t, os.WriteFile(taskFile, []byte("Screen {{CUSTOMER}} against the watchlist\n"), 0o644))

	specs, vars, err := collectGoals(
		[]string{"Open {{URL}}", "  ", "Log out"},
		[]string{taskFile},
		[]string{"URL=https://portal.test", "CUSTOMER=Acme Ltd"},
	)
	require.NoError(t, err)
	assert.Equal(t, []goalSpec{
		{Goal: "Open https://portal.test"},
		{Goal: "Log out"},
		{Goal: "Screen Acme Ltd against the watchlist", Source: taskFile},
	}, specs)
	assert.Equal(t, "Acme Ltd", vars["CUSTOMER"])
}

func TestCollectGoals_Errors(t *testing.T) {
	_, _, err := collectGoals([]string{"Open {{URL}}"}, nil, nil)
	assert.ErrorContains(t, err, "undefined variables: URL")

	_, _, err = collectGoals(nil, nil, []string{"novalue"})
	assert.ErrorContains(t, err, "expected KEY=VALUE")

	_, _, err = collectGoals(nil, []string{filepath.Join(t.TempDir(), "missing.txt")}, nil)
	assert.ErrorContains(t, err, "failed to read task file")
}

func TestCollectGoals_LoginFromEnvironment(t *testing.T) {
	t.Setenv("GOOGLE_LOGIN", "analyst@bank.test")
	t.Setenv("GOOGLE_PW", "pw")

	specs, vars, err := collectGoals([]string{"Sign in as {{EMAIL}}"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Sign in as analyst@bank.test", specs[0].Goal)
	assert.Equal(t, "pw", vars["PASSWORD"])
}

func TestReportOutcomes(t *testing.T) {
	var buf bytes.Buffer
	err := reportOutcomes(&buf, []agent.BatchOutcome{
		{Goal: "find case 17", Result: &agent.Result{Success: true, Status: agent.StatusCompleted, StepsTaken: 3, Summary: "found"}},
		{Goal: "loop forever\nsecond line", Result: &agent.Result{
			Status: agent.StatusStuck, StepsTaken: 4,
			Stuck: &agent.StuckSignal{Stuck: true, Reason: agent.ReasonRepeatedAction, Detail: "click repeated"},
		}},
		{Goal: "crash", Err: errors.New("browser died")},
	})
	require.EqualError(t, err, "2 of 3 goals did not complete")

	out := buf.String()
	assert.Contains(t, out, "[1] find case 17\n    status: COMPLETED  steps: 3  action errors: 0\n    summary: found\n")
	assert.Contains(t, out, "[2] loop forever\n")
	assert.NotContains(t, out, "second line")
	assert.Contains(t, out, "stuck: repeated action (click repeated)")
	assert.Contains(t, out, "[3] crash\n    status: FAILED")
	assert.Contains(t, out, "error: browser died")
}

func TestRunName(t *testing.T) {
	assert.Equal(t, "go_to_https_example_com", runName("Go to https://example.com"))
	assert.Equal(t, "screen_acme_ltd_against_the", runName("Screen Acme Ltd against the watchlist now"))
	assert.Equal(t, "run", runName("  !!! "))
}

func TestRunCommand_CompletesGoal(t *testing.T) {
	dir := testEnv(t)
	browser := newPage()
	manager := newFakeManager(browser)
	withFakes(t, manager, completeWith("case 17 has no open alerts"), nil)

	out, err := execute(t, "run", "--goal", "Review case {{CASE}}", "--var", "CASE=17")
	require.NoError(t, err)
	assert.Contains(t, out, "[1] Review case 17")
	assert.Contains(t, out, "status: COMPLETED")
	assert.Contains(t, out, "summary: case 17 has no open alerts")

	assert.Equal(t, 1, manager.Acquired())
	assert.Equal(t, 1, manager.shutdowns)
	browser.AssertCalled(t, "Close", mock.Anything)

	states, err := filepath.Glob(filepath.Join(dir, "audit", "default", "*", "review_case_17_*", "state", "run_state.json"))
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestRunCommand_ParallelGoalsWithOverrides(t *testing.T) {
	testEnv(t)
	t.Setenv("AML_AGENT_AUDIT_ENABLED", "false")
	browser := newPage()
	browser.On("Navigate", mock.Anything, "https://portal.test/login").Return(nil)
	manager := newFakeManager(browser)
	withFakes(t, manager, completeWith("done"), nil)

	statePath := filepath.Join(t.TempDir(), "auth.json")
	out, err := execute(t, "run",
		"--goal", "first goal", "--goal", "second goal",
		"--parallel", "2",
		"--max-iterations", "3",
		"--url", "https://portal.test/login",
		"--save-storage-state", statePath,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "[1] first goal")
	assert.Contains(t, out, "[2] second goal")
	assert.Equal(t, 2, manager.Acquired())
	assert.Equal(t, statePath, manager.persistPath)
	browser.AssertNumberOfCalls(t, "Navigate", 2)
}

func TestRunCommand_IdenticalGoalsKeepTheirTaskFiles(t *testing.T) {
	dir := testEnv(t)
	withFakes(t, newFakeManager(newPage()), completeWith("done"), nil)

	tasks := t.TempDir()
	first := filepath.Join(tasks, "monday.txt")
	second := filepath.Join(tasks, "tuesday.txt")
	for _, path := range []string{first, second} {
		require.NoError(t, os.WriteFile(path, []byte("Review case {{CASE}}\n"), 0o644))
	}

	_, err := execute(t, "run", "--task-file", first, "--task-file", second, "--var", "CASE=17")
	require.NoError(t, err)

	logs, err := filepath.Glob(filepath.Join(dir, "audit", "default", "*", "review_case_17_*", "logs", "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, logs, 2)
	var sources []string
	for _, path := range logs {
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		line, _, _ := bytes.Cut(raw, []byte("\n"))
		var rec struct {
			EventType string `json:"event_type"`
			Data      struct {
				TaskFile string `json:"task_file"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(line, &rec))
		assert.Equal(t, "template_vars", rec.EventType)
		sources = append(sources, rec.Data.TaskFile)
	}
	assert.ElementsMatch(t, []string{first, second}, sources)
}

func TestRunCommand_FailedGoalReturnsError(t *testing.T) {
	testEnv(t)
	t.Setenv("AML_AGENT_AUDIT_ENABLED", "false")
	withFakes(t, newFakeManager(newPage()), &mocks.ScriptedDecisionClient{}, nil)

	out, err := execute(t, "run", "--goal", "anything")
	require.EqualError(t, err, "1 of 1 goals did not complete")
	assert.Contains(t, out, "status: FAILED")
}

func TestRunCommand_RequiresGoal(t *testing.T) {
	testEnv(t)
	withFakes(t, newFakeManager(newPage()), completeWith("x"), nil)

	_, err := execute(t, "run")
	require.EqualError(t, err, "at least one --goal or --task-file is required")
}
