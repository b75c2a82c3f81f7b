// cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
	"github.com/trysandbar/ai-aml-agent/internal/config"
	"github.com/trysandbar/ai-aml-agent/internal/mocks"
	"github.com/trysandbar/ai-aml-agent/internal/trainer"
)

var fakePNG = []byte{0x89, 'P', 'N', 'G'}

// newPage returns a browser whose page probe and screenshots always succeed.
func newPage() *mocks.MockBrowser {
	b := mocks.NewMockBrowser()
	b.On("Evaluate", mock.Anything, mock.MatchedBy(func(s string) bool { return strings.Contains(s, "readyState") })).
		Return(`{"url":"https://portal.test/","title":"Portal","readyState":"complete"}`, nil).Maybe()
	b.On("Screenshot", mock.Anything, mock.AnythingOfType("string")).
		Return(&agent.Capture{PNG: fakePNG}, nil).Maybe()
	return b
}

// fakeBrowserManager hands out one mock browser for every run.
type fakeBrowserManager struct {
	*mocks.StaticSessions

	mu          sync.Mutex
	persistPath string
	shutdowns   int
}

func newFakeManager(b agent.Browser) *fakeBrowserManager {
	return &fakeBrowserManager{StaticSessions: &mocks.StaticSessions{Browser: b}}
}

func (f *fakeBrowserManager) PersistingSessions(path string) agent.SessionFactory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistPath = path
	return f.StaticSessions
}

func (f *fakeBrowserManager) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

// fakePrompter answers guidance requests from a list, then quits.
type fakePrompter struct {
	mu      sync.Mutex
	answers []string
	reports []trainer.StuckReport
	closed  bool
}

func (p *fakePrompter) AskGuidance(ctx context.Context, report trainer.StuckReport) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, report)
	if len(p.answers) == 0 {
		return "quit", nil
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func (p *fakePrompter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// withFakes swaps the injection points for the duration of the test.
func withFakes(t *testing.T, manager browserManager, client agent.DecisionClient, prompter guidancePrompter) {
	t.Helper()
	origManager, origClient, origPrompter := newBrowserManager, newDecisionClient, newPrompter
	newBrowserManager = func(config.BrowserConfig, *zap.Logger) browserManager { return manager }
	newDecisionClient = func(context.Context, config.LLMConfig, *zap.Logger) (agent.DecisionClient, error) {
		return client, nil
	}
	newPrompter = func(config.TrainerConfig, *cobra.Command) (guidancePrompter, error) { return prompter, nil }
	t.Cleanup(func() {
		newBrowserManager, newDecisionClient, newPrompter = origManager, origClient, origPrompter
	})
}

// testEnv points every writable path at a temp dir.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AML_AGENT_LOGGER_LEVEL", "error")
	t.Setenv("AML_AGENT_AUDIT_BASE_DIR", filepath.Join(dir, "audit"))
	t.Setenv("AML_AGENT_TRAINER_WORKFLOW_DIR", filepath.Join(dir, "workflows"))
	t.Setenv("AML_AGENT_TRAINER_STORE", "file")
	t.Setenv("AML_AGENT_BROWSER_SCREENSHOT_DIR", filepath.Join(dir, "screenshots"))
	t.Setenv("AML_AGENT_AGENT_INITIAL_URL", "")
	return dir
}

// execute runs a fresh command tree and returns its combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func completeWith(summary string) *mocks.ScriptedDecisionClient {
	return &mocks.ScriptedDecisionClient{Fallback: &agent.Decision{Content: "GOAL_ACHIEVED: " + summary}}
}
