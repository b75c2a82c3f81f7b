// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
)

// -- Browser Mock --

// MockBrowser mocks the agent.Browser interface.
type MockBrowser struct {
	mock.Mock
}

var _ agent.Browser = (*MockBrowser)(nil)

// NewMockBrowser returns a browser mock whose Close always succeeds.
func NewMockBrowser() *MockBrowser {
	m := new(MockBrowser)
	m.On("Close", mock.Anything).Return(nil).Maybe()
	return m
}

func (m *MockBrowser) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockBrowser) Click(ctx context.Context, selector string) error {
	args := m.Called(ctx, selector)
	return args.Error(0)
}

func (m *MockBrowser) Fill(ctx context.Context, selector, value string) error {
	args := m.Called(ctx, selector, value)
	return args.Error(0)
}

func (m *MockBrowser) Evaluate(ctx context.Context, script string) (any, error) {
	args := m.Called(ctx, script)
	return args.Get(0), args.Error(1)
}

func (m *MockBrowser) Wait(ctx context.Context, d time.Duration) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockBrowser) Screenshot(ctx context.Context, name string) (*agent.Capture, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.Capture), args.Error(1)
}

func (m *MockBrowser) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// -- Session Factory --

// StaticSessions hands out the same browser and counts acquisitions.
type StaticSessions struct {
	Browser agent.Browser
	Err     error

	mu       sync.Mutex
	acquired int
}

func (s *StaticSessions) NewSession(ctx context.Context) (agent.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired++
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Browser, nil
}

// Acquired reports how many sessions were requested.
func (s *StaticSessions) Acquired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

// -- Decision Client Mock --

// MockDecisionClient mocks the agent.DecisionClient interface.
type MockDecisionClient struct {
	mock.Mock
}

var _ agent.DecisionClient = (*MockDecisionClient)(nil)

func (m *MockDecisionClient) Decide(ctx context.Context, transcript *agent.Transcript, turn agent.UserTurn, tools []agent.ToolSpec) (*agent.Decision, error) {
	args := m.Called(ctx, transcript, turn, tools)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.Decision), args.Error(1)
}

// -- Scripted Decision Client --

// ScriptedDecisionClient replays decisions in order and keeps the transcript
// the way a real client does. Once the script runs out it repeats Fallback,
// or returns an error when Fallback is nil.
type ScriptedDecisionClient struct {
	Script   []*agent.Decision
	Fallback *agent.Decision

	mu    sync.Mutex
	calls int
	turns []agent.UserTurn
}

var _ agent.DecisionClient = (*ScriptedDecisionClient)(nil)

func (s *ScriptedDecisionClient) Decide(ctx context.Context, transcript *agent.Transcript, turn agent.UserTurn, tools []agent.ToolSpec) (*agent.Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var d *agent.Decision
	switch {
	case s.calls < len(s.Script):
		d = s.Script[s.calls]
	case s.Fallback != nil:
		d = s.Fallback
	default:
		return nil, &agent.DecisionError{Op: "complete", Err: fmt.Errorf("script exhausted after %d calls", s.calls)}
	}
	s.calls++
	s.turns = append(s.turns, turn)

	calls := make([]agent.ToolCall, len(d.ToolCalls))
	for i, c := range d.ToolCalls {
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d_%d", s.calls, i)
		}
		calls[i] = c
	}
	transcript.Append(agent.Message{Role: agent.RoleUser, Content: turn.Text})
	transcript.Append(agent.Message{Role: agent.RoleAssistant, Content: d.Content, ToolCalls: calls})
	return &agent.Decision{Content: d.Content, ToolCalls: calls}, nil
}

// Calls reports how many decisions were served.
func (s *ScriptedDecisionClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Turns returns the user turns received, in order.
func (s *ScriptedDecisionClient) Turns() []agent.UserTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agent.UserTurn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Call builds a tool call for scripts.
func Call(name string, args map[string]any) agent.ToolCall {
	return agent.ToolCall{Name: name, Arguments: args}
}
