// internal/agent/interfaces.go
package agent

import (
	"context"
	"time"
)

// Capture is a saved screenshot.
type Capture struct {
	// Path is where the image was written; empty when it was kept in memory only.
	Path string
	PNG  []byte
}

// Browser is the driver capability one run holds exclusively. Every method
// reports failure through its error; none may panic on a page-level fault.
type Browser interface {
	// Navigate loads url and waits for the session's configured ready condition.
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	// Evaluate runs script and returns its JSON-decoded value.
	Evaluate(ctx context.Context, script string) (any, error)
	Wait(ctx context.Context, d time.Duration) error
	Screenshot(ctx context.Context, name string) (*Capture, error)
	Close(ctx context.Context) error
}

// SessionFactory acquires a fresh browser session.
type SessionFactory interface {
	NewSession(ctx context.Context) (Browser, error)
}

// SessionFactoryFunc adapts a function to SessionFactory.
type SessionFactoryFunc func(ctx context.Context) (Browser, error)

func (f SessionFactoryFunc) NewSession(ctx context.Context) (Browser, error) { return f(ctx) }

// UserTurn is the observation sent to the model for one iteration.
type UserTurn struct {
	Text string
	// Image is an optional PNG attached to this turn only.
	Image []byte
}

// Decision is the model's reply for one iteration.
type Decision struct {
	Content   string
	ToolCalls []ToolCall
}

// DecisionClient asks the model for the next action. Implementations append
// the user and assistant turns to transcript only when the call succeeds, and
// surface failures as *DecisionError.
type DecisionClient interface {
	Decide(ctx context.Context, transcript *Transcript, turn UserTurn, tools []ToolSpec) (*Decision, error)
}

// EventSink receives structured run events.
type EventSink interface {
	Emit(eventType string, data map[string]any)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(string, map[string]any) {}
