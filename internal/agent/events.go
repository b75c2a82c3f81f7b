package agent

import (
	"sync"

	"go.uber.org/zap"
)

// Event types emitted by the Driver.
const (
	EventRunStart       = "run_start"
	EventIterationStart = "iteration_start"
	EventScreenshot     = "screenshot"
	EventDecision       = "decision"
	EventDecisionError  = "decision_error"
	EventAction         = "action"
	EventStuck          = "stuck"
	EventRunComplete    = "run_complete"
	EventRunFailed      = "run_failed"
)

// LoggerSink forwards events to a zap logger at debug level.
type LoggerSink struct {
	logger *zap.Logger
}

// NewLoggerSink creates a sink named "events" under logger.
func NewLoggerSink(logger *zap.Logger) *LoggerSink {
	return &LoggerSink{logger: logger.Named("events")}
}

func (s *LoggerSink) Emit(eventType string, data map[string]any) {
	s.logger.Debug(eventType, zap.Any("data", data))
}

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(eventType string, data map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Emit(eventType, data)
		}
	}
}

// RecordingSink keeps every event in memory. It is safe for concurrent use.
type RecordingSink struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// RecordedEvent is one captured emission.
type RecordedEvent struct {
	Type string
	Data map[string]any
}

func (r *RecordingSink) Emit(eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Type: eventType, Data: data})
}

// Events returns a copy of the captured events.
func (r *RecordingSink) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Types lists captured event types in order.
func (r *RecordingSink) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
