// internal/agent/driver.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/trysandbar/ai-aml-agent/internal/config"
	"github.com/trysandbar/ai-aml-agent/internal/observability"
)

// pageStateScript reads the facts the context block is built from.
const pageStateScript = `JSON.stringify({url: window.location.href, title: document.title, readyState: document.readyState})`

// DriverConfig bounds a run.
type DriverConfig struct {
	MaxIterations int
	// InitialURL is loaded before the first iteration unless empty or about:blank.
	InitialURL string
	// StuckCheckAfter is the first iteration at which the detector is consulted.
	StuckCheckAfter int
	DecisionTimeout time.Duration
	RunTimeout      time.Duration
	ContextMaxChars int
	Vision          bool
	WindowSize      int
	RepeatThreshold int
	ScrollThreshold int
	// MaxDecisionTimeouts is how many consecutive timed-out decision calls are
	// skipped before the run fails.
	MaxDecisionTimeouts int
	CleanupTimeout      time.Duration
}

// DriverConfigFrom maps application configuration onto a DriverConfig.
func DriverConfigFrom(cfg config.AgentConfig) DriverConfig {
	return DriverConfig{
		MaxIterations:       cfg.MaxIterations,
		InitialURL:          cfg.InitialURL,
		StuckCheckAfter:     cfg.StuckCheckAfter,
		DecisionTimeout:     cfg.DecisionTimeout,
		RunTimeout:          cfg.RunTimeout,
		ContextMaxChars:     cfg.ContextMaxChars,
		Vision:              cfg.Vision,
		WindowSize:          cfg.Loop.WindowSize,
		RepeatThreshold:     cfg.Loop.RepeatThreshold,
		ScrollThreshold:     cfg.Loop.ScrollThreshold,
		MaxDecisionTimeouts: 2,
		CleanupTimeout:      10 * time.Second,
	}
}

func (c *DriverConfig) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 50
	}
	if c.StuckCheckAfter <= 0 {
		c.StuckCheckAfter = 4
	}
	if c.MaxDecisionTimeouts < 0 {
		c.MaxDecisionTimeouts = 0
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 10 * time.Second
	}
}

// Option configures a Driver.
type Option func(*Driver)

// WithEventSink routes run events to sink.
func WithEventSink(sink EventSink) Option {
	return func(d *Driver) {
		if sink != nil {
			d.sink = sink
		}
	}
}

// WithMetrics records run metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// Driver runs the perceive-decide-act loop for one goal at a time. A Driver
// owns its detector, its transcript and its history; create one per
// concurrent goal.
type Driver struct {
	logger   *zap.Logger
	cfg      DriverConfig
	sessions SessionFactory
	client   DecisionClient
	sink     EventSink
	metrics  *observability.Metrics
	detector *LoopDetector
	tools    []ToolSpec
	running  atomic.Bool
}

// NewDriver wires a Driver to its collaborators.
func NewDriver(logger *zap.Logger, cfg DriverConfig, sessions SessionFactory, client DecisionClient, opts ...Option) *Driver {
	cfg.applyDefaults()
	d := &Driver{
		logger:   logger.Named("driver"),
		cfg:      cfg,
		sessions: sessions,
		client:   client,
		sink:     NopSink{},
		detector: NewLoopDetector(cfg.WindowSize, cfg.RepeatThreshold, cfg.ScrollThreshold),
		tools:    Catalogue(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detector exposes the loop detector so a supervisor can reset it.
func (d *Driver) Detector() *LoopDetector { return d.detector }

// Config returns the effective configuration.
func (d *Driver) Config() DriverConfig { return d.cfg }

// Run pursues goal until it completes, gets stuck, exhausts its iteration
// budget or fails. The Result is always non-nil. A non-nil error is returned
// only for fatal infrastructure failures and is a *FatalError.
func (d *Driver) Run(ctx context.Context, goal string) (*Result, error) {
	if !d.running.CompareAndSwap(false, true) {
		err := errors.New("driver is already running a goal")
		return &Result{Status: StatusFailed, FinalState: AgentState{Goal: goal, Status: StatusFailed, Error: err.Error()}, Error: err.Error()},
			&FatalError{Phase: "init", Err: err, LastState: AgentState{Goal: goal}}
	}
	defer d.running.Store(false)

	if d.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RunTimeout)
		defer cancel()
	}

	r := &run{
		d:          d,
		state:      AgentState{RunID: uuid.NewString(), Goal: goal, Status: StatusInit},
		transcript: NewTranscript(SystemPrompt(goal, d.cfg.Vision)),
	}
	r.logger = d.logger.With(zap.String("run_id", r.state.RunID))
	d.detector.Reset()

	r.logger.Info("Starting run", zap.String("goal", truncate(goal, 200)), zap.Int("max_iterations", d.cfg.MaxIterations))
	d.sink.Emit(EventRunStart, map[string]any{
		"run_id":         r.state.RunID,
		"goal":           goal,
		"max_iterations": d.cfg.MaxIterations,
		"initial_url":    d.cfg.InitialURL,
	})
	d.metrics.RunStarted()

	err := r.execute(ctx)
	result := r.result()
	d.metrics.RunFinished(strings.ToLower(string(result.Status)))

	if err != nil {
		r.logger.Error("Run failed", zap.Error(err), zap.Int("steps", result.StepsTaken))
		d.sink.Emit(EventRunFailed, map[string]any{
			"run_id": r.state.RunID,
			"error":  err.Error(),
			"result": result,
		})
		return result, err
	}

	r.logger.Info("Run finished",
		zap.String("status", string(result.Status)),
		zap.Bool("success", result.Success),
		zap.Int("steps", result.StepsTaken),
		zap.Int("action_errors", result.ActionErrors))
	d.sink.Emit(EventRunComplete, map[string]any{
		"run_id": r.state.RunID,
		"result": result,
	})
	return result, nil
}

// run is the per-invocation state. It never outlives Run.
type run struct {
	d            *Driver
	logger       *zap.Logger
	state        AgentState
	transcript   *Transcript
	history      []IterationRecord
	stuck        *StuckSignal
	actionErrors int
	summary      string
}

func (r *run) execute(ctx context.Context) (err error) {
	d := r.d
	browser, err := d.sessions.NewSession(ctx)
	if err != nil {
		return r.fail("session", err)
	}
	defer r.release(ctx, browser)

	// A panic escaping the loop is an infrastructure fault; the deferred
	// release above still runs.
	defer func() {
		if p := recover(); p != nil {
			err = r.fail("loop", fmt.Errorf("panic: %v", p))
		}
	}()

	executor := NewExecutor(r.logger, browser)

	if u := d.cfg.InitialURL; u != "" && u != "about:blank" {
		if err := browser.Navigate(ctx, u); err != nil {
			return r.fail("initial navigation", err)
		}
		r.state.CurrentURL = u
	}
	r.state.Status = StatusRunning

	timeouts := 0
	for i := 1; i <= d.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return r.fail("run", err)
		}
		r.state.Iteration = i
		d.metrics.IterationStarted()
		d.sink.Emit(EventIterationStart, map[string]any{"run_id": r.state.RunID, "iteration": i})

		rec := IterationRecord{Iteration: i, StartedAt: time.Now().UTC()}

		page := r.observe(ctx, browser)
		rec.Observation = page
		r.state.CurrentURL, r.state.PageTitle = page.URL, page.Title

		capture, err := browser.Screenshot(ctx, fmt.Sprintf("iteration_%03d", i))
		if err != nil {
			return r.fail("screenshot", err)
		}
		if capture == nil {
			capture = &Capture{}
		}
		r.state.ScreenshotPath = capture.Path
		rec.ScreenshotPath = capture.Path
		if capture.Path != "" {
			d.sink.Emit(EventScreenshot, map[string]any{
				"run_id":    r.state.RunID,
				"iteration": i,
				"path":      capture.Path,
				"url":       page.URL,
				"title":     page.Title,
				"selector":  r.lastSelector(),
			})
		}

		text := BuildContext(PerceptionInput{
			State:         r.state,
			Page:          page,
			MaxIterations: d.cfg.MaxIterations,
			Vision:        d.cfg.Vision && len(capture.PNG) > 0,
			MaxChars:      d.cfg.ContextMaxChars,
		})
		rec.Context = text

		turn := UserTurn{Text: text}
		if d.cfg.Vision {
			turn.Image = capture.PNG
		}

		decision, err := r.decide(ctx, turn)
		if err != nil {
			if ctx.Err() == nil && isDecisionTimeout(err) && timeouts < d.cfg.MaxDecisionTimeouts {
				timeouts++
				r.logger.Warn("Decision call timed out; skipping iteration", zap.Int("iteration", i), zap.Int("consecutive", timeouts))
				rec.DecisionErr = err.Error()
				r.history = append(r.history, rec)
				d.sink.Emit(EventDecisionError, map[string]any{"run_id": r.state.RunID, "iteration": i, "error": err.Error(), "recovered": true})
				continue
			}
			d.sink.Emit(EventDecisionError, map[string]any{"run_id": r.state.RunID, "iteration": i, "error": err.Error(), "recovered": false})
			return r.fail("decision", err)
		}
		timeouts = 0
		rec.ResponseText = decision.Content
		d.sink.Emit(EventDecision, map[string]any{
			"run_id":     r.state.RunID,
			"iteration":  i,
			"content":    decision.Content,
			"tool_calls": callNames(decision.ToolCalls),
		})

		summary, done := completionSummary(decision.Content)

		// Calls that accompany the marker are part of the final step.
		for _, call := range decision.ToolCalls {
			if err := ctx.Err(); err != nil {
				r.history = append(r.history, rec)
				return r.fail("action", err)
			}
			rec.Actions = append(rec.Actions, r.act(ctx, executor, call))
		}
		if len(rec.Actions) > 0 {
			rec.ActionTaken = r.state.LastAction
		}
		r.history = append(r.history, rec)

		if done {
			r.state.Completed = true
			r.state.Status = StatusCompleted
			r.summary = summary
			break
		}

		if i >= d.cfg.StuckCheckAfter {
			if sig := d.detector.Check(); sig.Stuck {
				r.stuck = &sig
				r.state.Status = StatusStuck
				r.state.Error = fmt.Sprintf("stuck: %s (%s)", sig.Reason, sig.Detail)
				r.logger.Warn("Run is stuck", zap.String("reason", string(sig.Reason)), zap.String("detail", sig.Detail))
				d.sink.Emit(EventStuck, map[string]any{
					"run_id":    r.state.RunID,
					"iteration": i,
					"reason":    string(sig.Reason),
					"detail":    sig.Detail,
					"window":    d.detector.Recent(),
				})
				break
			}
		}
	}

	if r.state.Status.Terminal() {
		return nil
	}
	r.state.Status = StatusExhausted
	r.state.Error = fmt.Sprintf("iteration budget of %d exhausted without completing the goal", d.cfg.MaxIterations)
	return nil
}

// observe reads the page facts. Probe failures degrade to "unknown" values.
func (r *run) observe(ctx context.Context, browser Browser) PageObservation {
	page := PageObservation{URL: unknownValue, Title: unknownValue, ReadyState: unknownValue}
	v, err := browser.Evaluate(ctx, pageStateScript)
	if err != nil {
		r.logger.Debug("Page state probe failed", zap.Error(err))
		return page
	}
	var decoded PageObservation
	switch t := v.(type) {
	case string:
		if err := json.Unmarshal([]byte(t), &decoded); err != nil {
			r.logger.Debug("Page state probe returned unparsable JSON", zap.Error(err))
			return page
		}
	case map[string]any:
		decoded.URL, _ = t["url"].(string)
		decoded.Title, _ = t["title"].(string)
		decoded.ReadyState, _ = t["readyState"].(string)
	default:
		return page
	}
	if decoded.URL != "" {
		page.URL = decoded.URL
	}
	if decoded.Title != "" {
		page.Title = decoded.Title
	}
	if decoded.ReadyState != "" {
		page.ReadyState = decoded.ReadyState
	}
	return page
}

func (r *run) decide(ctx context.Context, turn UserTurn) (*Decision, error) {
	d := r.d
	dctx := ctx
	if d.cfg.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, d.cfg.DecisionTimeout)
		defer cancel()
	}

	start := time.Now()
	decision, err := d.client.Decide(dctx, r.transcript, turn, d.tools)
	d.metrics.ObserveDecision(time.Since(start), err)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &DecisionError{Op: "complete", Timeout: true, Err: err}
		}
		var de *DecisionError
		if !errors.As(err, &de) {
			err = &DecisionError{Op: "complete", Err: err}
		}
		return nil, err
	}
	if decision == nil {
		decision = &Decision{}
	}
	return decision, nil
}

func (r *run) act(ctx context.Context, executor *Executor, call ToolCall) ExecutedAction {
	d := r.d
	ex, err := executor.Execute(ctx, call)
	if err != nil {
		r.logger.Warn("Model requested an action outside the catalogue", zap.String("tool", call.Name))
	}

	r.transcript.AppendToolResult(call.ID, ex.Result)

	if ex.Action != nil {
		r.state.LastAction = ex.Action.Describe()
	} else {
		r.state.LastAction = fmt.Sprintf("%s(%v)", call.Name, call.Arguments)
	}

	code := ""
	if ex.Failed() {
		r.actionErrors++
		code = string(ErrCodeUnknownAction)
		if ex.Err != nil {
			code = string(ex.Err.Code)
		}
		d.metrics.ActionFailed(code)
	} else if nav, ok := ex.Action.(Navigate); ok {
		r.state.CurrentURL = nav.URL
	}

	d.detector.Add(EntryFor(ex))
	d.sink.Emit(EventAction, map[string]any{
		"run_id":     r.state.RunID,
		"iteration":  r.state.Iteration,
		"tool":       call.Name,
		"arguments":  call.Arguments,
		"result":     truncate(ex.Result, 2000),
		"error_code": code,
	})
	return ex
}

func (r *run) release(ctx context.Context, browser Browser) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.d.cfg.CleanupTimeout)
	defer cancel()
	if err := browser.Close(cctx); err != nil {
		r.logger.Warn("Failed to close browser session", zap.Error(err))
	}
}

func (r *run) fail(phase string, err error) error {
	r.state.Status = StatusFailed
	r.state.Error = err.Error()
	return &FatalError{Phase: phase, Err: err, LastState: r.state}
}

func (r *run) lastSelector() string {
	for i := len(r.history) - 1; i >= 0; i-- {
		acts := r.history[i].Actions
		for j := len(acts) - 1; j >= 0; j-- {
			if sel, ok := selectorOf(acts[j].Action); ok {
				return sel
			}
		}
	}
	return ""
}

func (r *run) result() *Result {
	history := make([]IterationRecord, len(r.history))
	copy(history, r.history)
	return &Result{
		Success:      r.state.Status == StatusCompleted,
		StepsTaken:   r.state.Iteration,
		Status:       r.state.Status,
		FinalState:   r.state,
		History:      history,
		Stuck:        r.stuck,
		ActionErrors: r.actionErrors,
		Summary:      r.summary,
		Error:        r.state.Error,
	}
}

func isDecisionTimeout(err error) bool {
	var de *DecisionError
	if errors.As(err, &de) && de.Timeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func callNames(calls []ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}
