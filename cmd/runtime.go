// cmd/runtime.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
	"github.com/trysandbar/ai-aml-agent/internal/audit"
	"github.com/trysandbar/ai-aml-agent/internal/browser"
	"github.com/trysandbar/ai-aml-agent/internal/config"
	"github.com/trysandbar/ai-aml-agent/internal/llmclient"
	"github.com/trysandbar/ai-aml-agent/internal/observability"
	"github.com/trysandbar/ai-aml-agent/internal/workflow"
)

// browserManager is the part of browser.Manager the commands use.
type browserManager interface {
	agent.SessionFactory
	PersistingSessions(path string) agent.SessionFactory
	Shutdown(ctx context.Context) error
}

// Injection points for tests.
var (
	newBrowserManager = func(cfg config.BrowserConfig, logger *zap.Logger) browserManager {
		return browser.NewManager(cfg, logger)
	}
	newDecisionClient = llmclient.NewClient
)

const shutdownTimeout = 15 * time.Second

// runtime owns the process-level components one command invocation shares:
// the browser process, metrics, audit recorders and database pools.
type runtime struct {
	cfg      config.Interface
	logger   *zap.Logger
	browser  browserManager
	metrics  *observability.Metrics
	registry *prometheus.Registry

	mu        sync.Mutex
	recorders []*audit.Recorder
	closers   []func(context.Context)
}

func newRuntime(cfg config.Interface, logger *zap.Logger) (*runtime, error) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return &runtime{
		cfg:      cfg,
		logger:   logger,
		browser:  newBrowserManager(cfg.Browser(), logger),
		metrics:  metrics,
		registry: reg,
	}, nil
}

// sessions returns the session factory for runs, saving the storage state
// on close when saveStatePath is set.
func (rt *runtime) sessions(saveStatePath string) agent.SessionFactory {
	if saveStatePath != "" {
		return rt.browser.PersistingSessions(saveStatePath)
	}
	return rt.browser
}

// runSpec names one run for its audit trail.
type runSpec struct {
	Name string
	// Source is the task file the goal came from, if any.
	Source string
	Vars   map[string]string
}

// sink returns the event sink for a run: the logger, plus an audit
// recorder when auditing is enabled.
func (rt *runtime) sink(spec runSpec) (agent.EventSink, error) {
	logSink := agent.NewLoggerSink(rt.logger)
	if !rt.cfg.Audit().Enabled {
		return logSink, nil
	}
	rec, err := audit.NewRecorder(rt.cfg.Audit(), spec.Name, rt.cfg.Browser().Viewport, rt.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start audit trail: %w", err)
	}
	if len(spec.Vars) > 0 {
		rec.RecordVars(spec.Source, spec.Vars)
	}
	rt.mu.Lock()
	rt.recorders = append(rt.recorders, rec)
	rt.mu.Unlock()
	return agent.MultiSink{logSink, rec}, nil
}

// newDriver builds a Driver with its own decision client and event sink.
func (rt *runtime) newDriver(ctx context.Context, spec runSpec, sessions agent.SessionFactory) (*agent.Driver, agent.EventSink, error) {
	client, err := newDecisionClient(ctx, rt.cfg.LLM(), rt.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create decision client: %w", err)
	}
	sink, err := rt.sink(spec)
	if err != nil {
		return nil, nil, err
	}
	driver := agent.NewDriver(rt.logger, agent.DriverConfigFrom(rt.cfg.Agent()), sessions, client,
		agent.WithEventSink(sink),
		agent.WithMetrics(rt.metrics),
	)
	return driver, sink, nil
}

// workflowStore opens the configured workflow backend.
func (rt *runtime) workflowStore(ctx context.Context) (workflow.Store, error) {
	return workflow.NewStore(ctx, rt.cfg.Trainer(), rt.connect, rt.logger)
}

func (rt *runtime) connect(ctx context.Context, url string) (workflow.DBPool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	rt.addCloser(func(context.Context) { pool.Close() })
	return pool, nil
}

// serveMetrics exposes the run metrics on addr until shutdown.
func (rt *runtime) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Warn("Metrics server stopped", zap.Error(err))
		}
	}()
	rt.addCloser(func(ctx context.Context) { _ = srv.Shutdown(ctx) })
	rt.logger.Info("Serving metrics", zap.String("addr", ln.Addr().String()))
	return nil
}

func (rt *runtime) addCloser(fn func(context.Context)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.closers = append(rt.closers, fn)
}

// Shutdown closes the browser first, then the audit trails, then pools and
// servers.
func (rt *runtime) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := rt.browser.Shutdown(ctx); err != nil {
		rt.logger.Warn("Error during browser manager shutdown", zap.Error(err))
	}

	rt.mu.Lock()
	recorders, closers := rt.recorders, rt.closers
	rt.recorders, rt.closers = nil, nil
	rt.mu.Unlock()

	for _, rec := range recorders {
		if err := rec.Close(); err != nil {
			rt.logger.Warn("Error closing audit trail", zap.String("dir", rec.Dir()), zap.Error(err))
		}
	}
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i](ctx)
	}
}

// runName derives a short audit name from a goal's first words.
func runName(goal string) string {
	words := strings.FieldsFunc(goal, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) > 5 {
		words = words[:5]
	}
	name := []rune(strings.ToLower(strings.Join(words, "_")))
	if len(name) > 40 {
		name = name[:40]
	}
	if len(name) == 0 {
		return "run"
	}
	return string(name)
}
