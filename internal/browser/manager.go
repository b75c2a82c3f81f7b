// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
	"github.com/trysandbar/ai-aml-agent/internal/config"
)

// Manager owns the Chrome process and hands out one tab per run. It
// implements agent.SessionFactory.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	storage       *StorageState

	sessions map[string]*Session
	mu       sync.RWMutex
	wg       sync.WaitGroup

	initOnce sync.Once
	initErr  error
}

var _ agent.SessionFactory = (*Manager)(nil)

// NewManager creates a browser manager. The browser is launched on the
// first NewSession call.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   logger.Named("browser_manager"),
		sessions: make(map[string]*Session),
	}
	m.logger.Info("Browser manager created (initialization deferred).")
	return m
}

// initialize launches the browser process and loads the storage state.
func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		if m.cfg.StorageState != "" {
			state, err := LoadStorageState(m.cfg.StorageState)
			if err != nil {
				m.initErr = err
				return
			}
			m.storage = state
			m.logger.Info("Loaded storage state.", zap.String("path", m.cfg.StorageState), zap.Int("cookies", len(state.Cookies)))
		}

		opts := DefaultAllocatorOptions(m.cfg)
		m.logger.Info("Launching browser...", zap.Bool("headless", m.cfg.Headless), zap.Int("options", len(opts)))

		// The browser outlives any single caller context.
		m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx)

		// The first Run allocates the process and binds it to the context it
		// receives, so it must be the long-lived browser context.
		if err := chromedp.Run(m.browserCtx); err != nil {
			m.browserCancel()
			m.allocCancel()
			m.initErr = fmt.Errorf("failed to launch browser: %w", err)
		}
	})
	return m.initErr
}

// NewSession opens a new tab in the shared browser.
func (m *Manager) NewSession(ctx context.Context) (agent.Browser, error) {
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)
	m.wg.Add(1)
	session := newSession(tabCtx, tabCancel, m.cfg, m.logger, nil)
	session.onClose = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.sessions, session.ID())
		m.wg.Done()
		m.logger.Debug("Session removed from manager.", zap.String("session_id", session.ID()))
	}

	if err := m.prepare(ctx, session); err != nil {
		_ = session.Close(Detach(ctx))
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}

	m.mu.Lock()
	m.sessions[session.ID()] = session
	m.mu.Unlock()

	m.logger.Info("New session created.", zap.String("session_id", session.ID()))
	return session, nil
}

// prepare creates the target and restores the storage state.
func (m *Manager) prepare(ctx context.Context, s *Session) error {
	// The first Run creates the target and binds it to s.ctx.
	if err := chromedp.Run(s.ctx); err != nil {
		return err
	}
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	tasks := chromedp.Tasks{chromedp.Navigate("about:blank")}
	if m.storage != nil {
		tasks = append(tasks, applyStorageState(m.storage))
	}
	return chromedp.Run(runCtx, tasks)
}

// SaveStorageState captures the session's cookies and localStorage to path.
func (m *Manager) SaveStorageState(ctx context.Context, b agent.Browser, path string) error {
	s, ok := b.(*Session)
	if !ok {
		return fmt.Errorf("storage state requires a browser session, got %T", b)
	}
	state, err := s.CaptureStorageState(ctx)
	if err != nil {
		return err
	}
	if err := state.Save(path); err != nil {
		return err
	}
	m.logger.Info("Saved storage state.", zap.String("path", path), zap.Int("cookies", len(state.Cookies)))
	return nil
}

// Shutdown closes all sessions and the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")
	if m.browserCancel == nil {
		m.logger.Info("Manager not fully initialized, skipping full shutdown sequence.")
		return nil
	}

	m.mu.RLock()
	sessionsToClose := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessionsToClose = append(sessionsToClose, s)
	}
	m.mu.RUnlock()

	for _, s := range sessionsToClose {
		if err := s.Close(ctx); err != nil {
			m.logger.Warn("Error during session close in shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("All sessions closed gracefully.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	}

	// Cancel closes the browser gracefully before the allocator kills it.
	if err := chromedp.Cancel(m.browserCtx); err != nil {
		m.logger.Debug("Browser cancel reported an error.", zap.Error(err))
	}
	m.browserCancel()
	m.allocCancel()

	m.logger.Info("Browser manager shutdown complete.")
	return nil
}

// PersistingSessions returns a factory whose sessions save their storage
// state to path just before they close.
func (m *Manager) PersistingSessions(path string) agent.SessionFactory {
	return agent.SessionFactoryFunc(func(ctx context.Context) (agent.Browser, error) {
		b, err := m.NewSession(ctx)
		if err != nil {
			return nil, err
		}
		return &persistingSession{Browser: b, manager: m, path: path}, nil
	})
}

type persistingSession struct {
	agent.Browser
	manager *Manager
	path    string
	once    sync.Once
}

func (p *persistingSession) Close(ctx context.Context) error {
	p.once.Do(func() {
		if err := p.manager.SaveStorageState(ctx, p.Browser, p.path); err != nil {
			p.manager.logger.Warn("Failed to save storage state.", zap.String("path", p.path), zap.Error(err))
		}
	})
	return p.Browser.Close(ctx)
}
