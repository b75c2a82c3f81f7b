// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
	"github.com/trysandbar/ai-aml-agent/internal/config"
)

// Session is one browser tab held by a single run. It implements agent.Browser.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig

	// screenshotDir is private to this session so parallel runs never
	// overwrite each other's iteration captures.
	screenshotDir string

	onClose func()

	mu       sync.Mutex
	isClosed bool
}

var _ agent.Browser = (*Session)(nil)

func newSession(ctx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger, onClose func()) *Session {
	id := uuid.New().String()
	s := &Session{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(zap.String("session_id", id)),
		cfg:     cfg,
		onClose: onClose,
	}
	if cfg.ScreenshotDir != "" {
		s.screenshotDir = filepath.Join(cfg.ScreenshotDir, id)
	}
	return s
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string { return s.id }

// Navigate loads url and waits for the configured ready condition.
func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := s.withTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()

	mode := strings.ToLower(s.cfg.WaitUntil)
	var actions chromedp.Tasks
	if mode == "none" {
		// Start the navigation without waiting on the load event.
		target, err := json.Marshal(url)
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", url, err)
		}
		actions = append(actions, chromedp.Evaluate(fmt.Sprintf("window.location.assign(%s)", target), nil))
	} else {
		actions = append(actions, chromedp.Navigate(url))
		actions = append(actions, chromedp.ActionFunc(func(c context.Context) error {
			return waitReadyState(c, mode)
		}))
	}

	if err := chromedp.Run(navCtx, actions); err != nil {
		if navCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("navigation to %s timed out after %s: %w", url, s.cfg.NavigationTimeout, err)
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	s.logger.Debug("Navigated.", zap.String("url", url), zap.String("wait_until", mode))
	return nil
}

// waitReadyState polls document.readyState until it satisfies mode.
func waitReadyState(ctx context.Context, mode string) error {
	accept := func(state string) bool {
		if mode == "load" {
			return state == "complete"
		}
		return state == "interactive" || state == "complete"
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		var state string
		if err := chromedp.Evaluate(`document.readyState`, &state).Do(ctx); err == nil && accept(state) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Click waits for the selector to be visible, scrolls it into view and clicks it.
func (s *Session) Click(ctx context.Context, selector string) error {
	err := s.runAction(ctx, selector,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
	)
	if err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// Fill replaces the field's value with value.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	err := s.runAction(ctx, selector,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

// runAction applies the action timeout and rewrites a timed-out element
// wait into a not-found error naming the selector.
func (s *Session) runAction(ctx context.Context, selector string, actions ...chromedp.Action) error {
	actCtx, cancel := s.withTimeout(ctx, s.cfg.ActionTimeout)
	defer cancel()

	err := chromedp.Run(actCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || actCtx.Err() != nil {
		if !s.exists(ctx, selector) {
			return fmt.Errorf("element not found: %s", selector)
		}
		return fmt.Errorf("timeout after %s waiting for %s: %w", s.cfg.ActionTimeout, selector, context.DeadlineExceeded)
	}
	return err
}

func (s *Session) exists(ctx context.Context, selector string) bool {
	probeCtx, cancel := s.withTimeout(ctx, 2*time.Second)
	defer cancel()
	var nodes int
	expr := fmt.Sprintf("document.querySelectorAll(%s).length", mustQuote(selector))
	if err := chromedp.Run(probeCtx, chromedp.Evaluate(expr, &nodes)); err != nil {
		return false
	}
	return nodes > 0
}

// Evaluate runs script in the page and returns its JSON-decoded value.
// Function sources such as "() => ..." are invoked.
func (s *Session) Evaluate(ctx context.Context, script string) (any, error) {
	evalCtx, cancel := s.withTimeout(ctx, s.cfg.ActionTimeout)
	defer cancel()

	var raw []byte
	err := chromedp.Run(evalCtx, chromedp.Evaluate(wrapFunctionSource(script), &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true).WithReturnByValue(true)
	}))
	switch {
	case errors.Is(err, chromedp.ErrJSUndefined), errors.Is(err, chromedp.ErrJSNull):
		return nil, nil
	case err != nil:
		var exc *runtime.ExceptionDetails
		if errors.As(err, &exc) {
			return nil, fmt.Errorf("script exception: %s", exc.Error())
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode script result: %w", err)
	}
	return v, nil
}

// wrapFunctionSource turns a bare function expression into a call.
func wrapFunctionSource(script string) string {
	trimmed := strings.TrimSpace(script)
	if strings.HasPrefix(trimmed, "function") || strings.HasPrefix(trimmed, "async ") || isArrowFunction(trimmed) {
		return "(" + trimmed + ")()"
	}
	return script
}

// isArrowFunction reports whether s is "(params) => body".
func isArrowFunction(s string) bool {
	if !strings.HasPrefix(s, "(") {
		return false
	}
	depth := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return strings.HasPrefix(strings.TrimSpace(s[i+1:]), "=>")
			}
		}
	}
	return false
}

// Wait sleeps for d unless ctx ends first.
func (s *Session) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Screenshot captures the viewport and writes it to <dir>/<name>.png.
func (s *Session) Screenshot(ctx context.Context, name string) (*agent.Capture, error) {
	shotCtx, cancel := s.withTimeout(ctx, s.cfg.ActionTimeout)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	capture := &agent.Capture{PNG: buf}
	if s.screenshotDir == "" {
		return capture, nil
	}
	if err := os.MkdirAll(s.screenshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	path := filepath.Join(s.screenshotDir, name+".png")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write screenshot: %w", err)
	}
	capture.Path = path
	return capture, nil
}

// CaptureStorageState reads the cookies and the current origin's
// localStorage.
func (s *Session) CaptureStorageState(ctx context.Context) (*StorageState, error) {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	state := &StorageState{SavedAt: time.Now().UTC()}
	var local struct {
		Origin string            `json:"origin"`
		Items  map[string]string `json:"items"`
	}
	err := chromedp.Run(runCtx,
		chromedp.ActionFunc(func(c context.Context) error {
			cookies, err := network.GetCookies().Do(c)
			if err != nil {
				return fmt.Errorf("failed to get cookies: %w", err)
			}
			state.Cookies = cookies
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}
	if err := chromedp.Run(runCtx, chromedp.Evaluate(captureLocalStorageScript, &local)); err != nil {
		s.logger.Warn("Could not capture localStorage.", zap.Error(err))
	} else if local.Origin != "" && local.Origin != "null" && len(local.Items) > 0 {
		state.Origins = map[string]map[string]string{local.Origin: local.Items}
	}
	return state, nil
}

// Close terminates the tab. Later calls are no-ops.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")
	if s.cancel != nil {
		s.cancel()
	}
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

// withTimeout combines the session lifetime, the caller's context and an
// optional per-operation timeout.
func (s *Session) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	combined, cancelCombined := CombineContext(s.ctx, ctx)
	if timeout <= 0 {
		return combined, cancelCombined
	}
	timed, cancelTimed := context.WithTimeout(combined, timeout)
	return timed, func() {
		cancelTimed()
		cancelCombined()
	}
}

func mustQuote(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
