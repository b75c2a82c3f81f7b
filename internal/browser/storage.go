// internal/browser/storage.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StorageState is the authentication state carried between runs.
type StorageState struct {
	Cookies []*network.Cookie `json:"cookies"`
	// Origins maps an origin to its localStorage entries.
	Origins map[string]map[string]string `json:"origins,omitempty"`
	SavedAt time.Time                    `json:"saved_at"`
}

// LoadStorageState reads a storage state file. A missing file yields an
// empty state and no error.
func LoadStorageState(path string) (*StorageState, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand storage state path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return &StorageState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read storage state: %w", err)
	}
	var state StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse storage state %s: %w", expanded, err)
	}
	return &state, nil
}

// Save writes the state atomically.
func (s *StorageState) Save(path string) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("failed to expand storage state path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("failed to create storage state directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode storage state: %w", err)
	}
	tmp := expanded + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write storage state: %w", err)
	}
	return os.Rename(tmp, expanded)
}

// cookieParams converts captured cookies back into SetCookies parameters.
func cookieParams(cookies []*network.Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		}
		// Session cookies carry a non-positive expiry.
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &exp
		}
		params = append(params, p)
	}
	return params
}

// applyStorageState installs cookies into the current browser context and
// seeds each saved origin's localStorage on its next document load.
func applyStorageState(state *StorageState) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if params := cookieParams(state.Cookies); len(params) > 0 {
			if err := network.SetCookies(params).Do(ctx); err != nil {
				return fmt.Errorf("failed to restore cookies: %w", err)
			}
		}
		for origin, entries := range state.Origins {
			script, err := localStorageScript(origin, entries)
			if err != nil {
				return err
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("failed to seed localStorage for %s: %w", origin, err)
			}
		}
		return nil
	})
}

// localStorageScript seeds localStorage when the document's origin matches.
func localStorageScript(origin string, entries map[string]string) (string, error) {
	o, err := json.Marshal(origin)
	if err != nil {
		return "", err
	}
	e, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(() => { if (window.location.origin !== %s) { return; } const e = %s; for (const k in e) { try { localStorage.setItem(k, e[k]); } catch (_) {} } })()`, o, e), nil
}

const captureLocalStorageScript = `(() => {
	const items = {};
	try {
		for (let i = 0; i < localStorage.length; i++) {
			const k = localStorage.key(i);
			if (k) { items[k] = localStorage.getItem(k); }
		}
	} catch (e) {}
	return {origin: window.location.origin, items: items};
})()`
