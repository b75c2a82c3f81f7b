// internal/audit/recorder.go
package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/trysandbar/ai-aml-agent/internal/agent"
	"github.com/trysandbar/ai-aml-agent/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ScreenshotMetadata is written next to each copied screenshot.
type ScreenshotMetadata struct {
	URL       string                `json:"url"`
	Title     string                `json:"title"`
	Timestamp time.Time             `json:"timestamp"`
	Viewport  config.ViewportConfig `json:"viewport"`
	Selector  string                `json:"selector,omitempty"`
}

// Recorder is an agent.EventSink that keeps the audit trail of one run:
//
//	<base>/<tenant>/<YYYY-MM-DD>/<name>_<session>/
//	    screenshots/iteration_NNN.png + iteration_NNN.json
//	    logs/<name>.jsonl
//	    state/run_state.json
type Recorder struct {
	name      string
	sessionID string
	runDir    string
	dayDir    string
	keepRuns  int
	viewport  config.ViewportConfig

	events *zap.Logger
	file   *os.File
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	secrets     secretSet
	screenshots int
	closed      bool
}

var _ agent.EventSink = (*Recorder)(nil)

// NewRecorder creates the run directory tree and opens the event log.
func NewRecorder(cfg config.AuditConfig, name string, viewport config.ViewportConfig, logger *zap.Logger) (*Recorder, error) {
	return newRecorder(cfg, name, viewport, logger, time.Now)
}

func newRecorder(cfg config.AuditConfig, name string, viewport config.ViewportConfig, logger *zap.Logger, now func() time.Time) (*Recorder, error) {
	base, err := homedir.Expand(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand audit dir: %w", err)
	}
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = "default"
	}
	name = sanitize(name)
	started := now()
	sessionID := started.Format("20060102_150405") + "_" + uuid.New().String()[:8]

	dayDir := filepath.Join(base, tenant, started.Format("2006-01-02"))
	runDir := filepath.Join(dayDir, name+"_"+sessionID)
	for _, sub := range []string{"screenshots", "logs", "state"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	f, err := os.OpenFile(filepath.Join(runDir, "logs", name+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	r := &Recorder{
		name:      name,
		sessionID: sessionID,
		runDir:    runDir,
		dayDir:    dayDir,
		keepRuns:  cfg.KeepRuns,
		viewport:  viewport,
		file:      f,
		logger:    logger.Named("audit").With(zap.String("session_id", sessionID)),
		now:       now,
	}
	r.events = zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(eventEncoderConfig()), zapcore.Lock(f), zapcore.DebugLevel)).
		With(zap.String("session_id", sessionID))
	r.logger.Info("Audit trail started.", zap.String("dir", runDir))
	return r, nil
}

// eventEncoderConfig renders {timestamp, session_id, event_type, data}.
func eventEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

// SessionID identifies this run's audit directory.
func (r *Recorder) SessionID() string { return r.sessionID }

// Dir returns the run directory.
func (r *Recorder) Dir() string { return r.runDir }

// Emit writes one masked event record and handles screenshot and
// terminal events.
func (r *Recorder) Emit(eventType string, data map[string]any) {
	normalized := normalize(data)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	masked, _ := r.secrets.scrub(Mask(normalized)).(map[string]any)
	r.events.Info("", zap.String("event_type", eventType), zap.Any("data", masked))

	switch eventType {
	case agent.EventScreenshot:
		if err := r.recordScreenshot(masked); err != nil {
			r.logger.Warn("Failed to record screenshot.", zap.Error(err))
		}
	case agent.EventRunComplete, agent.EventRunFailed:
		if err := r.writeState(eventType, masked); err != nil {
			r.logger.Warn("Failed to write run state.", zap.Error(err))
		}
	}
}

// RecordVars logs the template variables of the run with secrets masked.
// The values of sensitive variables are masked in every later record.
func (r *Recorder) RecordVars(task string, vars map[string]string) {
	r.mu.Lock()
	r.secrets = r.secrets.add(vars)
	r.mu.Unlock()
	r.Emit("template_vars", map[string]any{"task_file": task, "template_vars": Mask(vars)})
}

func (r *Recorder) recordScreenshot(data map[string]any) error {
	src, _ := data["path"].(string)
	if src == "" {
		return nil
	}
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	dst := filepath.Join(r.runDir, "screenshots", base+".png")
	if err := copyFile(src, dst); err != nil {
		return err
	}

	meta := ScreenshotMetadata{Timestamp: r.now().UTC(), Viewport: r.viewport}
	meta.URL, _ = data["url"].(string)
	meta.Title, _ = data["title"].(string)
	meta.Selector, _ = data["selector"].(string)
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	r.screenshots++
	return os.WriteFile(filepath.Join(r.runDir, "screenshots", base+".json"), encoded, 0o644)
}

func (r *Recorder) writeState(eventType string, data map[string]any) error {
	state := map[string]any{
		"name":                 r.name,
		"session_id":           r.sessionID,
		"finished_at":          r.now().UTC(),
		"event":                eventType,
		"screenshots_captured": r.screenshots,
		"result":               data["result"],
	}
	if msg, ok := data["error"]; ok {
		state["error"] = msg
	}
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.runDir, "state", "run_state.json"), encoded, 0o644)
}

// Close flushes the event log and prunes older runs of the same name.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	_ = r.events.Sync()
	err := r.file.Close()
	if r.keepRuns > 0 {
		if perr := pruneRuns(r.dayDir, r.name, r.keepRuns); perr != nil {
			r.logger.Warn("Failed to prune old audit runs.", zap.Error(perr))
		}
	}
	return err
}

// pruneRuns keeps the newest keep run directories for name within dir.
func pruneRuns(dir, name string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	type run struct {
		path string
		mod  time.Time
	}
	var runs []run
	prefix := name + "_"
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, run{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	// Newest first; the name embeds the start time, so it breaks ties.
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].mod.Equal(runs[j].mod) {
			return runs[i].path > runs[j].path
		}
		return runs[i].mod.After(runs[j].mod)
	})
	for _, old := range runs[min(keep, len(runs)):] {
		if err := os.RemoveAll(old.path); err != nil {
			return err
		}
	}
	return nil
}

// normalize turns structs in data into plain JSON values so they can be masked.
func normalize(data map[string]any) map[string]any {
	encoded, err := json.Marshal(data)
	if err != nil {
		return map[string]any{"unencodable": err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return map[string]any{"unencodable": err.Error()}
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// sanitize makes name safe as a path component.
func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "run"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
