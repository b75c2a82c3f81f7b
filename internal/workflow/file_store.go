// internal/workflow/file_store.go
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const workflowExt = ".yml"

// FileStore keeps one YAML document per workflow in a directory. A workflow
// loaded from an explicit path is saved back to that path.
type FileStore struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	sources map[string]string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand workflow dir: %w", err)
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workflow dir: %w", err)
	}
	return &FileStore{dir: expanded, logger: logger.Named("workflow_store"), sources: map[string]string{}}, nil
}

// Path returns the document path for a workflow name or explicit file reference.
func (s *FileStore) Path(ref string) string {
	if strings.HasSuffix(ref, ".yml") || strings.HasSuffix(ref, ".yaml") || strings.ContainsRune(ref, filepath.Separator) {
		if expanded, err := homedir.Expand(ref); err == nil {
			return expanded
		}
		return ref
	}
	return filepath.Join(s.dir, ref+workflowExt)
}

// Save writes the document atomically.
func (s *FileStore) Save(ctx context.Context, w *LearnedWorkflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := yaml.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %q: %w", w.Name, err)
	}
	path := s.savePath(w.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write workflow %q: %w", w.Name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace workflow %q: %w", w.Name, err)
	}
	s.logger.Info("Saved workflow.", zap.String("name", w.Name), zap.String("path", path), zap.Int("steps", len(w.Steps)))
	return nil
}

// Load reads a document by name or path. A document without a name takes
// the file's stem.
func (s *FileStore) Load(ctx context.Context, ref string) (*LearnedWorkflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.Path(ref)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}
	var w LearnedWorkflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse workflow %s: %w", path, err)
	}
	if w.Name == "" {
		w.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if w.Steps == nil {
		w.Steps = []WorkflowStep{}
	}
	s.mu.Lock()
	s.sources[w.Name] = path
	s.mu.Unlock()
	return &w, nil
}

// savePath is where a workflow was last loaded from, or its default path in
// the store directory.
func (s *FileStore) savePath(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path, ok := s.sources[name]; ok {
		return path
	}
	return s.Path(name)
}

// List returns the stored workflow names, sorted.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}
