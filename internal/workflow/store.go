// internal/workflow/store.go
package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/trysandbar/ai-aml-agent/internal/config"
)

// ErrNotFound is returned when no workflow matches the requested reference.
var ErrNotFound = errors.New("workflow not found")

// Store persists LearnedWorkflow documents whole.
type Store interface {
	// Save writes the document, replacing any previous version with the same name.
	Save(ctx context.Context, w *LearnedWorkflow) error
	// Load reads a workflow by name (or, for file stores, by path).
	Load(ctx context.Context, ref string) (*LearnedWorkflow, error)
	List(ctx context.Context) ([]string, error)
}

// Connector opens a database pool for the Postgres backend.
type Connector func(ctx context.Context, url string) (DBPool, error)

// NewStore builds the configured backend.
func NewStore(ctx context.Context, cfg config.TrainerConfig, connect Connector, logger *zap.Logger) (Store, error) {
	switch cfg.Store {
	case "", "file":
		return NewFileStore(cfg.WorkflowDir, logger)
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("trainer.postgres_url is required for the postgres workflow store")
		}
		pool, err := connect(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to workflow database: %w", err)
		}
		return NewPostgresStore(ctx, pool, logger)
	default:
		return nil, fmt.Errorf("unknown workflow store %q", cfg.Store)
	}
}
