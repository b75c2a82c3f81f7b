// internal/workflow/postgres_store.go
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so the store can be tested with a mock pool.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateWorkflows = `
        CREATE TABLE IF NOT EXISTS learned_workflows (
            name TEXT PRIMARY KEY,
            document JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlUpsertWorkflow = `
        INSERT INTO learned_workflows (name, document, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (name) DO UPDATE SET
            document = EXCLUDED.document,
            updated_at = EXCLUDED.updated_at;
    `
	sqlSelectWorkflow = `SELECT document FROM learned_workflows WHERE name = $1;`
	sqlListWorkflows  = `SELECT name FROM learned_workflows ORDER BY name ASC;`
)

// PostgresStore keeps each workflow as one JSONB document row.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore verifies the connection and creates the table.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlCreateWorkflows); err != nil {
		return nil, fmt.Errorf("failed to create workflow table: %w", err)
	}
	return &PostgresStore{pool: pool, log: logger.Named("workflow_store")}, nil
}

// Save upserts the whole document.
func (s *PostgresStore) Save(ctx context.Context, w *LearnedWorkflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	doc, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %q: %w", w.Name, err)
	}
	if _, err := s.pool.Exec(ctx, sqlUpsertWorkflow, w.Name, doc, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save workflow %q: %w", w.Name, err)
	}
	s.log.Info("Saved workflow.", zap.String("name", w.Name), zap.Int("steps", len(w.Steps)))
	return nil
}

// Load reads the document stored under name.
func (s *PostgresStore) Load(ctx context.Context, name string) (*LearnedWorkflow, error) {
	var doc []byte
	if err := s.pool.QueryRow(ctx, sqlSelectWorkflow, name).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to load workflow %q: %w", name, err)
	}
	var w LearnedWorkflow
	if err := json.Unmarshal(doc, &w); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %q: %w", name, err)
	}
	if w.Steps == nil {
		w.Steps = []WorkflowStep{}
	}
	return &w, nil
}

// List returns all workflow names.
func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, sqlListWorkflows)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan workflow row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return names, nil
}
