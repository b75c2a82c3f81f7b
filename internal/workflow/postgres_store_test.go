// internal/workflow/postgres_store_test.go
package workflow

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trysandbar/ai-aml-agent/internal/config"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlCreateWorkflows)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	store, err := NewPostgresStore(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return store, mockPool
}

func TestNewPostgresStore_PingFailure(t *testing.T) {
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = NewPostgresStore(context.Background(), mockPool, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresStore_Save(t *testing.T) {
	store, mockPool := newMockStore(t)
	w := sampleWorkflow()

	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertWorkflow)).
		WithArgs("sandbar_review", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), w))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresStore_SaveError(t *testing.T) {
	store, mockPool := newMockStore(t)
	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertWorkflow)).
		WithArgs("sandbar_review", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))

	err := store.Save(context.Background(), sampleWorkflow())
	assert.ErrorContains(t, err, "disk full")
}

func TestPostgresStore_Load(t *testing.T) {
	store, mockPool := newMockStore(t)
	original := sampleWorkflow()
	doc, err := json.Marshal(original)
	require.NoError(t, err)

	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectWorkflow)).
		WithArgs("sandbar_review").
		WillReturnRows(pgxmock.NewRows([]string{"document"}).AddRow(doc))

	loaded, err := store.Load(context.Background(), "sandbar_review")
	require.NoError(t, err)
	if diff := cmp.Diff(original, loaded); diff != "" {
		t.Errorf("workflow mismatch (-want +got):\n%s", diff)
	}
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresStore_LoadMissing(t *testing.T) {
	store, mockPool := newMockStore(t)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectWorkflow)).
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"document"}))

	_, err := store.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_List(t *testing.T) {
	store, mockPool := newMockStore(t)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlListWorkflows)).
		WillReturnRows(pgxmock.NewRows([]string{"name"}).AddRow("alpha").AddRow("beta"))

	names, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, config.TrainerConfig{Store: "file", WorkflowDir: t.TempDir()}, nil, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = NewStore(ctx, config.TrainerConfig{Store: "postgres"}, nil, zap.NewNop())
	assert.ErrorContains(t, err, "postgres_url is required")

	connectErr := errors.New("refused")
	_, err = NewStore(ctx, config.TrainerConfig{Store: "postgres", PostgresURL: "postgres://x"},
		func(context.Context, string) (DBPool, error) { return nil, connectErr }, zap.NewNop())
	assert.ErrorIs(t, err, connectErr)

	_, err = NewStore(ctx, config.TrainerConfig{Store: "s3"}, nil, zap.NewNop())
	assert.ErrorContains(t, err, "unknown workflow store")
}
