package task

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CivicNotice/internal/storage/sqlstore"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLStore(context.Background(), sqlstore.Config{
		Driver: sqlstore.DialectSQLite,
		DSN:    filepath.Join(t.TempDir(), "jobs.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T, clock *fakeClock) Store {
		store := newSQLiteStore(t)
		store.now = clock.Now
		return store
	})
}

func TestSQLStoreKeepsRequestAsJSON(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Task{ID: "j", Request: sampleRequest("Road Closure"), MaxRetries: 2}))

	var raw, title string
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT request, title FROM notice_jobs WHERE id = ?`, "j").Scan(&raw, &title))
	assert.Equal(t, "Road Closure", title)
	assert.Contains(t, raw, `"contact_officer":"A. Kumar"`)
	assert.Contains(t, raw, `"additional_notes":null`)
}

func TestBuildFilterClause(t *testing.T) {
	clause, args := buildFilterClause(ListOptions{})
	assert.Empty(t, clause)
	assert.Empty(t, args)

	clause, args = buildFilterClause(buildListOptions([]ListOption{
		WithStatuses(StatusFailed, StatusPending),
		WithQuery("water"),
	}))
	assert.Equal(t, "status IN (?,?) AND (id LIKE ? OR title LIKE ? OR department LIKE ? OR category LIKE ?)", clause)
	assert.Equal(t, []any{"failed", "pending", "%water%", "%water%", "%water%", "%water%"}, args)
}
