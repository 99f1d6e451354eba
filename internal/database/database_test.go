package database

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"McpToolbox/internal/config"
	"McpToolbox/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteService(t *testing.T) *DatabaseService {
	t.Helper()
	ds, err := NewDatabaseService(context.Background(), &config.DatabaseConfig{
		Driver: config.DriverSQLite,
		File:   filepath.Join(t.TempDir(), "hub.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func registration(ms, name, desc string) *models.ToolRegistrationRequest {
	req := &models.ToolRegistrationRequest{
		ToolName:       name,
		MicroserviceID: ms,
		InvocationInfo: models.JSONB{"type": "mcp_jsonrpc_stdio", "command_template": "toolbox mcp-serve"},
		McpManifest:    &models.McpManifestModel{Name: name, Description: desc},
	}
	if desc != "" {
		req.Description = &desc
	}
	req.Validate()
	return req
}

func TestUpsertCreatesThenUpdates(t *testing.T) {
	ds := newSQLiteService(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	ds.now = func() time.Time { return base }

	tool, created, err := ds.UpsertTool(ctx, registration("ms-1", "query", "first"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Positive(t, tool.ID)
	assert.Equal(t, "first", *tool.Description)
	assert.True(t, base.Equal(tool.RegisteredAt))
	require.NotNil(t, tool.LastHeartbeatAt)
	assert.True(t, base.Equal(*tool.LastHeartbeatAt))
	assert.Equal(t, "mcp_jsonrpc_stdio", tool.InvocationInfo["type"])
	assert.Equal(t, "object", tool.McpManifest.InputSchema.Type)

	later := base.Add(time.Hour)
	ds.now = func() time.Time { return later }
	updated, created, err := ds.UpsertTool(ctx, registration("ms-1", "query", "second"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, tool.ID, updated.ID)
	assert.Equal(t, "second", *updated.Description)
	assert.True(t, base.Equal(updated.RegisteredAt), "registered_at keeps the original time")
	assert.True(t, later.Equal(*updated.LastHeartbeatAt))
}

func TestListGetLookupDelete(t *testing.T) {
	ds := newSQLiteService(t)
	ctx := context.Background()

	for _, r := range []*models.ToolRegistrationRequest{
		registration("ms-1", "a", "A"),
		registration("ms-1", "b", ""),
		registration("ms-2", "a", "other"),
	} {
		_, _, err := ds.UpsertTool(ctx, r)
		require.NoError(t, err)
	}

	all, err := ds.ListTools(ctx, "", 0, 100)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	filtered, err := ds.ListTools(ctx, "ms-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	assert.Nil(t, filtered[1].Description)

	page, err := ds.ListTools(ctx, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ToolName)

	found, err := ds.LookupTool(ctx, "ms-2", "a")
	require.NoError(t, err)
	assert.Equal(t, "other", *found.Description)

	got, err := ds.GetTool(ctx, found.ID)
	require.NoError(t, err)
	assert.Equal(t, found.ToolName, got.ToolName)

	_, err = ds.LookupTool(ctx, "ms-3", "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ds.GetTool(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, ds.DeleteTool(ctx, found.ID))
	assert.ErrorIs(t, ds.DeleteTool(ctx, found.ID), ErrNotFound)
}

func TestHeartbeatOnlyMovesForward(t *testing.T) {
	ds := newSQLiteService(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ds.now = func() time.Time { return base }
	_, _, err := ds.UpsertTool(ctx, registration("ms", "t", "d"))
	require.NoError(t, err)

	ds.now = func() time.Time { return base.Add(time.Minute) }
	tool, err := ds.Heartbeat(ctx, "ms", "t")
	require.NoError(t, err)
	assert.True(t, base.Add(time.Minute).Equal(*tool.LastHeartbeatAt))

	// 时钟回拨时保留较新的时间
	ds.now = func() time.Time { return base.Add(-time.Hour) }
	tool, err = ds.Heartbeat(ctx, "ms", "t")
	require.NoError(t, err)
	assert.True(t, base.Add(time.Minute).Equal(*tool.LastHeartbeatAt))

	stored, err := ds.LookupTool(ctx, "ms", "t")
	require.NoError(t, err)
	assert.True(t, base.Add(time.Minute).Equal(*stored.LastHeartbeatAt))

	_, err = ds.Heartbeat(ctx, "ms", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRebind(t *testing.T) {
	pg := NewWithDB(nil, config.DriverPostgres)
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", pg.rebind("SELECT 1 WHERE a = ? AND b = ?"))

	lite := NewWithDB(nil, config.DriverSQLite)
	assert.Equal(t, "SELECT 1 WHERE a = ?", lite.rebind("SELECT 1 WHERE a = ?"))
}

func TestPostgresConflictMapsToErrConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ds := NewWithDB(db, config.DriverPostgres)
	columns := []string{"id", "tool_name", "microservice_id", "description", "invocation_info", "mcp_manifest", "registered_at", "last_heartbeat_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE microservice_id = $1 AND tool_name = $2")).
		WithArgs("ms", "t").
		WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO registered_tools")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	_, _, err = ds.UpsertTool(context.Background(), registration("ms", "t", "d"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListUsesPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ds := NewWithDB(db, config.DriverPostgres)
	now := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "tool_name", "microservice_id", "description", "invocation_info", "mcp_manifest", "registered_at", "last_heartbeat_at"}).
		AddRow(int64(1), "t", "ms", nil, []byte(`{"type":"x"}`), []byte(`{"name":"t"}`), now, nil)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE microservice_id = $1 ORDER BY id LIMIT $2 OFFSET $3")).
		WithArgs("ms", 10, 5).
		WillReturnRows(rows)

	tools, err := ds.ListTools(context.Background(), "ms", 5, 10)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Nil(t, tools[0].Description)
	assert.Nil(t, tools[0].LastHeartbeatAt)
	assert.Equal(t, "x", tools[0].InvocationInfo["type"])
	assert.Equal(t, "t", tools[0].McpManifest.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnsupportedDriver(t *testing.T) {
	ds := NewWithDB(nil, "oracle")
	err := ds.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
