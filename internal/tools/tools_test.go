package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"McpToolbox/internal/config"
	"McpToolbox/internal/sources"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockTool(t *testing.T, kind string, cfg Config) (*SQLTool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tool, err := NewSQLTool("list_users", kind, cfg, sources.NewSQLSource("pg", sources.KindPostgres, db))
	require.NoError(t, err)
	return tool, mock
}

func TestSQLToolQueryReturnsRows(t *testing.T) {
	tool, mock := newMockTool(t, KindPostgresSQL, Config{
		Description: "List users",
		Source:      "pg",
		Statement:   "SELECT id, name FROM users WHERE id > $1",
	})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name FROM users").
		WithArgs(float64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(2), []byte("ada")).
			AddRow(int64(3), "grace"))
	mock.ExpectCommit()

	result, err := tool.Invoke(context.Background(), map[string]any{"args": []any{float64(1)}})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"id": int64(2), "name": "ada"},
		{"id": int64(3), "name": "grace"},
	}, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLToolExecReturnsRowcount(t *testing.T) {
	tool, mock := newMockTool(t, KindPostgresSQL, Config{Description: "d", Source: "pg"})

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE users SET active = \\$1").
		WithArgs(true).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	result, err := tool.Invoke(context.Background(), map[string]any{
		"statement": "UPDATE users SET active = $1",
		"args":      []any{true},
	})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"status": "success", "rowcount": int64(4)}}, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLToolRollsBackOnError(t *testing.T) {
	tool, mock := newMockTool(t, KindPostgresSQL, Config{Description: "d", Source: "pg"})

	dbErr := errors.New("relation \"nope\" does not exist")
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM nope").WillReturnError(dbErr)
	mock.ExpectRollback()

	_, err := tool.Invoke(context.Background(), map[string]any{"statement": "DELETE FROM nope"})
	require.ErrorIs(t, err, dbErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLToolConnectionError(t *testing.T) {
	tool, mock := newMockTool(t, KindPostgresSQL, Config{Description: "d", Source: "pg", Statement: "SELECT 1"})

	mock.ExpectBegin().WillReturnError(errors.New("dial tcp: connection refused"))

	_, err := tool.Invoke(context.Background(), nil)
	require.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, "ConnectionError", ErrorType(err))
}

func TestSQLToolInvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		kind   string
		params map[string]any
	}{
		{"no statement", KindPostgresSQL, map[string]any{}},
		{"empty statement", KindPostgresSQL, map[string]any{"statement": "  "}},
		{"statement not string", KindPostgresSQL, map[string]any{"statement": 42}},
		{"args not list", KindMySQLSQL, map[string]any{"statement": "SELECT 1", "args": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool, mock := newMockTool(t, tt.kind, Config{Description: "d", Source: "pg"})
			_, err := tool.Invoke(context.Background(), tt.params)
			require.ErrorIs(t, err, ErrInvalidParams)
			assert.Equal(t, "ValueError", ErrorType(err))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestReturnsRows(t *testing.T) {
	tests := []struct {
		stmt string
		want bool
	}{
		{"SELECT 1", true},
		{"  select * from t", true},
		{"-- leading comment\nSELECT 1", true},
		{"/* block\ncomment */ WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"(SELECT 1) UNION (SELECT 2)", true},
		{"PRAGMA table_info(t)", true},
		{"INSERT INTO t (a) VALUES (1) RETURNING id", true},
		{"DELETE FROM t\nreturning *", true},
		{"UPDATE notes SET note = 'returning soon'", false},
		{`UPDATE t SET "returning" = 1`, false},
		{"UPDATE t SET a = 1 -- returning later", false},
		{"UPDATE t SET a = 1 /* RETURNING */", false},
		{"UPDATE t SET body = $$ returning $$", false},
		{"UPDATE t SET a = 'it''s' RETURNING a", true},
		{"INSERT INTO t (a) VALUES (1)", false},
		{"UPDATE t SET a = 1", false},
		{"CREATE TABLE t (id INTEGER)", false},
		{"SELECTED_ROWS_PROC()", false},
	}

	for _, tt := range tests {
		t.Run(tt.stmt, func(t *testing.T) {
			assert.Equal(t, tt.want, ReturnsRows(tt.stmt))
		})
	}
}

func TestSQLiteToolEndToEnd(t *testing.T) {
	cfg, err := config.ParseToolboxConfig([]byte(`
sources:
  mem:
    kind: sqlite
    database_file: ":memory:"
tools:
  add_user:
    kind: sqlite-sql
    source: mem
    description: Add a user
    statement: INSERT INTO users (name) VALUES (?)
    parameters:
      - name: name
        description: user name
        required: true
  list_users:
    kind: sqlite-sql
    source: mem
    description: List users
    statement: SELECT id, name FROM users ORDER BY id
`))
	require.NoError(t, err)

	srcs, _, err := sources.NewDefaultRegistry().LoadSources(&cfg.Sources)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srcs["mem"].Close() })

	loaded, order, err := NewDefaultRegistry().LoadTools(&cfg.Tools, srcs)
	require.NoError(t, err)
	assert.Equal(t, []string{"add_user", "list_users"}, order)

	ctx := context.Background()
	_, err = srcs["mem"].(sources.SQLSource).DB().ExecContext(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	res, err := loaded["add_user"].Invoke(ctx, map[string]any{"args": "ada"})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"status": "success", "rowcount": int64(1), "lastrowid": int64(1)}}, res)

	res, err = loaded["list_users"].Invoke(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"id": int64(1), "name": "ada"}}, res)

	_, err = loaded["add_user"].Invoke(ctx, map[string]any{"args": "grace"})
	require.NoError(t, err)
	res, err = loaded["list_users"].Invoke(ctx, map[string]any{"statement": "UPDATE users SET name = 'returning soon'"})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"status": "success", "rowcount": int64(2)}}, res, "update reports rowcount without lastrowid")

	params, err := DecodeParams(strings.NewReader(`{"statement":"INSERT INTO users (id, name) VALUES (?, 'big')","args":[9007199254740993]}`))
	require.NoError(t, err)
	_, err = loaded["add_user"].Invoke(ctx, params)
	require.NoError(t, err)
	params, err = DecodeParams(strings.NewReader(`{"statement":"SELECT name FROM users WHERE id = ?","args":[9007199254740993]}`))
	require.NoError(t, err)
	res, err = loaded["list_users"].Invoke(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"name": "big"}}, res)

	mcp := loaded["add_user"].McpManifest()
	assert.Equal(t, "add_user", mcp.Name)
	assert.Equal(t, "object", mcp.InputSchema.Type)
	assert.Equal(t, PropertySchema{Type: "string", Description: "user name"}, mcp.InputSchema.Properties["name"])
	assert.Equal(t, []string{"name"}, mcp.InputSchema.Required)
}

func TestLoadToolsSkipsBadEntries(t *testing.T) {
	cfg, err := config.ParseToolboxConfig([]byte(`
tools:
  no_source:
    kind: postgres-sql
    description: d
  missing_source:
    kind: postgres-sql
    source: nope
    description: d
  wrong_kind:
    kind: mysql-sql
    source: pg
    description: d
  no_description:
    kind: postgres-sql
    source: pg
  unknown:
    kind: http
  ok:
    kind: postgres-sql
    source: pg
    description: fine
`))
	require.NoError(t, err)

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	srcs := map[string]sources.Source{"pg": sources.NewSQLSource("pg", sources.KindPostgres, db)}
	loaded, order, err := NewDefaultRegistry().LoadTools(&cfg.Tools, srcs)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, order)
	assert.Len(t, loaded, 1)
}

func TestIsAuthorized(t *testing.T) {
	tests := []struct {
		name     string
		required []string
		verified []string
		want     bool
	}{
		{"no requirements", nil, nil, true},
		{"missing", []string{"google"}, nil, false},
		{"any match", []string{"google", "github"}, []string{"github"}, true},
		{"no match", []string{"google"}, []string{"github"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool, _ := newMockTool(t, KindPostgresSQL, Config{Description: "d", Source: "pg", AuthRequired: tt.required})
			assert.Equal(t, tt.want, tool.IsAuthorized(tt.verified))
		})
	}
}

func TestManifestDefaultsParameterType(t *testing.T) {
	tool, _ := newMockTool(t, KindPostgresSQL, Config{
		Description:  "d",
		Source:       "pg",
		AuthRequired: []string{"google"},
		Parameters:   []ParameterConfig{{Name: "id", Description: "user id"}},
	})

	m := tool.Manifest()
	assert.Equal(t, "string", m.Parameters[0].Type)
	assert.Equal(t, []string{"google"}, m.AuthRequired)
	assert.Empty(t, tool.McpManifest().InputSchema.Required)
}

type fakeCypherSource struct {
	got    sources.CypherQuery
	result any
	err    error
}

func (f *fakeCypherSource) Name() string { return "graph" }
func (f *fakeCypherSource) Kind() string { return sources.KindNeo4j }
func (f *fakeCypherSource) Close() error { return nil }
func (f *fakeCypherSource) RunCypher(_ context.Context, q sources.CypherQuery) (any, error) {
	f.got = q
	return f.result, f.err
}

func TestCypherToolInvoke(t *testing.T) {
	src := &fakeCypherSource{result: []map[string]any{{"name": "Keanu"}}}
	tool, err := NewCypherTool("actors", Config{Description: "d", Source: "graph", Statement: "MATCH (p) RETURN p.name AS name"}, "", src)
	require.NoError(t, err)

	res, err := tool.Invoke(context.Background(), map[string]any{
		"args":             map[string]any{"limit": float64(1)},
		"transaction_type": "READ",
		"session_database": "movies",
	})
	require.NoError(t, err)
	assert.Equal(t, src.result, res)
	assert.Equal(t, sources.CypherQuery{
		Cypher:   "MATCH (p) RETURN p.name AS name",
		Params:   map[string]any{"limit": float64(1)},
		Database: "movies",
	}, src.got)

	_, err = tool.Invoke(context.Background(), map[string]any{"cypher": "CREATE (n)", "transaction_type": "write"})
	require.NoError(t, err)
	assert.True(t, src.got.Write)
	assert.Equal(t, map[string]any{}, src.got.Params)
}

func TestCypherToolErrors(t *testing.T) {
	tests := []struct {
		name    string
		srcErr  error
		params  map[string]any
		wantErr error
	}{
		{"bad transaction type", nil, map[string]any{"transaction_type": "admin"}, ErrInvalidParams},
		{"params not object", nil, map[string]any{"params": []any{1}}, ErrInvalidParams},
		{"server error", &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError", Msg: "bad"}, nil, ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeCypherSource{err: tt.srcErr}
			tool, err := NewCypherTool("q", Config{Description: "d", Source: "graph"}, "RETURN 1", src)
			require.NoError(t, err)

			_, err = tool.Invoke(context.Background(), tt.params)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	tool, err := NewCypherTool("q", Config{Description: "d", Source: "graph"}, "", &fakeCypherSource{})
	require.NoError(t, err)
	_, err = tool.Invoke(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidParams)
}

func TestErrorTypeFallsBackToInnermostType(t *testing.T) {
	assert.Equal(t, "*errors.errorString", ErrorType(errors.New("boom")))
	assert.Equal(t, "*errors.errorString", ErrorType(fmt.Errorf("wrapped: %w", errors.New("boom"))))
	assert.Equal(t, "ValueError", ErrorType(invalidParams("x")))

	var _ Tool = (*SQLTool)(nil)
	var _ Tool = (*CypherTool)(nil)
}

func TestDecodeParams(t *testing.T) {
	params, err := DecodeParams(strings.NewReader(`{"id":9007199254740993,"ratio":0.5,"exp":1e3,"nested":{"ids":[1,-2]}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), params["id"])
	assert.Equal(t, 0.5, params["ratio"])
	assert.Equal(t, float64(1000), params["exp"])
	assert.Equal(t, map[string]any{"ids": []any{int64(1), int64(-2)}}, params["nested"])

	params, err = DecodeParams(strings.NewReader(`null`))
	require.NoError(t, err)
	assert.Nil(t, params)

	_, err = DecodeParams(strings.NewReader(`{"id":99999999999999999999}`))
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = DecodeParams(strings.NewReader(`[1]`))
	assert.Error(t, err)

	_, err = DecodeParams(strings.NewReader(`{} {}`))
	assert.Error(t, err)
}
