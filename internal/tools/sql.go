package tools

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"McpToolbox/internal/logger"
	"McpToolbox/internal/metrics"
	"McpToolbox/internal/sources"

	"gopkg.in/yaml.v3"
)

const (
	KindPostgresSQL = "postgres-sql"
	KindMySQLSQL    = "mysql-sql"
	KindSQLiteSQL   = "sqlite-sql"
)

var (
	leadingComments = regexp.MustCompile(`(?s)^(\s+|--[^\n]*\n?|/\*.*?\*/|\()*`)
	returningClause = regexp.MustCompile(`(?i)\bRETURNING\b`)
	// 字符串字面量、带引号的标识符、美元引用和注释
	quotedOrComment = regexp.MustCompile(`(?s)'(?:[^']|'')*'|"(?:[^"]|"")*"|\$\$.*?\$\$|--[^\n]*|/\*.*?\*/`)
	rowKeywords     = map[string]bool{
		"SELECT": true, "WITH": true, "SHOW": true, "PRAGMA": true, "EXPLAIN": true,
		"VALUES": true, "DESCRIBE": true, "DESC": true, "TABLE": true,
	}
)

// SQLTool 在 SQL 数据源上执行语句
type SQLTool struct {
	base
	source sources.SQLSource
}

func newSQLFactory(kind, sourceKind string) Factory {
	return func(name string, node *yaml.Node, srcs map[string]sources.Source) (Tool, error) {
		var cfg Config
		if err := node.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("%s tool %q: invalid config: %w", kind, name, err)
		}

		b, err := newBase(name, kind, cfg)
		if err != nil {
			return nil, err
		}

		src, err := lookupSource(name, cfg.Source, sourceKind, srcs)
		if err != nil {
			return nil, err
		}
		sqlSrc, ok := src.(sources.SQLSource)
		if !ok {
			return nil, fmt.Errorf("source %q for tool %q does not expose a SQL connection pool", cfg.Source, name)
		}

		return &SQLTool{base: b, source: sqlSrc}, nil
	}
}

// NewSQLTool 直接用数据源构造 SQL 工具
func NewSQLTool(name, kind string, cfg Config, source sources.SQLSource) (*SQLTool, error) {
	b, err := newBase(name, kind, cfg)
	if err != nil {
		return nil, err
	}
	return &SQLTool{base: b, source: source}, nil
}

// Invoke 执行 SQL。statement 覆盖默认语句，args 为位置参数
func (t *SQLTool) Invoke(ctx context.Context, params map[string]any) (result any, err error) {
	start := time.Now()
	labels := []metrics.Label{metrics.L("tool", t.name), metrics.L("kind", t.kind)}
	metrics.IncrCounter([]string{"tool", "invoke"}, labels...)
	defer func() {
		metrics.MeasureSince([]string{"tool", "invoke", "latency"}, start, labels...)
		if err != nil {
			metrics.IncrCounter([]string{"tool", "invoke", "errors"}, labels...)
		}
	}()

	statement, err := t.statement(params)
	if err != nil {
		return nil, err
	}
	args, err := t.args(params)
	if err != nil {
		return nil, err
	}

	logger.Info("invoking sql tool", "tool", t.name, "source", t.source.Name(), "statement", truncate(statement, 100), "args", args)

	tx, err := t.source.DB().BeginTx(ctx, nil)
	if err != nil {
		logger.Error("failed to acquire connection", "tool", t.name, "source", t.source.Name(), "error", err)
		return nil, fmt.Errorf("%w: source %q not connected: %v", ErrConnection, t.source.Name(), err)
	}

	if ReturnsRows(statement) {
		result, err = queryRows(ctx, tx, statement, args)
	} else {
		result, err = t.exec(ctx, tx, statement, args)
	}
	if err != nil {
		logger.Error("sql tool failed", "tool", t.name, "source", t.source.Name(), "error", err)
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("failed to rollback transaction", "tool", t.name, "error", rbErr)
		}
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

func (t *SQLTool) statement(params map[string]any) (string, error) {
	statement := t.config.Statement
	if raw, ok := params["statement"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return "", invalidParams("'statement' must be a string")
		}
		statement = s
	}
	if strings.TrimSpace(statement) == "" {
		return "", invalidParams("no SQL statement provided either in parameters or default config")
	}
	return statement, nil
}

func (t *SQLTool) args(params map[string]any) ([]any, error) {
	switch v := params["args"].(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	default:
		// SQLite 允许单个参数不包成列表
		if t.kind == KindSQLiteSQL {
			return []any{v}, nil
		}
		return nil, invalidParams("'args' must be a list of positional values")
	}
}

func (t *SQLTool) exec(ctx context.Context, tx *sql.Tx, statement string, args []any) (any, error) {
	res, err := tx.ExecContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}

	status := map[string]any{"status": "success", "rowcount": int64(-1)}
	if n, err := res.RowsAffected(); err == nil {
		status["rowcount"] = n
	}
	// 只有插入语句的 lastrowid 有意义，其他语句拿到的是连接上一次插入的值
	if t.kind == KindSQLiteSQL && insertsRows(statement) {
		if id, err := res.LastInsertId(); err == nil {
			status["lastrowid"] = id
		}
	}
	return []map[string]any{status}, nil
}

func queryRows(ctx context.Context, tx *sql.Tx, statement string, args []any) (any, error) {
	rows, err := tx.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return []map[string]any{{"status": "success", "rowcount": int64(-1)}}, nil
	}

	results := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// ReturnsRows 根据语句开头的关键字或 RETURNING 子句判断是否返回结果集
func ReturnsRows(statement string) bool {
	if rowKeywords[leadingKeyword(statement)] {
		return true
	}
	return returningClause.MatchString(quotedOrComment.ReplaceAllString(statement, " "))
}

func insertsRows(statement string) bool {
	switch leadingKeyword(statement) {
	case "INSERT", "REPLACE":
		return true
	}
	return false
}

// leadingKeyword 跳过开头的注释和括号，返回大写的第一个关键字
func leadingKeyword(statement string) string {
	s := leadingComments.ReplaceAllString(statement, "")
	if i := strings.IndexFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '(' || r == ';'
	}); i >= 0 {
		s = s[:i]
	}
	return strings.ToUpper(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
