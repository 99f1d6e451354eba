package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"McpToolbox/internal/config"
	"McpToolbox/internal/logger"
	"McpToolbox/internal/models"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("tool not found")
	// ErrConflict 违反 (microservice_id, tool_name) 唯一约束
	ErrConflict = errors.New("tool already registered")
)

const toolColumns = `id, tool_name, microservice_id, description, invocation_info, mcp_manifest, registered_at, last_heartbeat_at`

var schemas = map[string][]string{
	config.DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS registered_tools (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tool_name TEXT NOT NULL,
			microservice_id TEXT NOT NULL,
			description TEXT,
			invocation_info TEXT NOT NULL,
			mcp_manifest TEXT NOT NULL,
			registered_at DATETIME NOT NULL,
			last_heartbeat_at DATETIME,
			CONSTRAINT _microservice_tool_uc UNIQUE (microservice_id, tool_name)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_registered_tools_tool_name ON registered_tools (tool_name)`,
		`CREATE INDEX IF NOT EXISTS ix_registered_tools_microservice_id ON registered_tools (microservice_id)`,
	},
	config.DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS registered_tools (
			id SERIAL PRIMARY KEY,
			tool_name VARCHAR NOT NULL,
			microservice_id VARCHAR NOT NULL,
			description TEXT,
			invocation_info JSONB NOT NULL,
			mcp_manifest JSONB NOT NULL,
			registered_at TIMESTAMPTZ NOT NULL,
			last_heartbeat_at TIMESTAMPTZ,
			CONSTRAINT _microservice_tool_uc UNIQUE (microservice_id, tool_name)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_registered_tools_tool_name ON registered_tools (tool_name)`,
		`CREATE INDEX IF NOT EXISTS ix_registered_tools_microservice_id ON registered_tools (microservice_id)`,
	},
}

// DatabaseService Hub 的工具注册表存储
type DatabaseService struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// NewDatabaseService 按配置打开数据库并建表
func NewDatabaseService(ctx context.Context, cfg *config.DatabaseConfig) (*DatabaseService, error) {
	db, err := sql.Open(cfg.Driver, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.Driver == config.DriverSQLite {
		// SQLite 只允许一个写连接
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	ds := NewWithDB(db, cfg.Driver)
	if err := ds.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("database connected", "driver", cfg.Driver)
	return ds, nil
}

// NewWithDB 使用已打开的连接池
func NewWithDB(db *sql.DB, driver string) *DatabaseService {
	return &DatabaseService{
		db:     db,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Close 关闭数据库连接
func (ds *DatabaseService) Close() error {
	return ds.db.Close()
}

// Ping 检查连接
func (ds *DatabaseService) Ping(ctx context.Context) error {
	return ds.db.PingContext(ctx)
}

// Migrate 创建 registered_tools 表和索引
func (ds *DatabaseService) Migrate(ctx context.Context) error {
	stmts, ok := schemas[ds.driver]
	if !ok {
		return fmt.Errorf("unsupported database driver %q", ds.driver)
	}
	for _, stmt := range stmts {
		if _, err := ds.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate registered_tools: %w", err)
		}
	}
	return nil
}

// rebind 把 ? 占位符改写为 PostgreSQL 的 $n
func (ds *DatabaseService) rebind(query string) string {
	if ds.driver != config.DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTool(row rowScanner) (*models.RegisteredTool, error) {
	var (
		tool        models.RegisteredTool
		description sql.NullString
		heartbeat   sql.NullTime
	)
	err := row.Scan(
		&tool.ID,
		&tool.ToolName,
		&tool.MicroserviceID,
		&description,
		&tool.InvocationInfo,
		&tool.McpManifest,
		&tool.RegisteredAt,
		&heartbeat,
	)
	if err != nil {
		return nil, err
	}
	if description.Valid {
		tool.Description = &description.String
	}
	if heartbeat.Valid {
		t := heartbeat.Time.UTC()
		tool.LastHeartbeatAt = &t
	}
	tool.RegisteredAt = tool.RegisteredAt.UTC()
	return &tool, nil
}

// UpsertTool 按 (microservice_id, tool_name) 新建或更新注册，created 表示是否新建
func (ds *DatabaseService) UpsertTool(ctx context.Context, req *models.ToolRegistrationRequest) (tool *models.RegisteredTool, created bool, err error) {
	tx, err := ds.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := ds.now()
	existing, err := ds.lookup(ctx, tx, req.MicroserviceID, req.ToolName)
	switch {
	case errors.Is(err, ErrNotFound):
		var id int64
		err = tx.QueryRowContext(ctx, ds.rebind(`
			INSERT INTO registered_tools
				(tool_name, microservice_id, description, invocation_info, mcp_manifest, registered_at, last_heartbeat_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING id`),
			req.ToolName, req.MicroserviceID, req.Description, req.InvocationInfo, *req.McpManifest, now, now,
		).Scan(&id)
		if err != nil {
			return nil, false, wrapWriteError("insert tool", err)
		}
		created = true
		logger.Info("registering new tool", "tool", req.ToolName, "microservice", req.MicroserviceID, "id", id)
	case err != nil:
		return nil, false, err
	default:
		heartbeat := forward(existing.LastHeartbeatAt, now)
		_, err = tx.ExecContext(ctx, ds.rebind(`
			UPDATE registered_tools
			SET description = ?, mcp_manifest = ?, invocation_info = ?, last_heartbeat_at = ?
			WHERE id = ?`),
			req.Description, *req.McpManifest, req.InvocationInfo, heartbeat, existing.ID,
		)
		if err != nil {
			return nil, false, wrapWriteError("update tool", err)
		}
		logger.Info("updating existing tool", "tool", req.ToolName, "microservice", req.MicroserviceID, "id", existing.ID)
	}

	tool, err = ds.lookup(ctx, tx, req.MicroserviceID, req.ToolName)
	if err != nil {
		return nil, false, err
	}
	if err = tx.Commit(); err != nil {
		return nil, false, wrapWriteError("commit registration", err)
	}
	return tool, created, nil
}

// ListTools 分页列出注册的工具，microserviceID 为空时不过滤
func (ds *DatabaseService) ListTools(ctx context.Context, microserviceID string, skip, limit int) ([]models.RegisteredTool, error) {
	query := `SELECT ` + toolColumns + ` FROM registered_tools`
	var args []any
	if microserviceID != "" {
		query += ` WHERE microservice_id = ?`
		args = append(args, microserviceID)
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, limit, skip)

	rows, err := ds.db.QueryContext(ctx, ds.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tools: %w", err)
	}
	defer rows.Close()

	tools := make([]models.RegisteredTool, 0)
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		tools = append(tools, *tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tools: %w", err)
	}
	return tools, nil
}

// GetTool 按 Hub ID 查询
func (ds *DatabaseService) GetTool(ctx context.Context, id int64) (*models.RegisteredTool, error) {
	row := ds.db.QueryRowContext(ctx, ds.rebind(`SELECT `+toolColumns+` FROM registered_tools WHERE id = ?`), id)
	tool, err := scanTool(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tool %d: %w", id, err)
	}
	return tool, nil
}

// LookupTool 按微服务 ID 和工具名查询
func (ds *DatabaseService) LookupTool(ctx context.Context, microserviceID, toolName string) (*models.RegisteredTool, error) {
	return ds.lookup(ctx, ds.db, microserviceID, toolName)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (ds *DatabaseService) lookup(ctx context.Context, q queryRower, microserviceID, toolName string) (*models.RegisteredTool, error) {
	row := q.QueryRowContext(ctx, ds.rebind(`SELECT `+toolColumns+` FROM registered_tools WHERE microservice_id = ? AND tool_name = ?`),
		microserviceID, toolName)
	tool, err := scanTool(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lookup tool %q/%q: %w", microserviceID, toolName, err)
	}
	return tool, nil
}

// DeleteTool 按 Hub ID 删除
func (ds *DatabaseService) DeleteTool(ctx context.Context, id int64) error {
	res, err := ds.db.ExecContext(ctx, ds.rebind(`DELETE FROM registered_tools WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete tool %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete tool %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	logger.Info("tool deleted", "id", id)
	return nil
}

// Heartbeat 刷新心跳时间，时间只会向前推进
func (ds *DatabaseService) Heartbeat(ctx context.Context, microserviceID, toolName string) (tool *models.RegisteredTool, err error) {
	tx, err := ds.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	tool, err = ds.lookup(ctx, tx, microserviceID, toolName)
	if err != nil {
		return nil, err
	}

	heartbeat := forward(tool.LastHeartbeatAt, ds.now())
	if _, err = tx.ExecContext(ctx, ds.rebind(`UPDATE registered_tools SET last_heartbeat_at = ? WHERE id = ?`), heartbeat, tool.ID); err != nil {
		return nil, fmt.Errorf("error updating heartbeat: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("error updating heartbeat: %w", err)
	}

	tool.LastHeartbeatAt = &heartbeat
	logger.Debug("heartbeat received", "tool", toolName, "microservice", microserviceID)
	return tool, nil
}

func forward(current *time.Time, now time.Time) time.Time {
	if current != nil && current.After(now) {
		return current.UTC()
	}
	return now
}

func wrapWriteError(op string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
