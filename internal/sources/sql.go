package sources

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	KindPostgres = "postgres"
	KindMySQL    = "mysql"
	KindSQLite   = "sqlite"
	KindNeo4j    = "neo4j"
)

// PoolConfig 连接池大小
type PoolConfig struct {
	MinConn int `yaml:"pool_min_conn"`
	MaxConn int `yaml:"pool_max_conn"`
}

func (p *PoolConfig) setDefaults() {
	if p.MinConn <= 0 {
		p.MinConn = 1
	}
	if p.MaxConn <= 0 {
		p.MaxConn = 10
	}
	if p.MinConn > p.MaxConn {
		p.MinConn = p.MaxConn
	}
}

// sqlSource database/sql 数据源的公共实现
type sqlSource struct {
	name string
	kind string
	db   *sql.DB
}

func (s *sqlSource) Name() string { return s.name }

func (s *sqlSource) Kind() string { return s.kind }

func (s *sqlSource) DB() *sql.DB { return s.db }

func (s *sqlSource) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// openPool 打开连接池，不会主动建立连接
func openPool(name, kind, driver, dsn string, pool PoolConfig) (*sqlSource, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s source %q: failed to open pool: %w", kind, name, err)
	}

	db.SetMaxOpenConns(pool.MaxConn)
	db.SetMaxIdleConns(pool.MinConn)
	db.SetConnMaxIdleTime(10 * time.Minute)

	return &sqlSource{name: name, kind: kind, db: db}, nil
}

// NewSQLSource 用已有连接池包装一个数据源
func NewSQLSource(name, kind string, db *sql.DB) SQLSource {
	return &sqlSource{name: name, kind: kind, db: db}
}
