package sources

import (
	"fmt"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"
)

// SQLiteConfig SQLite 数据源配置，database 是 database_file 的别名
type SQLiteConfig struct {
	DatabaseFile string `yaml:"database_file"`
	Database     string `yaml:"database"`
}

// Path 返回数据库文件路径
func (c *SQLiteConfig) Path() string {
	if c.DatabaseFile != "" {
		return c.DatabaseFile
	}
	return c.Database
}

func newSQLiteSource(name string, node *yaml.Node) (Source, error) {
	cfg := SQLiteConfig{}
	if err := decode(name, node, &cfg); err != nil {
		return nil, err
	}

	path := cfg.Path()
	if path == "" {
		return nil, fmt.Errorf("sqlite source %q requires 'database_file' (or 'database')", name)
	}

	pool := PoolConfig{MinConn: 1, MaxConn: 10}
	if path == ":memory:" {
		// 每个连接都是独立的内存库，只能保留一个连接
		pool.MaxConn = 1
	}

	src, err := openPool(name, KindSQLite, "sqlite", path, pool)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		src.db.SetConnMaxIdleTime(0)
		src.db.SetConnMaxLifetime(0)
	}
	return src, nil
}
