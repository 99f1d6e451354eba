package sources

import (
	"fmt"

	"github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"
)

// MySQLConfig MySQL 数据源配置
type MySQLConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Database   string `yaml:"database"`
	PoolSize   int    `yaml:"pool_size"`
	PoolConfig `yaml:",inline"`
}

// GetDSN 获取连接字符串
func (c *MySQLConfig) GetDSN() string {
	dsn := mysql.NewConfig()
	dsn.User = c.User
	dsn.Passwd = c.Password
	dsn.Net = "tcp"
	dsn.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	dsn.DBName = c.Database
	dsn.ParseTime = true
	return dsn.FormatDSN()
}

func newMySQLSource(name string, node *yaml.Node) (Source, error) {
	cfg := MySQLConfig{}
	if err := decode(name, node, &cfg); err != nil {
		return nil, err
	}
	if err := requireFields(name, KindMySQL, map[string]string{
		"host":     cfg.Host,
		"user":     cfg.User,
		"database": cfg.Database,
	}); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = 3306
	}
	switch {
	case cfg.PoolSize > 0:
		cfg.MaxConn = cfg.PoolSize
	case cfg.MaxConn == 0:
		cfg.MaxConn = 5
	}
	cfg.PoolConfig.setDefaults()

	return openPool(name, KindMySQL, "mysql", cfg.GetDSN(), cfg.PoolConfig)
}
