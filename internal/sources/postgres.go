package sources

import (
	"fmt"
	"net/url"

	_ "github.com/lib/pq"
	"gopkg.in/yaml.v3"
)

// PostgresConfig PostgreSQL 数据源配置
type PostgresConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Database   string `yaml:"database"`
	SSLMode    string `yaml:"sslmode"`
	PoolConfig `yaml:",inline"`
}

// GetDSN 获取连接字符串
func (c *PostgresConfig) GetDSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

func newPostgresSource(name string, node *yaml.Node) (Source, error) {
	cfg := PostgresConfig{}
	if err := decode(name, node, &cfg); err != nil {
		return nil, err
	}
	if err := requireFields(name, KindPostgres, map[string]string{
		"host":     cfg.Host,
		"user":     cfg.User,
		"database": cfg.Database,
	}); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	cfg.PoolConfig.setDefaults()

	return openPool(name, KindPostgres, "postgres", cfg.GetDSN(), cfg.PoolConfig)
}
