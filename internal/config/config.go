package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config Hub 主配置结构
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Remote   RemoteConfig   `yaml:"remote"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig 数据库配置，driver 支持 sqlite 和 postgres
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	File            string        `yaml:"file"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig API Key 认证配置
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	HeaderName string   `yaml:"header_name"`
	APIKeys    []string `yaml:"api_keys"`
}

// RemoteConfig 远程 stdio 工具调用配置
type RemoteConfig struct {
	DefaultConnectTimeout time.Duration `yaml:"default_connect_timeout"`
	DefaultCallTimeout    time.Duration `yaml:"default_call_timeout"`
	DefaultIdleTTL        time.Duration `yaml:"default_idle_ttl"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// GetDSN 获取数据库连接字符串
func (db *DatabaseConfig) GetDSN() string {
	if db.Driver == DriverPostgres {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
	}
	return db.File
}

// GetServerAddr 获取服务器监听地址
func (s *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoadConfig 加载配置文件，路径为空或文件不存在时使用默认值
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// 使用默认值
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, &config); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		}
	}

	setDefaults(&config)
	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置默认值
func setDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}

	if config.Database.Driver == "" {
		config.Database.Driver = DriverSQLite
	}
	if config.Database.Driver == DriverSQLite && config.Database.File == "" {
		config.Database.File = "mcp_hub.db"
	}
	if config.Database.Host == "" {
		config.Database.Host = "localhost"
	}
	if config.Database.Port == 0 {
		config.Database.Port = 5432
	}
	if config.Database.SSLMode == "" {
		config.Database.SSLMode = "disable"
	}
	if config.Database.MaxOpenConns == 0 {
		config.Database.MaxOpenConns = 25
	}
	if config.Database.MaxIdleConns == 0 {
		config.Database.MaxIdleConns = 10
	}
	if config.Database.ConnMaxLifetime == 0 {
		config.Database.ConnMaxLifetime = 5 * time.Minute
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}

	if config.Auth.HeaderName == "" {
		config.Auth.HeaderName = "X-API-Key"
	}

	if config.Remote.DefaultConnectTimeout == 0 {
		config.Remote.DefaultConnectTimeout = 10 * time.Second
	}
	if config.Remote.DefaultCallTimeout == 0 {
		config.Remote.DefaultCallTimeout = 30 * time.Second
	}
	if config.Remote.DefaultIdleTTL == 0 {
		config.Remote.DefaultIdleTTL = 5 * time.Minute
	}
}

// Validate 校验配置
func Validate(config *Config) error {
	switch config.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q (want %q or %q)", config.Database.Driver, DriverSQLite, DriverPostgres)
	}
	if config.Auth.Enabled && len(config.Auth.APIKeys) == 0 {
		return errors.New("auth is enabled but no api_keys are configured")
	}
	return nil
}

// LoadConfigFromEnv 从环境变量加载配置（优先级高于配置文件）
func LoadConfigFromEnv(config *Config) {
	if host := os.Getenv("HUB_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := envInt("HUB_PORT"); port > 0 {
		config.Server.Port = port
	}

	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		config.Database.Driver = driver
	}
	if file := os.Getenv("DB_FILE"); file != "" {
		config.Database.File = file
	}
	if host := os.Getenv("DB_HOST"); host != "" {
		config.Database.Host = host
	}
	if port := envInt("DB_PORT"); port > 0 {
		config.Database.Port = port
	}
	if username := os.Getenv("DB_USERNAME"); username != "" {
		config.Database.Username = username
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		config.Database.Password = password
	}
	if database := os.Getenv("DB_DATABASE"); database != "" {
		config.Database.Database = database
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	// 环境变量可能切换了 driver，补齐对应的默认值
	setDefaults(config)
}

func envInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}
