package models

import (
	"fmt"
	"time"
)

type DatabaseType string

const (
	PostgreSQL DatabaseType = "postgresql"
	MySQL      DatabaseType = "mysql"
	SQLite     DatabaseType = "sqlite"
	ClickHouse DatabaseType = "clickhouse"
)

// DatabaseConfig selects and tunes the exchange log store
type DatabaseConfig struct {
	Type     DatabaseType `yaml:"type" json:"type"`
	DSN      string       `yaml:"dsn,omitempty" json:"dsn,omitzero"`
	Host     string       `yaml:"host,omitempty" json:"host,omitzero"`
	Port     int          `yaml:"port,omitempty" json:"port,omitzero"`
	Username string       `yaml:"username,omitempty" json:"username,omitzero"`
	Password string       `yaml:"password,omitempty" json:"-"`
	Database string       `yaml:"database" json:"database"`
	SSLMode  string       `yaml:"ssl_mode,omitempty" json:"ssl_mode,omitzero"`
	FilePath string       `yaml:"file_path,omitempty" json:"file_path,omitzero"`

	MaxOpenConns      int `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitzero"`
	MaxIdleConns      int `yaml:"max_idle_conns,omitempty" json:"max_idle_conns,omitzero"`
	ConnMaxLifetimeMs int `yaml:"conn_max_lifetime_ms,omitempty" json:"conn_max_lifetime_ms,omitzero"`
}

// ConnMaxLifetime returns the pool connection lifetime, zero meaning unlimited
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	if c.ConnMaxLifetimeMs <= 0 {
		return 0
	}
	return time.Duration(c.ConnMaxLifetimeMs) * time.Millisecond
}

// Validate checks the fields required by the selected driver
func (c DatabaseConfig) Validate() error {
	switch c.Type {
	case SQLite:
		if c.FilePath == "" {
			return fmt.Errorf("database.file_path is required for %s", c.Type)
		}
	case PostgreSQL, MySQL, ClickHouse:
		if c.DSN == "" && c.Host == "" {
			return fmt.Errorf("database.dsn or database.host is required for %s", c.Type)
		}
	default:
		return fmt.Errorf("unsupported database type: %q", c.Type)
	}
	return nil
}
