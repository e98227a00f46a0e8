package core

import (
	"context"
	"database/sql"
)

// Adapter defines the interface that all database adapters must implement.
// Warehouse adapters are read through Query; sink adapters are written
// through Exec.
type Adapter interface {
	// Connect establishes a connection to the database.
	Connect(ctx context.Context, cfg AdapterConfig) error

	// Close closes the database connection.
	Close() error

	// Exec executes a SQL statement that doesn't return rows.
	Exec(ctx context.Context, sql string, args ...any) error

	// Query executes a SQL statement that returns rows.
	Query(ctx context.Context, sql string) (*Rows, error)
}

// AdapterConfig holds configuration for connecting to a database.
type AdapterConfig struct {
	Type      string
	Path      string
	Host      string
	Port      int
	Database  string
	Username  string
	Password  string
	Schema    string
	Account   string
	Warehouse string
	Role      string
	Options   map[string]string
	Params    map[string]any
}

// Rows wraps sql.Rows to provide a consistent interface.
type Rows struct {
	*sql.Rows
}

// TargetConfig holds database target configuration as read from the config file.
type TargetConfig struct {
	Type string `koanf:"type"` // snowflake, duckdb, postgres

	// File-based databases (DuckDB)
	Database string `koanf:"database"` // file path or database name

	// Network databases
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`

	// Common
	Schema string `koanf:"schema"`

	// Snowflake-specific
	Account   string `koanf:"account"`
	Warehouse string `koanf:"warehouse"`
	Role      string `koanf:"role"`

	// Additional driver-specific options
	Options map[string]string `koanf:"options"`

	// Params holds adapter-specific configuration
	Params map[string]any `koanf:"params"`
}

// AdapterConfig converts the target to the adapter connection settings.
func (t *TargetConfig) AdapterConfig() AdapterConfig {
	return AdapterConfig{
		Type:      t.Type,
		Path:      t.Database,
		Host:      t.Host,
		Port:      t.Port,
		Database:  t.Database,
		Username:  t.User,
		Password:  t.Password,
		Schema:    t.Schema,
		Account:   t.Account,
		Warehouse: t.Warehouse,
		Role:      t.Role,
		Options:   t.Options,
		Params:    t.Params,
	}
}
