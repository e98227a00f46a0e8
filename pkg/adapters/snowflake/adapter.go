// Package snowflake provides the Snowflake warehouse adapter for leapaudit.
// It is the connection the audit-history query is executed on.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/leapstack-labs/leapaudit/pkg/adapter"
	"github.com/snowflakedb/gosnowflake"
)

// Adapter implements the adapter.Adapter interface for Snowflake.
type Adapter struct {
	adapter.BaseSQLAdapter
}

// New creates a new Snowflake adapter instance.
// If logger is nil, a discard logger is used.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Adapter{
		BaseSQLAdapter: adapter.BaseSQLAdapter{Logger: logger},
	}
}

// DialectName returns the SQL dialect for this adapter.
func (a *Adapter) DialectName() string {
	return "snowflake"
}

// Connect establishes a connection to Snowflake.
func (a *Adapter) Connect(ctx context.Context, cfg adapter.Config) error {
	dsn, err := buildSnowflakeDSN(cfg)
	if err != nil {
		return err
	}

	a.Logger.Debug("connecting to snowflake",
		slog.String("account", cfg.Account),
		slog.String("warehouse", cfg.Warehouse),
		slog.String("role", cfg.Role))

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return fmt.Errorf("failed to open snowflake connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping snowflake: %w", err)
	}

	a.DB = db
	a.Cfg = cfg
	return nil
}

// buildSnowflakeDSN constructs a gosnowflake connection string.
// Account and user are required; everything else falls back to the
// user's defaults on the Snowflake side.
func buildSnowflakeDSN(cfg adapter.Config) (string, error) {
	if cfg.Account == "" {
		return "", fmt.Errorf("snowflake account is required")
	}
	if cfg.Username == "" {
		return "", fmt.Errorf("snowflake user is required")
	}

	sfCfg := &gosnowflake.Config{
		Account:   cfg.Account,
		User:      cfg.Username,
		Password:  cfg.Password,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
		Warehouse: cfg.Warehouse,
		Role:      cfg.Role,
		Host:      cfg.Host,
		Port:      cfg.Port,
	}
	if app, ok := cfg.Options["application"]; ok {
		sfCfg.Application = app
	}

	dsn, err := gosnowflake.DSN(sfCfg)
	if err != nil {
		return "", fmt.Errorf("failed to build snowflake DSN: %w", err)
	}
	return dsn, nil
}

// Ensure Adapter implements adapter.Adapter interface
var _ adapter.Adapter = (*Adapter)(nil)
