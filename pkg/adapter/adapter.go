// Package adapter provides database adapter interfaces and shared plumbing
// for leapaudit.
//
// This package contains the public contract that all database adapters must implement.
// Concrete adapter implementations are in pkg/adapters/ subdirectories: the
// Snowflake adapter is read from as the audit-history warehouse, while the
// DuckDB and Postgres adapters are written to as event sinks.
package adapter

import (
	"context"

	"github.com/leapstack-labs/leapaudit/pkg/core"
)

// Type aliases for the core connection types.
type (
	// Config is an alias for core.AdapterConfig.
	Config = core.AdapterConfig

	// Rows is an alias for core.Rows.
	Rows = core.Rows

	// Adapter is an alias for core.Adapter.
	Adapter = core.Adapter
)

// Dialected is implemented by adapters that report their SQL dialect.
type Dialected interface {
	DialectName() string
}

// BulkLoader is implemented by adapters with a native bulk load path.
// Adapters without one are written to row by row through Exec.
type BulkLoader interface {
	CopyRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

// DialectOf returns the adapter's dialect name, or "" when it does not report one.
func DialectOf(a Adapter) string {
	if d, ok := a.(Dialected); ok {
		return d.DialectName()
	}
	return ""
}
