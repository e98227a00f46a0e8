// Package snowflake provides the Snowflake warehouse adapter for leapaudit.
//
// This file registers the Snowflake adapter with the adapter registry.
// Import this package with a blank identifier to register the adapter:
//
//	import _ "github.com/leapstack-labs/leapaudit/pkg/adapters/snowflake"
package snowflake

import (
	"log/slog"

	"github.com/leapstack-labs/leapaudit/pkg/adapter"
)

func init() {
	adapter.Register("snowflake", func(logger *slog.Logger) adapter.Adapter { return New(logger) })
}
