// Package main is the leapaudit command: lineage extraction from warehouse
// audit history.
package main

import (
	"os"

	"github.com/leapstack-labs/leapaudit/internal/cli"

	// Adapters register themselves with the adapter registry.
	_ "github.com/leapstack-labs/leapaudit/pkg/adapters/duckdb"
	_ "github.com/leapstack-labs/leapaudit/pkg/adapters/postgres"
	_ "github.com/leapstack-labs/leapaudit/pkg/adapters/snowflake"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
