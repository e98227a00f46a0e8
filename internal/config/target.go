// Package config holds the shared defaults and validation for warehouse and
// sink targets. It is decoupled from the CLI loader so other entry points can
// reuse it.
package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/leapstack-labs/leapaudit/pkg/adapter"
	"github.com/leapstack-labs/leapaudit/pkg/core"
)

// Target roles. The warehouse is read; the sink is written.
const (
	RoleWarehouse = "warehouse"
	RoleSink      = "sink"
)

// Default configuration values.
const (
	DefaultWarehouseType = "snowflake"
	DefaultPostgresPort  = 5432
	DefaultApplication   = "leapaudit"
)

// sinkTypes are the adapters that can receive metadata events.
var sinkTypes = []string{"duckdb", "postgres"}

// DefaultSchemaForType returns the default schema for a database type.
func DefaultSchemaForType(dbType string) string {
	switch strings.ToLower(dbType) {
	case "postgres":
		return "public"
	case "snowflake":
		return ""
	default:
		return "main"
	}
}

// ApplyTargetDefaults applies default values to a TargetConfig based on the target type.
func ApplyTargetDefaults(t *core.TargetConfig) {
	if t == nil {
		return
	}
	t.Type = strings.ToLower(t.Type)

	if t.Schema == "" {
		t.Schema = DefaultSchemaForType(t.Type)
	}

	switch t.Type {
	case "postgres":
		if t.Port == 0 {
			t.Port = DefaultPostgresPort
		}
	case "snowflake":
		if t.Options == nil {
			t.Options = map[string]string{}
		}
		if _, ok := t.Options["application"]; !ok {
			t.Options["application"] = DefaultApplication
		}
	}
}

// ValidateTarget checks a target for the given role. The adapter registry is
// the source of truth for which types exist.
func ValidateTarget(t *core.TargetConfig, role string) error {
	if t == nil {
		return fmt.Errorf("%s target is required", role)
	}
	if t.Type == "" {
		return fmt.Errorf("%s target type is required", role)
	}
	typ := strings.ToLower(t.Type)
	if !adapter.IsRegistered(typ) {
		return &adapter.UnknownAdapterError{
			Type:      t.Type,
			Available: adapter.ListAdapters(),
		}
	}

	switch role {
	case RoleWarehouse:
		if typ == "snowflake" {
			if t.Account == "" {
				return fmt.Errorf("warehouse account is required for snowflake")
			}
			if t.User == "" {
				return fmt.Errorf("warehouse user is required for snowflake")
			}
		}
	case RoleSink:
		if !slices.Contains(sinkTypes, typ) {
			return fmt.Errorf("sink type %q is not supported (expected one of %s)", t.Type, strings.Join(sinkTypes, ", "))
		}
		if typ == "postgres" && t.Host == "" {
			return fmt.Errorf("sink host is required for postgres")
		}
	}
	return nil
}
