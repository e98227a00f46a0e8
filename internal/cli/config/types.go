// Package config loads the leapaudit CLI configuration.
//
// Settings are layered with koanf: built-in defaults, then leapaudit.yaml,
// then LEAPAUDIT_ environment variables, then explicitly set flags.
package config

import (
	"github.com/leapstack-labs/leapaudit/internal/identifier"
	"github.com/leapstack-labs/leapaudit/pkg/core"
)

// TargetConfig is an alias for the shared target configuration.
type TargetConfig = core.TargetConfig

// WindowConfig is the extraction window as written in the config file.
// StartTime accepts RFC 3339 or a negative duration relative to EndTime
// (for example -72h). EndTime accepts RFC 3339; empty means now.
type WindowConfig struct {
	StartTime      string              `koanf:"start_time"`
	EndTime        string              `koanf:"end_time"`
	BucketDuration core.BucketDuration `koanf:"bucket_duration"`
}

// Config holds all CLI configuration options.
type Config struct {
	Window        WindowConfig `koanf:"window"`
	DenyUsernames []string     `koanf:"deny_usernames"`

	// TemporaryTablesPattern nil selects the built-in staging-table patterns.
	TemporaryTablesPattern []string                    `koanf:"temporary_tables_pattern"`
	TablePattern           identifier.AllowDenyPattern `koanf:"table_pattern"`

	LocalTempPath          string `koanf:"local_temp_path"`
	ConvertURNsToLowercase bool   `koanf:"convert_urns_to_lowercase"`
	PlatformInstance       string `koanf:"platform_instance"`
	Env                    string `koanf:"env"`

	IncludeLineage              bool `koanf:"include_lineage"`
	IncludeQueries              bool `koanf:"include_queries"`
	IncludeUsageStatistics      bool `koanf:"include_usage_statistics"`
	IncludeQueryUsageStatistics bool `koanf:"include_query_usage_statistics"`
	IncludeOperations           bool `koanf:"include_operations"`

	Warehouse *TargetConfig `koanf:"warehouse"`
	Sink      *TargetConfig `koanf:"sink"`

	MetricsFile  string `koanf:"metrics_file"`
	Verbose      bool   `koanf:"verbose"`
	OutputFormat string `koanf:"output"`
}

// IdentifierConfig returns the identifier settings.
func (c *Config) IdentifierConfig() identifier.Config {
	return identifier.Config{
		Env:                    c.Env,
		PlatformInstance:       c.PlatformInstance,
		ConvertURNsToLowercase: c.ConvertURNsToLowercase,
	}
}

// Default configuration values.
const (
	DefaultBucket = core.BucketDay
	DefaultOutput = OutputText
)

// Output formats.
const (
	OutputText = "text"
	OutputJSON = "json"
)
