package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	intconfig "github.com/leapstack-labs/leapaudit/internal/config"
	"github.com/leapstack-labs/leapaudit/pkg/core"
	"github.com/spf13/pflag"
)

// loggerKey is used to store logger in context.
type loggerKey struct{}

// Config file names, in lookup order.
const (
	ConfigFileName    = "leapaudit.yaml"
	ConfigFileNameAlt = "leapaudit.yml"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// nested keys: LEAPAUDIT_WINDOW__BUCKET_DURATION sets window.bucket_duration.
const EnvPrefix = "LEAPAUDIT_"

// maxUpwardSearchLevels limits how far up the directory tree to search for config files.
const maxUpwardSearchLevels = 10

// flagKeys maps flags whose names do not follow the kebab-to-snake rule.
var flagKeys = map[string]string{
	"start-time":      "window.start_time",
	"end-time":        "window.end_time",
	"bucket-duration": "window.bucket_duration",
	"deny-username":   "deny_usernames",
}

var (
	k              = koanf.New(".")
	configFileUsed string
	currentConfig  *Config
)

// configIn returns the config file in dir, or "".
func configIn(dir string) string {
	for _, name := range []string{ConfigFileName, ConfigFileNameAlt} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// findConfigUpward searches upward from startDir for a config file.
func findConfigUpward(startDir string) string {
	dir := startDir
	for range maxUpwardSearchLevels {
		if found := configIn(dir); found != "" {
			return found
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// ResetConfig resets the koanf instance. Used for testing.
func ResetConfig() {
	k = koanf.New(".")
	configFileUsed = ""
	currentConfig = nil
}

func defaults() map[string]any {
	return map[string]any{
		"window.bucket_duration":         string(DefaultBucket),
		"deny_usernames":                 []string{},
		"table_pattern.allow":            []string{".*"},
		"convert_urns_to_lowercase":      true,
		"env":                            "PROD",
		"include_lineage":                true,
		"include_queries":                true,
		"include_usage_statistics":       true,
		"include_query_usage_statistics": false,
		"include_operations":             true,
		"verbose":                        false,
		"output":                         DefaultOutput,
	}
}

// LoadConfig loads configuration from defaults, the config file, environment
// variables and flags, in increasing precedence. An explicit cfgFile must
// exist; otherwise leapaudit.yaml is searched upward from the working directory.
func LoadConfig(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k = koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configFileUsed = cfgFile
	if configFileUsed == "" {
		if cwd, err := os.Getwd(); err == nil {
			configFileUsed = findConfigUpward(cwd)
		}
	}
	baseDir, _ := os.Getwd()
	if configFileUsed != "" {
		if err := k.Load(file.Provider(configFileUsed), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFileUsed, err)
		}
		if abs, err := filepath.Abs(configFileUsed); err == nil {
			baseDir = filepath.Dir(abs)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			return flagKey(f.Name), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       decodeHook(),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	}); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Paths given as flags stay relative to the working directory.
	if !changed(flags, "local-temp-path") {
		cfg.LocalTempPath = resolvePathRelativeTo(cfg.LocalTempPath, baseDir)
	}
	if !changed(flags, "metrics-file") {
		cfg.MetricsFile = resolvePathRelativeTo(cfg.MetricsFile, baseDir)
	}

	for _, t := range []*core.TargetConfig{cfg.Warehouse, cfg.Sink} {
		expandTargetEnvVars(t)
		intconfig.ApplyTargetDefaults(t)
	}
	if cfg.Sink != nil && cfg.Sink.Type == "duckdb" && cfg.Sink.Database != ":memory:" {
		cfg.Sink.Database = resolvePathRelativeTo(cfg.Sink.Database, baseDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	currentConfig = &cfg
	return &cfg, nil
}

func changed(flags *pflag.FlagSet, name string) bool {
	return flags != nil && flags.Lookup(name) != nil && flags.Changed(name)
}

// envKey turns LEAPAUDIT_WINDOW__START_TIME into window.start_time.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// flagKey turns a flag name into its config key.
func flagKey(name string) string {
	if key, ok := flagKeys[name]; ok {
		return key
	}
	return strings.ReplaceAll(name, "-", "_")
}

// resolvePathRelativeTo resolves a path relative to baseDir if it's not absolute.
func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

var bucketDurationType = reflect.TypeOf(core.BucketDuration(""))

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.DecodeHookFuncType(timeToStringHook),
		mapstructure.DecodeHookFuncType(stringToBucketDurationHook),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// timeToStringHook keeps unquoted YAML timestamps usable as window strings.
func timeToStringHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	t, ok := data.(time.Time)
	if !ok || to.Kind() != reflect.String {
		return data, nil
	}
	return t.UTC().Format(time.RFC3339Nano), nil
}

func stringToBucketDurationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != bucketDurationType {
		return data, nil
	}
	s, _ := data.(string)
	if s == "" {
		return core.BucketDuration(""), nil
	}
	return core.ParseBucketDuration(s)
}

// GetConfigFileUsed returns the path to the config file being used, if any.
func GetConfigFileUsed() string {
	return configFileUsed
}

// GetCurrentConfig returns the configuration loaded by the last LoadConfig.
func GetCurrentConfig() *Config {
	return currentConfig
}

// LoggerKey returns the context key used for storing the logger.
func LoggerKey() any {
	return loggerKey{}
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return slog.New(slog.DiscardHandler)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns with environment variable values.
// Unset variables are left as written.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val := os.Getenv(match[2 : len(match)-1]); val != "" {
			return val
		}
		return match
	})
}

// expandTargetEnvVars expands environment variables in sensitive target fields.
func expandTargetEnvVars(t *core.TargetConfig) {
	if t == nil {
		return
	}
	t.Password = expandEnvVars(t.Password)
	t.User = expandEnvVars(t.User)
	t.Host = expandEnvVars(t.Host)
	t.Database = expandEnvVars(t.Database)
	t.Account = expandEnvVars(t.Account)
	t.Warehouse = expandEnvVars(t.Warehouse)
	t.Role = expandEnvVars(t.Role)
}
