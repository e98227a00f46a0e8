package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/leapstack-labs/leapaudit/internal/cli/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// starterConfig is the leapaudit.yaml written by init.
type starterConfig struct {
	Window                 starterWindow  `yaml:"window"`
	DenyUsernames          []string       `yaml:"deny_usernames"`
	TablePattern           starterPattern `yaml:"table_pattern"`
	LocalTempPath          string         `yaml:"local_temp_path"`
	ConvertURNsToLowercase bool           `yaml:"convert_urns_to_lowercase"`
	Env                    string         `yaml:"env"`
	IncludeLineage         bool           `yaml:"include_lineage"`
	IncludeQueries         bool           `yaml:"include_queries"`
	Warehouse              starterTarget  `yaml:"warehouse"`
	Sink                   *starterTarget `yaml:"sink,omitempty"`
}

type starterWindow struct {
	StartTime      string `yaml:"start_time"`
	BucketDuration string `yaml:"bucket_duration"`
}

type starterPattern struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

type starterTarget struct {
	Type      string `yaml:"type"`
	Account   string `yaml:"account,omitempty"`
	User      string `yaml:"user,omitempty"`
	Password  string `yaml:"password,omitempty"`
	Warehouse string `yaml:"warehouse,omitempty"`
	Role      string `yaml:"role,omitempty"`
	Database  string `yaml:"database,omitempty"`
}

const starterHeader = `# leapaudit configuration.
# Every key can be overridden with a LEAPAUDIT_ environment variable
# (nested keys joined by a double underscore) or a command-line flag.
`

// NewInitCommand creates the init command.
func NewInitCommand() *cobra.Command {
	var (
		force   bool
		account string
		user    string
		noSink  bool
	)

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Write a starter leapaudit.yaml",
		Long: `Write a starter leapaudit.yaml with a Snowflake warehouse, a local DuckDB
sink and a cache directory. The password is read from SNOWFLAKE_PASSWORD.`,
		Example: `  leapaudit init
  leapaudit init audit --account xy12345 --user LINEAGE_READER
  leapaudit init --force --no-sink`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			path, err := runInit(dir, account, user, !noSink, force)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration")
	cmd.Flags().StringVar(&account, "account", "", "Snowflake account identifier")
	cmd.Flags().StringVar(&user, "user", "", "Snowflake user")
	cmd.Flags().BoolVar(&noSink, "no-sink", false, "Do not configure a DuckDB sink")
	return cmd
}

func runInit(dir, account, user string, withSink, force bool) (string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, config.ConfigFileName)
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists. Use --force to overwrite", path)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".leapaudit"), 0750); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	if account == "" {
		account = "${SNOWFLAKE_ACCOUNT}"
	}
	if user == "" {
		user = "${SNOWFLAKE_USER}"
	}

	starter := starterConfig{
		Window:                 starterWindow{StartTime: "-24h", BucketDuration: string(config.DefaultBucket)},
		DenyUsernames:          []string{},
		TablePattern:           starterPattern{Allow: []string{".*"}, Deny: []string{}},
		LocalTempPath:          ".leapaudit",
		ConvertURNsToLowercase: true,
		Env:                    "PROD",
		IncludeLineage:         true,
		IncludeQueries:         true,
		Warehouse: starterTarget{
			Type:     "snowflake",
			Account:  account,
			User:     user,
			Password: "${SNOWFLAKE_PASSWORD}",
		},
	}
	if withSink {
		starter.Sink = &starterTarget{Type: "duckdb", Database: "leapaudit.duckdb"}
	}

	body, err := yaml.Marshal(starter)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(starterHeader), body...), 0600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
