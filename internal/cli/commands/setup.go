package commands

import (
	"io"
	"log/slog"

	"github.com/leapstack-labs/leapaudit/internal/cli/config"
	"github.com/spf13/cobra"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg    *config.Config
	Logger *slog.Logger
	Out    io.Writer
	ErrOut io.Writer
}

// NewCommandContext builds a CommandContext from the loaded configuration.
// Without a loaded configuration it loads one from the working directory.
func NewCommandContext(cmd *cobra.Command) (*CommandContext, error) {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		var err error
		if cfg, err = config.LoadConfig("", nil); err != nil {
			return nil, err
		}
	}
	return &CommandContext{
		Cfg:    cfg,
		Logger: config.GetLogger(cmd.Context()),
		Out:    cmd.OutOrStdout(),
		ErrOut: cmd.ErrOrStderr(),
	}, nil
}
