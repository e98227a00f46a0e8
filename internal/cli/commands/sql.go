package commands

import (
	"fmt"
	"time"

	"github.com/leapstack-labs/leapaudit/internal/auditlog"
	"github.com/spf13/cobra"
)

// NewSQLCommand creates the sql command.
func NewSQLCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sql",
		Short: "Print the enriched audit-history query",
		Long: `Print the query extract runs on the warehouse for the configured window,
bucket duration and username denylist. Nothing is executed.`,
		Example: `  leapaudit sql --start-time 2024-01-01T00:00:00Z --end-time 2024-01-02T00:00:00Z
  leapaudit sql --deny-username SVC_ETL --deny-username LOOKER`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			window, err := cc.Cfg.ResolveWindow(time.Now())
			if err != nil {
				return err
			}
			query, err := auditlog.BuildEnrichedAuditLogQuery(window, cc.Cfg.DenyUsernames)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cc.Out, query)
			return nil
		},
	}
}
