package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/leapstack-labs/leapaudit/internal/cli/config"
	"github.com/leapstack-labs/leapaudit/internal/state"
	"github.com/leapstack-labs/leapaudit/pkg/core"
	"github.com/spf13/cobra"
)

// NewRecordsCommand creates the records command.
func NewRecordsCommand() *cobra.Command {
	var (
		cacheDir  string
		sessionID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "records",
		Short: "List records from the local audit log cache",
		Long: `Show the fetch sessions stored in a cache directory and the records of one
of them. Without --session the most recent completed session is shown.
The cache directory defaults to local_temp_path.`,
		Example: `  leapaudit records --cache-dir .leapaudit
  leapaudit records --cache-dir .leapaudit --limit 20 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			if cacheDir == "" {
				cacheDir = cc.Cfg.LocalTempPath
			}
			return runRecords(cmd.Context(), cc, cacheDir, sessionID, limit)
		},
	}

	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Directory holding audit_log.sqlite (default: local_temp_path)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Fetch session to list (default: latest completed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of records to list (0 for all)")
	return cmd
}

type recordsResult struct {
	Sessions []*state.FetchSession `json:"sessions"`
	Session  string                `json:"session,omitempty"`
	Records  []core.AuditRecord    `json:"records"`
}

func runRecords(ctx context.Context, cc *CommandContext, cacheDir, sessionID string, limit int) error {
	if cacheDir == "" {
		return fmt.Errorf("no cache directory: set local_temp_path or pass --cache-dir")
	}
	path := filepath.Join(cacheDir, state.CacheFileName)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no audit log cache at %s: %w", path, err)
	}

	store := state.NewSQLiteStore(cc.Logger)
	if err := store.Open(path); err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if err := store.InitSchema(); err != nil {
		return err
	}

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return err
	}

	result := recordsResult{Sessions: sessions, Records: []core.AuditRecord{}}
	if sessionID == "" {
		for _, s := range sessions {
			if s.Completed() {
				sessionID = s.ID
				break
			}
		}
	}
	result.Session = sessionID

	if sessionID != "" {
		for rec, err := range store.Records(ctx, sessionID) {
			if err != nil {
				return err
			}
			result.Records = append(result.Records, rec)
			if limit > 0 && len(result.Records) >= limit {
				break
			}
		}
	}

	if cc.Cfg.OutputFormat == config.OutputJSON {
		return renderJSON(cc.Out, result)
	}

	sessRows := make([][]any, 0, len(sessions))
	for _, s := range sessions {
		sessRows = append(sessRows, []any{s.ID, s.Window.String(), s.StartedAt, s.CompletedAt, s.RecordCount})
	}
	renderTable(cc.Out, "Sessions", []string{"Session", "Window", "Started", "Completed", "Records"}, sessRows)

	recRows := make([][]any, 0, len(result.Records))
	for _, rec := range result.Records {
		switch rec.Kind {
		case core.RecordKindPreparsedQuery:
			q := rec.Query
			downstream := ""
			if q.HasDownstream() {
				downstream = *q.Downstream
			}
			recRows = append(recRows, []any{rec.Kind, q.QueryID, q.QueryType, q.Upstreams, downstream, q.User, q.Timestamp})
		case core.RecordKindKnownLineage:
			m := rec.KnownLineage
			recRows = append(recRows, []any{rec.Kind, "", "", []string{m.Upstream}, m.Downstream, "", nil})
		}
	}
	renderTable(cc.Out, "Records", []string{"Kind", "Query", "Type", "Upstreams", "Downstream", "User", "Time"}, recRows)
	return nil
}
