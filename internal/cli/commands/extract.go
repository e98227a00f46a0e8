package commands

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/leapstack-labs/leapaudit/internal/aggregator"
	"github.com/leapstack-labs/leapaudit/internal/auditlog"
	"github.com/leapstack-labs/leapaudit/internal/cli/config"
	"github.com/leapstack-labs/leapaudit/internal/extractor"
	"github.com/leapstack-labs/leapaudit/internal/sink"
	"github.com/leapstack-labs/leapaudit/pkg/adapter"
	"github.com/leapstack-labs/leapaudit/pkg/core"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewExtractCommand creates the extract command.
func NewExtractCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract lineage from the warehouse audit history",
		Long: `Run the enriched audit-history query on the warehouse for the configured
window, parse every row into a lineage record, aggregate the records into
table and column lineage plus query entities, and print the resulting events.

Fetched records are cached in local_temp_path. A rerun over the same window
and denylist replays the cache instead of querying the warehouse again.
When a sink is configured the events are also written to it.`,
		Example: `  # Extract yesterday's lineage
  leapaudit extract

  # Extract the last three days in hourly buckets, as JSON
  leapaudit extract --start-time -72h --bucket-duration HOUR -o json

  # Print the audit query without connecting
  leapaudit extract --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			return runExtract(cmd.Context(), cc, dryRun, time.Now())
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the audit query and exit without connecting")
	return cmd
}

// extractResult is the JSON rendering of an extraction.
type extractResult struct {
	Report     *extractor.Report    `json:"report"`
	Aggregator aggregator.Report    `json:"aggregator"`
	Sink       *sink.Stats          `json:"sink,omitempty"`
	Events     []core.MetadataEvent `json:"events"`
	// downstream dataset -> every dataset it derives from, directly or not
	TransitiveUpstreams map[string][]string `json:"transitive_upstreams,omitempty"`
}

func runExtract(ctx context.Context, cc *CommandContext, dryRun bool, now time.Time) error {
	cfg := cc.Cfg
	window, err := cfg.ResolveWindow(now)
	if err != nil {
		return err
	}

	if dryRun {
		query, err := auditlog.BuildEnrichedAuditLogQuery(window, cfg.DenyUsernames)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cc.Out, query)
		return nil
	}

	if err := cfg.ValidateWarehouse(); err != nil {
		return err
	}

	wh, snk, err := openTargets(ctx, cfg, cc)
	if err != nil {
		return err
	}
	defer func() { _ = wh.Close() }()
	if snk != nil {
		defer func() { _ = snk.Close() }()
	}

	ex, err := extractor.New(wh, extractor.Config{
		Window:                 window,
		DenyUsernames:          cfg.DenyUsernames,
		LocalTempPath:          cfg.LocalTempPath,
		Identifier:             cfg.IdentifierConfig(),
		TemporaryTablesPattern: cfg.TemporaryTablesPattern,
		TablePattern:           cfg.TablePattern,
	}, extractor.WithLogger(cc.Logger))
	if err != nil {
		return err
	}
	defer func() { _ = ex.Close() }()

	agg := aggregator.New(aggregator.Config{
		GenerateLineage:              cfg.IncludeLineage,
		GenerateQueries:              cfg.IncludeQueries,
		GenerateUsageStatistics:      cfg.IncludeUsageStatistics,
		GenerateQueryUsageStatistics: cfg.IncludeQueryUsageStatistics,
		GenerateOperations:           cfg.IncludeOperations,
		Filter:                       ex.Filter(),
		Logger:                       cc.Logger,
	})

	events, err := ex.Run(ctx, agg)
	if err != nil {
		return err
	}

	result := extractResult{
		Report:     ex.Report(),
		Aggregator: agg.Report(),
		Events:     events,
	}
	for _, ev := range events {
		if ev.Kind != core.EventKindUpstreamLineage {
			continue
		}
		if result.TransitiveUpstreams == nil {
			result.TransitiveUpstreams = make(map[string][]string)
		}
		result.TransitiveUpstreams[ev.EntityURN] = agg.TransitiveUpstreams(ev.EntityURN)
	}

	if snk != nil {
		stats, err := sink.New(snk, cc.Logger).Write(ctx, slices.Values(events))
		if err != nil {
			return err
		}
		result.Sink = &stats
	}

	if cfg.MetricsFile != "" {
		if err := ex.Metrics().WriteTextfile(cfg.MetricsFile); err != nil {
			return err
		}
	}

	if cfg.OutputFormat == config.OutputJSON {
		return renderJSON(cc.Out, result)
	}
	renderExtract(cc, result)
	return nil
}

func connect(ctx context.Context, target *config.TargetConfig, cc *CommandContext) (adapter.Adapter, error) {
	adp, err := adapter.NewAdapter(target.AdapterConfig(), cc.Logger)
	if err != nil {
		return nil, err
	}
	if err := adp.Connect(ctx, target.AdapterConfig()); err != nil {
		return nil, err
	}
	return adp, nil
}

// openTargets connects the warehouse and, when configured, the sink in
// parallel. The sink schema is created before any audit rows are fetched.
func openTargets(ctx context.Context, cfg *config.Config, cc *CommandContext) (wh, snk adapter.Adapter, err error) {
	eg, egctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		a, err := connect(egctx, cfg.Warehouse, cc)
		if err != nil {
			return fmt.Errorf("failed to connect to warehouse: %w", err)
		}
		wh = a
		return nil
	})
	if cfg.Sink != nil {
		eg.Go(func() error {
			a, err := connect(egctx, cfg.Sink, cc)
			if err != nil {
				return fmt.Errorf("failed to connect to sink: %w", err)
			}
			snk = a
			return sink.New(a, cc.Logger).Init(egctx)
		})
	}

	if err := eg.Wait(); err != nil {
		for _, a := range []adapter.Adapter{wh, snk} {
			if a != nil {
				_ = a.Close()
			}
		}
		return nil, nil, err
	}
	return wh, snk, nil
}

func renderExtract(cc *CommandContext, result extractResult) {
	r := result.Report
	source := "warehouse"
	if r.UsedCache {
		source = "cache"
	}

	renderTable(cc.Out, "Extraction", []string{"Field", "Value"}, [][]any{
		{"Window", r.Window.String()},
		{"Source", source},
		{"Cache", r.CachePath},
		{"Audit rows", r.AuditRows},
		{"Records parsed", r.RecordsParsed},
		{"Parse failures", r.ParseFailures},
		{"Records aggregated", r.RecordsAggregated},
		{"Datasets", result.Aggregator.NumDatasets},
		{"Lineage edges", result.Aggregator.NumLineageEdges},
		{"Events", r.EventsGenerated},
		{"Warnings", r.NumWarnings},
	})

	var lineage, queries [][]any
	for _, ev := range result.Events {
		switch ev.Kind {
		case core.EventKindUpstreamLineage:
			ups := make([]string, 0, len(ev.Lineage.Upstreams))
			for _, u := range ev.Lineage.Upstreams {
				ups = append(ups, u.Dataset)
			}
			lineage = append(lineage, []any{ev.EntityURN, ups, len(result.TransitiveUpstreams[ev.EntityURN]), len(ev.Lineage.ColumnLineage)})
		case core.EventKindQuery:
			q := ev.Query
			queries = append(queries, []any{q.QueryID, q.QueryType, q.QueryCount, q.User, q.LastSeen, truncate(q.QueryText, 60)})
		}
	}
	renderTable(cc.Out, "Lineage", []string{"Downstream", "Upstreams", "All upstreams", "Columns"}, lineage)
	renderTable(cc.Out, "Queries", []string{"Query", "Type", "Count", "User", "Last seen", "Text"}, queries)

	if result.Sink != nil {
		s := result.Sink
		renderTable(cc.Out, "Sink", []string{"Run", "Lineage edges", "Column lineage", "Queries"}, [][]any{
			{s.RunID, s.LineageEdges, s.ColumnLineage, s.Queries},
		})
	}

	if len(r.Warnings) > 0 {
		rows := make([][]any, 0, len(r.Warnings))
		for _, w := range r.Warnings {
			errText := ""
			if w.Err != nil {
				errText = truncate(w.Err.Error(), 80)
			}
			rows = append(rows, []any{truncate(w.Message, 60), errText})
		}
		renderTable(cc.ErrOut, "Warnings", []string{"Message", "Error"}, rows)
	}
}
