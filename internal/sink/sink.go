// Package sink writes aggregated metadata events into relational tables on a
// DuckDB or Postgres target.
package sink

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leapstack-labs/leapaudit/pkg/adapter"
	"github.com/leapstack-labs/leapaudit/pkg/core"
)

// Table names on the target.
const (
	LineageEdgesTable  = "lineage_edges"
	ColumnLineageTable = "column_lineage"
	QueriesTable       = "queries"
)

type table struct {
	name    string
	columns []string
	ddl     string
}

var tables = []table{
	{
		name:    LineageEdgesTable,
		columns: []string{"run_id", "downstream_urn", "upstream_urn", "query_ids", "extracted_at"},
		ddl: `CREATE TABLE IF NOT EXISTS lineage_edges (
    run_id          TEXT NOT NULL,
    downstream_urn  TEXT NOT NULL,
    upstream_urn    TEXT NOT NULL,
    query_ids       TEXT,
    extracted_at    TIMESTAMP NOT NULL
)`,
	},
	{
		name:    ColumnLineageTable,
		columns: []string{"run_id", "downstream_urn", "downstream_column", "upstream_urn", "upstream_column"},
		ddl: `CREATE TABLE IF NOT EXISTS column_lineage (
    run_id            TEXT NOT NULL,
    downstream_urn    TEXT NOT NULL,
    downstream_column TEXT NOT NULL,
    upstream_urn      TEXT NOT NULL,
    upstream_column   TEXT NOT NULL
)`,
	},
	{
		name: QueriesTable,
		columns: []string{"run_id", "query_urn", "query_id", "query_type", "query_count",
			"user_urn", "first_seen", "last_seen", "downstream_urn", "query_text"},
		ddl: `CREATE TABLE IF NOT EXISTS queries (
    run_id         TEXT NOT NULL,
    query_urn      TEXT NOT NULL,
    query_id       TEXT NOT NULL,
    query_type     TEXT,
    query_count    BIGINT,
    user_urn       TEXT,
    first_seen     TIMESTAMP,
    last_seen      TIMESTAMP,
    downstream_urn TEXT,
    query_text     TEXT
)`,
	},
}

// Stats counts the rows written per table.
type Stats struct {
	RunID         string `json:"run_id"`
	LineageEdges  int64  `json:"lineage_edges"`
	ColumnLineage int64  `json:"column_lineage"`
	Queries       int64  `json:"queries"`
}

// Sink writes events to an adapter.
type Sink struct {
	target adapter.Adapter
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Sink writing to a connected adapter.
// If logger is nil, a discard logger is used.
func New(target adapter.Adapter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{target: target, logger: logger, now: time.Now}
}

// Init creates the sink tables if they do not exist.
func (s *Sink) Init(ctx context.Context) error {
	for _, t := range tables {
		if err := s.target.Exec(ctx, t.ddl); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}
	}
	return nil
}

// Write stores every event under a fresh run id.
func (s *Sink) Write(ctx context.Context, events iter.Seq[core.MetadataEvent]) (Stats, error) {
	stats := Stats{RunID: uuid.New().String()}
	extractedAt := s.now().UTC()
	rows := make(map[string][][]any, len(tables))

	for ev := range events {
		switch ev.Kind {
		case core.EventKindUpstreamLineage:
			if ev.Lineage == nil {
				continue
			}
			for _, up := range ev.Lineage.Upstreams {
				rows[LineageEdgesTable] = append(rows[LineageEdgesTable], []any{
					stats.RunID, ev.Lineage.Downstream, up.Dataset, strings.Join(up.Queries, ","), extractedAt,
				})
			}
			for _, cl := range ev.Lineage.ColumnLineage {
				for _, up := range cl.Upstreams {
					rows[ColumnLineageTable] = append(rows[ColumnLineageTable], []any{
						stats.RunID, cl.Downstream.Dataset, cl.Downstream.Column, up.Table, up.Column,
					})
				}
			}
		case core.EventKindQuery:
			if ev.Query == nil {
				continue
			}
			q := ev.Query
			rows[QueriesTable] = append(rows[QueriesTable], []any{
				stats.RunID, ev.EntityURN, q.QueryID, string(q.QueryType), int64(q.QueryCount),
				q.User, q.FirstSeen.UTC(), q.LastSeen.UTC(), q.Downstream, q.QueryText,
			})
		}
	}

	for _, t := range tables {
		n, err := s.load(ctx, t, rows[t.name])
		if err != nil {
			return stats, err
		}
		switch t.name {
		case LineageEdgesTable:
			stats.LineageEdges = n
		case ColumnLineageTable:
			stats.ColumnLineage = n
		case QueriesTable:
			stats.Queries = n
		}
	}

	s.logger.Info("wrote events to sink",
		slog.String("run_id", stats.RunID),
		slog.Int64("lineage_edges", stats.LineageEdges),
		slog.Int64("column_lineage", stats.ColumnLineage),
		slog.Int64("queries", stats.Queries))
	return stats, nil
}

func (s *Sink) load(ctx context.Context, t table, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	if bulk, ok := s.target.(adapter.BulkLoader); ok {
		n, err := bulk.CopyRows(ctx, t.name, t.columns, rows)
		if err != nil {
			return n, fmt.Errorf("failed to load %s: %w", t.name, err)
		}
		return n, nil
	}

	stmt := insertStatement(adapter.DialectOf(s.target), t)
	for i, row := range rows {
		if err := s.target.Exec(ctx, stmt, row...); err != nil {
			return int64(i), fmt.Errorf("failed to insert into %s: %w", t.name, err)
		}
	}
	return int64(len(rows)), nil
}

// insertStatement renders a parameterized INSERT for the dialect's
// placeholder style.
func insertStatement(dialect string, t table) string {
	placeholders := make([]string, len(t.columns))
	for i := range t.columns {
		if dialect == "postgres" {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		} else {
			placeholders[i] = "?"
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.name, strings.Join(t.columns, ", "), strings.Join(placeholders, ", "))
}
