// Package extractor drives an audit-log extraction: it runs the enriched
// audit query on the warehouse, parses each row into a lineage record, keeps
// the records in a local cache log, and replays the log into an aggregator.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/leapstack-labs/leapaudit/internal/auditlog"
	"github.com/leapstack-labs/leapaudit/internal/identifier"
	"github.com/leapstack-labs/leapaudit/internal/state"
	"github.com/leapstack-labs/leapaudit/pkg/adapter"
	"github.com/leapstack-labs/leapaudit/pkg/core"
)

// DefaultProgressInterval is the number of rows between progress logs.
const DefaultProgressInterval = 1000

// Warehouse runs the audit query. Every adapter.Adapter satisfies it.
type Warehouse interface {
	Query(ctx context.Context, sql string) (*core.Rows, error)
}

// Config holds the extraction settings.
type Config struct {
	Window        core.TimeWindow
	DenyUsernames []string

	// LocalTempPath is the directory holding the cache log. When empty a
	// temporary directory is created and removed by Close.
	LocalTempPath string

	Identifier identifier.Config
	// TemporaryTablesPattern nil means the default staging-table patterns.
	TemporaryTablesPattern []string
	TablePattern           identifier.AllowDenyPattern
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithProgressInterval sets how many rows pass between progress logs.
func WithProgressInterval(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.progressInterval = n
		}
	}
}

// WithMetrics makes the extractor count into m instead of its own metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Extractor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// Extractor runs one extraction. It is not safe for concurrent use.
type Extractor struct {
	conn   Warehouse
	cfg    Config
	logger *slog.Logger

	resolver *identifier.Resolver
	filter   *identifier.Filter
	parser   *auditlog.Parser

	tempDir  string
	ownsTemp bool

	progressInterval int
	metrics          *Metrics
	report           *Report
}

// New validates cfg and prepares the cache directory. Configuration errors
// are returned before any warehouse or filesystem work happens.
func New(conn Warehouse, cfg Config, opts ...Option) (*Extractor, error) {
	if err := cfg.Window.Validate(); err != nil {
		return nil, err
	}
	cfg.Window = cfg.Window.UTC()

	filter, err := identifier.NewFilter(cfg.TemporaryTablesPattern, cfg.TablePattern)
	if err != nil {
		return nil, err
	}

	e := &Extractor{
		conn:             conn,
		cfg:              cfg,
		logger:           slog.New(slog.DiscardHandler),
		resolver:         identifier.NewResolver(cfg.Identifier),
		filter:           filter,
		progressInterval: DefaultProgressInterval,
		report:           &Report{Window: cfg.Window},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics()
	}
	e.parser = auditlog.NewParser(e.resolver, e.filter, e)

	if err := e.resolveTempDir(); err != nil {
		return nil, err
	}
	e.report.CachePath = e.CachePath()
	return e, nil
}

func (e *Extractor) resolveTempDir() error {
	if e.cfg.LocalTempPath != "" {
		info, err := os.Stat(e.cfg.LocalTempPath)
		if err != nil {
			return fmt.Errorf("local temp path %s: %w", e.cfg.LocalTempPath, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("local temp path %s is not a directory", e.cfg.LocalTempPath)
		}
		e.tempDir = e.cfg.LocalTempPath
		return nil
	}

	dir, err := os.MkdirTemp("", "leapaudit-")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	e.tempDir = dir
	e.ownsTemp = true
	return nil
}

// Filter returns the table filter built from the configuration, for the
// aggregator to share.
func (e *Extractor) Filter() *identifier.Filter {
	return e.filter
}

// Report returns the extraction report.
func (e *Extractor) Report() *Report {
	return e.report
}

// Metrics returns the extraction counters.
func (e *Extractor) Metrics() *Metrics {
	return e.metrics
}

// TempDir returns the directory holding the cache log.
func (e *Extractor) TempDir() string {
	return e.tempDir
}

// CachePath returns the path of the cache log.
func (e *Extractor) CachePath() string {
	return filepath.Join(e.tempDir, state.CacheFileName)
}

// SQL returns the enriched audit query for the configured window.
func (e *Extractor) SQL() (string, error) {
	return auditlog.BuildEnrichedAuditLogQuery(e.cfg.Window, e.cfg.DenyUsernames)
}

// Close removes the temp directory if the extractor created it.
func (e *Extractor) Close() error {
	if !e.ownsTemp || e.tempDir == "" {
		return nil
	}
	err := os.RemoveAll(e.tempDir)
	e.ownsTemp = false
	return err
}

// Warning implements auditlog.Reporter.
func (e *Extractor) Warning(message, rowContext string, err error) {
	if message == auditlog.MultipleDownstreamWarning {
		e.metrics.MultipleDownstream.Inc()
	}
	e.logger.Debug(message, slog.Any("error", err))
	e.report.Warning(message, rowContext, err)
}

// Fingerprint is the cache key of this extraction. It covers the window,
// the denylist and the identifier and table-pattern settings baked into
// cached records.
func (e *Extractor) Fingerprint() string {
	return state.Fingerprint(e.cfg.Window, e.cfg.DenyUsernames,
		e.cfg.Identifier.Key(), e.cfg.TablePattern.Key())
}

// Run extracts the configured window into agg and returns the events it
// generates. A completed cache log with the same fingerprint is replayed
// without querying the warehouse.
func (e *Extractor) Run(ctx context.Context, agg core.Aggregator) ([]core.MetadataEvent, error) {
	store := state.NewSQLiteStore(e.logger)
	if err := store.Open(e.CachePath()); err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()
	if err := store.InitSchema(); err != nil {
		return nil, err
	}

	fingerprint := e.Fingerprint()
	sess, err := store.FindCompletedSession(ctx, fingerprint)
	if err != nil {
		return nil, err
	}

	source := SourceCache
	if sess != nil {
		e.logger.Info("using cached audit log",
			slog.String("session", sess.ID),
			slog.Int64("records", sess.RecordCount),
			slog.String("path", e.CachePath()))
		e.report.UsedCache = true
	} else {
		source = SourceFetch
		sess, err = e.populate(ctx, store, fingerprint)
		if err != nil {
			return nil, err
		}
	}
	e.report.SessionID = sess.ID

	for rec, err := range store.Records(ctx, sess.ID) {
		if err != nil {
			return nil, err
		}
		if err := agg.Add(rec); err != nil {
			return nil, fmt.Errorf("failed to aggregate record: %w", err)
		}
		e.report.RecordsAggregated++
		e.metrics.Records.WithLabelValues(source).Inc()
	}

	var events []core.MetadataEvent
	for ev := range agg.GenerateOutputs() {
		events = append(events, ev)
	}
	e.report.EventsGenerated = int64(len(events))

	e.logger.Info("extraction finished",
		slog.String("window", e.cfg.Window.String()),
		slog.Bool("cached", e.report.UsedCache),
		slog.Int64("records", e.report.RecordsAggregated),
		slog.Int64("events", e.report.EventsGenerated),
		slog.Int64("warnings", e.report.NumWarnings))
	return events, nil
}

// populate replaces the cache log with a fresh fetch from the warehouse.
func (e *Extractor) populate(ctx context.Context, store *state.SQLiteStore, fingerprint string) (*state.FetchSession, error) {
	if err := store.Reset(ctx); err != nil {
		return nil, err
	}
	sess, err := store.StartSession(ctx, e.cfg.Window, fingerprint)
	if err != nil {
		return nil, err
	}

	app, err := store.BeginAppend(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	for rec, err := range e.FetchAuditLog(ctx) {
		if err == nil {
			err = app.Append(ctx, rec)
		}
		if err != nil {
			_ = app.Rollback()
			return nil, err
		}
	}
	if err := app.Commit(); err != nil {
		return nil, err
	}

	if err := store.CompleteSession(ctx, sess.ID, app.Count()); err != nil {
		return nil, err
	}
	sess.RecordCount = app.Count()
	return sess, nil
}

// FetchAuditLog queries the warehouse and yields one record per parsed row.
// Rows that fail to parse are reported as warnings and skipped; a query or
// cursor error is yielded and ends the iteration.
func (e *Extractor) FetchAuditLog(ctx context.Context) iter.Seq2[core.AuditRecord, error] {
	return func(yield func(core.AuditRecord, error) bool) {
		query, err := e.SQL()
		if err != nil {
			yield(core.AuditRecord{}, err)
			return
		}

		e.logger.Info("fetching audit log", slog.String("window", e.cfg.Window.String()))
		e.logger.Debug("audit log query", slog.String("sql", query))

		rows, err := e.conn.Query(ctx, query)
		if err != nil {
			yield(core.AuditRecord{}, fmt.Errorf("failed to query audit log: %w", err))
			return
		}

		for row, err := range adapter.RowMaps(rows) {
			if err != nil {
				yield(core.AuditRecord{}, fmt.Errorf("failed to read audit log: %w", err))
				return
			}

			e.report.AuditRows++
			e.metrics.AuditRows.Inc()
			if e.report.AuditRows%int64(e.progressInterval) == 0 {
				e.logger.Info("processed audit log rows", slog.Int64("rows", e.report.AuditRows))
			}

			q, err := e.parser.ParseRow(row)
			if err != nil {
				e.recordParseFailure(err)
				continue
			}
			e.report.RecordsParsed++
			if !yield(core.QueryRecord(q), nil) {
				return
			}
		}
	}
}

func (e *Extractor) recordParseFailure(err error) {
	e.report.ParseFailures++
	e.metrics.ParseFailures.Inc()

	rowContext, queryID := "", ""
	var rowErr *auditlog.RowParseError
	if errors.As(err, &rowErr) {
		rowContext = fmt.Sprintf("%v", rowErr.Row)
		queryID = rowErr.QueryID()
	}
	e.logger.Warn("failed to parse audit log row",
		slog.String("query_id", queryID),
		slog.Any("error", err))
	e.report.Warning("Error parsing query log row", rowContext, err)
}
