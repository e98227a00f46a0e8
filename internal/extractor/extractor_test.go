package extractor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/leapstack-labs/leapaudit/internal/aggregator"
	"github.com/leapstack-labs/leapaudit/internal/auditlog"
	"github.com/leapstack-labs/leapaudit/internal/identifier"
	"github.com/leapstack-labs/leapaudit/internal/testutil"
	"github.com/leapstack-labs/leapaudit/pkg/adapter"
	"github.com/leapstack-labs/leapaudit/pkg/core"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var auditColumns = []string{
	"QUERY_FINGERPRINT", "QUERY_TEXT", "QUERY_TYPE", "QUERY_COUNT", "QUERY_START_TIME",
	"USER_NAME", "ROLE_NAME", "SESSION_ID", "DEFAULT_DB", "DEFAULT_SCHEMA",
	"DIRECT_OBJECTS_ACCESSED", "OBJECTS_MODIFIED",
}

const (
	srcAccessed = `[{"objectName":"DB.SCH.SRC","objectDomain":"Table","columns":[{"columnName":"ID"}]}]`
	tModified   = `[{"objectName":"DB.SCH.T","objectDomain":"Table","columns":[{"columnName":"ID","directSources":[{"objectName":"DB.SCH.SRC","objectDomain":"Table","columnName":"ID"}]}]}]`
	twoModified = `[{"objectName":"DB.SCH.A","objectDomain":"Table"},{"objectName":"DB.SCH.B","objectDomain":"Table"}]`

	srcURN = "urn:li:dataset:(urn:li:dataPlatform:snowflake,db.sch.src,PROD)"
	tURN   = "urn:li:dataset:(urn:li:dataPlatform:snowflake,db.sch.t,PROD)"
)

func testWindow() core.TimeWindow {
	return core.TimeWindow{
		StartTime:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:        time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		BucketDuration: core.BucketDay,
	}
}

func testConfig(dir string) Config {
	return Config{
		Window:        testWindow(),
		DenyUsernames: []string{"svc_etl"},
		LocalTempPath: dir,
		Identifier:    identifier.Config{ConvertURNsToLowercase: true},
		TablePattern:  identifier.AllowAll(),
	}
}

func newWarehouse(t *testing.T) (*adapter.BaseSQLAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &adapter.BaseSQLAdapter{DB: db}, mock
}

func auditRow(fingerprint, accessed, modified string) []driver.Value {
	return []driver.Value{
		fingerprint, "INSERT INTO DB.SCH.T SELECT ID FROM DB.SCH.SRC", "INSERT", int64(3),
		time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		"ALICE", "ANALYST", "s-1", "DB", "SCH",
		accessed, modified,
	}
}

func newAggregator(e *Extractor) *aggregator.Aggregator {
	return aggregator.New(aggregator.Config{
		GenerateLineage: true,
		GenerateQueries: true,
		Filter:          e.Filter(),
	})
}

func TestNew_InvalidWindow(t *testing.T) {
	tests := []struct {
		name    string
		window  core.TimeWindow
		wantErr error
	}{
		{
			name: "start after end",
			window: core.TimeWindow{
				StartTime:      time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
				EndTime:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				BucketDuration: core.BucketDay,
			},
			wantErr: core.ErrInvalidWindow,
		},
		{
			name: "bad bucket",
			window: core.TimeWindow{
				StartTime:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				EndTime:        time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
				BucketDuration: "WEEK",
			},
			wantErr: core.ErrInvalidBucketDuration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, mock := newWarehouse(t)
			cfg := testConfig(t.TempDir())
			cfg.Window = tt.window

			_, err := New(conn, cfg)
			require.ErrorIs(t, err, tt.wantErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestNew_InvalidPatterns(t *testing.T) {
	conn, _ := newWarehouse(t)
	cfg := testConfig(t.TempDir())
	cfg.TemporaryTablesPattern = []string{"("}

	_, err := New(conn, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid temporary table pattern")
}

func TestNew_LocalTempPath(t *testing.T) {
	conn, _ := newWarehouse(t)

	t.Run("missing directory", func(t *testing.T) {
		_, err := New(conn, testConfig(filepath.Join(t.TempDir(), "nope")))
		require.Error(t, err)
	})

	t.Run("path is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := New(conn, testConfig(file))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a directory")
	})

	t.Run("configured directory is kept", func(t *testing.T) {
		dir := t.TempDir()
		e, err := New(conn, testConfig(dir))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "audit_log.sqlite"), e.CachePath())
		require.NoError(t, e.Close())
		assert.DirExists(t, dir)
	})

	t.Run("owned directory is removed", func(t *testing.T) {
		e, err := New(conn, testConfig(""))
		require.NoError(t, err)
		dir := e.TempDir()
		assert.DirExists(t, dir)
		require.NoError(t, e.Close())
		assert.NoDirExists(t, dir)
		require.NoError(t, e.Close())
	})
}

func TestRun_FetchesAndAggregates(t *testing.T) {
	conn, mock := newWarehouse(t)
	mock.ExpectQuery("fingerprinted_queries").
		WillReturnRows(sqlmock.NewRows(auditColumns).AddRow(auditRow("fp-1", srcAccessed, tModified)...))

	e, err := New(conn, testConfig(t.TempDir()), WithLogger(testutil.NewTestLogger(t)))
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	events, err := e.Run(context.Background(), newAggregator(e))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, events, 2)
	lineage := events[0]
	assert.Equal(t, core.EventKindUpstreamLineage, lineage.Kind)
	assert.Equal(t, tURN, lineage.EntityURN)
	require.Len(t, lineage.Lineage.Upstreams, 1)
	assert.Equal(t, srcURN, lineage.Lineage.Upstreams[0].Dataset)
	assert.Equal(t, []string{"fp-1"}, lineage.Lineage.Upstreams[0].Queries)
	require.Len(t, lineage.Lineage.ColumnLineage, 1)
	assert.Equal(t, "id", lineage.Lineage.ColumnLineage[0].Downstream.Column)

	query := events[1]
	assert.Equal(t, core.EventKindQuery, query.Kind)
	assert.Equal(t, "urn:li:query:fp-1", query.EntityURN)
	assert.Equal(t, core.QueryTypeInsert, query.Query.QueryType)

	report := e.Report()
	assert.False(t, report.UsedCache)
	assert.NotEmpty(t, report.SessionID)
	assert.EqualValues(t, 1, report.AuditRows)
	assert.EqualValues(t, 1, report.RecordsParsed)
	assert.EqualValues(t, 1, report.RecordsAggregated)
	assert.EqualValues(t, 2, report.EventsGenerated)

	m := e.Metrics()
	assert.InDelta(t, 1, promtest.ToFloat64(m.AuditRows), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(m.Records.WithLabelValues(SourceFetch)), 0)
}

func TestRun_ReplaysCacheWithoutWarehouse(t *testing.T) {
	dir := t.TempDir()

	conn, mock := newWarehouse(t)
	mock.ExpectQuery("fingerprinted_queries").
		WillReturnRows(sqlmock.NewRows(auditColumns).AddRow(auditRow("fp-1", srcAccessed, tModified)...))
	first, err := New(conn, testConfig(dir))
	require.NoError(t, err)
	firstEvents, err := first.Run(context.Background(), newAggregator(first))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	// No expectations: any warehouse query fails the run.
	conn2, mock2 := newWarehouse(t)
	second, err := New(conn2, testConfig(dir))
	require.NoError(t, err)
	events, err := second.Run(context.Background(), newAggregator(second))
	require.NoError(t, err)
	require.NoError(t, mock2.ExpectationsWereMet())

	assert.Equal(t, firstEvents, events)
	assert.True(t, second.Report().UsedCache)
	assert.Equal(t, first.Report().SessionID, second.Report().SessionID)
	assert.EqualValues(t, 0, second.Report().AuditRows)
	assert.InDelta(t, 1, promtest.ToFloat64(second.Metrics().Records.WithLabelValues(SourceCache)), 0)
}

func TestRun_RefetchesForDifferentWindow(t *testing.T) {
	dir := t.TempDir()

	conn, mock := newWarehouse(t)
	mock.ExpectQuery("fingerprinted_queries").
		WillReturnRows(sqlmock.NewRows(auditColumns).AddRow(auditRow("fp-1", srcAccessed, tModified)...))
	first, err := New(conn, testConfig(dir))
	require.NoError(t, err)
	_, err = first.Run(context.Background(), newAggregator(first))
	require.NoError(t, err)

	conn2, mock2 := newWarehouse(t)
	mock2.ExpectQuery("fingerprinted_queries").WillReturnRows(sqlmock.NewRows(auditColumns))
	cfg := testConfig(dir)
	cfg.Window.EndTime = cfg.Window.EndTime.Add(time.Hour)
	second, err := New(conn2, cfg)
	require.NoError(t, err)
	events, err := second.Run(context.Background(), newAggregator(second))
	require.NoError(t, err)
	require.NoError(t, mock2.ExpectationsWereMet())

	assert.Empty(t, events)
	assert.False(t, second.Report().UsedCache)
}

func TestRun_RefetchesForDifferentIdentifierSettings(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(cfg *Config)
		upstream string
	}{
		{
			name:     "urn case and platform instance",
			mutate:   func(cfg *Config) { cfg.Identifier = identifier.Config{PlatformInstance: "acct1"} },
			upstream: "urn:li:dataset:(urn:li:dataPlatform:snowflake,acct1.DB.SCH.SRC,PROD)",
		},
		{
			name:   "denied upstream",
			mutate: func(cfg *Config) { cfg.TablePattern = identifier.AllowDenyPattern{Deny: []string{`DB\.SCH\.SRC`}} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()

			conn, mock := newWarehouse(t)
			mock.ExpectQuery("fingerprinted_queries").
				WillReturnRows(sqlmock.NewRows(auditColumns).AddRow(auditRow("fp-1", srcAccessed, tModified)...))
			first, err := New(conn, testConfig(dir))
			require.NoError(t, err)
			_, err = first.Run(context.Background(), newAggregator(first))
			require.NoError(t, err)

			conn2, mock2 := newWarehouse(t)
			mock2.ExpectQuery("fingerprinted_queries").
				WillReturnRows(sqlmock.NewRows(auditColumns).AddRow(auditRow("fp-1", srcAccessed, tModified)...))
			cfg := testConfig(dir)
			tt.mutate(&cfg)
			second, err := New(conn2, cfg)
			require.NoError(t, err)
			assert.NotEqual(t, first.Fingerprint(), second.Fingerprint())

			agg := newAggregator(second)
			_, err = second.Run(context.Background(), agg)
			require.NoError(t, err)
			require.NoError(t, mock2.ExpectationsWereMet())
			assert.False(t, second.Report().UsedCache)

			var datasets []string
			for _, node := range agg.Graph().GetAllNodes() {
				datasets = append(datasets, node.ID)
			}
			if tt.upstream != "" {
				assert.Contains(t, datasets, tt.upstream)
			}
			assert.NotContains(t, datasets, srcURN)
		})
	}
}

func TestRun_ParseFailuresAreReported(t *testing.T) {
	conn, mock := newWarehouse(t)
	mock.ExpectQuery("fingerprinted_queries").WillReturnRows(
		sqlmock.NewRows(auditColumns).
			AddRow(auditRow("fp-bad", "not json", "[]")...).
			AddRow(auditRow("fp-1", srcAccessed, tModified)...).
			AddRow(auditRow("fp-2", srcAccessed, twoModified)...))

	logger, logs := testutil.NewCaptureLogger()
	e, err := New(conn, testConfig(t.TempDir()), WithLogger(logger))
	require.NoError(t, err)
	_, err = e.Run(context.Background(), newAggregator(e))
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "query_id=fp-bad")

	report := e.Report()
	assert.EqualValues(t, 3, report.AuditRows)
	assert.EqualValues(t, 2, report.RecordsParsed)
	assert.EqualValues(t, 1, report.ParseFailures)
	assert.EqualValues(t, 1, report.MultipleDownstream)
	assert.EqualValues(t, 2, report.NumWarnings)
	require.Len(t, report.Warnings, 2)

	parseWarning := report.Warnings[0]
	assert.Equal(t, "Error parsing query log row", parseWarning.Message)
	assert.Contains(t, parseWarning.Context, "fp-bad")
	var rowErr *auditlog.RowParseError
	require.ErrorAs(t, parseWarning.Err, &rowErr)
	assert.Equal(t, "fp-bad", rowErr.QueryID())

	assert.Equal(t, auditlog.MultipleDownstreamWarning, report.Warnings[1].Message)
	assert.InDelta(t, 1, promtest.ToFloat64(e.Metrics().ParseFailures), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(e.Metrics().MultipleDownstream), 0)
}

func TestRun_QueryErrorLeavesNoCompletedSession(t *testing.T) {
	dir := t.TempDir()

	conn, mock := newWarehouse(t)
	mock.ExpectQuery("fingerprinted_queries").WillReturnError(errors.New("warehouse suspended"))
	e, err := New(conn, testConfig(dir))
	require.NoError(t, err)
	_, err = e.Run(context.Background(), newAggregator(e))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warehouse suspended")

	conn2, mock2 := newWarehouse(t)
	mock2.ExpectQuery("fingerprinted_queries").WillReturnRows(sqlmock.NewRows(auditColumns))
	retry, err := New(conn2, testConfig(dir))
	require.NoError(t, err)
	_, err = retry.Run(context.Background(), newAggregator(retry))
	require.NoError(t, err)
	require.NoError(t, mock2.ExpectationsWereMet())
	assert.False(t, retry.Report().UsedCache)
}

func TestFetchAuditLog_LogsProgress(t *testing.T) {
	conn, mock := newWarehouse(t)
	rows := sqlmock.NewRows(auditColumns)
	for range 4 {
		rows.AddRow(auditRow("fp-1", srcAccessed, tModified)...)
	}
	mock.ExpectQuery("fingerprinted_queries").WillReturnRows(rows)

	logger, logs := testutil.NewCaptureLogger()
	e, err := New(conn, testConfig(t.TempDir()), WithLogger(logger), WithProgressInterval(2))
	require.NoError(t, err)

	var n int
	for rec, err := range e.FetchAuditLog(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, core.RecordKindPreparsedQuery, rec.Kind)
		n++
	}
	assert.Equal(t, 4, n)
	assert.Contains(t, logs.String(), "rows=2")
	assert.Contains(t, logs.String(), "rows=4")
}

func TestFetchAuditLog_CursorError(t *testing.T) {
	conn, mock := newWarehouse(t)
	mock.ExpectQuery("fingerprinted_queries").WillReturnRows(
		sqlmock.NewRows(auditColumns).
			AddRow(auditRow("fp-1", srcAccessed, tModified)...).
			RowError(0, sql.ErrConnDone))

	e, err := New(conn, testConfig(t.TempDir()))
	require.NoError(t, err)

	var gotErr error
	for _, err := range e.FetchAuditLog(context.Background()) {
		if err != nil {
			gotErr = err
		}
	}
	require.Error(t, gotErr)
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.AuditRows.Add(3)
	m.Records.WithLabelValues(SourceFetch).Inc()

	path := filepath.Join(t.TempDir(), "leapaudit.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "leapaudit_audit_rows_total 3")
	assert.Contains(t, string(data), `leapaudit_records_total{source="fetch"} 1`)
}

func TestStructuredWarning_MarshalJSON(t *testing.T) {
	w := StructuredWarning{Message: "m", Context: "c", Err: errors.New("boom")}
	data, err := w.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"m","context":"c","error":"boom"}`, string(data))
}

func TestReport_WarningsAreCapped(t *testing.T) {
	var r Report
	for range maxWarnings + 5 {
		r.Warning("w", "", nil)
	}
	assert.Len(t, r.Warnings, maxWarnings)
	assert.EqualValues(t, maxWarnings+5, r.NumWarnings)
}
