package aggregator

import (
	"slices"
	"testing"
	"time"

	"github.com/leapstack-labs/leapaudit/internal/identifier"
	"github.com/leapstack-labs/leapaudit/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func urn(id string) string {
	return "urn:li:dataset:(urn:li:dataPlatform:snowflake," + id + ",PROD)"
}

func query(id string, ts time.Time, downstream string, upstreams ...string) core.AuditRecord {
	q := &core.PreparsedQuery{
		QueryID:         id,
		QueryText:       "-- " + id,
		Upstreams:       upstreams,
		ConfidenceScore: 1,
		QueryCount:      1,
		User:            "urn:li:corpuser:etl",
		Timestamp:       ts,
		QueryType:       core.QueryTypeInsert,
	}
	if downstream != "" {
		q.Downstream = &downstream
	}
	return core.QueryRecord(q)
}

func allOutputs() Config {
	return Config{GenerateLineage: true, GenerateQueries: true}
}

func collect(a *Aggregator) (lineage, queries []core.MetadataEvent) {
	for ev := range a.GenerateOutputs() {
		switch ev.Kind {
		case core.EventKindUpstreamLineage:
			lineage = append(lineage, ev)
		case core.EventKindQuery:
			queries = append(queries, ev)
		}
	}
	return lineage, queries
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestAggregator_TableLineage(t *testing.T) {
	a := New(allOutputs())

	require.NoError(t, a.Add(query("fp-1", t0, urn("db.s.t"), urn("db.s.a"), urn("db.s.b"))))
	require.NoError(t, a.Add(query("fp-2", t0, urn("db.s.t"), urn("db.s.a"))))
	require.NoError(t, a.Add(query("fp-3", t0, "", urn("db.s.t"))))

	lineage, _ := collect(a)
	require.Len(t, lineage, 1)
	ev := lineage[0]
	assert.Equal(t, urn("db.s.t"), ev.EntityURN)
	assert.Equal(t, []core.UpstreamEdge{
		{Dataset: urn("db.s.a"), Queries: []string{"fp-1", "fp-2"}},
		{Dataset: urn("db.s.b"), Queries: []string{"fp-1"}},
	}, ev.Lineage.Upstreams)

	rep := a.Report()
	assert.Equal(t, 3, rep.NumPreparsedQueries)
	assert.Equal(t, 1, rep.NumLineageEvents)
	assert.Equal(t, 3, rep.NumQueryEvents)
	assert.Equal(t, 3, rep.NumDatasets)
	assert.Equal(t, 2, rep.NumLineageEdges)
	assert.Equal(t, 2, rep.NumSourceDatasets)
	assert.Equal(t, 1, rep.NumTerminalDatasets)
}

func TestAggregator_TransitiveUpstreams(t *testing.T) {
	a := New(allOutputs())
	require.NoError(t, a.Add(query("fp-1", t0, urn("db.s.stg"), urn("db.s.raw"))))
	require.NoError(t, a.Add(query("fp-2", t0, urn("db.s.fct"), urn("db.s.stg"), urn("db.s.dim"))))

	assert.Equal(t, []string{urn("db.s.dim"), urn("db.s.raw"), urn("db.s.stg")}, a.TransitiveUpstreams(urn("db.s.fct")))
	assert.Empty(t, a.TransitiveUpstreams(urn("db.s.raw")))

	collect(a)
	rep := a.Report()
	assert.Equal(t, 4, rep.NumDatasets)
	assert.Equal(t, 3, rep.NumLineageEdges)
	assert.Equal(t, 2, rep.NumSourceDatasets)
	assert.Equal(t, 1, rep.NumTerminalDatasets)
}

func TestAggregator_ColumnLineage(t *testing.T) {
	a := New(allOutputs())
	rec := query("fp-1", t0, urn("db.s.t"), urn("db.s.s"))
	rec.Query.ColumnLineage = []core.ColumnLineageInfo{
		{
			Downstream: core.DownstreamColumnRef{Dataset: urn("db.s.t"), Column: "b"},
			Upstreams:  []core.ColumnRef{{Table: urn("db.s.s"), Column: "y"}},
		},
		{
			Downstream: core.DownstreamColumnRef{Dataset: urn("db.s.t"), Column: "a"},
			Upstreams: []core.ColumnRef{
				{Table: urn("db.s.s"), Column: "x"},
				{Table: urn("db.s.t"), Column: "a"},
			},
		},
	}
	require.NoError(t, a.Add(rec))
	require.NoError(t, a.Add(rec))

	lineage, _ := collect(a)
	require.Len(t, lineage, 1)
	assert.Equal(t, []core.ColumnLineageInfo{
		{
			Downstream: core.DownstreamColumnRef{Dataset: urn("db.s.t"), Column: "a"},
			Upstreams:  []core.ColumnRef{{Table: urn("db.s.s"), Column: "x"}},
		},
		{
			Downstream: core.DownstreamColumnRef{Dataset: urn("db.s.t"), Column: "b"},
			Upstreams:  []core.ColumnRef{{Table: urn("db.s.s"), Column: "y"}},
		},
	}, lineage[0].Lineage.ColumnLineage)
}

func TestAggregator_SelfEdgesSkipped(t *testing.T) {
	a := New(allOutputs())
	require.NoError(t, a.Add(query("fp-1", t0, urn("db.s.t"), urn("db.s.t"))))

	lineage, _ := collect(a)
	assert.Empty(t, lineage)
	assert.Equal(t, 1, a.Report().NumSelfEdgesSkipped)
}

func TestAggregator_KnownLineage(t *testing.T) {
	a := New(allOutputs())
	require.NoError(t, a.Add(core.KnownLineageRecord(&core.KnownLineageMapping{
		Upstream:   urn("ext.s.landing"),
		Downstream: urn("db.s.t"),
	})))

	lineage, queries := collect(a)
	require.Len(t, lineage, 1)
	assert.Equal(t, []core.UpstreamEdge{{Dataset: urn("ext.s.landing")}}, lineage[0].Lineage.Upstreams)
	assert.Empty(t, queries)
	assert.Equal(t, 1, a.Report().NumKnownLineage)
}

func TestAggregator_TempTablesResolved(t *testing.T) {
	filter, err := identifier.NewFilter(nil, identifier.AllowAll())
	require.NoError(t, err)
	cfg := allOutputs()
	cfg.Filter = filter
	a := New(cfg)

	tmp := urn("db.s.orders__dbt_tmp")
	require.NoError(t, a.Add(query("fp-1", t0, tmp, urn("db.s.raw_orders"), urn("db.s.customers"))))
	require.NoError(t, a.Add(query("fp-2", t0.Add(time.Minute), urn("db.s.orders"), tmp)))

	lineage, _ := collect(a)
	require.Len(t, lineage, 1)
	assert.Equal(t, urn("db.s.orders"), lineage[0].EntityURN)

	var upstreams []string
	for _, e := range lineage[0].Lineage.Upstreams {
		upstreams = append(upstreams, e.Dataset)
		assert.Equal(t, []string{"fp-2"}, e.Queries)
	}
	assert.Equal(t, []string{urn("db.s.customers"), urn("db.s.raw_orders")}, upstreams)
	assert.Equal(t, 1, a.Report().NumTempTablesResolved)
	found := false
	for _, n := range a.Graph().GetAllNodes() {
		if n.ID == tmp {
			found = true
		}
	}
	assert.False(t, found, "temp tables never become lineage nodes")
}

func TestAggregator_FilteredTables(t *testing.T) {
	filter, err := identifier.NewFilter([]string{}, identifier.AllowDenyPattern{Deny: []string{`db\.scratch\..*`}})
	require.NoError(t, err)
	cfg := allOutputs()
	cfg.Filter = filter
	a := New(cfg)

	require.NoError(t, a.Add(query("fp-1", t0, urn("db.s.t"), urn("db.scratch.x"), urn("db.s.a"))))
	require.NoError(t, a.Add(query("fp-2", t0, urn("db.scratch.out"), urn("db.s.a"))))

	lineage, _ := collect(a)
	require.Len(t, lineage, 1)
	assert.Equal(t, []core.UpstreamEdge{{Dataset: urn("db.s.a"), Queries: []string{"fp-1"}}}, lineage[0].Lineage.Upstreams)
	assert.Equal(t, 2, a.Report().NumTablesFiltered)
}

func TestAggregator_QueryEntities(t *testing.T) {
	a := New(allOutputs())

	early := query("fp-1", t0, urn("db.s.t"), urn("db.s.a"))
	late := query("fp-1", t0.Add(time.Hour), urn("db.s.t"), urn("db.s.b"))
	late.Query.QueryText = "INSERT INTO t SELECT * FROM b"
	late.Query.QueryCount = 4
	other := query("fp-2", t0.Add(-time.Hour), "", urn("db.s.t"))

	require.NoError(t, a.Add(late))
	require.NoError(t, a.Add(early))
	require.NoError(t, a.Add(other))

	_, queries := collect(a)
	require.Len(t, queries, 2)

	first := queries[0]
	assert.Equal(t, "urn:li:query:fp-1", first.EntityURN)
	assert.Equal(t, 5, first.Query.QueryCount)
	assert.Equal(t, t0, first.Query.FirstSeen)
	assert.Equal(t, t0.Add(time.Hour), first.Query.LastSeen)
	assert.Equal(t, "INSERT INTO t SELECT * FROM b", first.Query.QueryText, "text comes from the latest execution")
	assert.Equal(t, []string{urn("db.s.b"), urn("db.s.a")}, first.Query.Upstreams)
	assert.Equal(t, urn("db.s.t"), first.Query.Downstream)

	assert.Equal(t, "urn:li:query:fp-2", queries[1].EntityURN)
	assert.Empty(t, queries[1].Query.Downstream)
}

func TestAggregator_OutputToggles(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantLineage int
		wantQueries int
	}{
		{"lineage only", Config{GenerateLineage: true}, 1, 0},
		{"queries only", Config{GenerateQueries: true}, 0, 1},
		{"usage flags produce nothing", Config{GenerateUsageStatistics: true, GenerateOperations: true}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(tt.cfg)
			require.NoError(t, a.Add(query("fp-1", t0, urn("db.s.t"), urn("db.s.a"))))

			lineage, queries := collect(a)
			assert.Len(t, lineage, tt.wantLineage)
			assert.Len(t, queries, tt.wantQueries)
		})
	}
}

func TestAggregator_CycleReported(t *testing.T) {
	a := New(allOutputs())
	require.NoError(t, a.Add(query("fp-1", t0, urn("db.s.b"), urn("db.s.a"))))
	require.NoError(t, a.Add(query("fp-2", t0, urn("db.s.a"), urn("db.s.b"))))

	lineage, _ := collect(a)
	assert.Len(t, lineage, 2)
	cycle := a.Report().Cycle
	require.NotEmpty(t, cycle)
	assert.True(t, slices.Contains(cycle, urn("db.s.a")))
}

func TestAggregator_StopsWhenConsumerStops(t *testing.T) {
	a := New(allOutputs())
	require.NoError(t, a.Add(query("fp-1", t0, urn("db.s.t"), urn("db.s.a"))))
	require.NoError(t, a.Add(query("fp-2", t0, urn("db.s.u"), urn("db.s.a"))))

	count := 0
	for range a.GenerateOutputs() {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestAggregator_RejectsInvalidRecord(t *testing.T) {
	a := New(allOutputs())
	err := a.Add(core.AuditRecord{Kind: "bogus"})
	require.Error(t, err)
}
