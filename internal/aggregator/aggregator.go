// Package aggregator folds audit records into a dataset lineage graph and a
// set of query entities, and emits them as metadata events.
package aggregator

import (
	"iter"
	"log/slog"
	"slices"
	"sort"

	"github.com/leapstack-labs/leapaudit/internal/dag"
	"github.com/leapstack-labs/leapaudit/internal/identifier"
	"github.com/leapstack-labs/leapaudit/pkg/core"
)

// TableFilter decides which dataset names take part in lineage.
// *identifier.Filter implements it.
type TableFilter interface {
	IsTempTable(name string) bool
	IsAllowedTable(name string) bool
}

// Config selects which outputs the aggregator generates.
type Config struct {
	GenerateLineage              bool
	GenerateQueries              bool
	GenerateUsageStatistics      bool
	GenerateQueryUsageStatistics bool
	GenerateOperations           bool

	// Filter may be nil, in which case every dataset is kept.
	Filter TableFilter
	Logger *slog.Logger
}

// Report counts what the aggregator saw and skipped.
type Report struct {
	NumPreparsedQueries   int      `json:"num_preparsed_queries"`
	NumKnownLineage       int      `json:"num_known_lineage"`
	NumTempTablesResolved int      `json:"num_temp_tables_resolved"`
	NumTablesFiltered     int      `json:"num_tables_filtered"`
	NumSelfEdgesSkipped   int      `json:"num_self_edges_skipped"`
	NumLineageEvents      int      `json:"num_lineage_events"`
	NumQueryEvents        int      `json:"num_query_events"`
	NumDatasets           int      `json:"num_datasets"`
	NumLineageEdges       int      `json:"num_lineage_edges"`
	NumSourceDatasets     int      `json:"num_source_datasets"`
	NumTerminalDatasets   int      `json:"num_terminal_datasets"`
	Cycle                 []string `json:"cycle,omitempty"`
}

// Aggregator implements core.Aggregator.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger
	report Report

	graph *dag.Graph
	// downstream dataset -> downstream column -> upstream column refs
	columns map[string]map[string][]core.ColumnRef
	// temp dataset -> the non-temp datasets it was built from
	tempUpstreams map[string][]string

	queries    map[string]*core.QueryEntity
	queryOrder []string
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{
		cfg:           cfg,
		logger:        logger,
		graph:         dag.NewGraph(),
		columns:       make(map[string]map[string][]core.ColumnRef),
		tempUpstreams: make(map[string][]string),
		queries:       make(map[string]*core.QueryEntity),
	}
}

// Report returns the aggregation counters.
func (a *Aggregator) Report() Report {
	return a.report
}

// Graph returns the lineage graph built so far.
func (a *Aggregator) Graph() *dag.Graph {
	return a.graph
}

// TransitiveUpstreams returns every dataset urn derives from, directly or
// through intermediate datasets.
func (a *Aggregator) TransitiveUpstreams(urn string) []string {
	return a.graph.GetUpstreamNodes(urn)
}

// Add folds one record into the aggregate.
func (a *Aggregator) Add(rec core.AuditRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	switch rec.Kind {
	case core.RecordKindKnownLineage:
		a.report.NumKnownLineage++
		a.addKnownLineage(rec.KnownLineage)
	case core.RecordKindPreparsedQuery:
		a.report.NumPreparsedQueries++
		a.addQuery(rec.Query)
	}
	return nil
}

func (a *Aggregator) addKnownLineage(m *core.KnownLineageMapping) {
	if !a.keep(m.Upstream) || !a.keep(m.Downstream) {
		return
	}
	a.addEdge(m.Upstream, m.Downstream, "")
}

func (a *Aggregator) addQuery(q *core.PreparsedQuery) {
	if a.cfg.GenerateQueries {
		a.recordQueryEntity(q)
	}

	if !q.HasDownstream() {
		return
	}
	downstream := *q.Downstream

	upstreams := a.resolveUpstreams(q.Upstreams)

	if a.isTemp(downstream) {
		// Lineage through a temp table is attributed to whatever reads it.
		a.report.NumTempTablesResolved++
		merged := a.tempUpstreams[downstream]
		for _, up := range upstreams {
			if up != downstream && !slices.Contains(merged, up) {
				merged = append(merged, up)
			}
		}
		a.tempUpstreams[downstream] = merged
		return
	}
	if !a.allowed(downstream) {
		a.report.NumTablesFiltered++
		return
	}

	for _, up := range upstreams {
		if !a.allowed(up) {
			a.report.NumTablesFiltered++
			continue
		}
		a.addEdge(up, downstream, q.QueryID)
	}

	for _, cl := range q.ColumnLineage {
		a.addColumnLineage(cl)
	}
}

// resolveUpstreams replaces temp tables with the datasets they were built from.
func (a *Aggregator) resolveUpstreams(upstreams []string) []string {
	resolved := make([]string, 0, len(upstreams))
	for _, up := range upstreams {
		if !a.isTemp(up) {
			if !slices.Contains(resolved, up) {
				resolved = append(resolved, up)
			}
			continue
		}
		for _, src := range a.tempUpstreams[up] {
			if !slices.Contains(resolved, src) {
				resolved = append(resolved, src)
			}
		}
	}
	return resolved
}

func (a *Aggregator) addEdge(upstream, downstream, queryID string) {
	if upstream == downstream {
		a.report.NumSelfEdgesSkipped++
		return
	}
	a.graph.AddNode(upstream, nil)
	a.graph.AddNode(downstream, nil)
	if err := a.graph.AddEdge(upstream, downstream, queryID); err != nil {
		a.logger.Debug("skipping lineage edge", slog.String("error", err.Error()))
	}
}

func (a *Aggregator) addColumnLineage(cl core.ColumnLineageInfo) {
	byColumn, ok := a.columns[cl.Downstream.Dataset]
	if !ok {
		byColumn = make(map[string][]core.ColumnRef)
		a.columns[cl.Downstream.Dataset] = byColumn
	}

	refs := byColumn[cl.Downstream.Column]
	for _, ref := range cl.Upstreams {
		if a.isTemp(ref.Table) || !a.allowed(ref.Table) || ref.Table == cl.Downstream.Dataset {
			continue
		}
		if !slices.Contains(refs, ref) {
			refs = append(refs, ref)
		}
	}
	byColumn[cl.Downstream.Column] = refs
}

func (a *Aggregator) recordQueryEntity(q *core.PreparsedQuery) {
	entity, ok := a.queries[q.QueryID]
	if !ok {
		entity = &core.QueryEntity{
			QueryID:   q.QueryID,
			FirstSeen: q.Timestamp,
			LastSeen:  q.Timestamp,
		}
		a.queries[q.QueryID] = entity
		a.queryOrder = append(a.queryOrder, q.QueryID)
	}

	entity.QueryCount += q.QueryCount
	if q.Timestamp.Before(entity.FirstSeen) {
		entity.FirstSeen = q.Timestamp
	}
	if !q.Timestamp.Before(entity.LastSeen) || entity.QueryText == "" {
		entity.LastSeen = q.Timestamp
		entity.QueryText = q.QueryText
		entity.QueryType = q.QueryType
		entity.User = q.User
		if q.HasDownstream() {
			entity.Downstream = *q.Downstream
		}
	}
	for _, up := range q.Upstreams {
		if !slices.Contains(entity.Upstreams, up) {
			entity.Upstreams = append(entity.Upstreams, up)
		}
	}
}

func (a *Aggregator) keep(urn string) bool {
	return !a.isTemp(urn) && a.allowed(urn)
}

func (a *Aggregator) isTemp(urn string) bool {
	return a.cfg.Filter != nil && a.cfg.Filter.IsTempTable(identifier.DatasetIDFromURN(urn))
}

func (a *Aggregator) allowed(urn string) bool {
	return a.cfg.Filter == nil || a.cfg.Filter.IsAllowedTable(identifier.DatasetIDFromURN(urn))
}

// GenerateOutputs yields upstream lineage events, one per downstream dataset
// in URN order, followed by query events in first-seen order.
func (a *Aggregator) GenerateOutputs() iter.Seq[core.MetadataEvent] {
	return func(yield func(core.MetadataEvent) bool) {
		if a.cfg.GenerateUsageStatistics || a.cfg.GenerateQueryUsageStatistics || a.cfg.GenerateOperations {
			a.logger.Debug("usage statistics and operations are not generated")
		}
		a.report.NumDatasets = a.graph.NodeCount()
		a.report.NumLineageEdges = a.graph.EdgeCount()
		a.report.NumSourceDatasets = len(a.graph.GetRoots())
		a.report.NumTerminalDatasets = len(a.graph.GetLeaves())
		if hasCycle, cycle := a.graph.HasCycle(); hasCycle {
			a.report.Cycle = cycle
			a.logger.Warn("lineage graph contains a cycle", slog.Any("path", cycle))
		}

		if a.cfg.GenerateLineage {
			for _, node := range a.graph.GetAllNodes() {
				parents := a.graph.GetParents(node.ID)
				if len(parents) == 0 {
					continue
				}
				a.report.NumLineageEvents++
				ev := core.MetadataEvent{
					Kind:      core.EventKindUpstreamLineage,
					EntityURN: node.ID,
					Lineage:   a.upstreamLineage(node.ID, parents),
				}
				if !yield(ev) {
					return
				}
			}
		}

		if a.cfg.GenerateQueries {
			for _, id := range a.queryOrder {
				a.report.NumQueryEvents++
				entity := *a.queries[id]
				ev := core.MetadataEvent{
					Kind:      core.EventKindQuery,
					EntityURN: QueryURN(id),
					Query:     &entity,
				}
				if !yield(ev) {
					return
				}
			}
		}
	}
}

func (a *Aggregator) upstreamLineage(downstream string, parents []string) *core.UpstreamLineage {
	sorted := slices.Clone(parents)
	sort.Strings(sorted)

	lineage := &core.UpstreamLineage{
		Downstream: downstream,
		Upstreams:  make([]core.UpstreamEdge, 0, len(sorted)),
	}
	for _, up := range sorted {
		lineage.Upstreams = append(lineage.Upstreams, core.UpstreamEdge{
			Dataset: up,
			Queries: slices.Clone(a.graph.EdgeQueries(up, downstream)),
		})
	}

	byColumn := a.columns[downstream]
	cols := make([]string, 0, len(byColumn))
	for col := range byColumn {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		lineage.ColumnLineage = append(lineage.ColumnLineage, core.ColumnLineageInfo{
			Downstream: core.DownstreamColumnRef{Dataset: downstream, Column: col},
			Upstreams:  slices.Clone(byColumn[col]),
		})
	}
	return lineage
}

// QueryURN builds the URN of a query entity from its fingerprint.
func QueryURN(queryID string) string {
	return "urn:li:query:" + queryID
}

var _ core.Aggregator = (*Aggregator)(nil)
