package core

import (
	"iter"
	"time"
)

// Aggregator consumes normalized audit records and produces metadata events.
// Add is called once per record in arrival order; GenerateOutputs is called
// once after the last Add.
type Aggregator interface {
	Add(rec AuditRecord) error
	GenerateOutputs() iter.Seq[MetadataEvent]
}

// EventKind identifies the payload of a MetadataEvent.
type EventKind string

// Event kinds.
const (
	EventKindUpstreamLineage EventKind = "upstream_lineage"
	EventKindQuery           EventKind = "query"
)

// MetadataEvent is a unit of output produced by an Aggregator.
type MetadataEvent struct {
	Kind      EventKind        `json:"kind"`
	EntityURN string           `json:"entity_urn"`
	Lineage   *UpstreamLineage `json:"lineage,omitempty"`
	Query     *QueryEntity     `json:"query,omitempty"`
}

// UpstreamEdge is one table-level lineage edge into a dataset.
type UpstreamEdge struct {
	Dataset string   `json:"dataset"`
	Queries []string `json:"queries,omitempty"`
}

// UpstreamLineage is the aggregated lineage of a single downstream dataset.
type UpstreamLineage struct {
	Downstream    string              `json:"downstream"`
	Upstreams     []UpstreamEdge      `json:"upstreams"`
	ColumnLineage []ColumnLineageInfo `json:"column_lineage,omitempty"`
}

// QueryEntity describes one fingerprinted query seen during extraction.
type QueryEntity struct {
	QueryID    string    `json:"query_id"`
	QueryText  string    `json:"query_text"`
	QueryType  QueryType `json:"query_type"`
	QueryCount int       `json:"query_count"`
	User       string    `json:"user,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Upstreams  []string  `json:"upstreams,omitempty"`
	Downstream string    `json:"downstream,omitempty"`
}
