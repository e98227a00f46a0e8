package core

import (
	"fmt"
	"time"
)

// ColumnRef identifies a column of a dataset.
type ColumnRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// DownstreamColumnRef identifies a column written by a query.
type DownstreamColumnRef struct {
	Dataset string `json:"dataset"`
	Column  string `json:"column"`
}

// ColumnLineageInfo is one column-level lineage edge set: a written column and
// the columns it was derived from.
type ColumnLineageInfo struct {
	Downstream DownstreamColumnRef `json:"downstream"`
	Upstreams  []ColumnRef         `json:"upstreams"`
}

// PreparsedQuery is a normalized lineage record built from one audit row.
// The lineage it carries comes from the warehouse's access history, not from
// SQL parsing, so the aggregator does not need to parse QueryText.
type PreparsedQuery struct {
	// QueryID is the query fingerprint, stable across buckets for the same
	// parameterized query.
	QueryID   string `json:"query_id"`
	QueryText string `json:"query_text"`

	Upstreams     []string            `json:"upstreams"`
	Downstream    *string             `json:"downstream,omitempty"`
	ColumnLineage []ColumnLineageInfo `json:"column_lineage,omitempty"`
	ColumnUsage   map[string][]string `json:"column_usage,omitempty"`

	ConfidenceScore float64   `json:"confidence_score"`
	QueryCount      int       `json:"query_count"`
	User            string    `json:"user,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	SessionID       string    `json:"session_id,omitempty"`
	QueryType       QueryType `json:"query_type"`

	DefaultDB     string `json:"default_db,omitempty"`
	DefaultSchema string `json:"default_schema,omitempty"`
	RoleName      string `json:"role_name,omitempty"`
}

// HasDownstream reports whether the query wrote to a dataset.
func (q *PreparsedQuery) HasDownstream() bool {
	return q.Downstream != nil && *q.Downstream != ""
}

// KnownLineageMapping is a table-level lineage edge that is already known and
// bypasses query handling in the aggregator.
type KnownLineageMapping struct {
	Upstream   string `json:"upstream"`
	Downstream string `json:"downstream"`
}

// RecordKind discriminates the record shapes accepted by an Aggregator.
type RecordKind string

// Record kinds.
const (
	RecordKindPreparsedQuery RecordKind = "preparsed_query"
	RecordKindKnownLineage   RecordKind = "known_lineage"
)

// AuditRecord is one entry of the extraction stream: either a preparsed query
// or a known lineage mapping.
type AuditRecord struct {
	Kind         RecordKind           `json:"kind"`
	Query        *PreparsedQuery      `json:"query,omitempty"`
	KnownLineage *KnownLineageMapping `json:"known_lineage,omitempty"`
}

// QueryRecord wraps a preparsed query as an AuditRecord.
func QueryRecord(q *PreparsedQuery) AuditRecord {
	return AuditRecord{Kind: RecordKindPreparsedQuery, Query: q}
}

// KnownLineageRecord wraps a known lineage mapping as an AuditRecord.
func KnownLineageRecord(m *KnownLineageMapping) AuditRecord {
	return AuditRecord{Kind: RecordKindKnownLineage, KnownLineage: m}
}

// Validate checks that the payload matches the kind.
func (r AuditRecord) Validate() error {
	switch r.Kind {
	case RecordKindPreparsedQuery:
		if r.Query == nil {
			return fmt.Errorf("record of kind %s has no query", r.Kind)
		}
	case RecordKindKnownLineage:
		if r.KnownLineage == nil {
			return fmt.Errorf("record of kind %s has no lineage mapping", r.Kind)
		}
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return nil
}
