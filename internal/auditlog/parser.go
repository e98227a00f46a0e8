package auditlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/leapstack-labs/leapaudit/internal/identifier"
	"github.com/leapstack-labs/leapaudit/pkg/core"
)

// MultipleDownstreamWarning is reported when a row modifies more than one object.
const MultipleDownstreamWarning = "Unexpectedly got multiple downstream entities from the Snowflake audit log."

// Reporter receives recoverable anomalies found while parsing.
type Reporter interface {
	Warning(message, context string, err error)
}

// accessedObject is one element of DIRECT_OBJECTS_ACCESSED or OBJECTS_MODIFIED.
type accessedObject struct {
	ObjectName   string           `json:"objectName"`
	ObjectDomain string           `json:"objectDomain"`
	Columns      []accessedColumn `json:"columns"`
}

type accessedColumn struct {
	ColumnName    string         `json:"columnName"`
	DirectSources []directSource `json:"directSources"`
}

type directSource struct {
	ObjectName   string `json:"objectName"`
	ObjectDomain string `json:"objectDomain"`
	ColumnName   string `json:"columnName"`
}

// requiredKeys must be present (lower-cased) in every audit row.
var requiredKeys = []string{
	"query_fingerprint",
	"query_text",
	"query_start_time",
	"user_name",
	"direct_objects_accessed",
	"objects_modified",
}

// Parser turns enriched audit rows into PreparsedQuery records.
type Parser struct {
	resolver *identifier.Resolver
	filter   *identifier.Filter
	reporter Reporter
}

// NewParser creates a Parser. A nil filter admits every dataset; a nil
// reporter discards warnings.
func NewParser(resolver *identifier.Resolver, filter *identifier.Filter, reporter Reporter) *Parser {
	if reporter == nil {
		reporter = discardReporter{}
	}
	return &Parser{resolver: resolver, filter: filter, reporter: reporter}
}

type discardReporter struct{}

func (discardReporter) Warning(string, string, error) {}

// ParseRow converts one audit row into a record. Any failure is returned as a
// *RowParseError carrying the row.
func (p *Parser) ParseRow(row map[string]any) (*core.PreparsedQuery, error) {
	q, err := p.parseRow(row)
	if err != nil {
		return nil, &RowParseError{Row: row, Err: err}
	}
	return q, nil
}

func (p *Parser) parseRow(row map[string]any) (*core.PreparsedQuery, error) {
	res := make(map[string]any, len(row))
	for key, value := range row {
		res[strings.ToLower(key)] = value
	}
	for _, key := range requiredKeys {
		if _, ok := res[key]; !ok {
			return nil, fmt.Errorf("missing required column %s", strings.ToUpper(key))
		}
	}

	accessed, err := decodeObjects(res["direct_objects_accessed"])
	if err != nil {
		return nil, fmt.Errorf("invalid DIRECT_OBJECTS_ACCESSED: %w", err)
	}
	modified, err := decodeObjects(res["objects_modified"])
	if err != nil {
		return nil, fmt.Errorf("invalid OBJECTS_MODIFIED: %w", err)
	}

	fingerprint, err := requiredString(res, "query_fingerprint")
	if err != nil {
		return nil, err
	}
	userName, err := requiredString(res, "user_name")
	if err != nil {
		return nil, err
	}
	timestamp, err := toTime(res["query_start_time"])
	if err != nil {
		return nil, fmt.Errorf("invalid QUERY_START_TIME: %w", err)
	}
	queryCount, err := toInt(res["query_count"], 1)
	if err != nil {
		return nil, fmt.Errorf("invalid QUERY_COUNT: %w", err)
	}

	q := &core.PreparsedQuery{
		QueryID:         fingerprint,
		QueryText:       optionalString(res["query_text"]),
		Upstreams:       []string{},
		ColumnUsage:     map[string][]string{},
		ConfidenceScore: 1.0,
		QueryCount:      queryCount,
		User:            identifier.UserURN(userName),
		Timestamp:       timestamp.UTC(),
		SessionID:       optionalString(res["session_id"]),
		QueryType:       ClassifyQueryType(optionalString(res["query_type"])),
		DefaultDB:       optionalString(res["default_db"]),
		DefaultSchema:   optionalString(res["default_schema"]),
		RoleName:        optionalString(res["role_name"]),
	}

	for _, obj := range accessed {
		if obj.ObjectName == "" {
			return nil, errors.New("accessed object without objectName")
		}
		if !p.allowed(obj.ObjectName) {
			continue
		}
		dataset := p.resolver.DatasetURNFromQualifiedName(obj.ObjectName)
		if !slices.Contains(q.Upstreams, dataset) {
			q.Upstreams = append(q.Upstreams, dataset)
		}
		cols := q.ColumnUsage[dataset]
		for _, col := range obj.Columns {
			name := p.resolver.ColumnIdentifier(col.ColumnName)
			if !slices.Contains(cols, name) {
				cols = append(cols, name)
			}
		}
		slices.Sort(cols)
		q.ColumnUsage[dataset] = cols
	}

	if len(modified) > 1 {
		p.reporter.Warning(MultipleDownstreamWarning, fmt.Sprintf("%v", row), nil)
	}
	if len(modified) > 0 {
		obj := modified[0]
		if obj.ObjectName == "" {
			return nil, errors.New("modified object without objectName")
		}
		if p.allowed(obj.ObjectName) {
			downstream := p.resolver.DatasetURNFromQualifiedName(obj.ObjectName)
			q.Downstream = &downstream
			q.ColumnLineage = p.columnLineage(downstream, obj.Columns)
		}
	}

	return q, nil
}

// columnLineage builds one edge set per modified column. Sources outside the
// table/view domains, or rejected by the filter policy, are dropped.
func (p *Parser) columnLineage(downstream string, columns []accessedColumn) []core.ColumnLineageInfo {
	lineage := make([]core.ColumnLineageInfo, 0, len(columns))
	for _, col := range columns {
		upstreams := []core.ColumnRef{}
		for _, src := range col.DirectSources {
			if !IsTableViewDomain(src.ObjectDomain) || src.ObjectName == "" || !p.allowed(src.ObjectName) {
				continue
			}
			upstreams = append(upstreams, core.ColumnRef{
				Table:  p.resolver.DatasetURNFromQualifiedName(src.ObjectName),
				Column: p.resolver.ColumnIdentifier(src.ColumnName),
			})
		}
		lineage = append(lineage, core.ColumnLineageInfo{
			Downstream: core.DownstreamColumnRef{
				Dataset: downstream,
				Column:  p.resolver.ColumnIdentifier(col.ColumnName),
			},
			Upstreams: upstreams,
		})
	}
	return lineage
}

func (p *Parser) allowed(qualifiedName string) bool {
	return p.filter == nil || p.filter.IsAllowedTable(identifier.CleanupQualifiedName(qualifiedName))
}

// IsTableViewDomain reports whether an access-history domain is a table or view.
func IsTableViewDomain(domain string) bool {
	return slices.Contains(TableViewDomains, domain)
}

// decodeObjects accepts the object arrays as JSON text or as values that were
// already decoded by the driver. A nil value is an empty array.
func decodeObjects(v any) ([]accessedObject, error) {
	var raw []byte
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, nil
		}
		raw = []byte(val)
	case []byte:
		if len(val) == 0 {
			return nil, nil
		}
		raw = val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	var objs []accessedObject
	if err := json.Unmarshal(raw, &objs); err != nil {
		return nil, err
	}
	return objs, nil
}

func requiredString(res map[string]any, key string) (string, error) {
	s := optionalString(res[key])
	if s == "" {
		return "", fmt.Errorf("column %s is empty", strings.ToUpper(key))
	}
	return s, nil
}

func optionalString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

// timestampLayouts are the textual forms QUERY_START_TIME may take.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func toTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case *time.Time:
		if val != nil {
			return *val, nil
		}
	case string:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", val)
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp value %T", v)
}

func toInt(v any, def int) (int, error) {
	switch val := v.(type) {
	case nil:
		return def, nil
	case int:
		return val, nil
	case int32:
		return int(val), nil
	case int64:
		return int(val), nil
	case float64:
		return int(val), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(val))
	case []byte:
		return strconv.Atoi(strings.TrimSpace(string(val)))
	}
	return 0, fmt.Errorf("unsupported integer value %T", v)
}
