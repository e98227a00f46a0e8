package auditlog

import (
	"strings"

	"github.com/leapstack-labs/leapaudit/pkg/core"
)

// queryTypeMapping maps Snowflake QUERY_TYPE labels to normalized types.
// COPY and TRUNCATE_TABLE are listed explicitly so the policy is visible.
var queryTypeMapping = map[string]core.QueryType{
	"INSERT":                 core.QueryTypeInsert,
	"UPDATE":                 core.QueryTypeUpdate,
	"DELETE":                 core.QueryTypeDelete,
	"CREATE":                 core.QueryTypeCreateOther,
	"CREATE_TABLE":           core.QueryTypeCreateDDL,
	"CREATE_VIEW":            core.QueryTypeCreateView,
	"CREATE_TABLE_AS_SELECT": core.QueryTypeCreateTableAsSelect,
	"MERGE":                  core.QueryTypeMerge,
	"COPY":                   core.QueryTypeUnknown,
	"TRUNCATE_TABLE":         core.QueryTypeUnknown,
}

// ClassifyQueryType maps a warehouse query-type label to a normalized type.
// Unrecognized labels classify as UNKNOWN.
func ClassifyQueryType(label string) core.QueryType {
	if qt, ok := queryTypeMapping[strings.ToUpper(strings.TrimSpace(label))]; ok {
		return qt
	}
	return core.QueryTypeUnknown
}
