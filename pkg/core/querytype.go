package core

// QueryType is the normalized classification of a warehouse query.
type QueryType string

// Normalized query types.
const (
	QueryTypeInsert              QueryType = "INSERT"
	QueryTypeUpdate              QueryType = "UPDATE"
	QueryTypeDelete              QueryType = "DELETE"
	QueryTypeCreateOther         QueryType = "CREATE_OTHER"
	QueryTypeCreateDDL           QueryType = "CREATE_DDL"
	QueryTypeCreateView          QueryType = "CREATE_VIEW"
	QueryTypeCreateTableAsSelect QueryType = "CREATE_TABLE_AS_SELECT"
	QueryTypeMerge               QueryType = "MERGE"
	QueryTypeUnknown             QueryType = "UNKNOWN"
)

// IsCreate reports whether the query type creates an object.
func (q QueryType) IsCreate() bool {
	switch q {
	case QueryTypeCreateOther, QueryTypeCreateDDL, QueryTypeCreateView, QueryTypeCreateTableAsSelect:
		return true
	}
	return false
}
