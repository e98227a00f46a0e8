package auditlog

import "fmt"

// RowParseError reports an audit row that could not be turned into a record.
// Row holds the offending row for diagnostics.
type RowParseError struct {
	Row map[string]any
	Err error
}

func (e *RowParseError) Error() string {
	return fmt.Sprintf("failed to parse audit log row: %v", e.Err)
}

func (e *RowParseError) Unwrap() error {
	return e.Err
}

// QueryID returns the row's query id for log context, falling back to the
// query fingerprint when the row carries no QUERY_ID.
func (e *RowParseError) QueryID() string {
	for _, key := range []string{"QUERY_ID", "query_id", "QUERY_FINGERPRINT", "query_fingerprint"} {
		if v, ok := e.Row[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}
