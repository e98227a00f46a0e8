package extractor

import (
	"encoding/json"

	"github.com/leapstack-labs/leapaudit/internal/auditlog"
	"github.com/leapstack-labs/leapaudit/pkg/core"
)

// maxWarnings bounds the warnings kept in a report; the count keeps going.
const maxWarnings = 100

// StructuredWarning is a recoverable problem found during extraction.
type StructuredWarning struct {
	Message string
	Context string
	Err     error
}

// MarshalJSON renders the error as its message.
func (w StructuredWarning) MarshalJSON() ([]byte, error) {
	out := struct {
		Message string `json:"message"`
		Context string `json:"context,omitempty"`
		Error   string `json:"error,omitempty"`
	}{Message: w.Message, Context: w.Context}
	if w.Err != nil {
		out.Error = w.Err.Error()
	}
	return json.Marshal(out)
}

// Report summarizes one extraction.
type Report struct {
	Window    core.TimeWindow `json:"window"`
	CachePath string          `json:"cache_path"`
	SessionID string          `json:"session_id"`
	UsedCache bool            `json:"used_cache"`

	AuditRows          int64 `json:"audit_rows"`
	RecordsParsed      int64 `json:"records_parsed"`
	ParseFailures      int64 `json:"parse_failures"`
	MultipleDownstream int64 `json:"multiple_downstream"`
	RecordsAggregated  int64 `json:"records_aggregated"`
	EventsGenerated    int64 `json:"events_generated"`

	NumWarnings int64               `json:"num_warnings"`
	Warnings    []StructuredWarning `json:"warnings,omitempty"`
}

// Warning records a warning. It implements auditlog.Reporter.
func (r *Report) Warning(message, context string, err error) {
	r.NumWarnings++
	if message == auditlog.MultipleDownstreamWarning {
		r.MultipleDownstream++
	}
	if len(r.Warnings) < maxWarnings {
		r.Warnings = append(r.Warnings, StructuredWarning{Message: message, Context: context, Err: err})
	}
}

var _ auditlog.Reporter = (*Report)(nil)
