// Package auditlog builds the enriched Snowflake audit-history query and
// parses its rows into normalized lineage records.
package auditlog

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/leapstack-labs/leapaudit/pkg/core"
)

// MaxTablesPerQuery caps the accessed and modified objects kept per query.
// Objects beyond the cap are dropped in SQL without a warning.
const MaxTablesPerQuery = 20

// TableViewDomains are the access-history object domains that take part in
// lineage. Stages, functions and other domains are excluded.
var TableViewDomains = []string{"Table", "External table", "View", "Materialized view"}

var enrichedAuditLogTemplate = template.Must(template.New("enriched_audit_log").Parse(`WITH
fingerprinted_queries AS (
    SELECT *,
        query_history.query_parameterized_hash AS query_fingerprint
    FROM
        snowflake.account_usage.query_history
    WHERE
        query_history.start_time >= to_timestamp_ltz({{.StartMillis}}, 3)
        AND query_history.start_time < to_timestamp_ltz({{.EndMillis}}, 3)
        AND execution_status = 'SUCCESS'
        AND {{.UsersFilter}}
)
, deduplicated_queries AS (
    SELECT
        *,
        DATE_TRUNC(
            {{.Bucket}},
            CONVERT_TIMEZONE('UTC', start_time)
        ) AS bucket_start_time,
        COUNT(*) OVER (PARTITION BY bucket_start_time, query_fingerprint) AS query_count,
    FROM
        fingerprinted_queries
    QUALIFY
        ROW_NUMBER() OVER (PARTITION BY bucket_start_time, query_fingerprint ORDER BY start_time DESC) = 1
)
, raw_access_history AS (
    SELECT
        query_id,
        query_start_time,
        user_name,
        direct_objects_accessed,
        objects_modified,
    FROM
        snowflake.account_usage.access_history
    WHERE
        query_start_time >= to_timestamp_ltz({{.StartMillis}}, 3)
        AND query_start_time < to_timestamp_ltz({{.EndMillis}}, 3)
        AND {{.UsersFilter}}
        AND query_id IN (
            SELECT query_id FROM deduplicated_queries
        )
)
, capped_access_history AS (
    SELECT
        query_id,
        query_start_time,
        ARRAY_SLICE(
            FILTER(direct_objects_accessed, o -> o:objectDomain IN {{.Domains}}),
            0, {{.MaxTables}}
        ) AS capped_objects_accessed,
        ARRAY_SLICE(
            FILTER(objects_modified, o -> o:objectDomain IN {{.Domains}}),
            0, {{.MaxTables}}
        ) AS capped_objects_modified,
    FROM raw_access_history
)
, filtered_access_history AS (
    SELECT
        query_id,
        query_start_time,
        capped_objects_accessed AS direct_objects_accessed,
        capped_objects_modified AS objects_modified,
    FROM capped_access_history
    WHERE ( ARRAY_SIZE(capped_objects_accessed) > 0 OR ARRAY_SIZE(capped_objects_modified) > 0 )
)
, query_access_history AS (
    SELECT
        q.bucket_start_time AS "BUCKET_START_TIME",
        q.query_id AS "QUERY_ID",
        q.query_fingerprint AS "QUERY_FINGERPRINT",
        q.query_count AS "QUERY_COUNT",
        q.session_id AS "SESSION_ID",
        q.start_time AS "QUERY_START_TIME",
        q.total_elapsed_time AS "QUERY_DURATION",
        q.query_text AS "QUERY_TEXT",
        q.query_type AS "QUERY_TYPE",
        q.database_name AS "DEFAULT_DB",
        q.schema_name AS "DEFAULT_SCHEMA",
        q.rows_inserted AS "ROWS_INSERTED",
        q.rows_updated AS "ROWS_UPDATED",
        q.rows_deleted AS "ROWS_DELETED",
        q.user_name AS "USER_NAME",
        q.role_name AS "ROLE_NAME",
        a.direct_objects_accessed AS "DIRECT_OBJECTS_ACCESSED",
        a.objects_modified AS "OBJECTS_MODIFIED",
    FROM deduplicated_queries q
    JOIN filtered_access_history a USING (query_id)
)
SELECT * FROM query_access_history
`))

type enrichedAuditLogParams struct {
	StartMillis int64
	EndMillis   int64
	Bucket      core.BucketDuration
	UsersFilter string
	Domains     string
	MaxTables   int
}

// BuildEnrichedAuditLogQuery renders the audit-history SQL for window.
// Users in denyUsernames are excluded case-insensitively from both the
// query-history and access-history scans. The window is validated before any
// SQL is produced.
func BuildEnrichedAuditLogQuery(window core.TimeWindow, denyUsernames []string) (string, error) {
	if err := window.Validate(); err != nil {
		return "", err
	}

	params := enrichedAuditLogParams{
		StartMillis: window.StartTime.UnixMilli(),
		EndMillis:   window.EndTime.UnixMilli(),
		Bucket:      window.BucketDuration,
		UsersFilter: usersFilter(denyUsernames),
		Domains:     sqlStringList(TableViewDomains),
		MaxTables:   MaxTablesPerQuery,
	}

	var sb strings.Builder
	if err := enrichedAuditLogTemplate.Execute(&sb, params); err != nil {
		return "", fmt.Errorf("failed to render audit log query: %w", err)
	}
	return sb.String(), nil
}

// usersFilter returns the user denylist predicate, or TRUE when empty.
func usersFilter(denyUsernames []string) string {
	names := make([]string, 0, len(denyUsernames))
	for _, u := range denyUsernames {
		if u = strings.TrimSpace(u); u != "" {
			names = append(names, strings.ToUpper(u))
		}
	}
	if len(names) == 0 {
		return "TRUE"
	}
	return "UPPER(user_name) NOT IN " + sqlStringList(names)
}

// sqlStringList renders values as a parenthesized list of SQL string literals.
func sqlStringList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}
