package identifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupQualifiedName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"DB.SCH.T", "DB.SCH.T"},
		{`"DB"."SCH"."T"`, "DB.SCH.T"},
		{`DB."my schema".T`, "DB.my schema.T"},
		{`"`, `"`},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanupQualifiedName(tt.input))
		})
	}
}

func TestResolver_DatasetURN(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		input    string
		expected string
	}{
		{
			name:     "lowercase default env",
			cfg:      Config{ConvertURNsToLowercase: true},
			input:    "DB.SCH.T",
			expected: "urn:li:dataset:(urn:li:dataPlatform:snowflake,db.sch.t,PROD)",
		},
		{
			name:     "case preserved",
			cfg:      Config{Env: "dev"},
			input:    `"DB"."SCH"."T"`,
			expected: "urn:li:dataset:(urn:li:dataPlatform:snowflake,DB.SCH.T,DEV)",
		},
		{
			name:     "platform instance prefix",
			cfg:      Config{PlatformInstance: "eu_account", ConvertURNsToLowercase: true},
			input:    "DB.SCH.T",
			expected: "urn:li:dataset:(urn:li:dataPlatform:snowflake,eu_account.db.sch.t,PROD)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.cfg)
			urn := r.DatasetURNFromQualifiedName(tt.input)
			assert.Equal(t, tt.expected, urn)
		})
	}
}

func TestResolver_ColumnIdentifier(t *testing.T) {
	assert.Equal(t, "amount", NewResolver(Config{ConvertURNsToLowercase: true}).ColumnIdentifier("AMOUNT"))
	assert.Equal(t, "AMOUNT", NewResolver(Config{}).ColumnIdentifier("AMOUNT"))
}

func TestUserURN(t *testing.T) {
	assert.Equal(t, "urn:li:corpuser:ANALYST", UserURN("ANALYST"))
}

func TestDatasetIDFromURN(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"urn:li:dataset:(urn:li:dataPlatform:snowflake,db.sch.t,PROD)", "db.sch.t"},
		{"urn:li:corpuser:bob", "urn:li:corpuser:bob"},
		{"urn:li:dataset:(broken)", "urn:li:dataset:(broken)"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, DatasetIDFromURN(tt.input))
		})
	}
}

func TestFilter_IsTempTable(t *testing.T) {
	f, err := NewFilter(nil, AllowAll())
	require.NoError(t, err)

	tests := []struct {
		name     string
		table    string
		expected bool
	}{
		{"dbt tmp", "analytics.marts.orders__dbt_tmp", true},
		{"fivetran staging", "raw.fivetran_salesforce_staging.account", true},
		{"segment uuid", "raw.segment_0a1b2c3d-1234-abcd-ef01-0123456789ab", true},
		{"regular table", "analytics.marts.orders", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, f.IsTempTable(tt.table))
		})
	}
}

func TestFilter_CustomTempPatterns(t *testing.T) {
	f, err := NewFilter([]string{`.*\.tmp_.*`}, AllowAll())
	require.NoError(t, err)

	assert.True(t, f.IsTempTable("db.sch.TMP_orders"))
	assert.False(t, f.IsTempTable("db.sch.orders__dbt_tmp"))
}

func TestFilter_IsAllowedTable(t *testing.T) {
	tests := []struct {
		name     string
		pattern  AllowDenyPattern
		table    string
		expected bool
	}{
		{"empty allows all", AllowDenyPattern{}, "db.sch.t", true},
		{"deny wins", AllowDenyPattern{Allow: []string{".*"}, Deny: []string{`db\.scratch\..*`}}, "DB.SCRATCH.T", false},
		{"allow restricts", AllowDenyPattern{Allow: []string{`analytics\..*`}}, "raw.sch.t", false},
		{"allow matches case-insensitively", AllowDenyPattern{Allow: []string{`analytics\..*`}}, "ANALYTICS.SCH.T", true},
		{"allow must match whole name", AllowDenyPattern{Allow: []string{`db\.sch\.t`}}, "db.sch.t_backup", false},
		{"allow exact name", AllowDenyPattern{Allow: []string{`db\.sch\.t`}}, "DB.SCH.T", true},
		{"deny must match whole name", AllowDenyPattern{Deny: []string{`db\.sch`}}, "db.sch.t", true},
		{"alternation is anchored", AllowDenyPattern{Allow: []string{`db\.a\..*|db\.b`}}, "db.b.t", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFilter([]string{}, tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, f.IsAllowedTable(tt.table))
		})
	}
}

func TestNewFilter_InvalidPattern(t *testing.T) {
	_, err := NewFilter([]string{"("}, AllowAll())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid temporary table pattern")

	_, err = NewFilter(nil, AllowDenyPattern{Deny: []string{"["}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid deny pattern")
}

func TestAllowDenyPattern_Key(t *testing.T) {
	assert.Equal(t, AllowAll().Key(), AllowDenyPattern{}.Key(), "empty allow is allow-all")
	assert.Equal(t,
		AllowDenyPattern{Deny: []string{"b", "a", "a"}}.Key(),
		AllowDenyPattern{Deny: []string{"a", "b"}}.Key(),
		"deny order and duplicates do not matter")
	assert.NotEqual(t, AllowAll().Key(), AllowDenyPattern{Deny: []string{`db\.sch\.src`}}.Key())
	assert.NotEqual(t, AllowDenyPattern{Allow: []string{"a"}}.Key(), AllowDenyPattern{Deny: []string{"a"}}.Key())
}

func TestConfig_Key(t *testing.T) {
	assert.Equal(t, Config{}.Key(), Config{Env: DefaultEnv}.Key(), "empty env is the default env")
	assert.NotEqual(t, Config{}.Key(), Config{ConvertURNsToLowercase: true}.Key())
	assert.NotEqual(t, Config{}.Key(), Config{PlatformInstance: "acct1"}.Key())
	assert.NotEqual(t, Config{}.Key(), Config{Env: "DEV"}.Key())
}
