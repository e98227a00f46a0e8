package duckdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/leapstack-labs/leapaudit/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapter_Connect(t *testing.T) {
	tests := []struct {
		name      string
		setupPath func(t *testing.T) string
		verify    func(t *testing.T, path string)
	}{
		{
			name: "in-memory",
			setupPath: func(_ *testing.T) string {
				return ":memory:"
			},
		},
		{
			name: "file-based",
			setupPath: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "lineage.duckdb")
			},
			verify: func(t *testing.T, path string) {
				_, err := os.Stat(path)
				assert.False(t, os.IsNotExist(err), "database file was not created")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			adp := New(nil)

			dbPath := tt.setupPath(t)
			require.NoError(t, adp.Connect(ctx, core.AdapterConfig{Path: dbPath}))
			defer func() { _ = adp.Close() }()

			if tt.verify != nil {
				tt.verify(t, dbPath)
			}
		})
	}
}

func TestAdapter_ConnectAppliesSettings(t *testing.T) {
	ctx := context.Background()
	adp := New(nil)

	require.NoError(t, adp.Connect(ctx, core.AdapterConfig{
		Path: ":memory:",
		Params: map[string]any{
			"settings": map[string]any{"threads": "2"},
		},
	}))
	defer func() { _ = adp.Close() }()

	rows, err := adp.Query(ctx, "SELECT current_setting('threads')")
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var threads int64
	require.True(t, rows.Next())
	require.NoError(t, rows.Scan(&threads))
	assert.Equal(t, int64(2), threads)
}

func TestAdapter_ConnectRejectsBadParams(t *testing.T) {
	adp := New(nil)
	err := adp.Connect(context.Background(), core.AdapterConfig{
		Path:   ":memory:",
		Params: map[string]any{"bogus": true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duckdb params")
	assert.False(t, adp.IsConnected())
}

func TestAdapter_NotConnected(t *testing.T) {
	tests := []struct {
		name      string
		operation func(ctx context.Context, adp *Adapter) error
	}{
		{
			name: "exec without connect",
			operation: func(ctx context.Context, adp *Adapter) error {
				return adp.Exec(ctx, "SELECT 1")
			},
		},
		{
			name: "query without connect",
			operation: func(ctx context.Context, adp *Adapter) error {
				_, err := adp.Query(ctx, "SELECT 1")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.operation(context.Background(), New(nil))
			assert.Error(t, err, "expected error when operating without connection")
		})
	}
}

func TestAdapter_ExecWithArgs(t *testing.T) {
	ctx := context.Background()
	adp := New(nil)
	require.NoError(t, adp.Connect(ctx, core.AdapterConfig{Path: ":memory:"}))
	defer func() { _ = adp.Close() }()

	require.NoError(t, adp.Exec(ctx, `CREATE TABLE lineage_edges (upstream_urn VARCHAR, downstream_urn VARCHAR)`))
	require.NoError(t, adp.Exec(ctx, `INSERT INTO lineage_edges VALUES (?, ?)`,
		"urn:li:dataset:(urn:li:dataPlatform:snowflake,db.s.a,PROD)",
		"urn:li:dataset:(urn:li:dataPlatform:snowflake,db.s.b,PROD)"))

	rows, err := adp.Query(ctx, `SELECT downstream_urn FROM lineage_edges`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var downstream string
	require.True(t, rows.Next())
	require.NoError(t, rows.Scan(&downstream))
	assert.Equal(t, "urn:li:dataset:(urn:li:dataPlatform:snowflake,db.s.b,PROD)", downstream)
}

func TestAdapter_Close(t *testing.T) {
	ctx := context.Background()

	adp := New(nil)
	assert.NoError(t, adp.Close())

	adp = New(nil)
	require.NoError(t, adp.Connect(ctx, core.AdapterConfig{Path: ":memory:"}))
	assert.NoError(t, adp.Close())
}
