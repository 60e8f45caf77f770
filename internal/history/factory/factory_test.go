package factory

import (
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/carte/internal/history/opensearch"
	"github.com/loykin/carte/internal/history/redis"
	"github.com/loykin/carte/internal/history/sqlite"
)

func TestFactoryDSNTypes(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"SQLite file DSN", "sqlite://" + filepath.Join(dir, "a.db"), false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"Bare path", filepath.Join(dir, "b.db"), false},
		{"OpenSearch DSN", "opensearch://localhost:9200/carte-logs", false},
		{"OpenSearch without host", "opensearch:///idx", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, sink)
			if closer, ok := sink.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		})
	}
}

func TestFactorySinkTypes(t *testing.T) {
	s, err := NewSinkFromDSN("sqlite://:memory:")
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Sink{}, s)

	s, err = NewSinkFromDSN("elasticsearch://localhost:9200")
	require.NoError(t, err)
	assert.IsType(t, &opensearch.Sink{}, s)

	mr := miniredis.RunT(t)
	s, err = NewSinkFromDSN("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	assert.IsType(t, &redis.Sink{}, s)
}

func TestClickHouseOptions(t *testing.T) {
	opts, err := clickHouseOptions("clickhouse://bob:secret@ch:9440?database=ops&table=events")
	require.NoError(t, err)
	assert.Equal(t, "ch:9440", opts.Addr)
	assert.Equal(t, "ops", opts.Database)
	assert.Equal(t, "events", opts.Table)
	assert.Equal(t, "bob", opts.Username)
	assert.Equal(t, "secret", opts.Password)

	opts, err = clickHouseOptions("clickhouse://")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", opts.Addr)
	assert.Empty(t, opts.Table)
}

func TestOpenSearchTarget(t *testing.T) {
	tests := []struct {
		dsn, base, index string
	}{
		{"opensearch://localhost:9200/process-logs", "http://localhost:9200", "process-logs"},
		{"opensearch://localhost:9200", "http://localhost:9200", ""},
		{"opensearch://search.example.com:443/logs?tls=true", "https://search.example.com:443", "logs"},
		{"elasticsearch://u:p@es:9200/events/", "http://u:p@es:9200", "events"},
	}
	for _, tt := range tests {
		base, index, err := openSearchTarget(tt.dsn)
		require.NoError(t, err, tt.dsn)
		assert.Equal(t, tt.base, base, tt.dsn)
		assert.Equal(t, tt.index, index, tt.dsn)
	}
}
