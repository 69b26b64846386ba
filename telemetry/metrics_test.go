package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp)
	require.NoError(t, err)
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/dist/index.json", nil)
	r = InjectTags(r)
	SetRoute(r, "dist")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "release_edge_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "route", "dist"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "release_edge_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "release_edge_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/docs/latest/api/", nil)
	r = InjectTags(r)
	SetRoute(r, "docs")
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "listing")

	RecordHTTP(context.Background(), r, http.StatusOK, 4096, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "release_edge_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "route", "docs"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "listing"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "miss"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "release_edge_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "route", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))

	require.Empty(t, findCounter(rm, "release_edge_http_requests_by_endpoint_total"))
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBackendOp(context.Background(), "s3", "get_file", "success", 5*time.Millisecond, 512)
	RecordBackendOp(context.Background(), "s3", "head_file", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "release_edge_backend_requests_total")
	require.Len(t, dps, 2)

	bytesDps := findCounter(rm, "release_edge_backend_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 512, bytesDps[0].Value)
	require.True(t, hasAttr(bytesDps[0].Attributes, "op", "get_file"))
}

func TestRecordCacheAndStorageCounters(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheLookup(ctx, "edge", CacheHit)
	RecordCacheLookup(ctx, "edge", CacheHit)
	RecordCacheStore(ctx, "edge", "too_large")
	RecordCachePurge(ctx, 4)
	RecordRetry(ctx, "read_directory")
	RecordFailover(ctx, "read_directory")
	RecordError(ctx, "read_directory")

	rm := collectMetrics(t, reader)

	lookups := findCounter(rm, "release_edge_cache_lookups_total")
	require.Len(t, lookups, 1)
	require.EqualValues(t, 2, lookups[0].Value)
	require.True(t, hasAttr(lookups[0].Attributes, "result", "hit"))

	stores := findCounter(rm, "release_edge_cache_stores_total")
	require.Len(t, stores, 1)
	require.True(t, hasAttr(stores[0].Attributes, "outcome", "too_large"))

	purges := findCounter(rm, "release_edge_cache_purges_total")
	require.Len(t, purges, 1)
	require.EqualValues(t, 4, purges[0].Value)

	for _, name := range []string{
		"release_edge_storage_retries_total",
		"release_edge_storage_failovers_total",
		"release_edge_errors_total",
	} {
		dps := findCounter(rm, name)
		require.Len(t, dps, 1, name)
		require.True(t, hasAttr(dps[0].Attributes, "op", "read_directory"), name)
	}
}

func TestRecorders_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))

	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordBackendOp(ctx, "s3", "get_file", "success", time.Millisecond, 1)
	RecordCacheLookup(ctx, "edge", CacheMiss)
	RecordCacheStore(ctx, "edge", "stored")
	RecordCachePurge(ctx, 1)
	RecordRetry(ctx, "get_file")
	RecordFailover(ctx, "get_file")
	RecordError(ctx, "get_file")
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_edge/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{206, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{404, "4xx"},
		{416, "4xx"},
		{500, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
