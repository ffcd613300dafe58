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

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
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

// findHistogram finds a histogram metric by name and returns its data points.
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

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/v1/storages/disk/entry?key=http://a/", nil)
	r = InjectTags(r)
	SetTier(r, "disk")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "entry_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "tier", "disk"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "entry_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "entry_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/v1/storages/memory/entries", nil)
	r = InjectTags(r)
	SetTier(r, "memory")
	SetEndpoint(r, "entries")

	RecordHTTP(context.Background(), r, http.StatusOK, 4096, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "entry_cache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "tier", "memory"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "entries"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	// Request without InjectTags simulates a request that bypasses middleware
	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "entry_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "tier", "none"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))

	require.Empty(t, findCounter(rm, "entry_cache_http_requests_by_endpoint_total"))
}

func TestRecordOpen(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordOpen(ctx, "disk", "ok", true, time.Millisecond)
	RecordOpen(ctx, "disk", "ok", true, time.Millisecond)
	RecordOpen(ctx, "disk", "not_found", false, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "entry_cache_opens_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "status", "ok"):
			require.EqualValues(t, 2, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "is_new", "true"))
		case hasAttr(dp.Attributes, "status", "not_found"):
			require.EqualValues(t, 1, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "is_new", "false"))
		default:
			t.Fatalf("unexpected data point %v", dp.Attributes)
		}
	}

	// Duration is not split by is_new.
	histDps := findHistogram(rm, "entry_cache_open_duration_seconds")
	require.Len(t, histDps, 2)
}

func TestRecordAdmissionAndParked(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordAdmission(ctx, "memory", "not_wanted")
	RecordParked(ctx, "memory", "writer_active")
	RecordParked(ctx, "memory", "writer_active")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "entry_cache_admission_checks_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "result", "not_wanted"))

	dps = findCounter(rm, "entry_cache_opens_parked_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 2, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "reason", "writer_active"))
}

func TestRecordEviction(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordEviction(context.Background(), "disk", "success", 3, 5*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "entry_cache_evictions_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)

	dps = findCounter(rm, "entry_cache_evicted_entries_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 3, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "tier", "disk"))
}

func TestRecordBackendOp_BytesOnlyWhenPositive(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordBackendOp(ctx, "disk", "read", "success", time.Millisecond, 10)
	RecordBackendOp(ctx, "disk", "exists", "success", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	require.Len(t, findCounter(rm, "entry_cache_backend_requests_total"), 2)
	bytesDps := findCounter(rm, "entry_cache_backend_bytes_total")
	require.Len(t, bytesDps, 1)
	require.True(t, hasAttr(bytesDps[0].Attributes, "op", "read"))
}

func TestRecordFunctions_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// None of these may panic when metrics are not initialised.
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordOpen(ctx, "disk", "ok", false, time.Millisecond)
	RecordAdmission(ctx, "disk", "wanted")
	RecordParked(ctx, "disk", "recheck")
	RecordCommit(ctx, "disk", 1)
	RecordFetch(ctx, "disk")
	RecordEviction(ctx, "disk", "success", 0, time.Millisecond)
	RecordVisit(ctx, "disk", "aggregate")
	RecordTierFailure(ctx, "disk")
	RecordClientRequest(ctx, ClientRequest{Command: "get", Tier: "disk", CacheStatus: ClientStatusOK, Duration: time.Millisecond, BytesRead: 1})
	RecordBackendOp(ctx, "disk", "read", "success", time.Millisecond, 1)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
