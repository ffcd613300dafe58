package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/entry-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	// Entry open protocol
	opensTotal      metric.Int64Counter
	openDuration    metric.Float64Histogram
	admissionsTotal metric.Int64Counter
	parkedTotal     metric.Int64Counter
	commitSize      metric.Float64Histogram
	fetchesTotal    metric.Int64Counter

	// Administrative operations
	evictionsTotal       metric.Int64Counter
	evictedEntriesTotal  metric.Int64Counter
	evictionDuration     metric.Float64Histogram
	visitsTotal          metric.Int64Counter
	tierFailuresTotal    metric.Int64Counter
	clientRequestsTotal  metric.Int64Counter
	clientRequestLatency metric.Float64Histogram
	clientBytesTotal     metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "entry-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	latencyBuckets := metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5)

	if m.requestsTotal, err = meter.Int64Counter(
		"entry_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"entry_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"entry_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"entry_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.opensTotal, err = meter.Int64Counter(
		"entry_cache_opens_total",
		metric.WithDescription("Total completed entry opens by status"),
		metric.WithUnit("{open}"),
	); err != nil {
		return nil, err
	}

	if m.openDuration, err = meter.Float64Histogram(
		"entry_cache_open_duration_seconds",
		metric.WithDescription("Time from open request to completion, including time parked behind a writer"),
		metric.WithUnit("s"),
		latencyBuckets,
	); err != nil {
		return nil, err
	}

	if m.admissionsTotal, err = meter.Int64Counter(
		"entry_cache_admission_checks_total",
		metric.WithDescription("Total admission check results"),
		metric.WithUnit("{check}"),
	); err != nil {
		return nil, err
	}

	if m.parkedTotal, err = meter.Int64Counter(
		"entry_cache_opens_parked_total",
		metric.WithDescription("Total opens parked behind an active writer"),
		metric.WithUnit("{open}"),
	); err != nil {
		return nil, err
	}

	if m.commitSize, err = meter.Float64Histogram(
		"entry_cache_commit_size_bytes",
		metric.WithDescription("Size of committed entry payloads"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864),
	); err != nil {
		return nil, err
	}

	if m.fetchesTotal, err = meter.Int64Counter(
		"entry_cache_entry_fetches_total",
		metric.WithDescription("Total committed payload reads"),
		metric.WithUnit("{read}"),
	); err != nil {
		return nil, err
	}

	if m.evictionsTotal, err = meter.Int64Counter(
		"entry_cache_evictions_total",
		metric.WithDescription("Total evict-all operations"),
		metric.WithUnit("{eviction}"),
	); err != nil {
		return nil, err
	}

	if m.evictedEntriesTotal, err = meter.Int64Counter(
		"entry_cache_evicted_entries_total",
		metric.WithDescription("Total entries removed by evict-all operations"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.evictionDuration, err = meter.Float64Histogram(
		"entry_cache_eviction_duration_seconds",
		metric.WithDescription("Duration of evict-all sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.visitsTotal, err = meter.Int64Counter(
		"entry_cache_visits_total",
		metric.WithDescription("Total storage visits"),
		metric.WithUnit("{visit}"),
	); err != nil {
		return nil, err
	}

	if m.tierFailuresTotal, err = meter.Int64Counter(
		"entry_cache_tier_failures_total",
		metric.WithDescription("Total times a storage tier was marked failed"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, err
	}

	if m.clientRequestsTotal, err = meter.Int64Counter(
		"entry_cache_client_requests_total",
		metric.WithDescription("Total admin API requests made by the CLI client"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.clientRequestLatency, err = meter.Float64Histogram(
		"entry_cache_client_request_duration_seconds",
		metric.WithDescription("Duration of admin API requests made by the CLI client"),
		metric.WithUnit("s"),
		latencyBuckets,
	); err != nil {
		return nil, err
	}

	if m.clientBytesTotal, err = meter.Int64Counter(
		"entry_cache_client_bytes_total",
		metric.WithDescription("Total response bytes read by the CLI client"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"entry_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		latencyBuckets,
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"entry_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"entry_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Tier and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	tier := "none"
	cacheResult := string(CacheNA)
	endpoint := ""
	if tags != nil {
		if tags.Tier != "" {
			tier = tags.Tier
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {tier, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("tier", tier),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("tier", tier),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordOpen records a completed open. status is the lower-case status name.
func RecordOpen(ctx context.Context, tier, status string, isNew bool, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
		attribute.String("status", status),
	}
	globalMetrics.openDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	attrs = append(attrs, attribute.String("is_new", strconv.FormatBool(isNew)))
	globalMetrics.opensTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAdmission records one admission check result
// ("wanted", "not_wanted" or "recheck").
func RecordAdmission(ctx context.Context, tier, result string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
		attribute.String("result", result),
	}
	globalMetrics.admissionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordParked records an open parked behind a writer. reason is
// "writer_active" or "recheck".
func RecordParked(ctx context.Context, tier, reason string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
		attribute.String("reason", reason),
	}
	globalMetrics.parkedTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCommit records a committed payload size.
func RecordCommit(ctx context.Context, tier string, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.commitSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordFetch records one committed payload read.
func RecordFetch(ctx context.Context, tier string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.fetchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordEviction records one evict-all sweep.
func RecordEviction(ctx context.Context, tier, outcome string, removed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("outcome", outcome),
	)
	globalMetrics.evictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.evictedEntriesTotal.Add(ctx, int64(removed), attrs)
	globalMetrics.evictionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordVisit records one visit. mode is "aggregate" or "entries".
func RecordVisit(ctx context.Context, tier, mode string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
		attribute.String("mode", mode),
	}
	globalMetrics.visitsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTierFailure records a tier entering the failed state.
func RecordTierFailure(ctx context.Context, tier string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.tierFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordClientRequest records an admin API call made by the CLI client.
func RecordClientRequest(ctx context.Context, call ClientRequest) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("command", call.Command),
		attribute.String("tier", call.Tier),
		attribute.String("cache_status", call.CacheStatus),
	)
	globalMetrics.clientRequestLatency.Record(ctx, call.Duration.Seconds(), attrs)
	globalMetrics.clientRequestsTotal.Add(ctx, 1, attrs)
	if call.BytesRead > 0 {
		globalMetrics.clientBytesTotal.Add(ctx, call.BytesRead, attrs)
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
