package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	depot "github.com/wolfeidau/artifact-depot"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
)

const (
	meterName = "github.com/wolfeidau/artifact-depot"
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

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	metadataCacheTotal      metric.Int64Counter

	// Usage metrics pipeline
	queryEventsTotal      metric.Int64Counter
	metricsPersistedTotal metric.Int64Counter
	metricsPendingEvents  metric.Int64Gauge
	consolidatedTotal     metric.Int64Counter
	sweepCoordinatesTotal metric.Int64Counter
	sweepDuration         metric.Float64Histogram
	sweepAbandonedTotal   metric.Int64Counter
	jobRunsTotal          metric.Int64Counter
	jobDuration           metric.Float64Histogram

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
		cfg.ServiceName = "artifact-depot"
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

	if m.requestsTotal, err = meter.Int64Counter(
		"artifact_depot_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"artifact_depot_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"artifact_depot_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"artifact_depot_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"artifact_depot_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of artifact repository requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"artifact_depot_upstream_fetch_total",
		metric.WithDescription("Total number of artifact repository requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"artifact_depot_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from the artifact repository"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.metadataCacheTotal, err = meter.Int64Counter(
		"artifact_depot_metadata_cache_total",
		metric.WithDescription("Repository metadata cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.queryEventsTotal, err = meter.Int64Counter(
		"artifact_depot_query_events_total",
		metric.WithDescription("Query events offered to the registry by result"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if m.metricsPersistedTotal, err = meter.Int64Counter(
		"artifact_depot_metrics_persisted_total",
		metric.WithDescription("Query events drained from the registry into the store"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if m.metricsPendingEvents, err = meter.Int64Gauge(
		"artifact_depot_metrics_pending_events",
		metric.WithDescription("Query events waiting in the registry after a drain"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if m.consolidatedTotal, err = meter.Int64Counter(
		"artifact_depot_metrics_consolidated_total",
		metric.WithDescription("Redundant metric records removed by consolidation"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if m.sweepCoordinatesTotal, err = meter.Int64Counter(
		"artifact_depot_sweep_coordinates_total",
		metric.WithDescription("Coordinates processed by batch operations by outcome"),
		metric.WithUnit("{coordinate}"),
	); err != nil {
		return nil, err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"artifact_depot_sweep_duration_seconds",
		metric.WithDescription("Duration of batch operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300),
	); err != nil {
		return nil, err
	}

	if m.sweepAbandonedTotal, err = meter.Int64Counter(
		"artifact_depot_sweep_abandoned_total",
		metric.WithDescription("Coordinates never started because a batch operation was canceled"),
		metric.WithUnit("{coordinate}"),
	); err != nil {
		return nil, err
	}

	if m.jobRunsTotal, err = meter.Int64Counter(
		"artifact_depot_job_runs_total",
		metric.WithDescription("Scheduled job runs by result"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}

	if m.jobDuration, err = meter.Float64Histogram(
		"artifact_depot_job_duration_seconds",
		metric.WithDescription("Duration of scheduled job runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900),
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
// Operation and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	operation := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Operation != "" {
			operation = tags.Operation
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {operation, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("operation", operation),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordUpstreamFetch records an artifact repository request.
func RecordUpstreamFetch(ctx context.Context, repository string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("repository", repository),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordMetadataCache records a repository metadata cache lookup.
func RecordMetadataCache(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.metadataCacheTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordQueryEvent records a query event offered to the registry.
// recorded is false when the registry dropped the event.
func RecordQueryEvent(ctx context.Context, recorded bool) {
	if globalMetrics == nil {
		return
	}
	result := "recorded"
	if !recorded {
		result = "dropped"
	}
	globalMetrics.queryEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordMetricsPersisted records one registry drain.
func RecordMetricsPersisted(ctx context.Context, persisted, pending int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.metricsPersistedTotal.Add(ctx, int64(persisted))
	globalMetrics.metricsPendingEvents.Record(ctx, int64(pending))
}

// RecordConsolidation records the redundant records removed for one coordinate.
func RecordConsolidation(ctx context.Context, deleted int) {
	if globalMetrics == nil || deleted <= 0 {
		return
	}
	globalMetrics.consolidatedTotal.Add(ctx, int64(deleted))
}

// RecordSweep records the per-outcome totals and duration of a batch operation.
func RecordSweep(ctx context.Context, resp *depot.MetadataEventResponse, duration time.Duration) {
	if globalMetrics == nil || resp == nil {
		return
	}

	op := attribute.String("operation", resp.Operation)
	counts := make(map[depot.Outcome]int64)
	for _, o := range resp.Outcomes {
		counts[o.Outcome]++
	}
	for outcome, n := range counts {
		globalMetrics.sweepCoordinatesTotal.Add(ctx, n, metric.WithAttributes(op, attribute.String("outcome", string(outcome))))
	}
	if resp.Abandoned > 0 {
		globalMetrics.sweepAbandonedTotal.Add(ctx, int64(resp.Abandoned), metric.WithAttributes(op))
	}
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(op))
}

// RecordJobRun records one scheduled job run.
func RecordJobRun(ctx context.Context, job string, err error, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = depot.ErrorKind(err)
	}
	attrs := metric.WithAttributes(attribute.String("job", job), attribute.String("result", result))
	globalMetrics.jobRunsTotal.Add(ctx, 1, attrs)
	globalMetrics.jobDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("job", job)))
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
