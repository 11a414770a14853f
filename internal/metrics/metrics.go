// Package metrics defines custom Prometheus metrics for the DICOM buffer.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dicombuffer_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dicombuffer_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dicombuffer_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Buffer metrics.
var (
	// ObjectsStoredTotal counts store calls by outcome (stored, already_present, failed).
	ObjectsStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dicombuffer_objects_stored_total",
			Help: "Store calls by outcome",
		},
		[]string{"outcome"},
	)

	// BytesStoredTotal counts bytes written to the shard tree.
	BytesStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dicombuffer_bytes_stored_total",
			Help: "Total bytes written to the shard tree",
		},
	)

	// PatientsByState reports buffered patients by export state.
	PatientsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dicombuffer_patients",
			Help: "Buffered patients by export state",
		},
		[]string{"state"},
	)

	// ShardsReclaimedTotal counts empty shard directories removed.
	ShardsReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dicombuffer_shards_reclaimed_total",
			Help: "Empty shard directories removed",
		},
	)
)

// Export metrics.
var (
	// TransfersTotal counts per-instance transfers by result (OK, RETRY, FAIL).
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dicombuffer_export_transfers_total",
			Help: "Instance transfers by result",
		},
		[]string{"result"},
	)

	// PatientsExportedTotal counts patient-level export outcomes.
	PatientsExportedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dicombuffer_export_patients_total",
			Help: "Patient exports by result",
		},
		[]string{"result"},
	)

	// ExportCycleDuration observes the duration of one export worker cycle.
	ExportCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dicombuffer_export_cycle_duration_seconds",
			Help:    "Duration of one export worker cycle",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			ObjectsStoredTotal,
			BytesStoredTotal,
			PatientsByState,
			ShardsReclaimedTotal,
			TransfersTotal,
			PatientsExportedTotal,
			ExportCycleDuration,
		)
		// Initialize the outcome series so they appear in /metrics output
		// before the first object arrives.
		for _, outcome := range []string{"stored", "already_present", "failed"} {
			ObjectsStoredTotal.WithLabelValues(outcome)
		}
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual object IDs.
func NormalizePath(path string) string {
	// Known fixed paths.
	switch path {
	case "/health":
		return "/health"
	case "/docs", "/docs/":
		return "/docs"
	case "/metrics":
		return "/metrics"
	case "/openapi.json":
		return "/openapi.json"
	case "/patients", "/status", "/export", "/reset":
		return path
	case "/", "":
		return "/"
	}

	// Starts with /docs (Stoplight Elements assets).
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/objects/") && len(path) > len("/objects/") {
		return "/objects/{objectID}"
	}
	return "/other"
}
