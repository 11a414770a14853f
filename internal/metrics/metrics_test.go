package metrics

import (
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},
		{"/patients", "/patients"},
		{"/status", "/status"},
		{"/export", "/export"},
		{"/reset", "/reset"},
		{"/objects/1.2.840.113619.2.55", "/objects/{objectID}"},
		{"/objects/", "/other"},
		{"/random/path", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	// Second call is a no-op.
	Register()

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPRequestSize.WithLabelValues("PUT", "/objects/{objectID}").Observe(1024)
	ObjectsStoredTotal.WithLabelValues("stored").Inc()
	BytesStoredTotal.Add(2048)
	PatientsByState.WithLabelValues("NONE").Set(3)
	ShardsReclaimedTotal.Add(2)
	TransfersTotal.WithLabelValues("OK").Inc()
	PatientsExportedTotal.WithLabelValues("RETRY").Inc()
	ExportCycleDuration.Observe(0.5)
}
