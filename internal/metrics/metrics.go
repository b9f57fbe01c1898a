// Package metrics defines custom Prometheus metrics for FileGate.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for upload/download size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filegate_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// BytesReceivedTotal counts request body bytes accepted by the gateway.
	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filegate_bytes_received_total",
			Help: "Request body bytes received",
		},
	)

	// BytesSentTotal counts response body bytes served by the gateway.
	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filegate_bytes_sent_total",
			Help: "Response body bytes sent",
		},
	)
)

// NormalizePath collapses per-resource path segments to route templates so
// metric label cardinality stays bounded.
func NormalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		return path
	}
	switch parts[1] {
	case "namespaces":
		switch {
		case len(parts) == 2:
			return "/v1/namespaces"
		case len(parts) == 3:
			return "/v1/namespaces/{namespace}"
		case len(parts) == 4 && parts[3] == "files":
			return "/v1/namespaces/{namespace}/files"
		case len(parts) >= 5 && parts[3] == "files":
			p := "/v1/namespaces/{namespace}/files/{id}"
			if len(parts) == 6 && parts[5] == "meta" {
				p += "/meta"
			}
			return p
		}
	case "uploads":
		if len(parts) == 3 && parts[2] == "resumable" {
			return "/v1/uploads/resumable"
		}
	}
	return path
}

// Upload pipeline metrics.
var (
	// UploadsTotal counts completed uploads by terminal status (ok, skipped, error).
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_uploads_total",
			Help: "Completed uploads by terminal status",
		},
		[]string{"status"},
	)

	// DedupHitsTotal counts uploads resolved without a new physical blob,
	// split by path: "skip" (md5 known up front) or "reconcile" (duplicate
	// detected after the bytes were written).
	DedupHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_dedup_hits_total",
			Help: "Uploads deduplicated against an existing blob",
		},
		[]string{"path"},
	)

	// UploadBytes observes the size of physically written uploads.
	UploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filegate_upload_bytes",
			Help:    "Size of physically written uploads in bytes",
			Buckets: sizeBuckets,
		},
	)

	// BlobsDeletedTotal counts physical blobs removed when the last file
	// reference was dropped.
	BlobsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filegate_blobs_deleted_total",
			Help: "Physical blobs deleted after the last reference was removed",
		},
	)
)

// Resumable engine metrics.
var (
	// ResumableSessionsActive tracks currently open resumable sessions.
	ResumableSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "filegate_resumable_sessions_active",
			Help: "Currently open resumable upload sessions",
		},
	)

	// ResumableChunksTotal counts accepted chunk writes.
	ResumableChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filegate_resumable_chunks_total",
			Help: "Accepted resumable chunk writes",
		},
	)

	// ResumableSessionsReaped counts sessions evicted by the GC sweep.
	ResumableSessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filegate_resumable_sessions_reaped_total",
			Help: "Resumable sessions evicted by the inactivity sweep",
		},
	)
)

// Register registers all FileGate metrics with the default Prometheus
// registry. Safe to call multiple times.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			BytesReceivedTotal,
			BytesSentTotal,
			UploadsTotal,
			DedupHitsTotal,
			UploadBytes,
			BlobsDeletedTotal,
			ResumableSessionsActive,
			ResumableChunksTotal,
			ResumableSessionsReaped,
		)
	})
}
