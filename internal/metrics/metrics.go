// Package metrics registers the gateway's Prometheus series and exposes
// small helpers so callers never touch the vectors directly.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingest front ends.
const (
	FrontEndSensor   = "sensor"
	FrontEndWearable = "wearable"
)

// Transfer outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

var (
	namespace = "pihub"

	connectedDevices = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "connected_devices",
			Help:      "Devices currently connected per front end",
		},
		[]string{"frontend"},
	)

	receivedFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Staged files completed per front end",
		},
		[]string{"frontend"},
	)

	receivedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "bytes_total",
			Help:      "Bytes written to staging per front end",
		},
		[]string{"frontend"},
	)

	rejectedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rejected_total",
			Help:      "Requests or connections refused, by reason",
		},
		[]string{"frontend", "reason"},
	)

	syncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Backend sync runs by outcome",
		},
		[]string{"backend", "outcome"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Wall time of backend sync runs",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"backend"},
	)

	uploadedFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "files_total",
			Help:      "Files handled by backends by outcome",
		},
		[]string{"backend", "outcome"},
	)

	retryPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "retry_pending_devices",
			Help:      "Devices with a scheduled session retry",
		},
	)

	stagedFolders = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "staging",
			Name:      "device_folders",
			Help:      "Device folders present per stage",
		},
		[]string{"stage"},
	)
)

// DeviceConnected adjusts the connected gauge by delta (+1 or -1).
func DeviceConnected(frontend string, delta float64) {
	connectedDevices.WithLabelValues(frontend).Add(delta)
}

// FileReceived records a completed staged file.
func FileReceived(frontend string, bytes int64) {
	receivedFiles.WithLabelValues(frontend).Inc()
	receivedBytes.WithLabelValues(frontend).Add(float64(bytes))
}

// Rejected records a refused request or connection.
func Rejected(frontend, reason string) {
	rejectedRequests.WithLabelValues(frontend, reason).Inc()
}

// SyncRun records one backend sync run.
func SyncRun(backend, outcome string, elapsed time.Duration) {
	syncRuns.WithLabelValues(backend, outcome).Inc()
	syncDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// FileTransferred records one file outcome inside a sync run.
func FileTransferred(backend, outcome string) {
	uploadedFiles.WithLabelValues(backend, outcome).Inc()
}

// SetRetryPending publishes how many devices await a retry.
func SetRetryPending(n int) {
	retryPending.Set(float64(n))
}

// SetStagedFolders publishes the device folder count of a stage.
func SetStagedFolders(stage string, n int) {
	stagedFolders.WithLabelValues(stage).Set(float64(n))
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
