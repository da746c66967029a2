// Package metrics provides Prometheus metrics for the blobmesh directory.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all blobmesh metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler exposing Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// DirectoryMetrics holds all Prometheus metrics for a directory instance.
type DirectoryMetrics struct {
	// API metrics
	RequestsTotal   *prometheus.CounterVec   // blobmesh_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // blobmesh_request_duration_seconds{operation}

	// Volume calls
	VolumeDeletes *prometheus.CounterVec // blobmesh_volume_deletes_total{result}
	VolumeWrites  *prometheus.CounterVec // blobmesh_volume_writes_total{result}

	// Directory mutations
	Reconciles     *prometheus.CounterVec // blobmesh_reconciles_total{result}
	LockContention *prometheus.CounterVec // blobmesh_lock_contention_total{operation}

	// Maintenance
	RebuildFiles  *prometheus.CounterVec // blobmesh_rebuild_files_total{result}
	RebalanceKeys *prometheus.GaugeVec   // blobmesh_rebalance_keys{state}
}

// NewDirectoryMetrics registers the directory metrics with registry.
// A nil registry uses Registry.
func NewDirectoryMetrics(registry prometheus.Registerer) *DirectoryMetrics {
	if registry == nil {
		registry = Registry
	}
	return &DirectoryMetrics{
		RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_requests_total",
			Help: "Total directory API requests by operation and status",
		}, []string{"operation", "status"}),

		RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blobmesh_request_duration_seconds",
			Help:    "Directory API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		VolumeDeletes: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_volume_deletes_total",
			Help: "Remote volume deletes by result",
		}, []string{"result"}),

		VolumeWrites: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_volume_writes_total",
			Help: "Remote volume writes by result",
		}, []string{"result"}),

		Reconciles: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_reconciles_total",
			Help: "Replica set reconciliations by result",
		}, []string{"result"}),

		LockContention: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_lock_contention_total",
			Help: "Mutations refused because the key was locked",
		}, []string{"operation"}),

		RebuildFiles: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_rebuild_files_total",
			Help: "Volume files processed by rebuild, by result",
		}, []string{"result"}),

		RebalanceKeys: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "blobmesh_rebalance_keys",
			Help: "Keys found by the last rebalance scan, by state",
		}, []string{"state"}),
	}
}

// RecordRequest records an API request.
func (m *DirectoryMetrics) RecordRequest(operation, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordVolumeDelete records the result of one remote delete.
func (m *DirectoryMetrics) RecordVolumeDelete(err error) {
	if m == nil {
		return
	}
	m.VolumeDeletes.WithLabelValues(result(err)).Inc()
}

// RecordVolumeWrite records the result of one remote write.
func (m *DirectoryMetrics) RecordVolumeWrite(err error) {
	if m == nil {
		return
	}
	m.VolumeWrites.WithLabelValues(result(err)).Inc()
}

// RecordReconcile records a reconciliation outcome ("success", "busy", "error").
func (m *DirectoryMetrics) RecordReconcile(outcome string) {
	if m == nil {
		return
	}
	m.Reconciles.WithLabelValues(outcome).Inc()
}

// RecordLockContention records a refused lock for operation.
func (m *DirectoryMetrics) RecordLockContention(operation string) {
	if m == nil {
		return
	}
	m.LockContention.WithLabelValues(operation).Inc()
}

// RecordRebuildFile records a file seen by rebuild ("reconciled", "skipped", "error").
func (m *DirectoryMetrics) RecordRebuildFile(outcome string) {
	if m == nil {
		return
	}
	m.RebuildFiles.WithLabelValues(outcome).Inc()
}

// SetRebalanceKeys publishes the result of a rebalance scan.
func (m *DirectoryMetrics) SetRebalanceKeys(total, drifted, softDeleted int) {
	if m == nil {
		return
	}
	m.RebalanceKeys.WithLabelValues("total").Set(float64(total))
	m.RebalanceKeys.WithLabelValues("drifted").Set(float64(drifted))
	m.RebalanceKeys.WithLabelValues("soft_deleted").Set(float64(softDeleted))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
