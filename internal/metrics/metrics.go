// Package metrics holds the Prometheus collectors of the session service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SaveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sessionstate_save_duration_seconds",
		Help:    "Time to serialize and write a snapshot",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"mode", "status"})

	LoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sessionstate_load_duration_seconds",
		Help:    "Time to load a snapshot",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status"})

	DeferredSaves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionstate_deferred_saves_total",
		Help: "Save requests coalesced while saving was suspended",
	})

	CleanupBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionstate_cleanup_bytes_total",
		Help: "Bytes moved to dead or deleted by cleanup",
	}, []string{"operation"})

	ArchiveBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessionstate_archive_size_bytes",
		Help: "Size of the most recent archive in bytes",
	})

	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionstate_operations_total",
		Help: "Lifecycle operations by type and status",
	}, []string{"operation", "status"})
)

// Status is the label value for an operation outcome.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveSave records one save attempt.
func ObserveSave(mode string, start time.Time, err error) {
	SaveDuration.WithLabelValues(mode, Status(err)).Observe(time.Since(start).Seconds())
	OperationsTotal.WithLabelValues("save", Status(err)).Inc()
}

func ObserveLoad(start time.Time, err error) {
	LoadDuration.WithLabelValues(Status(err)).Observe(time.Since(start).Seconds())
	OperationsTotal.WithLabelValues("load", Status(err)).Inc()
}

// Operation counts any other lifecycle operation.
func Operation(name string, err error) {
	OperationsTotal.WithLabelValues(name, Status(err)).Inc()
}
