package overlay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only registered once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of overlay metrics.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for the overlay.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec   // blobmirror_overlay_operations_total{operation,status}
	OperationDuration *prometheus.HistogramVec // blobmirror_overlay_operation_duration_seconds{operation}

	PromotionsTotal prometheus.Counter // blobmirror_overlay_promotions_total
	PromotionBytes  prometheus.Counter // blobmirror_overlay_promotion_bytes_total

	MaskedReadsTotal  prometheus.Counter // blobmirror_overlay_masked_reads_total
	TombstonesCreated prometheus.Counter // blobmirror_overlay_tombstones_created_total
	TombstonesCleared prometheus.Counter // blobmirror_overlay_tombstones_cleared_total

	ListMergedEntries prometheus.Counter // blobmirror_overlay_list_merged_entries_total
	ListMaskedEntries prometheus.Counter // blobmirror_overlay_list_masked_entries_total
}

// InitMetrics initializes all overlay metrics. Metrics are only registered
// once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			OperationsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "blobmirror_overlay_operations_total",
				Help: "Total overlay operations by operation and status",
			}, []string{"operation", "status"}),

			OperationDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "blobmirror_overlay_operation_duration_seconds",
				Help:    "Overlay operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			PromotionsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobmirror_overlay_promotions_total",
				Help: "Total objects promoted from upstream to the local store",
			}),

			PromotionBytes: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobmirror_overlay_promotion_bytes_total",
				Help: "Total bytes copied from upstream during promotion",
			}),

			MaskedReadsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobmirror_overlay_masked_reads_total",
				Help: "Total reads answered not-found because of a tombstone",
			}),

			TombstonesCreated: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobmirror_overlay_tombstones_created_total",
				Help: "Total tombstones written by delete operations",
			}),

			TombstonesCleared: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobmirror_overlay_tombstones_cleared_total",
				Help: "Total tombstones cleared by subsequent writes",
			}),

			ListMergedEntries: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobmirror_overlay_list_merged_entries_total",
				Help: "Total entries returned by merged listings",
			}),

			ListMaskedEntries: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobmirror_overlay_list_masked_entries_total",
				Help: "Total entries hidden from listings by tombstones",
			}),
		}
	})
	return metricsInstance
}
