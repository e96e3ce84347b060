package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ImagesEncoded counts images passed through the encoder, by set (db or query)
	ImagesEncoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vps_images_encoded_total",
			Help: "Total number of images encoded into descriptors",
		},
		[]string{"set"},
	)

	// BatchDuration measures decode, encode and aggregation of one batch
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vps_batch_duration_seconds",
			Help:    "Duration of one feature extraction batch in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// SearchDuration measures one index search over all queries
	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vps_search_duration_seconds",
			Help:    "Duration of nearest neighbor search in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// IndexedVectors tracks the database descriptors of the current index
	IndexedVectors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vps_indexed_vectors",
			Help: "Number of database descriptors in the index",
		},
	)

	// QueryAccuracy holds the accuracy of the last evaluation per dataset
	QueryAccuracy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vps_query_accuracy_ratio",
			Help: "Fraction of matched queries in the last evaluation",
		},
		[]string{"dataset"},
	)
)

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
