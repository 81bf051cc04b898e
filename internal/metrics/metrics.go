package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ValidationsTotal counts image validations by outcome
	// (ok, crc32, fs_len, fs_crc32, sha256, too_small)
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rasfw_validations_total",
			Help: "Total number of firmware image validations",
		},
		[]string{"result"},
	)

	// BuildsTotal counts image builds by outcome
	BuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rasfw_builds_total",
			Help: "Total number of firmware images built",
		},
		[]string{"result"},
	)

	// ExtractionsTotal counts kernel/rootfs extractions by outcome
	ExtractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rasfw_extractions_total",
			Help: "Total number of firmware images split into kernel and rootfs",
		},
		[]string{"result"},
	)

	// ImageBytes observes the size of processed images
	ImageBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rasfw_image_bytes",
			Help:    "Size of processed firmware images in bytes",
			Buckets: prometheus.ExponentialBuckets(1024*1024, 2, 8), // 1MB to 128MB
		},
		[]string{"operation"},
	)

	// CatalogRecords gauge for catalog size
	CatalogRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rasfw_catalog_records",
			Help: "Number of images recorded in the catalog",
		},
	)

	// RateLimitRejections counts HTTP requests rejected by rate limiting
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rasfw_rate_limit_rejections_total",
			Help: "Total number of API requests rejected due to rate limiting",
		},
	)
)

// Outcome labels
const (
	ResultOK    = "ok"
	ResultError = "error"
)
