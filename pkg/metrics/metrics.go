package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AnnotateRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_annotate_requests_total",
			Help: "Annotate calls by model selector and outcome",
		},
		[]string{"model", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detector_stage_duration_seconds",
			Help:    "Time spent in each annotate stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	DetectionsReturned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_detections_total",
			Help: "Detections drawn onto output images",
		},
		[]string{"model"},
	)

	ModelLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_model_loads_total",
			Help: "Model load attempts by selector and result",
		},
		[]string{"model", "result"},
	)

	LoadedModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "detector_loaded_models",
			Help: "Backends currently held by the model registry",
		},
	)
)

func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
