package backup

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics of the pipeline.
type Metrics struct {
	ImagesTotal     *prometheus.CounterVec
	ArtifactBytes   *prometheus.CounterVec
	CaptureDuration *prometheus.HistogramVec
}

// NewMetrics creates the pipeline metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ImagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "osbackup",
			Name:      "images_total",
			Help:      "Images processed, by result.",
		}, []string{"result"}),
		ArtifactBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "osbackup",
			Name:      "artifact_bytes_total",
			Help:      "Bytes written to partition artifacts, by capture method.",
		}, []string{"method"}),
		CaptureDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "osbackup",
			Name:      "capture_duration_seconds",
			Help:      "Time spent capturing one partition, by capture method.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"method"}),
	}
	for _, c := range []prometheus.Collector{m.ImagesTotal, m.ArtifactBytes, m.CaptureDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordImage counts one processed image.
func (m *Metrics) RecordImage(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ImagesTotal.WithLabelValues(result).Inc()
}

// RecordCapture records one produced artifact.
func (m *Metrics) RecordCapture(res CaptureResult) {
	if m == nil {
		return
	}
	m.ArtifactBytes.WithLabelValues(string(res.Method)).Add(float64(res.Size))
	m.CaptureDuration.WithLabelValues(string(res.Method)).Observe(res.Duration.Seconds())
}
