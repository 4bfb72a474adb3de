package filter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "facemask"

type metrics struct {
	reg        prometheus.Registerer
	collectors []prometheus.Collector

	captured   prometheus.Counter
	skipped    prometheus.Counter
	detections prometheus.Counter
	latency    prometheus.Histogram
	faces      prometheus.Gauge
	consumed   prometheus.Counter
	reused     prometheus.Counter
	maskLoads  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, instance string) *metrics {
	labels := prometheus.Labels{"instance": instance}
	m := &metrics{
		reg: reg,
		captured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "frames_captured_total",
			Help:        "Frames copied into the capture ring.",
			ConstLabels: labels,
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "frames_skipped_total",
			Help:        "Render cycles skipped because no usable frame was available.",
			ConstLabels: labels,
		}),
		detections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "detections_total",
			Help:        "Detection cycles published by the worker.",
			ConstLabels: labels,
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "detection_seconds",
			Help:        "Time spent in the detection engine per cycle.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.002, 2, 10),
		}),
		faces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "faces",
			Help:        "Faces in the most recently consumed result.",
			ConstLabels: labels,
		}),
		consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "results_consumed_total",
			Help:        "Ticks that picked up a newer detection result.",
			ConstLabels: labels,
		}),
		reused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "results_reused_total",
			Help:        "Ticks that kept the previous detection result.",
			ConstLabels: labels,
		}),
		maskLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "mask_loads_total",
			Help:        "Mask load attempts by kind and outcome.",
			ConstLabels: labels,
		}, []string{"kind", "result"}),
	}
	m.collectors = []prometheus.Collector{
		m.captured, m.skipped, m.detections, m.latency, m.faces, m.consumed, m.reused, m.maskLoads,
	}
	if reg != nil {
		reg.MustRegister(m.collectors...)
	}
	return m
}

func (m *metrics) observeDetection(d time.Duration) {
	m.detections.Inc()
	m.latency.Observe(d.Seconds())
}

func (m *metrics) observeMaskLoad(demo bool, err error) {
	kind := "mask"
	if demo {
		kind = "demo"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.maskLoads.WithLabelValues(kind, result).Inc()
}

func (m *metrics) unregister() {
	if m.reg == nil {
		return
	}
	for _, c := range m.collectors {
		m.reg.Unregister(c)
	}
}
