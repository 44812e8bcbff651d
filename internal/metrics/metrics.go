package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StateOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "varstate_ops_total",
		Help: "Total number of state operations by variant and operation",
	}, []string{"kind", "op"})

	StatePreconditionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "varstate_precondition_failures_total",
		Help: "Total number of rejected state operations",
	}, []string{"op"})

	BufferBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "varstate_buffer_bytes",
		Help: "Bytes currently owned by state buffers",
	})

	CapacityElements = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "varstate_capacity_elements",
		Help: "Element capacity recorded for a state's internal buffers",
	}, []string{"state", "buffer"})

	Conversions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "varstate_conversions_total",
		Help: "How State() produced its result: view (zero-copy), convert (precision), reorder (layout), gather (KV beam rows) or dequantize (u8 KV)",
	}, []string{"path"})

	BeamTableRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "varstate_beam_table_rebuilds_total",
		Help: "Total number of beam table rebuilds",
	})

	QuantizeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "varstate_quantize_duration_seconds",
		Help:    "Time spent quantizing a KV state",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"mode"})

	DequantizeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "varstate_dequantize_duration_seconds",
		Help:    "Time spent dequantizing a KV state",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"mode"})

	DequantMaxAbsError = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "varstate_dequant_max_abs_error",
		Help:    "Maximum absolute error observed after a quantize/dequantize round trip",
		Buckets: []float64{0, 0.0001, 0.001, 0.01, 0.1, 1.0, 10.0},
	})

	SequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "varstate_sequence_length",
		Help:    "Distribution of KV state sequence lengths written",
		Buckets: []float64{1, 16, 64, 256, 1024, 4096, 16384},
	})
)

// RecordStateOp counts one operation on a state variant.
func RecordStateOp(kind, op string) {
	StateOps.WithLabelValues(kind, op).Inc()
}

func RecordPreconditionFailure(op string) {
	StatePreconditionFailures.WithLabelValues(op).Inc()
}

func RecordBufferBytes(bytes int64) {
	BufferBytes.Set(float64(bytes))
}

func RecordCapacity(state, buffer string, elements int) {
	CapacityElements.WithLabelValues(state, buffer).Set(float64(elements))
}

func RecordConversion(path string) {
	Conversions.WithLabelValues(path).Inc()
}

func RecordBeamTableRebuild() {
	BeamTableRebuilds.Inc()
}

func RecordQuantize(mode string, seqLen int, duration time.Duration) {
	QuantizeDuration.WithLabelValues(mode).Observe(duration.Seconds())
	SequenceLength.Observe(float64(seqLen))
}

func RecordDequantize(mode string, duration time.Duration) {
	DequantizeDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordDequantError(maxAbs float32) {
	DequantMaxAbsError.Observe(float64(maxAbs))
}
