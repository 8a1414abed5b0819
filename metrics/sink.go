package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

var (
	operationLabels        = []string{"operation", "outcome", "kind", "mode"}
	operationLatencyLabels = []string{"operation", "mode"}
	operationBytesLabels   = []string{"operation", "direction"}
)

// PrometheusSink records operation events as prometheus metrics.
type PrometheusSink struct {
	counts    *prometheus.CounterVec
	latencies *prometheus.HistogramVec
	bytes     *prometheus.CounterVec
}

// NewPrometheusSink registers (once) and returns the operation metrics for namespace.
func NewPrometheusSink(namespace string) *PrometheusSink {
	return &PrometheusSink{
		counts: registerOnce(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "How many enclave operations were performed, partitioned by operation, outcome, error kind and mode.",
			},
			operationLabels,
		)).(*prometheus.CounterVec),
		latencies: registerOnce(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "How long enclave operations take, partitioned by operation and mode.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			operationLatencyLabels,
		)).(*prometheus.HistogramVec),
		bytes: registerOnce(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_bytes_total",
				Help:      "Bytes crossing the enclave boundary, partitioned by operation and direction.",
			},
			operationBytesLabels,
		)).(*prometheus.CounterVec),
	}
}

func (s *PrometheusSink) Observe(ev interfaces.Event) {
	s.counts.WithLabelValues(ev.Operation, string(ev.Outcome), string(ev.Kind), string(ev.Mode)).Inc()
	s.latencies.WithLabelValues(ev.Operation, string(ev.Mode)).Observe(ev.Duration.Seconds())
	if ev.BytesIn > 0 {
		s.bytes.WithLabelValues(ev.Operation, "in").Add(float64(ev.BytesIn))
	}
	if ev.BytesOut > 0 {
		s.bytes.WithLabelValues(ev.Operation, "out").Add(float64(ev.BytesOut))
	}
}

// LogSink writes every event as a debug record, failures at warn.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: common.LoggerOrDiscard(log)}
}

func (s *LogSink) Observe(ev interfaces.Event) {
	attrs := []any{
		slog.String("operation", ev.Operation),
		slog.Duration("duration", ev.Duration),
		slog.String("outcome", string(ev.Outcome)),
		slog.String("mode", string(ev.Mode)),
		slog.Int("bytesIn", ev.BytesIn),
		slog.Int("bytesOut", ev.BytesOut),
	}
	if ev.Outcome == interfaces.OutcomeFailure {
		s.log.Warn("Enclave operation failed", append(attrs, slog.String("kind", string(ev.Kind)))...)
		return
	}
	s.log.Debug("Enclave operation completed", attrs...)
}

// MultiSink fans an event out to every sink.
type MultiSink []interfaces.Sink

func (m MultiSink) Observe(ev interfaces.Event) {
	for _, s := range m {
		if s != nil {
			s.Observe(ev)
		}
	}
}

// NopSink drops events.
type NopSink struct{}

func (NopSink) Observe(interfaces.Event) {}
