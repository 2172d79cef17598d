// Package metrics is the scrape-format sink described in spec.md §6. It
// follows the metric-vector style of
// ethpandaops-lab-backend's internal/middleware/metrics.go —
// CounterVec/HistogramVec/GaugeVec with the same label-and-observe shape —
// but owns its own *prometheus.Registry built by an explicit constructor
// instead of registering into prometheus's global DefaultRegisterer from an
// init() func, per spec.md §9 ("do not let metric registration be a side
// effect of import/load"). cmd/ingest constructs the Sink at startup and
// passes it to the components; the Sink has no teardown method.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the fire-and-forget counter/gauge/histogram recorder every
// component writes through. Counters are lock-free; histogram Observe calls
// may lock briefly, per spec.md §5.
type Sink struct {
	registry *prometheus.Registry

	recordsConsumed  prometheus.Counter
	batchesWritten   prometheus.Counter
	batchSize        prometheus.Histogram
	writeLatency     prometheus.Histogram
	breakerState     prometheus.Gauge
	pollTimeout      prometheus.Gauge
	maxBatch         prometheus.Gauge
	poisonRecords    *prometheus.CounterVec
	commitFailures   prometheus.Counter
}

// New constructs a Sink with its own registry and registers every metric
// into it. Called once, from cmd/ingest, during startup.
func New() *Sink {
	s := &Sink{
		registry: prometheus.NewRegistry(),

		recordsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candle_ingest_records_consumed_total",
			Help: "Total records delivered by the broker to the Batcher.",
		}),
		batchesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candle_ingest_batches_written_total",
			Help: "Total batches successfully upserted into the store.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candle_ingest_batch_size",
			Help:    "Candle count of each batch submitted to the Writer.",
			Buckets: prometheus.ExponentialBuckets(8, 2, 10),
		}),
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candle_ingest_write_latency_seconds",
			Help:    "Latency from batch-sealed-at to commit-returned.",
			Buckets: prometheus.DefBuckets,
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candle_ingest_breaker_state",
			Help: "Circuit breaker state: 0=CLOSED, 1=OPEN, 2=HALF_OPEN.",
		}),
		pollTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candle_ingest_poll_timeout_seconds",
			Help: "Current Adaptive Controller poll_timeout.",
		}),
		maxBatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candle_ingest_max_batch",
			Help: "Current Adaptive Controller max_batch.",
		}),
		poisonRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_ingest_poison_records_total",
			Help: "Records excluded from a batch by validation, by reason.",
		}, []string{"reason"}),
		commitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candle_ingest_commit_failures_total",
			Help: "Offset commits that failed after a successful write.",
		}),
	}

	s.registry.MustRegister(
		s.recordsConsumed,
		s.batchesWritten,
		s.batchSize,
		s.writeLatency,
		s.breakerState,
		s.pollTimeout,
		s.maxBatch,
		s.poisonRecords,
		s.commitFailures,
	)
	return s
}

// Registry exposes the registry for the /metrics HTTP handler.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

func (s *Sink) RecordsConsumed(n int) { s.recordsConsumed.Add(float64(n)) }

func (s *Sink) BatchWritten(size int) {
	s.batchesWritten.Inc()
	s.batchSize.Observe(float64(size))
}

func (s *Sink) WriteLatency(d time.Duration) { s.writeLatency.Observe(d.Seconds()) }

// BreakerState mirrors breaker.State's int encoding (Closed=0, Open=1, HalfOpen=2).
func (s *Sink) BreakerState(state int) { s.breakerState.Set(float64(state)) }

func (s *Sink) PollTimeout(d time.Duration) { s.pollTimeout.Set(d.Seconds()) }

func (s *Sink) MaxBatch(n int) { s.maxBatch.Set(float64(n)) }

func (s *Sink) PoisonRecord(reason string) { s.poisonRecords.WithLabelValues(reason).Inc() }

func (s *Sink) CommitFailure() { s.commitFailures.Inc() }
