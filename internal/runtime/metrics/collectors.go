package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/sessionflow/internal/runtime/outcome"
)

// Collectors are the Prometheus series of the consumer. They implement the
// pipeline and scheduler observer interfaces.
type Collectors struct {
	mu sync.Mutex

	recordsTotal      *prometheus.CounterVec
	outcomesTotal     *prometheus.CounterVec
	sideEffectsTotal  *prometheus.CounterVec
	sideEffectSeconds *prometheus.HistogramVec
	flushesTotal      *prometheus.CounterVec
	flushSeconds      *prometheus.HistogramVec
	flushBlocks       *prometheus.HistogramVec
	discardedTotal    *prometheus.CounterVec
	bufferedBytes     *prometheus.GaugeVec
	ownedPartitions   *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sessionflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessionflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewCollectors creates the collectors. A nil registerer means the default
// Prometheus registerer.
func NewCollectors(registerer prometheus.Registerer) *Collectors {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Collectors{
		registerer:        registerer,
		recordsTotal:      newCounterVec("pipeline", "records_total", "Records consumed, by lane", []string{"lane"}),
		outcomesTotal:     newCounterVec("pipeline", "outcomes_total", "Records leaving a stage, by result", []string{"stage", "kind", "reason"}),
		sideEffectsTotal:  newCounterVec("side_effects", "total", "Completed side effects, by result", []string{"effect", "result"}),
		sideEffectSeconds: newHistogramVec("side_effects", "duration_seconds", "Side effect run time", prometheus.DefBuckets, []string{"effect"}),
		flushesTotal:      newCounterVec("batch", "flushes_total", "Session batch flushes, by result", []string{"result"}),
		flushSeconds:      newHistogramVec("batch", "flush_duration_seconds", "Session batch flush time", []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30}, []string{"result"}),
		flushBlocks:       newHistogramVec("batch", "flush_blocks", "Session blocks written per flush", []float64{1, 10, 100, 1000, 10000}, nil),
		discardedTotal:    newCounterVec("batch", "discarded_records_total", "Buffered records dropped on partition revocation", nil),
		bufferedBytes:     newGaugeVec("batch", "buffered_bytes", "Bytes buffered in the session batch", nil),
		ownedPartitions:   newGaugeVec("batch", "owned_partitions", "Partitions owned by this consumer", nil),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (c *Collectors) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		c.recordsTotal,
		c.outcomesTotal,
		c.sideEffectsTotal,
		c.sideEffectSeconds,
		c.flushesTotal,
		c.flushSeconds,
		c.flushBlocks,
		c.discardedTotal,
		c.bufferedBytes,
		c.ownedPartitions,
	}

	for _, col := range collectors {
		if err := c.registerer.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	c.registered = true
	return nil
}

// RecordsConsumed counts polled records.
func (c *Collectors) RecordsConsumed(lane string, n int) {
	c.recordsTotal.WithLabelValues(lane).Add(float64(n))
}

// ObserveOutcome implements pipeline.Observer.
func (c *Collectors) ObserveOutcome(stage string, kind outcome.Kind, reason string) {
	c.outcomesTotal.WithLabelValues(stage, kind.String(), reason).Inc()
}

// EffectCompleted implements scheduler.Observer.
func (c *Collectors) EffectCompleted(name string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.sideEffectsTotal.WithLabelValues(name, result).Inc()
	c.sideEffectSeconds.WithLabelValues(name).Observe(elapsed.Seconds())
}

// FlushCompleted records a batch flush.
func (c *Collectors) FlushCompleted(blocks int, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.flushesTotal.WithLabelValues(result).Inc()
	c.flushSeconds.WithLabelValues(result).Observe(elapsed.Seconds())
	if err == nil {
		c.flushBlocks.WithLabelValues().Observe(float64(blocks))
	}
}

// RecordsDiscarded counts records dropped by revocation.
func (c *Collectors) RecordsDiscarded(n int) {
	c.discardedTotal.WithLabelValues().Add(float64(n))
}

// BatchState sets the buffered size and owned partition gauges.
func (c *Collectors) BatchState(bufferedBytes int64, partitions int) {
	c.bufferedBytes.WithLabelValues().Set(float64(bufferedBytes))
	c.ownedPartitions.WithLabelValues().Set(float64(partitions))
}
