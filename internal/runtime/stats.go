package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/drblury/sessionflow/internal/runtime/batch"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

const (
	DependencyStatusUnknown  = "unknown"
	DependencyStatusHealthy  = "healthy"
	DependencyStatusDegraded = "degraded"
)

// LatencyMetrics summarises recent batch handling times.
type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

// ThroughputMetrics is the consumed record rate over the last window.
type ThroughputMetrics struct {
	CurrentRPS      float64 `json:"current_rps"`
	WindowSeconds   float64 `json:"window_seconds"`
	RecordsInWindow uint64  `json:"records_in_window"`
}

// FlushStats counts flushes of the session batch.
type FlushStats struct {
	Total         uint64    `json:"total"`
	Failed        uint64    `json:"failed"`
	BlocksWritten uint64    `json:"blocks_written"`
	LastFlushAt   time.Time `json:"last_flush_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// SideEffectStats reports the scheduler state.
type SideEffectStats struct {
	Pending int64 `json:"pending"`
	Failed  int64 `json:"failed"`
}

// DependencyHealth is the last observed state of a collaborator.
type DependencyHealth struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Details     string    `json:"details,omitempty"`
}

// ServiceStats is the status snapshot served on /status.
type ServiceStats struct {
	Lane                string             `json:"lane"`
	Topic               string             `json:"topic"`
	OwnedPartitions     []int32            `json:"owned_partitions"`
	Buffered            batch.Stats        `json:"buffered"`
	BatchesProcessed    uint64             `json:"batches_processed"`
	BatchesFailed       uint64             `json:"batches_failed"`
	RecordsConsumed     uint64             `json:"records_consumed"`
	RecordsAccepted     uint64             `json:"records_accepted"`
	LastBatchAt         time.Time          `json:"last_batch_at"`
	LastError           string             `json:"last_error,omitempty"`
	Latency             LatencyMetrics     `json:"latency"`
	Throughput          ThroughputMetrics  `json:"throughput"`
	Flushes             FlushStats         `json:"flushes"`
	SideEffects         SideEffectStats    `json:"side_effects"`
	DynamicRestrictions int                `json:"dynamic_restrictions"`
	Resource            ResourceUsage      `json:"resource"`
	Dependencies        []DependencyHealth `json:"dependencies"`
}

// statsTracker accumulates batch and flush statistics from the batch hooks.
type statsTracker struct {
	mu  sync.Mutex
	now func() time.Time

	batches   uint64
	failed    uint64
	consumed  uint64
	accepted  uint64
	totalTime int64
	lastAt    time.Time
	lastError string
	flushes   FlushStats

	latency      *latencyWindow
	throughput   *throughputWindow
	dependencies []DependencyHealth
	depIndex     map[string]int
}

func newStatsTracker(now func() time.Time, dependencies ...string) *statsTracker {
	st := &statsTracker{
		now:        now,
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
		depIndex:   make(map[string]int),
	}
	for _, name := range dependencies {
		st.depIndex[name] = len(st.dependencies)
		st.dependencies = append(st.dependencies, DependencyHealth{Name: name, Status: DependencyStatusUnknown})
	}
	return st
}

// Hooks returns the hooks feeding the tracker.
func (st *statsTracker) Hooks(consumerDep, sinkDep string) BatchHooks {
	return BatchHooks{
		OnBatchDone: func(ctx BatchContext) {
			st.mu.Lock()
			defer st.mu.Unlock()
			st.recordBatchLocked(ctx)
			st.accepted += uint64(ctx.Accepted)
			st.setDependencyLocked(consumerDep, DependencyStatusHealthy, "")
		},
		OnBatchError: func(ctx BatchContext, err error) {
			st.mu.Lock()
			defer st.mu.Unlock()
			st.recordBatchLocked(ctx)
			st.failed++
			st.lastError = err.Error()
			st.setDependencyLocked(consumerDep, DependencyStatusDegraded, err.Error())
		},
		OnFlush: func(ctx FlushContext, err error) {
			st.mu.Lock()
			defer st.mu.Unlock()
			st.flushes.Total++
			st.flushes.LastFlushAt = st.now().UTC()
			if err != nil {
				st.flushes.Failed++
				st.flushes.LastError = err.Error()
				st.setDependencyLocked(sinkDep, DependencyStatusDegraded, err.Error())
				return
			}
			st.flushes.BlocksWritten += uint64(ctx.Blocks)
			st.setDependencyLocked(sinkDep, DependencyStatusHealthy, "")
		},
	}
}

func (st *statsTracker) recordBatchLocked(ctx BatchContext) {
	st.batches++
	st.consumed += uint64(ctx.Records)
	st.totalTime += int64(ctx.Duration)
	st.lastAt = st.now().UTC()
	st.latency.Add(ctx.Duration)
	st.throughput.Add(st.now(), ctx.Records)
}

func (st *statsTracker) setDependencyLocked(name, status, details string) {
	if name == "" {
		return
	}
	idx, ok := st.depIndex[name]
	if !ok {
		st.dependencies = append(st.dependencies, DependencyHealth{Name: name})
		idx = len(st.dependencies) - 1
		st.depIndex[name] = idx
	}
	dep := st.dependencies[idx]
	dep.Status = status
	dep.Details = details
	dep.LastChecked = st.now().UTC()
	st.dependencies[idx] = dep
}

// fill copies the tracked values into out.
func (st *statsTracker) fill(out *ServiceStats) {
	st.mu.Lock()
	defer st.mu.Unlock()

	out.BatchesProcessed = st.batches
	out.BatchesFailed = st.failed
	out.RecordsConsumed = st.consumed
	out.RecordsAccepted = st.accepted
	out.LastBatchAt = st.lastAt
	out.LastError = st.lastError
	out.Flushes = st.flushes

	out.Latency = st.latency.Snapshot()
	if st.batches > 0 {
		out.Latency.AverageNs = st.totalTime / int64(st.batches)
	}
	snap := st.throughput.Snapshot(st.now())
	out.Throughput = ThroughputMetrics{
		CurrentRPS:      snap.CurrentRPS,
		WindowSeconds:   snap.WindowSeconds,
		RecordsInWindow: uint64(snap.Count),
	}
	out.Dependencies = append([]DependencyHealth(nil), st.dependencies...)
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var m LatencyMetrics
	if lw == nil {
		return m
	}
	if lw.filled == 0 {
		m.LastNs = lw.last
		return m
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	m.SampleSize = lw.filled
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	m.AverageNs = sum / int64(len(samples))
	m.LastNs = lw.last
	return m
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

// throughputWindow counts records per poll over a sliding horizon.
type throughputWindow struct {
	horizon time.Duration
	samples []throughputSample
}

type throughputSample struct {
	at    time.Time
	count int
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]throughputSample, 0, 64),
	}
}

func (tw *throughputWindow) Add(now time.Time, count int) {
	if tw == nil {
		return
	}
	tw.samples = append(tw.samples, throughputSample{at: now, count: count})
	tw.cleanup(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if tw == nil || len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) Snapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.cleanup(now)
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0].at)
	if span <= 0 {
		span = time.Second
	}
	count := 0
	for _, s := range tw.samples {
		count += s.count
	}
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
