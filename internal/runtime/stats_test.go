package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	samples := []int64{10, 20, 30, 40, 50}

	assert.Equal(t, int64(0), percentile(nil, 0.5))
	assert.Equal(t, int64(10), percentile(samples, 0))
	assert.Equal(t, int64(50), percentile(samples, 1))
	assert.Equal(t, int64(30), percentile(samples, 0.5))
	assert.Equal(t, int64(45), percentile(samples, 0.875))
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	lw := newLatencyWindow(3)
	for _, d := range []time.Duration{100, 1, 2, 3} {
		lw.Add(d)
	}

	snap := lw.Snapshot()
	assert.Equal(t, 3, snap.SampleSize)
	assert.Equal(t, int64(2), snap.P50Ns)
	assert.Equal(t, int64(3), snap.LastNs)
	assert.Equal(t, int64(2), snap.AverageNs)
}

func TestLatencyWindowNil(t *testing.T) {
	var lw *latencyWindow
	assert.NotPanics(t, func() { lw.Add(time.Second) })
	assert.Equal(t, LatencyMetrics{}, lw.Snapshot())
}

func TestThroughputWindowExpiresOldSamples(t *testing.T) {
	tw := newThroughputWindow(time.Minute)
	start := testNow

	tw.Add(start, 100)
	tw.Add(start.Add(30*time.Second), 50)
	snap := tw.Snapshot(start.Add(50 * time.Second))
	assert.Equal(t, 150, snap.Count)
	assert.InDelta(t, 3.0, snap.CurrentRPS, 0.001)

	snap = tw.Snapshot(start.Add(80 * time.Second))
	assert.Equal(t, 50, snap.Count)

	assert.Equal(t, throughputSnapshot{}, tw.Snapshot(start.Add(time.Hour)))
}

func TestStatsTrackerHooks(t *testing.T) {
	now := testNow
	st := newStatsTracker(func() time.Time { return now }, "consumer:ingest", "sink")
	hooks := st.Hooks("consumer:ingest", "sink")

	var initial ServiceStats
	st.fill(&initial)
	require.Len(t, initial.Dependencies, 2)
	assert.Equal(t, DependencyStatusUnknown, initial.Dependencies[0].Status)

	hooks.OnBatchDone(BatchContext{Records: 10, Accepted: 9, Duration: 4 * time.Millisecond})
	hooks.OnBatchError(BatchContext{Records: 5, Duration: 2 * time.Millisecond}, errors.New("pipeline broke"))
	hooks.OnFlush(FlushContext{Blocks: 3}, nil)
	now = now.Add(time.Second)
	hooks.OnFlush(FlushContext{Blocks: 3}, errors.New("storage down"))

	var out ServiceStats
	st.fill(&out)
	assert.Equal(t, uint64(2), out.BatchesProcessed)
	assert.Equal(t, uint64(1), out.BatchesFailed)
	assert.Equal(t, uint64(15), out.RecordsConsumed)
	assert.Equal(t, uint64(9), out.RecordsAccepted)
	assert.Equal(t, "pipeline broke", out.LastError)
	assert.Equal(t, int64(3*time.Millisecond), out.Latency.AverageNs)
	assert.Equal(t, 2, out.Latency.SampleSize)
	assert.Equal(t, uint64(15), out.Throughput.RecordsInWindow)

	assert.Equal(t, uint64(2), out.Flushes.Total)
	assert.Equal(t, uint64(1), out.Flushes.Failed)
	assert.Equal(t, uint64(3), out.Flushes.BlocksWritten)
	assert.Equal(t, "storage down", out.Flushes.LastError)
	assert.Equal(t, now, out.Flushes.LastFlushAt)

	require.Len(t, out.Dependencies, 2)
	assert.Equal(t, DependencyStatusDegraded, out.Dependencies[0].Status)
	assert.Equal(t, "pipeline broke", out.Dependencies[0].Details)
	assert.Equal(t, DependencyStatusDegraded, out.Dependencies[1].Status)
	assert.Equal(t, "storage down", out.Dependencies[1].Details)

	hooks.OnFlush(FlushContext{Blocks: 1}, nil)
	st.fill(&out)
	assert.Equal(t, DependencyStatusHealthy, out.Dependencies[1].Status)
	assert.Empty(t, out.Dependencies[1].Details)
}
