package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage is a coarse process sample included in status snapshots.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	HeapObjects uint64  `json:"heap_objects"`
	NumGC       uint64  `json:"num_gc"`
	Goroutines  int     `json:"goroutines"`
}

const (
	sampleCPUUser     = "/cpu/classes/user:cpu-seconds"
	sampleCPUGC       = "/cpu/classes/gc/total:cpu-seconds"
	sampleHeapBytes   = "/memory/classes/heap/objects:bytes"
	sampleHeapObjects = "/gc/heap/objects:objects"
	sampleGCCycles    = "/gc/cycles/total:gc-cycles"
	sampleGoroutines  = "/sched/goroutines:goroutines"
)

var sampleNames = []string{sampleCPUUser, sampleCPUGC, sampleHeapBytes, sampleHeapObjects, sampleGCCycles, sampleGoroutines}

// resourceSampler reads runtime/metrics. CPU usage is the user and GC time
// delta between two snapshots.
type resourceSampler struct {
	mu      sync.Mutex
	samples []metrics.Sample
	numCPU  float64
	now     func() time.Time

	prevCPU float64
	prevAt  time.Time
}

func newResourceSampler() *resourceSampler {
	samples := make([]metrics.Sample, len(sampleNames))
	for i, name := range sampleNames {
		samples[i].Name = name
	}
	return &resourceSampler{
		samples: samples,
		numCPU:  float64(runtime.NumCPU()),
		now:     time.Now,
	}
}

func (r *resourceSampler) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	values := make(map[string]metrics.Value, len(r.samples))
	for _, s := range r.samples {
		values[s.Name] = s.Value
	}

	usage := ResourceUsage{
		MemoryBytes: sampleUint(values[sampleHeapBytes]),
		HeapObjects: sampleUint(values[sampleHeapObjects]),
		NumGC:       sampleUint(values[sampleGCCycles]),
		Goroutines:  int(sampleUint(values[sampleGoroutines])),
	}
	if usage.Goroutines == 0 {
		usage.Goroutines = runtime.NumGoroutine()
	}

	user, gc := values[sampleCPUUser], values[sampleCPUGC]
	if user.Kind() == metrics.KindFloat64 && gc.Kind() == metrics.KindFloat64 {
		cpu := user.Float64() + gc.Float64()
		now := r.now()
		usage.CPUPercent = r.cpuPercent(cpu, now)
		r.prevCPU, r.prevAt = cpu, now
	}
	return usage
}

// cpuPercent is the share of all CPUs used since the previous sample. The
// first sample reports zero.
func (r *resourceSampler) cpuPercent(cpuSeconds float64, now time.Time) float64 {
	if r.prevAt.IsZero() || r.numCPU <= 0 {
		return 0
	}
	wall := now.Sub(r.prevAt).Seconds()
	if wall <= 0 {
		return 0
	}
	return (cpuSeconds - r.prevCPU) / wall / r.numCPU * 100
}

func sampleUint(v metrics.Value) uint64 {
	if v.Kind() == metrics.KindUint64 {
		return v.Uint64()
	}
	return 0
}
