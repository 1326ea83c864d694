package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage is a coarse process sample included in bus metrics.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	HeapBytes  uint64  `json:"heap_bytes"`
	Goroutines int     `json:"goroutines"`
}

const (
	sampleCPU        = "/sched/cpu:seconds"
	sampleHeap       = "/memory/classes/heap/objects:bytes"
	sampleGoroutines = "/sched/goroutines:goroutines"
)

// resourceSampler derives CPU utilisation from the delta between two reads.
// It reads runtime/metrics only, so sampling never stops the world.
type resourceSampler struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		samples: []metrics.Sample{{Name: sampleCPU}, {Name: sampleHeap}, {Name: sampleGoroutines}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (r *resourceSampler) Sample() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{{Name: sampleCPU}, {Name: sampleHeap}, {Name: sampleGoroutines}}
	}
	metrics.Read(r.samples)

	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}
	now := time.Now()
	for _, s := range r.samples {
		switch s.Name {
		case sampleCPU:
			if s.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := s.Value.Float64()
			if !r.lastSample.IsZero() && r.numCPU > 0 {
				if wall := now.Sub(r.lastSample).Seconds(); wall > 0 {
					usage.CPUPercent = (cpu - r.lastCPUSeconds) / wall / r.numCPU * 100
				}
			}
			r.lastCPUSeconds = cpu
		case sampleHeap:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.HeapBytes = s.Value.Uint64()
			}
		case sampleGoroutines:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(s.Value.Uint64())
			}
		}
	}
	r.lastSample = now
	return usage
}
