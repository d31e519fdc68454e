// Package metrics aggregates step timings and per-batch scalar logs.
package metrics

import (
	"sort"
	"time"
)

// Window accumulates timing stats across multiple steps.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float32
}

// Record adds one step to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float32) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
}

// Steps returns the number of steps recorded since the last snapshot.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{LastLoss: w.lastLoss}
	if total := w.data + w.compute; total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = w.data.Seconds() * 1000 / float64(w.steps)
		snap.AvgComputeMS = w.compute.Seconds() * 1000 / float64(w.steps)
	}
	*w = Window{}
	return snap
}

// Snapshot represents loggable throughput metrics.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	LastLoss     float32
}

// Mean returns the arithmetic mean of values, or 0 when empty.
func Mean(values []float32) float32 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	return float32(sum / float64(len(values)))
}

// MeanOf averages key over the step logs that contain it.
func MeanOf(logs []map[string]float32, key string) float32 {
	vals := make([]float32, 0, len(logs))
	for _, l := range logs {
		if v, ok := l[key]; ok {
			vals = append(vals, v)
		}
	}
	return Mean(vals)
}

// Keys returns the sorted union of keys across logs.
func Keys(logs ...map[string]float32) []string {
	seen := make(map[string]struct{})
	for _, l := range logs {
		for k := range l {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
