package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(10, 10*time.Millisecond, 90*time.Millisecond, 1.5)
	w.Record(10, 10*time.Millisecond, 90*time.Millisecond, 1.0)
	assert.Equal(t, 2, w.Steps())

	snap := w.Snapshot()
	assert.InDelta(t, 100.0, snap.ImagesPerSec, 1e-6)
	assert.InDelta(t, 10.0, snap.AvgDataMS, 1e-6)
	assert.InDelta(t, 90.0, snap.AvgComputeMS, 1e-6)
	assert.Equal(t, float32(1.0), snap.LastLoss)

	assert.Equal(t, 0, w.Steps())
	assert.Zero(t, w.Snapshot().ImagesPerSec)
}

func TestMean(t *testing.T) {
	assert.Equal(t, float32(0), Mean(nil))
	assert.InDelta(t, 2.0, Mean([]float32{1, 2, 3}), 1e-6)

	logs := []map[string]float32{
		{"val_loss": 1, "acc": 0.5},
		{"val_loss": 3},
	}
	assert.InDelta(t, 2.0, MeanOf(logs, "val_loss"), 1e-6)
	assert.InDelta(t, 0.5, MeanOf(logs, "acc"), 1e-6)
	assert.Equal(t, []string{"acc", "val_loss"}, Keys(logs...))
}
