package transforms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/bolts/data"
)

func ramp(c, h, w int) data.Sample {
	img := make([]float32, c*h*w)
	for i := range img {
		img[i] = float32(i)
	}
	return data.Sample{Image: img, Shape: []int{c, h, w}, Label: 3}
}

func TestPatchifyCIFARGrid(t *testing.T) {
	out, err := Patchify(8, 4)(ramp(3, 32, 32))
	require.NoError(t, err)
	assert.Equal(t, []int{49, 3, 8, 8}, out.Shape)
	assert.Len(t, out.Image, 49*3*8*8)
	assert.Equal(t, int32(3), out.Label)

	// Patch 0 starts at pixel (0,0); patch 1 at (0,4); patch 7 at (4,0).
	assert.Equal(t, float32(0), out.Image[0])
	assert.Equal(t, float32(4), out.Image[3*64])
	assert.Equal(t, float32(4*32), out.Image[7*3*64])
	// Second channel of patch 0 starts at plane offset.
	assert.Equal(t, float32(32*32), out.Image[64])
}

func TestGridSide(t *testing.T) {
	assert.Equal(t, 7, GridSide(32, 8, 4))
	assert.Equal(t, 7, GridSide(64, 16, 8))
	assert.Equal(t, 7, GridSide(128, 32, 16))
	assert.Equal(t, 0, GridSide(4, 8, 4))
}

func TestPatchifyRejectsSmallImage(t *testing.T) {
	_, err := Patchify(8, 4)(ramp(3, 4, 4))
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	s := data.Sample{Image: []float32{1, 3, 10, 20}, Shape: []int{2, 1, 2}}
	out, err := Normalize([]float32{1, 10}, []float32{2, 5})(s)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 1, 0, 2}, out.Image, 1e-6)
	assert.Equal(t, []float32{1, 3, 10, 20}, s.Image)

	_, err = Normalize([]float32{0}, []float32{1})(s)
	assert.Error(t, err)
}

func TestCenterCrop(t *testing.T) {
	out, err := CenterCrop(2)(ramp(1, 4, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, out.Shape)
	assert.Equal(t, []float32{5, 6, 9, 10}, out.Image)
}

func TestResizeShorterSide(t *testing.T) {
	s := data.Sample{Image: make([]float32, 3*40*80), Shape: []int{3, 40, 80}}
	for i := range s.Image {
		s.Image[i] = 0.5
	}
	out, err := Resize(20)(s)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 20, 40}, out.Shape)
	for _, v := range out.Image {
		assert.InDelta(t, 0.5, v, 1e-3)
	}
}

func TestPresetsYield49Patches(t *testing.T) {
	cases := []struct {
		name          string
		c, h, w       int
		patch, step   int
		wantPatchSide int
	}{
		{"cifar10", 3, 32, 32, 8, 4, 8},
		{"stl10", 3, 96, 96, 16, 8, 16},
		{"imagenet128", 3, 150, 200, 32, 16, 32},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tf, err := ForDataset(tc.name, tc.patch, tc.step)
			require.NoError(t, err)
			s := data.Sample{Image: make([]float32, tc.c*tc.h*tc.w), Shape: []int{tc.c, tc.h, tc.w}}
			out, err := tf(s)
			require.NoError(t, err)
			assert.Equal(t, []int{49, 3, tc.wantPatchSide, tc.wantPatchSide}, out.Shape)
		})
	}

	_, err := ForDataset("mnist", 8, 4)
	assert.Error(t, err)
}
