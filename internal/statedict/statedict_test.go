package statedict

import (
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "l1.weight", Key("l1", "weight"))
	assert.Equal(t, "stem.bias", Key("stem", "conv2d.bias"))
	assert.Equal(t, "weight", Key("", "conv2d.weight"))
}

func TestCollectAndLoadRoundTrip(t *testing.T) {
	backend := cpu.New()
	src1 := nn.NewLinear(4, 3, backend)
	src2 := nn.NewConv2D(2, 5, 3, 3, 1, 1, true, backend)

	sd := Collect(Of("fc", src1.Parameters()), Of("conv", src2.Parameters()))
	require.Len(t, sd, 4)
	assert.Contains(t, sd, "fc.weight")
	assert.Contains(t, sd, "conv.bias")

	dst1 := nn.NewLinear(4, 3, backend)
	dst2 := nn.NewConv2D(2, 5, 3, 3, 1, 1, true, backend)
	require.NoError(t, Load(sd, Of("fc", dst1.Parameters()), Of("conv", dst2.Parameters())))

	assert.Equal(t, src1.Weight().Tensor().Data(), dst1.Weight().Tensor().Data())
	assert.Equal(t, src2.Parameters()[0].Tensor().Data(), dst2.Parameters()[0].Tensor().Data())
}

func TestLoadRejectsBadInput(t *testing.T) {
	backend := cpu.New()
	lin := nn.NewLinear(4, 3, backend)
	sd := Collect(Of("fc", lin.Parameters()))

	t.Run("missing", func(t *testing.T) {
		err := Load(map[string]*tensor.RawTensor{"fc.weight": sd["fc.weight"]}, Of("fc", lin.Parameters()))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fc.bias")
	})

	t.Run("shape", func(t *testing.T) {
		other := nn.NewLinear(5, 3, backend)
		err := Load(Collect(Of("fc", other.Parameters())), Of("fc", lin.Parameters()))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shape mismatch")
	})

	t.Run("extra", func(t *testing.T) {
		bad := map[string]*tensor.RawTensor{"fc.weight": sd["fc.weight"], "fc.bias": sd["fc.bias"], "x.weight": sd["fc.weight"]}
		err := Load(bad, Of("fc", lin.Parameters()))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "x.weight")
	})
}
