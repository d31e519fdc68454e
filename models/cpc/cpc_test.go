package cpc

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/bolts/data"
	"github.com/born-ml/bolts/datasets"
	"github.com/born-ml/bolts/internal/transforms"
	"github.com/born-ml/bolts/internal/weights"
	"github.com/born-ml/bolts/trainer"
)

type testBackend = *autodiff.Backend[*cpu.Backend]

var (
	_ trainer.Module[testBackend] = (*Model[testBackend])(nil)
	_ Encoder[testBackend]        = (*ResNetEncoder[testBackend])(nil)
	_ Encoder[testBackend]        = (*Backbone[testBackend])(nil)
)

const toySide = 12

// toyImages is a small labelled RGB dataset.
type toyImages struct{ n int }

func (d toyImages) Len() int { return d.n }

func (d toyImages) Get(i int) (data.Sample, error) {
	img := make([]float32, 3*toySide*toySide)
	for j := range img {
		img[j] = float32((i+j)%7) / 7
	}
	return data.Sample{Image: img, Shape: []int{3, toySide, toySide}, Label: int32(i % 10)}, nil
}

type toyProvider struct{}

func (toyProvider) Name() string                     { return "toy" }
func (toyProvider) NumClasses() int                  { return 10 }
func (toyProvider) PrepareData(context.Context) error { return nil }

func (toyProvider) TrainDataloader(bs int, tf data.Transform) (data.Iterator, error) {
	return data.NewLoader(toyImages{n: 6}, data.LoaderOptions{BatchSize: bs, Transform: tf, Shuffle: true})
}

func (toyProvider) ValDataloader(bs int, tf data.Transform) (data.Iterator, error) {
	return data.NewLoader(toyImages{n: 4}, data.LoaderOptions{BatchSize: bs, Transform: tf})
}

func toyRegistry() *datasets.Registry {
	f := func(datasets.Options) datasets.Provider { return toyProvider{} }
	return datasets.NewRegistry(map[string]datasets.Factory{"cifar10": f, "imagenet128": f})
}

func toyHParams() HParams {
	return HParams{
		Encoder:      CustomEncoderName,
		PatchSize:    4,
		PatchOverlap: 4,
		OnlineFT:     true,
		Dataset:      "cifar10",
		LearningRate: 1e-3,
		BatchSize:    2,
		ProbeHidden:  8,
		EncoderWidth: 4,
		ImageSize:    toySide,
	}
}

func newToyModel(t *testing.T, hp HParams) (*Model[testBackend], testBackend) {
	t.Helper()
	backend := autodiff.New(cpu.New())
	m, err := New(hp, backend, WithRegistry(toyRegistry()))
	require.NoError(t, err)
	return m, backend
}

func patchBatch(b, p, size int, labels ...int32) *data.Batch {
	n := b * p * 3 * size * size
	img := make([]float32, n)
	for i := range img {
		img[i] = float32(i%11) / 11
	}
	if labels == nil {
		labels = make([]int32, b)
	}
	return &data.Batch{Images: img, Shape: []int{b, p, 3, size, size}, Labels: labels}
}

func assertFinite(t *testing.T, v float32) {
	t.Helper()
	assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), "value %v", v)
}

func TestRecoverZShape(t *testing.T) {
	backend := cpu.New()
	for _, k := range []int{1, 2, 3} {
		const b, c = 2, 3
		p := k * k
		vals := make([]float32, b*p*c)
		for i := range vals {
			vals[i] = float32(i)
		}
		z, err := tensor.FromSlice(vals, tensor.Shape{b * p, c, 1, 1}, backend)
		require.NoError(t, err)

		out, err := RecoverZShape(z, b)
		require.NoError(t, err)
		require.Equal(t, tensor.Shape{b, c, k, k}, out.Shape())
		assert.Equal(t, len(vals), out.NumElements())

		got := out.Data()
		for i := 0; i < b; i++ {
			for ch := 0; ch < c; ch++ {
				for y := 0; y < k; y++ {
					for x := 0; x < k; x++ {
						want := vals[(i*p+y*k+x)*c+ch]
						assert.Equal(t, want, got[((i*c+ch)*k+y)*k+x], "k=%d i=%d ch=%d y=%d x=%d", k, i, ch, y, x)
					}
				}
			}
		}
	}
}

func TestRecoverZShapeErrors(t *testing.T) {
	backend := cpu.New()

	z := tensor.Zeros[float32](tensor.Shape{8, 4, 1, 1}, backend)
	_, err := RecoverZShape(z, 1)
	assert.ErrorIs(t, err, ErrNonSquareGrid)

	_, err = RecoverZShape(z, 3)
	assert.Error(t, err)

	_, err = RecoverZShape(tensor.Zeros[float32](tensor.Shape{4, 4, 2, 2}, backend), 1)
	assert.Error(t, err)

	out, err := RecoverZShape(tensor.Zeros[float32](tensor.Shape{8, 4}, backend), 2)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 4, 2, 2}, out.Shape())
}

func TestParseEncoder(t *testing.T) {
	assert.Equal(t, EncoderSpec{Kind: CustomEncoder, Name: "cpc_encoder"}, ParseEncoder("cpc_encoder"))
	assert.Equal(t, EncoderSpec{Kind: NamedBackbone, Name: "resnet18"}, ParseEncoder("resnet18"))
	assert.Equal(t, "backbone", NamedBackbone.String())

	backend := autodiff.New(cpu.New())
	_, err := NewEncoder(ParseEncoder("vgg11"), 3, 8, 4, backend)
	assert.ErrorIs(t, err, ErrUnknownEncoder)
	assert.ErrorContains(t, err, "vgg11")
	assert.Equal(t, []string{"resnet18", "resnet34"}, BackboneNames())
}

func TestEncoderShapes(t *testing.T) {
	backend := autodiff.New(cpu.New())

	for _, patch := range []int{4, 5, 8} {
		enc := NewResNetEncoder(3, patch, 2, backend)
		x := tensor.Zeros[float32](tensor.Shape{3, 3, patch, patch}, backend)
		maps := enc.Encode(x)
		require.Len(t, maps, 1)
		assert.Equal(t, tensor.Shape{3, enc.OutChannels(), 1, 1}, maps[0].Shape(), "patch %d", patch)
	}

	bb, err := NewEncoder(ParseEncoder("resnet18"), 3, 8, 2, backend)
	require.NoError(t, err)
	maps := bb.Encode(tensor.Zeros[float32](tensor.Shape{2, 3, 8, 8}, backend))
	require.Len(t, maps, 5)
	assert.Equal(t, tensor.Shape{2, 16, 1, 1}, maps[0].Shape())
	assert.Equal(t, tensor.Shape{2, 2, 8, 8}, maps[1].Shape())
	assert.Equal(t, tensor.Shape{2, 16, 1, 1}, maps[4].Shape())
}

func TestGlobalAvgPool(t *testing.T) {
	backend := autodiff.New(cpu.New())
	x, err := tensor.FromSlice([]float32{
		1, 2, 3, 6, // n0 c0
		0, 0, 4, 4, // n0 c1
		-1, 1, -1, 1, // n1 c0
		8, 8, 8, 8, // n1 c1
	}, tensor.Shape{2, 2, 2, 2}, backend)
	require.NoError(t, err)

	got := globalAvgPool(x)
	assert.Equal(t, tensor.Shape{2, 2, 1, 1}, got.Shape())
	assert.InDeltaSlice(t, []float32{3, 2, 0, 8}, got.Data(), 1e-6)

	unit := tensor.Zeros[float32](tensor.Shape{2, 3, 1, 1}, backend)
	assert.Same(t, unit, globalAvgPool(unit))
}

func TestAddFiniteSkipsNaN(t *testing.T) {
	backend := autodiff.New(cpu.New())
	scalar := func(v float32) *tensor.Tensor[float32, testBackend] {
		x, err := tensor.FromSlice([]float32{v}, tensor.Shape{1}, backend)
		require.NoError(t, err)
		return x
	}
	nan := scalar(float32(math.NaN()))

	total, added := addFinite(nil, nan)
	assert.False(t, added)
	assert.Nil(t, total)

	two := scalar(2)
	total, added = addFinite(nil, two)
	assert.True(t, added)
	assert.Same(t, two, total)

	total, added = addFinite(total, nan)
	assert.False(t, added)
	assert.Same(t, two, total)

	total, added = addFinite(total, scalar(3))
	assert.True(t, added)
	assert.InDelta(t, 5, total.Data()[0], 1e-6)
}

func TestInfoNCEOffsets(t *testing.T) {
	backend := autodiff.New(cpu.New())
	task := NewInfoNCE(4, 8, 0.1, backend)

	sel, labels, err := task.offset(2, 3, 2, 1)
	require.NoError(t, err)
	// Only the grid-row axis is selected, independent of batch size.
	assert.Equal(t, tensor.Shape{1, 3}, sel.Shape())
	assert.Equal(t, []float32{0.1, 0, 0}, sel.Data())
	// Row y=0 of each image predicts row y=2.
	assert.Equal(t, []int32{4, 5, 10, 11}, labels.Data())

	sel, labels, err = task.offset(3, 5, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 5}, sel.Shape())
	assert.Equal(t, 2*3*2, labels.Shape()[0])
	// Predictions are ordered (y, b, x): y=1, b=2, x=1 predicts (2, 4, 1).
	assert.Equal(t, int32(2*10+4*2+1), labels.Data()[1*6+2*2+1])
}

// hostInfoNCE recomputes the task loss in float64 from the flattened
// prediction and target rows, both ordered (b, y, x).
func hostInfoNCE(preds, targets []float32, b, h, w, d int, scale float64) float64 {
	n := b * h * w
	var total float64
	for i := 1; i <= h-2; i++ {
		var sum float64
		m := 0
		for bb := 0; bb < b; bb++ {
			for y := 0; y < h-i-1; y++ {
				for x := 0; x < w; x++ {
					r := bb*h*w + y*w + x
					scores := make([]float64, n)
					maxScore := math.Inf(-1)
					for j := 0; j < n; j++ {
						var dot float64
						for k := 0; k < d; k++ {
							dot += float64(preds[r*d+k]) * float64(targets[j*d+k])
						}
						scores[j] = scale * dot
						maxScore = math.Max(maxScore, scores[j])
					}
					var z float64
					for _, v := range scores {
						z += math.Exp(v - maxScore)
					}
					sum += maxScore + math.Log(z) - scores[r+(i+1)*w]
					m++
				}
			}
		}
		total += float64(i) * sum / float64(m)
	}
	return total
}

func TestInfoNCEMatchesReference(t *testing.T) {
	backend := autodiff.New(cpu.New())
	const (
		b, c, h, w, d = 3, 4, 5, 3, 8
		n             = b * h * w
	)
	task := NewInfoNCE(c, d, DefaultEmbedScale, backend)

	vals := make([]float32, b*c*h*w)
	for i := range vals {
		vals[i] = float32((i*7)%11)/5 - 1
	}
	z, err := tensor.FromSlice(vals, tensor.Shape{b, c, h, w}, backend)
	require.NoError(t, err)

	loss, err := task.Forward(z)
	require.NoError(t, err)

	ctx := z.Add(task.relu.Forward(task.context.Forward(z)))
	preds := rows(task.pred.Forward(ctx), n, d).Data()
	targets := rows(task.target.Forward(z), n, d).Data()
	want := hostInfoNCE(preds, targets, b, h, w, d, DefaultEmbedScale)

	assert.InDelta(t, want, float64(loss.Data()[0]), 1e-3*math.Max(1, want))
}

func TestInfoNCELoss(t *testing.T) {
	backend := autodiff.New(cpu.New())
	task := NewInfoNCE(4, 8, DefaultEmbedScale, backend)

	vals := make([]float32, 2*4*4*4)
	for i := range vals {
		vals[i] = float32(i%5) / 5
	}
	z, err := tensor.FromSlice(vals, tensor.Shape{2, 4, 4, 4}, backend)
	require.NoError(t, err)
	loss, err := task.Forward(z)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1}, loss.Shape())
	assertFinite(t, loss.Data()[0])
	assert.GreaterOrEqual(t, loss.Data()[0], float32(0))

	_, err = task.Forward(tensor.Zeros[float32](tensor.Shape{2, 4, 2, 2}, backend))
	assert.ErrorIs(t, err, ErrGridTooSmall)
}

func TestModelForward(t *testing.T) {
	m, backend := newToyModel(t, toyHParams())
	assert.Equal(t, 3, m.Grid())
	assert.Equal(t, 16, m.ZDim())

	x := tensor.Zeros[float32](tensor.Shape{2, 9, 3, 4, 4}, backend)
	z, err := m.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 16, 3, 3}, z.Shape())

	_, err = m.Forward(tensor.Zeros[float32](tensor.Shape{1, 8, 3, 4, 4}, backend))
	assert.ErrorIs(t, err, ErrNonSquareGrid)
}

func TestProbeDoesNotReachEncoder(t *testing.T) {
	m, backend := newToyModel(t, toyHParams())
	backend.Tape().StartRecording()
	defer backend.Tape().StopRecording()

	x, err := data.ImagesTensor(patchBatch(2, 9, 4), backend)
	require.NoError(t, err)
	z, err := m.Forward(x)
	require.NoError(t, err)
	labels, err := tensor.FromSlice([]int32{1, 7}, tensor.Shape{2}, backend)
	require.NoError(t, err)

	_, loss := m.probe.Loss(z, labels)
	assert.GreaterOrEqual(t, loss.Data()[0], float32(0))
	grads := autodiff.Backward(loss, backend)

	for _, p := range m.EncoderParameters() {
		assert.Nil(t, grads[p.Tensor().Raw()], "encoder param %s received a probe gradient", p.Name())
	}
	probe := m.ProbeParameters()
	require.NotEmpty(t, probe)
	assert.NotNil(t, grads[probe[0].Tensor().Raw()])
}

func TestTrainingStepReachesEncoder(t *testing.T) {
	m, backend := newToyModel(t, toyHParams())
	backend.Tape().StartRecording()
	defer backend.Tape().StopRecording()

	out, err := m.TrainingStep(patchBatch(2, 9, 4, 3, 4), 0)
	require.NoError(t, err)
	assert.Contains(t, out.Log, "train_nce_loss")
	assert.Contains(t, out.Log, "train_mlp_loss")
	assert.InDelta(t, out.Log["train_nce_loss"]+out.Log["train_mlp_loss"], out.Loss.Data()[0], 1e-4)

	grads := autodiff.Backward(out.Loss, backend)
	assert.NotNil(t, grads[m.EncoderParameters()[0].Tensor().Raw()])
}

func TestMixedBatch(t *testing.T) {
	m, _ := newToyModel(t, toyHParams())

	unlabeled := patchBatch(2, 9, 4, data.Unlabeled, data.Unlabeled)
	_, err := m.TrainingStep(unlabeled, 0)
	assert.ErrorIs(t, err, data.ErrNoLabels)

	unlabeled.Labeled = patchBatch(3, 9, 4, 0, 1, 2)
	out, err := m.ValidationStep(unlabeled, 0)
	require.NoError(t, err)
	assert.Contains(t, out, "val_nce")
	assert.Contains(t, out, "mlp_loss")
	// Accuracy is a fraction of the three labeled samples.
	acc := float64(out["mlp_acc"])
	assert.GreaterOrEqual(t, acc, 0.0)
	assert.LessOrEqual(t, acc, 1.0)
	assert.InDelta(t, math.Round(acc*3)/3, acc, 1e-6)
}

func TestWithoutProbe(t *testing.T) {
	hp := toyHParams()
	hp.OnlineFT = false
	m, _ := newToyModel(t, hp)
	assert.Nil(t, m.ProbeParameters())

	out, err := m.TrainingStep(patchBatch(2, 9, 4, data.Unlabeled, data.Unlabeled), 0)
	require.NoError(t, err)
	assert.NotContains(t, out.Log, "train_mlp_loss")

	res := m.ValidationEpochEnd([]map[string]float32{{"val_nce": 2}, {"val_nce": 4}})
	assert.InDelta(t, 3, res.Loss, 1e-6)
	assert.Equal(t, map[string]float32{"val_nce_loss": 3}, res.Log)
}

func TestValidationEpochEnd(t *testing.T) {
	m, _ := newToyModel(t, toyHParams())
	res := m.ValidationEpochEnd([]map[string]float32{
		{"val_nce": 1, "mlp_loss": 2, "mlp_acc": 0.5},
		{"val_nce": 3, "mlp_loss": 4, "mlp_acc": 1},
	})
	assert.InDelta(t, 2, res.Loss, 1e-6)
	assert.InDelta(t, 2, res.Log["val_nce_loss"], 1e-6)
	assert.InDelta(t, 3, res.Log["val_mlp_loss"], 1e-6)
	assert.InDelta(t, 0.75, res.Log["val_mlp_acc"], 1e-6)
}

func TestFit(t *testing.T) {
	m, backend := newToyModel(t, toyHParams())

	report, err := trainer.Fit(context.Background(), m, backend, trainer.Options{Epochs: 1, LogEvery: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Steps)
	assertFinite(t, report.LastLoss)
	require.Len(t, report.Validation, 1)
	for _, k := range []string{"val_nce_loss", "val_mlp_loss", "val_mlp_acc"} {
		assert.Contains(t, report.Validation[0].Log, k)
	}
}

func TestUnknownDataset(t *testing.T) {
	hp := toyHParams()
	hp.Dataset = "mnist-fashion"
	_, err := New(hp, autodiff.New(cpu.New()), WithRegistry(toyRegistry()))
	assert.ErrorIs(t, err, datasets.ErrDatasetNotFound)
	assert.ErrorContains(t, err, "mnist-fashion")

	hp = toyHParams()
	hp.Task = "amdim"
	_, err = New(hp, autodiff.New(cpu.New()), WithRegistry(toyRegistry()))
	assert.ErrorContains(t, err, "amdim")
}

func TestPretrainedOverrides(t *testing.T) {
	hp := toyHParams()
	hp.Pretrained = "resnet18"
	hp.OnlineFT = false
	hp.EncoderWidth = 2

	m, _ := newToyModel(t, hp)
	got := m.HParams()
	assert.Equal(t, PretrainedDataset, got.Dataset)
	assert.True(t, got.OnlineFT)
	assert.Equal(t, "resnet18", got.Encoder)
	assert.Equal(t, NamedBackbone, m.EncoderSpec().Kind)

	err := m.LoadPretrained(context.Background(), weights.NewStore(t.TempDir(), map[string]string{}))
	assert.ErrorIs(t, err, weights.ErrWeightsNotFound)
	assert.ErrorContains(t, err, "CPCV2-resnet18")
}

func TestSaveAndLoadPretrained(t *testing.T) {
	hp := toyHParams()
	hp.Pretrained = "resnet18"
	hp.EncoderWidth = 2

	src, _ := newToyModel(t, hp)
	dst, _ := newToyModel(t, hp)

	path := filepath.Join(t.TempDir(), "cpc.safetensors")
	require.NoError(t, src.Save(path))

	store := weights.NewStore(t.TempDir(), map[string]string{WeightsKey("resnet18"): path})
	require.NoError(t, dst.LoadPretrained(context.Background(), store))

	sp, dp := src.Parameters(), dst.Parameters()
	require.Equal(t, len(sp), len(dp))
	for i := range sp {
		assert.Equal(t, sp[i].Tensor().Data(), dp[i].Tensor().Data())
	}
}

func TestLRMilestones(t *testing.T) {
	ms, gamma, err := LRMilestones("cifar10")
	require.NoError(t, err)
	assert.Equal(t, []int{250, 280}, ms)
	assert.InDelta(t, 0.2, gamma, 1e-9)

	_, _, err = LRMilestones("svhn")
	assert.Error(t, err)
}

func TestDefaultHParams(t *testing.T) {
	hp, err := DefaultHParams("stl10")
	require.NoError(t, err)
	assert.Equal(t, 16, hp.PatchSize)
	assert.Equal(t, 8, hp.PatchOverlap)
	assert.Equal(t, 108, hp.BatchSize)
	r := hp.resolve()
	assert.Equal(t, 7, transforms.GridSide(r.ImageSize, r.PatchSize, r.PatchOverlap))
}

func TestConfigureOptimizersWeightDecay(t *testing.T) {
	hp := toyHParams()
	m, _ := newToyModel(t, hp)
	_, decayed := m.ConfigureOptimizers().(*trainer.WeightDecay[testBackend])
	assert.False(t, decayed)

	def, err := DefaultHParams("cifar10")
	require.NoError(t, err)
	hp.WeightDecay = def.WeightDecay
	m, _ = newToyModel(t, hp)
	wd, ok := m.ConfigureOptimizers().(*trainer.WeightDecay[testBackend])
	require.True(t, ok)
	assert.InDelta(t, 1e-5, wd.Decay(), 1e-12)
	assert.InDelta(t, 1e-3, wd.GetLR(), 1e-9)
}
