package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMNIST(t *testing.T) {
	path := writeFile(t, `
hidden_dim: 64
learning_rate: 0.001
data_dir: ./mnist
epochs: 3
`)
	cfg, err := LoadMNIST(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.HiddenDim)
	assert.InDelta(t, 0.001, cfg.LearningRate, 1e-12)
	assert.Equal(t, "./mnist", cfg.DataDir)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, "cpu", cfg.Device)
	assert.True(t, cfg.Download)
}

func TestDownloadSwitch(t *testing.T) {
	cfg, err := LoadMNIST(writeFile(t, "download: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Download)

	c, err := DefaultCPC("stl10")
	require.NoError(t, err)
	assert.True(t, c.Download)
	c.ApplyOverrides(CPCOverrides{})
	assert.True(t, c.Download)
	c.ApplyOverrides(CPCOverrides{RunOverrides: RunOverrides{NoDownload: true}})
	assert.False(t, c.Download)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := LoadMNIST(writeFile(t, "hidden_dims: 64\n"))
	assert.ErrorContains(t, err, "hidden_dims")
}

func TestLoadCPCUsesDatasetPreset(t *testing.T) {
	cfg, err := LoadCPC(writeFile(t, "dataset: stl10\nlearning_rate: 0.0003\n"))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.PatchSize)
	assert.Equal(t, 8, cfg.PatchOverlap)
	assert.Equal(t, 108, cfg.BatchSize)
	assert.InDelta(t, 3e-4, cfg.LearningRate, 1e-12)

	cfg, err = LoadCPC(writeFile(t, "batch_size: 10\n"))
	require.NoError(t, err)
	assert.Equal(t, "cifar10", cfg.Dataset)
	assert.Equal(t, 10, cfg.BatchSize)

	_, err = LoadCPC(writeFile(t, "dataset: svhn\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPresets(t *testing.T) {
	tests := []struct {
		name                      string
		patch, overlap, batch, nc int
	}{
		{"cifar10", 8, 4, 44, 10},
		{"stl10", 16, 8, 108, 10},
		{"imagenet128", 32, 16, 48, 1000},
	}
	for _, tt := range tests {
		p, err := PresetFor(tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.patch, p.PatchSize, tt.name)
		assert.Equal(t, tt.overlap, p.PatchOverlap, tt.name)
		assert.Equal(t, tt.batch, p.BatchSize, tt.name)
		assert.Equal(t, tt.nc, p.NumClasses, tt.name)
	}

	p, _ := PresetFor("cifar10")
	p.LRMilestones[0] = 1
	again, _ := PresetFor("cifar10")
	assert.Equal(t, 250, again.LRMilestones[0])
}

func TestApplyOverrides(t *testing.T) {
	cfg, err := DefaultCPC("cifar10")
	require.NoError(t, err)
	cfg.OnlineFT = false
	cfg.ApplyOverrides(CPCOverrides{
		RunOverrides: RunOverrides{Epochs: 5, Device: "webgpu"},
		Encoder:      "resnet18",
		OnlineFT:     true,
		BatchSize:    7,
	})
	assert.Equal(t, 5, cfg.Epochs)
	assert.Equal(t, "webgpu", cfg.Device)
	assert.Equal(t, "resnet18", cfg.Encoder)
	assert.True(t, cfg.OnlineFT)
	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, 8, cfg.PatchSize)

	m := DefaultMNIST()
	m.ApplyOverrides(MNISTOverrides{HiddenDim: 256})
	assert.Equal(t, 256, m.HiddenDim)
	assert.InDelta(t, 1e-4, m.LearningRate, 1e-12)
}

func TestValidate(t *testing.T) {
	m := DefaultMNIST()
	require.NoError(t, m.Validate())

	bad := m
	bad.HiddenDim = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = m
	bad.Device = "tpu"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	c, err := DefaultCPC("imagenet128")
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	c.Task = "amdim"
	assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)

	var nilCfg *CPC
	assert.ErrorIs(t, nilCfg.Validate(), ErrInvalidConfig)
}
