package transforms

import (
	"fmt"

	"github.com/born-ml/bolts/data"
)

// Channel statistics used for normalisation.
var (
	cifar10Mean  = []float32{125.3 / 255, 123.0 / 255, 113.9 / 255}
	cifar10Std   = []float32{63.0 / 255, 62.1 / 255, 66.7 / 255}
	imagenetMean = []float32{0.485, 0.456, 0.406}
	imagenetStd  = []float32{0.229, 0.224, 0.225}
)

// CIFAR10Patches normalises a 32x32 CIFAR-10 image and cuts it into patches.
func CIFAR10Patches(patchSize, overlap int) data.Transform {
	return data.Compose(
		Normalize(cifar10Mean, cifar10Std),
		Patchify(patchSize, overlap),
	)
}

// STL10Patches resizes a 96x96 STL-10 image to 70, crops the centre 64x64
// window, normalises it and cuts it into patches.
func STL10Patches(patchSize, overlap int) data.Transform {
	return data.Compose(
		Resize(70),
		CenterCrop(64),
		Normalize(imagenetMean, imagenetStd),
		Patchify(patchSize, overlap),
	)
}

// ImageNet128Patches resizes an image to 146 on its shorter side, crops the
// centre 128x128 window, normalises it and cuts it into patches.
func ImageNet128Patches(patchSize, overlap int) data.Transform {
	return data.Compose(
		Resize(146),
		CenterCrop(128),
		Normalize(imagenetMean, imagenetStd),
		Patchify(patchSize, overlap),
	)
}

// ForDataset returns the evaluation pipeline for a registered dataset name.
func ForDataset(name string, patchSize, overlap int) (data.Transform, error) {
	switch name {
	case "cifar10":
		return CIFAR10Patches(patchSize, overlap), nil
	case "stl10":
		return STL10Patches(patchSize, overlap), nil
	case "imagenet128":
		return ImageNet128Patches(patchSize, overlap), nil
	}
	return nil, fmt.Errorf("transforms: no pipeline for dataset %q", name)
}
