// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package datasets provides on-disk dataset readers and the registry the
// contrastive encoder uses to resolve a dataset by name.
//
// Supported names:
//   - "cifar10": CIFAR-10 binary batches (data_batch_1..5.bin, test_batch.bin)
//   - "stl10": STL-10 binary files (train_X.bin, train_y.bin, test_X.bin,
//     test_y.bin, unlabeled_X.bin)
//   - "imagenet128": ImageNet image folders (train/<wnid>/*, val/<wnid>/*)
//
// PrepareData verifies the expected files are present. With
// Options.Download set, missing MNIST, CIFAR-10 and STL-10 files are fetched
// from their public mirrors first; ImageNet must be placed by hand.
//
// Example:
//
//	reg := datasets.Default()
//	p, err := reg.Get("cifar10", datasets.Options{DataDir: "./data", NumWorkers: 4})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	train, err := p.TrainDataloader(32, transform)
package datasets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/born-ml/bolts/data"
	"github.com/born-ml/bolts/internal/fetch"
)

// ErrDatasetNotFound is returned by Registry.Get for unknown names.
var ErrDatasetNotFound = errors.New("dataset not found")

// ErrMissingFiles is returned by PrepareData when expected files are absent.
var ErrMissingFiles = errors.New("dataset files missing")

// Options configures a dataset provider.
type Options struct {
	DataDir    string
	MetaRoot   string
	NumWorkers int
	Seed       int64

	// Download fetches missing files in PrepareData.
	Download bool
	// Mirror replaces the dataset's download location: the base URL of the
	// MNIST files or the URL of the CIFAR-10/STL-10 archive.
	Mirror string
	// Fetcher performs downloads; nil uses the default HTTP client.
	Fetcher *fetch.Client
}

// Provider is a source of train and validation loaders for one dataset.
type Provider interface {
	// Name returns the registry name.
	Name() string

	// NumClasses returns the number of label classes.
	NumClasses() int

	// PrepareData makes sure the dataset files are available.
	PrepareData(ctx context.Context) error

	// TrainDataloader returns a shuffled loader over the training split.
	TrainDataloader(batchSize int, transform data.Transform) (data.Iterator, error)

	// ValDataloader returns a loader over the validation split.
	ValDataloader(batchSize int, transform data.Transform) (data.Iterator, error)
}

// MixedProvider is implemented by datasets that pair unlabeled and labeled
// batches.
type MixedProvider interface {
	Provider
	TrainDataloaderMixed(batchSize int, transform data.Transform) (data.Iterator, error)
	ValDataloaderMixed(batchSize int, transform data.Transform) (data.Iterator, error)
}

// Factory builds a Provider from Options.
type Factory func(Options) Provider

// Registry is an immutable name-to-factory map.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry copies entries into a new Registry.
func NewRegistry(entries map[string]Factory) *Registry {
	m := make(map[string]Factory, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return &Registry{factories: m}
}

var defaultRegistry = NewRegistry(map[string]Factory{
	"cifar10":     func(o Options) Provider { return NewCIFAR10(o) },
	"stl10":       func(o Options) Provider { return NewSTL10(o) },
	"imagenet128": func(o Options) Provider { return NewImageNet128(o) },
})

// Default returns the registry of built-in datasets.
func Default() *Registry { return defaultRegistry }

// Get builds the provider registered under name.
func (r *Registry) Get(name string, opts Options) (Provider, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrDatasetNotFound, name, strings.Join(r.Names(), ", "))
	}
	return f(opts), nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func checkFiles(dataset, dir string, names ...string) error {
	if missing := missingFiles(dir, names...); len(missing) > 0 {
		return missingErr(dataset, dir, missing)
	}
	return nil
}

func missingFiles(dir string, names ...string) []string {
	var missing []string
	for _, n := range names {
		if _, err := os.Stat(filepath.Join(dir, n)); err != nil {
			missing = append(missing, n)
		}
	}
	return missing
}

func missingErr(dataset, dir string, missing []string) error {
	return fmt.Errorf("%s: %w in %q: %s", dataset, ErrMissingFiles, dir, strings.Join(missing, ", "))
}

// holdOut splits ds into a train part and a validation part of valSize
// samples. valSize is clamped to a tenth of the dataset for small inputs.
func holdOut(ds data.Dataset, valSize int, seed int64) (train, val *data.Subset, err error) {
	n := ds.Len()
	if valSize >= n {
		valSize = n / 10
	}
	parts, err := data.RandomSplit(ds, []int{n - valSize, valSize}, seed)
	if err != nil {
		return nil, nil, err
	}
	return parts[0], parts[1], nil
}

func newLoader(ds data.Dataset, batchSize int, transform data.Transform, shuffle bool, o Options) (*data.Loader, error) {
	return data.NewLoader(ds, data.LoaderOptions{
		BatchSize:  batchSize,
		NumWorkers: o.NumWorkers,
		Shuffle:    shuffle,
		Seed:       o.Seed,
		Transform:  transform,
	})
}
