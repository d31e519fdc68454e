// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package datasets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/born-ml/bolts/internal/fetch"
)

// Public download locations.
const (
	MNISTMirror = "https://ossci-datasets.s3.amazonaws.com/mnist/"
	CIFAR10URL  = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	STL10URL    = "http://ai.stanford.edu/~acoates/stl10/stl10_binary.tar.gz"
)

const (
	cifarArchive = "cifar-10-binary.tar.gz"
	stlArchive   = "stl10_binary.tar.gz"
)

var mnistFiles = []string{MNISTTrainImages, MNISTTrainLabels, MNISTTestImages, MNISTTestLabels}

// downloadFunc fetches the named missing files into the data directory.
type downloadFunc func(ctx context.Context, missing []string) error

// prepare verifies names under o.DataDir and, when o.Download is set, calls
// download for the missing ones before checking again.
func prepare(ctx context.Context, dataset string, o Options, names []string, download downloadFunc) error {
	missing := missingFiles(o.DataDir, names...)
	if len(missing) == 0 {
		return nil
	}
	if !o.Download {
		return missingErr(dataset, o.DataDir, missing)
	}
	if o.DataDir != "" {
		if err := os.MkdirAll(o.DataDir, 0o755); err != nil {
			return fmt.Errorf("%s: %w", dataset, err)
		}
	}
	if err := download(ctx, missing); err != nil {
		return fmt.Errorf("%s: download: %w", dataset, err)
	}
	return checkFiles(dataset, o.DataDir, names...)
}

func (o Options) mirror(def string) string {
	if o.Mirror != "" {
		return o.Mirror
	}
	return def
}

// download fetches the gzipped IDX files and decompresses them in place.
func (m *MNIST) download(ctx context.Context, missing []string) error {
	base := strings.TrimSuffix(m.opts.mirror(MNISTMirror), "/") + "/"
	for _, name := range missing {
		gz := filepath.Join(m.opts.DataDir, name+".gz")
		if err := m.opts.Fetcher.DownloadOnce(ctx, base+name+".gz", gz); err != nil {
			return err
		}
		if err := fetch.Gunzip(gz, filepath.Join(m.opts.DataDir, name)); err != nil {
			return err
		}
		if err := os.Remove(gz); err != nil {
			return err
		}
	}
	return nil
}

// download fetches the binary archive once and extracts the batches.
func (c *CIFAR10) download(ctx context.Context, missing []string) error {
	return fetchArchive(ctx, c.opts, c.opts.mirror(CIFAR10URL), cifarArchive, missing)
}

// download fetches the binary archive once and extracts the image files.
func (s *STL10) download(ctx context.Context, missing []string) error {
	return fetchArchive(ctx, s.opts, s.opts.mirror(STL10URL), stlArchive, missing)
}

// fetchArchive keeps the archive in the data directory so a later
// extraction does not download it again.
func fetchArchive(ctx context.Context, o Options, src, archive string, missing []string) error {
	dst := filepath.Join(o.DataDir, archive)
	if err := o.Fetcher.DownloadOnce(ctx, src, dst); err != nil {
		return err
	}
	return fetch.UntarGz(dst, o.DataDir, missing...)
}
