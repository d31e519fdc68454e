// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpc

import (
	"errors"
	"fmt"
	"math"

	"github.com/born-ml/born/tensor"
)

// ErrNonSquareGrid is returned when the patch count per image is not a
// perfect square.
var ErrNonSquareGrid = errors.New("patch count is not a perfect square")

// RecoverZShape turns per-patch embeddings of shape (b·p, c, 1, 1) or
// (b·p, c) into a latent grid (b, c, k, k) with k = √p.
//
// Patches are taken in row-major order, so the output satisfies
// Z[i, ch, y, x] = z[i·p + y·k + x, ch].
func RecoverZShape[B tensor.Backend](z *tensor.Tensor[float32, B], b int) (*tensor.Tensor[float32, B], error) {
	shape := z.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("cpc: embeddings must be at least 2-D, got %v", shape)
	}
	for _, d := range shape[2:] {
		if d != 1 {
			return nil, fmt.Errorf("cpc: embeddings must have unit spatial dims, got %v", shape)
		}
	}
	if b <= 0 || shape[0]%b != 0 {
		return nil, fmt.Errorf("cpc: %d embeddings do not split into batch %d", shape[0], b)
	}
	p, c := shape[0]/b, shape[1]
	k, err := gridSide(p)
	if err != nil {
		return nil, err
	}
	return z.Reshape(b, p, c).Transpose(0, 2, 1).Reshape(b, c, k, k), nil
}

// gridSide returns √p for perfect squares.
func gridSide(p int) (int, error) {
	k := int(math.Sqrt(float64(p)))
	for k*k > p {
		k--
	}
	for (k+1)*(k+1) <= p {
		k++
	}
	if k*k != p || p == 0 {
		return 0, fmt.Errorf("%w: %d", ErrNonSquareGrid, p)
	}
	return k, nil
}
