// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpc

import (
	"context"
	"fmt"

	"github.com/born-ml/bolts/internal/checkpoint"
	"github.com/born-ml/bolts/internal/weights"
)

// WeightsKey returns the weight-store key of a pretrained encoder name.
func WeightsKey(name string) string { return "CPCV2-" + name }

// LoadPretrained fetches the checkpoint registered for the model's
// Pretrained name and loads it. An unknown name fails before anything is
// downloaded; checkpoints must be float32 SafeTensors files.
func (m *Model[B]) LoadPretrained(ctx context.Context, store *weights.Store) error {
	if m.hp.Pretrained == "" {
		return fmt.Errorf("cpc: no pretrained name set")
	}
	key := WeightsKey(m.hp.Pretrained)
	path, err := store.Fetch(ctx, key)
	if err != nil {
		return err
	}
	if _, err := checkpoint.Load(path, m.backend, m.Module()); err != nil {
		return fmt.Errorf("cpc: load %s from %s: %w", key, path, err)
	}
	return nil
}

// ModelType is the model type recorded in saved checkpoints.
const ModelType = "cpc.CPCV2"

// Save writes the model's parameters to path as SafeTensors.
func (m *Model[B]) Save(path string) error {
	meta := map[string]string{
		"encoder":    m.hp.Encoder,
		"dataset":    m.hp.Dataset,
		"patch_size": fmt.Sprint(m.hp.PatchSize),
		"online_ft":  fmt.Sprint(m.hp.OnlineFT),
	}
	return checkpoint.Save(m.Module(), path, ModelType, meta)
}
