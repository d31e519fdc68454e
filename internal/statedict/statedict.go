// Package statedict flattens the parameters of composite models into a single
// name-keyed map and loads them back with shape checks.
//
// Keys follow the "<layer>.<param>" scheme: a Linear registered as "l1"
// contributes "l1.weight" and "l1.bias", a Conv2D registered as
// "encoder.stem" contributes "encoder.stem.weight".
package statedict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Layer is a named group of parameters.
type Layer[B tensor.Backend] struct {
	Prefix string
	Params []*nn.Parameter[B]
}

// Of is shorthand for building a Layer.
func Of[B tensor.Backend](prefix string, params []*nn.Parameter[B]) Layer[B] {
	return Layer[B]{Prefix: prefix, Params: params}
}

// Key returns the state-dict key of p inside a layer registered as prefix.
func Key(prefix, paramName string) string {
	// Born layers name their parameters "weight", "bias",
	// "conv2d.weight", "conv2d.bias".
	short := paramName
	if i := strings.LastIndex(paramName, "."); i >= 0 {
		short = paramName[i+1:]
	}
	if prefix == "" {
		return short
	}
	return prefix + "." + short
}

// Collect returns the merged state dict of layers.
// Panics on duplicate keys; that is a model wiring bug.
func Collect[B tensor.Backend](layers ...Layer[B]) map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor)
	for _, l := range layers {
		for _, p := range l.Params {
			key := Key(l.Prefix, p.Name())
			if _, dup := out[key]; dup {
				panic(fmt.Sprintf("statedict: duplicate key %q", key))
			}
			out[key] = p.Tensor().Raw()
		}
	}
	return out
}

// Load copies every entry of sd into the matching parameter of layers.
//
// All keys are validated before any data is copied, so a failed load leaves
// the parameters untouched. Unused entries in sd are reported as an error.
func Load[B tensor.Backend](sd map[string]*tensor.RawTensor, layers ...Layer[B]) error {
	type target struct {
		param *nn.Parameter[B]
		raw   *tensor.RawTensor
	}
	var (
		targets []target
		missing []string
	)
	used := make(map[string]struct{}, len(sd))
	for _, l := range layers {
		for _, p := range l.Params {
			key := Key(l.Prefix, p.Name())
			raw, ok := sd[key]
			if !ok {
				missing = append(missing, key)
				continue
			}
			want := p.Tensor().Shape()
			if !raw.Shape().Equal(want) {
				return fmt.Errorf("statedict: %s shape mismatch: expected %v, got %v", key, want, raw.Shape())
			}
			if raw.DType() != tensor.Float32 {
				return fmt.Errorf("statedict: %s dtype mismatch: expected float32, got %v", key, raw.DType())
			}
			used[key] = struct{}{}
			targets = append(targets, target{param: p, raw: raw})
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("statedict: missing keys %v", missing)
	}
	if len(used) != len(sd) {
		var extra []string
		for k := range sd {
			if _, ok := used[k]; !ok {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		return fmt.Errorf("statedict: unexpected keys %v", extra)
	}

	for _, t := range targets {
		copy(t.param.Tensor().Data(), t.raw.AsFloat32())
	}
	return nil
}

// Params concatenates the parameters of layers in registration order.
func Params[B tensor.Backend](layers ...Layer[B]) []*nn.Parameter[B] {
	var out []*nn.Parameter[B]
	for _, l := range layers {
		out = append(out, l.Params...)
	}
	return out
}
