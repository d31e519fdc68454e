// Package checkpoint saves and restores module state dicts as SafeTensors
// files.
//
// Layout:
//
//	[8 bytes: header size, uint64 LE]
//	[header: JSON, tensor name -> {dtype, shape, data_offsets}]
//	[tensor data, float32 LE, in header name order]
//
// The model type and caller metadata live under "__metadata__".
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

const (
	metadataKey  = "__metadata__"
	modelTypeKey = "model_type"
	dtypeF32     = "F32"

	// maxHeader bounds the JSON header read from untrusted files.
	maxHeader = 100 << 20
)

// ErrFormat is returned for files that are not float32 SafeTensors.
var ErrFormat = errors.New("checkpoint: invalid format")

// Header describes a saved checkpoint.
type Header struct {
	ModelType string
	Metadata  map[string]string
	Tensors   int
}

type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Save writes module's state dict to path.
func Save[B tensor.Backend](module nn.Module[B], path, modelType string, metadata map[string]string) error {
	return WriteStateDict(path, module.StateDict(), modelType, metadata)
}

// WriteStateDict writes sd to path. Every tensor must be float32.
func WriteStateDict(path string, sd map[string]*tensor.RawTensor, modelType string, metadata map[string]string) error {
	names := make([]string, 0, len(sd))
	for name := range sd {
		if name == metadataKey {
			return fmt.Errorf("checkpoint: reserved tensor name %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[modelTypeKey] = modelType

	header := make(map[string]any, len(names)+1)
	header[metadataKey] = meta
	var offset int64
	for _, name := range names {
		raw := sd[name]
		if raw.DType() != tensor.Float32 {
			return fmt.Errorf("checkpoint: %s: unsupported dtype %v", name, raw.DType())
		}
		shape := raw.Shape()
		dims := make([]int64, len(shape))
		for i, d := range shape {
			dims[i] = int64(d)
		}
		size := int64(4 * len(raw.AsFloat32()))
		header[name] = tensorHeader{DType: dtypeF32, Shape: dims, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal header: %w", err)
	}

	buf := make([]byte, 8, 8+len(headerJSON)+int(offset))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)
	for _, name := range names {
		for _, v := range sd[name].AsFloat32() {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}

	//nolint:gosec // G306: checkpoints are not secrets.
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Load reads path and loads it into module.
func Load[B tensor.Backend](path string, backend B, module nn.Module[B]) (Header, error) {
	h, sd, err := ReadStateDict(path, backend)
	if err != nil {
		return Header{}, err
	}
	if err := module.LoadStateDict(sd); err != nil {
		return Header{}, fmt.Errorf("checkpoint: %s: %w", path, err)
	}
	return h, nil
}

// ReadStateDict reads every tensor of path onto backend.
func ReadStateDict[B tensor.Backend](path string, backend B) (Header, map[string]*tensor.RawTensor, error) {
	//nolint:gosec // G304: path is a user-provided checkpoint.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("checkpoint: %w", err)
	}
	if len(raw) < 8 {
		return Header{}, nil, fmt.Errorf("%w: %s: file too short", ErrFormat, path)
	}
	n := binary.LittleEndian.Uint64(raw[:8])
	if n > maxHeader || n > uint64(len(raw)-8) {
		return Header{}, nil, fmt.Errorf("%w: %s: header size %d", ErrFormat, path, n)
	}
	body := raw[8+n:]

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+n], &entries); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %s: %v", ErrFormat, path, err)
	}

	h := Header{Metadata: map[string]string{}}
	if m, ok := entries[metadataKey]; ok {
		if err := json.Unmarshal(m, &h.Metadata); err != nil {
			return Header{}, nil, fmt.Errorf("%w: %s: metadata: %v", ErrFormat, path, err)
		}
		h.ModelType = h.Metadata[modelTypeKey]
		delete(h.Metadata, modelTypeKey)
		delete(entries, metadataKey)
	}

	sd := make(map[string]*tensor.RawTensor, len(entries))
	for name, msg := range entries {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return Header{}, nil, fmt.Errorf("%w: %s: tensor %s: %v", ErrFormat, path, name, err)
		}
		t, err := decode(name, th, body, backend)
		if err != nil {
			return Header{}, nil, fmt.Errorf("%w: %s: %v", ErrFormat, path, err)
		}
		sd[name] = t
	}
	h.Tensors = len(sd)
	return h, sd, nil
}

func decode[B tensor.Backend](name string, th tensorHeader, body []byte, backend B) (*tensor.RawTensor, error) {
	if th.DType != dtypeF32 {
		return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, th.DType)
	}
	shape := make(tensor.Shape, len(th.Shape))
	count := int64(1)
	for i, d := range th.Shape {
		if d < 0 {
			return nil, fmt.Errorf("tensor %s: negative dimension in %v", name, th.Shape)
		}
		shape[i] = int(d)
		count *= d
	}
	start, end := th.DataOffsets[0], th.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(body)) || end-start != 4*count {
		return nil, fmt.Errorf("tensor %s: offsets %v do not hold shape %v", name, th.DataOffsets, th.Shape)
	}

	data := make([]float32, count)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[start+4*int64(i):]))
	}
	t, err := tensor.FromSlice(data, shape, backend)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return t.Raw(), nil
}
