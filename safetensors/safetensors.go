// Package safetensors reads and writes model checkpoints in the safetensors
// format: an 8-byte little-endian header length, a JSON table describing
// each tensor (dtype, shape, byte offsets), and the raw tensor payload.
// Only F32 tensors are supported; that is the only dtype this project's
// checkpoints contain.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"sort"

	"github.com/mila-iqia/COVI-ML/tensor"
	"github.com/pkg/errors"
)

// tensorInfo describes one tensor in the file header.
type tensorInfo struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// Load reads every tensor from the file at path.
func Load(path string) (map[string]*tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading '%s'", path)
	}
	if len(data) < 8 {
		return nil, errors.Errorf("'%s' is too small to be a safetensors file (%d bytes)", path, len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, errors.Errorf("'%s': header length %d exceeds file size %d", path, headerLen, len(data))
	}
	payload := data[8+headerLen:]

	// The header may carry a __metadata__ entry, which is not a tensor.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, errors.Wrapf(err, "error parsing header of '%s'", path)
	}

	out := make(map[string]*tensor.Tensor, len(raw))
	for name, entry := range raw {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(entry, &info); err != nil {
			return nil, errors.Wrapf(err, "error parsing header entry %q in '%s'", name, path)
		}
		t, err := decode(name, info, payload)
		if err != nil {
			return nil, errors.Wrapf(err, "error decoding tensor %q from '%s'", name, path)
		}
		out[name] = t
	}
	return out, nil
}

func decode(name string, info tensorInfo, payload []byte) (*tensor.Tensor, error) {
	if info.Dtype != "F32" {
		return nil, errors.Errorf("unsupported dtype %q", info.Dtype)
	}

	numel := 1
	for _, s := range info.Shape {
		if s < 0 {
			return nil, errors.Errorf("negative dimension in shape %v", info.Shape)
		}
		numel *= s
	}

	lo, hi := info.DataOffsets[0], info.DataOffsets[1]
	if lo < 0 || hi > len(payload) || hi-lo != numel*4 {
		return nil, errors.Errorf("data offsets [%d, %d) inconsistent with shape %v", lo, hi, info.Shape)
	}

	t := tensor.New(info.Shape...)
	for i := 0; i < numel; i++ {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[lo+i*4:]))
	}
	return t, nil
}

// Save writes the provided tensors to path. Tensors are laid out in
// lexicographic name order, so identical inputs produce identical files.
func Save(path string, tensors map[string]*tensor.Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorInfo, len(names))
	var offset int
	for _, name := range names {
		t := tensors[name]
		size := t.Numel() * 4
		header[name] = tensorInfo{
			Dtype:       "F32",
			Shape:       t.Shape,
			DataOffsets: [2]int{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrapf(err, "error encoding header")
	}

	buf := make([]byte, 0, 8+len(headerJSON)+offset)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}

	if err := os.WriteFile(path, buf, 0644); err != nil {
		return errors.Wrapf(err, "error writing '%s'", path)
	}
	return nil
}
