package safetensors

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mila-iqia/COVI-ML/tensor"
)

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	in := map[string]*tensor.Tensor{
		"weight": tensor.FromSlice([]float32{1, -2.5, 3, 0.125, 5, 6}, 2, 3),
		"bias":   tensor.FromSlice([]float32{-0.5, 0.5}, 2),
		"scalar": tensor.FromSlice([]float32{7}, 1),
	}
	require.NoError(t, Save(path, in))

	out, err := Load(path)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for name, want := range in {
		require.Contains(t, out, name)
		assert.Equal(t, want.Shape, out[name].Shape)
		assert.Equal(t, want.Data, out[name].Data)
	}
}

func TestSaveDeterministic(t *testing.T) {
	dir := t.TempDir()
	tensors := map[string]*tensor.Tensor{
		"b": tensor.FromSlice([]float32{1, 2}, 2),
		"a": tensor.FromSlice([]float32{3, 4, 5}, 3),
		"c": tensor.FromSlice([]float32{6}, 1),
	}

	pathA := filepath.Join(dir, "a.safetensors")
	pathB := filepath.Join(dir, "b.safetensors")
	require.NoError(t, Save(pathA, tensors))
	require.NoError(t, Save(pathB, tensors))

	bufA, err := os.ReadFile(pathA)
	require.NoError(t, err)
	bufB, err := os.ReadFile(pathB)
	require.NoError(t, err)
	assert.Equal(t, bufA, bufB)
}

func TestLoadSkipsMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.safetensors")

	header := []byte(`{"__metadata__":{"format":"pt"},"x":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`)
	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	buf = append(buf, header...)
	buf = binary.LittleEndian.AppendUint32(buf, 0x3f800000) // 1.0
	require.NoError(t, os.WriteFile(path, buf, 0644))

	out, err := Load(path)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []float32{1}, out["x"].Data)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, buf []byte) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, buf, 0644))
		return path
	}
	withHeader := func(header string, payload []byte) []byte {
		buf := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
		buf = append(buf, header...)
		return append(buf, payload...)
	}

	_, err := Load(filepath.Join(dir, "missing.safetensors"))
	assert.Error(t, err)

	_, err = Load(write("tiny", []byte{1, 2, 3}))
	assert.ErrorContains(t, err, "too small")

	truncated := binary.LittleEndian.AppendUint64(nil, 1<<20)
	_, err = Load(write("truncated", truncated))
	assert.ErrorContains(t, err, "header length")

	_, err = Load(write("badjson", withHeader(`{`, nil)))
	assert.ErrorContains(t, err, "parsing header")

	_, err = Load(write("f64", withHeader(
		`{"x":{"dtype":"F64","shape":[1],"data_offsets":[0,8]}}`, make([]byte, 8))))
	assert.ErrorContains(t, err, "unsupported dtype")

	_, err = Load(write("offsets", withHeader(
		`{"x":{"dtype":"F32","shape":[2],"data_offsets":[0,4]}}`, make([]byte, 8))))
	assert.ErrorContains(t, err, "data offsets")
}
