package ctt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHParamsValid(t *testing.T) {
	assert.NoError(t, DefaultHParams().Validate())
	assert.NoError(t, testHParams().Validate())
}

func TestHParamsValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*HParams)
	}{
		{"zero capacity", func(h *HParams) { h.Capacity = 0 }},
		{"negative dropout", func(h *HParams) { h.Dropout = -0.1 }},
		{"dropout one", func(h *HParams) { h.Dropout = 1 }},
		{"negative sabs", func(h *HParams) { h.NumSABs = -1 }},
		{"zero heads", func(h *HParams) { h.NumHeads = 0 }},
		{"heads not dividing capacity", func(h *HParams) { h.NumHeads = 3 }},
		{"unknown time mode", func(h *HParams) { h.TimeEmbeddingMode = "fourier" }},
		{"unknown duration mode", func(h *HParams) { h.EncounterDurationEmbeddingMode = "buckets" }},
		{"zero timestamps", func(h *HParams) { h.NumTimestamps = 0 }},
		{"empty thermo range", func(h *HParams) {
			h.EncounterDurationEmbeddingMode = DurationEmbeddingThermo
			h.EncounterDurationThermoRange = [2]float32{3, 3}
		}},
		{"zero thermo bins", func(h *HParams) {
			h.EncounterDurationEmbeddingMode = DurationEmbeddingThermo
			h.EncounterDurationNumThermoBins = 0
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := DefaultHParams()
			c.mutate(&h)
			assert.Error(t, h.Validate())
		})
	}
}

func TestNoAttentionSkipsHeadChecks(t *testing.T) {
	h := DefaultHParams()
	h.NumSABs = 0
	h.NumHeads = 0
	assert.NoError(t, h.Validate())
}

func TestNewModelRejectsInvalidHParams(t *testing.T) {
	h := testHParams()
	h.TimeEmbeddingMode = "fourier"
	_, err := NewModel(h, 1)
	assert.Error(t, err)
}

func TestHParamsRoundTrip(t *testing.T) {
	h := testHParams()
	h.TimeEmbeddingMode = TimeEmbeddingPositional
	h.NumSABs = 3

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, h.Save(path))

	loaded, err := NewHParams(path)
	require.NoError(t, err)
	assert.Equal(t, h, loaded)
}

func TestNewHParamsPartialFile(t *testing.T) {
	// Omitted fields keep their defaults; an explicit zero overrides.
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"num_sabs": 0, "capacity": 64}`), 0644))

	h, err := NewHParams(path)
	require.NoError(t, err)
	assert.Equal(t, 0, h.NumSABs)
	assert.Equal(t, 64, h.Capacity)
	assert.Equal(t, DefaultHParams().MessageEmbeddingDim, h.MessageEmbeddingDim)
}

func TestNewHParamsMissingFile(t *testing.T) {
	_, err := NewHParams(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestDerivedDims(t *testing.T) {
	h := testHParams()
	assert.Equal(t, 4+4+4, h.MetadataDim())
	assert.Equal(t, 4+4+4+6+8+4, h.EntityDim())
}
