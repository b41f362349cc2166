package ctt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mila-iqia/COVI-ML/tensor"
)

func TestParamNames(t *testing.T) {
	model, err := NewModel(testHParams(), 1)
	require.NoError(t, err)

	names := model.Params()
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		assert.False(t, seen[n], "duplicate parameter %q", n)
		seen[n] = true
	}

	for _, want := range []string{
		"health_history_embedding.fc1.weight",
		"health_profile_embedding.fc2.bias",
		"message_embedding.fc1.bias",
		"time_embedding.weight",
		"self_attention_blocks.0.fc_q.weight",
		"self_attention_blocks.1.fc_o.bias",
		"encounter_mlp.0.weight",
		"latent_variable_mlp.2.bias",
		"message_placeholder",
		"partner_id_placeholder",
		"duration_placeholder",
	} {
		assert.True(t, seen[want], "missing parameter %q", want)
	}
}

func TestParamNamesNoAttention(t *testing.T) {
	h := testHParams()
	h.NumSABs = 0
	model, err := NewModel(h, 1)
	require.NoError(t, err)

	params := model.ParamTensors()
	assert.Contains(t, params, "self_attention_blocks.0.0.weight")
	assert.Contains(t, params, "self_attention_blocks.0.4.bias")
	assert.NotContains(t, params, "self_attention_blocks.0.fc_q.weight")
}

func TestSeedDeterminism(t *testing.T) {
	a, err := NewModel(testHParams(), 42)
	require.NoError(t, err)
	b, err := NewModel(testHParams(), 42)
	require.NoError(t, err)

	pa, pb := a.ParamTensors(), b.ParamTensors()
	require.Equal(t, len(pa), len(pb))
	for name, ta := range pa {
		require.Equal(t, ta.Data, pb[name].Data, "parameter %q", name)
	}

	c, err := NewModel(testHParams(), 43)
	require.NoError(t, err)
	assert.NotEqual(t, pa["time_embedding.weight"].Data, c.ParamTensors()["time_embedding.weight"].Data)
}

func TestLoadParamsRoundTrip(t *testing.T) {
	h := testHParams()
	src, err := NewModel(h, 1)
	require.NoError(t, err)
	dst, err := NewModel(h, 99)
	require.NoError(t, err)

	in := testInputs(h, 1, 5, 3, 7)
	want, err := src.Forward(in, ForwardOptions{})
	require.NoError(t, err)

	require.NoError(t, dst.LoadParams(src.ParamTensors()))
	got, err := dst.Forward(in, ForwardOptions{})
	require.NoError(t, err)

	assert.Equal(t, want.EncounterVariables.Data, got.EncounterVariables.Data)
	assert.Equal(t, want.LatentVariable.Data, got.LatentVariable.Data)
}

func TestLoadParamsStrict(t *testing.T) {
	h := testHParams()
	model, err := NewModel(h, 1)
	require.NoError(t, err)

	full := func() map[string]*tensor.Tensor {
		other, err := NewModel(h, 2)
		require.NoError(t, err)
		return other.ParamTensors()
	}

	params := full()
	delete(params, "message_placeholder")
	assert.ErrorContains(t, model.LoadParams(params), "missing parameter")

	params = full()
	params["leftover"] = tensor.New(1)
	assert.ErrorContains(t, model.LoadParams(params), "unexpected parameter")

	params = full()
	params["message_placeholder"] = tensor.New(h.MessageEmbeddingDim + 1)
	assert.ErrorContains(t, model.LoadParams(params), "shape")
}
