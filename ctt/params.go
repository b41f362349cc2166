package ctt

import (
	"math"
	"math/rand"

	"github.com/mila-iqia/COVI-ML/tensor"
	"github.com/pkg/errors"
)

// initializer produces freshly initialized parameter tensors from a seeded
// source, so that two models built with the same hyperparameters and seed
// are bit-identical.
type initializer struct {
	rng *rand.Rand
}

func newInitializer(seed int64) *initializer {
	return &initializer{rng: rand.New(rand.NewSource(seed))}
}

// linear draws a [out, in] weight matrix uniformly from
// [-1/sqrt(in), 1/sqrt(in)], the usual fan-in scaling for dense layers.
func (in *initializer) linear(out, fanIn int) *tensor.Tensor {
	t := tensor.New(out, fanIn)
	bound := 1 / math.Sqrt(float64(fanIn))
	for i := range t.Data {
		t.Data[i] = float32((in.rng.Float64()*2 - 1) * bound)
	}
	return t
}

// bias draws a [out] bias vector with the same fan-in scaling as linear.
func (in *initializer) bias(out, fanIn int) *tensor.Tensor {
	t := tensor.New(out)
	bound := 1 / math.Sqrt(float64(fanIn))
	for i := range t.Data {
		t.Data[i] = float32((in.rng.Float64()*2 - 1) * bound)
	}
	return t
}

// normal draws a standard-normal tensor; used for the learned placeholder
// vectors and embedding tables.
func (in *initializer) normal(shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(in.rng.NormFloat64())
	}
	return t
}

// namedParam pairs a parameter tensor with its checkpoint name.
type namedParam struct {
	name  string
	param *tensor.Tensor
}

// paramList accumulates named parameters in registration order, so that
// checkpoint writing is deterministic.
type paramList struct {
	params []namedParam
}

func (pl *paramList) add(name string, t *tensor.Tensor) {
	pl.params = append(pl.params, namedParam{name: name, param: t})
}

// Params returns every learned parameter of the model keyed by its
// checkpoint name, in a stable order.
func (m *Model) Params() []string {
	pl := m.paramList()
	names := make([]string, 0, len(pl.params))
	for _, p := range pl.params {
		names = append(names, p.name)
	}
	return names
}

// ParamTensors returns the model's parameters keyed by checkpoint name. The
// returned tensors alias the model's state; callers must treat them as
// read-only while any forward call is in flight.
func (m *Model) ParamTensors() map[string]*tensor.Tensor {
	pl := m.paramList()
	out := make(map[string]*tensor.Tensor, len(pl.params))
	for _, p := range pl.params {
		out[p.name] = p.param
	}
	return out
}

// LoadParams overwrites the model's parameters with the provided tensors.
// Every model parameter must be present with a matching shape, and no
// extraneous tensors are tolerated; this mirrors strict state-dict loading.
func (m *Model) LoadParams(params map[string]*tensor.Tensor) error {
	pl := m.paramList()
	seen := make(map[string]bool, len(pl.params))
	for _, p := range pl.params {
		src, ok := params[p.name]
		if !ok {
			return errors.Errorf("missing parameter %q", p.name)
		}
		if !src.ShapeEquals(p.param) {
			return errors.Errorf("parameter %q has shape %v, want %v", p.name, src.Shape, p.param.Shape)
		}
		copy(p.param.Data, src.Data)
		seen[p.name] = true
	}
	for name := range params {
		if !seen[name] {
			return errors.Errorf("unexpected parameter %q", name)
		}
	}
	return nil
}

func (m *Model) paramList() *paramList {
	pl := &paramList{}
	m.healthHistoryEmbedding.register(pl, "health_history_embedding")
	m.healthProfileEmbedding.register(pl, "health_profile_embedding")
	m.messageEmbedding.register(pl, "message_embedding")
	m.timeEmbedding.register(pl, "time_embedding")
	m.durationEmbedding.register(pl, "duration_embedding")
	m.partnerIDs.register(pl, "partner_id_embedding")
	for i, b := range m.blocks {
		b.register(pl, blockName(i))
	}
	m.encounterHead.register(pl, "encounter_mlp")
	m.latentVariableHead.register(pl, "latent_variable_mlp")
	pl.add("message_placeholder", m.messagePlaceholder)
	pl.add("partner_id_placeholder", m.partnerIDPlaceholder)
	pl.add("duration_placeholder", m.durationPlaceholder)
	return pl
}
