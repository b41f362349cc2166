package ctt

import (
	"math"

	"github.com/mila-iqia/COVI-ML/tensor"
)

// featureEmbedder maps raw per-entity observations [B, N, C_in] to
// fixed-width vectors [B, N, outputDim]. Embedders apply the validity mask
// to their own output; the assembler masks the merged set once more, so an
// embedder that leaves residue at invalid positions still cannot leak.
type featureEmbedder interface {
	outputDim() int
	embed(x, mask *tensor.Tensor, opts ForwardOptions) *tensor.Tensor
	register(pl *paramList, prefix string)
}

// Factories for the configurable embedding strategies. Looking up an
// unknown mode fails when the model is built, before any forward call.
var timeEmbedderFactories = map[TimeEmbeddingMode]func(h HParams, init *initializer) featureEmbedder{
	TimeEmbeddingLearned: func(h HParams, init *initializer) featureEmbedder {
		return newTimeEmbedding(h.NumTimestamps, h.TimeEmbeddingDim, init)
	},
	TimeEmbeddingPositional: func(h HParams, init *initializer) featureEmbedder {
		return &positionalEncoding{dim: h.TimeEmbeddingDim}
	},
}

var durationEmbedderFactories = map[DurationEmbeddingMode]func(h HParams, init *initializer) featureEmbedder{
	DurationEmbeddingThermo: func(h HParams, init *initializer) featureEmbedder {
		return newDurationEmbedding(
			h.EncounterDurationNumThermoBins, h.EncounterDurationThermoRange,
			h.EncounterDurationEmbeddingDim, h.Capacity, h.Dropout, init)
	},
	DurationEmbeddingSines: func(h HParams, init *initializer) featureEmbedder {
		return &positionalEncoding{dim: h.EncounterDurationEmbeddingDim}
	},
}

// feedForwardEmbedding projects raw fixed-width feature vectors to the
// embedding width through a two-layer MLP with dropout:
// Linear -> ReLU -> Dropout -> Linear -> ReLU.
// Used for health history, health profile, encounter health and messages.
type feedForwardEmbedding struct {
	w1, b1  *tensor.Tensor
	w2, b2  *tensor.Tensor
	dropout float32
	out     int
}

func newFeedForwardEmbedding(in, capacity, out int, dropout float32, init *initializer) *feedForwardEmbedding {
	return &feedForwardEmbedding{
		w1:      init.linear(capacity, in),
		b1:      init.bias(capacity, in),
		w2:      init.linear(out, capacity),
		b2:      init.bias(out, capacity),
		dropout: dropout,
		out:     out,
	}
}

func (e *feedForwardEmbedding) outputDim() int { return e.out }

func (e *feedForwardEmbedding) embed(x, mask *tensor.Tensor, opts ForwardOptions) *tensor.Tensor {
	h := tensor.ReLU(tensor.Linear(x, e.w1, e.b1))
	h = applyDropout(h, e.dropout, opts)
	h = tensor.ReLU(tensor.Linear(h, e.w2, e.b2))
	if mask != nil {
		h = tensor.MulMask(h, mask)
	}
	return h
}

func (e *feedForwardEmbedding) register(pl *paramList, prefix string) {
	pl.add(prefix+".fc1.weight", e.w1)
	pl.add(prefix+".fc1.bias", e.b1)
	pl.add(prefix+".fc2.weight", e.w2)
	pl.add(prefix+".fc2.bias", e.b2)
}

// timeEmbedding is a learned lookup table keyed by the magnitude of the day
// offset. Offsets are relative (today = 0, yesterday = -1); offsets past the
// end of the table clamp to its last row.
type timeEmbedding struct {
	table *tensor.Tensor // [numTimestamps, dim]
	dim   int
}

func newTimeEmbedding(numTimestamps, dim int, init *initializer) *timeEmbedding {
	return &timeEmbedding{table: init.normal(numTimestamps, dim), dim: dim}
}

func (e *timeEmbedding) outputDim() int { return e.dim }

func (e *timeEmbedding) embed(x, mask *tensor.Tensor, opts ForwardOptions) *tensor.Tensor {
	b, n := x.Dim(0), x.Dim(1)
	rows := e.table.Dim(0)
	y := tensor.New(b, n, e.dim)
	for i := 0; i < b*n; i++ {
		day := int(x.Data[i])
		if day < 0 {
			day = -day
		}
		if day >= rows {
			day = rows - 1
		}
		copy(y.Data[i*e.dim:(i+1)*e.dim], e.table.Data[day*e.dim:(day+1)*e.dim])
	}
	if mask != nil {
		y = tensor.MulMask(y, mask)
	}
	return y
}

func (e *timeEmbedding) register(pl *paramList, prefix string) {
	pl.add(prefix+".weight", e.table)
}

// positionalEncoding is the parameter-free sinusoidal encoding of a scalar,
// interleaving sin and cos at geometrically spaced frequencies. It serves as
// the non-learned variant for both day offsets and encounter durations.
type positionalEncoding struct {
	dim int
}

func (e *positionalEncoding) outputDim() int { return e.dim }

func (e *positionalEncoding) embed(x, mask *tensor.Tensor, opts ForwardOptions) *tensor.Tensor {
	b, n := x.Dim(0), x.Dim(1)
	y := tensor.New(b, n, e.dim)
	for i := 0; i < b*n; i++ {
		v := float64(x.Data[i])
		out := y.Data[i*e.dim : (i+1)*e.dim]
		for j := 0; j < e.dim/2; j++ {
			freq := math.Pow(10000, -2*float64(j)/float64(e.dim))
			out[2*j] = float32(math.Sin(v * freq))
			out[2*j+1] = float32(math.Cos(v * freq))
		}
		if e.dim%2 == 1 {
			j := e.dim / 2
			freq := math.Pow(10000, -2*float64(j)/float64(e.dim))
			out[e.dim-1] = float32(math.Sin(v * freq))
		}
	}
	if mask != nil {
		y = tensor.MulMask(y, mask)
	}
	return y
}

func (e *positionalEncoding) register(pl *paramList, prefix string) {}

// durationEmbedding thermometer-encodes the duration proxy over a fixed
// range and projects the bins through the usual two-layer MLP.
type durationEmbedding struct {
	bins int
	lo   float32
	step float32
	mlp  *feedForwardEmbedding
}

func newDurationEmbedding(bins int, thermoRange [2]float32, out, capacity int, dropout float32, init *initializer) *durationEmbedding {
	return &durationEmbedding{
		bins: bins,
		lo:   thermoRange[0],
		step: (thermoRange[1] - thermoRange[0]) / float32(bins),
		mlp:  newFeedForwardEmbedding(bins, capacity, out, dropout, init),
	}
}

func (e *durationEmbedding) outputDim() int { return e.mlp.outputDim() }

// thermometer fills bin k with clamp((x - lo)/step - k, 0, 1): bins fully
// below the value saturate at 1, the bin containing it holds the fraction,
// bins above stay 0.
func (e *durationEmbedding) thermometer(x *tensor.Tensor) *tensor.Tensor {
	b, n := x.Dim(0), x.Dim(1)
	y := tensor.New(b, n, e.bins)
	for i := 0; i < b*n; i++ {
		level := (x.Data[i] - e.lo) / e.step
		out := y.Data[i*e.bins : (i+1)*e.bins]
		for k := 0; k < e.bins; k++ {
			v := level - float32(k)
			if v <= 0 {
				break
			}
			if v > 1 {
				v = 1
			}
			out[k] = v
		}
	}
	return y
}

func (e *durationEmbedding) embed(x, mask *tensor.Tensor, opts ForwardOptions) *tensor.Tensor {
	return e.mlp.embed(e.thermometer(x), mask, opts)
}

func (e *durationEmbedding) register(pl *paramList, prefix string) {
	e.mlp.register(pl, prefix)
}

// partnerIDEncoder produces the partner-id channel of encounter entities.
// The two implementations make the configuration choice explicit: either a
// learned projection of the raw id bits, or a single placeholder vector
// broadcast to every slot (in which case the raw bits are ignored entirely).
type partnerIDEncoder interface {
	encode(raw, mask *tensor.Tensor, opts ForwardOptions) *tensor.Tensor
	register(pl *paramList, prefix string)
}

// learnedPartnerID projects the bit-encoded partner id to the embedding
// width.
type learnedPartnerID struct {
	w, b *tensor.Tensor
}

func newLearnedPartnerID(idBits, dim int, init *initializer) *learnedPartnerID {
	return &learnedPartnerID{w: init.linear(dim, idBits), b: init.bias(dim, idBits)}
}

func (e *learnedPartnerID) encode(raw, mask *tensor.Tensor, opts ForwardOptions) *tensor.Tensor {
	return tensor.MulMask(tensor.ReLU(tensor.Linear(raw, e.w, e.b)), mask)
}

func (e *learnedPartnerID) register(pl *paramList, prefix string) {
	pl.add(prefix+".weight", e.w)
	pl.add(prefix+".bias", e.b)
}

// placeholderPartnerID broadcasts the shared placeholder vector to every
// encounter slot and zeroes it at padding.
type placeholderPartnerID struct {
	placeholder *tensor.Tensor // [dim], shared with the self-entity path
}

func (e *placeholderPartnerID) encode(raw, mask *tensor.Tensor, opts ForwardOptions) *tensor.Tensor {
	b, m := mask.Dim(0), mask.Dim(1)
	return tensor.MulMask(tensor.ExpandVec(e.placeholder, b, m), mask)
}

func (e *placeholderPartnerID) register(pl *paramList, prefix string) {
	// The placeholder itself is registered once at the model level.
}

// applyDropout samples an inverted-dropout mask when a forward call opts
// into training mode. Inference calls leave the input untouched, keeping
// the forward pass deterministic.
func applyDropout(x *tensor.Tensor, rate float32, opts ForwardOptions) *tensor.Tensor {
	if !opts.Training || rate == 0 {
		return x
	}
	keep := 1 - rate
	y := tensor.New(x.Shape...)
	inv := 1 / keep
	for i, v := range x.Data {
		if opts.Rand.Float32() < keep {
			y.Data[i] = v * inv
		}
	}
	return y
}
