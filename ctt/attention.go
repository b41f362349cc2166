package ctt

import (
	"fmt"
	"math"

	"github.com/mila-iqia/COVI-ML/tensor"
)

// attentionBlock is one round of the self-attention stack. It consumes an
// entity matrix [B, N, inDim] plus the pairwise attention mask [B, N, N] and
// produces a new entity matrix [B, N, outDim]. The stack runs blocks in
// order, re-masking and re-injecting metadata between rounds.
type attentionBlock interface {
	forward(x, attnMask *tensor.Tensor) *tensor.Tensor
	register(pl *paramList, prefix string)
}

func blockName(i int) string {
	return fmt.Sprintf("self_attention_blocks.%d", i)
}

// selfAttentionBlock is a masked multi-head set-attention block: per-head
// scaled dot-product attention with the projected queries as residual,
// followed by a residual feed-forward layer.
type selfAttentionBlock struct {
	wq, bq *tensor.Tensor // [dimOut, dimIn]
	wk, bk *tensor.Tensor
	wv, bv *tensor.Tensor
	wo, bo *tensor.Tensor // [dimOut, dimOut]

	heads  int
	dimOut int
}

func newSelfAttentionBlock(dimIn, dimOut, heads int, init *initializer) *selfAttentionBlock {
	return &selfAttentionBlock{
		wq: init.linear(dimOut, dimIn), bq: init.bias(dimOut, dimIn),
		wk: init.linear(dimOut, dimIn), bk: init.bias(dimOut, dimIn),
		wv: init.linear(dimOut, dimIn), bv: init.bias(dimOut, dimIn),
		wo: init.linear(dimOut, dimOut), bo: init.bias(dimOut, dimOut),
		heads:  heads,
		dimOut: dimOut,
	}
}

func (s *selfAttentionBlock) forward(x, attnMask *tensor.Tensor) *tensor.Tensor {
	b, n := x.Dim(0), x.Dim(1)

	q := tensor.Linear(x, s.wq, s.bq)
	k := tensor.Linear(x, s.wk, s.bk)
	v := tensor.Linear(x, s.wv, s.bv)

	// Scores are scaled by the full output width, not the per-head width;
	// this matches the set-transformer reference the weights were trained
	// against.
	scale := float32(1 / math.Sqrt(float64(s.dimOut)))

	headDim := s.dimOut / s.heads
	out := tensor.New(b, n, s.dimOut)
	for h := 0; h < s.heads; h++ {
		lo, hi := h*headDim, (h+1)*headDim
		qh := tensor.NarrowFeature(q, lo, hi)
		kh := tensor.NarrowFeature(k, lo, hi)
		vh := tensor.NarrowFeature(v, lo, hi)

		scores := tensor.Scale(tensor.BMMTranspose(qh, kh), scale)
		attn := tensor.MaskedSoftmax(scores, attnMask)

		// Residual on the projected queries, per head.
		oh := tensor.Add(qh, tensor.BMM(attn, vh))
		for bi := 0; bi < b; bi++ {
			for i := 0; i < n; i++ {
				copy(out.Data[(bi*n+i)*s.dimOut+lo:(bi*n+i)*s.dimOut+hi],
					oh.Data[(bi*n+i)*headDim:(bi*n+i+1)*headDim])
			}
		}
	}

	return tensor.Add(out, tensor.ReLU(tensor.Linear(out, s.wo, s.bo)))
}

func (s *selfAttentionBlock) register(pl *paramList, prefix string) {
	pl.add(prefix+".fc_q.weight", s.wq)
	pl.add(prefix+".fc_q.bias", s.bq)
	pl.add(prefix+".fc_k.weight", s.wk)
	pl.add(prefix+".fc_k.bias", s.bk)
	pl.add(prefix+".fc_v.weight", s.wv)
	pl.add(prefix+".fc_v.bias", s.bv)
	pl.add(prefix+".fc_o.weight", s.wo)
	pl.add(prefix+".fc_o.bias", s.bo)
}

// feedForwardBlock replaces the attention stack when zero attention blocks
// are configured: a plain three-layer MLP applied per entity, with no
// cross-entity interaction. This is the deliberate ablation baseline, not an
// error path.
type feedForwardBlock struct {
	w1, b1 *tensor.Tensor
	w2, b2 *tensor.Tensor
	w3, b3 *tensor.Tensor
}

func newFeedForwardBlock(dimIn, dimOut int, init *initializer) *feedForwardBlock {
	return &feedForwardBlock{
		w1: init.linear(dimOut, dimIn), b1: init.bias(dimOut, dimIn),
		w2: init.linear(dimOut, dimOut), b2: init.bias(dimOut, dimOut),
		w3: init.linear(dimOut, dimOut), b3: init.bias(dimOut, dimOut),
	}
}

func (f *feedForwardBlock) forward(x, attnMask *tensor.Tensor) *tensor.Tensor {
	h := tensor.ReLU(tensor.Linear(x, f.w1, f.b1))
	h = tensor.ReLU(tensor.Linear(h, f.w2, f.b2))
	return tensor.ReLU(tensor.Linear(h, f.w3, f.b3))
}

func (f *feedForwardBlock) register(pl *paramList, prefix string) {
	pl.add(prefix+".0.weight", f.w1)
	pl.add(prefix+".0.bias", f.b1)
	pl.add(prefix+".2.weight", f.w2)
	pl.add(prefix+".2.bias", f.b2)
	pl.add(prefix+".4.weight", f.w3)
	pl.add(prefix+".4.bias", f.b3)
}

// outputHead projects final entity features to the task output width:
// Linear -> ReLU -> Linear.
type outputHead struct {
	w1, b1 *tensor.Tensor
	w2, b2 *tensor.Tensor
}

func newOutputHead(in, capacity, out int, init *initializer) *outputHead {
	return &outputHead{
		w1: init.linear(capacity, in), b1: init.bias(capacity, in),
		w2: init.linear(out, capacity), b2: init.bias(out, capacity),
	}
}

func (o *outputHead) forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Linear(tensor.ReLU(tensor.Linear(x, o.w1, o.b1)), o.w2, o.b2)
}

func (o *outputHead) register(pl *paramList, prefix string) {
	pl.add(prefix+".0.weight", o.w1)
	pl.add(prefix+".0.bias", o.b1)
	pl.add(prefix+".2.weight", o.w2)
	pl.add(prefix+".2.bias", o.b2)
}
