package tensor

import (
	"fmt"
	"math"
)

// Ops panic on shape mismatches: every caller in this repository validates
// input shapes against the model configuration before touching the math, so
// a mismatch here is a programming error, not a runtime condition.

// Linear computes x @ W^T + b over the trailing dimension of x.
// x: [..., in], w: [out, in], b: [out] or nil. Result: [..., out].
func Linear(x, w, b *Tensor) *Tensor {
	in := x.Dim(x.Rank() - 1)
	if w.Rank() != 2 || w.Dim(1) != in {
		panic(fmt.Sprintf("tensor: linear weight %v incompatible with input %v", w.Shape, x.Shape))
	}
	out := w.Dim(0)
	if b != nil && b.Numel() != out {
		panic(fmt.Sprintf("tensor: linear bias %v incompatible with weight %v", b.Shape, w.Shape))
	}

	rows := x.leadingSize()
	shape := append(append([]int{}, x.Shape[:x.Rank()-1]...), out)
	y := New(shape...)
	for r := 0; r < rows; r++ {
		xRow := x.Data[r*in : (r+1)*in]
		yRow := y.Data[r*out : (r+1)*out]
		for o := 0; o < out; o++ {
			wRow := w.Data[o*in : (o+1)*in]
			var sum float32
			for i, xv := range xRow {
				sum += xv * wRow[i]
			}
			if b != nil {
				sum += b.Data[o]
			}
			yRow[o] = sum
		}
	}
	return y
}

// ReLU applies max(0, x) elementwise.
func ReLU(x *Tensor) *Tensor {
	y := New(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		}
	}
	return y
}

// Sigmoid applies the logistic function elementwise.
func Sigmoid(x *Tensor) *Tensor {
	y := New(x.Shape...)
	for i, v := range x.Data {
		y.Data[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
	return y
}

// Add returns a + b elementwise.
func Add(a, b *Tensor) *Tensor {
	if !a.ShapeEquals(b) {
		panic(fmt.Sprintf("tensor: cannot add %v and %v", a.Shape, b.Shape))
	}
	y := New(a.Shape...)
	for i, v := range a.Data {
		y.Data[i] = v + b.Data[i]
	}
	return y
}

// Scale returns x * s elementwise.
func Scale(x *Tensor, s float32) *Tensor {
	y := New(x.Shape...)
	for i, v := range x.Data {
		y.Data[i] = v * s
	}
	return y
}

// ConcatFeature concatenates rank-3 tensors along the trailing (channel)
// dimension. All inputs must agree on the leading two dimensions.
func ConcatFeature(xs ...*Tensor) *Tensor {
	b, n := xs[0].Dim(0), xs[0].Dim(1)
	var channels int
	for _, x := range xs {
		if x.Rank() != 3 || x.Dim(0) != b || x.Dim(1) != n {
			panic(fmt.Sprintf("tensor: feature concat of %v with leading dims (%d, %d)", x.Shape, b, n))
		}
		channels += x.Dim(2)
	}

	y := New(b, n, channels)
	for i := 0; i < b*n; i++ {
		off := i * channels
		for _, x := range xs {
			c := x.Dim(2)
			copy(y.Data[off:off+c], x.Data[i*c:(i+1)*c])
			off += c
		}
	}
	return y
}

// ConcatSet concatenates rank-3 tensors along the entity (middle) dimension.
// All inputs must agree on batch size and channel width.
func ConcatSet(xs ...*Tensor) *Tensor {
	b, c := xs[0].Dim(0), xs[0].Dim(2)
	var n int
	for _, x := range xs {
		if x.Rank() != 3 || x.Dim(0) != b || x.Dim(2) != c {
			panic(fmt.Sprintf("tensor: set concat of %v with batch %d, channels %d", x.Shape, b, c))
		}
		n += x.Dim(1)
	}

	y := New(b, n, c)
	for bi := 0; bi < b; bi++ {
		off := bi * n * c
		for _, x := range xs {
			rows := x.Dim(1) * c
			copy(y.Data[off:off+rows], x.Data[bi*rows:(bi+1)*rows])
			off += rows
		}
	}
	return y
}

// ConcatMask concatenates rank-2 masks along the trailing dimension.
func ConcatMask(xs ...*Tensor) *Tensor {
	b := xs[0].Dim(0)
	var n int
	for _, x := range xs {
		if x.Rank() != 2 || x.Dim(0) != b {
			panic(fmt.Sprintf("tensor: mask concat of %v with batch %d", x.Shape, b))
		}
		n += x.Dim(1)
	}

	y := New(b, n)
	for bi := 0; bi < b; bi++ {
		off := bi * n
		for _, x := range xs {
			m := x.Dim(1)
			copy(y.Data[off:off+m], x.Data[bi*m:(bi+1)*m])
			off += m
		}
	}
	return y
}

// NarrowSet returns rows [from, to) along the entity dimension of a rank-3
// tensor. The result is a copy.
func NarrowSet(x *Tensor, from, to int) *Tensor {
	b, n, c := x.Dim(0), x.Dim(1), x.Dim(2)
	if from < 0 || to > n || from > to {
		panic(fmt.Sprintf("tensor: narrow [%d, %d) out of range for %v", from, to, x.Shape))
	}
	y := New(b, to-from, c)
	for bi := 0; bi < b; bi++ {
		src := (bi*n + from) * c
		dst := bi * (to - from) * c
		copy(y.Data[dst:dst+(to-from)*c], x.Data[src:src+(to-from)*c])
	}
	return y
}

// NarrowFeature returns channels [from, to) of a rank-3 tensor as a copy.
func NarrowFeature(x *Tensor, from, to int) *Tensor {
	b, n, c := x.Dim(0), x.Dim(1), x.Dim(2)
	if from < 0 || to > c || from > to {
		panic(fmt.Sprintf("tensor: narrow channels [%d, %d) out of range for %v", from, to, x.Shape))
	}
	y := New(b, n, to-from)
	for i := 0; i < b*n; i++ {
		copy(y.Data[i*(to-from):(i+1)*(to-from)], x.Data[i*c+from:i*c+to])
	}
	return y
}

// MulMask multiplies entities [B, N, C] by a validity mask [B, N], broadcast
// over the channel dimension. Masked rows come out exactly zero.
func MulMask(x, mask *Tensor) *Tensor {
	b, n, c := x.Dim(0), x.Dim(1), x.Dim(2)
	if mask.Rank() != 2 || mask.Dim(0) != b || mask.Dim(1) != n {
		panic(fmt.Sprintf("tensor: mask %v incompatible with entities %v", mask.Shape, x.Shape))
	}
	y := New(b, n, c)
	for i := 0; i < b*n; i++ {
		m := mask.Data[i]
		if m == 0 {
			continue
		}
		for j := i * c; j < (i+1)*c; j++ {
			y.Data[j] = x.Data[j] * m
		}
	}
	return y
}

// OuterMask computes the pairwise mask [B, N, N] as the outer product of a
// validity mask [B, N] with itself. Entry (i, j) is nonzero only when both
// entities i and j are valid.
func OuterMask(mask *Tensor) *Tensor {
	b, n := mask.Dim(0), mask.Dim(1)
	y := New(b, n, n)
	for bi := 0; bi < b; bi++ {
		row := mask.Data[bi*n : (bi+1)*n]
		for i := 0; i < n; i++ {
			if row[i] == 0 {
				continue
			}
			out := y.Data[(bi*n+i)*n : (bi*n+i+1)*n]
			for j := 0; j < n; j++ {
				out[j] = row[i] * row[j]
			}
		}
	}
	return y
}

// BMMTranspose computes the batched product a @ b^T.
// a: [B, N, C], b: [B, M, C]. Result: [B, N, M].
func BMMTranspose(a, b *Tensor) *Tensor {
	bs, n, c := a.Dim(0), a.Dim(1), a.Dim(2)
	if b.Rank() != 3 || b.Dim(0) != bs || b.Dim(2) != c {
		panic(fmt.Sprintf("tensor: bmm^T of %v and %v", a.Shape, b.Shape))
	}
	m := b.Dim(1)
	y := New(bs, n, m)
	for bi := 0; bi < bs; bi++ {
		for i := 0; i < n; i++ {
			aRow := a.Data[(bi*n+i)*c : (bi*n+i+1)*c]
			yRow := y.Data[(bi*n+i)*m : (bi*n+i+1)*m]
			for j := 0; j < m; j++ {
				bRow := b.Data[(bi*m+j)*c : (bi*m+j+1)*c]
				var sum float32
				for k, av := range aRow {
					sum += av * bRow[k]
				}
				yRow[j] = sum
			}
		}
	}
	return y
}

// BMM computes the batched product a @ b.
// a: [B, N, M], b: [B, M, C]. Result: [B, N, C].
func BMM(a, b *Tensor) *Tensor {
	bs, n, m := a.Dim(0), a.Dim(1), a.Dim(2)
	if b.Rank() != 3 || b.Dim(0) != bs || b.Dim(1) != m {
		panic(fmt.Sprintf("tensor: bmm of %v and %v", a.Shape, b.Shape))
	}
	c := b.Dim(2)
	y := New(bs, n, c)
	for bi := 0; bi < bs; bi++ {
		for i := 0; i < n; i++ {
			aRow := a.Data[(bi*n+i)*m : (bi*n+i+1)*m]
			yRow := y.Data[(bi*n+i)*c : (bi*n+i+1)*c]
			for j, av := range aRow {
				if av == 0 {
					continue
				}
				bRow := b.Data[(bi*m+j)*c : (bi*m+j+1)*c]
				for k, bv := range bRow {
					yRow[k] += av * bv
				}
			}
		}
	}
	return y
}

// MaskedSoftmax normalizes scores [B, N, M] along the trailing dimension,
// with the exponential of every entry multiplied by the corresponding weight
// in weights [B, N, M] before normalization. A zero weight therefore forces
// an exactly-zero probability, rather than a very small one.
//
// Rows whose weighted normalizer is zero (every key masked out, which
// happens for batch elements with no valid entities) produce an all-zero
// distribution instead of NaN.
func MaskedSoftmax(scores, weights *Tensor) *Tensor {
	if !scores.ShapeEquals(weights) {
		panic(fmt.Sprintf("tensor: softmax weights %v incompatible with scores %v", weights.Shape, scores.Shape))
	}
	b, n, m := scores.Dim(0), scores.Dim(1), scores.Dim(2)
	y := New(b, n, m)
	for r := 0; r < b*n; r++ {
		row := scores.Data[r*m : (r+1)*m]
		wRow := weights.Data[r*m : (r+1)*m]
		out := y.Data[r*m : (r+1)*m]

		// The max shift considers valid entries only, so padded keys cannot
		// perturb the numerics of the rest of the row.
		max := float32(math.Inf(-1))
		for j, v := range row {
			if wRow[j] != 0 && v > max {
				max = v
			}
		}

		var sum float32
		for j, v := range row {
			if wRow[j] == 0 {
				continue
			}
			e := wRow[j] * float32(math.Exp(float64(v-max)))
			out[j] = e
			sum += e
		}
		if sum == 0 {
			continue
		}
		inv := 1 / sum
		for j := range out {
			out[j] *= inv
		}
	}
	return y
}

// Expand broadcasts a per-batch feature vector [B, C] to [B, N, C].
func Expand(x *Tensor, n int) *Tensor {
	b, c := x.Dim(0), x.Dim(1)
	y := New(b, n, c)
	for bi := 0; bi < b; bi++ {
		src := x.Data[bi*c : (bi+1)*c]
		for i := 0; i < n; i++ {
			copy(y.Data[(bi*n+i)*c:(bi*n+i+1)*c], src)
		}
	}
	return y
}

// ExpandVec broadcasts a single feature vector [C] to [B, N, C].
func ExpandVec(v *Tensor, b, n int) *Tensor {
	c := v.Numel()
	y := New(b, n, c)
	for i := 0; i < b*n; i++ {
		copy(y.Data[i*c:(i+1)*c], v.Data)
	}
	return y
}
