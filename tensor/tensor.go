package tensor

import (
	"fmt"
)

// Tensor is a dense, row-major float32 array of arbitrary rank.
// The model operates almost exclusively on rank-3 tensors shaped
// [batch, entities, channels].
type Tensor struct {
	Data  []float32
	Shape []int
}

// New allocates a zero-filled tensor with the provided shape.
func New(shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		if s < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
		size *= s
	}
	return &Tensor{Data: make([]float32, size), Shape: append([]int{}, shape...)}
}

// FromSlice wraps data in a tensor of the provided shape. The slice is not
// copied; it must have exactly as many elements as the shape implies.
func FromSlice(data []float32, shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		size *= s
	}
	if len(data) != size {
		panic(fmt.Sprintf("tensor: %d elements cannot be shaped into %v", len(data), shape))
	}
	return &Tensor{Data: data, Shape: append([]int{}, shape...)}
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Numel returns the total number of elements.
func (t *Tensor) Numel() int {
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	d := make([]float32, len(t.Data))
	copy(d, t.Data)
	return &Tensor{Data: d, Shape: append([]int{}, t.Shape...)}
}

// At2 reads element (i, j) of a rank-2 tensor.
func (t *Tensor) At2(i, j int) float32 {
	return t.Data[i*t.Shape[1]+j]
}

// Set2 writes element (i, j) of a rank-2 tensor.
func (t *Tensor) Set2(i, j int, v float32) {
	t.Data[i*t.Shape[1]+j] = v
}

// At3 reads element (b, n, c) of a rank-3 tensor.
func (t *Tensor) At3(b, n, c int) float32 {
	return t.Data[(b*t.Shape[1]+n)*t.Shape[2]+c]
}

// Set3 writes element (b, n, c) of a rank-3 tensor.
func (t *Tensor) Set3(b, n, c int, v float32) {
	t.Data[(b*t.Shape[1]+n)*t.Shape[2]+c] = v
}

// ShapeEquals reports whether t and o have identical shapes.
func (t *Tensor) ShapeEquals(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i, s := range t.Shape {
		if o.Shape[i] != s {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor%v", t.Shape)
}

// leadingSize returns the product of all dimensions except the last, i.e.
// the number of feature vectors when the tensor is viewed as a matrix
// [leading, channels].
func (t *Tensor) leadingSize() int {
	n := 1
	for _, s := range t.Shape[:len(t.Shape)-1] {
		n *= s
	}
	return n
}
