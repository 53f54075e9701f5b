package graph

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrShapeMismatch is returned when tensor shapes are incompatible for an operation.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense float64 tensor in row-major layout.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// NewTensor allocates a zero tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, NumElements(shape)),
	}
}

// NumElements returns the element count implied by a shape. An empty shape
// denotes a scalar (one element).
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Validate checks that the data length matches the shape and that no
// dimension is non-positive.
func (t *Tensor) Validate() error {
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("%w: dimension %d", ErrShapeMismatch, d)
		}
	}
	if len(t.Data) != NumElements(t.Shape) {
		return fmt.Errorf("%w: %d elements for shape %s", ErrShapeMismatch, len(t.Data), ShapeKey([][]int{t.Shape}))
	}
	return nil
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShapeKey renders a list of shapes as a stable cache key, e.g. "1x3x224x224;8x4".
func ShapeKey(shapes [][]int) string {
	parts := make([]string, len(shapes))
	for i, shape := range shapes {
		dims := make([]string, len(shape))
		for j, d := range shape {
			dims[j] = strconv.Itoa(d)
		}
		parts[i] = strings.Join(dims, "x")
	}
	return strings.Join(parts, ";")
}
