package nn

import (
	"fmt"
	"slices"
)

// Tensor is a dense float32 tensor stored flattened in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zero-filled tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float32, ShapeSize(shape)),
	}
}

// NewTensorFromSlice wraps data without copying. It returns nil when the
// data length does not match the shape.
func NewTensorFromSlice(data []float32, shape ...int) *Tensor {
	if len(data) != ShapeSize(shape) {
		return nil
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}
}

// ShapeSize returns the number of elements a shape holds.
func ShapeSize(shape []int) int {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return size
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Reshape returns a view with a new shape sharing the same data, or nil if
// the element count differs.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if ShapeSize(shape) != len(t.Data) {
		return nil
	}
	return &Tensor{Shape: slices.Clone(shape), Data: t.Data}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// CheckShape verifies the tensor against an expected shape. A negative
// expected dimension matches any size.
func (t *Tensor) CheckShape(want ...int) error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor, want %v", ErrShapeMismatch, want)
	}
	if len(t.Shape) != len(want) {
		return fmt.Errorf("%w: got %v, want %v", ErrShapeMismatch, t.Shape, want)
	}
	for i, d := range want {
		if d >= 0 && t.Shape[i] != d {
			return fmt.Errorf("%w: got %v, want %v", ErrShapeMismatch, t.Shape, want)
		}
	}
	if len(t.Data) != ShapeSize(t.Shape) {
		return fmt.Errorf("%w: %d elements for shape %v", ErrShapeMismatch, len(t.Data), t.Shape)
	}
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}
