// Package tensor provides dense float64 tensors with a reverse-mode autograd
// tape. Every forward pass records the operations that produced a tensor, so a
// graph built for one episode is discarded with the tensors that reference it.
package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")

	// ErrInvalidIndex indicates an out-of-bounds index access.
	ErrInvalidIndex = errors.New("tensor: invalid index")

	// ErrEmptyInput indicates an operation received zero rows.
	ErrEmptyInput = errors.New("tensor: empty input")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// Tensor is not safe for concurrent use. Synchronization must be
// handled by the caller if needed.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions [rows, cols] for almost everything in this repo
	grad  []float64 // Gradient for backpropagation

	requiresGrad bool
	node         *node // nil for leaves and for tensors outside the tape
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// Shape errors here are programmer bugs, not runtime conditions.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewParam creates a zero-initialised trainable leaf tensor.
func NewParam(shape ...int) *Tensor {
	t := NewTensor(shape...)
	t.requiresGrad = true
	return t
}

// NewTensorRand creates a tensor with values from a normal distribution
// with the given standard deviation. Uses Box-Muller transform for sampling.
func NewTensorRand(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)

	for i := 0; i < len(t.data); i += 2 {
		u1, u2 := rng.Float64(), rng.Float64()
		if u1 < 1e-300 {
			u1 = 1e-300
		}
		mag := std * math.Sqrt(-2*math.Log(u1))
		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}

	return t
}

// FromSlice wraps a copy of values in a tensor of the given shape.
func FromSlice(values []float64, shape ...int) (*Tensor, error) {
	size := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, errors.Wrapf(ErrInvalidShape, "shape %v", shape)
		}
		size *= d
	}
	if len(shape) == 0 || size != len(values) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d values for shape %v", len(values), shape)
	}
	t := NewTensor(shape...)
	copy(t.data, values)
	return t, nil
}

// FromRows stacks equally sized rows into an (N, D) tensor.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyInput
	}
	dim := len(rows[0])
	if dim == 0 {
		return nil, errors.Wrap(ErrInvalidShape, "zero-length row")
	}
	t := NewTensor(len(rows), dim)
	for i, r := range rows {
		if len(r) != dim {
			return nil, errors.Wrapf(ErrShapeMismatch, "row %d has %d values, want %d", i, len(r), dim)
		}
		copy(t.data[i*dim:], r)
	}
	return t, nil
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Rows returns shape[0].
func (t *Tensor) Rows() int {
	return t.shape[0]
}

// Cols returns the row width: the product of every dimension after the first.
func (t *Tensor) Cols() int {
	return len(t.data) / t.shape[0]
}

// Data exposes the backing slice. Writing to it bypasses the tape and is
// meant for optimizers and initialisers.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad exposes the gradient buffer.
func (t *Tensor) Grad() []float64 {
	return t.grad
}

// Row returns a copy of row i of a 2D tensor.
func (t *Tensor) Row(i int) []float64 {
	c := t.Cols()
	out := make([]float64, c)
	copy(out, t.data[i*c:(i+1)*c])
	return out
}

// RequiresGrad reports whether gradients flow into this tensor.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks a leaf as trainable (or frozen).
func (t *Tensor) SetRequiresGrad(v bool) {
	t.requiresGrad = v
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone creates a deep copy of values and gradient. The copy is a leaf: it
// keeps requiresGrad but shares no storage and no tape history.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	clone.requiresGrad = t.requiresGrad
	return clone
}

// Detach returns a tensor sharing values with t but cut from the tape.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		data:  t.data,
		shape: t.Shape(),
		grad:  make([]float64, len(t.data)),
	}
}

// CopyFrom overwrites values with src's values. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !shapeEqual(t.shape, src.shape) {
		return errors.Wrapf(ErrShapeMismatch, "copy %v into %v", src.shape, t.shape)
	}
	copy(t.data, src.data)
	return nil
}

// Reshape returns a view of the tensor with a different shape.
// The returned tensor shares data and gradient storage; it is not recorded
// on the tape, so only reshape leaves or detached values.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}

	if newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v (size %d)", len(t.data), newShape, newSize))
	}

	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)

	return &Tensor{
		data:         t.data,
		shape:        shapeCopy,
		grad:         t.grad,
		requiresGrad: t.requiresGrad,
	}
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("tensor: Item on tensor of size %d", len(t.data)))
	}
	return t.data[0]
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

func shapeEqual(a, b []int) bool {
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

func must2D(op string, ts ...*Tensor) {
	for _, t := range ts {
		if len(t.shape) != 2 {
			panic(fmt.Sprintf("tensor: %s requires 2D tensors, got %v", op, t.shape))
		}
	}
}
