package model

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense row-major parameter array.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int) Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, n)}
}

// Size returns the number of elements implied by the shape.
func (t Tensor) Size() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

func (t Tensor) sameShape(o Tensor) bool {
	if len(t.Shape) != len(o.Shape) || len(t.Data) != len(o.Data) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Weights holds every parameter tensor of a model in layer order.
type Weights []Tensor

// Clone returns a deep copy.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for i, t := range w {
		out[i] = t.Clone()
	}
	return out
}

// ZerosLike returns zeroed tensors with the shapes of w.
func (w Weights) ZerosLike() Weights {
	out := make(Weights, len(w))
	for i, t := range w {
		out[i] = NewTensor(t.Shape...)
	}
	return out
}

// Compatible reports whether o can be combined element-wise with w.
func (w Weights) Compatible(o Weights) error {
	if len(w) != len(o) {
		return fmt.Errorf("%w: %d tensors vs %d", ErrShapeMismatch, len(w), len(o))
	}
	for i := range w {
		if !w[i].sameShape(o[i]) {
			return fmt.Errorf("%w: tensor %d has shape %v vs %v", ErrShapeMismatch, i, w[i].Shape, o[i].Shape)
		}
	}
	return nil
}

// Scale multiplies every element by f in place.
func (w Weights) Scale(f float64) {
	for _, t := range w {
		floats.Scale(f, t.Data)
	}
}

// AddScaled adds f*o to w in place. Shapes must already be compatible.
func (w Weights) AddScaled(o Weights, f float64) {
	for i := range w {
		floats.AddScaled(w[i].Data, f, o[i].Data)
	}
}

// Sub returns w - o as a new weight set.
func (w Weights) Sub(o Weights) Weights {
	out := w.Clone()
	out.AddScaled(o, -1)
	return out
}

// NumParams returns the total element count.
func (w Weights) NumParams() int {
	n := 0
	for _, t := range w {
		n += len(t.Data)
	}
	return n
}
