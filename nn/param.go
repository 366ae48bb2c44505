package nn

import "fmt"

// Param is a trainable parameter: a value buffer plus a gradient buffer of
// the same length. Value usually aliases a layer's weight slice so updates
// made by an optimizer are visible to the layer immediately.
type Param struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

// NewParam wraps value as a parameter and allocates its gradient buffer.
func NewParam(name string, value []float32, shape ...int) *Param {
	return &Param{
		Name:  name,
		Shape: shape,
		Value: value,
		Grad:  make([]float32, len(value)),
	}
}

// Size returns the number of scalar weights in the parameter.
func (p *Param) Size() int {
	return len(p.Value)
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	clear(p.Grad)
}

// Accumulate adds g into the gradient buffer.
func (p *Param) Accumulate(g []float32) error {
	if len(g) != len(p.Grad) {
		return fmt.Errorf("%w: gradient for %s has %d elements, want %d", ErrShapeMismatch, p.Name, len(g), len(p.Grad))
	}
	for i, v := range g {
		p.Grad[i] += v
	}
	return nil
}

// ZeroGrads clears the gradients of every parameter.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// CountParams returns the total number of scalar weights.
func CountParams(params []*Param) int {
	n := 0
	for _, p := range params {
		n += p.Size()
	}
	return n
}
