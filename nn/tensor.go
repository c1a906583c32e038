// Package nn holds the channel-major float32 tensors and the CPU executors
// behind the built-in upscaling architectures.
//
// Networks here are inference-only and single-image: a Tensor is one CHW
// image with an implied batch of one.
package nn

import "fmt"

// Tensor is a single CHW image tensor.
type Tensor struct {
	C, H, W int
	Data    []float32
}

// NewTensor allocates a zeroed tensor.
func NewTensor(c, h, w int) *Tensor {
	return &Tensor{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// At returns the value at channel c, row y, column x.
func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.H+y)*t.W+x]
}

// Set stores v at channel c, row y, column x.
func (t *Tensor) Set(c, y, x int, v float32) {
	t.Data[(c*t.H+y)*t.W+x] = v
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%dx%dx%d", t.C, t.H, t.W)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{C: t.C, H: t.H, W: t.W, Data: make([]float32, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// Network is an upscaling capability with a fixed integer scale.
// Forward maps a (3, h, w) tensor to (3, h*Scale, w*Scale).
type Network interface {
	Scale() int
	Forward(x *Tensor) (*Tensor, error)
}

// Releaser is implemented by networks that hold parameter memory.
type Releaser interface {
	Release()
}
