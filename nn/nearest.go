package nn

import "fmt"

// Nearest is a parameter-free network that repeats each pixel Factor
// times along both axes. Factor 1 is the identity.
type Nearest struct {
	Factor int
}

// Scale returns the upscaling factor.
func (n Nearest) Scale() int { return n.Factor }

// Forward upscales x by nearest-neighbour repetition.
func (n Nearest) Forward(x *Tensor) (*Tensor, error) {
	if n.Factor < 1 {
		return nil, fmt.Errorf("nn: nearest factor %d", n.Factor)
	}
	return upsampleNearest(x, n.Factor), nil
}
