package upscale

import (
	"fmt"

	"github.com/prethora/xprim-upscale/nn"
	"github.com/prethora/xprim-upscale/weights"
)

// Architecture builds networks of one kind from weights.
type Architecture interface {
	// Schema returns the exact parameter set a network of the given scale
	// needs. An empty schema means the network has no parameters and no
	// weight file is read.
	Schema(scale int) (weights.Schema, error)

	// Build constructs the network. params already match Schema(scale).
	Build(params weights.ParamSet, scale int) (nn.Network, error)
}

// rrdbArchitecture is the residual-in-residual dense block family.
type rrdbArchitecture struct {
	blocks int
}

func (a rrdbArchitecture) Schema(scale int) (weights.Schema, error) {
	return nn.RRDBPreset(a.blocks, scale).Schema()
}

func (a rrdbArchitecture) Build(params weights.ParamSet, scale int) (nn.Network, error) {
	return nn.NewRRDBNet(nn.RRDBPreset(a.blocks, scale), params)
}

// nearestArchitecture needs no weights.
type nearestArchitecture struct{}

func (nearestArchitecture) Schema(scale int) (weights.Schema, error) {
	if scale < 1 {
		return nil, fmt.Errorf("scale %d", scale)
	}
	return weights.Schema{}, nil
}

func (nearestArchitecture) Build(_ weights.ParamSet, scale int) (nn.Network, error) {
	return nn.Nearest{Factor: scale}, nil
}

// builtinArchitectures returns the executors shipped with the package.
// ArchWindowTransformer has none; register one with WithArchitecture.
func builtinArchitectures() map[ArchKind]Architecture {
	return map[ArchKind]Architecture{
		ArchBlockResidual6:  rrdbArchitecture{blocks: 6},
		ArchBlockResidual23: rrdbArchitecture{blocks: 23},
		ArchNearest:         nearestArchitecture{},
	}
}
