package upscale

import (
	"fmt"
	"strings"

	"github.com/prethora/xprim-upscale/nn"
)

// ArchKind identifies the network architecture a model's weights belong to.
type ArchKind int

// Architecture kinds.
const (
	// ArchUnknown is the zero value and never valid.
	ArchUnknown ArchKind = iota

	// ArchBlockResidual6 is the 6-block residual-in-residual dense network.
	ArchBlockResidual6

	// ArchBlockResidual23 is the 23-block residual-in-residual dense network.
	ArchBlockResidual23

	// ArchWindowTransformer is a shifted-window transformer network.
	ArchWindowTransformer

	// ArchNearest is parameter-free nearest-neighbour upscaling.
	ArchNearest
)

var archNames = map[ArchKind]string{
	ArchBlockResidual6:    "block-residual-6",
	ArchBlockResidual23:   "block-residual-23",
	ArchWindowTransformer: "window-transformer",
	ArchNearest:           "nearest",
}

// String returns the configuration name of the kind.
func (k ArchKind) String() string {
	if name, ok := archNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ArchKind(%d)", int(k))
}

// ParseArchKind parses a configuration architecture name, case-insensitively.
func ParseArchKind(s string) (ArchKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range archNames {
		if name == s {
			return k, nil
		}
	}
	return ArchUnknown, fmt.Errorf("unknown architecture %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k ArchKind) MarshalText() ([]byte, error) {
	if _, ok := archNames[k]; !ok {
		return nil, fmt.Errorf("unknown architecture %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ArchKind) UnmarshalText(b []byte) error {
	v, err := ParseArchKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ModelDescriptor describes one configured model.
type ModelDescriptor struct {
	// ID is the configuration key, e.g. "realesrgan-x4plus".
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Kind is the network architecture.
	Kind ArchKind `json:"arch"`

	// Scale is the integer upscaling factor.
	Scale int `json:"scale"`

	// URL is where the weight file is downloaded from. Empty for
	// parameter-free architectures.
	URL string `json:"url,omitempty"`

	// WeightPath is the local weight file location.
	WeightPath string `json:"weight_path"`
}

// Handle is a loaded, device-resident model. It is owned by the
// ModelManager that returned it and is invalid after Unload.
type Handle struct {
	// Descriptor is the model this handle was built from.
	Descriptor ModelDescriptor

	// Network runs inference.
	Network nn.Network

	// Bytes is the device memory reserved for the parameters.
	Bytes int64

	// Params is the number of scalar parameters.
	Params int

	// ParamSet names the weight group used ("params_ema", "params" or
	// empty for a flat file or parameter-free model).
	ParamSet string
}

// Scale returns the network's upscaling factor.
func (h *Handle) Scale() int {
	return h.Network.Scale()
}
