package nn

import (
	"fmt"

	"github.com/prethora/xprim-upscale/weights"
)

const (
	lreluSlope    = 0.2
	residualScale = 0.2
)

// RRDBConfig sizes a residual-in-residual dense block network.
type RRDBConfig struct {
	InChannels  int
	OutChannels int
	Features    int
	Growth      int
	Blocks      int
	Scale       int
}

// RRDBPreset returns the standard 64-feature, 32-growth RGB configuration.
func RRDBPreset(blocks, scale int) RRDBConfig {
	return RRDBConfig{
		InChannels:  3,
		OutChannels: 3,
		Features:    64,
		Growth:      32,
		Blocks:      blocks,
		Scale:       scale,
	}
}

// unshuffle is the pixel-unshuffle factor that lets the ×4 trunk serve
// smaller scales.
func (c RRDBConfig) unshuffle() (int, error) {
	switch c.Scale {
	case 4:
		return 1, nil
	case 2:
		return 2, nil
	case 1:
		return 4, nil
	default:
		return 0, fmt.Errorf("nn: rrdb supports scale 1, 2 or 4, got %d", c.Scale)
	}
}

func (c RRDBConfig) validate() error {
	if c.InChannels < 1 || c.OutChannels < 1 || c.Features < 1 || c.Growth < 1 || c.Blocks < 0 {
		return fmt.Errorf("nn: invalid rrdb config %+v", c)
	}
	_, err := c.unshuffle()
	return err
}

// Schema returns the parameter names and shapes the network expects.
func (c RRDBConfig) Schema() (weights.Schema, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	u, _ := c.unshuffle()
	s := make(weights.Schema)
	add := func(name string, out, in int) {
		s[name+".weight"] = []int{out, in, 3, 3}
		s[name+".bias"] = []int{out}
	}

	f, g := c.Features, c.Growth
	add("conv_first", f, c.InChannels*u*u)
	for b := 0; b < c.Blocks; b++ {
		for r := 1; r <= 3; r++ {
			prefix := fmt.Sprintf("body.%d.rdb%d", b, r)
			for j := 1; j <= 4; j++ {
				add(fmt.Sprintf("%s.conv%d", prefix, j), g, f+(j-1)*g)
			}
			add(prefix+".conv5", f, f+4*g)
		}
	}
	add("conv_body", f, f)
	add("conv_up1", f, f)
	add("conv_up2", f, f)
	add("conv_hr", f, f)
	add("conv_last", c.OutChannels, f)
	return s, nil
}

type denseBlock struct {
	convs [5]conv
}

func (d *denseBlock) forward(x *Tensor) *Tensor {
	x1 := leakyReLU(d.convs[0].apply(x), lreluSlope)
	x2 := leakyReLU(d.convs[1].apply(concat(x, x1)), lreluSlope)
	x3 := leakyReLU(d.convs[2].apply(concat(x, x1, x2)), lreluSlope)
	x4 := leakyReLU(d.convs[3].apply(concat(x, x1, x2, x3)), lreluSlope)
	x5 := d.convs[4].apply(concat(x, x1, x2, x3, x4))
	return scaledAdd(x, x5, residualScale)
}

type rrdBlock struct {
	rdbs [3]denseBlock
}

func (r *rrdBlock) forward(x *Tensor) *Tensor {
	out := x
	for i := range r.rdbs {
		out = r.rdbs[i].forward(out)
	}
	return scaledAdd(x, out, residualScale)
}

// RRDBNet is the residual-in-residual dense block super-resolution
// network run on the CPU.
type RRDBNet struct {
	cfg       RRDBConfig
	unshuffle int

	first, trunk, up1, up2, hr, last conv
	body                             []rrdBlock
}

// NewRRDBNet binds params to the network described by cfg. params must
// match cfg.Schema exactly.
func NewRRDBNet(cfg RRDBConfig, params weights.ParamSet) (*RRDBNet, error) {
	schema, err := cfg.Schema()
	if err != nil {
		return nil, err
	}
	if err := schema.Match(params); err != nil {
		return nil, err
	}

	n := &RRDBNet{cfg: cfg, body: make([]rrdBlock, cfg.Blocks)}
	n.unshuffle, _ = cfg.unshuffle()

	bind := func(dst *conv, name string) {
		if err != nil {
			return
		}
		*dst, err = newConv(params, name)
	}
	bind(&n.first, "conv_first")
	for b := range n.body {
		for r := range n.body[b].rdbs {
			for j := range n.body[b].rdbs[r].convs {
				bind(&n.body[b].rdbs[r].convs[j], fmt.Sprintf("body.%d.rdb%d.conv%d", b, r+1, j+1))
			}
		}
	}
	bind(&n.trunk, "conv_body")
	bind(&n.up1, "conv_up1")
	bind(&n.up2, "conv_up2")
	bind(&n.hr, "conv_hr")
	bind(&n.last, "conv_last")
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Scale returns the upscaling factor.
func (n *RRDBNet) Scale() int { return n.cfg.Scale }

// Forward upscales a (InChannels, h, w) tensor.
func (n *RRDBNet) Forward(x *Tensor) (*Tensor, error) {
	if n.body == nil {
		return nil, fmt.Errorf("nn: network has been released")
	}
	if x.C != n.cfg.InChannels || x.H < 1 || x.W < 1 {
		return nil, fmt.Errorf("nn: rrdb input %s, want %d channels", x, n.cfg.InChannels)
	}

	// unshuffle needs dimensions divisible by its factor
	u := n.unshuffle
	ph, pw := roundUp(x.H, u), roundUp(x.W, u)
	in := pixelUnshuffle(padEdge(x, ph, pw), u)

	feat := n.first.apply(in)
	body := feat
	for i := range n.body {
		body = n.body[i].forward(body)
	}
	feat = scaledAdd(feat, n.trunk.apply(body), 1)

	feat = leakyReLU(n.up1.apply(upsampleNearest(feat, 2)), lreluSlope)
	feat = leakyReLU(n.up2.apply(upsampleNearest(feat, 2)), lreluSlope)
	out := n.last.apply(leakyReLU(n.hr.apply(feat), lreluSlope))

	return crop(out, x.H*n.cfg.Scale, x.W*n.cfg.Scale), nil
}

// Release drops the parameter references.
func (n *RRDBNet) Release() {
	n.body = nil
	n.first, n.trunk, n.up1, n.up2, n.hr, n.last = conv{}, conv{}, conv{}, conv{}, conv{}, conv{}
}

func roundUp(v, m int) int {
	return (v + m - 1) / m * m
}
