package upscale

import (
	"fmt"
	"math"

	"github.com/prethora/xprim-upscale/nn"
)

// preprocess converts an RGB image into a (3, h, w) tensor in [0, 1].
func preprocess(m *Image) *nn.Tensor {
	t := nn.NewTensor(3, m.Height, m.Width)
	plane := m.Width * m.Height
	for i := 0; i < plane; i++ {
		t.Data[i] = float32(m.Pix[3*i]) / 255
		t.Data[plane+i] = float32(m.Pix[3*i+1]) / 255
		t.Data[2*plane+i] = float32(m.Pix[3*i+2]) / 255
	}
	return t
}

// postprocess clips a (3, h, w) tensor to [0, 1] and rounds it back to
// 8-bit RGB.
func postprocess(t *nn.Tensor) *Image {
	m := NewImage(t.W, t.H)
	plane := t.W * t.H
	for i := 0; i < plane; i++ {
		m.Pix[3*i] = toByte(t.Data[i])
		m.Pix[3*i+1] = toByte(t.Data[plane+i])
		m.Pix[3*i+2] = toByte(t.Data[2*plane+i])
	}
	return m
}

func toByte(v float32) uint8 {
	if !(v > 0) { // also catches NaN
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(math.Round(float64(v) * 255))
}

// infer runs net on x. A panic inside the network becomes an error, and
// the output must be exactly x scaled by the network's factor.
func infer(net nn.Network, x *nn.Tensor) (out *nn.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("network panic: %v", r)
		}
	}()

	out, err = net.Forward(x)
	if err != nil {
		return nil, err
	}
	s := net.Scale()
	if out == nil || out.C != 3 || out.H != x.H*s || out.W != x.W*s {
		got := "nil"
		if out != nil {
			got = out.String()
		}
		return nil, fmt.Errorf("network returned %s, want 3x%dx%d", got, x.H*s, x.W*s)
	}
	if len(out.Data) != out.C*out.H*out.W {
		return nil, fmt.Errorf("network returned %d values for %s", len(out.Data), out)
	}
	return out, nil
}

// executeTile runs the network over one padded tile region.
func executeTile(net nn.Network, device Device, src *Image, tile TileSpec) (*Image, error) {
	x, err := device.Place(preprocess(src.Crop(tile.Padded)))
	if err != nil {
		return nil, fmt.Errorf("placing tile on %s: %w", device.Name(), err)
	}
	y, err := infer(net, x)
	if err != nil {
		return nil, err
	}
	return postprocess(y), nil
}
