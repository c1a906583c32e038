package nn

import (
	"fmt"

	"github.com/prethora/xprim-upscale/weights"
)

// conv is a square-kernel, stride-1, same-padded 2D convolution.
type conv struct {
	in, out, k int
	weight     []float32
	bias       []float32
}

// newConv binds the weight/bias pair stored under name.
func newConv(params weights.ParamSet, name string) (conv, error) {
	w, ok := params[name+".weight"]
	if !ok {
		return conv{}, fmt.Errorf("nn: missing %s.weight", name)
	}
	if len(w.Shape) != 4 || w.Shape[2] != w.Shape[3] {
		return conv{}, fmt.Errorf("nn: %s.weight has shape %v, want [out in k k]", name, w.Shape)
	}
	c := conv{out: w.Shape[0], in: w.Shape[1], k: w.Shape[2], weight: w.Data}
	if b, ok := params[name+".bias"]; ok {
		if len(b.Data) != c.out {
			return conv{}, fmt.Errorf("nn: %s.bias has %d values, want %d", name, len(b.Data), c.out)
		}
		c.bias = b.Data
	}
	return c, nil
}

func (c conv) apply(x *Tensor) *Tensor {
	if x.C != c.in {
		panic(fmt.Sprintf("nn: conv expects %d input channels, got %d", c.in, x.C))
	}
	out := NewTensor(c.out, x.H, x.W)
	h, w := x.H, x.W
	hw := h * w
	pad := c.k / 2

	for o := 0; o < c.out; o++ {
		dst := out.Data[o*hw : (o+1)*hw]
		if c.bias != nil {
			for i := range dst {
				dst[i] = c.bias[o]
			}
		}
		for i := 0; i < c.in; i++ {
			src := x.Data[i*hw : (i+1)*hw]
			kern := c.weight[(o*c.in+i)*c.k*c.k:]
			for ky := 0; ky < c.k; ky++ {
				dy := ky - pad
				y0, y1 := max(0, -dy), min(h, h-dy)
				for kx := 0; kx < c.k; kx++ {
					wv := kern[ky*c.k+kx]
					if wv == 0 {
						continue
					}
					dx := kx - pad
					x0, x1 := max(0, -dx), min(w, w-dx)
					for y := y0; y < y1; y++ {
						drow := dst[y*w : (y+1)*w]
						srow := src[(y+dy)*w : (y+dy+1)*w]
						for xx := x0; xx < x1; xx++ {
							drow[xx] += wv * srow[xx+dx]
						}
					}
				}
			}
		}
	}
	return out
}

// leakyReLU applies max(v, slope*v) in place.
func leakyReLU(t *Tensor, slope float32) *Tensor {
	for i, v := range t.Data {
		if v < 0 {
			t.Data[i] = v * slope
		}
	}
	return t
}

// upsampleNearest repeats every pixel f times along both axes.
func upsampleNearest(t *Tensor, f int) *Tensor {
	if f == 1 {
		return t.Clone()
	}
	out := NewTensor(t.C, t.H*f, t.W*f)
	for c := 0; c < t.C; c++ {
		for y := 0; y < out.H; y++ {
			srow := t.Data[(c*t.H+y/f)*t.W:]
			drow := out.Data[(c*out.H+y)*out.W : (c*out.H+y+1)*out.W]
			for x := range drow {
				drow[x] = srow[x/f]
			}
		}
	}
	return out
}

// pixelUnshuffle folds r×r spatial blocks into channels: output channel
// c*r*r + dy*r + dx holds input (c, y*r+dy, x*r+dx).
func pixelUnshuffle(t *Tensor, r int) *Tensor {
	if r == 1 {
		return t
	}
	out := NewTensor(t.C*r*r, t.H/r, t.W/r)
	for c := 0; c < t.C; c++ {
		for dy := 0; dy < r; dy++ {
			for dx := 0; dx < r; dx++ {
				oc := c*r*r + dy*r + dx
				for y := 0; y < out.H; y++ {
					for x := 0; x < out.W; x++ {
						out.Set(oc, y, x, t.At(c, y*r+dy, x*r+dx))
					}
				}
			}
		}
	}
	return out
}

// concat stacks tensors of equal spatial size along the channel axis.
func concat(ts ...*Tensor) *Tensor {
	c := 0
	for _, t := range ts {
		c += t.C
	}
	out := &Tensor{C: c, H: ts[0].H, W: ts[0].W, Data: make([]float32, 0, c*ts[0].H*ts[0].W)}
	for _, t := range ts {
		out.Data = append(out.Data, t.Data...)
	}
	return out
}

// scaledAdd returns base + alpha*delta.
func scaledAdd(base, delta *Tensor, alpha float32) *Tensor {
	out := &Tensor{C: base.C, H: base.H, W: base.W, Data: make([]float32, len(base.Data))}
	for i := range out.Data {
		out.Data[i] = base.Data[i] + alpha*delta.Data[i]
	}
	return out
}

// padEdge extends t to h×w by replicating the last row and column.
func padEdge(t *Tensor, h, w int) *Tensor {
	if h == t.H && w == t.W {
		return t
	}
	out := NewTensor(t.C, h, w)
	for c := 0; c < t.C; c++ {
		for y := 0; y < h; y++ {
			sy := min(y, t.H-1)
			for x := 0; x < w; x++ {
				out.Set(c, y, x, t.At(c, sy, min(x, t.W-1)))
			}
		}
	}
	return out
}

// crop returns the top-left h×w region of t.
func crop(t *Tensor, h, w int) *Tensor {
	if h == t.H && w == t.W {
		return t
	}
	out := NewTensor(t.C, h, w)
	for c := 0; c < t.C; c++ {
		for y := 0; y < h; y++ {
			copy(out.Data[(c*h+y)*w:(c*h+y+1)*w], t.Data[(c*t.H+y)*t.W:])
		}
	}
	return out
}
