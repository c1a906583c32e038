package nn

import (
	"math/rand"
	"testing"

	"github.com/prethora/xprim-upscale/weights"
)

func ramp(c, h, w int) *Tensor {
	t := NewTensor(c, h, w)
	for i := range t.Data {
		t.Data[i] = float32(i)
	}
	return t
}

func TestConvIdentityKernel(t *testing.T) {
	params := weights.ParamSet{
		"c.weight": {Shape: []int{1, 1, 3, 3}, Data: []float32{0, 0, 0, 0, 1, 0, 0, 0, 0}},
		"c.bias":   {Shape: []int{1}, Data: []float32{0.5}},
	}
	c, err := newConv(params, "c")
	if err != nil {
		t.Fatal(err)
	}
	x := ramp(1, 3, 4)
	out := c.apply(x)
	for i, v := range out.Data {
		if v != x.Data[i]+0.5 {
			t.Fatalf("out[%d] = %v, want %v", i, v, x.Data[i]+0.5)
		}
	}
}

func TestConvZeroPadsBorders(t *testing.T) {
	ones := make([]float32, 9)
	for i := range ones {
		ones[i] = 1
	}
	params := weights.ParamSet{"c.weight": {Shape: []int{1, 1, 3, 3}, Data: ones}}
	c, err := newConv(params, "c")
	if err != nil {
		t.Fatal(err)
	}
	x := NewTensor(1, 3, 3)
	for i := range x.Data {
		x.Data[i] = 1
	}
	out := c.apply(x)
	// corners see 4 neighbours, edges 6, the centre 9
	want := []float32{4, 6, 4, 6, 9, 6, 4, 6, 4}
	for i := range want {
		if out.Data[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out.Data[i], want[i])
		}
	}
}

func TestPixelUnshuffleOrdering(t *testing.T) {
	x := ramp(1, 2, 4)
	out := pixelUnshuffle(x, 2)
	if out.C != 4 || out.H != 1 || out.W != 2 {
		t.Fatalf("shape = %s, want 4x1x2", out)
	}
	// channel dy*2+dx holds input (dy, 2x+dx)
	want := [][]float32{{0, 2}, {1, 3}, {4, 6}, {5, 7}}
	for c := range want {
		for x := range want[c] {
			if got := out.At(c, 0, x); got != want[c][x] {
				t.Errorf("out(%d,0,%d) = %v, want %v", c, x, got, want[c][x])
			}
		}
	}
}

func TestNearest(t *testing.T) {
	x := ramp(3, 2, 2)
	out, err := Nearest{Factor: 3}.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if out.C != 3 || out.H != 6 || out.W != 6 {
		t.Fatalf("shape = %s, want 3x6x6", out)
	}
	if out.At(1, 5, 2) != x.At(1, 1, 0) {
		t.Errorf("out(1,5,2) = %v, want %v", out.At(1, 5, 2), x.At(1, 1, 0))
	}

	id, _ := Nearest{Factor: 1}.Forward(x)
	id.Data[0] = -1
	if x.Data[0] == -1 {
		t.Error("identity forward aliases its input")
	}
}

func tinyConfig(scale int) RRDBConfig {
	return RRDBConfig{InChannels: 3, OutChannels: 3, Features: 4, Growth: 2, Blocks: 1, Scale: scale}
}

func randomParams(schema weights.Schema, seed int64) weights.ParamSet {
	rng := rand.New(rand.NewSource(seed))
	set := make(weights.ParamSet, len(schema))
	for name, shape := range schema {
		t := weights.Tensor{Shape: shape}
		t.Data = make([]float32, t.Len())
		for i := range t.Data {
			t.Data[i] = rng.Float32()*0.2 - 0.1
		}
		set[name] = t
	}
	return set
}

func TestRRDBSchema(t *testing.T) {
	s, err := RRDBPreset(23, 4).Schema()
	if err != nil {
		t.Fatal(err)
	}
	// conv_first, 23 blocks × 3 dense blocks × 5 convs, 5 trunk/upsampling convs
	if want := 2 * (1 + 23*3*5 + 5); len(s) != want {
		t.Errorf("len(schema) = %d, want %d", len(s), want)
	}
	if got := s["conv_first.weight"]; got[1] != 3 {
		t.Errorf("x4 conv_first in-channels = %d, want 3", got[1])
	}
	if got := s["body.22.rdb3.conv5.weight"]; got[0] != 64 || got[1] != 64+4*32 {
		t.Errorf("conv5 shape = %v", got)
	}

	s2, _ := RRDBPreset(23, 2).Schema()
	if got := s2["conv_first.weight"][1]; got != 12 {
		t.Errorf("x2 conv_first in-channels = %d, want 12", got)
	}

	if _, err := RRDBPreset(6, 3).Schema(); err == nil {
		t.Error("Schema() for scale 3 succeeded, want error")
	}
}

func TestRRDBForwardShape(t *testing.T) {
	tests := []struct {
		scale, h, w int
	}{
		{4, 5, 7},
		{2, 5, 7},
		{1, 6, 3},
	}

	for _, tt := range tests {
		cfg := tinyConfig(tt.scale)
		schema, err := cfg.Schema()
		if err != nil {
			t.Fatal(err)
		}
		net, err := NewRRDBNet(cfg, randomParams(schema, 1))
		if err != nil {
			t.Fatalf("NewRRDBNet(scale %d) error = %v", tt.scale, err)
		}

		x := NewTensor(3, tt.h, tt.w)
		for i := range x.Data {
			x.Data[i] = float32(i%7) / 7
		}
		out, err := net.Forward(x)
		if err != nil {
			t.Fatalf("Forward() error = %v", err)
		}
		if out.C != 3 || out.H != tt.h*tt.scale || out.W != tt.w*tt.scale {
			t.Errorf("scale %d: output %s, want 3x%dx%d", tt.scale, out, tt.h*tt.scale, tt.w*tt.scale)
		}
	}
}

func TestRRDBRejectsMismatchedParams(t *testing.T) {
	cfg := tinyConfig(4)
	schema, _ := cfg.Schema()
	params := randomParams(schema, 2)
	delete(params, "conv_last.bias")
	if _, err := NewRRDBNet(cfg, params); err == nil {
		t.Fatal("NewRRDBNet() with missing bias succeeded, want error")
	}
}

func TestRRDBRelease(t *testing.T) {
	cfg := tinyConfig(4)
	schema, _ := cfg.Schema()
	net, err := NewRRDBNet(cfg, randomParams(schema, 3))
	if err != nil {
		t.Fatal(err)
	}
	net.Release()
	if _, err := net.Forward(NewTensor(3, 2, 2)); err == nil {
		t.Error("Forward() after Release succeeded, want error")
	}
}
