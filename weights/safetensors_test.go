package weights

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
)

func sampleSet() ParamSet {
	return ParamSet{
		"conv.weight": {Shape: []int{2, 1, 1, 1}, Data: []float32{0.5, -1.25}},
		"conv.bias":   {Shape: []int{2}, Data: []float32{3, 4}},
	}
}

func TestWriteThenOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.safetensors")
	if err := WriteFile(path, sampleSet(), map[string]string{"format": "pt"}); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := f.Metadata["format"]; got != "pt" {
		t.Errorf("Metadata[format] = %q, want %q", got, "pt")
	}
	if names := f.Names(); strings.Join(names, ",") != "conv.bias,conv.weight" {
		t.Errorf("Names() = %v", names)
	}

	w, ok := f.Tensor("conv.weight")
	if !ok {
		t.Fatal("conv.weight missing")
	}
	if w.Data[0] != 0.5 || w.Data[1] != -1.25 {
		t.Errorf("conv.weight data = %v", w.Data)
	}
}

func TestWriteAlignsDataBuffer(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleSet(), nil); err != nil {
		t.Fatal(err)
	}
	n := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	if n%8 != 0 {
		t.Errorf("header length %d is not 8-byte aligned", n)
	}
}

func TestSelectPrefersFirstGroup(t *testing.T) {
	set := ParamSet{
		"params_ema.a": {Shape: []int{1}, Data: []float32{1}},
		"params.a":     {Shape: []int{1}, Data: []float32{2}},
	}
	var buf bytes.Buffer
	if err := Write(&buf, set, nil); err != nil {
		t.Fatal(err)
	}
	f, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	got, prefix := f.Select("params_ema", "params")
	if prefix != "params_ema" {
		t.Errorf("prefix = %q, want params_ema", prefix)
	}
	if len(got) != 1 || got["a"].Data[0] != 1 {
		t.Errorf("Select() = %v, want EMA value", got)
	}

	got, prefix = f.Select("params")
	if prefix != "params" || got["a"].Data[0] != 2 {
		t.Errorf("Select(params) = %v, %q", got, prefix)
	}
}

func TestSelectFlatFile(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleSet(), nil); err != nil {
		t.Fatal(err)
	}
	f, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	got, prefix := f.Select("params_ema", "params")
	if prefix != "" {
		t.Errorf("prefix = %q, want empty", prefix)
	}
	if len(got) != 2 {
		t.Errorf("Select() returned %d tensors, want 2", len(got))
	}
}

func rawFile(header string, data []byte) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(len(header)))
	out = append(out, header...)
	return append(out, data...)
}

func TestParseHalfPrecision(t *testing.T) {
	data := []byte{}
	// 1.0, -2.0, 2^-24 (smallest subnormal)
	for _, h := range []uint16{0x3c00, 0xc000, 0x0001} {
		data = binary.LittleEndian.AppendUint16(data, h)
	}
	// bfloat16 1.5
	data = binary.LittleEndian.AppendUint16(data, 0x3fc0)

	header := `{"h":{"dtype":"F16","shape":[3],"data_offsets":[0,6]},"b":{"dtype":"BF16","shape":[1],"data_offsets":[6,8]}}`
	f, err := Parse(rawFile(header, data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	h, _ := f.Tensor("h")
	want := []float32{1, -2, float32(math.Ldexp(1, -24))}
	for i := range want {
		if h.Data[i] != want[i] {
			t.Errorf("h[%d] = %v, want %v", i, h.Data[i], want[i])
		}
	}
	b, _ := f.Tensor("b")
	if b.Data[0] != 1.5 {
		t.Errorf("b[0] = %v, want 1.5", b.Data[0])
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"pytorch zip", []byte("PK\x03\x04rest-of-archive"), ErrPyTorchArchive},
		{"too short", []byte{1, 2, 3}, ErrFormat},
		{"header overruns file", rawFile("{}", nil)[:9], ErrFormat},
		{"bad json", rawFile("{not json", nil), ErrFormat},
		{"unknown dtype", rawFile(`{"a":{"dtype":"I64","shape":[1],"data_offsets":[0,8]}}`, make([]byte, 8)), ErrFormat},
		{"offsets outside buffer", rawFile(`{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, make([]byte, 4)), ErrFormat},
		{"size disagrees with shape", rawFile(`{"a":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`, make([]byte, 8)), ErrFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Parse() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaMatch(t *testing.T) {
	schema := Schema{
		"conv.weight": {2, 1, 1, 1},
		"conv.bias":   {2},
	}

	if err := schema.Match(sampleSet()); err != nil {
		t.Fatalf("Match() on exact set error = %v", err)
	}
	if got := schema.Bytes(); got != 16 {
		t.Errorf("Bytes() = %d, want 16", got)
	}

	bad := ParamSet{
		"conv.weight": {Shape: []int{2, 1, 3, 3}, Data: make([]float32, 18)},
		"extra.bias":  {Shape: []int{1}, Data: []float32{0}},
	}
	err := schema.Match(bad)
	var mm *MismatchError
	if !errors.As(err, &mm) {
		t.Fatalf("Match() error = %v, want *MismatchError", err)
	}
	if len(mm.Missing) != 1 || mm.Missing[0] != "conv.bias" {
		t.Errorf("Missing = %v", mm.Missing)
	}
	if len(mm.Extra) != 1 || mm.Extra[0] != "extra.bias" {
		t.Errorf("Extra = %v", mm.Extra)
	}
	if len(mm.Shape) != 1 || !strings.HasPrefix(mm.Shape[0], "conv.weight") {
		t.Errorf("Shape = %v", mm.Shape)
	}
	for _, want := range []string{"missing conv.bias", "unexpected extra.bias", "wrong shape conv.weight"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
