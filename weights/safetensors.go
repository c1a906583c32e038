// Package weights reads and writes SafeTensors weight files and matches
// their parameter sets against the schema an architecture expects.
//
// A SafeTensors file is an 8-byte little-endian header length, a JSON
// header mapping tensor names to dtype, shape and byte offsets, and a flat
// data buffer. Tensors are decoded to float32 on open.
package weights

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
)

// Supported element types.
const (
	F32  = "F32"
	F16  = "F16"
	BF16 = "BF16"
)

// maxHeaderSize bounds the JSON header so a corrupt length prefix cannot
// trigger a huge allocation.
const maxHeaderSize = 100 << 20

const metadataKey = "__metadata__"

var (
	// ErrFormat indicates the file is not a readable SafeTensors file.
	ErrFormat = errors.New("weights: invalid safetensors file")

	// ErrPyTorchArchive indicates a PyTorch zip checkpoint was supplied.
	ErrPyTorchArchive = errors.New("weights: pytorch checkpoint archive; convert to safetensors")
)

// Tensor is a decoded parameter tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Len returns the number of elements implied by the shape.
func (t Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// ParamSet maps parameter names to tensors.
type ParamSet map[string]Tensor

// Bytes returns the float32 footprint of the set.
func (p ParamSet) Bytes() int64 {
	var n int64
	for _, t := range p {
		n += int64(len(t.Data)) * 4
	}
	return n
}

// Count returns the total number of scalar parameters.
func (p ParamSet) Count() int {
	n := 0
	for _, t := range p {
		n += len(t.Data)
	}
	return n
}

// Names returns the parameter names in sorted order.
func (p ParamSet) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// File is an opened weight file.
type File struct {
	// Metadata holds the optional string map stored under __metadata__.
	Metadata map[string]string

	tensors ParamSet
}

type headerEntry struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// Open reads and decodes the weight file at path.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a SafeTensors file held in memory.
func Parse(data []byte) (*File, error) {
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return nil, ErrPyTorchArchive
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrFormat, len(data))
	}

	n := binary.LittleEndian.Uint64(data[:8])
	if n == 0 || n > maxHeaderSize || n > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d out of range", ErrFormat, n)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &raw); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	buf := data[8+n:]

	f := &File{tensors: make(ParamSet, len(raw))}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &f.Metadata); err != nil {
				return nil, fmt.Errorf("%w: metadata: %v", ErrFormat, err)
			}
			continue
		}

		var e headerEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %v", ErrFormat, name, err)
		}
		t, err := decodeTensor(e, buf)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %v", ErrFormat, name, err)
		}
		f.tensors[name] = t
	}
	return f, nil
}

func decodeTensor(e headerEntry, buf []byte) (Tensor, error) {
	size, err := dtypeSize(e.DType)
	if err != nil {
		return Tensor{}, err
	}
	for _, d := range e.Shape {
		if d < 0 {
			return Tensor{}, fmt.Errorf("negative dimension in shape %v", e.Shape)
		}
	}

	t := Tensor{Shape: append([]int(nil), e.Shape...)}
	count := t.Len()

	begin, end := e.Offsets[0], e.Offsets[1]
	if begin < 0 || end < begin || end > int64(len(buf)) {
		return Tensor{}, fmt.Errorf("offsets [%d, %d) outside data buffer of %d bytes", begin, end, len(buf))
	}
	if end-begin != int64(count*size) {
		return Tensor{}, fmt.Errorf("%d bytes for %d %s elements", end-begin, count, e.DType)
	}

	raw := buf[begin:end]
	t.Data = make([]float32, count)
	switch e.DType {
	case F32:
		for i := range t.Data {
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case F16:
		for i := range t.Data {
			t.Data[i] = halfToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case BF16:
		for i := range t.Data {
			t.Data[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	}
	return t, nil
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case F32:
		return 4, nil
	case F16, BF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

// halfToFloat32 widens an IEEE 754 binary16 value.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff

	var bits uint32
	switch {
	case exp == 0 && mant == 0:
		bits = sign
	case exp == 0:
		// subnormal: renormalise into the float32 exponent range
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		bits = sign | e<<23 | (mant&0x3ff)<<13
	case exp == 0x1f:
		bits = sign | 0xff<<23 | mant<<13
	default:
		bits = sign | (exp+127-15)<<23 | mant<<13
	}
	return math.Float32frombits(bits)
}

// Names returns every tensor name in the file, sorted.
func (f *File) Names() []string {
	return f.tensors.Names()
}

// Tensor returns a tensor by its full name.
func (f *File) Tensor(name string) (Tensor, bool) {
	t, ok := f.tensors[name]
	return t, ok
}

// Select returns the first parameter group among prefixes that has at
// least one tensor, with the group prefix stripped from the names, and the
// prefix chosen. A file without any of the groups is returned whole with
// an empty prefix.
func (f *File) Select(prefixes ...string) (ParamSet, string) {
	for _, prefix := range prefixes {
		set := make(ParamSet)
		for name, t := range f.tensors {
			if rest, ok := strings.CutPrefix(name, prefix+"."); ok {
				set[rest] = t
			}
		}
		if len(set) > 0 {
			return set, prefix
		}
	}

	set := make(ParamSet, len(f.tensors))
	for name, t := range f.tensors {
		set[name] = t
	}
	return set, ""
}

// Write encodes set as an F32 SafeTensors file.
func Write(w io.Writer, set ParamSet, metadata map[string]string) error {
	header := make(map[string]any, len(set)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	names := set.Names()
	var offset int64
	for _, name := range names {
		t := set[name]
		if len(t.Data) != t.Len() {
			return fmt.Errorf("weights: tensor %q has %d values for shape %v", name, len(t.Data), t.Shape)
		}
		size := int64(len(t.Data)) * 4
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = headerEntry{DType: F32, Shape: shape, Offsets: [2]int64{offset, offset + size}}
		offset += size
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("weights: encoding header: %w", err)
	}
	// the data buffer starts 8-byte aligned
	if pad := len(hdr) % 8; pad != 0 {
		hdr = append(hdr, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	out := make([]byte, 8, 8+len(hdr)+int(offset))
	binary.LittleEndian.PutUint64(out, uint64(len(hdr)))
	out = append(out, hdr...)
	for _, name := range names {
		for _, v := range set[name].Data {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}

	_, err = w.Write(out)
	return err
}

// WriteFile writes set to path.
func WriteFile(path string, set ParamSet, metadata map[string]string) error {
	var buf bytes.Buffer
	if err := Write(&buf, set, metadata); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}
