package upscale

import (
	"image"

	"golang.org/x/image/draw"
)

// Image is an 8-bit RGB raster, row-major with a stride of 3*Width.
type Image struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewImage allocates a black image.
func NewImage(width, height int) *Image {
	return &Image{Width: width, Height: height, Pix: make([]uint8, 3*width*height)}
}

// Bounds returns the image rectangle anchored at the origin.
func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

// RGBAt returns the pixel at (x, y).
func (m *Image) RGBAt(x, y int) (r, g, b uint8) {
	i := 3 * (y*m.Width + x)
	return m.Pix[i], m.Pix[i+1], m.Pix[i+2]
}

// SetRGB stores the pixel at (x, y).
func (m *Image) SetRGB(x, y int, r, g, b uint8) {
	i := 3 * (y*m.Width + x)
	m.Pix[i], m.Pix[i+1], m.Pix[i+2] = r, g, b
}

// Crop copies the region r, which must lie inside the image.
func (m *Image) Crop(r image.Rectangle) *Image {
	out := NewImage(r.Dx(), r.Dy())
	row := 3 * r.Dx()
	for y := 0; y < r.Dy(); y++ {
		src := 3 * ((r.Min.Y+y)*m.Width + r.Min.X)
		copy(out.Pix[y*row:(y+1)*row], m.Pix[src:src+row])
	}
	return out
}

// FromImage converts any decoded image to RGB. Alpha is discarded without
// compositing.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	nrgba, ok := src.(*image.NRGBA)
	if !ok || b.Min != (image.Point{}) {
		nrgba = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(nrgba, nrgba.Bounds(), src, b.Min, draw.Src)
	}

	out := NewImage(b.Dx(), b.Dy())
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			i := nrgba.PixOffset(x, y)
			out.SetRGB(x, y, nrgba.Pix[i], nrgba.Pix[i+1], nrgba.Pix[i+2])
		}
	}
	return out
}

// NRGBA returns an opaque standard-library copy of m.
func (m *Image) NRGBA() *image.NRGBA {
	out := image.NewNRGBA(m.Bounds())
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			r, g, b := m.RGBAt(x, y)
			i := out.PixOffset(x, y)
			out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = r, g, b, 0xff
		}
	}
	return out
}
