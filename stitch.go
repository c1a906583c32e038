package upscale

import (
	"fmt"
	"image"
)

// Canvas assembles upscaled tiles into the output image. Every tile's
// destination rectangle may be claimed once; claims must not overlap.
type Canvas struct {
	img     *Image
	scale   int
	claimed occupancy
	area    int
}

// NewCanvas allocates a zeroed canvas for a width×height source at scale.
func NewCanvas(width, height, scale int) *Canvas {
	return &Canvas{
		img:     NewImage(width*scale, height*scale),
		scale:   scale,
		claimed: newOccupancy(width, height),
	}
}

// occupancy is a bitmap of claimed source pixels.
type occupancy struct {
	width int
	bits  []uint64
}

func newOccupancy(width, height int) occupancy {
	return occupancy{width: width, bits: make([]uint64, (width*height+63)/64)}
}

// overlaps reports whether any pixel of r is already claimed.
func (o occupancy) overlaps(r image.Rectangle) bool {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for i := y*o.width + r.Min.X; i < y*o.width+r.Max.X; i++ {
			if o.bits[i/64]&(1<<(i%64)) != 0 {
				return true
			}
		}
	}
	return false
}

func (o occupancy) set(r image.Rectangle) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for i := y*o.width + r.Min.X; i < y*o.width+r.Max.X; i++ {
			o.bits[i/64] |= 1 << (i % 64)
		}
	}
}

// Image returns the assembled output.
func (c *Canvas) Image() *Image {
	return c.img
}

func (c *Canvas) claim(tile TileSpec) (image.Rectangle, error) {
	dst := tile.Dest(c.scale)
	if dst.Empty() || !dst.In(c.img.Bounds()) {
		return dst, fmt.Errorf("%w: tile %d destination %v outside canvas %v",
			ErrStitchOverlap, tile.Index, dst, c.img.Bounds())
	}
	if c.claimed.overlaps(tile.Core) {
		return dst, fmt.Errorf("%w: tile %d destination %v overlaps a claimed tile",
			ErrStitchOverlap, tile.Index, dst)
	}
	c.claimed.set(tile.Core)
	c.area += dst.Dx() * dst.Dy()
	return dst, nil
}

// Place writes the core of an upscaled padded tile. The core is cut from
// out at the scaled offset, clamped to out's bounds.
func (c *Canvas) Place(tile TileSpec, out *Image) error {
	dst, err := c.claim(tile)
	if err != nil {
		return err
	}

	s := c.scale
	origin := tile.Offset.Mul(s)
	src := image.Rectangle{Min: origin, Max: origin.Add(tile.Core.Size().Mul(s))}.Intersect(out.Bounds())

	row := 3 * src.Dx()
	for y := 0; y < src.Dy(); y++ {
		from := 3 * ((src.Min.Y+y)*out.Width + src.Min.X)
		to := 3 * ((dst.Min.Y+y)*c.img.Width + dst.Min.X)
		copy(c.img.Pix[to:to+row], out.Pix[from:from+row])
	}
	return nil
}

// Skip claims a tile's destination without writing it, leaving zeros.
func (c *Canvas) Skip(tile TileSpec) error {
	_, err := c.claim(tile)
	return err
}

// Complete verifies the claimed rectangles cover the whole canvas.
func (c *Canvas) Complete() error {
	if want := c.img.Width * c.img.Height; c.area != want {
		return fmt.Errorf("%w: %d of %d canvas pixels claimed", ErrStitchOverlap, c.area, want)
	}
	return nil
}
