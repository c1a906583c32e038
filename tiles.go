package upscale

import (
	"fmt"
	"image"
)

// TileSpec is one cell of the tiling grid.
type TileSpec struct {
	// Index is the row-major position of the tile.
	Index int

	// Core is the region of the source this tile is responsible for.
	Core image.Rectangle

	// Padded is Core expanded by the padding and clipped to the image.
	// It is what the network sees.
	Padded image.Rectangle

	// Offset is Core.Min relative to Padded.Min.
	Offset image.Point
}

// Dest returns the canvas rectangle the tile's core fills at scale.
func (t TileSpec) Dest(scale int) image.Rectangle {
	return image.Rectangle{Min: t.Core.Min.Mul(scale), Max: t.Core.Max.Mul(scale)}
}

// PlanTiles partitions a width×height image into tileSize cells in
// row-major order. Each tile carries a context margin of padding pixels
// on every side where the image allows. The cores partition the image
// exactly; edge cells are clipped.
func PlanTiles(width, height, tileSize, padding int) ([]TileSpec, error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("%w: image %dx%d", ErrInvalidTiling, width, height)
	}
	if tileSize < 1 {
		return nil, fmt.Errorf("%w: tile size %d", ErrInvalidTiling, tileSize)
	}
	if padding < 0 {
		return nil, fmt.Errorf("%w: padding %d", ErrInvalidTiling, padding)
	}

	bounds := image.Rect(0, 0, width, height)
	cols := (width + tileSize - 1) / tileSize
	rows := (height + tileSize - 1) / tileSize
	tiles := make([]TileSpec, 0, cols*rows)

	for y := 0; y < height; y += tileSize {
		for x := 0; x < width; x += tileSize {
			core := image.Rect(x, y, min(x+tileSize, width), min(y+tileSize, height))
			padded := image.Rect(
				core.Min.X-padding, core.Min.Y-padding,
				core.Max.X+padding, core.Max.Y+padding,
			).Intersect(bounds)

			tiles = append(tiles, TileSpec{
				Index:  len(tiles),
				Core:   core,
				Padded: padded,
				Offset: core.Min.Sub(padded.Min),
			})
		}
	}
	return tiles, nil
}
