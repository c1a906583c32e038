package upscale

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// JPEGQuality is the quality used when saving JPEG output.
const JPEGQuality = 95

// LoadImage decodes the image at path into RGB.
func LoadImage(path string) (*Image, error) {
	return loadImage(path, 0)
}

func loadImage(path string, maxPixels int64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: file not found", ErrImageDecode, path)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrImageDecode, path, err)
	}
	defer f.Close()

	img, err := DecodeImageLimit(bufio.NewReader(f), maxPixels)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	return img, nil
}

// DecodeImage decodes any supported format from r.
func DecodeImage(r io.Reader) (*Image, error) {
	return DecodeImageLimit(r, 0)
}

// DecodeImageLimit decodes like DecodeImage but first reads the header and
// rejects images larger than maxPixels with ErrImageTooLarge, before any
// pixel buffer is allocated. A maxPixels of zero disables the check.
func DecodeImageLimit(r io.Reader, maxPixels int64) (*Image, error) {
	if maxPixels > 0 {
		var head bytes.Buffer
		cfg, _, err := image.DecodeConfig(io.TeeReader(r, &head))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrImageDecode, err)
		}
		if err := checkPixels(cfg.Width, cfg.Height, 1, maxPixels); err != nil {
			return nil, err
		}
		r = io.MultiReader(&head, r)
	}
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImageDecode, err)
	}
	if b := src.Bounds(); b.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrImageDecode)
	}
	return FromImage(src), nil
}

// checkPixels fails with ErrImageTooLarge when a width×height image
// upscaled by scale exceeds maxPixels.
func checkPixels(width, height, scale int, maxPixels int64) error {
	if maxPixels <= 0 {
		return nil
	}
	s := int64(scale)
	if n := int64(width) * int64(height) * s * s; n > maxPixels {
		return fmt.Errorf("%w: %dx%d at x%d is %d pixels, limit %d",
			ErrImageTooLarge, width, height, scale, n, maxPixels)
	}
	return nil
}

// Format names an output encoding.
type Format string

// Output formats.
const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
)

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	return "image/" + string(f)
}

// FormatFromPath picks the output format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return FormatPNG, nil
	case ".jpg", ".jpeg":
		return FormatJPEG, nil
	case ".bmp":
		return FormatBMP, nil
	case ".tif", ".tiff":
		return FormatTIFF, nil
	default:
		return "", fmt.Errorf("%w: unsupported output extension %q", ErrImageWrite, filepath.Ext(path))
	}
}

// EncodeImage writes m to w in the given format.
func EncodeImage(w io.Writer, m *Image, format Format) error {
	img := m.NRGBA()
	var err error
	switch format {
	case FormatPNG:
		err = png.Encode(w, img)
	case FormatJPEG:
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality})
	case FormatBMP:
		err = bmp.Encode(w, img)
	case FormatTIFF:
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: unsupported format %q", ErrImageWrite, format)
	}
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrImageWrite, format, err)
	}
	return nil
}

// SaveImage encodes m by the extension of path, creating parent
// directories. The file appears atomically.
func SaveImage(path string, m *Image) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	err = atomicWriteFile(path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		if err := EncodeImage(bw, m, format); err != nil {
			return err
		}
		return bw.Flush()
	})
	if err != nil && !errors.Is(err, ErrImageWrite) {
		return fmt.Errorf("%w: %s: %w", ErrImageWrite, path, err)
	}
	return err
}
