package frameio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"astrostack/internal/imaging"
)

// ErrUnsupportedFormat is returned for files that are neither FITS nor TIFF
var ErrUnsupportedFormat = errors.New("unsupported frame format")

// Format is an on-disk frame encoding
type Format string

const (
	FormatFITS Format = "fits"
	FormatTIFF Format = "tiff"
)

// FormatOf picks the encoding from the file extension
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fits", ".fit", ".fts":
		return FormatFITS, nil
	case ".tif", ".tiff":
		return FormatTIFF, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
}

// Loader reads FITS and TIFF frames from the local filesystem
type Loader struct{}

func NewLoader() *Loader { return &Loader{} }

// Load decodes the frame at path
func (l *Loader) Load(ctx context.Context, path string) (*imaging.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var img *imaging.Image
	switch format {
	case FormatFITS:
		img, err = decodeFITS(f)
	case FormatTIFF:
		img, err = decodeTIFF(f)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// Shape reports frame dimensions without keeping pixel data
func (l *Loader) Shape(ctx context.Context, path string) (imaging.Shape, error) {
	if err := ctx.Err(); err != nil {
		return imaging.Shape{}, err
	}
	format, err := FormatOf(path)
	if err != nil {
		return imaging.Shape{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return imaging.Shape{}, err
	}
	defer f.Close()

	var shape imaging.Shape
	switch format {
	case FormatFITS:
		shape, err = fitsShape(f)
	case FormatTIFF:
		shape, err = tiffShape(f)
	}
	if err != nil {
		return imaging.Shape{}, fmt.Errorf("read shape %s: %w", path, err)
	}
	return shape, nil
}

// Save writes img to path in the given format, replacing any existing file
// only once the encoding has fully succeeded.
func Save(path string, img *imaging.Image, format Format) error {
	switch format {
	case FormatTIFF, "":
		return WriteTIFF(path, img)
	case FormatFITS:
		return WriteFITS(path, img)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}
