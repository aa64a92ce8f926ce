package frameio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/astrogo/fitsio"

	"astrostack/internal/imaging"
)

func primaryImage(r io.Reader) (*fitsio.File, fitsio.Image, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, nil, err
	}
	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		f.Close()
		return nil, nil, errors.New("primary HDU is not an image")
	}
	return f, img, nil
}

// axesShape maps NAXIS1/NAXIS2[/NAXIS3] to image dimensions
func axesShape(axes []int) (imaging.Shape, error) {
	switch {
	case len(axes) == 2:
		return imaging.Shape{Width: axes[0], Height: axes[1], Channels: 1}, nil
	case len(axes) == 3 && (axes[2] == 1 || axes[2] == 3):
		return imaging.Shape{Width: axes[0], Height: axes[1], Channels: axes[2]}, nil
	}
	return imaging.Shape{}, fmt.Errorf("unsupported FITS axes %v", axes)
}

func fitsShape(r io.Reader) (imaging.Shape, error) {
	f, img, err := primaryImage(r)
	if err != nil {
		return imaging.Shape{}, err
	}
	defer f.Close()
	return axesShape(img.Header().Axes())
}

func decodeFITS(r io.Reader) (*imaging.Image, error) {
	f, hdu, err := primaryImage(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdr := hdu.Header()
	shape, err := axesShape(hdr.Axes())
	if err != nil {
		return nil, err
	}
	bzero := cardFloat(hdr, "BZERO", 0)
	bscale := cardFloat(hdr, "BSCALE", 1)

	raw := hdu.Raw()
	plane := shape.Width * shape.Height
	n := plane * shape.Channels
	size := abs(hdr.Bitpix()) / 8
	if len(raw) < n*size {
		return nil, fmt.Errorf("truncated data: %d bytes for %d samples of BITPIX %d", len(raw), n, hdr.Bitpix())
	}

	out := imaging.New(shape.Width, shape.Height, shape.Channels)
	for i := 0; i < n; i++ {
		v, err := sample(raw[i*size:], hdr.Bitpix())
		if err != nil {
			return nil, err
		}
		// FITS stores colour planes one after another
		c, p := i/plane, i%plane
		out.Pix[p*shape.Channels+c] = bzero + bscale*v
	}
	return out, nil
}

func sample(b []byte, bitpix int) (float64, error) {
	switch bitpix {
	case 8:
		return float64(b[0]), nil
	case 16:
		return float64(int16(binary.BigEndian.Uint16(b))), nil
	case 32:
		return float64(int32(binary.BigEndian.Uint32(b))), nil
	case 64:
		return float64(int64(binary.BigEndian.Uint64(b))), nil
	case -32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	case -64:
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	}
	return 0, fmt.Errorf("unsupported BITPIX %d", bitpix)
}

func cardFloat(hdr *fitsio.Header, name string, def float64) float64 {
	card := hdr.Get(name)
	if card == nil {
		return def
	}
	switch v := card.Value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case float32:
		return float64(v)
	}
	return def
}

// WriteFITS stores img as unsigned 16-bit FITS (BITPIX 16, BZERO 32768).
// Colour images become a three-plane cube.
func WriteFITS(path string, img *imaging.Image) error {
	narrow := img.Narrow(imaging.Depth16)
	plane := img.Width * img.Height
	data := make([]int16, len(narrow.Pix))
	for p := 0; p < plane; p++ {
		for c := 0; c < img.Channels; c++ {
			data[c*plane+p] = int16(int32(narrow.Pix[p*img.Channels+c]) - 32768)
		}
	}
	axes := []int{img.Width, img.Height}
	if img.Channels > 1 {
		axes = append(axes, img.Channels)
	}

	return writeAtomic(path, func(w io.Writer) error {
		f, err := fitsio.Create(w)
		if err != nil {
			return err
		}
		hdu := fitsio.NewImage(16, axes)
		defer hdu.Close()
		if err := hdu.Header().Append(
			fitsio.Card{Name: "BZERO", Value: 32768, Comment: "offset for unsigned 16-bit samples"},
			fitsio.Card{Name: "BSCALE", Value: 1, Comment: "default scaling"},
		); err != nil {
			return err
		}
		if err := hdu.Write(data); err != nil {
			return err
		}
		if err := f.Write(hdu); err != nil {
			return err
		}
		return f.Close()
	})
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
