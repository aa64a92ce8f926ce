package frameio

import (
	"fmt"
	"image"
	"image/color"
	"io"

	"golang.org/x/image/tiff"

	"astrostack/internal/imaging"
)

func isGrayModel(m color.Model) bool {
	return m == color.GrayModel || m == color.Gray16Model
}

func tiffShape(r io.Reader) (imaging.Shape, error) {
	cfg, err := tiff.DecodeConfig(r)
	if err != nil {
		return imaging.Shape{}, err
	}
	channels := 3
	if isGrayModel(cfg.ColorModel) {
		channels = 1
	}
	return imaging.Shape{Width: cfg.Width, Height: cfg.Height, Channels: channels}, nil
}

// decodeTIFF keeps samples at their stored depth: 8-bit gray stays 0-255,
// 16-bit stays 0-65535.
func decodeTIFF(r io.Reader) (*imaging.Image, error) {
	m, err := tiff.Decode(r)
	if err != nil {
		return nil, err
	}
	b := m.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := m.(type) {
	case *image.Gray16:
		out := imaging.New(w, h, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Pix[y*w+x] = float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return out, nil
	case *image.Gray:
		out := imaging.New(w, h, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Pix[y*w+x] = float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return out, nil
	case *image.RGBA:
		out := imaging.New(w, h, 3)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := src.RGBAAt(b.Min.X+x, b.Min.Y+y)
				i := (y*w + x) * 3
				out.Pix[i], out.Pix[i+1], out.Pix[i+2] = float64(c.R), float64(c.G), float64(c.B)
			}
		}
		return out, nil
	case *image.NRGBA:
		out := imaging.New(w, h, 3)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := src.NRGBAAt(b.Min.X+x, b.Min.Y+y)
				i := (y*w + x) * 3
				out.Pix[i], out.Pix[i+1], out.Pix[i+2] = float64(c.R), float64(c.G), float64(c.B)
			}
		}
		return out, nil
	}

	if isGrayModel(m.ColorModel()) {
		out := imaging.New(w, h, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.Gray16Model.Convert(m.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				out.Pix[y*w+x] = float64(g.Y)
			}
		}
		return out, nil
	}
	out := imaging.New(w, h, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA64Model.Convert(m.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA64)
			i := (y*w + x) * 3
			out.Pix[i], out.Pix[i+1], out.Pix[i+2] = float64(c.R), float64(c.G), float64(c.B)
		}
	}
	return out, nil
}

// encodeTIFF16 converts img to a 16-bit Go image. Samples are truncated
// and clamped to 0-65535.
func encodeTIFF16(img *imaging.Image) (image.Image, error) {
	n := img.Narrow(imaging.Depth16)
	rect := image.Rect(0, 0, img.Width, img.Height)
	switch img.Channels {
	case 1:
		out := image.NewGray16(rect)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				out.SetGray16(x, y, color.Gray16{Y: uint16(n.At(x, y, 0))})
			}
		}
		return out, nil
	case 3:
		out := image.NewRGBA64(rect)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				out.SetRGBA64(x, y, color.RGBA64{
					R: uint16(n.At(x, y, 0)),
					G: uint16(n.At(x, y, 1)),
					B: uint16(n.At(x, y, 2)),
					A: 0xffff,
				})
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot encode %d-channel image as TIFF", img.Channels)
}

// WriteTIFF stores img as a deflate-compressed 16-bit TIFF. The file
// appears at path only after it has been completely written.
func WriteTIFF(path string, img *imaging.Image) error {
	m, err := encodeTIFF16(img)
	if err != nil {
		return err
	}
	return writeAtomic(path, func(w io.Writer) error {
		return tiff.Encode(w, m, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	})
}
