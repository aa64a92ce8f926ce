package frameio

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"astrostack/internal/imaging"
)

// PreviewOptions control display rendering
type PreviewOptions struct {
	Demosaic bool
	Pattern  imaging.BayerPattern
}

// Render stretches every channel of img to 0-255 and returns an 8-bit Go
// image. Single-channel frames are demosaiced first when requested.
func Render(img *imaging.Image, opts PreviewOptions) (image.Image, error) {
	if opts.Demosaic && img.Channels == 1 {
		rgb, err := imaging.Demosaic(img, opts.Pattern)
		if err != nil {
			return nil, err
		}
		img = rgb
	}

	planes := make([]*imaging.Image, img.Channels)
	for c := range planes {
		planes[c] = imaging.LinGray(img.Channel(c), 255).Narrow(imaging.Depth8)
	}

	rect := image.Rect(0, 0, img.Width, img.Height)
	switch img.Channels {
	case 1:
		out := image.NewGray(rect)
		for i, v := range planes[0].Pix {
			out.Pix[i] = uint8(v)
		}
		return out, nil
	case 3:
		out := image.NewRGBA(rect)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				out.SetRGBA(x, y, color.RGBA{
					R: uint8(planes[0].At(x, y, 0)),
					G: uint8(planes[1].At(x, y, 0)),
					B: uint8(planes[2].At(x, y, 0)),
					A: 0xff,
				})
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot render %d-channel image", img.Channels)
}

// WritePNG renders img and stores it as PNG at path
func WritePNG(path string, img *imaging.Image, opts PreviewOptions) error {
	m, err := Render(img, opts)
	if err != nil {
		return err
	}
	return writeAtomic(path, func(w io.Writer) error {
		return png.Encode(w, m)
	})
}

// WriteHistogram plots the sample distribution of img. The output format
// follows the extension of path (png, svg, pdf).
func WriteHistogram(path string, img *imaging.Image, bins int) error {
	if bins <= 0 {
		bins = 64
	}
	values := make(plotter.Values, 0, len(img.Pix))
	for _, v := range img.Pix {
		if !math.IsNaN(v) {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return fmt.Errorf("no samples to plot")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Sample histogram (%dx%dx%d)", img.Width, img.Height, img.Channels)
	p.X.Label.Text = "Value"
	p.Y.Label.Text = "Count"

	h, err := plotter.NewHist(values, bins)
	if err != nil {
		return fmt.Errorf("build histogram: %w", err)
	}
	h.LineStyle.Width = vg.Points(0.5)
	p.Add(h)

	format := extFormat(path)
	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, format)
	if err != nil {
		return fmt.Errorf("render histogram: %w", err)
	}
	return writeAtomic(path, func(w io.Writer) error {
		_, err := wt.WriteTo(w)
		return err
	})
}

func extFormat(path string) string {
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."); ext != "" {
		return ext
	}
	return "png"
}
