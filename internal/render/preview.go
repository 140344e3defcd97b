package render

import (
	"errors"
	"image"
	"image/color"
	"io"
	"math"
	"sort"

	"github.com/fogleman/gg"
	"gonum.org/v1/gonum/stat"

	"fitsqa/internal/detection"
	"fitsqa/internal/fitsimg"
)

// ErrNoPixels is returned when an image has no finite pixel to scale from.
var ErrNoPixels = errors.New("image has no finite pixels")

// Options tunes the preview.
type Options struct {
	Title string
	// Low and High are the percentiles (0..1) mapped to black and white.
	Low, High float64
	// Softening is the asinh knee as a fraction of the display range.
	Softening float64
	// FlipY draws row 0 at the bottom, the usual orientation for sky images.
	FlipY     bool
	LineWidth float64
	Color     color.Color
}

// DefaultOptions returns the settings used by the CLI.
func DefaultOptions() Options {
	return Options{
		Low:       0.005,
		High:      0.995,
		Softening: 0.1,
		FlipY:     true,
		LineWidth: 1,
		Color:     color.RGBA{R: 0xff, G: 0x30, B: 0x30, A: 0xff},
	}
}

// Stretch maps img to an 8-bit grayscale image with an asinh stretch between
// the configured percentiles. NaN pixels are drawn black.
func Stretch(img *fitsimg.Image, opts Options) (*image.Gray, error) {
	lo, hi, err := levels(img, opts.Low, opts.High)
	if err != nil {
		return nil, err
	}
	soft := opts.Softening
	if soft <= 0 {
		soft = 0.1
	}
	norm := math.Asinh(1 / soft)

	out := image.NewGray(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		row := y
		if opts.FlipY {
			row = img.Height - 1 - y
		}
		for x := 0; x < img.Width; x++ {
			v := img.Pix[y*img.Width+x]
			if math.IsNaN(v) {
				continue
			}
			t := (v - lo) / (hi - lo)
			t = math.Min(1, math.Max(0, t))
			g := math.Asinh(t/soft) / norm
			out.SetGray(x, row, color.Gray{Y: uint8(math.Round(255 * g))})
		}
	}
	return out, nil
}

func levels(img *fitsimg.Image, low, high float64) (float64, float64, error) {
	vals := make([]float64, 0, len(img.Pix))
	for _, v := range img.Pix {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0, 0, ErrNoPixels
	}
	sort.Float64s(vals)
	if low <= 0 || low >= 1 {
		low = 0.005
	}
	if high <= low || high > 1 {
		high = 0.995
	}
	lo := stat.Quantile(low, stat.Empirical, vals, nil)
	hi := stat.Quantile(high, stat.Empirical, vals, nil)
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi, nil
}

// Draw stretches img and outlines every source of cat. Ellipses are scaled by
// the Kron radius, or by 3 when it is unavailable. cat may be nil.
func Draw(img *fitsimg.Image, cat *detection.Catalog, opts Options) (*gg.Context, error) {
	gray, err := Stretch(img, opts)
	if err != nil {
		return nil, err
	}
	dc := gg.NewContextForImage(gray)
	if opts.Color == nil {
		opts.Color = DefaultOptions().Color
	}
	if opts.LineWidth <= 0 {
		opts.LineWidth = 1
	}
	dc.SetColor(opts.Color)
	dc.SetLineWidth(opts.LineWidth)

	if cat != nil {
		for i := range cat.Sources {
			s := &cat.Sources[i]
			if math.IsNaN(s.X) || math.IsNaN(s.Y) {
				continue
			}
			scale := s.RKron
			if !(scale > 0) {
				scale = 3
			}
			x, y, theta := s.X, s.Y, s.Theta
			if opts.FlipY {
				y = float64(img.Height-1) - y
				theta = -theta
			}
			dc.Push()
			dc.RotateAbout(theta, x, y)
			dc.DrawEllipse(x, y, math.Max(scale*s.A, 1), math.Max(scale*s.B, 1))
			dc.Stroke()
			dc.Pop()
		}
	}

	if opts.Title != "" {
		dc.SetRGB(1, 1, 1)
		dc.DrawString(opts.Title, 8, 16)
	}
	return dc, nil
}

// Preview writes a PNG rendering of img and cat to path.
func Preview(img *fitsimg.Image, cat *detection.Catalog, path string, opts Options) error {
	dc, err := Draw(img, cat, opts)
	if err != nil {
		return err
	}
	return dc.SavePNG(path)
}

// Encode writes the PNG rendering to w.
func Encode(w io.Writer, img *fitsimg.Image, cat *detection.Catalog, opts Options) error {
	dc, err := Draw(img, cat, opts)
	if err != nil {
		return err
	}
	return dc.EncodePNG(w)
}
