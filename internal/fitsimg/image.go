package fitsimg

import (
	"fmt"
	"math"
)

// Image is a 2-D plane of pixel values, row-major with x varying fastest.
// Pixel (x, y) has its centre at integer coordinates.
type Image struct {
	Width  int
	Height int
	Pix    []float64
}

// NewImage allocates a zero-filled w x h image.
func NewImage(w, h int) *Image {
	return &Image{Width: w, Height: h, Pix: make([]float64, w*h)}
}

// ImageFromPixels wraps an in-memory pixel slice without copying it.
func ImageFromPixels(w, h int, pix []float64) (*Image, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: image size %dx%d", ErrEmpty, w, h)
	}
	if len(pix) != w*h {
		return nil, fmt.Errorf("pixel count %d does not match %dx%d", len(pix), w, h)
	}
	return &Image{Width: w, Height: h, Pix: pix}, nil
}

// At returns the value at (x, y). Out-of-bounds reads return NaN.
func (im *Image) At(x, y int) float64 {
	if !im.In(x, y) {
		return math.NaN()
	}
	return im.Pix[y*im.Width+x]
}

// Set stores v at (x, y); out-of-bounds writes are ignored.
func (im *Image) Set(x, y int, v float64) {
	if im.In(x, y) {
		im.Pix[y*im.Width+x] = v
	}
}

// In reports whether (x, y) lies inside the image.
func (im *Image) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < im.Width && y < im.Height
}

// Len is the number of pixels.
func (im *Image) Len() int { return im.Width * im.Height }

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	return &Image{Width: im.Width, Height: im.Height, Pix: append([]float64(nil), im.Pix...)}
}

// Finite counts pixels that are neither NaN nor infinite.
func (im *Image) Finite() int {
	n := 0
	for _, v := range im.Pix {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			n++
		}
	}
	return n
}
