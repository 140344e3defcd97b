package fitsimg

import (
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// ReadRaster loads a non-FITS raster (TIFF, PNG, JPEG and anything else
// ImageMagick decodes) as a single intensity plane scaled to [0, 1].
// The first image row is y=0.
func ReadRaster(path string) (*Image, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	wand := imagick.NewMagickWand()
	defer wand.Destroy()

	if err := wand.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read raster image: %w", err)
	}
	w, h := wand.GetImageWidth(), wand.GetImageHeight()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, path)
	}

	out, err := wand.ExportImagePixels(0, 0, w, h, "I", imagick.PIXEL_DOUBLE)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels: %w", err)
	}
	pix, ok := out.([]float64)
	if !ok || len(pix) != int(w*h) {
		return nil, fmt.Errorf("%w: unexpected pixel export for %s", ErrCorrupt, path)
	}
	return &Image{Width: int(w), Height: int(h), Pix: pix}, nil
}
