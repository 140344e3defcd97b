package fitsimg

import (
	"fmt"
	"math"
	"os"

	"github.com/astrogo/fitsio"
)

// ReadImage loads the first 2-D image found in the FITS file at path.
func ReadImage(path string) (*Image, *Header, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	defer f.Close()

	img, hdr, err := ImageFromFile(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, hdr, nil
}

// ImageFromFile decodes the first HDU carrying at least two axes.
// BSCALE and BZERO are applied, BLANK pixels become NaN and only the
// first plane of a cube is kept.
func ImageFromFile(f *fitsio.File) (*Image, *Header, error) {
	if f == nil {
		return nil, nil, ErrNoImage
	}
	for _, hdu := range f.HDUs() {
		if hdu.Type() != fitsio.IMAGE_HDU {
			continue
		}
		fitsImg, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		axes := hdu.Header().Axes()
		if len(axes) < 2 || axes[0] == 0 || axes[1] == 0 {
			continue
		}
		img, err := decodePlane(fitsImg, axes)
		if err != nil {
			return nil, nil, err
		}
		return img, FromFITS(hdu.Header()), nil
	}
	return nil, nil, ErrNoImage
}

func decodePlane(hdu fitsio.Image, axes []int) (*Image, error) {
	n := 1
	for _, dim := range axes {
		n *= dim
	}
	w, h := axes[0], axes[1]

	raw, err := readRaw(hdu, n)
	if err != nil {
		return nil, fmt.Errorf("%w: reading pixels: %v", ErrCorrupt, err)
	}
	if len(raw) < w*h {
		return nil, fmt.Errorf("%w: %d pixels for %dx%d", ErrCorrupt, len(raw), w, h)
	}

	hdr := FromFITS(hdu.Header())
	bscale, ok := hdr.Float("BSCALE")
	if !ok || bscale == 0 {
		bscale = 1
	}
	bzero, _ := hdr.Float("BZERO")
	blank, hasBlank := hdr.Int("BLANK")
	integer := hdu.Header().Bitpix() > 0

	pix := make([]float64, w*h)
	for i := range pix {
		v := raw[i]
		if integer && hasBlank && v == float64(blank) {
			pix[i] = math.NaN()
			continue
		}
		pix[i] = bzero + bscale*v
	}
	return &Image{Width: w, Height: h, Pix: pix}, nil
}

// readRaw reads n stored values in the element type BITPIX declares and
// widens them to float64 before any scaling.
func readRaw(hdu fitsio.Image, n int) ([]float64, error) {
	switch bitpix := hdu.Header().Bitpix(); bitpix {
	case 8:
		return readAs[uint8](hdu, n)
	case 16:
		return readAs[int16](hdu, n)
	case 32:
		return readAs[int32](hdu, n)
	case 64:
		return readAs[int64](hdu, n)
	case -32:
		return readAs[float32](hdu, n)
	case -64:
		return readAs[float64](hdu, n)
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
}

func readAs[T uint8 | int16 | int32 | int64 | float32 | float64](hdu fitsio.Image, n int) ([]float64, error) {
	buf := make([]T, n)
	if err := hdu.Read(&buf); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, v := range buf {
		out[i] = float64(v)
	}
	return out, nil
}
