package fitsimg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"
)

// blockSize is the FITS record length; every HDU occupies whole blocks.
const blockSize = 2880

// Report summarises a FITS file for the corrupt/empty check.
type Report struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	HDUs     int    `json:"hdus"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Bitpix   int    `json:"bitpix"`
	Finite   int    `json:"finite_pixels"`
	Keywords int    `json:"keywords"`
}

// Inspect opens path and verifies that it parses, that its size is a whole
// number of FITS blocks and that at least one image carries finite pixels.
// Failures wrap ErrCorrupt or ErrEmpty.
func Inspect(path string) (Report, error) {
	rep := Report{Path: path}
	st, err := os.Stat(path)
	if err != nil {
		return rep, err
	}
	rep.Size = st.Size()
	if rep.Size == 0 {
		return rep, fmt.Errorf("%w: %s: zero-length file", ErrEmpty, path)
	}
	if rep.Size%blockSize != 0 {
		return rep, fmt.Errorf("%w: %s: size %d is not a multiple of %d", ErrCorrupt, path, rep.Size, blockSize)
	}

	r, err := os.Open(path)
	if err != nil {
		return rep, err
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return rep, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	defer f.Close()

	rep.HDUs = len(f.HDUs())
	if rep.HDUs > 0 {
		rep.Keywords = FromFITS(f.HDU(0).Header()).Len()
	}

	img, hdr, err := ImageFromFile(f)
	switch {
	case errors.Is(err, ErrNoImage):
		return rep, fmt.Errorf("%w: %s: no HDU carries pixel data", ErrEmpty, path)
	case err != nil:
		return rep, fmt.Errorf("%s: %w", path, err)
	}
	rep.Width, rep.Height = img.Width, img.Height
	if v, ok := hdr.Int("BITPIX"); ok {
		rep.Bitpix = int(v)
	}
	rep.Finite = img.Finite()
	if rep.Finite == 0 {
		return rep, fmt.Errorf("%w: %s: every pixel is blank", ErrEmpty, path)
	}
	return rep, nil
}

var fitsExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
}

// IsFITS reports whether path has a FITS file extension.
func IsFITS(path string) bool {
	_, ok := fitsExts[strings.ToLower(filepath.Ext(path))]
	return ok
}
