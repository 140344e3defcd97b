package fitsimg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/astrogo/fitsio"
)

// Table is a column-oriented set of float64 values, as produced by a source catalog.
type Table interface {
	Columns() []string
	Column(name string) ([]float64, error)
	Len() int
}

// WriteImage streams img as a float64 primary HDU to w.
func WriteImage(w io.Writer, img *Image, cards []Card) error {
	if img == nil || img.Len() == 0 {
		return ErrEmpty
	}
	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer f.Close()

	hdu := fitsio.NewImage(-64, []int{img.Width, img.Height})
	defer hdu.Close()
	if err := hdu.Header().Append(ToFITS(cards)...); err != nil {
		return err
	}
	if err := hdu.Write(img.Pix); err != nil {
		return err
	}
	return f.Write(hdu)
}

// WriteSegmentation streams an int32 segmentation map as a primary HDU.
func WriteSegmentation(w io.Writer, seg []int32, width, height int, cards []Card) error {
	if len(seg) != width*height || len(seg) == 0 {
		return fmt.Errorf("segmentation map has %d pixels, want %dx%d", len(seg), width, height)
	}
	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer f.Close()

	hdu := fitsio.NewImage(32, []int{width, height})
	defer hdu.Close()
	if err := hdu.Header().Append(ToFITS(cards)...); err != nil {
		return err
	}
	if err := hdu.Write(seg); err != nil {
		return err
	}
	return f.Write(hdu)
}

// WriteCatalog writes an empty primary HDU followed by a binary table
// extension named name holding every column of t as float64.
func WriteCatalog(w io.Writer, name string, t Table) error {
	cols := t.Columns()
	data := make([][]float64, len(cols))
	fcols := make([]fitsio.Column, len(cols))
	for i, c := range cols {
		v, err := t.Column(c)
		if err != nil {
			return err
		}
		data[i] = v
		fcols[i] = fitsio.Column{Name: c, Format: "D"}
	}

	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer f.Close()

	phdu, err := fitsio.NewPrimaryHDU(nil)
	if err != nil {
		return err
	}
	if err := f.Write(phdu); err != nil {
		return err
	}

	tbl, err := fitsio.NewTable(name, fcols, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer tbl.Close()

	row := make([]float64, len(cols))
	args := make([]any, len(cols))
	for i := range row {
		args[i] = &row[i]
	}
	for r := 0; r < t.Len(); r++ {
		for i := range cols {
			row[i] = data[i][r]
		}
		if err := tbl.Write(args...); err != nil {
			return fmt.Errorf("writing row %d: %w", r, err)
		}
	}
	return f.Write(tbl)
}

// WriteFile creates path (and its directory) and hands the file to write.
func WriteFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
