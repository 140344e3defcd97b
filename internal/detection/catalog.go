package detection

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// ErrUnknownColumn is returned by Catalog.Column for names it does not carry.
var ErrUnknownColumn = errors.New("unknown catalog column")

// Source is a detected object with the derived photometry of ExtractSources.
type Source struct {
	Object
	SegID    int       `json:"seg_id"`
	RKron    float64   `json:"r_kron"`
	KronFlag Flag      `json:"kron_flag"`
	FluxAuto float64   `json:"flux_auto"`
	FWHM     float64   `json:"fwhm"`
	Mag      float64   `json:"mag,omitempty"`
	MagAuto  float64   `json:"mag_auto,omitempty"`
	FluxAper []float64 `json:"flux_aper"`
	FluxAnn  []float64 `json:"flux_ann"`
}

// Catalog is the tabular view of a source list.
type Catalog struct {
	Sources   []Source  `json:"sources"`
	Apertures []float64 `json:"apertures"`
	Annuli    []Annulus `json:"annuli"`
	ZeroPoint *float64  `json:"zero_point,omitempty"`
}

type column struct {
	name string
	get  func(s *Source) float64
}

var objectColumns = []column{
	{"thresh", func(s *Source) float64 { return s.Thresh }},
	{"npix", func(s *Source) float64 { return float64(s.NPix) }},
	{"tnpix", func(s *Source) float64 { return float64(s.TNPix) }},
	{"xmin", func(s *Source) float64 { return float64(s.XMin) }},
	{"xmax", func(s *Source) float64 { return float64(s.XMax) }},
	{"ymin", func(s *Source) float64 { return float64(s.YMin) }},
	{"ymax", func(s *Source) float64 { return float64(s.YMax) }},
	{"x", func(s *Source) float64 { return s.X }},
	{"y", func(s *Source) float64 { return s.Y }},
	{"x2", func(s *Source) float64 { return s.X2 }},
	{"y2", func(s *Source) float64 { return s.Y2 }},
	{"xy", func(s *Source) float64 { return s.XY }},
	{"errx2", func(s *Source) float64 { return s.ErrX2 }},
	{"erry2", func(s *Source) float64 { return s.ErrY2 }},
	{"errxy", func(s *Source) float64 { return s.ErrXY }},
	{"a", func(s *Source) float64 { return s.A }},
	{"b", func(s *Source) float64 { return s.B }},
	{"theta", func(s *Source) float64 { return s.Theta }},
	{"cxx", func(s *Source) float64 { return s.CXX }},
	{"cyy", func(s *Source) float64 { return s.CYY }},
	{"cxy", func(s *Source) float64 { return s.CXY }},
	{"cflux", func(s *Source) float64 { return s.CFlux }},
	{"flux", func(s *Source) float64 { return s.Flux }},
	{"cpeak", func(s *Source) float64 { return s.CPeak }},
	{"peak", func(s *Source) float64 { return s.Peak }},
	{"xcpeak", func(s *Source) float64 { return float64(s.XCPeak) }},
	{"ycpeak", func(s *Source) float64 { return float64(s.YCPeak) }},
	{"xpeak", func(s *Source) float64 { return float64(s.XPeak) }},
	{"ypeak", func(s *Source) float64 { return float64(s.YPeak) }},
	{"flag", func(s *Source) float64 { return float64(s.Flag) }},
	{"seg_id", func(s *Source) float64 { return float64(s.SegID) }},
	{"r_kron", func(s *Source) float64 { return s.RKron }},
	{"flux_auto", func(s *Source) float64 { return s.FluxAuto }},
	{"fwhm", func(s *Source) float64 { return s.FWHM }},
}

var magColumns = []column{
	{"mag", func(s *Source) float64 { return s.Mag }},
	{"mag_auto", func(s *Source) float64 { return s.MagAuto }},
}

// ApertureColumn names the column holding the flux within radius r.
func ApertureColumn(r float64) string {
	return fmt.Sprintf("f_aper(%s)", formatRadius(r))
}

// AnnulusColumn names the column holding the flux within annulus a.
func AnnulusColumn(a Annulus) string {
	return fmt.Sprintf("f_ann(%s, %s)", formatRadius(a.Inner), formatRadius(a.Outer))
}

func formatRadius(r float64) string {
	return strconv.FormatFloat(r, 'g', -1, 64)
}

func (c *Catalog) columns() []column {
	cols := append([]column(nil), objectColumns...)
	if c.HasMagnitudes() {
		cols = append(cols, magColumns...)
	}
	for i, r := range c.Apertures {
		i := i
		cols = append(cols, column{ApertureColumn(r), func(s *Source) float64 { return s.FluxAper[i] }})
	}
	for i, a := range c.Annuli {
		i := i
		cols = append(cols, column{AnnulusColumn(a), func(s *Source) float64 { return s.FluxAnn[i] }})
	}
	return cols
}

// Len is the number of sources.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Sources)
}

// HasMagnitudes reports whether mag and mag_auto columns are present.
func (c *Catalog) HasMagnitudes() bool { return c != nil && c.ZeroPoint != nil }

// Columns lists the column names in table order.
func (c *Catalog) Columns() []string {
	if c == nil {
		return nil
	}
	cols := c.columns()
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.name
	}
	return names
}

// Column returns one column as float64 values.
func (c *Catalog) Column(name string) ([]float64, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
	}
	for _, col := range c.columns() {
		if col.name != name {
			continue
		}
		out := make([]float64, len(c.Sources))
		for i := range c.Sources {
			out[i] = col.get(&c.Sources[i])
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
}

// WriteCSV writes the catalog with a header row.
func (c *Catalog) WriteCSV(w io.Writer) error {
	cols := c.columns()
	cw := csv.NewWriter(w)
	header := make([]string, len(cols))
	for i, col := range cols {
		header[i] = col.name
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(cols))
	for i := range c.Sources {
		for j, col := range cols {
			row[j] = strconv.FormatFloat(col.get(&c.Sources[i]), 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Log10Fill returns log10(v), or fill when v is not positive.
func Log10Fill(v, fill float64) float64 {
	if !(v > 0) {
		return fill
	}
	return math.Log10(v)
}
