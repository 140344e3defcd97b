package detection

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCatalog() *Catalog {
	return &Catalog{
		Apertures: DefaultFluxAper(),
		Annuli:    DefaultFluxAnn(),
		Sources: []Source{
			{Object: Object{X: 1, Y: 2, A: 1.5}, SegID: 1, FWHM: 2, FluxAper: []float64{1, 2, 3}, FluxAnn: []float64{4, 5}},
			{Object: Object{X: 3, Y: 4, A: 1.0}, SegID: 2, FWHM: 3, FluxAper: []float64{6, 7, 8}, FluxAnn: []float64{9, 10}},
		},
	}
}

func TestCatalogColumnNames(t *testing.T) {
	cat := sampleCatalog()
	cols := cat.Columns()
	assert.Contains(t, cols, "f_aper(2.5)")
	assert.Contains(t, cols, "f_aper(5)")
	assert.Contains(t, cols, "f_aper(10)")
	assert.Contains(t, cols, "f_ann(3, 6)")
	assert.Contains(t, cols, "f_ann(5, 8)")
	assert.NotContains(t, cols, "mag")

	zp := 25.0
	cat.ZeroPoint = &zp
	assert.Contains(t, cat.Columns(), "mag_auto")
}

func TestCatalogColumnValues(t *testing.T) {
	cat := sampleCatalog()

	fwhm, err := cat.Column("fwhm")
	require.NoError(t, err)
	if diff := cmp.Diff([]float64{2, 3}, fwhm); diff != "" {
		t.Fatalf("fwhm mismatch (-want +got):\n%s", diff)
	}

	ann, err := cat.Column("f_ann(5, 8)")
	require.NoError(t, err)
	if diff := cmp.Diff([]float64{5, 10}, ann); diff != "" {
		t.Fatalf("annulus mismatch (-want +got):\n%s", diff)
	}

	_, err = cat.Column("nope")
	require.ErrorIs(t, err, ErrUnknownColumn)

	var empty *Catalog
	assert.Zero(t, empty.Len())
	assert.Nil(t, empty.Columns())
}

func TestCatalogWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleCatalog().WriteCSV(&buf))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, sampleCatalog().Columns(), rows[0])
	assert.Equal(t, "1", rows[1][indexOf(rows[0], "seg_id")])
}

func indexOf(vs []string, v string) int {
	for i, s := range vs {
		if s == v {
			return i
		}
	}
	return -1
}

func TestLog10Fill(t *testing.T) {
	assert.Equal(t, 2.0, Log10Fill(100, LogFill))
	assert.Equal(t, -99.0, Log10Fill(0, LogFill))
	assert.Equal(t, -99.0, Log10Fill(-5, LogFill))
}

func TestNewConfigLaterOptionsWin(t *testing.T) {
	cfg := NewConfig(WithThresh(3), WithThresh(4), WithMinArea(9), nil)
	assert.Equal(t, 4.0, cfg.Thresh)
	assert.Equal(t, 9, cfg.MinArea)
	assert.Equal(t, 32, cfg.DeblendNThresh)

	res := NewConfig(WithBackgroundBox(32, 0), WithBackgroundFilter(5, 0)).Resolved()
	assert.Equal(t, 32, res.BH)
	assert.Equal(t, 5, res.FH)
}

func TestDefaultConfigIsIndependent(t *testing.T) {
	a := DefaultConfig()
	a.FilterKernel[0][0] = 99
	a.FluxAper[0] = 99
	b := DefaultConfig()
	assert.Equal(t, 1.0, b.FilterKernel[0][0])
	assert.Equal(t, 2.5, b.FluxAper[0])
}

func TestLoadSettingsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detect.yaml")
	doc := `thresh: 3.5
minarea: 8
filter_type: conv
flux_aper: [3, 6]
flux_ann:
  - [4, 9]
zpt: 24.1
clean: false
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := LoadSettings(path)
	require.NoError(t, err)

	cfg := NewConfig(s.Options()...)
	assert.Equal(t, 3.5, cfg.Thresh)
	assert.Equal(t, 8, cfg.MinArea)
	assert.Equal(t, FilterConv, cfg.FilterType)
	assert.Equal(t, []float64{3, 6}, cfg.FluxAper)
	assert.Equal(t, []Annulus{{4, 9}}, cfg.FluxAnn)
	require.NotNil(t, cfg.ZeroPoint)
	assert.Equal(t, 24.1, *cfg.ZeroPoint)
	assert.False(t, cfg.Clean)
	// untouched fields keep their defaults
	assert.Equal(t, 64, cfg.BW)
	assert.Equal(t, DefaultKernel(), cfg.FilterKernel)
}

func TestLoadSettingsJSONAndValidation(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "detect.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"bw": 32, "no_filter": true}`), 0o644))
	s, err := LoadSettings(good)
	require.NoError(t, err)
	cfg := NewConfig(s.Options()...)
	assert.Equal(t, 32, cfg.BW)
	assert.Nil(t, cfg.FilterKernel)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("flux_ann: [[1, 2, 3]]\n"), 0o644))
	_, err = LoadSettings(bad)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSettingsMerge(t *testing.T) {
	th, bw := 3.0, 16
	base := Settings{Thresh: &th, FilterType: "conv"}
	merged := base.Merge(Settings{BW: &bw})
	require.NotNil(t, merged.Thresh)
	assert.Equal(t, 3.0, *merged.Thresh)
	assert.Equal(t, "conv", merged.FilterType)
	require.NotNil(t, merged.BW)
	assert.Equal(t, 16, *merged.BW)
}
