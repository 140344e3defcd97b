package qa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/astrogo/fitsio"

	"fitsqa/internal/detection"
	"fitsqa/internal/fitsimg"
)

var (
	// ErrSourcesExist is returned by DetectSources when a result is stored
	// and overwriting was not requested.
	ErrSourcesExist = errors.New("sources already exist; overwrite to replace them")
	// ErrNoSources is returned by the focus check when nothing was detected.
	ErrNoSources = errors.New("no sources detected")
)

// DefaultMaxFWHM is the largest median FWHM, in pixels, of an image in focus.
const DefaultMaxFWHM = 2.5

// ZeroPointKeywords are the header keywords searched, in order, for a
// photometric zero point.
var ZeroPointKeywords = []string{"ZP", "ZPMAG"}

// DataQA runs pixel-level checks on one image.
type DataQA struct {
	img *fitsimg.Image
	hdr *fitsimg.Header
	log *slog.Logger

	mu      sync.Mutex
	config  []detection.Option
	sources *detection.Sources
}

// NewDataQA wraps an in-memory image. hdr may be nil; opts form the
// initial detection configuration.
func NewDataQA(img *fitsimg.Image, hdr *fitsimg.Header, logger *slog.Logger, opts ...detection.Option) *DataQA {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataQA{
		img:    img,
		hdr:    hdr,
		log:    logger,
		config: append([]detection.Option(nil), opts...),
	}
}

// DataQAFromPath loads a FITS image, or any other raster ImageMagick reads.
func DataQAFromPath(path string, logger *slog.Logger, opts ...detection.Option) (*DataQA, error) {
	if !fitsimg.IsFITS(path) {
		img, err := fitsimg.ReadRaster(path)
		if err != nil {
			return nil, err
		}
		return NewDataQA(img, nil, logger, opts...), nil
	}
	img, hdr, err := fitsimg.ReadImage(path)
	if err != nil {
		return nil, err
	}
	return NewDataQA(img, hdr, logger, opts...), nil
}

// DataQAFromFile uses the first image HDU of an opened file.
func DataQAFromFile(f *fitsio.File, logger *slog.Logger, opts ...detection.Option) (*DataQA, error) {
	img, hdr, err := fitsimg.ImageFromFile(f)
	if err != nil {
		return nil, err
	}
	return NewDataQA(img, hdr, logger, opts...), nil
}

// Image returns the pixel data under test.
func (q *DataQA) Image() *fitsimg.Image { return q.img }

// Sources returns the stored detection result, or nil.
func (q *DataQA) Sources() *detection.Sources {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sources
}

// Config returns the detection configuration currently in effect.
func (q *DataQA) Config() detection.Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return detection.NewConfig(q.config...)
}

// DetectSources runs source extraction and stores the result. opts are
// merged into the stored configuration, later values winning. When no option
// sets or disables the zero point the header keywords ZP and ZPMAG are tried
// in turn.
func (q *DataQA) DetectSources(ctx context.Context, overwrite bool, opts ...detection.Option) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.detectLocked(ctx, overwrite, opts)
}

func (q *DataQA) detectLocked(ctx context.Context, overwrite bool, opts []detection.Option) error {
	if q.sources != nil {
		if !overwrite {
			return ErrSourcesExist
		}
		q.log.Info("Overwriting stored sources with new result")
	} else {
		q.log.Debug("Sources have not yet been extracted; the new result will be stored")
	}
	if q.img == nil {
		return fmt.Errorf("%w: no pixel data", fitsimg.ErrEmpty)
	}

	q.config = append(q.config, opts...)
	run := q.config
	if !detection.NewConfig(run...).ZeroPointSet() {
		if zp, key, ok := q.headerZeroPoint(); ok {
			q.log.Debug("Using zero point from header", "keyword", key, "zp", zp)
			run = append(append([]detection.Option(nil), run...), detection.WithZeroPoint(zp))
		}
	}

	src, err := detection.ExtractSources(ctx, q.img, q.log, run...)
	if err != nil {
		return err
	}
	q.sources = src
	return nil
}

func (q *DataQA) headerZeroPoint() (float64, string, bool) {
	for _, key := range ZeroPointKeywords {
		if v, ok := q.hdr.Float(key); ok && !math.IsNaN(v) {
			return v, key, true
		}
	}
	return 0, "", false
}

// FocusReport is the outcome of a focus check.
type FocusReport struct {
	Path       string  `json:"path,omitempty"`
	InFocus    bool    `json:"in_focus"`
	MedianFWHM float64 `json:"median_fwhm"`
	MaxFWHM    float64 `json:"max_fwhm"`
	NSources   int     `json:"n_sources"`
	Error      string  `json:"error,omitempty"`
}

// IsFocusGood reports whether the median FWHM of the detected sources is
// at most maxFWHM, returning that median. Detection runs first when no
// result is stored.
func (q *DataQA) IsFocusGood(ctx context.Context, maxFWHM float64) (bool, float64, error) {
	rep, err := q.CheckFocus(ctx, maxFWHM)
	return rep.InFocus, rep.MedianFWHM, err
}

// CheckFocus is IsFocusGood returning the full report.
func (q *DataQA) CheckFocus(ctx context.Context, maxFWHM float64) (FocusReport, error) {
	if maxFWHM <= 0 {
		maxFWHM = DefaultMaxFWHM
	}
	rep := FocusReport{MaxFWHM: maxFWHM, MedianFWHM: math.NaN()}

	q.mu.Lock()
	if q.sources == nil {
		if err := q.detectLocked(ctx, false, nil); err != nil {
			q.mu.Unlock()
			return rep, err
		}
	}
	src := q.sources
	q.mu.Unlock()

	rep.NSources = src.Catalog.Len()
	fwhm, err := src.Catalog.Column("fwhm")
	if err != nil {
		return rep, err
	}
	rep.MedianFWHM = detection.Median(fwhm)
	if math.IsNaN(rep.MedianFWHM) {
		return rep, ErrNoSources
	}
	rep.InFocus = rep.MedianFWHM <= maxFWHM
	return rep, nil
}
