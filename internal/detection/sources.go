package detection

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"fitsqa/internal/fitsimg"
)

// Sources is the outcome of ExtractSources.
type Sources struct {
	Catalog    *Catalog
	SegMap     []int32
	Width      int
	Height     int
	Background *Background
}

// FWHM derives a full width at half maximum from the ellipse semi-axes.
func FWHM(a, b float64) float64 {
	return 2 * math.Sqrt(math.Ln2*(a*a+b*b))
}

// ExtractSources runs background estimation, detection and photometry on img.
// Options are applied in order on top of DefaultConfig. log may be nil.
func ExtractSources(ctx context.Context, img *fitsimg.Image, log *slog.Logger, opts ...Option) (*Sources, error) {
	cfg := NewConfig(opts...).Resolved()
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInvalidConfig)
	}
	if err := cfg.Validate(img.Width, img.Height); err != nil {
		return nil, err
	}

	bkg, err := NewBackground(img, cfg.Mask, cfg)
	if err != nil {
		return nil, fmt.Errorf("background: %w", err)
	}
	data := img
	if cfg.SubtractSky {
		data = bkg.SubtractFrom(img)
	}

	objs, seg, err := Extract(ctx, data, bkg.RMS(), cfg)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	if log != nil {
		log.Info(fmt.Sprintf("%d sources detected.", len(objs)),
			"global_back", bkg.GlobalBack,
			"global_rms", bkg.GlobalRMS)
	}

	cat := &Catalog{
		Sources:   make([]Source, len(objs)),
		Apertures: append([]float64(nil), cfg.FluxAper...),
		Annuli:    append([]Annulus(nil), cfg.FluxAnn...),
		ZeroPoint: cfg.ZeroPoint,
	}
	autoOpts := ApertureOptions{Subpix: 1}
	aperOpts := ApertureOptions{Subpix: DefaultSubpix}
	for i, o := range objs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := Source{Object: o, SegID: i + 1}
		s.RKron, s.KronFlag = KronRadius(data, nil, 0, o.X, o.Y, o.A, o.B, o.Theta, KronRadiusLimit)
		if s.RKron*math.Sqrt(o.A*o.B) < MinCircleRadius {
			s.FluxAuto = SumCircle(data, o.X, o.Y, MinCircleRadius, autoOpts).Sum
		} else {
			s.FluxAuto = SumCircle(data, o.X, o.Y, KronScale*s.RKron, autoOpts).Sum
		}
		s.FWHM = FWHM(o.A, o.B)
		if zp := cfg.ZeroPoint; zp != nil {
			s.Mag = *zp - 2.5*Log10Fill(o.Flux, LogFill)
			s.MagAuto = *zp - 2.5*Log10Fill(s.FluxAuto, LogFill)
		}
		s.FluxAper = make([]float64, len(cfg.FluxAper))
		for j, r := range cfg.FluxAper {
			s.FluxAper[j] = SumCircle(data, o.X, o.Y, r, aperOpts).Sum
		}
		s.FluxAnn = make([]float64, len(cfg.FluxAnn))
		for j, a := range cfg.FluxAnn {
			s.FluxAnn[j] = SumCircAnn(data, o.X, o.Y, a.Inner, a.Outer, aperOpts).Sum
		}
		cat.Sources[i] = s
	}

	return &Sources{
		Catalog:    cat,
		SegMap:     seg,
		Width:      img.Width,
		Height:     img.Height,
		Background: bkg,
	}, nil
}
