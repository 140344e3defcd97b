package detection

import (
	"math"

	"fitsqa/internal/fitsimg"
)

// DefaultSubpix is the subpixel sampling used when none is requested.
const DefaultSubpix = 5

// Pixels whose centre is further than this from the aperture edge are
// entirely inside or outside it (half the pixel diagonal, rounded up).
const pixelHalfDiagonal = 0.7072

// ApertureOptions tunes aperture sums.
type ApertureOptions struct {
	Mask       []float64 // optional, same shape as the image
	MaskThresh float64
	Err        []float64 // optional per-pixel 1-sigma errors
	Subpix     int       // values < 1 use DefaultSubpix
}

// ApertureSum is the result of one aperture measurement.
type ApertureSum struct {
	Sum  float64
	Err  float64
	Area float64
	Flag Flag
}

// SumCircle sums data within a circle of radius r centred on (x, y).
func SumCircle(data *fitsimg.Image, x, y, r float64, opts ApertureOptions) ApertureSum {
	sub := opts.subpix()
	return sumWeighted(data, x, y, r, opts, func(dx, dy float64) float64 {
		return circleOverlap(dx, dy, r, sub)
	})
}

// SumCircAnn sums data within the annulus rin <= radius < rout around (x, y).
func SumCircAnn(data *fitsimg.Image, x, y, rin, rout float64, opts ApertureOptions) ApertureSum {
	sub := opts.subpix()
	return sumWeighted(data, x, y, rout, opts, func(dx, dy float64) float64 {
		return circleOverlap(dx, dy, rout, sub) - circleOverlap(dx, dy, rin, sub)
	})
}

func (o ApertureOptions) subpix() int {
	if o.Subpix < 1 {
		return DefaultSubpix
	}
	return o.Subpix
}

func sumWeighted(data *fitsimg.Image, x, y, rmax float64, opts ApertureOptions, weight func(dx, dy float64) float64) ApertureSum {
	var res ApertureSum
	var variance float64
	x0, x1 := int(math.Floor(x-rmax-0.5)), int(math.Ceil(x+rmax+0.5))
	y0, y1 := int(math.Floor(y-rmax-0.5)), int(math.Ceil(y+rmax+0.5))
	covered, masked := 0, 0
	for py := y0; py <= y1; py++ {
		for px := x0; px <= x1; px++ {
			wt := weight(float64(px)-x, float64(py)-y)
			if wt <= 0 {
				continue
			}
			if !data.In(px, py) {
				res.Flag |= FlagApertureTruncated
				continue
			}
			covered++
			k := py*data.Width + px
			v := data.Pix[k]
			if math.IsNaN(v) || (opts.Mask != nil && opts.Mask[k] > opts.MaskThresh) {
				res.Flag |= FlagApertureMasked
				masked++
				continue
			}
			res.Sum += wt * v
			res.Area += wt
			if opts.Err != nil {
				variance += wt * opts.Err[k] * opts.Err[k]
			}
		}
	}
	if covered > 0 && masked == covered {
		res.Flag |= FlagApertureAllMasked
	}
	res.Err = math.Sqrt(variance)
	return res
}

// circleOverlap approximates the fraction of the unit pixel centred at
// (dx, dy) from the aperture centre lying inside radius r.
func circleOverlap(dx, dy, r float64, subpix int) float64 {
	if r <= 0 {
		return 0
	}
	d := math.Hypot(dx, dy)
	if d < r-pixelHalfDiagonal {
		return 1
	}
	if d > r+pixelHalfDiagonal {
		return 0
	}
	if subpix == 1 {
		if d*d < r*r {
			return 1
		}
		return 0
	}
	step := 1 / float64(subpix)
	r2 := r * r
	inside := 0
	for j := 0; j < subpix; j++ {
		sy := dy - 0.5 + (float64(j)+0.5)*step
		for i := 0; i < subpix; i++ {
			sx := dx - 0.5 + (float64(i)+0.5)*step
			if sx*sx+sy*sy < r2 {
				inside++
			}
		}
	}
	return float64(inside) / float64(subpix*subpix)
}

// KronRadius returns the first-moment radius, in units of the ellipse
// (a, b, theta), of the light within r such units of (x, y).
func KronRadius(data *fitsimg.Image, mask []float64, maskThresh float64, x, y, a, b, theta, r float64) (float64, Flag) {
	if !(a > 0) || !(b > 0) || !(r > 0) {
		return 0, FlagKronNonPositive
	}
	cxx, cyy, cxy := ellipse(a, b, theta)
	rmax := r * a
	x0, x1 := int(math.Floor(x-rmax)), int(math.Ceil(x+rmax))
	y0, y1 := int(math.Floor(y-rmax)), int(math.Ceil(y+rmax))

	var flag Flag
	var sum, rsum float64
	r2 := r * r
	for py := y0; py <= y1; py++ {
		for px := x0; px <= x1; px++ {
			dx, dy := float64(px)-x, float64(py)-y
			q := cxx*dx*dx + cyy*dy*dy + cxy*dx*dy
			if q >= r2 {
				continue
			}
			if !data.In(px, py) {
				flag |= FlagApertureTruncated
				continue
			}
			k := py*data.Width + px
			v := data.Pix[k]
			if math.IsNaN(v) || (mask != nil && mask[k] > maskThresh) {
				flag |= FlagApertureMasked
				continue
			}
			sum += v
			rsum += v * math.Sqrt(q)
		}
	}
	if sum <= 0 || rsum <= 0 {
		return 0, flag | FlagKronNonPositive
	}
	return rsum / sum, flag
}
