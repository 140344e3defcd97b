package detection

import (
	"math"
)

// Flag is a bit set describing measurement caveats.
type Flag int

const (
	FlagMerged            Flag = 0x0001 // object was deblended from a larger detection
	FlagTruncated         Flag = 0x0002 // object touches the image border
	FlagSingular          Flag = 0x0008 // moments were singular and regularised
	FlagApertureTruncated Flag = 0x0010 // aperture extends beyond the image
	FlagApertureMasked    Flag = 0x0020 // aperture contains masked pixels
	FlagApertureAllMasked Flag = 0x0040
	FlagKronNonPositive   Flag = 0x0080 // Kron sums were non-positive
)

// Object is one detected source with its isophotal measurements.
type Object struct {
	Thresh float64 `json:"thresh"`
	NPix   int     `json:"npix"`
	TNPix  int     `json:"tnpix"`

	XMin int `json:"xmin"`
	XMax int `json:"xmax"`
	YMin int `json:"ymin"`
	YMax int `json:"ymax"`

	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	X2    float64 `json:"x2"`
	Y2    float64 `json:"y2"`
	XY    float64 `json:"xy"`
	ErrX2 float64 `json:"errx2"`
	ErrY2 float64 `json:"erry2"`
	ErrXY float64 `json:"errxy"`

	A     float64 `json:"a"`
	B     float64 `json:"b"`
	Theta float64 `json:"theta"`
	CXX   float64 `json:"cxx"`
	CYY   float64 `json:"cyy"`
	CXY   float64 `json:"cxy"`

	CFlux  float64 `json:"cflux"`
	Flux   float64 `json:"flux"`
	CPeak  float64 `json:"cpeak"`
	Peak   float64 `json:"peak"`
	XCPeak int     `json:"xcpeak"`
	YCPeak int     `json:"ycpeak"`
	XPeak  int     `json:"xpeak"`
	YPeak  int     `json:"ypeak"`
	Flag   Flag    `json:"flag"`

	pix   []int
	level float64 // detection-image level at the filtered peak
}

// Pixels returns the flat indices of the pixels belonging to the object.
func (o *Object) Pixels() []int { return o.pix }

// measure computes every isophotal quantity of the pixel set pix.
// data is the (background-subtracted) image, rms its noise map and det the
// detection image.
func measure(pix []int, data, rms []float64, det detectionImage, w, h int, thresh float64) Object {
	o := Object{
		pix:   pix,
		NPix:  len(pix),
		XMin:  w,
		YMin:  h,
		XMax:  -1,
		YMax:  -1,
		Peak:  math.Inf(-1),
		CPeak: math.Inf(-1),
	}

	var sw, sx, sy float64
	for _, k := range pix {
		x, y := k%w, k/w
		o.XMin, o.XMax = min(o.XMin, x), max(o.XMax, x)
		o.YMin, o.YMax = min(o.YMin, y), max(o.YMax, y)

		v, c := data[k], det.vals[k]
		o.Flux += v
		o.CFlux += c
		if v > o.Peak {
			o.Peak, o.XPeak, o.YPeak = v, x, y
		}
		if c > o.CPeak {
			o.CPeak, o.XCPeak, o.YCPeak = c, x, y
			o.level = det.level[k]
		}
		if v > thresh*rms[k] {
			o.TNPix++
		}
		sw += v
		sx += v * float64(x)
		sy += v * float64(y)
	}
	o.Thresh = thresh * rms[o.YPeak*w+o.XPeak]
	if o.XMin == 0 || o.YMin == 0 || o.XMax == w-1 || o.YMax == h-1 {
		o.Flag |= FlagTruncated
	}

	uniform := !(sw > 0)
	if uniform {
		sw, sx, sy = 0, 0, 0
		for _, k := range pix {
			sw++
			sx += float64(k % w)
			sy += float64(k / w)
		}
	}
	o.X, o.Y = sx/sw, sy/sw

	var x2, y2, xy, ex2, ey2, exy float64
	for _, k := range pix {
		dx, dy := float64(k%w)-o.X, float64(k/w)-o.Y
		wt := 1.0
		if !uniform {
			wt = data[k]
		}
		x2 += wt * dx * dx
		y2 += wt * dy * dy
		xy += wt * dx * dy
		vr := rms[k] * rms[k]
		ex2 += vr * dx * dx
		ey2 += vr * dy * dy
		exy += vr * dx * dy
	}
	o.X2, o.Y2, o.XY = x2/sw, y2/sw, xy/sw
	o.ErrX2, o.ErrY2, o.ErrXY = ex2/(sw*sw), ey2/(sw*sw), exy/(sw*sw)
	o.shape()
	return o
}

// shape derives the ellipse parameters from the second moments,
// regularising them when the object is too thin to be resolved.
func (o *Object) shape() {
	if o.X2*o.Y2-o.XY*o.XY < 1.0/144.0 {
		o.X2 += 1.0 / 12.0
		o.Y2 += 1.0 / 12.0
		o.Flag |= FlagSingular
	}
	half := (o.X2 + o.Y2) / 2
	diff := (o.X2 - o.Y2) / 2
	root := math.Sqrt(diff*diff + o.XY*o.XY)
	o.A = math.Sqrt(math.Max(half+root, 0))
	o.B = math.Sqrt(math.Max(half-root, 0))
	if o.X2 == o.Y2 && o.XY == 0 {
		o.Theta = 0
	} else {
		o.Theta = 0.5 * math.Atan2(2*o.XY, o.X2-o.Y2)
	}

	det := o.X2*o.Y2 - o.XY*o.XY
	o.CXX = o.Y2 / det
	o.CYY = o.X2 / det
	o.CXY = -2 * o.XY / det
}

// ellipse returns the cxx, cyy, cxy coefficients of an ellipse of semi-axes
// a, b rotated by theta.
func ellipse(a, b, theta float64) (cxx, cyy, cxy float64) {
	c, s := math.Cos(theta), math.Sin(theta)
	a2, b2 := a*a, b*b
	cxx = c*c/a2 + s*s/b2
	cyy = s*s/a2 + c*c/b2
	cxy = 2 * c * s * (1/a2 - 1/b2)
	return cxx, cyy, cxy
}
