package detection

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSumCircleFlatImage(t *testing.T) {
	img := flat(40, 40, 1)
	res := SumCircle(img, 20, 20, 5, ApertureOptions{})
	assert.InDelta(t, math.Pi*25, res.Sum, 0.02*math.Pi*25)
	assert.InDelta(t, res.Sum, res.Area, 1e-9)
	assert.Zero(t, res.Flag)
}

func TestSumCircleSubpixDefaults(t *testing.T) {
	img := flat(40, 40, 1)
	def := SumCircle(img, 20.3, 19.6, 4, ApertureOptions{})
	zero := SumCircle(img, 20.3, 19.6, 4, ApertureOptions{Subpix: 0})
	five := SumCircle(img, 20.3, 19.6, 4, ApertureOptions{Subpix: 5})
	assert.Equal(t, five.Sum, def.Sum)
	assert.Equal(t, five.Sum, zero.Sum)

	// subpix=1 counts pixels by their centre
	centre := SumCircle(img, 20, 20, 1.5, ApertureOptions{Subpix: 1})
	assert.Equal(t, 9.0, centre.Sum)
}

func TestSumCircAnnFlatImage(t *testing.T) {
	img := flat(40, 40, 2)
	res := SumCircAnn(img, 20, 20, 3, 6, ApertureOptions{})
	want := 2 * math.Pi * (36 - 9)
	assert.InDelta(t, want, res.Sum, 0.03*want)
}

func TestSumCircleTruncatedAndMasked(t *testing.T) {
	img := flat(20, 20, 1)
	res := SumCircle(img, 1, 10, 4, ApertureOptions{})
	assert.NotZero(t, res.Flag&FlagApertureTruncated)

	mask := make([]float64, img.Len())
	mask[10*20+10] = 1
	res = SumCircle(img, 10, 10, 3, ApertureOptions{Mask: mask})
	assert.NotZero(t, res.Flag&FlagApertureMasked)
	assert.Zero(t, res.Flag&FlagApertureAllMasked)

	for i := range mask {
		mask[i] = 1
	}
	res = SumCircle(img, 10, 10, 3, ApertureOptions{Mask: mask})
	assert.NotZero(t, res.Flag&FlagApertureAllMasked)
	assert.Zero(t, res.Sum)
}

func TestSumCircleError(t *testing.T) {
	img := flat(30, 30, 0)
	errs := make([]float64, img.Len())
	for i := range errs {
		errs[i] = 2
	}
	res := SumCircle(img, 15, 15, 4, ApertureOptions{Err: errs})
	assert.InDelta(t, 2*math.Sqrt(res.Area), res.Err, 1e-9)
}

func TestKronRadiusGaussian(t *testing.T) {
	const sigma = 2.0
	img := flat(80, 80, 0)
	for y := 0; y < 80; y++ {
		for x := 0; x < 80; x++ {
			dx, dy := float64(x)-40, float64(y)-40
			img.Set(x, y, math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma)))
		}
	}
	// the mean radius of a circular Gaussian is sqrt(pi/2) sigma
	r, flag := KronRadius(img, nil, 0, 40, 40, sigma, sigma, 0, 6)
	assert.Zero(t, flag)
	assert.InDelta(t, math.Sqrt(math.Pi/2), r, 0.05)
}

func TestKronRadiusNonPositive(t *testing.T) {
	img := flat(20, 20, -1)
	r, flag := KronRadius(img, nil, 0, 10, 10, 1, 1, 0, 6)
	assert.Zero(t, r)
	assert.NotZero(t, flag&FlagKronNonPositive)

	r, flag = KronRadius(img, nil, 0, 10, 10, 0, 1, 0, 6)
	assert.Zero(t, r)
	assert.NotZero(t, flag&FlagKronNonPositive)
}

func TestEllipseCoefficients(t *testing.T) {
	cxx, cyy, cxy := ellipse(2, 1, 0)
	assert.InDelta(t, 0.25, cxx, 1e-12)
	assert.InDelta(t, 1, cyy, 1e-12)
	assert.InDelta(t, 0, cxy, 1e-12)

	cxx, cyy, _ = ellipse(2, 1, math.Pi/2)
	assert.InDelta(t, 1, cxx, 1e-12)
	assert.InDelta(t, 0.25, cyy, 1e-12)
}

func TestObjectShapeSingular(t *testing.T) {
	o := Object{X2: 1, Y2: 0, XY: 0}
	o.shape()
	assert.NotZero(t, o.Flag&FlagSingular)
	assert.InDelta(t, 1+1.0/12, o.X2, 1e-12)
	assert.Greater(t, o.B, 0.0)

	o = Object{X2: 4, Y2: 1, XY: 0}
	o.shape()
	assert.Zero(t, o.Flag&FlagSingular)
	assert.InDelta(t, 2, o.A, 1e-12)
	assert.InDelta(t, 1, o.B, 1e-12)
	assert.InDelta(t, 0, o.Theta, 1e-12)
	assert.InDelta(t, 0.25, o.CXX, 1e-12)
}
