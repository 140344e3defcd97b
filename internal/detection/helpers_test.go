package detection

import (
	"math"
	"math/rand"

	"fitsqa/internal/fitsimg"
)

type star struct {
	x, y  float64
	amp   float64
	sigma float64
}

// starField renders Gaussian stars on a flat sky with Gaussian noise.
func starField(w, h int, sky, noise float64, seed int64, stars ...star) *fitsimg.Image {
	rng := rand.New(rand.NewSource(seed))
	img := fitsimg.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := sky + noise*rng.NormFloat64()
			for _, s := range stars {
				dx, dy := float64(x)-s.x, float64(y)-s.y
				v += s.amp * math.Exp(-(dx*dx+dy*dy)/(2*s.sigma*s.sigma))
			}
			img.Set(x, y, v)
		}
	}
	return img
}

func flat(w, h int, v float64) *fitsimg.Image {
	img := fitsimg.NewImage(w, h)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

var threeStars = []star{
	{x: 40, y: 40, amp: 500, sigma: 1.5},
	{x: 100, y: 60, amp: 400, sigma: 1.5},
	{x: 70, y: 110, amp: 600, sigma: 1.5},
}
