package detection

import (
	"math"
)

// detectionImage holds the (optionally filtered) image used for thresholding
// together with the per-pixel level a pixel must exceed to be detected.
type detectionImage struct {
	vals  []float64
	level []float64
}

// newDetectionImage filters data with kernel and builds the threshold map.
// With FilterMatched the result is a signal-to-noise map compared to thresh;
// otherwise values are compared to thresh times the local rms.
func newDetectionImage(data, rms []float64, mask []bool, w, h int, kernel [][]float64, ftype FilterType, thresh float64) detectionImage {
	d := detectionImage{level: make([]float64, len(data))}
	matched := ftype == FilterMatched && len(kernel) > 0
	switch {
	case len(kernel) == 0:
		d.vals = append([]float64(nil), data...)
	case matched:
		d.vals = matchedFilter(data, rms, mask, w, h, kernel)
	default:
		d.vals = convolve(data, mask, w, h, kernel)
	}
	for k := range d.level {
		if matched {
			d.level[k] = thresh
		} else {
			d.level[k] = thresh * rms[k]
		}
	}
	return d
}

// above reports whether pixel k is a detection pixel.
func (d detectionImage) above(k int) bool {
	return d.vals[k] > d.level[k]
}

// convolve correlates data with the kernel normalised by its L2 norm so the
// output keeps the noise level of the input for white noise.
func convolve(data []float64, mask []bool, w, h int, kernel [][]float64) []float64 {
	kh, kw := len(kernel), len(kernel[0])
	cy, cx := kh/2, kw/2
	var norm float64
	for _, row := range kernel {
		for _, k := range row {
			norm += k * k
		}
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}

	out := make([]float64, len(data))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for j := 0; j < kh; j++ {
				yy := y + j - cy
				if yy < 0 || yy >= h {
					continue
				}
				for i := 0; i < kw; i++ {
					xx := x + i - cx
					if xx < 0 || xx >= w {
						continue
					}
					k := yy*w + xx
					v := data[k]
					if mask[k] || math.IsNaN(v) {
						continue
					}
					sum += kernel[j][i] * v
				}
			}
			out[y*w+x] = sum / norm
		}
	}
	return out
}

// matchedFilter computes sum(k*d/var) / sqrt(sum(k*k/var)), the optimal
// detection statistic for a source shaped like the kernel in varying noise.
func matchedFilter(data, rms []float64, mask []bool, w, h int, kernel [][]float64) []float64 {
	kh, kw := len(kernel), len(kernel[0])
	cy, cx := kh/2, kw/2
	out := make([]float64, len(data))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var num, den float64
			for j := 0; j < kh; j++ {
				yy := y + j - cy
				if yy < 0 || yy >= h {
					continue
				}
				for i := 0; i < kw; i++ {
					xx := x + i - cx
					if xx < 0 || xx >= w {
						continue
					}
					k := yy*w + xx
					v, s := data[k], rms[k]
					if mask[k] || math.IsNaN(v) || !(s > 0) {
						continue
					}
					kv := kernel[j][i]
					vr := s * s
					num += kv * v / vr
					den += kv * kv / vr
				}
			}
			if den > 0 {
				out[y*w+x] = num / math.Sqrt(den)
			}
		}
	}
	return out
}
