package detection

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Median returns the median of the finite values in vs, averaging the two
// central values for even counts. It returns NaN when nothing is finite.
func Median(vs []float64) float64 {
	buf := make([]float64, 0, len(vs))
	for _, v := range vs {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			buf = append(buf, v)
		}
	}
	if len(buf) == 0 {
		return math.NaN()
	}
	sort.Float64s(buf)
	return sortedMedian(buf)
}

func sortedMedian(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// madScale converts a median absolute deviation to a Gaussian sigma.
const madScale = 1.4826

// clippedStats sigma-clips sorted values at 3 sigma about the median until
// convergence and returns the mode estimate and the clipped standard deviation.
// The first pass takes sigma from the MAD so a few bright pixels in a small
// mesh cannot widen the window enough to survive it.
func clippedStats(sorted []float64) (mode, sigma float64) {
	lo, hi := 0, len(sorted)
	for iter := 0; iter < 100 && hi-lo >= 2; iter++ {
		sub := sorted[lo:hi]
		med := sortedMedian(sub)
		var std float64
		if iter == 0 {
			std = madScale * mad(sub, med)
		}
		if std == 0 {
			_, std = stat.MeanStdDev(sub, nil)
		}
		nlo := lo + sort.SearchFloat64s(sub, med-3*std)
		nhi := lo + sort.Search(len(sub), func(i int) bool { return sub[i] > med+3*std })
		if nlo == lo && nhi == hi {
			break
		}
		if nhi-nlo < 2 {
			break
		}
		lo, hi = nlo, nhi
	}

	sub := sorted[lo:hi]
	med := sortedMedian(sub)
	if len(sub) < 2 {
		return med, 0
	}
	mean, std := stat.MeanStdDev(sub, nil)
	if std == 0 || math.Abs(mean-med)/std >= 0.3 {
		return med, std
	}
	return 2.5*med - 1.5*mean, std
}

func mad(vs []float64, med float64) float64 {
	dev := make([]float64, len(vs))
	for i, v := range vs {
		dev[i] = math.Abs(v - med)
	}
	sort.Float64s(dev)
	return sortedMedian(dev)
}
