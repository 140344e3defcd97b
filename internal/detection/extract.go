package detection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"fitsqa/internal/fitsimg"
)

// ErrPixStackFull is returned when a single detection exceeds the pixel stack.
var ErrPixStackFull = errors.New("object exceeds pixel stack")

// Extract detects objects in data, whose noise is described by the per-pixel
// rms map. It returns the objects in raster order of their first pixel and
// a segmentation map holding the 1-based object index of every object pixel.
func Extract(ctx context.Context, data *fitsimg.Image, rms []float64, cfg Config) ([]Object, []int32, error) {
	if data == nil {
		return nil, nil, fmt.Errorf("%w: nil image", ErrInvalidConfig)
	}
	w, h := data.Width, data.Height
	cfg = cfg.Resolved()
	if err := cfg.Validate(w, h); err != nil {
		return nil, nil, err
	}
	if len(rms) != w*h {
		return nil, nil, fmt.Errorf("%w: rms map has %d pixels, image has %d", ErrInvalidConfig, len(rms), w*h)
	}

	mask := make([]bool, w*h)
	for k, v := range data.Pix {
		mask[k] = math.IsNaN(v) || math.IsInf(v, 0) || cfg.masked(k)
	}
	det := newDetectionImage(data.Pix, rms, mask, w, h, cfg.FilterKernel, cfg.FilterType, cfg.Thresh)
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sets, err := labelImage(ctx, w, h, func(k int) bool { return !mask[k] && det.above(k) }, cfg.PixStack)
	if err != nil {
		return nil, nil, err
	}

	db := &deblender{
		vals:    det.vals,
		w:       w,
		h:       h,
		nthresh: cfg.DeblendNThresh,
		cont:    cfg.DeblendCont,
		minArea: cfg.MinArea,
	}
	remeasure := func(pix []int) Object {
		return measure(pix, data.Pix, rms, det, w, h, cfg.Thresh)
	}

	var objs []Object
	for _, set := range sets {
		if len(set) < cfg.MinArea {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		slices.Sort(set)
		parent := remeasure(set)
		pieces := db.split(set, parent.level)
		if len(pieces) == 1 {
			objs = append(objs, parent)
			continue
		}
		for _, p := range pieces {
			o := remeasure(p)
			o.Flag |= FlagMerged
			objs = append(objs, o)
		}
	}

	if cfg.Clean {
		objs = clean(objs, cfg.CleanParam, remeasure)
	}
	slices.SortFunc(objs, func(a, b Object) int { return a.pix[0] - b.pix[0] })

	seg := make([]int32, w*h)
	for i := range objs {
		for _, k := range objs[i].pix {
			seg[k] = int32(i + 1)
		}
	}
	return objs, seg, nil
}
