package detection

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"fitsqa/internal/fitsimg"
)

// ErrNoValidPixels is returned when every pixel is masked or non-finite.
var ErrNoValidPixels = errors.New("no valid pixels for background estimation")

// Background is a spatially varying sky level and noise estimate built on a
// coarse mesh of boxes and interpolated to full resolution.
type Background struct {
	GlobalBack float64
	GlobalRMS  float64

	width, height int
	bw, bh        int
	nx, ny        int
	meshBack      []float64
	meshRMS       []float64
	back, rms     []float64
}

// NewBackground estimates the background of img. Pixels with mask > maskThresh
// (and non-finite pixels) are ignored. Only the background fields of cfg are used.
func NewBackground(img *fitsimg.Image, mask []float64, cfg Config) (*Background, error) {
	cfg = cfg.Resolved()
	if img == nil || img.Len() == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidConfig)
	}
	if cfg.BW <= 0 || cfg.BH <= 0 || cfg.FW <= 0 || cfg.FH <= 0 {
		return nil, fmt.Errorf("%w: background box %dx%d filter %dx%d", ErrInvalidConfig, cfg.BW, cfg.BH, cfg.FW, cfg.FH)
	}
	if mask != nil && len(mask) != img.Len() {
		return nil, fmt.Errorf("%w: mask has %d pixels, image has %d", ErrInvalidConfig, len(mask), img.Len())
	}

	b := &Background{
		width:  img.Width,
		height: img.Height,
		bw:     min(cfg.BW, img.Width),
		bh:     min(cfg.BH, img.Height),
	}
	b.nx = (img.Width + b.bw - 1) / b.bw
	b.ny = (img.Height + b.bh - 1) / b.bh
	b.meshBack = make([]float64, b.nx*b.ny)
	b.meshRMS = make([]float64, b.nx*b.ny)
	valid := make([]bool, b.nx*b.ny)

	nvalid := 0
	buf := make([]float64, 0, b.bw*b.bh)
	for j := 0; j < b.ny; j++ {
		for i := 0; i < b.nx; i++ {
			x0, y0 := i*b.bw, j*b.bh
			x1, y1 := min(x0+b.bw, img.Width), min(y0+b.bh, img.Height)
			buf = buf[:0]
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					k := y*img.Width + x
					v := img.Pix[k]
					if math.IsNaN(v) || math.IsInf(v, 0) || (mask != nil && mask[k] > cfg.MaskThresh) {
						continue
					}
					buf = append(buf, v)
				}
			}
			if 2*len(buf) < (x1-x0)*(y1-y0) {
				continue
			}
			sort.Float64s(buf)
			m := j*b.nx + i
			b.meshBack[m], b.meshRMS[m] = clippedStats(buf)
			valid[m] = true
			nvalid++
		}
	}

	if nvalid == 0 {
		if err := b.fallbackGlobal(img, mask, cfg.MaskThresh); err != nil {
			return nil, err
		}
	} else {
		b.fillInvalid(valid)
	}

	b.filterMesh(b.meshBack, cfg.FW, cfg.FH, cfg.FThresh)
	b.filterMesh(b.meshRMS, cfg.FW, cfg.FH, cfg.FThresh)

	b.GlobalBack = Median(b.meshBack)
	b.GlobalRMS = Median(b.meshRMS)
	return b, nil
}

// fallbackGlobal uses one clipped estimate over the whole image when every
// box is too sparse to be trusted on its own.
func (b *Background) fallbackGlobal(img *fitsimg.Image, mask []float64, maskThresh float64) error {
	var all []float64
	for k, v := range img.Pix {
		if math.IsNaN(v) || math.IsInf(v, 0) || (mask != nil && mask[k] > maskThresh) {
			continue
		}
		all = append(all, v)
	}
	if len(all) == 0 {
		return ErrNoValidPixels
	}
	sort.Float64s(all)
	back, rms := clippedStats(all)
	for m := range b.meshBack {
		b.meshBack[m], b.meshRMS[m] = back, rms
	}
	return nil
}

// fillInvalid replaces flagged boxes by the mean of their valid neighbours,
// growing outwards until the mesh is complete.
func (b *Background) fillInvalid(valid []bool) {
	for {
		var fill []int
		for m, ok := range valid {
			if !ok {
				fill = append(fill, m)
			}
		}
		if len(fill) == 0 {
			return
		}
		progressed := false
		next := append([]bool(nil), valid...)
		for _, m := range fill {
			i, j := m%b.nx, m/b.nx
			var sb, sr float64
			n := 0
			for dj := -1; dj <= 1; dj++ {
				for di := -1; di <= 1; di++ {
					ii, jj := i+di, j+dj
					if ii < 0 || jj < 0 || ii >= b.nx || jj >= b.ny {
						continue
					}
					if k := jj*b.nx + ii; valid[k] {
						sb += b.meshBack[k]
						sr += b.meshRMS[k]
						n++
					}
				}
			}
			if n > 0 {
				b.meshBack[m] = sb / float64(n)
				b.meshRMS[m] = sr / float64(n)
				next[m] = true
				progressed = true
			}
		}
		copy(valid, next)
		if !progressed {
			return
		}
	}
}

// filterMesh applies a fw x fh median filter to the mesh, keeping the
// original value where the change does not exceed fthresh.
func (b *Background) filterMesh(mesh []float64, fw, fh int, fthresh float64) {
	if fw <= 1 && fh <= 1 {
		return
	}
	src := append([]float64(nil), mesh...)
	hx, hy := fw/2, fh/2
	win := make([]float64, 0, fw*fh)
	for j := 0; j < b.ny; j++ {
		for i := 0; i < b.nx; i++ {
			win = win[:0]
			for jj := max(0, j-hy); jj <= min(b.ny-1, j+hy); jj++ {
				for ii := max(0, i-hx); ii <= min(b.nx-1, i+hx); ii++ {
					win = append(win, src[jj*b.nx+ii])
				}
			}
			sort.Float64s(win)
			med := sortedMedian(win)
			m := j*b.nx + i
			if math.Abs(med-src[m]) > fthresh {
				mesh[m] = med
			}
		}
	}
}

// Mesh returns the number of boxes along x and y.
func (b *Background) Mesh() (nx, ny int) { return b.nx, b.ny }

// Back returns the full-resolution background map.
func (b *Background) Back() []float64 {
	if b.back == nil {
		b.back = b.interpolate(b.meshBack)
	}
	return b.back
}

// RMS returns the full-resolution noise map.
func (b *Background) RMS() []float64 {
	if b.rms == nil {
		b.rms = b.interpolate(b.meshRMS)
	}
	return b.rms
}

// SubtractFrom returns a copy of img with the background map removed.
func (b *Background) SubtractFrom(img *fitsimg.Image) *fitsimg.Image {
	out := img.Clone()
	back := b.Back()
	for k := range out.Pix {
		out.Pix[k] -= back[k]
	}
	return out
}

// interpolate maps the mesh to full resolution with bilinear interpolation
// between box centres, holding the edge value beyond the outermost centres.
func (b *Background) interpolate(mesh []float64) []float64 {
	cx := boxCentres(b.nx, b.bw, b.width)
	cy := boxCentres(b.ny, b.bh, b.height)
	xi := make([]int, b.width)
	xt := make([]float64, b.width)
	for x := range xi {
		xi[x], xt[x] = locate(cx, float64(x))
	}

	out := make([]float64, b.width*b.height)
	for y := 0; y < b.height; y++ {
		j, ty := locate(cy, float64(y))
		j1 := min(j+1, b.ny-1)
		for x := 0; x < b.width; x++ {
			i, tx := xi[x], xt[x]
			i1 := min(i+1, b.nx-1)
			v00 := mesh[j*b.nx+i]
			v10 := mesh[j*b.nx+i1]
			v01 := mesh[j1*b.nx+i]
			v11 := mesh[j1*b.nx+i1]
			top := v00 + (v10-v00)*tx
			bot := v01 + (v11-v01)*tx
			out[y*b.width+x] = top + (bot-top)*ty
		}
	}
	return out
}

func boxCentres(n, size, extent int) []float64 {
	c := make([]float64, n)
	for i := range c {
		lo := i * size
		hi := min(lo+size, extent)
		c[i] = float64(lo+hi-1) / 2
	}
	return c
}

// locate returns the index of the centre at or below v and the fractional
// distance to the next one, clamped to the ends.
func locate(centres []float64, v float64) (int, float64) {
	n := len(centres)
	if n == 1 || v <= centres[0] {
		return 0, 0
	}
	if v >= centres[n-1] {
		return n - 1, 0
	}
	i := sort.Search(n, func(k int) bool { return centres[k] > v }) - 1
	return i, (v - centres[i]) / (centres[i+1] - centres[i])
}
