package detection

import (
	"math"
	"slices"
)

// deblender splits a connected detection into its components by examining
// it at exponentially spaced levels between its detection level and peak.
type deblender struct {
	vals    []float64
	w, h    int
	nthresh int
	cont    float64
	minArea int
}

type branch struct {
	pix      []int
	flux     float64
	children []*branch
}

// split returns the pixel sets of the objects making up pix, ordered by
// their first pixel. pix must be sorted; base is the detection level.
func (d *deblender) split(pix []int, base float64) [][]int {
	if d.nthresh < 2 || d.cont >= 1 || !(base > 0) {
		return [][]int{pix}
	}
	peak := math.Inf(-1)
	for _, k := range pix {
		peak = math.Max(peak, d.vals[k])
	}
	if !(peak > base) {
		return [][]int{pix}
	}

	levels := make([]float64, d.nthresh-1)
	for i := range levels {
		levels[i] = base * math.Pow(peak/base, float64(i+1)/float64(d.nthresh))
	}

	root := &branch{pix: pix, flux: d.flux(pix)}
	d.grow(root, 0, levels)
	cores := d.resolve(root, root.flux)
	if len(cores) < 2 {
		return [][]int{pix}
	}
	return d.assign(root, cores)
}

func (d *deblender) flux(pix []int) float64 {
	var f float64
	for _, k := range pix {
		f += d.vals[k]
	}
	return f
}

// grow walks up the levels until the branch breaks into at least two
// pieces, then recurses into each piece.
func (d *deblender) grow(n *branch, k int, levels []float64) {
	for ; k < len(levels); k++ {
		t := levels[k]
		member := make(map[int]struct{}, len(n.pix))
		for _, p := range n.pix {
			if d.vals[p] > t {
				member[p] = struct{}{}
			}
		}
		if len(member) == 0 {
			return
		}
		seeds := make([]int, 0, len(member))
		for _, p := range n.pix {
			if _, ok := member[p]; ok {
				seeds = append(seeds, p)
			}
		}
		comps := components(seeds, d.w, d.h, func(p int) bool {
			_, ok := member[p]
			return ok
		})
		if len(comps) < 2 {
			continue
		}
		for _, c := range comps {
			slices.Sort(c)
			child := &branch{pix: c, flux: d.flux(c)}
			d.grow(child, k+1, levels)
			n.children = append(n.children, child)
		}
		return
	}
}

func (d *deblender) significant(b *branch, rootFlux float64) bool {
	return b.flux > d.cont*rootFlux && len(b.pix) >= d.minArea
}

// resolve returns the branches that survive as separate objects: a branch
// splits when at least two of its children are significant.
func (d *deblender) resolve(n *branch, rootFlux float64) []*branch {
	var sig []*branch
	for _, c := range n.children {
		if d.significant(c, rootFlux) {
			sig = append(sig, c)
		}
	}
	switch len(sig) {
	case 0:
		return []*branch{n}
	case 1:
		if sub := d.resolve(sig[0], rootFlux); len(sub) >= 2 {
			return sub
		}
		return []*branch{n}
	}
	var out []*branch
	for _, c := range sig {
		out = append(out, d.resolve(c, rootFlux)...)
	}
	return out
}

type gaussian struct {
	x, y          float64
	cxx, cyy, cxy float64
	norm          float64
}

func (d *deblender) profile(b *branch) gaussian {
	var sw, sx, sy float64
	for _, k := range b.pix {
		v := math.Max(d.vals[k], 0)
		sw += v
		sx += v * float64(k%d.w)
		sy += v * float64(k/d.w)
	}
	if sw == 0 {
		sw = 1
	}
	g := gaussian{x: sx / sw, y: sy / sw}
	var x2, y2, xy float64
	for _, k := range b.pix {
		v := math.Max(d.vals[k], 0)
		dx, dy := float64(k%d.w)-g.x, float64(k/d.w)-g.y
		x2 += v * dx * dx
		y2 += v * dy * dy
		xy += v * dx * dy
	}
	x2, y2, xy = x2/sw+1.0/12, y2/sw+1.0/12, xy/sw
	det := x2*y2 - xy*xy
	g.cxx, g.cyy, g.cxy = y2/det, x2/det, -2*xy/det
	g.norm = b.flux / (2 * math.Pi * math.Sqrt(det))
	return g
}

// assign gives every pixel of the root that is not part of a core to the
// core whose Gaussian model predicts the most flux there.
func (d *deblender) assign(root *branch, cores []*branch) [][]int {
	owner := make(map[int]int, len(root.pix))
	for i, c := range cores {
		for _, k := range c.pix {
			owner[k] = i
		}
	}
	models := make([]gaussian, len(cores))
	for i, c := range cores {
		models[i] = d.profile(c)
	}

	sets := make([][]int, len(cores))
	for _, k := range root.pix {
		i, ok := owner[k]
		if !ok {
			x, y := float64(k%d.w), float64(k/d.w)
			best := math.Inf(-1)
			for j, g := range models {
				dx, dy := x-g.x, y-g.y
				q := g.cxx*dx*dx + g.cyy*dy*dy + g.cxy*dx*dy
				if l := math.Log(math.Max(g.norm, math.SmallestNonzeroFloat64)) - q/2; l > best {
					best, i = l, j
				}
			}
		}
		sets[i] = append(sets[i], k)
	}
	slices.SortFunc(sets, func(a, b []int) int { return a[0] - b[0] })
	return sets
}
