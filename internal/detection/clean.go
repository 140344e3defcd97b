package detection

import (
	"math"
	"slices"
)

// clean merges objects that are fully explained by the wings of a brighter
// neighbour. Each object is modelled by a Moffat profile of index beta
// centred on its peak; an object whose own peak lies below a brighter
// neighbour's profile is absorbed by that neighbour.
func clean(objs []Object, beta float64, remeasure func(pix []int) Object) []Object {
	if len(objs) < 2 || !(beta > 0) {
		return objs
	}
	for {
		order := make([]int, len(objs))
		for i := range order {
			order[i] = i
		}
		// faintest first
		slices.SortFunc(order, func(a, b int) int {
			switch {
			case objs[a].CFlux < objs[b].CFlux:
				return -1
			case objs[a].CFlux > objs[b].CFlux:
				return 1
			}
			return 0
		})

		merged := false
		for _, i := range order {
			j := wingOwner(objs, i, beta)
			if j < 0 {
				continue
			}
			pix := append(append([]int(nil), objs[j].pix...), objs[i].pix...)
			slices.Sort(pix)
			flag := objs[j].Flag & FlagMerged
			objs[j] = remeasure(pix)
			objs[j].Flag |= flag
			objs = slices.Delete(objs, i, i+1)
			merged = true
			break
		}
		if !merged {
			break
		}
	}
	slices.SortFunc(objs, func(a, b Object) int { return a.pix[0] - b.pix[0] })
	return objs
}

// wingOwner returns the brighter object whose profile exceeds the peak of
// objs[i], or -1.
func wingOwner(objs []Object, i int, beta float64) int {
	obj := &objs[i]
	best, owner := 0.0, -1
	for j := range objs {
		if j == i || objs[j].CFlux <= obj.CFlux {
			continue
		}
		o := &objs[j]
		dx := float64(obj.XCPeak - o.XCPeak)
		dy := float64(obj.YCPeak - o.YCPeak)
		r2 := o.CXX*dx*dx + o.CYY*dy*dy + o.CXY*dx*dy
		val := o.CPeak * math.Pow(1+r2, -beta)
		if val > obj.CPeak && val > best {
			best, owner = val, j
		}
	}
	return owner
}
