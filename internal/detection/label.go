package detection

import "context"

// components groups the pixels for which in(k) holds into 8-connected sets.
// Seeds are visited in raster order, so sets come out ordered by their first
// pixel and each set starts with that pixel.
func components(seeds []int, w, h int, in func(k int) bool) [][]int {
	seen := make(map[int]struct{}, len(seeds))
	var out [][]int
	var queue []int
	for _, s := range seeds {
		if _, ok := seen[s]; ok || !in(s) {
			continue
		}
		seen[s] = struct{}{}
		queue = append(queue[:0], s)
		set := []int{}
		for len(queue) > 0 {
			k := queue[0]
			queue = queue[1:]
			set = append(set, k)
			x, y := k%w, k/w
			for dy := -1; dy <= 1; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					xx := x + dx
					if xx < 0 || xx >= w || (dx == 0 && dy == 0) {
						continue
					}
					n := yy*w + xx
					if _, ok := seen[n]; ok || !in(n) {
						continue
					}
					seen[n] = struct{}{}
					queue = append(queue, n)
				}
			}
		}
		out = append(out, set)
	}
	return out
}

// labelImage is the full-frame variant of components; it uses a flat
// label array instead of a map and stops at pixStack pixels per set.
func labelImage(ctx context.Context, w, h int, in func(k int) bool, pixStack int) ([][]int, error) {
	visited := make([]bool, w*h)
	var out [][]int
	var queue []int
	for y := 0; y < h; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < w; x++ {
			s := y*w + x
			if visited[s] || !in(s) {
				continue
			}
			visited[s] = true
			queue = append(queue[:0], s)
			var set []int
			for len(queue) > 0 {
				k := queue[0]
				queue = queue[1:]
				set = append(set, k)
				if len(set) > pixStack {
					return nil, ErrPixStackFull
				}
				kx, ky := k%w, k/w
				for dy := -1; dy <= 1; dy++ {
					yy := ky + dy
					if yy < 0 || yy >= h {
						continue
					}
					for dx := -1; dx <= 1; dx++ {
						xx := kx + dx
						if xx < 0 || xx >= w {
							continue
						}
						n := yy*w + xx
						if visited[n] || !in(n) {
							continue
						}
						visited[n] = true
						queue = append(queue, n)
					}
				}
			}
			out = append(out, set)
		}
	}
	return out, nil
}
