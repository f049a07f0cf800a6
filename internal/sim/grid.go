package sim

import "math"

// gridCellSize is the uniform spatial-hash cell edge.
const gridCellSize = 50.0

type cellKey struct{ cx, cy int }

func cellOf(x, y float64) cellKey {
	return cellKey{int(math.Floor(x / gridCellSize)), int(math.Floor(y / gridCellSize))}
}

// grid is a uniform-grid spatial hash over string IDs. It is rebuilt from
// scratch every tick rather than tracked incrementally.
type grid struct {
	cells map[cellKey][]string
}

func newGrid() *grid {
	return &grid{cells: map[cellKey][]string{}}
}

func (g *grid) clear() {
	g.cells = map[cellKey][]string{}
}

func (g *grid) insert(id string, x, y float64) {
	k := cellOf(x, y)
	g.cells[k] = append(g.cells[k], id)
}

// candidates returns the IDs in every cell touching the r-disk around (x, y).
// Callers filter exactly by squared distance.
func (g *grid) candidates(x, y, r float64) []string {
	minC := cellOf(x-r, y-r)
	maxC := cellOf(x+r, y+r)
	var out []string
	for cx := minC.cx; cx <= maxC.cx; cx++ {
		for cy := minC.cy; cy <= maxC.cy; cy++ {
			out = append(out, g.cells[cellKey{cx, cy}]...)
		}
	}
	return out
}
