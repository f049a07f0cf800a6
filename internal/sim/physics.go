package sim

import "math"

// clampToBounds forces the entity inside the world rectangle.
func clampToBounds(e *Entity, width, height float64) {
	e.X = math.Max(0, math.Min(e.X, width))
	e.Y = math.Max(0, math.Min(e.Y, height))
}

// separatePair pushes two overlapping entities apart along the normal between
// their centers, half the overlap each. Coincident centers get a fixed nudge
// so the pair cannot stay degenerate.
func separatePair(a, b *Entity) {
	dx, dy := b.X-a.X, b.Y-a.Y
	dist := math.Hypot(dx, dy)
	minDist := a.Radius + b.Radius
	if dist >= minDist {
		return
	}
	var nx, ny float64
	if dist > 0 {
		nx, ny = dx/dist, dy/dist
	} else {
		nx, ny = 1, 0
	}
	push := (minDist - dist) / 2
	a.X -= nx * push
	a.Y -= ny * push
	b.X += nx * push
	b.Y += ny * push
}
