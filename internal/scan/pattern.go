// Package scan produces ordered, deduplicated traversal sequences over the
// 1024x1024 tile space of a kingdom.
package scan

import (
	"fmt"

	"github.com/nekodelia/mercy/internal/coords"
)

type Pattern string

const (
	PatternSingle Pattern = "single"
	PatternWide   Pattern = "wide"
	PatternMulti  Pattern = "multi"
	PatternGrid   Pattern = "grid"
	PatternKnown  Pattern = "known"
)

const (
	DefaultSingleRings = 4
	DefaultWideRings   = 9
	DefaultCoverage    = 0.80
)

// Position is a tile the driver navigates to in order to capture a screenshot.
type Position struct {
	X int
	Y int
}

func ParsePattern(s string) (Pattern, error) {
	switch Pattern(s) {
	case PatternSingle, PatternWide, PatternMulti, PatternGrid, PatternKnown:
		return Pattern(s), nil
	}
	return "", fmt.Errorf("unknown scan pattern %q", s)
}

// Plan returns the ordered scan sequence for a kingdom. rings <= 0 selects the
// pattern default. For the known pattern, idx supplies historical locations;
// kingdoms without data fall back to the grid sweep.
func Plan(kingdom uint32, pattern Pattern, rings int, coverage float64, idx *KnownIndex) []Position {
	switch pattern {
	case PatternSingle:
		if rings <= 0 {
			rings = DefaultSingleRings
		}
		return spiral(512, 512, 25, rings)
	case PatternWide:
		if rings <= 0 {
			rings = DefaultWideRings
		}
		return clampDedup(spiral(512, 512, 50, rings))
	case PatternMulti:
		if rings <= 0 {
			rings = DefaultSingleRings
		}
		return multiSpiral(rings)
	case PatternKnown:
		if idx != nil {
			if positions := idx.Positions(kingdom, coverage); len(positions) > 0 {
				return positions
			}
		}
		return gridSweep()
	default:
		return gridSweep()
	}
}

// spiral walks right, down, left, up from the center with leg lengths
// 1,1,2,2,3,3,... in steps of step tiles, emitting each visited position. Ring
// r is complete after (2r+1)^2 positions, so the walk is truncated there.
func spiral(cx, cy, step, rings int) []Position {
	limit := (2*rings + 1) * (2*rings + 1)
	out := make([]Position, 0, limit)
	x, y := cx, cy
	out = append(out, Position{x, y})

	dirs := [4][2]int{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}
	leg := 1
	for d := 0; len(out) < limit; d++ {
		dir := dirs[d%4]
		for i := 0; i < leg && len(out) < limit; i++ {
			x += dir[0] * step
			y += dir[1] * step
			out = append(out, Position{x, y})
		}
		if d%2 == 1 {
			leg++
		}
	}
	return out
}

// clampDedup clamps every coordinate into kingdom bounds and drops positions
// equal to the previously emitted one, which collapses runs created by the
// clamping at map edges.
func clampDedup(in []Position) []Position {
	out := make([]Position, 0, len(in))
	for _, p := range in {
		c := Position{coords.Clamp(p.X), coords.Clamp(p.Y)}
		if len(out) > 0 && out[len(out)-1] == c {
			continue
		}
		out = append(out, c)
	}
	return out
}

// multiSpiral runs nine spirals centered on {150,512,874}^2 and interleaves
// them by ring level: ring 0 of every center first, then ring 1, and so on.
// Positions already emitted by an earlier center are skipped.
func multiSpiral(rings int) []Position {
	centers := [3]int{150, 512, 874}
	full := make([][]Position, 0, 9)
	for _, cy := range centers {
		for _, cx := range centers {
			full = append(full, spiral(cx, cy, 25, rings))
		}
	}

	seen := make(map[Position]struct{})
	var out []Position
	for r := 0; r <= rings; r++ {
		lo, hi := ringBounds(r)
		for _, sp := range full {
			end := hi
			if end > len(sp) {
				end = len(sp)
			}
			for _, p := range sp[lo:end] {
				c := Position{coords.Clamp(p.X), coords.Clamp(p.Y)}
				if _, dup := seen[c]; dup {
					continue
				}
				seen[c] = struct{}{}
				out = append(out, c)
			}
		}
	}
	return out
}

// ringBounds gives the spiral index range [lo, hi) belonging to ring r.
func ringBounds(r int) (lo, hi int) {
	if r == 0 {
		return 0, 1
	}
	lo = (2*r - 1) * (2*r - 1)
	hi = (2*r + 1) * (2*r + 1)
	return lo, hi
}

// gridSweep visits rows from (30,30) to (960,960) in steps of 30.
func gridSweep() []Position {
	out := make([]Position, 0, 32*32)
	for y := 30; y <= 960; y += 30 {
		for x := 30; x <= 960; x += 30 {
			out = append(out, Position{x, y})
		}
	}
	return out
}
