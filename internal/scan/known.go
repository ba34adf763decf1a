package scan

import (
	_ "embed"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/nekodelia/mercy/internal/coords"
)

// Historical exchange spawns collected from past scan runs, one
// kingdom,x,y,frequency row per line.
//
//go:embed known_locations.csv
var knownLocationsCSV string

// cellSize matches the viewport: one representative per cell is enough to see
// every member tile.
const cellSize = 25

type knownLoc struct {
	x, y      int
	frequency int
}

// KnownIndex holds the compiled-in historical spawn table, keyed by kingdom.
type KnownIndex struct {
	locations map[uint32][]knownLoc
}

// NewKnownIndex parses the embedded spawn table. The table is static, so a
// parse failure is a programming error.
func NewKnownIndex() (*KnownIndex, error) {
	return parseIndex(knownLocationsCSV)
}

func parseIndex(csv string) (*KnownIndex, error) {
	idx := &KnownIndex{locations: make(map[uint32][]knownLoc)}
	for ln, line := range strings.Split(csv, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("known locations line %d: expected 4 fields, got %d", ln+1, len(parts))
		}
		k, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("known locations line %d: kingdom: %w", ln+1, err)
		}
		x, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("known locations line %d: x: %w", ln+1, err)
		}
		y, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("known locations line %d: y: %w", ln+1, err)
		}
		freq, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, fmt.Errorf("known locations line %d: frequency: %w", ln+1, err)
		}
		idx.locations[uint32(k)] = append(idx.locations[uint32(k)], knownLoc{x: x, y: y, frequency: freq})
	}
	return idx, nil
}

// HasKingdom reports whether any historical rows exist for k.
func (i *KnownIndex) HasKingdom(k uint32) bool {
	return len(i.locations[k]) > 0
}

type cell struct {
	weight     int
	sumX, sumY int64
	repX, repY int
}

// Positions clusters the kingdom's spawns into viewport-sized cells, ranks
// the cells by total frequency, and returns the representative positions of
// the smallest prefix whose cumulative weight reaches coverage. Coverage is
// clamped into (0, 1]; zero or negative selects the default.
func (i *KnownIndex) Positions(kingdom uint32, coverage float64) []Position {
	locs := i.locations[kingdom]
	if len(locs) == 0 {
		return nil
	}
	if coverage <= 0 {
		coverage = DefaultCoverage
	}
	if coverage > 1 {
		coverage = 1
	}

	cells := make(map[[2]int]*cell)
	total := 0
	for _, l := range locs {
		key := [2]int{l.x / cellSize, l.y / cellSize}
		c := cells[key]
		if c == nil {
			c = &cell{}
			cells[key] = c
		}
		c.weight += l.frequency
		c.sumX += int64(l.x) * int64(l.frequency)
		c.sumY += int64(l.y) * int64(l.frequency)
		total += l.frequency
	}

	ranked := make([]*cell, 0, len(cells))
	for _, c := range cells {
		c.repX = coords.Clamp(int(math.Round(float64(c.sumX) / float64(c.weight))))
		c.repY = coords.Clamp(int(math.Round(float64(c.sumY) / float64(c.weight))))
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(a, b int) bool {
		if ranked[a].weight != ranked[b].weight {
			return ranked[a].weight > ranked[b].weight
		}
		if ranked[a].repY != ranked[b].repY {
			return ranked[a].repY < ranked[b].repY
		}
		return ranked[a].repX < ranked[b].repX
	})

	out := make([]Position, 0, len(ranked))
	seen := make(map[Position]struct{}, len(ranked))
	cum := 0
	for _, c := range ranked {
		p := Position{c.repX, c.repY}
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			out = append(out, p)
		}
		cum += c.weight
		if float64(cum)/float64(total) >= coverage {
			break
		}
	}
	return out
}
