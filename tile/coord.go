package tile

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// Coord identifies one fixed-size tile of the canvas.
//
// Coord is comparable and is used directly as a map key.
type Coord struct {
	// X is the tile column index.
	X int

	// Y is the tile row index.
	Y int

	// Layer is the canvas layer the tile belongs to.
	Layer int
}

// C is shorthand for Coord{X: x, Y: y, Layer: layer}.
func C(x, y, layer int) Coord {
	return Coord{X: x, Y: y, Layer: layer}
}

// String returns "(x,y,layer)".
func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Layer)
}

// Key returns a compact string key for the coordinate.
// Used where an API requires string keys (singleflight groups, file names).
func (c Coord) Key() string {
	return fmt.Sprintf("%d_%d_%d", c.Layer, c.X, c.Y)
}

// Region returns the coordinate of the paging region containing this tile.
// Regions group regionTiles x regionTiles tiles; the returned Coord uses
// region units and keeps the tile's layer.
func (c Coord) Region(regionTiles int) Coord {
	if regionTiles <= 1 {
		return c
	}
	return Coord{
		X:     floorDiv(c.X, regionTiles),
		Y:     floorDiv(c.Y, regionTiles),
		Layer: c.Layer,
	}
}

// Bounds returns the pixel bounds of the tile as (x, y, width, height).
func (c Coord) Bounds(tileSize int) (x, y, w, h int) {
	return c.X * tileSize, c.Y * tileSize, tileSize, tileSize
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Span returns the inclusive range of tile indices covered by the pixel
// interval [lo, hi] along one axis.
func Span(lo, hi float64, tileSize int) (first, last int) {
	ts := float64(tileSize)
	first = int(math.Floor(lo / ts))
	last = int(math.Floor(hi / ts))
	if last < first {
		first, last = last, first
	}
	return first, last
}

// Set is an unordered set of tile coordinates.
type Set map[Coord]struct{}

// NewSet returns a set containing coords.
func NewSet(coords ...Coord) Set {
	s := make(Set, len(coords))
	for _, c := range coords {
		s[c] = struct{}{}
	}
	return s
}

// Add inserts c into the set.
func (s Set) Add(c Coord) { s[c] = struct{}{} }

// Has reports whether c is in the set.
func (s Set) Has(c Coord) bool {
	_, ok := s[c]
	return ok
}

// Union adds every element of o to s.
func (s Set) Union(o Set) {
	for c := range o {
		s[c] = struct{}{}
	}
}

// Slice returns the set elements sorted by layer, row, then column.
func (s Set) Slice() []Coord {
	out := make([]Coord, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	SortCoords(out)
	return out
}

// SortCoords sorts coordinates by layer, row, then column.
func SortCoords(cs []Coord) {
	slices.SortFunc(cs, func(a, b Coord) int {
		if c := cmp.Compare(a.Layer, b.Layer); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Y, b.Y); c != 0 {
			return c
		}
		return cmp.Compare(a.X, b.X)
	})
}
