package geometry

import (
	"math"
	"time"

	"seehuhn.de/go/geom/rect"
	"seehuhn.de/go/geom/vec"

	"github.com/gogpu/tilecanvas/tile"
)

// Sample is one input point pushed by the UI layer.
type Sample struct {
	// Point is the position in canvas pixels.
	Point vec.Vec2

	// Pressure is the normalized pen pressure in [0, 1].
	// Values above 1 are clamped.
	Pressure float64

	// Seq is the per-stroke sequence number. Samples must arrive with
	// strictly increasing Seq; others are discarded.
	Seq uint64

	// Time is the capture timestamp, relative to any fixed origin.
	Time time.Duration
}

// Segment is one piece of smoothed stroke geometry.
type Segment struct {
	// Points is the flattened polyline of the segment.
	Points []vec.Vec2

	// Widths holds the stroke width at each point of Points.
	Widths []float64

	// Bounds is the bounding box of the stroked segment in canvas pixels.
	Bounds rect.Rect

	// Tiles lists the tiles overlapped by Bounds, clamped to the canvas.
	Tiles []tile.Coord

	// Linear is true for segments emitted with degraded (linear)
	// interpolation when a stroke is flushed.
	Linear bool
}

// Output is the result of one Process or Finish call.
type Output struct {
	// Segments are the newly generated segments, in stroke order.
	Segments []Segment

	// Tiles is the union of the tiles touched by Segments.
	Tiles tile.Set

	// Dropped counts malformed samples dropped by this call.
	Dropped int

	// Discarded counts samples discarded for a non-advancing sequence number.
	Discarded int
}

// valid reports whether s is well-formed for a canvas described by cfg.
func valid(s Sample, cfg tile.Config) bool {
	x, y := s.Point.X, s.Point.Y
	if !finite(x) || !finite(y) || !finite(s.Pressure) {
		return false
	}
	if s.Pressure < 0 {
		return false
	}
	return cfg.Contains(x, y)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
