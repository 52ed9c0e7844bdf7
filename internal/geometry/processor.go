package geometry

import (
	"log/slog"
	"math"

	"seehuhn.de/go/geom/rect"
	"seehuhn.de/go/geom/vec"

	"github.com/gogpu/tilecanvas/tile"
)

// Processor defaults.
const (
	// DefaultWidth is the stroke width in pixels at full pressure.
	DefaultWidth = 4.0

	// DefaultSteps is the number of polyline steps per smoothed segment.
	DefaultSteps = 8

	// minWidth keeps zero-pressure samples visible.
	minWidth = 0.5

	// windowSize is the number of control points Catmull-Rom needs.
	windowSize = 4
)

// Config holds Processor settings.
type Config struct {
	// Canvas is the canvas the strokes are drawn on.
	Canvas tile.Config

	// Width is the stroke width at full pressure.
	// Defaults to DefaultWidth if <= 0.
	Width float64

	// Steps is the number of polyline steps per smoothed segment.
	// Defaults to DefaultSteps if <= 0.
	Steps int

	// Logger receives per-stroke diagnostics. Nil disables logging.
	Logger *slog.Logger
}

// Processor converts sample batches into segments.
type Processor struct {
	canvas tile.Config
	width  float64
	steps  int
	logger *slog.Logger
}

// NewProcessor creates a geometry processor.
func NewProcessor(cfg Config) *Processor {
	p := &Processor{
		canvas: cfg.Canvas.WithDefaults(),
		width:  cfg.Width,
		steps:  cfg.Steps,
		logger: cfg.Logger,
	}
	if p.width <= 0 {
		p.width = DefaultWidth
	}
	if p.steps <= 0 {
		p.steps = DefaultSteps
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	return p
}

// controlPoint is an accepted sample reduced to what smoothing needs.
type controlPoint struct {
	pos   vec.Vec2
	width float64
}

// Stroke is the accumulation state of one open stroke.
type Stroke struct {
	layer   int
	points  []controlPoint
	next    int // start index of the next segment to emit
	lastSeq uint64
	hasSeq  bool

	touched   tile.Set
	dropped   int
	discarded int
	finished  bool
}

// Begin opens accumulation state for a stroke drawn on layer.
func (p *Processor) Begin(layer int) *Stroke {
	return &Stroke{layer: layer, touched: make(tile.Set)}
}

// Layer returns the layer the stroke is drawn on.
func (s *Stroke) Layer() int { return s.layer }

// Touched returns every tile touched by the stroke so far.
// The returned set must not be modified.
func (s *Stroke) Touched() tile.Set { return s.touched }

// Dropped returns the number of malformed samples dropped so far.
func (s *Stroke) Dropped() int { return s.dropped }

// Discarded returns the number of out-of-sequence samples discarded so far.
func (s *Stroke) Discarded() int { return s.discarded }

// Len returns the number of accepted control points.
func (s *Stroke) Len() int { return len(s.points) }

// Process appends batch to the stroke and returns the segments that became
// stable. Calls after Finish return an empty Output.
func (p *Processor) Process(s *Stroke, batch []Sample) Output {
	out := Output{Tiles: make(tile.Set)}
	if s.finished {
		return out
	}

	for _, smp := range batch {
		if s.hasSeq && smp.Seq <= s.lastSeq {
			out.Discarded++
			continue
		}
		if !valid(smp, p.canvas) {
			out.Dropped++
			continue
		}
		s.lastSeq, s.hasSeq = smp.Seq, true
		s.points = append(s.points, controlPoint{
			pos:   smp.Point,
			width: p.widthFor(smp.Pressure),
		})
	}

	// A segment i -> i+1 is stable once i+2 exists.
	for len(s.points) >= windowSize && s.next+2 < len(s.points) {
		p.emit(s, &out, p.smooth(s, s.next))
		s.next++
	}

	s.dropped += out.Dropped
	s.discarded += out.Discarded
	if out.Dropped > 0 {
		p.logger.Debug("dropped malformed samples", "count", out.Dropped, "layer", s.layer)
	}
	return out
}

// Finish flushes the points still buffered when the stroke ends using
// linear interpolation, then marks the stroke finished.
func (p *Processor) Finish(s *Stroke) Output {
	out := Output{Tiles: make(tile.Set)}
	if s.finished {
		return out
	}
	s.finished = true

	switch n := len(s.points); {
	case n == 0:
	case n == 1:
		// A tap: a single dot.
		cp := s.points[0]
		p.emit(s, &out, Segment{
			Points: []vec.Vec2{cp.pos},
			Widths: []float64{cp.width},
			Linear: true,
		})
	default:
		for ; s.next < n-1; s.next++ {
			a, b := s.points[s.next], s.points[s.next+1]
			p.emit(s, &out, Segment{
				Points: []vec.Vec2{a.pos, b.pos},
				Widths: []float64{a.width, b.width},
				Linear: true,
			})
		}
	}
	return out
}

// widthFor maps pressure to a stroke width.
func (p *Processor) widthFor(pressure float64) float64 {
	pressure = math.Min(pressure, 1)
	return math.Max(p.width*pressure, minWidth)
}

// smooth flattens the Catmull-Rom segment starting at control point i.
// The point before the first control point is clamped to the first point.
func (p *Processor) smooth(s *Stroke, i int) Segment {
	p0 := s.points[max(i-1, 0)]
	p1 := s.points[i]
	p2 := s.points[i+1]
	p3 := s.points[i+2]

	seg := Segment{
		Points: make([]vec.Vec2, 0, p.steps+1),
		Widths: make([]float64, 0, p.steps+1),
	}
	for k := 0; k <= p.steps; k++ {
		t := float64(k) / float64(p.steps)
		seg.Points = append(seg.Points, catmullRom(p0.pos, p1.pos, p2.pos, p3.pos, t))
		seg.Widths = append(seg.Widths, p1.width+(p2.width-p1.width)*t)
	}
	return seg
}

// catmullRom evaluates the uniform Catmull-Rom spline through p1..p2 at t.
func catmullRom(p0, p1, p2, p3 vec.Vec2, t float64) vec.Vec2 {
	t2 := t * t
	t3 := t2 * t

	a := p1.Mul(2)
	b := p2.Sub(p0).Mul(t)
	c := p0.Mul(2).Sub(p1.Mul(5)).Add(p2.Mul(4)).Sub(p3).Mul(t2)
	d := p1.Mul(3).Sub(p0).Sub(p2.Mul(3)).Add(p3).Mul(t3)
	return a.Add(b).Add(c).Add(d).Mul(0.5)
}

// emit bins seg into tiles and appends it to out.
func (p *Processor) emit(s *Stroke, out *Output, seg Segment) {
	seg.Bounds = bounds(seg)
	seg.Tiles = p.bin(seg.Bounds, s.layer)
	for _, c := range seg.Tiles {
		out.Tiles.Add(c)
		s.touched.Add(c)
	}
	out.Segments = append(out.Segments, seg)
}

// bounds returns the bounding box of the stroked polyline.
func bounds(seg Segment) rect.Rect {
	r := rect.Rect{
		LLx: math.Inf(1), LLy: math.Inf(1),
		URx: math.Inf(-1), URy: math.Inf(-1),
	}
	for i, pt := range seg.Points {
		h := seg.Widths[i] / 2
		r.LLx = math.Min(r.LLx, pt.X-h)
		r.LLy = math.Min(r.LLy, pt.Y-h)
		r.URx = math.Max(r.URx, pt.X+h)
		r.URy = math.Max(r.URy, pt.Y+h)
	}
	return r
}

// bin returns the canvas tiles overlapped by r.
func (p *Processor) bin(r rect.Rect, layer int) []tile.Coord {
	// Clamp to the last representable pixel so the far canvas edge does not
	// produce a tile outside the grid.
	maxX := float64(p.canvas.Width) - 1
	maxY := float64(p.canvas.Height) - 1
	x0, x1 := math.Max(r.LLx, 0), math.Min(r.URx, maxX)
	y0, y1 := math.Max(r.LLy, 0), math.Min(r.URy, maxY)
	if x0 > x1 || y0 > y1 {
		return nil
	}

	tx0, tx1 := tile.Span(x0, x1, p.canvas.TileSize)
	ty0, ty1 := tile.Span(y0, y1, p.canvas.TileSize)
	coords := make([]tile.Coord, 0, (tx1-tx0+1)*(ty1-ty0+1))
	for ty := ty0; ty <= ty1; ty++ {
		for tx := tx0; tx <= tx1; tx++ {
			coords = append(coords, tile.C(tx, ty, layer))
		}
	}
	return coords
}
