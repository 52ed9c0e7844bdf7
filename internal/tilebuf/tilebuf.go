// Package tilebuf holds the CPU-side content of resident tiles and
// rasterizes stroke geometry into it.
//
// Each tile is an 8-bit coverage mask of TileSize x TileSize pixels. The mask
// bytes are the tile payload handed to persistence and, after texel
// encoding, uploaded into the tile's GPU page.
//
// Buffers is safe for concurrent use.
package tilebuf

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"golang.org/x/image/vector"
	"seehuhn.de/go/geom/vec"

	"github.com/gogpu/tilecanvas/internal/geometry"
	"github.com/gogpu/tilecanvas/tile"
)

// ErrPayloadSize is returned when restoring a payload of the wrong size.
var ErrPayloadSize = errors.New("tilebuf: payload size does not match tile")

// capSides is the polygon resolution of round caps and joins.
const capSides = 12

// Buffers maps resident tiles to their coverage masks.
type Buffers struct {
	mu       sync.Mutex
	tileSize int
	tiles    map[tile.Coord]*image.Alpha
}

// New creates an empty buffer set for tiles of tileSize pixels.
func New(tileSize int) *Buffers {
	return &Buffers{
		tileSize: tileSize,
		tiles:    make(map[tile.Coord]*image.Alpha),
	}
}

// PayloadBytes returns the size of one tile payload.
func (b *Buffers) PayloadBytes() int {
	return b.tileSize * b.tileSize
}

// Has reports whether the tile has a buffer.
func (b *Buffers) Has(c tile.Coord) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tiles[c]
	return ok
}

// Len returns the number of buffered tiles.
func (b *Buffers) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tiles)
}

// Ensure creates a blank buffer for c if none exists.
func (b *Buffers) Ensure(c tile.Coord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureLocked(c)
}

func (b *Buffers) ensureLocked(c tile.Coord) *image.Alpha {
	img, ok := b.tiles[c]
	if !ok {
		img = image.NewAlpha(image.Rect(0, 0, b.tileSize, b.tileSize))
		b.tiles[c] = img
	}
	return img
}

// Restore replaces the tile content with a persisted payload.
func (b *Buffers) Restore(c tile.Coord, payload []byte) error {
	if len(payload) != b.PayloadBytes() {
		return fmt.Errorf("%w: %d != %d", ErrPayloadSize, len(payload), b.PayloadBytes())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.ensureLocked(c).Pix, payload)
	return nil
}

// Snapshot returns a copy of the tile payload.
func (b *Buffers) Snapshot(c tile.Coord) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.tiles[c]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), img.Pix...), true
}

// Drop discards the tile buffer.
func (b *Buffers) Drop(c tile.Coord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tiles, c)
}

// Coverage returns the coverage of one canvas pixel of tile c, or 0 if the
// tile has no buffer.
func (b *Buffers) Coverage(c tile.Coord, x, y int) uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.tiles[c]
	if !ok {
		return 0
	}
	ox, oy, _, _ := c.Bounds(b.tileSize)
	return img.AlphaAt(x-ox, y-oy).A
}

// Draw rasterizes seg into those of its tiles that are in only and already
// have a buffer. It returns the tiles that were drawn into.
func (b *Buffers) Draw(seg geometry.Segment, only tile.Set) []tile.Coord {
	b.mu.Lock()
	defer b.mu.Unlock()

	var drawn []tile.Coord
	for _, c := range seg.Tiles {
		if !only.Has(c) {
			continue
		}
		img, ok := b.tiles[c]
		if !ok {
			continue
		}
		b.drawInto(img, c, seg)
		drawn = append(drawn, c)
	}
	return drawn
}

// drawInto strokes seg into the mask of tile c.
// Each primitive is filled separately so overlapping pieces never cancel.
func (b *Buffers) drawInto(img *image.Alpha, c tile.Coord, seg geometry.Segment) {
	ox, oy, _, _ := c.Bounds(b.tileSize)
	origin := vec.Vec2{X: float64(ox), Y: float64(oy)}
	z := vector.NewRasterizer(b.tileSize, b.tileSize)

	fill := func(poly []vec.Vec2) {
		z.Reset(b.tileSize, b.tileSize)
		for i, p := range poly {
			q := p.Sub(origin)
			if i == 0 {
				z.MoveTo(float32(q.X), float32(q.Y))
			} else {
				z.LineTo(float32(q.X), float32(q.Y))
			}
		}
		z.ClosePath()
		z.Draw(img, img.Bounds(), image.Opaque, image.Point{})
	}

	for i, p := range seg.Points {
		fill(disc(p, seg.Widths[i]/2))
		if i == 0 {
			continue
		}
		if quad, ok := band(seg.Points[i-1], p, seg.Widths[i-1]/2, seg.Widths[i]/2); ok {
			fill(quad)
		}
	}
}

// disc approximates a round cap of radius r centred on p.
func disc(p vec.Vec2, r float64) []vec.Vec2 {
	poly := make([]vec.Vec2, capSides)
	for i := range poly {
		a := 2 * math.Pi * float64(i) / capSides
		poly[i] = p.Add(vec.Vec2{X: math.Cos(a), Y: math.Sin(a)}.Mul(r))
	}
	return poly
}

// band returns the quad covering the piece a->b with half widths ha and hb.
func band(a, b vec.Vec2, ha, hb float64) ([]vec.Vec2, bool) {
	d := b.Sub(a)
	length := d.Length()
	if length == 0 {
		return nil, false
	}
	t := d.Mul(1 / length)
	n := vec.Vec2{X: -t.Y, Y: t.X}
	return []vec.Vec2{
		a.Add(n.Mul(ha)),
		b.Add(n.Mul(hb)),
		b.Sub(n.Mul(hb)),
		a.Sub(n.Mul(ha)),
	}, true
}
