// Command tiledemo drives a tilecanvas session with synthetic strokes and
// reports residency and persistence statistics.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/tilecanvas"
	"github.com/gogpu/tilecanvas/pages"
	"github.com/gogpu/tilecanvas/tile"
)

func main() {
	var (
		width    = flag.Int("width", 8192, "canvas width in pixels")
		height   = flag.Int("height", 8192, "canvas height in pixels")
		tileSize = flag.Int("tile", tile.DefaultTileSize, "tile edge in pixels")
		budgetMB = flag.Int("budget-mb", 16, "GPU page budget in MB")
		dir      = flag.String("dir", "", "record directory (default: a temporary directory)")
		strokes  = flag.Int("strokes", 200, "number of synthetic strokes")
		seed     = flag.Uint64("seed", 1, "random seed")
		useHAL   = flag.Bool("hal", false, "allocate pages as wgpu textures on the noop HAL device")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	tilecanvas.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *dir == "" {
		tmp, err := os.MkdirTemp("", "tiledemo-")
		if err != nil {
			log.Fatalf("Failed to create record directory: %v", err)
		}
		defer os.RemoveAll(tmp)
		*dir = tmp
	}

	cfg := tile.NewConfig(*width, *height)
	cfg.TileSize = *tileSize
	//nolint:gosec // G115: flag value is a small positive budget
	cfg.MemoryBudgetBytes = uint64(*budgetMB) * 1024 * 1024

	opts := []tilecanvas.Option{tilecanvas.WithStoreDir(*dir)}
	if *useHAL {
		alloc, cleanup, err := halAllocator(cfg)
		if err != nil {
			log.Fatalf("Failed to open HAL device: %v", err)
		}
		defer cleanup()
		opts = append(opts, tilecanvas.WithPageAllocator(alloc))
	}

	s, err := tilecanvas.NewSession(cfg, opts...)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	start := time.Now()
	run(s, cfg, *strokes, rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		log.Printf("Background saves did not finish: %v", err)
	}
	stats := s.Stats()
	if err := s.Close(ctx); err != nil {
		log.Printf("Close: %v", err)
	}

	log.Printf("%d strokes in %v", *strokes, time.Since(start).Round(time.Millisecond))
	log.Printf("%s", stats.Residency)
	rc := stats.RecordCache
	log.Printf("record cache: %d entries, %d bytes, hit rate %.2f", rc.Len, rc.Weight, rc.HitRate)
	log.Printf("records under %s", *dir)
}

// run draws random-walk strokes while a viewport follows the pen.
func run(s *tilecanvas.Session, cfg tile.Config, n int, r *rand.Rand) {
	ctx := context.Background()
	x, y := float64(cfg.Width)/2, float64(cfg.Height)/2

	for i := range n {
		samples := make([]tilecanvas.Sample, 0, 32)
		angle := r.Float64() * 2 * math.Pi
		for seq := range uint64(32) {
			angle += (r.Float64() - 0.5) * 0.6
			x = clamp(x+math.Cos(angle)*12, 0, float64(cfg.Width-1))
			y = clamp(y+math.Sin(angle)*12, 0, float64(cfg.Height-1))
			samples = append(samples, tilecanvas.NewSample(x, y, 0.4+0.6*r.Float64(), seq+1))
		}

		s.SetVisible(viewport(cfg, x, y, 2))
		if err := s.BeginStroke(ctx, 0, samples[:4]); err != nil {
			log.Fatalf("BeginStroke: %v", err)
		}
		for j := 4; j < len(samples); j += 4 {
			if err := s.UpdateStroke(ctx, samples[j:j+4]); err != nil {
				log.Fatalf("UpdateStroke: %v", err)
			}
		}
		commit, err := s.EndStroke(ctx)
		if err != nil {
			log.Printf("stroke %d: %v", i, err)
			continue
		}
		if len(commit.Failed) > 0 {
			log.Printf("stroke %d: %d tiles failed", i, len(commit.Failed))
		}

		if i%50 == 49 {
			rep, err := s.HandleMemoryPressure(ctx)
			if err != nil {
				log.Printf("memory pressure: %v", err)
			}
			log.Printf("memory pressure: evicted %d tiles, kept %d", len(rep.Evicted), len(rep.Kept))
		}
	}
}

// viewport returns the tiles within radius tiles of the pixel (x, y).
func viewport(cfg tile.Config, x, y float64, radius int) []tile.Coord {
	cx, cy := int(x)/cfg.TileSize, int(y)/cfg.TileSize
	var out []tile.Coord
	for ty := cy - radius; ty <= cy+radius; ty++ {
		for tx := cx - radius; tx <= cx+radius; tx++ {
			if c := tile.C(tx, ty, 0); cfg.InBounds(c) {
				out = append(out, c)
			}
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// halAllocator opens the noop HAL device and wraps it in a page allocator.
func halAllocator(cfg tile.Config) (*pages.HAL, func(), error) {
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		return nil, nil, err
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, nil, pages.ErrNoDevice
	}
	dev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, nil, err
	}
	alloc, err := pages.NewHAL(dev.Device, dev.Queue, cfg, pages.HALConfig{Logger: tilecanvas.Logger()})
	if err != nil {
		dev.Device.Destroy()
		instance.Destroy()
		return nil, nil, err
	}
	return alloc, func() {
		dev.Device.Destroy()
		instance.Destroy()
	}, nil
}
