// Package tilecanvas manages the working set of a tile-based infinite
// canvas backed by GPU pages.
//
// # Overview
//
// The canvas is divided into fixed-size square tiles addressed by
// tile.Coord. Only a bounded number of tiles hold GPU memory at a time. A
// Session decides which tiles are resident, streams stroke geometry into
// them, and writes their content back to disk before their memory is
// reclaimed.
//
// # Quick Start
//
//	cfg := tile.NewConfig(4096, 4096)
//	s, err := tilecanvas.NewSession(cfg, tilecanvas.WithStoreDir(dir))
//	if err != nil {
//	    return err
//	}
//	defer s.Close(context.Background())
//
//	_ = s.BeginStroke(ctx, 0, []tilecanvas.Sample{
//	    tilecanvas.NewSample(0, 0, 1.0, 1),
//	    tilecanvas.NewSample(300, 0, 1.0, 2),
//	})
//	commit, err := s.EndStroke(ctx)
//
// # Architecture
//
// A Session composes four parts:
//   - internal/geometry: smooths samples into segments and bins them to tiles
//   - internal/residency: the residency table, LRU eviction and write-back
//   - internal/persist: versioned, checksummed, atomically published records
//   - pages: GPU (wgpu HAL) or CPU backing pages
//
// Stroke samples are processed on a dedicated serial worker. When a stroke
// ends, its tiles are admitted, drawn, uploaded, marked dirty, and saved in
// the background. Eviction happens only on request (HandleMemoryPressure)
// or when an admission needs room.
//
// # Lifecycle
//
// A Session is Idle, StrokeActive or Invalidated. Invalidate cancels all
// in-flight work and turns every later call into a no-op. Close writes back
// dirty tiles and releases GPU memory.
package tilecanvas
