// Package geometry turns ordered (point, pressure) samples of an open stroke
// into smoothed geometry segments and the tiles each segment overlaps.
//
// Smoothing uses uniform Catmull-Rom interpolation over a
// sliding window of four control points. A segment between control points
// i and i+1 is emitted as soon as point i+2 is known, so earlier points are
// never re-emitted. When the stroke ends, the remaining points are flushed
// with linear interpolation.
//
// Sample coordinates are canvas pixels. Samples with non-finite or
// off-canvas coordinates, or with an invalid pressure, are dropped and
// counted; samples whose sequence number does not advance are discarded.
//
// A [Stroke] is owned by exactly one caller; [Processor] keeps no per-stroke
// state and may be shared.
package geometry
