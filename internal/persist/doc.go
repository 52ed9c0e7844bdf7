// Package persist stores tile payloads durably and loads them back.
//
// Every save of a tile produces a new record file for the next version of
// that tile. The record is written to a temporary file, flushed with fsync,
// and only then renamed into place; older versions are removed after the
// rename. A reader therefore always sees a complete record of some version
// or no record at all.
//
// Records live under one directory per region (see tile.Coord.Region):
//
//	<root>/L<layer>/R<rx>_<ry>/<x>_<y>.v<version>.tile
//
// Writes to the same tile are executed strictly in submission order, one at
// a time; writes to different tiles run concurrently. Failed writes are
// retried with exponential backoff. Checksums are verified on load and a
// mismatch is reported per tile with ErrCorrupt.
package persist
