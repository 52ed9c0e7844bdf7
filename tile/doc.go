// Package tile defines the addressing and configuration types shared by every
// tilecanvas component.
//
// The canvas is divided into fixed-size square tiles (256x256 pixels by
// default). A tile is the unit of GPU residency and of persistence; tiles are
// further grouped into regions (4x4 tiles by default) which form the on-disk
// paging unit.
//
// Both [Coord] and [Config] are plain values with no behaviour beyond pure
// arithmetic and are safe to share between goroutines.
package tile
