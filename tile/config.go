package tile

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

// Default configuration values.
const (
	// DefaultTileSize is the edge length of a tile in pixels.
	DefaultTileSize = 256

	// DefaultRegionTiles is the number of tiles per region edge (4x4 region).
	DefaultRegionTiles = 4

	// DefaultBudgetMB is the default resident memory budget (512 MB).
	DefaultBudgetMB = 512

	// DefaultScaleFactor is the default backing scale (points to pixels).
	DefaultScaleFactor = 2.0

	// DefaultPixelFormat is the default tile page format.
	DefaultPixelFormat = gputypes.TextureFormatRGBA16Float
)

// ErrInvalidConfig is returned by Validate for unusable configurations.
var ErrInvalidConfig = errors.New("tile: invalid canvas configuration")

// Config describes the physical and logical bounds of a canvas.
// A Config is immutable for the lifetime of a canvas.
type Config struct {
	// Width is the canvas width in pixels.
	Width int

	// Height is the canvas height in pixels.
	Height int

	// ScaleFactor maps input points to canvas pixels.
	// Defaults to DefaultScaleFactor if <= 0.
	ScaleFactor float64

	// TileSize is the edge length of a tile in pixels.
	// Defaults to DefaultTileSize if <= 0.
	TileSize int

	// RegionTiles is the number of tiles per region edge.
	// Defaults to DefaultRegionTiles if <= 0.
	RegionTiles int

	// PixelFormat is the texel format of a tile page.
	// Defaults to DefaultPixelFormat if undefined.
	PixelFormat gputypes.TextureFormat

	// MemoryBudgetBytes caps the total size of resident tile pages.
	// Defaults to DefaultBudgetMB megabytes if 0.
	MemoryBudgetBytes uint64

	// PersistenceEnabled enables write-back of dirty tiles to disk.
	PersistenceEnabled bool
}

// NewConfig returns a Config for a width x height canvas with every other
// field set to its default.
func NewConfig(width, height int) Config {
	return Config{
		Width:              width,
		Height:             height,
		PersistenceEnabled: true,
	}.WithDefaults()
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.ScaleFactor <= 0 {
		c.ScaleFactor = DefaultScaleFactor
	}
	if c.TileSize <= 0 {
		c.TileSize = DefaultTileSize
	}
	if c.RegionTiles <= 0 {
		c.RegionTiles = DefaultRegionTiles
	}
	if c.PixelFormat == gputypes.TextureFormatUndefined {
		c.PixelFormat = DefaultPixelFormat
	}
	if c.MemoryBudgetBytes == 0 {
		c.MemoryBudgetBytes = DefaultBudgetMB * 1024 * 1024
	}
	return c
}

// Validate reports whether the configuration can back a canvas.
func (c Config) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: canvas size %dx%d", ErrInvalidConfig, c.Width, c.Height)
	case c.TileSize <= 0:
		return fmt.Errorf("%w: tile size %d", ErrInvalidConfig, c.TileSize)
	case c.RegionTiles <= 0:
		return fmt.Errorf("%w: region tiles %d", ErrInvalidConfig, c.RegionTiles)
	case BytesPerPixel(c.PixelFormat) == 0:
		return fmt.Errorf("%w: unsupported pixel format %v", ErrInvalidConfig, c.PixelFormat)
	case c.MemoryBudgetBytes < c.PageBytes():
		return fmt.Errorf("%w: budget %d bytes is smaller than one page (%d bytes)",
			ErrInvalidConfig, c.MemoryBudgetBytes, c.PageBytes())
	}
	return nil
}

// PageBytes returns the size in bytes of one resident tile page.
func (c Config) PageBytes() uint64 {
	//nolint:gosec // G115: tile size and bytes per pixel are small positive values
	return uint64(c.TileSize) * uint64(c.TileSize) * uint64(BytesPerPixel(c.PixelFormat))
}

// BudgetPages returns how many pages fit into the memory budget.
func (c Config) BudgetPages() int {
	pb := c.PageBytes()
	if pb == 0 {
		return 0
	}
	//nolint:gosec // G115: result bounded by budget / page size
	return int(c.MemoryBudgetBytes / pb)
}

// TilesX returns the number of tile columns covering the canvas.
func (c Config) TilesX() int {
	return (c.Width + c.TileSize - 1) / c.TileSize
}

// TilesY returns the number of tile rows covering the canvas.
func (c Config) TilesY() int {
	return (c.Height + c.TileSize - 1) / c.TileSize
}

// Contains reports whether the pixel position lies on the canvas.
func (c Config) Contains(x, y float64) bool {
	return x >= 0 && y >= 0 && x < float64(c.Width) && y < float64(c.Height)
}

// InBounds reports whether the tile lies on the canvas.
func (c Config) InBounds(t Coord) bool {
	return t.X >= 0 && t.Y >= 0 && t.X < c.TilesX() && t.Y < c.TilesY()
}

// BytesPerPixel returns the texel size of the supported page formats,
// or 0 for formats that cannot back a tile page.
func BytesPerPixel(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm:
		return 4
	case gputypes.TextureFormatRGBA16Float:
		return 8
	case gputypes.TextureFormatRGBA32Float:
		return 16
	default:
		return 0
	}
}
