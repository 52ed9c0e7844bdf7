package pages

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/tilecanvas/tile"
)

// Page allocation errors.
var (
	// ErrNoDevice is returned when a HAL allocator has no usable device.
	ErrNoDevice = errors.New("pages: no GPU device")

	// ErrPagesExhausted is returned when the allocator cannot provide a page.
	ErrPagesExhausted = errors.New("pages: backing pages exhausted")

	// ErrPageReleased is returned when operating on a freed page.
	ErrPageReleased = errors.New("pages: page has been released")

	// ErrPayloadSize is returned when an upload does not match the page size.
	ErrPayloadSize = errors.New("pages: payload size does not match page")
)

// Allocator is the backing-page service used by the residency manager.
type Allocator interface {
	// Allocate returns a new page for the tile at c.
	// A failure is an admission failure for that tile, not a fatal error.
	Allocate(ctx context.Context, c tile.Coord) (*Page, error)

	// Free releases a page. Freeing a released page is a no-op.
	Free(p *Page)

	// PageBytes returns the size accounted for each page.
	PageBytes() uint64
}

// Uploader is implemented by allocators whose pages can receive tile content.
type Uploader interface {
	// Upload replaces the page content with payload.
	Upload(p *Page, payload []byte) error
}

// Page is a handle to the physical storage of one resident tile.
type Page struct {
	id    uint64
	coord tile.Coord
	size  uint64

	texture hal.Texture // HAL pages only
	data    []byte      // Heap pages only

	released atomic.Bool
}

// ID returns the allocator-unique page identifier.
func (p *Page) ID() uint64 { return p.id }

// Coord returns the tile the page was allocated for.
func (p *Page) Coord() tile.Coord { return p.coord }

// Size returns the page size in bytes.
func (p *Page) Size() uint64 { return p.size }

// Released reports whether the page has been freed.
func (p *Page) Released() bool { return p.released.Load() }

// Texture returns the HAL texture backing the page, or nil for CPU pages.
func (p *Page) Texture() hal.Texture { return p.texture }

// pageIDs is shared by every allocator so page IDs are process-unique.
var pageIDs atomic.Uint64

func nextPageID() uint64 { return pageIDs.Add(1) }
