package pages

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogpu/tilecanvas/tile"
)

// Heap allocates pages in CPU memory.
type Heap struct {
	mu       sync.Mutex
	pageSize uint64
	maxPages int // 0 means unlimited
	live     int
	allocs   uint64
	frees    uint64
}

// NewHeap creates a CPU page allocator for pages of pageSize bytes.
// maxPages caps the number of live pages; 0 means unlimited.
func NewHeap(pageSize uint64, maxPages int) *Heap {
	return &Heap{pageSize: pageSize, maxPages: maxPages}
}

// Allocate returns a zeroed CPU page.
func (h *Heap) Allocate(ctx context.Context, c tile.Coord) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maxPages > 0 && h.live >= h.maxPages {
		return nil, fmt.Errorf("%w: %d live pages", ErrPagesExhausted, h.live)
	}
	h.live++
	h.allocs++

	return &Page{
		id:    nextPageID(),
		coord: c,
		size:  h.pageSize,
		data:  make([]byte, h.pageSize),
	}, nil
}

// Free releases a CPU page.
func (h *Heap) Free(p *Page) {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	h.live--
	h.frees++
	p.data = nil
	h.mu.Unlock()
}

// Upload copies payload into the page, zero-padding short payloads.
func (h *Heap) Upload(p *Page, payload []byte) error {
	if p == nil || p.Released() {
		return ErrPageReleased
	}
	if uint64(len(payload)) > p.size {
		return fmt.Errorf("%w: %d > %d", ErrPayloadSize, len(payload), p.size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n := copy(p.data, payload)
	clear(p.data[n:])
	return nil
}

// PageBytes returns the page size.
func (h *Heap) PageBytes() uint64 { return h.pageSize }

// Live returns the number of pages currently allocated.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

// Counts returns the total number of allocations and frees.
func (h *Heap) Counts() (allocs, frees uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocs, h.frees
}

// Bytes returns a copy of the page content.
func (h *Heap) Bytes(p *Page) []byte {
	if p == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), p.data...)
}
