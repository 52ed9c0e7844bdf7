package residency

import (
	"container/list"
	"fmt"

	"github.com/gogpu/tilecanvas/pages"
	"github.com/gogpu/tilecanvas/tile"
)

// State is the paging state of a tile.
type State uint8

const (
	// Unmapped tiles have no backing page.
	Unmapped State = iota

	// Pending tiles have a page allocation in flight.
	Pending

	// Resident tiles hold a backing page.
	Resident

	// Evicting tiles still hold their page while dirty content is
	// written back.
	Evicting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unmapped:
		return "Unmapped"
	case Pending:
		return "Pending"
	case Resident:
		return "Resident"
	case Evicting:
		return "Evicting"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// TileInfo is a snapshot of one tile's residency record.
type TileInfo struct {
	Coord tile.Coord
	State State

	// Refs is the viewport reference count.
	Refs int

	// LastAccess is the access sequence number; larger is more recent.
	LastAccess uint64

	// Dirty reports that content differs from the last persisted version.
	Dirty bool

	// Revision counts content changes since the manager first saw the tile.
	Revision uint64

	// Version is the last persisted version, 0 if never persisted.
	Version uint64

	// WriteErr is the error of the last write that exhausted its retries.
	// It is cleared by the next successful write.
	WriteErr error

	// HasPage reports whether a backing page is held.
	HasPage bool
}

// Stats summarizes the residency table.
type Stats struct {
	BudgetBytes   uint64
	ResidentBytes uint64
	ReservedBytes uint64

	Tiles    int
	Resident int
	Pending  int
	Evicting int
	Dirty    int
	Retained int

	Admissions    uint64
	Evictions     uint64
	WriteBacks    uint64
	AllocFailures uint64
	WriteFailures uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Residency[%d/%d MB, %d resident, %d pending, %d dirty, %d retained, %d evictions]",
		s.ResidentBytes/(1024*1024),
		s.BudgetBytes/(1024*1024),
		s.Resident, s.Pending, s.Dirty, s.Retained, s.Evictions)
}

// Admission reports the outcome of MakeResident.
type Admission struct {
	Admitted []tile.Coord
	Failed   map[tile.Coord]error
}

// EvictionReport reports the outcome of an eviction pass.
type EvictionReport struct {
	// Evicted tiles are Unmapped and their pages have been freed.
	Evicted []tile.Coord

	// Kept tiles were selected but stayed Resident, because write-back
	// failed or the tile was retained while being evicted.
	Kept []tile.Coord

	// FreedBytes is the page memory returned to the allocator.
	FreedBytes uint64
}

// entry is the residency record of one tile.
type entry struct {
	coord tile.Coord
	state State
	page  *pages.Page
	refs  int

	// pins counts MakeResident calls naming the tile. A pinned tile is
	// never chosen as a victim, so a call cannot evict its own admissions.
	pins int

	lastAccess uint64
	lru        *list.Element

	dirty    bool
	revision uint64
	version  uint64
	writeErr error

	// settled is closed when a Pending or Evicting transition completes.
	settled chan struct{}

	// evictToken identifies the eviction that claimed the tile; a rescue
	// bumps it so the evictor leaves the tile alone.
	evictToken uint64
}

func (e *entry) info() TileInfo {
	return TileInfo{
		Coord:      e.coord,
		State:      e.state,
		Refs:       e.refs,
		LastAccess: e.lastAccess,
		Dirty:      e.dirty,
		Revision:   e.revision,
		Version:    e.version,
		WriteErr:   e.writeErr,
		HasPage:    e.page != nil,
	}
}
