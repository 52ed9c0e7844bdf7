// Package residency tracks which canvas tiles hold a GPU backing page.
//
// The Manager owns the residency table: for every known tile it records the
// paging state, the backing page, the viewport reference count, LRU recency,
// and whether the content is dirty with respect to the last persisted
// version.
//
// Tiles move through four states:
//
//	Unmapped --MakeResident--> Pending --allocated--> Resident
//	Resident --evict--> Evicting --written back, page freed--> Unmapped
//
// A tile with a positive reference count is never chosen for eviction, and
// retaining a tile that is being evicted returns it to Resident. Admission
// of one coordinate is deduplicated across concurrent callers, so at most
// one page allocation per coordinate is outstanding at any time.
//
// The table is guarded by a mutex that is held only for short bookkeeping
// sections. Allocation, write-back and page release run without it.
package residency
