package residency

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gogpu/tilecanvas/pages"
	"github.com/gogpu/tilecanvas/tile"
)

// Residency errors.
var (
	// ErrBudgetExceeded is returned when a tile cannot be admitted because
	// no evictable tile remains to make room for it.
	ErrBudgetExceeded = errors.New("residency: memory budget exceeded")

	// ErrNoneAdmitted is returned by MakeResident when every requested
	// tile failed.
	ErrNoneAdmitted = errors.New("residency: no tiles admitted")

	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("residency: manager closed")
)

// DefaultAdmitParallelism bounds concurrent page allocations per MakeResident call.
const DefaultAdmitParallelism = 8

// WriteBacker persists dirty tiles before their pages are freed.
type WriteBacker interface {
	// WriteBack makes the given content revisions durable and reports a
	// per-tile error. A nil or missing error means the tile is durable.
	WriteBack(ctx context.Context, revisions map[tile.Coord]uint64) map[tile.Coord]error
}

// Config configures a Manager.
type Config struct {
	// BudgetBytes caps the page memory held by Pending, Resident and
	// Evicting tiles. Required.
	BudgetBytes uint64

	// Allocator provides backing pages. Required.
	Allocator pages.Allocator

	// WriteBack persists dirty tiles on eviction. When nil, dirty content
	// of evicted tiles is discarded.
	WriteBack WriteBacker

	// OnEvicted is called with the tiles an eviction pass returned to
	// Unmapped. It runs while the table is locked, so it must be quick and
	// must not call back into the Manager.
	OnEvicted func([]tile.Coord)

	// AdmitParallelism defaults to DefaultAdmitParallelism.
	AdmitParallelism int

	Logger *slog.Logger
}

// Manager is the authoritative residency table.
//
// Manager is safe for concurrent use.
type Manager struct {
	alloc     pages.Allocator
	writeBack WriteBacker
	onEvicted func([]tile.Coord)
	parallel  int
	logger    *slog.Logger

	budget    uint64
	pageBytes uint64

	flight singleflight.Group

	mu       sync.Mutex
	table    map[tile.Coord]*entry
	lruList  *list.List // Resident entries, front = most recently used
	held     uint64     // bytes of pages held by Resident and Evicting tiles
	reserved uint64     // bytes reserved by Pending tiles
	tick     uint64
	token    uint64
	closed   bool

	admissions    uint64
	evictions     uint64
	writeBacks    uint64
	allocFailures uint64
	writeFailures uint64
}

// NewManager creates a residency manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Allocator == nil {
		return nil, errors.New("residency: nil allocator")
	}
	pageBytes := cfg.Allocator.PageBytes()
	if pageBytes == 0 {
		return nil, errors.New("residency: allocator reports zero page size")
	}
	if cfg.BudgetBytes < pageBytes {
		return nil, fmt.Errorf("%w: budget %d bytes is below one page (%d bytes)",
			ErrBudgetExceeded, cfg.BudgetBytes, pageBytes)
	}
	if cfg.AdmitParallelism <= 0 {
		cfg.AdmitParallelism = DefaultAdmitParallelism
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		alloc:     cfg.Allocator,
		writeBack: cfg.WriteBack,
		onEvicted: cfg.OnEvicted,
		parallel:  cfg.AdmitParallelism,
		logger:    cfg.Logger,
		budget:    cfg.BudgetBytes,
		pageBytes: pageBytes,
		table:     make(map[tile.Coord]*entry),
		lruList:   list.New(),
	}, nil
}

// MakeResident admits coords into GPU memory.
//
// Resident tiles are only touched. Tiles with an admission in flight share
// it. Unmapped tiles get a page, evicting least recently used unreferenced
// tiles first when the budget requires it. Tiles being evicted are admitted
// afresh once their eviction completes.
//
// The returned Admission lists each coordinate as admitted or failed. The
// error is non-nil only when no coordinate was admitted.
func (m *Manager) MakeResident(ctx context.Context, coords []tile.Coord) (Admission, error) {
	uniq := tile.NewSet(coords...).Slice()
	adm := Admission{Failed: make(map[tile.Coord]error)}

	m.pin(uniq)
	defer m.unpin(uniq)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(m.parallel)
	for _, c := range uniq {
		g.Go(func() error {
			err := m.admit(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				adm.Failed[c] = err
			} else {
				adm.Admitted = append(adm.Admitted, c)
			}
			return nil
		})
	}
	_ = g.Wait()
	tile.SortCoords(adm.Admitted)

	if len(adm.Admitted) == 0 && len(adm.Failed) > 0 {
		return adm, fmt.Errorf("%w: %d tiles failed, first: %w",
			ErrNoneAdmitted, len(adm.Failed), adm.Failed[firstKey(adm.Failed)])
	}
	return adm, nil
}

// pin protects coords from victim selection until unpin.
func (m *Manager) pin(coords []tile.Coord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range coords {
		m.entryLocked(c).pins++
	}
}

func (m *Manager) unpin(coords []tile.Coord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range coords {
		if e, ok := m.table[c]; ok && e.pins > 0 {
			e.pins--
			m.forgetLocked(e)
		}
	}
}

func firstKey(m map[tile.Coord]error) tile.Coord {
	keys := make([]tile.Coord, 0, len(m))
	for c := range m {
		keys = append(keys, c)
	}
	tile.SortCoords(keys)
	return keys[0]
}

// admit joins or starts the single admission of c.
func (m *Manager) admit(ctx context.Context, c tile.Coord) error {
	for {
		ch := m.flight.DoChan(c.Key(), func() (any, error) {
			return nil, m.admitOne(ctx, c)
		})
		select {
		case r := <-ch:
			// A shared admission may have been cancelled by the caller that
			// started it; try again under our own context.
			if r.Shared && isContextErr(r.Err) && ctx.Err() == nil {
				continue
			}
			return r.Err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// admitOne drives c to Resident.
func (m *Manager) admitOne(ctx context.Context, c tile.Coord) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		e := m.entryLocked(c)
		switch e.state {
		case Resident:
			m.touchLocked(e)
			m.mu.Unlock()
			return nil

		case Pending, Evicting:
			ch := e.settled
			m.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if m.held+m.reserved+m.pageBytes > m.budget {
			need := m.pagesOverLocked(m.pageBytes)
			m.mu.Unlock()
			rep, err := m.evict(ctx, need, false)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			if len(rep.Evicted) == 0 {
				m.mu.Lock()
				if m.held+m.reserved+m.pageBytes <= m.budget {
					m.mu.Unlock()
					continue
				}
				// Another pass may be about to free a page.
				if ch := m.evictingLocked(); ch != nil {
					m.mu.Unlock()
					select {
					case <-ch:
						continue
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				if e, ok := m.table[c]; ok {
					m.forgetLocked(e)
				}
				m.mu.Unlock()
				return fmt.Errorf("%w: admitting %s", ErrBudgetExceeded, c)
			}
			continue
		}

		e.state = Pending
		e.settled = make(chan struct{})
		m.reserved += m.pageBytes
		m.mu.Unlock()

		page, err := m.allocate(ctx, c)
		m.finishAdmission(ctx, e, page, err)
		if err != nil {
			return err
		}
		return ctx.Err()
	}
}

// allocate requests a page, retrying once after an eviction pass.
func (m *Manager) allocate(ctx context.Context, c tile.Coord) (*pages.Page, error) {
	page, err := m.alloc.Allocate(ctx, c)
	if err == nil || ctx.Err() != nil {
		return page, err
	}
	m.logger.Debug("residency: allocation failed, evicting and retrying",
		"tile", c.String(), "err", err)
	if _, eerr := m.evict(ctx, 1, false); eerr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	page, err = m.alloc.Allocate(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("residency: allocate %s: %w", c, err)
	}
	return page, nil
}

// finishAdmission settles a Pending entry.
func (m *Manager) finishAdmission(ctx context.Context, e *entry, page *pages.Page, err error) {
	m.mu.Lock()
	m.reserved -= m.pageBytes
	ch := e.settled
	e.settled = nil

	var discard *pages.Page
	switch {
	case err != nil:
		m.allocFailures++
		e.state = Unmapped
	case ctx.Err() != nil || m.closed:
		e.state = Unmapped
		discard = page
	default:
		e.state = Resident
		e.page = page
		m.held += m.pageBytes
		m.admissions++
		e.lru = m.lruList.PushFront(e)
		m.touchLocked(e)
	}
	if e.state == Unmapped {
		m.forgetLocked(e)
	}
	close(ch)
	m.mu.Unlock()

	if discard != nil {
		m.alloc.Free(discard)
	}
}

// evictingLocked returns the settled channel of some Evicting tile, or nil
// if no eviction is in progress.
func (m *Manager) evictingLocked() chan struct{} {
	for _, e := range m.table {
		if e.state == Evicting && e.settled != nil {
			return e.settled
		}
	}
	return nil
}

// pagesOverLocked returns how many pages must be evicted for extra bytes to fit.
func (m *Manager) pagesOverLocked(extra uint64) int {
	used := m.held + m.reserved + extra
	if used <= m.budget {
		return 0
	}
	over := used - m.budget
	//nolint:gosec // G115: page counts are small
	return int((over + m.pageBytes - 1) / m.pageBytes)
}

// RetainTiles increments the reference count of each coordinate. Unknown
// coordinates are registered as Unmapped; admission is a separate call.
// A tile being evicted is returned to Resident.
func (m *Manager) RetainTiles(coords []tile.Coord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range coords {
		e := m.entryLocked(c)
		e.refs++
		if e.state == Evicting {
			m.rescueLocked(e)
		}
	}
}

// ReleaseTiles decrements the reference count of each coordinate, flooring
// at zero. Unreferenced Resident tiles become eligible for eviction but are
// not evicted until the next eviction pass.
func (m *Manager) ReleaseTiles(coords []tile.Coord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range coords {
		e, ok := m.table[c]
		if !ok {
			continue
		}
		if e.refs > 0 {
			e.refs--
		}
		m.forgetLocked(e)
	}
}

// EvictNonVisiblePages evicts every Resident tile with a zero reference
// count, least recently used first. Tiles named by a MakeResident call still
// in progress are skipped. Dirty tiles are written back before
// their pages are freed; a tile whose write-back fails stays Resident and
// dirty.
func (m *Manager) EvictNonVisiblePages(ctx context.Context) (EvictionReport, error) {
	return m.evict(ctx, -1, false)
}

// Evict evicts up to n unreferenced tiles, least recently used first.
func (m *Manager) Evict(ctx context.Context, n int) (EvictionReport, error) {
	if n <= 0 {
		return EvictionReport{}, nil
	}
	return m.evict(ctx, n, false)
}

type claim struct {
	e     *entry
	token uint64
	dirty bool
	rev   uint64
}

// evict claims up to n victims (all when n < 0) and completes their
// eviction. With force set, referenced and pinned tiles are claimed too.
func (m *Manager) evict(ctx context.Context, n int, force bool) (EvictionReport, error) {
	m.mu.Lock()
	var claims []claim
	for el := m.lruList.Back(); el != nil && (n < 0 || len(claims) < n); {
		prev := el.Prev()
		e := el.Value.(*entry)
		if (e.refs == 0 && e.pins == 0) || force {
			m.lruList.Remove(el)
			e.lru = nil
			e.state = Evicting
			e.settled = make(chan struct{})
			m.token++
			e.evictToken = m.token
			claims = append(claims, claim{e: e, token: m.token, dirty: e.dirty, rev: e.revision})
		}
		el = prev
	}
	m.mu.Unlock()

	var rep EvictionReport
	if len(claims) == 0 {
		return rep, nil
	}

	var wbErrs map[tile.Coord]error
	revisions := make(map[tile.Coord]uint64)
	for _, cl := range claims {
		if cl.dirty {
			revisions[cl.e.coord] = cl.rev
		}
	}
	if len(revisions) > 0 && m.writeBack != nil {
		wbErrs = m.writeBack.WriteBack(ctx, revisions)
	}

	var (
		freed    []*pages.Page
		firstErr error
	)
	m.mu.Lock()
	for _, cl := range claims {
		e := cl.e
		if e.state != Evicting || e.evictToken != cl.token {
			rep.Kept = append(rep.Kept, e.coord)
			continue
		}
		if m.writeBack != nil && e.dirty {
			err := wbErrs[e.coord]
			if err == nil {
				err = ctx.Err()
			}
			if err == nil {
				err = fmt.Errorf("residency: %s changed during write-back", e.coord)
			}
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Warn("residency: write-back failed, keeping tile resident",
				"tile", e.coord.String(), "err", err)
			m.restoreLocked(e)
			rep.Kept = append(rep.Kept, e.coord)
			continue
		}
		if cl.dirty {
			if m.writeBack != nil {
				m.writeBacks++
			} else {
				m.logger.Debug("residency: discarding unpersisted tile", "tile", e.coord.String())
			}
		}

		freed = append(freed, e.page)
		e.page = nil
		e.state = Unmapped
		e.dirty = false
		m.held -= m.pageBytes
		m.evictions++
		ch := e.settled
		e.settled = nil
		close(ch)
		m.forgetLocked(e)
		rep.Evicted = append(rep.Evicted, e.coord)
		rep.FreedBytes += m.pageBytes
	}
	if len(rep.Evicted) > 0 && m.onEvicted != nil {
		m.onEvicted(rep.Evicted)
	}
	m.mu.Unlock()

	for _, p := range freed {
		m.alloc.Free(p)
	}
	if len(rep.Evicted) > 0 {
		m.logger.Debug("residency: evicted tiles", "count", len(rep.Evicted), "kept", len(rep.Kept))
	}
	return rep, firstErr
}

// rescueLocked returns an Evicting tile to Resident and invalidates its claim.
func (m *Manager) rescueLocked(e *entry) {
	m.token++
	e.evictToken = m.token
	m.restoreLocked(e)
	m.touchLocked(e)
}

// restoreLocked returns an Evicting tile to Resident at the LRU tail.
func (m *Manager) restoreLocked(e *entry) {
	e.state = Resident
	if e.lru == nil {
		e.lru = m.lruList.PushBack(e)
	}
	if e.settled != nil {
		close(e.settled)
		e.settled = nil
	}
}

// MarkDirty flags Resident tiles as diverged from their persisted version
// and returns the new content revision of each. Tiles that are not
// Resident are skipped.
func (m *Manager) MarkDirty(coords []tile.Coord) map[tile.Coord]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[tile.Coord]uint64, len(coords))
	for _, c := range coords {
		e, ok := m.table[c]
		if !ok || e.state != Resident {
			continue
		}
		e.dirty = true
		e.revision++
		m.touchLocked(e)
		out[c] = e.revision
	}
	return out
}

// Committed records that revision of c was persisted as version. The dirty
// flag is cleared only if the content has not changed since.
func (m *Manager) Committed(c tile.Coord, version, revision uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.table[c]
	if !ok {
		return
	}
	e.version = max(e.version, version)
	if e.revision == revision {
		e.dirty = false
		e.writeErr = nil
	}
}

// WriteFailed flags c after its write exhausted retries. The tile stays dirty.
func (m *Manager) WriteFailed(c tile.Coord, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeFailures++
	if e, ok := m.table[c]; ok {
		e.writeErr = err
	}
}

// SetVersion records the persisted version of c discovered on load.
func (m *Manager) SetVersion(c tile.Coord, version uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.table[c]; ok {
		e.version = max(e.version, version)
	}
}

// Page returns the backing page of c if it is Resident.
func (m *Manager) Page(c tile.Coord) (*pages.Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.table[c]
	if !ok || e.state != Resident {
		return nil, false
	}
	return e.page, true
}

// Info returns the residency record of c. Unknown tiles report Unmapped.
func (m *Manager) Info(c tile.Coord) TileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.table[c]; ok {
		return e.info()
	}
	return TileInfo{Coord: c, State: Unmapped}
}

// Resident returns the Resident coordinates in sorted order.
func (m *Manager) Resident() []tile.Coord {
	m.mu.Lock()
	out := make([]tile.Coord, 0, m.lruList.Len())
	for el := m.lruList.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).coord)
	}
	m.mu.Unlock()
	tile.SortCoords(out)
	return out
}

// Stats returns a summary of the table.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		BudgetBytes:   m.budget,
		ResidentBytes: m.held,
		ReservedBytes: m.reserved,
		Tiles:         len(m.table),
		Admissions:    m.admissions,
		Evictions:     m.evictions,
		WriteBacks:    m.writeBacks,
		AllocFailures: m.allocFailures,
		WriteFailures: m.writeFailures,
	}
	for _, e := range m.table {
		switch e.state {
		case Resident:
			s.Resident++
		case Pending:
			s.Pending++
		case Evicting:
			s.Evicting++
		}
		if e.dirty {
			s.Dirty++
		}
		if e.refs > 0 {
			s.Retained++
		}
	}
	return s
}

// Close writes back every dirty Resident tile, frees all pages and rejects
// further admissions. Tiles whose write-back fails are reported in the
// returned error; their pages are freed regardless.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	rep, err := m.evict(ctx, -1, true)

	m.mu.Lock()
	var leftover []*pages.Page
	for _, e := range m.table {
		if e.page != nil && e.state == Resident {
			leftover = append(leftover, e.page)
			if e.lru != nil {
				m.lruList.Remove(e.lru)
				e.lru = nil
			}
			e.page = nil
			e.state = Unmapped
			m.held -= m.pageBytes
		}
	}
	m.mu.Unlock()
	for _, p := range leftover {
		m.alloc.Free(p)
	}
	if len(leftover) > 0 {
		m.logger.Warn("residency: freed tiles with unpersisted content on close",
			"count", len(leftover), "evicted", len(rep.Evicted))
	}
	return err
}

// entryLocked returns the entry of c, creating an Unmapped one.
func (m *Manager) entryLocked(c tile.Coord) *entry {
	e, ok := m.table[c]
	if !ok {
		e = &entry{coord: c}
		m.table[c] = e
	}
	return e
}

func (m *Manager) touchLocked(e *entry) {
	m.tick++
	e.lastAccess = m.tick
	if e.lru != nil {
		m.lruList.MoveToFront(e.lru)
	}
}

// forgetLocked drops entries that carry no information.
func (m *Manager) forgetLocked(e *entry) {
	if e.state == Unmapped && e.refs == 0 && e.pins == 0 && !e.dirty && e.version == 0 && e.writeErr == nil {
		delete(m.table, e.coord)
	}
}
