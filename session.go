package tilecanvas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"seehuhn.de/go/geom/vec"

	"github.com/gogpu/tilecanvas/internal/cache"
	"github.com/gogpu/tilecanvas/internal/geometry"
	"github.com/gogpu/tilecanvas/internal/parallel"
	"github.com/gogpu/tilecanvas/internal/persist"
	"github.com/gogpu/tilecanvas/internal/residency"
	"github.com/gogpu/tilecanvas/internal/tilebuf"
	"github.com/gogpu/tilecanvas/pages"
	"github.com/gogpu/tilecanvas/tile"
)

// Session errors.
var (
	// ErrStrokeActive is returned by BeginStroke while another stroke is open.
	ErrStrokeActive = errors.New("tilecanvas: stroke already active")

	// ErrNoActiveStroke is returned by UpdateStroke and EndStroke when no
	// stroke is open.
	ErrNoActiveStroke = errors.New("tilecanvas: no active stroke")

	// ErrInvalidConfig is returned by NewSession for unusable settings.
	ErrInvalidConfig = tile.ErrInvalidConfig
)

// Re-exported component types.
type (
	// Sample is one input point: position in canvas pixels, pressure,
	// sequence number and timestamp.
	Sample = geometry.Sample

	// Codec compresses persisted tile payloads.
	Codec = persist.Codec

	// TileState is the paging state of a tile.
	TileState = residency.State

	// Admission reports which tiles an admission made resident.
	Admission = residency.Admission

	// EvictionReport reports the outcome of an eviction pass.
	EvictionReport = residency.EvictionReport
)

// Tile paging states.
const (
	Unmapped = residency.Unmapped
	Pending  = residency.Pending
	Resident = residency.Resident
	Evicting = residency.Evicting
)

// NewSample returns a sample at canvas position (x, y).
func NewSample(x, y, pressure float64, seq uint64) Sample {
	return Sample{Point: vec.Vec2{X: x, Y: y}, Pressure: pressure, Seq: seq}
}

// State is the lifecycle state of a Session.
type State uint8

const (
	// Idle sessions accept BeginStroke.
	Idle State = iota

	// StrokeActive sessions have one open stroke.
	StrokeActive

	// Invalidated sessions ignore every call. The state is terminal.
	Invalidated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case StrokeActive:
		return "StrokeActive"
	case Invalidated:
		return "Invalidated"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Commit describes the outcome of EndStroke.
type Commit struct {
	// StrokeID identifies the stroke.
	StrokeID uuid.UUID

	// Touched lists every tile the stroke's geometry overlaps.
	Touched []tile.Coord

	// Admitted lists the touched tiles that were made resident, drawn and
	// marked dirty.
	Admitted []tile.Coord

	// Failed maps touched tiles that could not be committed to the reason.
	Failed map[tile.Coord]error

	// Segments is the number of geometry segments drawn.
	Segments int

	// Dropped counts malformed samples; Discarded counts samples with a
	// non-advancing sequence number.
	Dropped   int
	Discarded int
}

// stroke is the transaction of the open stroke. Its geometry state is only
// touched on the geometry worker.
type stroke struct {
	id       uuid.UUID
	geo      *geometry.Stroke
	segments []geometry.Segment

	// closing is set under Session.mu once EndStroke has taken the stroke.
	closing bool

	// finished is set on the geometry worker after the final flush.
	finished bool
}

func (st *stroke) absorb(out geometry.Output) {
	st.segments = append(st.segments, out.Segments...)
}

// Session manages the tiles of one canvas.
//
// All methods are safe for concurrent use. At most one stroke is open at a
// time.
type Session struct {
	cfg    tile.Config
	logger *slog.Logger

	// ctx is cancelled by Invalidate; every suspending call observes it.
	ctx    context.Context
	cancel context.CancelFunc

	geometry  *geometry.Processor
	geoWorker *parallel.Serial
	uploads   *parallel.Pool
	residency *residency.Manager
	allocator pages.Allocator
	uploader  pages.Uploader
	store     *persist.Store
	ownCodec  *persist.Zstd
	buffers   *tilebuf.Buffers

	mu      sync.Mutex
	state   State
	stroke  *stroke
	visible tile.Set
	closed  bool
}

// NewSession creates a session for the canvas described by cfg.
func NewSession(cfg tile.Config, opts ...Option) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = Logger()
	}
	if cfg.PersistenceEnabled && o.storeDir == "" {
		return nil, fmt.Errorf("%w: persistence enabled without a store directory", ErrInvalidConfig)
	}
	if o.allocator == nil {
		o.allocator = pages.NewHeap(cfg.PageBytes(), 0)
	}
	if got, want := o.allocator.PageBytes(), cfg.PageBytes(); got != want {
		return nil, fmt.Errorf("%w: allocator pages are %d bytes, canvas tiles need %d",
			ErrInvalidConfig, got, want)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		logger:    o.logger,
		ctx:       ctx,
		cancel:    cancel,
		allocator: o.allocator,
		buffers:   tilebuf.New(cfg.TileSize),
		geoWorker: parallel.NewSerial(0),
		uploads:   parallel.NewPool(0),
		visible:   tile.NewSet(),
		geometry: geometry.NewProcessor(geometry.Config{
			Canvas: cfg,
			Width:  o.brushWidth,
			Logger: o.logger.With("component", "geometry"),
		}),
	}
	if u, ok := o.allocator.(pages.Uploader); ok {
		s.uploader = u
	}

	rcfg := residency.Config{
		BudgetBytes:      cfg.MemoryBudgetBytes,
		Allocator:        o.allocator,
		OnEvicted:        s.dropBuffers,
		AdmitParallelism: o.admitParallelism,
		Logger:           o.logger.With("component", "residency"),
	}
	if cfg.PersistenceEnabled {
		if err := s.openStore(o); err != nil {
			s.shutdown()
			return nil, err
		}
		rcfg.WriteBack = writeBack{s}
	}

	mgr, err := residency.NewManager(rcfg)
	if err != nil {
		s.shutdown()
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	s.residency = mgr

	s.logger.Info("tilecanvas: session created",
		"width", cfg.Width, "height", cfg.Height,
		"tile", cfg.TileSize, "budget_pages", cfg.BudgetPages(),
		"persistence", cfg.PersistenceEnabled)
	return s, nil
}

func (s *Session) openStore(o options) error {
	codec := o.codec
	if codec == nil {
		z, err := persist.NewZstd()
		if err != nil {
			return err
		}
		s.ownCodec = z
		codec = z
	}
	store, err := persist.Open(persist.Config{
		Dir:           o.storeDir,
		RegionTiles:   s.cfg.RegionTiles,
		Codec:         codec,
		Committer:     committer{s},
		RetryAttempts: o.retryAttempts,
		RetryBackoff:  o.retryBackoff,
		WriteLimit:    o.writeRate,
		FS:            o.storeFS,
		Logger:        o.logger.With("component", "persist"),
	})
	if err != nil {
		return err
	}
	s.store = store
	return nil
}

// committer forwards write outcomes to the residency table.
type committer struct{ s *Session }

func (c committer) Committed(t tile.Coord, version, revision uint64) {
	c.s.residency.Committed(t, version, revision)
}

func (c committer) WriteFailed(t tile.Coord, err error) {
	c.s.residency.WriteFailed(t, err)
}

// writeBack persists dirty tiles for the residency manager.
type writeBack struct{ s *Session }

func (w writeBack) WriteBack(ctx context.Context, revisions map[tile.Coord]uint64) map[tile.Coord]error {
	errs := make(map[tile.Coord]error)
	payloads := make(map[tile.Coord]persist.Payload, len(revisions))
	for c, rev := range revisions {
		data, ok := w.s.buffers.Snapshot(c)
		if !ok {
			errs[c] = fmt.Errorf("tilecanvas: no content for dirty tile %s", c)
			continue
		}
		payloads[c] = persist.Payload{Data: data, Revision: rev}
	}
	for c, r := range w.s.store.Save(ctx, payloads) {
		if r.Err != nil {
			errs[c] = r.Err
		}
	}
	return errs
}

// dropBuffers releases CPU content of evicted tiles.
func (s *Session) dropBuffers(coords []tile.Coord) {
	for _, c := range coords {
		s.buffers.Drop(c)
	}
}

// join returns a context cancelled when either ctx or the session is.
func (s *Session) join(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsInvalidated reports whether Invalidate or Close has been called.
func (s *Session) IsInvalidated() bool {
	return s.State() == Invalidated
}

// Config returns the canvas configuration with defaults applied.
func (s *Session) Config() tile.Config {
	return s.cfg
}

// BeginStroke opens a stroke on layer and processes its first samples.
// It returns ErrStrokeActive if a stroke is already open and does nothing
// on an invalidated session.
func (s *Session) BeginStroke(ctx context.Context, layer int, samples []Sample) error {
	s.mu.Lock()
	switch s.state {
	case Invalidated:
		s.mu.Unlock()
		return nil
	case StrokeActive:
		s.mu.Unlock()
		return ErrStrokeActive
	}
	st := &stroke{id: uuid.New(), geo: s.geometry.Begin(layer)}
	s.stroke = st
	s.state = StrokeActive
	s.mu.Unlock()

	s.logger.Debug("tilecanvas: stroke begun", "stroke", st.id, "layer", layer)
	return s.feed(ctx, st, samples)
}

// UpdateStroke processes further samples of the open stroke. Batches are
// processed in call order. It does nothing on an invalidated session.
// Samples submitted once EndStroke has started are rejected with
// ErrNoActiveStroke.
func (s *Session) UpdateStroke(ctx context.Context, samples []Sample) error {
	st, ok, err := s.current(false)
	if !ok {
		return err
	}
	return s.feed(ctx, st, samples)
}

// current returns the open stroke; with take set it also marks the stroke
// as closing. ok is false when the caller should return err immediately
// (nil on an invalidated session).
func (s *Session) current(take bool) (st *stroke, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Invalidated:
		return nil, false, nil
	case Idle:
		return nil, false, ErrNoActiveStroke
	}
	if s.stroke.closing {
		return nil, false, ErrNoActiveStroke
	}
	if take {
		s.stroke.closing = true
	}
	return s.stroke, true, nil
}

// feed runs one sample batch through the geometry worker.
func (s *Session) feed(ctx context.Context, st *stroke, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	batch := append([]Sample(nil), samples...)
	ctx, done := s.join(ctx)
	defer done()

	var late bool
	err := s.geoWorker.Do(ctx, func() {
		if st.finished {
			late = true
			return
		}
		st.absorb(s.geometry.Process(st.geo, batch))
	})
	if err == nil && late {
		err = ErrNoActiveStroke
	}
	return s.quiet(err)
}

// quiet maps errors caused by invalidation to nil.
func (s *Session) quiet(err error) error {
	if err != nil && s.IsInvalidated() {
		return nil
	}
	return err
}

// EndStroke flushes the open stroke, admits and draws its tiles, marks them
// dirty and starts a background save. The returned Commit lists the tiles
// that were committed and those that failed; the error is non-nil only if
// nothing could be committed. It does nothing on an invalidated session.
func (s *Session) EndStroke(ctx context.Context) (*Commit, error) {
	st, ok, err := s.current(true)
	if !ok {
		return nil, err
	}
	defer s.closeStroke(st)

	ctx, done := s.join(ctx)
	defer done()

	if err := s.geoWorker.Do(ctx, func() {
		st.finished = true
		st.absorb(s.geometry.Finish(st.geo))
	}); err != nil {
		return nil, s.quiet(err)
	}

	commit, err := s.commit(ctx, st)
	if err != nil {
		if s.quiet(err) == nil {
			return nil, nil
		}
		return commit, err
	}
	s.logger.Debug("tilecanvas: stroke committed", "stroke", st.id,
		"tiles", len(commit.Admitted), "failed", len(commit.Failed), "segments", commit.Segments)
	return commit, nil
}

// closeStroke returns the session to Idle if st is still the open stroke.
func (s *Session) closeStroke(st *stroke) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stroke == st {
		s.stroke = nil
		if s.state == StrokeActive {
			s.state = Idle
		}
	}
}

// commit applies the finished stroke to its tiles.
func (s *Session) commit(ctx context.Context, st *stroke) (*Commit, error) {
	touched := st.geo.Touched().Slice()
	c := &Commit{
		StrokeID:  st.id,
		Touched:   touched,
		Failed:    make(map[tile.Coord]error),
		Segments:  len(st.segments),
		Dropped:   st.geo.Dropped(),
		Discarded: st.geo.Discarded(),
	}
	if len(touched) == 0 {
		return c, nil
	}

	// Pin the tiles so an eviction pass cannot reclaim them mid-commit.
	s.residency.RetainTiles(touched)
	defer s.residency.ReleaseTiles(touched)

	adm, err := s.residency.MakeResident(ctx, touched)
	for t, ferr := range adm.Failed {
		c.Failed[t] = ferr
	}
	if err != nil {
		return c, err
	}

	s.loadContent(ctx, adm.Admitted)
	only := tile.NewSet(adm.Admitted...)
	for _, seg := range st.segments {
		s.buffers.Draw(seg, only)
	}

	uploadErrs, err := s.uploadAll(ctx, adm.Admitted)
	if err != nil {
		return c, err
	}
	for i, t := range adm.Admitted {
		if uploadErrs[i] != nil {
			c.Failed[t] = uploadErrs[i]
			continue
		}
		c.Admitted = append(c.Admitted, t)
	}
	if len(c.Admitted) == 0 {
		return c, fmt.Errorf("tilecanvas: stroke %s: no tile committed", st.id)
	}

	revs := s.residency.MarkDirty(c.Admitted)
	s.saveInBackground(revs)
	return c, nil
}

// loadContent makes sure every admitted tile has CPU content, restoring
// persisted records where they exist.
func (s *Session) loadContent(ctx context.Context, coords []tile.Coord) {
	var missing []tile.Coord
	for _, c := range coords {
		if !s.buffers.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return
	}
	if s.store == nil {
		for _, c := range missing {
			s.buffers.Ensure(c)
		}
		return
	}

	for c, r := range s.store.Load(ctx, missing) {
		switch {
		case r.Found:
			if err := s.buffers.Restore(c, r.Data); err != nil {
				s.logger.Warn("tilecanvas: persisted tile has wrong size, starting blank",
					"tile", c.String(), "err", err)
				s.buffers.Ensure(c)
				continue
			}
			s.residency.SetVersion(c, r.Version)
			s.logger.Debug("tilecanvas: restored tile", "tile", c.String(), "version", r.Version)
		case r.Err != nil:
			s.logger.Warn("tilecanvas: could not load tile, starting blank",
				"tile", c.String(), "err", r.Err)
			s.buffers.Ensure(c)
		default:
			s.buffers.Ensure(c)
		}
	}
}

// uploadAll uploads coords on the upload pool and returns one error slot
// per coordinate.
func (s *Session) uploadAll(ctx context.Context, coords []tile.Coord) ([]error, error) {
	errs := make([]error, len(coords))
	if s.uploader == nil {
		return errs, nil
	}
	tasks := make([]func(), len(coords))
	for i, t := range coords {
		tasks[i] = func() { errs[i] = s.upload(t) }
	}
	if err := s.uploads.Run(ctx, tasks); err != nil {
		return nil, err
	}
	return errs, nil
}

// upload copies the CPU content of t into its backing page.
func (s *Session) upload(t tile.Coord) error {
	if s.uploader == nil {
		return nil
	}
	page, ok := s.residency.Page(t)
	if !ok {
		return fmt.Errorf("tilecanvas: tile %s lost residency before upload", t)
	}
	coverage, ok := s.buffers.Snapshot(t)
	if !ok {
		return fmt.Errorf("tilecanvas: tile %s has no content", t)
	}
	texels, err := pages.EncodeCoverage(s.cfg.PixelFormat, coverage)
	if err != nil {
		return err
	}
	return s.uploader.Upload(page, texels)
}

// saveInBackground queues the given revisions for persistence. The writes
// run under the session context, so Invalidate cancels them.
func (s *Session) saveInBackground(revs map[tile.Coord]uint64) {
	if s.store == nil || len(revs) == 0 {
		return
	}
	payloads := make(map[tile.Coord]persist.Payload, len(revs))
	for c, rev := range revs {
		if data, ok := s.buffers.Snapshot(c); ok {
			payloads[c] = persist.Payload{Data: data, Revision: rev}
		}
	}
	pending := s.store.Submit(s.ctx, payloads)
	go func() {
		for c, r := range pending.Wait(s.ctx) {
			if r.Err != nil && s.ctx.Err() == nil {
				s.logger.Warn("tilecanvas: background save failed", "tile", c.String(), "err", r.Err)
			}
		}
	}()
}

// Invalidate cancels the open stroke and all in-flight admissions,
// evictions and saves, and turns every later call into a no-op.
// Calling it again has no effect.
func (s *Session) Invalidate() {
	s.mu.Lock()
	if s.state == Invalidated {
		s.mu.Unlock()
		return
	}
	s.state = Invalidated
	s.stroke = nil
	s.mu.Unlock()

	s.cancel()
	s.logger.Info("tilecanvas: session invalidated")
}

// RetainTiles increments the reference count of coords. Retained tiles are
// never evicted. Admission is separate; see Prefetch.
func (s *Session) RetainTiles(coords []tile.Coord) {
	if s.IsInvalidated() {
		return
	}
	s.residency.RetainTiles(coords)
}

// ReleaseTiles decrements the reference count of coords.
func (s *Session) ReleaseTiles(coords []tile.Coord) {
	if s.IsInvalidated() {
		return
	}
	s.residency.ReleaseTiles(coords)
}

// SetVisible replaces the visible tile set: newly visible tiles are
// retained and tiles no longer visible are released.
func (s *Session) SetVisible(coords []tile.Coord) {
	next := tile.NewSet(coords...)

	s.mu.Lock()
	if s.state == Invalidated {
		s.mu.Unlock()
		return
	}
	var retain, release []tile.Coord
	for c := range next {
		if !s.visible.Has(c) {
			retain = append(retain, c)
		}
	}
	for c := range s.visible {
		if !next.Has(c) {
			release = append(release, c)
		}
	}
	s.visible = next
	// Under s.mu so concurrent SetVisible calls apply in order.
	s.residency.RetainTiles(retain)
	s.residency.ReleaseTiles(release)
	s.mu.Unlock()
}

// Prefetch admits coords and restores their persisted content.
func (s *Session) Prefetch(ctx context.Context, coords []tile.Coord) (Admission, error) {
	if s.IsInvalidated() {
		return Admission{}, nil
	}
	ctx, done := s.join(ctx)
	defer done()

	s.residency.RetainTiles(coords)
	defer s.residency.ReleaseTiles(coords)

	adm, err := s.residency.MakeResident(ctx, coords)
	if err != nil {
		return adm, s.quiet(err)
	}
	s.loadContent(ctx, adm.Admitted)
	errs, err := s.uploadAll(ctx, adm.Admitted)
	if err != nil {
		return adm, s.quiet(err)
	}
	for i, uerr := range errs {
		if uerr != nil {
			s.logger.Warn("tilecanvas: prefetch upload failed", "tile", adm.Admitted[i].String(), "err", uerr)
		}
	}
	return adm, nil
}

// HandleMemoryPressure evicts every unreferenced resident tile, least
// recently used first, writing dirty tiles back before freeing them.
// Call it from an OS or driver memory-pressure notification.
func (s *Session) HandleMemoryPressure(ctx context.Context) (EvictionReport, error) {
	if s.IsInvalidated() {
		return EvictionReport{}, nil
	}
	ctx, done := s.join(ctx)
	defer done()

	rep, err := s.residency.EvictNonVisiblePages(ctx)
	s.logger.Debug("tilecanvas: memory pressure handled",
		"evicted", len(rep.Evicted), "kept", len(rep.Kept), "freed", rep.FreedBytes)
	return rep, s.quiet(err)
}

// Wait blocks until background saves have finished or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Wait(ctx)
}

// Close waits for background saves, writes back every dirty tile, frees
// all pages and invalidates the session.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.residency.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.Invalidate()
	s.shutdown()
	if s.store != nil {
		if err := s.store.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) shutdown() {
	s.cancel()
	s.geoWorker.Close()
	s.uploads.Close()
	if s.ownCodec != nil {
		s.ownCodec.Close()
	}
}

// Stats summarizes the session.
type Stats struct {
	State     State
	Residency residency.Stats

	// Buffered is the number of tiles holding CPU content.
	Buffered int

	// RecordCache reports the decoded-record cache of the tile store.
	// It is zero for sessions without persistence.
	RecordCache cache.Stats
}

// Stats returns a summary of the session.
func (s *Session) Stats() Stats {
	st := Stats{
		State:     s.State(),
		Residency: s.residency.Stats(),
		Buffered:  s.buffers.Len(),
	}
	if s.store != nil {
		st.RecordCache = s.store.CacheStats()
	}
	return st
}

// TileInfo describes one tile.
type TileInfo struct {
	residency.TileInfo

	// HasContent reports whether CPU content is held for the tile.
	HasContent bool
}

// Tile returns the state of one tile.
func (s *Session) Tile(c tile.Coord) TileInfo {
	return TileInfo{
		TileInfo:   s.residency.Info(c),
		HasContent: s.buffers.Has(c),
	}
}

// Coverage returns the drawn coverage of the canvas pixel (x, y) on layer,
// or 0 if its tile holds no content.
func (s *Session) Coverage(layer, x, y int) uint8 {
	ts := s.cfg.TileSize
	c := tile.C(floorDiv(x, ts), floorDiv(y, ts), layer)
	return s.buffers.Coverage(c, x, y)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
