package persist

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gogpu/tilecanvas/internal/cache"
	"github.com/gogpu/tilecanvas/tile"
)

// Store errors.
var (
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("persist: store closed")

	// ErrWriteFailed is returned when a write exhausted its retries.
	ErrWriteFailed = errors.New("persist: write failed")
)

// Default store settings.
const (
	// DefaultRetryAttempts is the number of attempts per write or read.
	DefaultRetryAttempts = 3

	// DefaultRetryBackoff is the delay before the second attempt.
	// Each following attempt doubles it.
	DefaultRetryBackoff = 10 * time.Millisecond

	// DefaultLoadParallelism bounds concurrent record reads in Load.
	DefaultLoadParallelism = 4

	// DefaultCacheBytes bounds the decoded records kept for reloads.
	DefaultCacheBytes = 16 << 20

	dirPerm = 0o755
)

// Committer receives the outcome of each write.
type Committer interface {
	// Committed is called after revision of c was durably published as version.
	Committed(c tile.Coord, version, revision uint64)

	// WriteFailed is called after a write exhausted its retries.
	WriteFailed(c tile.Coord, err error)
}

// Payload is the content of one tile to be saved.
type Payload struct {
	Data []byte

	// Revision identifies the in-memory content Data was taken from.
	// It is passed back to Committer.Committed unchanged.
	Revision uint64
}

// Result is the outcome of saving one tile.
type Result struct {
	Version uint64
	Err     error
}

// LoadResult is the outcome of loading one tile.
// A tile without a usable record has Found == false; Err is set when the
// record exists but is corrupt or unreadable.
type LoadResult struct {
	Data    []byte
	Version uint64
	Found   bool
	Err     error
}

// Config configures a Store.
type Config struct {
	// Dir is the store root. Required.
	Dir string

	// RegionTiles is the region edge in tiles. Defaults to tile.DefaultRegionTiles.
	RegionTiles int

	// Codec compresses payloads. Required.
	Codec Codec

	// Committer is notified of write outcomes. Optional.
	Committer Committer

	// RetryAttempts and RetryBackoff bound retries of failed I/O.
	RetryAttempts int
	RetryBackoff  time.Duration

	// WriteLimit paces record writes across all tiles. Zero disables pacing.
	WriteLimit rate.Limit

	// CacheBytes bounds the cache of decoded records served to Load.
	// Zero selects DefaultCacheBytes; a negative value disables the cache.
	CacheBytes int

	// FS overrides the filesystem. Defaults to OSFS.
	FS FS

	// Logger receives diagnostics. Defaults to a discarding logger.
	Logger *slog.Logger
}

// Store persists tile payloads as versioned records.
//
// Store is safe for concurrent use.
type Store struct {
	layout  layout
	fs      FS
	codec   Codec
	commit  Committer
	limiter *rate.Limiter
	retries int
	backoff time.Duration
	logger  *slog.Logger
	records *cache.Cache[recordKey, []byte]

	mu       sync.Mutex
	queues   map[tile.Coord]*writeQueue
	versions map[tile.Coord]uint64
	closed   bool

	// active counts tiles with a running drain goroutine; idle channels
	// are closed when it drops to zero.
	active int
	idle   []chan struct{}
}

// recordKey names one published version of a tile. Published versions are
// immutable, so cached data never goes stale.
type recordKey struct {
	coord   tile.Coord
	version uint64
}

// writeQueue is the FIFO of pending writes for one tile.
type writeQueue struct {
	jobs []*writeJob
}

type writeJob struct {
	ctx     context.Context
	coord   tile.Coord
	payload Payload
	done    chan Result
}

// Open creates a Store rooted at cfg.Dir and removes temporary files left by
// interrupted writes.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("persist: empty store directory")
	}
	if cfg.Codec == nil {
		return nil, errors.New("persist: nil codec")
	}
	if cfg.RegionTiles <= 0 {
		cfg.RegionTiles = tile.DefaultRegionTiles
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.FS == nil {
		cfg.FS = OSFS{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.CacheBytes == 0 {
		cfg.CacheBytes = DefaultCacheBytes
	}

	s := &Store{
		layout:   layout{root: cfg.Dir, regionTiles: cfg.RegionTiles},
		fs:       cfg.FS,
		codec:    cfg.Codec,
		commit:   cfg.Committer,
		retries:  cfg.RetryAttempts,
		backoff:  cfg.RetryBackoff,
		logger:   cfg.Logger,
		records:  cache.New[recordKey](cfg.CacheBytes, func(b []byte) int { return len(b) }),
		queues:   make(map[tile.Coord]*writeQueue),
		versions: make(map[tile.Coord]uint64),
	}
	if cfg.WriteLimit > 0 {
		s.limiter = rate.NewLimiter(cfg.WriteLimit, 1)
	}

	if err := s.fs.MkdirAll(cfg.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("persist: create %s: %w", cfg.Dir, err)
	}
	if _, ok := s.fs.(OSFS); ok {
		s.sweepTemps()
	}
	return s, nil
}

// sweepTemps removes unpublished temporary records.
func (s *Store) sweepTemps() {
	_ = filepath.WalkDir(s.layout.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && isTemp(d.Name()) {
			if rerr := s.fs.Remove(path); rerr == nil {
				s.logger.Debug("persist: removed stale temp record", "path", path)
			}
		}
		return nil
	})
}

// Pending is a batch of writes submitted to a Store.
type Pending struct {
	jobs    []*writeJob
	results map[tile.Coord]Result
}

// Wait blocks until every write of the batch has finished or ctx is done,
// and returns the outcome per tile. Writes still running when ctx is done
// are reported with ctx.Err(); they continue in the background and observe
// their own submission context.
func (p *Pending) Wait(ctx context.Context) map[tile.Coord]Result {
	for _, j := range p.jobs {
		select {
		case r := <-j.done:
			p.results[j.coord] = r
		case <-ctx.Done():
			if _, ok := p.results[j.coord]; !ok {
				p.results[j.coord] = Result{Err: ctx.Err()}
			}
		}
	}
	p.jobs = nil
	return p.results
}

// Submit queues each payload as the next version of its tile and returns
// without waiting. Writes observe ctx: a write cancelled before publication
// leaves no record behind and the previous version remains current.
//
// Writes to one tile are applied in the order they were submitted.
func (s *Store) Submit(ctx context.Context, tiles map[tile.Coord]Payload) *Pending {
	p := &Pending{results: make(map[tile.Coord]Result, len(tiles))}

	coords := make([]tile.Coord, 0, len(tiles))
	for c := range tiles {
		coords = append(coords, c)
	}
	tile.SortCoords(coords)

	for _, c := range coords {
		j := &writeJob{ctx: ctx, coord: c, payload: tiles[c], done: make(chan Result, 1)}
		if err := s.enqueue(j); err != nil {
			p.results[c] = Result{Err: err}
			continue
		}
		p.jobs = append(p.jobs, j)
	}
	return p
}

// Save submits the payloads and waits for them. See Submit and Pending.Wait.
func (s *Store) Save(ctx context.Context, tiles map[tile.Coord]Payload) map[tile.Coord]Result {
	return s.Submit(ctx, tiles).Wait(ctx)
}

func (s *Store) enqueue(j *writeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if q, ok := s.queues[j.coord]; ok {
		q.jobs = append(q.jobs, j)
		return nil
	}
	q := &writeQueue{jobs: []*writeJob{j}}
	s.queues[j.coord] = q
	s.active++
	go s.drain(j.coord, q)
	return nil
}

// drain executes the writes queued for c one at a time.
func (s *Store) drain(c tile.Coord, q *writeQueue) {
	for {
		s.mu.Lock()
		if len(q.jobs) == 0 {
			delete(s.queues, c)
			s.active--
			if s.active == 0 {
				for _, w := range s.idle {
					close(w)
				}
				s.idle = nil
			}
			s.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		s.mu.Unlock()

		j.done <- s.write(j)
	}
}

// write performs one job with bounded retries.
func (s *Store) write(j *writeJob) Result {
	ctx, c := j.ctx, j.coord
	if err := ctx.Err(); err != nil {
		return Result{Err: err}
	}
	compressed, err := s.codec.Compress(j.payload.Data)
	if err != nil {
		return s.fail(c, fmt.Errorf("%w: compress %s: %w", ErrWriteFailed, c, err))
	}

	var lastErr error
	for attempt := range s.retries {
		if attempt > 0 {
			if err := sleep(ctx, s.backoff<<(attempt-1)); err != nil {
				return Result{Err: err}
			}
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return Result{Err: err}
			}
		}
		v, err := s.publish(ctx, c, j.payload.Data, compressed)
		if err == nil {
			if s.commit != nil {
				s.commit.Committed(c, v, j.payload.Revision)
			}
			return Result{Version: v}
		}
		if ctx.Err() != nil {
			return Result{Err: ctx.Err()}
		}
		lastErr = err
		s.logger.Warn("persist: write attempt failed",
			"tile", c.String(), "attempt", attempt+1, "err", err)
	}
	return s.fail(c, fmt.Errorf("%w: %s after %d attempts: %w", ErrWriteFailed, c, s.retries, lastErr))
}

func (s *Store) fail(c tile.Coord, err error) Result {
	s.logger.Error("persist: giving up on tile", "tile", c.String(), "err", err)
	if s.commit != nil {
		s.commit.WriteFailed(c, err)
	}
	return Result{Err: err}
}

// publish writes the next version of c atomically and returns it.
func (s *Store) publish(ctx context.Context, c tile.Coord, raw, compressed []byte) (uint64, error) {
	prev, err := s.currentVersion(c)
	if err != nil {
		return 0, err
	}
	v := prev + 1
	dir := s.layout.dir(c)
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}

	f, err := s.fs.CreateTemp(dir, tempPattern(c, v))
	if err != nil {
		return 0, fmt.Errorf("create temp record: %w", err)
	}
	tmp := f.Name()
	rec := Record{Coord: c, Version: v, RawLen: len(raw), Payload: compressed}
	_, err = f.Write(rec.encode())
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return 0, err
	}

	final := s.layout.path(c, v)
	if err := s.fs.Rename(tmp, final); err != nil {
		_ = s.fs.Remove(tmp)
		return 0, fmt.Errorf("publish %s: %w", final, err)
	}
	if err := s.fs.SyncDir(dir); err != nil {
		s.logger.Warn("persist: directory sync failed", "dir", dir, "err", err)
	}

	s.mu.Lock()
	s.versions[c] = v
	s.mu.Unlock()
	s.removeOlder(c, v)
	return v, nil
}

// currentVersion returns the latest published version of c.
func (s *Store) currentVersion(c tile.Coord) (uint64, error) {
	s.mu.Lock()
	v, ok := s.versions[c]
	s.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := s.layout.latest(s.fs, c)
	if err != nil {
		return 0, fmt.Errorf("scan versions of %s: %w", c, err)
	}
	s.mu.Lock()
	s.versions[c] = max(s.versions[c], v)
	v = s.versions[c]
	s.mu.Unlock()
	return v, nil
}

// removeOlder deletes versions of c below keep. Failures are harmless:
// readers always pick the highest version.
func (s *Store) removeOlder(c tile.Coord, keep uint64) {
	vs, err := s.layout.versions(s.fs, c)
	if err != nil {
		return
	}
	for _, v := range vs {
		if v < keep {
			_ = s.fs.Remove(s.layout.path(c, v))
			s.records.Delete(recordKey{c, v})
		}
	}
}

// Version returns the latest published version of c, or 0 if none exists.
func (s *Store) Version(c tile.Coord) (uint64, error) {
	return s.currentVersion(c)
}

// Load reads the latest record of each coordinate.
// Each coordinate gets an entry in the returned map.
func (s *Store) Load(ctx context.Context, coords []tile.Coord) map[tile.Coord]LoadResult {
	results := make(map[tile.Coord]LoadResult, len(coords))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultLoadParallelism)
	for _, c := range coords {
		g.Go(func() error {
			r := s.loadOne(gctx, c)
			mu.Lock()
			results[c] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Store) loadOne(ctx context.Context, c tile.Coord) LoadResult {
	var lastErr error
	for attempt := range s.retries {
		if attempt > 0 {
			if err := sleep(ctx, s.backoff<<(attempt-1)); err != nil {
				return LoadResult{Err: err}
			}
		}
		if err := ctx.Err(); err != nil {
			return LoadResult{Err: err}
		}

		v, err := s.layout.latest(s.fs, c)
		if err != nil {
			lastErr = err
			continue
		}
		if v == 0 {
			return LoadResult{}
		}
		if data, ok := s.records.Get(recordKey{c, v}); ok {
			return LoadResult{Data: slices.Clone(data), Version: v, Found: true}
		}
		buf, err := s.fs.ReadFile(s.layout.path(c, v))
		if errors.Is(err, fs.ErrNotExist) {
			// Superseded between listing and reading; list again.
			lastErr = err
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		return s.decode(c, v, buf)
	}
	if errors.Is(lastErr, fs.ErrNotExist) {
		return LoadResult{}
	}
	return LoadResult{Err: fmt.Errorf("persist: load %s: %w", c, lastErr)}
}

func (s *Store) decode(c tile.Coord, v uint64, buf []byte) LoadResult {
	rec, err := decodeRecord(buf)
	if err == nil && (rec.Coord != c || rec.Version != v) {
		err = fmt.Errorf("%w: record holds %s v%d", ErrCorrupt, rec.Coord, rec.Version)
	}
	var data []byte
	if err == nil {
		data, err = s.codec.Decompress(rec.Payload)
	}
	if err == nil && len(data) != rec.RawLen {
		err = fmt.Errorf("%w: payload is %d bytes, header says %d", ErrCorrupt, len(data), rec.RawLen)
	}
	if err != nil {
		s.logger.Warn("persist: discarding unreadable record", "tile", c.String(), "version", v, "err", err)
		return LoadResult{Err: fmt.Errorf("persist: load %s: %w", c, err)}
	}

	s.mu.Lock()
	s.versions[c] = max(s.versions[c], v)
	s.mu.Unlock()
	s.records.Set(recordKey{c, v}, slices.Clone(data))
	return LoadResult{Data: data, Version: v, Found: true}
}

// CacheStats reports the decoded-record cache counters.
func (s *Store) CacheStats() cache.Stats {
	return s.records.Stats()
}

// Wait blocks until all queued writes have finished or ctx is done.
func (s *Store) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.active == 0 {
		s.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	s.idle = append(s.idle, done)
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new writes and waits for queued writes to finish.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Wait(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
