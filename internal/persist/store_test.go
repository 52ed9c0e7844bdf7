package persist

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/tilecanvas/tile"
)

// =============================================================================
// Helpers
// =============================================================================

type commitLog struct {
	mu        sync.Mutex
	committed []commitEntry
	failed    []tile.Coord
}

type commitEntry struct {
	coord    tile.Coord
	version  uint64
	revision uint64
}

func (l *commitLog) Committed(c tile.Coord, version, revision uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.committed = append(l.committed, commitEntry{c, version, revision})
}

func (l *commitLog) WriteFailed(c tile.Coord, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, c)
}

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.Codec == nil {
		z, err := NewZstd()
		if err != nil {
			t.Fatalf("NewZstd: %v", err)
		}
		t.Cleanup(z.Close)
		cfg.Codec = z
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func fill(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

// flakyFS fails the first n renames.
type flakyFS struct {
	OSFS
	failures atomic.Int32
}

func (f *flakyFS) Rename(oldpath, newpath string) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("injected rename failure")
	}
	return f.OSFS.Rename(oldpath, newpath)
}

// gateFS blocks in File.Sync until release is closed.
type gateFS struct {
	OSFS
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

type gateFile struct {
	*os.File
	fs *gateFS
}

func (g *gateFS) CreateTemp(dir, pattern string) (File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return gateFile{File: f, fs: g}, nil
}

func (f gateFile) Sync() error {
	f.fs.once.Do(func() { close(f.fs.started) })
	<-f.fs.release
	return f.File.Sync()
}

func newGateFS() *gateFS {
	return &gateFS{started: make(chan struct{}), release: make(chan struct{})}
}

// =============================================================================
// Save / Load
// =============================================================================

func TestSaveLoadRoundTrip(t *testing.T) {
	log := &commitLog{}
	s := newTestStore(t, Config{Committer: log})
	ctx := context.Background()
	c := tile.C(5, -2, 1)

	res := s.Save(ctx, map[tile.Coord]Payload{c: {Data: fill(1024, 7), Revision: 3}})
	if res[c].Err != nil || res[c].Version != 1 {
		t.Fatalf("first save = %+v, want version 1", res[c])
	}
	res = s.Save(ctx, map[tile.Coord]Payload{c: {Data: fill(1024, 9), Revision: 4}})
	if res[c].Err != nil || res[c].Version != 2 {
		t.Fatalf("second save = %+v, want version 2", res[c])
	}

	got := s.Load(ctx, []tile.Coord{c})[c]
	if !got.Found || got.Err != nil {
		t.Fatalf("Load = %+v, want found", got)
	}
	if got.Version != 2 || !bytes.Equal(got.Data, fill(1024, 9)) {
		t.Errorf("Load version %d, data[0]=%d; want version 2 with latest data", got.Version, got.Data[0])
	}

	// Only the latest version stays on disk.
	vs, err := s.layout.versions(OSFS{}, c)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 1 || vs[0] != 2 {
		t.Errorf("versions on disk = %v, want [2]", vs)
	}

	if len(log.committed) != 2 || log.committed[1] != (commitEntry{c, 2, 4}) {
		t.Errorf("committed = %+v", log.committed)
	}
}

func TestLayoutPaths(t *testing.T) {
	l := layout{root: "/data", regionTiles: 4}
	got := l.path(tile.C(5, -1, 2), 7)
	want := filepath.Join("/data", "L2", "R1_-1", "5_-1.v7.tile")
	if got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t, Config{})
	got := s.Load(context.Background(), []tile.Coord{tile.C(1, 1, 0)})
	r, ok := got[tile.C(1, 1, 0)]
	if !ok {
		t.Fatal("Load omitted the requested coordinate")
	}
	if r.Found || r.Err != nil {
		t.Errorf("Load of missing tile = %+v, want not found without error", r)
	}
}

func TestLoadCorrupt(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	good, bad := tile.C(0, 0, 0), tile.C(1, 0, 0)

	s.Save(ctx, map[tile.Coord]Payload{good: {Data: fill(64, 1)}, bad: {Data: fill(64, 2)}})

	path := s.layout.path(bad, 1)
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	buf[len(buf)-1] ^= 0xff
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	got := s.Load(ctx, []tile.Coord{good, bad})
	if !got[good].Found {
		t.Errorf("intact tile not found: %+v", got[good])
	}
	if got[bad].Found || !errors.Is(got[bad].Err, ErrCorrupt) {
		t.Errorf("corrupt tile = %+v, want not found with ErrCorrupt", got[bad])
	}
}

func TestDecodeRecordRejects(t *testing.T) {
	rec := Record{Coord: tile.C(1, 2, 3), Version: 4, RawLen: 3, Payload: []byte{1, 2, 3}}
	enc := rec.encode()

	tests := []struct {
		name string
		buf  []byte
	}{
		{"short", enc[:10]},
		{"bad magic", append([]byte{'X'}, enc[1:]...)},
		{"truncated payload", enc[:len(enc)-1]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeRecord(tt.buf); !errors.Is(err, ErrCorrupt) {
				t.Errorf("decodeRecord error = %v, want ErrCorrupt", err)
			}
		})
	}

	got, err := decodeRecord(enc)
	if err != nil {
		t.Fatalf("decodeRecord(valid): %v", err)
	}
	if got.Coord != rec.Coord || got.Version != 4 || !bytes.Equal(got.Payload, rec.Payload) {
		t.Errorf("decoded %+v, want %+v", got, rec)
	}
}

// =============================================================================
// Failure handling
// =============================================================================

func TestSaveRetriesTransientFailure(t *testing.T) {
	fsys := &flakyFS{}
	fsys.failures.Store(2)
	log := &commitLog{}
	s := newTestStore(t, Config{FS: fsys, Committer: log, RetryAttempts: 3})
	c := tile.C(0, 0, 0)

	res := s.Save(context.Background(), map[tile.Coord]Payload{c: {Data: fill(16, 1), Revision: 1}})
	if res[c].Err != nil {
		t.Fatalf("Save error = %v, want success on third attempt", res[c].Err)
	}
	if len(log.committed) != 1 || len(log.failed) != 0 {
		t.Errorf("committed=%d failed=%d, want 1/0", len(log.committed), len(log.failed))
	}
	assertNoTemps(t, s.layout.dir(c))
}

func TestSaveGivesUpAfterRetries(t *testing.T) {
	fsys := &flakyFS{}
	fsys.failures.Store(100)
	log := &commitLog{}
	s := newTestStore(t, Config{FS: fsys, Committer: log, RetryAttempts: 2})
	c := tile.C(0, 0, 0)

	res := s.Save(context.Background(), map[tile.Coord]Payload{c: {Data: fill(16, 1)}})
	if !errors.Is(res[c].Err, ErrWriteFailed) {
		t.Fatalf("Save error = %v, want ErrWriteFailed", res[c].Err)
	}
	if len(log.failed) != 1 || len(log.committed) != 0 {
		t.Errorf("committed=%d failed=%d, want 0/1", len(log.committed), len(log.failed))
	}
	if r := s.Load(context.Background(), []tile.Coord{c})[c]; r.Found {
		t.Error("failed write left a readable record")
	}
}

func TestSaveCancelledBeforePublish(t *testing.T) {
	fsys := newGateFS()
	log := &commitLog{}
	s := newTestStore(t, Config{FS: fsys, Committer: log})
	c := tile.C(2, 2, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- s.Save(ctx, map[tile.Coord]Payload{c: {Data: fill(32, 5)}})[c]
	}()

	<-fsys.started
	cancel()
	if r := <-done; !errors.Is(r.Err, context.Canceled) {
		t.Errorf("Save result = %+v, want context.Canceled", r)
	}
	close(fsys.release)
	if err := s.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	if v, _ := s.layout.latest(OSFS{}, c); v != 0 {
		t.Errorf("cancelled write published version %d", v)
	}
	assertNoTemps(t, s.layout.dir(c))
	if len(log.committed) != 0 || len(log.failed) != 0 {
		t.Errorf("cancelled write reported committed=%d failed=%d", len(log.committed), len(log.failed))
	}
}

func TestSavePreservesSubmissionOrder(t *testing.T) {
	fsys := newGateFS()
	log := &commitLog{}
	s := newTestStore(t, Config{FS: fsys, Committer: log})
	c := tile.C(0, 0, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	submit := func(rev uint64) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Save(ctx, map[tile.Coord]Payload{c: {Data: fill(8, byte(rev)), Revision: rev}})
		}()
	}
	queued := func(n int) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			s.mu.Lock()
			q := s.queues[c]
			got := 0
			if q != nil {
				got = len(q.jobs)
			}
			s.mu.Unlock()
			if got == n {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("queue never reached %d jobs", n)
	}

	submit(1)
	<-fsys.started
	submit(2)
	queued(1)
	submit(3)
	queued(2)
	close(fsys.release)
	wg.Wait()

	if len(log.committed) != 3 {
		t.Fatalf("committed %d writes, want 3", len(log.committed))
	}
	for i, e := range log.committed {
		if e.revision != uint64(i+1) || e.version != uint64(i+1) {
			t.Errorf("commit %d = %+v, want revision and version %d", i, e, i+1)
		}
	}
	got := s.Load(ctx, []tile.Coord{c})[c]
	if !bytes.Equal(got.Data, fill(8, 3)) {
		t.Errorf("final data = %v, want last submitted payload", got.Data)
	}
}

func TestLoadDuringSaveSeesCompleteRecords(t *testing.T) {
	s := newTestStore(t, Config{})
	c := tile.C(3, 3, 0)
	ctx := context.Background()
	const size = 4096

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 20; i++ {
			s.Save(ctx, map[tile.Coord]Payload{c: {Data: fill(size, byte(i))}})
		}
	}()

	for i := 0; i < 50; i++ {
		r := s.Load(ctx, []tile.Coord{c})[c]
		if r.Err != nil {
			t.Fatalf("Load during save: %v", r.Err)
		}
		if !r.Found {
			continue
		}
		if len(r.Data) != size || !bytes.Equal(r.Data, fill(size, r.Data[0])) {
			t.Fatalf("Load returned a torn record (version %d)", r.Version)
		}
	}
	wg.Wait()
}

func TestOpenSweepsTempFiles(t *testing.T) {
	dir := t.TempDir()
	region := filepath.Join(dir, "L0", "R0_0")
	if err := os.MkdirAll(region, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(region, ".0_0.v1.tmp-123")
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	newTestStore(t, Config{Dir: dir})
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale temp file survived Open: %v", err)
	}
}

func TestClosedStoreRejectsSaves(t *testing.T) {
	s := newTestStore(t, Config{})
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := tile.C(0, 0, 0)
	if r := s.Save(context.Background(), map[tile.Coord]Payload{c: {Data: []byte{1}}})[c]; !errors.Is(r.Err, ErrClosed) {
		t.Errorf("Save after Close = %v, want ErrClosed", r.Err)
	}
}

func TestLoadServesDecodedRecordsFromCache(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	c := tile.C(3, 4, 0)

	s.Save(ctx, map[tile.Coord]Payload{c: {Data: fill(128, 5)}})
	first := s.Load(ctx, []tile.Coord{c})[c]
	if !first.Found {
		t.Fatalf("first load: %+v", first)
	}
	first.Data[0] = 0xee

	// A cached version is served without re-reading the record.
	path := s.layout.path(c, 1)
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	second := s.Load(ctx, []tile.Coord{c})[c]
	if !second.Found || !bytes.Equal(second.Data, fill(128, 5)) {
		t.Fatalf("cached load = %+v", second)
	}
	if st := s.CacheStats(); st.Hits != 1 || st.Len != 1 {
		t.Errorf("cache stats = %+v", st)
	}

	// A new version supersedes the cached one.
	s.Save(ctx, map[tile.Coord]Payload{c: {Data: fill(128, 6)}})
	third := s.Load(ctx, []tile.Coord{c})[c]
	if third.Version != 2 || !bytes.Equal(third.Data, fill(128, 6)) {
		t.Errorf("after resave = v%d %+v", third.Version, third.Err)
	}
	if st := s.CacheStats(); st.Len != 1 {
		t.Errorf("superseded version still cached: %+v", st)
	}
}

func TestLoadCacheDisabled(t *testing.T) {
	s := newTestStore(t, Config{CacheBytes: -1})
	ctx := context.Background()
	c := tile.C(0, 0, 0)

	s.Save(ctx, map[tile.Coord]Payload{c: {Data: fill(32, 1)}})
	s.Load(ctx, []tile.Coord{c})
	if err := os.WriteFile(s.layout.path(c, 1), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := s.Load(ctx, []tile.Coord{c})[c]; !errors.Is(r.Err, ErrCorrupt) {
		t.Errorf("uncached load of damaged record = %+v, want ErrCorrupt", r)
	}
}

func assertNoTemps(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), tempMarker) {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
