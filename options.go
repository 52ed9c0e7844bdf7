package tilecanvas

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/gogpu/tilecanvas/internal/persist"
	"github.com/gogpu/tilecanvas/pages"
)

// Option configures a Session during creation.
//
// Example:
//
//	// CPU pages, records under dir
//	s, err := tilecanvas.NewSession(cfg, tilecanvas.WithStoreDir(dir))
//
//	// GPU pages from a wgpu device
//	alloc, _ := pages.NewHALFromProvider(provider, cfg, pages.HALConfig{})
//	s, err := tilecanvas.NewSession(cfg,
//	    tilecanvas.WithPageAllocator(alloc),
//	    tilecanvas.WithStoreDir(dir))
type Option func(*options)

type options struct {
	allocator        pages.Allocator
	storeDir         string
	codec            Codec
	brushWidth       float64
	retryAttempts    int
	retryBackoff     time.Duration
	writeRate        rate.Limit
	admitParallelism int
	logger           *slog.Logger

	// storeFS replaces the store filesystem; set only by tests.
	storeFS persist.FS
}

// WithPageAllocator sets the backing-page allocator. Defaults to a
// pages.Heap sized from the canvas configuration. If the allocator also
// implements pages.Uploader, drawn tiles are uploaded to their pages.
func WithPageAllocator(a pages.Allocator) Option {
	return func(o *options) {
		o.allocator = a
	}
}

// WithStoreDir sets the directory tile records are persisted under.
// Required when the configuration enables persistence.
func WithStoreDir(dir string) Option {
	return func(o *options) {
		o.storeDir = dir
	}
}

// WithCodec replaces the default zstd codec.
func WithCodec(c Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithBrushWidth sets the stroke width in canvas pixels at full pressure.
func WithBrushWidth(w float64) Option {
	return func(o *options) {
		o.brushWidth = w
	}
}

// WithWriteRetry sets how many times failed disk I/O is attempted and the
// initial backoff between attempts.
func WithWriteRetry(attempts int, backoff time.Duration) Option {
	return func(o *options) {
		o.retryAttempts = attempts
		o.retryBackoff = backoff
	}
}

// WithWriteRate paces record writes to limit writes per second.
func WithWriteRate(limit rate.Limit) Option {
	return func(o *options) {
		o.writeRate = limit
	}
}

// WithAdmitParallelism bounds concurrent page allocations per admission.
func WithAdmitParallelism(n int) Option {
	return func(o *options) {
		o.admitParallelism = n
	}
}

// WithLogger sets the session logger. Defaults to Logger().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
