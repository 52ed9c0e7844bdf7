package tilecanvas

import (
	"log/slog"
	"testing"
	"time"

	"github.com/gogpu/tilecanvas/internal/persist"
	"github.com/gogpu/tilecanvas/pages"
)

func TestOptionsApply(t *testing.T) {
	heap := pages.NewHeap(64, 0)
	codec, err := persist.NewZstd()
	if err != nil {
		t.Fatal(err)
	}
	defer codec.Close()
	logger := slog.New(slog.DiscardHandler)

	var o options
	for _, opt := range []Option{
		WithPageAllocator(heap),
		WithStoreDir("/tmp/tiles"),
		WithCodec(codec),
		WithBrushWidth(6),
		WithWriteRetry(5, 20*time.Millisecond),
		WithWriteRate(100),
		WithAdmitParallelism(3),
		WithLogger(logger),
	} {
		opt(&o)
	}

	if o.allocator != heap {
		t.Error("WithPageAllocator not applied")
	}
	if o.storeDir != "/tmp/tiles" {
		t.Errorf("storeDir = %q", o.storeDir)
	}
	if o.codec != codec {
		t.Error("WithCodec not applied")
	}
	if o.brushWidth != 6 {
		t.Errorf("brushWidth = %v", o.brushWidth)
	}
	if o.retryAttempts != 5 || o.retryBackoff != 20*time.Millisecond {
		t.Errorf("retry = %d, %v", o.retryAttempts, o.retryBackoff)
	}
	if o.writeRate != 100 {
		t.Errorf("writeRate = %v", o.writeRate)
	}
	if o.admitParallelism != 3 {
		t.Errorf("admitParallelism = %d", o.admitParallelism)
	}
	if o.logger != logger {
		t.Error("WithLogger not applied")
	}
}

func TestSessionUsesBrushWidth(t *testing.T) {
	thin := newTestSession(t, memoryOnly(), WithBrushWidth(1))
	wide := newTestSession(t, memoryOnly(), WithBrushWidth(20))
	for _, s := range []*Session{thin, wide} {
		drawLine(t, s, 10, 100, 200, 100)
	}
	if thin.Coverage(0, 100, 106) != 0 {
		t.Error("1px brush reached 6px off the stroke")
	}
	if wide.Coverage(0, 100, 106) == 0 {
		t.Error("20px brush did not reach 6px off the stroke")
	}
}
