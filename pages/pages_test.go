package pages

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/tilecanvas/tile"
)

// setupNoopDevice creates a noop HAL device and queue.
func setupNoopDevice(t *testing.T) (hal.Device, hal.Queue) {
	t.Helper()

	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		t.Fatal("no noop adapters")
	}
	openDevice, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		openDevice.Device.Destroy()
		instance.Destroy()
	})
	return openDevice.Device, openDevice.Queue
}

func testConfig() tile.Config {
	cfg := tile.NewConfig(1024, 1024)
	cfg.TileSize = 16
	cfg.PixelFormat = gputypes.TextureFormatRGBA8Unorm
	return cfg
}

// =============================================================================
// Heap
// =============================================================================

func TestHeap_AllocateFree(t *testing.T) {
	h := NewHeap(64, 0)
	ctx := context.Background()

	p, err := h.Allocate(ctx, tile.C(1, 2, 0))
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if p.Coord() != tile.C(1, 2, 0) {
		t.Errorf("Coord() = %v", p.Coord())
	}
	if p.Size() != 64 {
		t.Errorf("Size() = %d, want 64", p.Size())
	}
	if h.Live() != 1 {
		t.Errorf("Live() = %d, want 1", h.Live())
	}

	h.Free(p)
	h.Free(p) // double free is a no-op

	if !p.Released() {
		t.Error("page should be released")
	}
	allocs, frees := h.Counts()
	if allocs != 1 || frees != 1 || h.Live() != 0 {
		t.Errorf("counts = (%d, %d), live = %d", allocs, frees, h.Live())
	}
}

func TestHeap_Exhausted(t *testing.T) {
	h := NewHeap(8, 1)
	ctx := context.Background()

	if _, err := h.Allocate(ctx, tile.C(0, 0, 0)); err != nil {
		t.Fatalf("first Allocate() error = %v", err)
	}
	if _, err := h.Allocate(ctx, tile.C(1, 0, 0)); !errors.Is(err, ErrPagesExhausted) {
		t.Errorf("second Allocate() error = %v, want ErrPagesExhausted", err)
	}
}

func TestHeap_CancelledContext(t *testing.T) {
	h := NewHeap(8, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.Allocate(ctx, tile.C(0, 0, 0)); !errors.Is(err, context.Canceled) {
		t.Errorf("Allocate() error = %v, want context.Canceled", err)
	}
	if h.Live() != 0 {
		t.Errorf("Live() = %d, want 0", h.Live())
	}
}

func TestHeap_Upload(t *testing.T) {
	h := NewHeap(4, 0)
	p, _ := h.Allocate(context.Background(), tile.C(0, 0, 0))

	if err := h.Upload(p, []byte{1, 2}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	got := h.Bytes(p)
	want := []byte{1, 2, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Bytes() = %v, want %v", got, want)
		}
	}
	if err := h.Upload(p, make([]byte, 5)); !errors.Is(err, ErrPayloadSize) {
		t.Errorf("oversized Upload() error = %v, want ErrPayloadSize", err)
	}

	h.Free(p)
	if err := h.Upload(p, []byte{1}); !errors.Is(err, ErrPageReleased) {
		t.Errorf("Upload() after Free error = %v, want ErrPageReleased", err)
	}
}

// =============================================================================
// HAL
// =============================================================================

func TestHAL_NilDevice(t *testing.T) {
	if _, err := NewHAL(nil, nil, testConfig(), HALConfig{}); !errors.Is(err, ErrNoDevice) {
		t.Errorf("NewHAL(nil) error = %v, want ErrNoDevice", err)
	}
}

func TestHAL_AllocateUploadFree(t *testing.T) {
	device, queue := setupNoopDevice(t)
	cfg := testConfig()

	a, err := NewHAL(device, queue, cfg, HALConfig{MaxPages: 2})
	if err != nil {
		t.Fatalf("NewHAL() error = %v", err)
	}
	if a.PageBytes() != 16*16*4 {
		t.Errorf("PageBytes() = %d, want %d", a.PageBytes(), 16*16*4)
	}

	ctx := context.Background()
	p1, err := a.Allocate(ctx, tile.C(0, 0, 0))
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if p1.Texture() == nil {
		t.Error("HAL page should have a texture")
	}
	if _, err := a.Allocate(ctx, tile.C(1, 0, 0)); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if _, err := a.Allocate(ctx, tile.C(2, 0, 0)); !errors.Is(err, ErrPagesExhausted) {
		t.Errorf("third Allocate() error = %v, want ErrPagesExhausted", err)
	}

	if err := a.Upload(p1, make([]byte, a.PageBytes())); err != nil {
		t.Errorf("Upload() error = %v", err)
	}
	if err := a.Upload(p1, make([]byte, 3)); !errors.Is(err, ErrPayloadSize) {
		t.Errorf("short Upload() error = %v, want ErrPayloadSize", err)
	}

	a.Free(p1)
	if a.Live() != 1 {
		t.Errorf("Live() = %d, want 1", a.Live())
	}
	if err := a.Upload(p1, make([]byte, a.PageBytes())); !errors.Is(err, ErrPageReleased) {
		t.Errorf("Upload() after Free error = %v, want ErrPageReleased", err)
	}
}

// fakeProvider is a gpucontext.DeviceProvider backed by the noop device.
type fakeProvider struct {
	device hal.Device
	queue  hal.Queue
	format gputypes.TextureFormat
}

func (p *fakeProvider) Device() gpucontext.Device { return p.device }
func (p *fakeProvider) Queue() gpucontext.Queue { return p.queue }
func (p *fakeProvider) SurfaceFormat() gputypes.TextureFormat { return p.format }
func (p *fakeProvider) Adapter() gpucontext.Adapter { return nil }
func (p *fakeProvider) AdapterInfo() gpucontext.AdapterInfo { return gpucontext.AdapterInfo{} }
func (p *fakeProvider) HalDevice() any { return p.device }
func (p *fakeProvider) HalQueue() any { return p.queue }

// plainProvider exposes no HAL types.
type plainProvider struct{ fakeProvider }

func (plainProvider) HalDevice() {}

func TestHAL_FromProvider(t *testing.T) {
	device, queue := setupNoopDevice(t)

	cfg := testConfig()
	cfg.PixelFormat = gputypes.TextureFormatUndefined
	a, err := NewHALFromProvider(&fakeProvider{device, queue, gputypes.TextureFormatBGRA8Unorm}, cfg, HALConfig{})
	if err != nil {
		t.Fatalf("NewHALFromProvider() error = %v", err)
	}
	if a.Format() != gputypes.TextureFormatBGRA8Unorm {
		t.Errorf("Format() = %v, want the surface format", a.Format())
	}

	// An explicit page format wins over the surface format.
	a, err = NewHALFromProvider(&fakeProvider{device, queue, gputypes.TextureFormatBGRA8Unorm}, testConfig(), HALConfig{})
	if err != nil {
		t.Fatalf("NewHALFromProvider() error = %v", err)
	}
	if a.Format() != gputypes.TextureFormatRGBA8Unorm {
		t.Errorf("Format() = %v, want RGBA8Unorm", a.Format())
	}

	if _, err := NewHALFromProvider(&plainProvider{}, cfg, HALConfig{}); !errors.Is(err, ErrNoDevice) {
		t.Errorf("provider without HAL error = %v, want ErrNoDevice", err)
	}
}

// =============================================================================
// Texel encoding
// =============================================================================

func TestEncodeCoverage(t *testing.T) {
	cov := []byte{0, 255}

	rgba, err := EncodeCoverage(gputypes.TextureFormatRGBA8Unorm, cov)
	if err != nil {
		t.Fatal(err)
	}
	if len(rgba) != 8 || rgba[4] != 255 || rgba[7] != 255 || rgba[0] != 0 {
		t.Errorf("RGBA8 = %v", rgba)
	}

	half, err := EncodeCoverage(gputypes.TextureFormatRGBA16Float, cov)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint16(half[8:]); got != 0x3c00 {
		t.Errorf("half(1.0) = %#04x, want 0x3c00", got)
	}
	if got := binary.LittleEndian.Uint16(half[0:]); got != 0 {
		t.Errorf("half(0) = %#04x, want 0", got)
	}

	if _, err := EncodeCoverage(gputypes.TextureFormatUndefined, cov); err == nil {
		t.Error("expected error for undefined format")
	}
}

func TestFloat16Bits(t *testing.T) {
	tests := []struct {
		in   float32
		want uint16
	}{
		{0, 0},
		{1, 0x3c00},
		{0.5, 0x3800},
		{0.25, 0x3400},
	}
	for _, tt := range tests {
		if got := float16Bits(tt.in); got != tt.want {
			t.Errorf("float16Bits(%v) = %#04x, want %#04x", tt.in, got, tt.want)
		}
	}
}
