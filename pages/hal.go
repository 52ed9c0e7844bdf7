package pages

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/tilecanvas/tile"
)

// pageUsage is the usage of every tile page: written by uploads, sampled
// when compositing, copied out for readback.
const pageUsage = gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst | gputypes.TextureUsageTextureBinding

// HAL allocates tile pages as textures on a gogpu/wgpu HAL device.
type HAL struct {
	mu sync.Mutex

	device hal.Device
	queue  hal.Queue

	// queueMu serializes WriteTexture submissions.
	queueMu sync.Mutex

	format   gputypes.TextureFormat
	tileSize uint32
	pageSize uint64
	maxPages int
	live     int

	logger *slog.Logger
}

// HALConfig holds optional HAL allocator settings.
type HALConfig struct {
	// MaxPages caps the number of live textures; 0 means unlimited.
	MaxPages int

	// Logger receives allocation diagnostics. Nil disables logging.
	Logger *slog.Logger
}

// NewHAL creates an allocator that creates page textures on device and
// uploads through queue. The page geometry and format come from cfg.
func NewHAL(device hal.Device, queue hal.Queue, cfg tile.Config, hc HALConfig) (*HAL, error) {
	if device == nil || queue == nil {
		return nil, ErrNoDevice
	}
	cfg = cfg.WithDefaults()
	if tile.BytesPerPixel(cfg.PixelFormat) == 0 {
		return nil, fmt.Errorf("pages: unsupported page format %v", cfg.PixelFormat)
	}
	logger := hc.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	//nolint:gosec // G115: tile size validated by tile.Config
	return &HAL{
		device:   device,
		queue:    queue,
		format:   cfg.PixelFormat,
		tileSize: uint32(cfg.TileSize),
		pageSize: cfg.PageBytes(),
		maxPages: hc.MaxPages,
		logger:   logger,
	}, nil
}

// NewHALFromProvider creates a HAL allocator sharing the device of an
// external provider (e.g., a gogpu application). The provider must also
// implement HalDevice() any and HalQueue() any returning hal.Device and
// hal.Queue.
func NewHALFromProvider(provider gpucontext.DeviceProvider, cfg tile.Config, hc HALConfig) (*HAL, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider does not expose HAL types", ErrNoDevice)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", ErrNoDevice)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", ErrNoDevice)
	}
	if f := provider.SurfaceFormat(); cfg.PixelFormat == gputypes.TextureFormatUndefined && tile.BytesPerPixel(f) != 0 {
		cfg.PixelFormat = f
	}
	return NewHAL(device, queue, cfg, hc)
}

// Allocate creates a page texture for the tile at c.
func (a *HAL) Allocate(ctx context.Context, c tile.Coord) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.maxPages > 0 && a.live >= a.maxPages {
		live := a.live
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %d live pages", ErrPagesExhausted, live)
	}
	a.live++
	a.mu.Unlock()

	tex, err := a.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "tile_page_" + c.Key(),
		Size:          hal.Extent3D{Width: a.tileSize, Height: a.tileSize, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        a.format,
		Usage:         pageUsage,
	})
	if err != nil {
		a.mu.Lock()
		a.live--
		a.mu.Unlock()
		return nil, fmt.Errorf("pages: create texture for %v: %w", c, err)
	}

	a.logger.Debug("page allocated", "coord", c.String(), "bytes", a.pageSize)
	return &Page{
		id:      nextPageID(),
		coord:   c,
		size:    a.pageSize,
		texture: tex,
	}, nil
}

// Free destroys the page texture.
func (a *HAL) Free(p *Page) {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	if p.texture != nil {
		a.device.DestroyTexture(p.texture)
	}
	a.mu.Lock()
	a.live--
	a.mu.Unlock()
	a.logger.Debug("page freed", "coord", p.coord.String())
}

// Upload writes a full page of texels into the page texture.
func (a *HAL) Upload(p *Page, payload []byte) error {
	if p == nil || p.Released() || p.texture == nil {
		return ErrPageReleased
	}
	if uint64(len(payload)) != p.size {
		return fmt.Errorf("%w: %d != %d", ErrPayloadSize, len(payload), p.size)
	}

	//nolint:gosec // G115: bytes per pixel is at most 16
	bpr := a.tileSize * uint32(tile.BytesPerPixel(a.format))
	size := hal.Extent3D{Width: a.tileSize, Height: a.tileSize, DepthOrArrayLayers: 1}
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	err := a.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: p.texture, Aspect: gputypes.TextureAspectAll},
		payload,
		&hal.ImageDataLayout{BytesPerRow: bpr, RowsPerImage: a.tileSize},
		&size,
	)
	if err != nil {
		return fmt.Errorf("pages: upload %v: %w", p.coord, err)
	}
	return nil
}

// PageBytes returns the size of one page texture.
func (a *HAL) PageBytes() uint64 { return a.pageSize }

// Format returns the page texture format.
func (a *HAL) Format() gputypes.TextureFormat { return a.format }

// Live returns the number of live page textures.
func (a *HAL) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
