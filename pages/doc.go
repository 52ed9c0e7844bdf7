// Package pages implements the backing-page service for tile residency.
//
// A page is the physical storage of one resident tile. The residency manager
// requests a page when a tile is admitted and frees it when the tile is
// evicted; it never inspects the page contents.
//
// Two allocators are provided:
//
//   - [HAL] creates one 2D texture per page on a gogpu/wgpu HAL device. The
//     device can be shared with a host application through a
//     gpucontext.DeviceProvider.
//   - [Heap] keeps pages in CPU memory. It is the headless fallback and is
//     convenient in tests; an optional page cap simulates allocation failure.
//
// Both allocators are safe for concurrent use.
package pages
