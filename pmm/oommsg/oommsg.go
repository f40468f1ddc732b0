// Package oommsg is the message pmm.Allocator publishes when a frame
// request crosses its low-watermark (pmm/bitmap.go's lowWatermark):
// rather than a package-level singleton channel, kernel.Boot allocates
// one per Context and hands it to pmm.NewArenaFromMap, so each booted
// kernel instance has its own independent OOM signal instead of
// sharing biscuit's single process-wide OomCh.
package oommsg

/// Oommsg_t is sent on an Allocator's oom channel when a frame request
/// arrives while the free-frame count is at or below lowWatermark (the
/// message is dropped if the channel is already full). Need is the
/// frame count the caller was trying to allocate. The allocator does
/// not wait on Resume: the allocation proceeds whether or not a
/// servicer ever sends on it.
type Oommsg_t struct {
	Need   int
	Resume chan bool
}
