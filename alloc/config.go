package alloc

import allocerrors "github.com/segheap/segheap/internal/errors"

// Config holds the engine's compile-time-adjacent tunables. The word size
// (wordSize) and the minimum block size derived from it are not
// configurable: they are a property of the block encoding, not a policy
// knob.
type Config struct {
	// HeapTotalSize is the initial heap reservation formatted as one free
	// block the first time Allocate is called.
	HeapTotalSize uintptr

	// MmapThreshold is the payload size above which a request is routed to
	// the page mapper instead of the heap.
	MmapThreshold uintptr

	// GrowthIncrement is the minimum amount requested from the break
	// source on an extension, beyond whatever a single request strictly
	// needs, to amortize the cost of repeated extensions.
	GrowthIncrement uintptr

	// ReservationCapacity bounds how large the production break source's
	// backing mapping may ever grow across the process's lifetime.
	ReservationCapacity uintptr
}

// Option configures a Config.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		HeapTotalSize:       4096,
		MmapThreshold:       128 * 1024,
		GrowthIncrement:     4096,
		ReservationCapacity: 64 * 1024 * 1024,
	}
}

// WithHeapTotalSize sets the initial heap reservation size.
func WithHeapTotalSize(n uintptr) Option {
	return func(c *Config) { c.HeapTotalSize = n }
}

// WithMmapThreshold sets the payload-size cutoff for the large-block path.
func WithMmapThreshold(n uintptr) Option {
	return func(c *Config) { c.MmapThreshold = n }
}

// WithGrowthIncrement sets the minimum amortized growth per heap extension.
func WithGrowthIncrement(n uintptr) Option {
	return func(c *Config) { c.GrowthIncrement = n }
}

// WithReservationCapacity sets the cap on the break source's backing
// mapping.
func WithReservationCapacity(n uintptr) Option {
	return func(c *Config) { c.ReservationCapacity = n }
}

func (c *Config) validate() error {
	if c.HeapTotalSize == 0 {
		return allocerrors.InvalidConfig("HeapTotalSize must be greater than 0")
	}

	if c.MmapThreshold == 0 {
		return allocerrors.InvalidConfig("MmapThreshold must be greater than 0")
	}

	if c.ReservationCapacity < c.HeapTotalSize {
		return allocerrors.InvalidConfig("ReservationCapacity must be at least HeapTotalSize")
	}

	return nil
}
