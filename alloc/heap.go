package alloc

import (
	"fmt"
	"unsafe"

	allocerrors "github.com/segheap/segheap/internal/errors"
)

// Stats is a point-in-time snapshot of an Engine's bookkeeping: a typed
// struct rather than a logging call, so tests and callers can assert on
// exact counts without scraping formatted output.
type Stats struct {
	AllocCount      uint64
	FreeCount       uint64
	BytesInUse      uintptr
	MappedCount     uint64
	MappedBytes     uintptr
	HeapTotalBytes  uintptr
	FreeListCounts  [numLists]int
}

// Engine is a single-threaded segregated free-list heap allocator. Its zero
// value is not ready for use; construct one with New. Engine holds no
// internal lock (per the concurrency model, the engine assumes serialized
// calls); see SafeEngine for a mutex-guarded facade.
type Engine struct {
	cfg *Config

	brk    breakSource
	mapper pageMapper

	heapStart uintptr
	heapTop   uintptr
	heapEnd   uintptr

	lists freeLists

	initialized bool

	stats Stats

	lastFault *allocerrors.StandardError
}

// New constructs an Engine backed by a real reserved-arena break source and
// a real anonymous-mapping page mapper.
func New(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	arena, err := newReservedArena(cfg.ReservationCapacity)
	if err != nil {
		return nil, err
	}

	return newWithSources(cfg, arena, osPageMapper{}), nil
}

// newWithSources builds an Engine over caller-supplied break and page
// sources; used by production New and by tests wiring in fakes.
func newWithSources(cfg *Config, brk breakSource, mapper pageMapper) *Engine {
	return &Engine{cfg: cfg, brk: brk, mapper: mapper}
}

// LastFault returns the *errors.StandardError recorded by the most recent
// failing Allocate call or failed unmap in Free, or nil if the engine has
// not yet faulted. Allocate
// itself keeps returning nil on failure so callers don't need to check two
// things on the fast path; LastFault is an additive diagnostic, not a
// second error-reporting channel for success.
func (e *Engine) LastFault() error {
	if e.lastFault == nil {
		return nil
	}

	return e.lastFault
}

func (e *Engine) fault(err error) {
	if se, ok := err.(*allocerrors.StandardError); ok {
		e.lastFault = se
		return
	}

	e.lastFault = allocerrors.SystemCallFailed("allocate", err)
}

// ensureInit performs the lazy, first-call formatting of the heap region as
// one free block.
func (e *Engine) ensureInit() error {
	if e.initialized {
		return nil
	}

	prev, err := e.brk.adjust(e.cfg.HeapTotalSize)
	if err != nil {
		return err
	}

	e.heapStart = prev
	e.heapTop = prev
	e.heapEnd = prev + e.cfg.HeapTotalSize
	e.stats.HeapTotalBytes = e.cfg.HeapTotalSize

	e.formatFreeSpan(e.heapTop, e.heapEnd-e.heapTop)
	e.heapTop = e.heapEnd
	e.initialized = true

	return nil
}

// Allocate returns a pointer to a payload of at least size bytes, or nil on
// a zero-size request or out-of-memory condition.
func (e *Engine) Allocate(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	if size > e.cfg.MmapThreshold {
		payload, err := largeAlloc(e.mapper, size)
		if err != nil {
			e.fault(err)
			return nil
		}

		blk := blockFromPayload(payload)
		e.stats.MappedCount++
		e.stats.MappedBytes += blockSize(blk)

		return unsafe.Pointer(payload)
	}

	if err := e.ensureInit(); err != nil {
		e.fault(err)
		return nil
	}

	bsz := blockSizeFor(size)

	addr, class := e.lists.firstFit(bsz)
	if addr == 0 {
		if err := e.extend(bsz); err != nil {
			e.fault(err)
			return nil
		}

		addr, class = e.lists.firstFit(bsz)
		if addr == 0 {
			e.fault(allocerrors.OutOfMemory(bsz))
			return nil
		}
	}

	e.lists.remove(class, addr)
	e.split(addr, bsz)

	e.stats.AllocCount++
	e.stats.BytesInUse += blockSize(addr)

	return unsafe.Pointer(payloadAddr(addr))
}

// Free releases a payload pointer previously returned by Allocate. A nil
// pointer is a silent no-op; passing a pointer not issued by Allocate is
// undefined behavior and is not checked.
func (e *Engine) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}

	addr := blockFromPayload(uintptr(p))

	if blockIsMMap(addr) {
		size := blockSize(addr)
		if err := largeFree(e.mapper, payloadAddr(addr)); err != nil {
			e.fault(err)
			return
		}

		e.stats.MappedCount--
		e.stats.MappedBytes -= size

		return
	}

	size := blockSize(addr)
	e.stats.FreeCount++
	e.stats.BytesInUse -= size

	setHeaderFooter(addr, size, false, false)
	e.coalesce(addr)
}

// split divides a free block of size blockSize(addr) into an exact-fit head
// of size need (marked used) and, if the remainder is at least
// minBlockSize, a fresh free tail inserted into the segregated index. The
// caller must have already removed addr from its free list.
func (e *Engine) split(addr, need uintptr) {
	full := blockSize(addr)

	if full-need >= minBlockSize {
		setHeaderFooter(addr, need, true, false)

		tail := addr + need
		tailSize := full - need
		e.formatFreeSpan(tail, tailSize)

		return
	}

	setHeaderFooter(addr, full, true, false)
}

// coalesce merges a just-freed block at addr with its address-adjacent
// neighbors when they are themselves free, then reinserts the (possibly
// merged) block into the segregated index.
func (e *Engine) coalesce(addr uintptr) {
	size := blockSize(addr)

	next := successor(addr)
	if next < e.heapTop && !blockUsed(next) {
		nsize := blockSize(next)
		e.lists.remove(sizeClass(nsize), next)
		size += nsize
	}

	if addr > e.heapStart {
		prevSize := footerSize(addr - uintptr(wordSize))
		if prevSize > 0 && addr-prevSize >= e.heapStart {
			prevAddr := addr - prevSize
			if !blockUsed(prevAddr) && blockSize(prevAddr) == prevSize {
				e.lists.remove(sizeClass(prevSize), prevAddr)
				addr = prevAddr
				size += prevSize
			}
		}
	}

	e.formatFreeSpan(addr, size)
}

// formatFreeSpan writes a fresh free block's header/footer, clears its
// (possibly stale) link words, and inserts it into the segregated index.
func (e *Engine) formatFreeSpan(addr, size uintptr) {
	setHeaderFooter(addr, size, false, false)
	clearLinks(addr)
	e.lists.insert(sizeClass(size), addr)
}

// formatGapBlock writes the permanently-used, never-coalesced gap block
// that bridges a non-contiguous heap extension.
func formatGapBlock(addr, size uintptr) {
	setHeaderFooter(addr, size, true, false)
}

// extend grows the heap to satisfy a request of the given block size by
// calling the break source for more and formatting whatever comes back --
// bridging a gap block if the new break turns out to be non-contiguous
// with the recorded heapEnd. Every exit path leaves heapTop == heapEnd: the
// newly granted span is always formatted as a free block and handed to the
// segregated index immediately, so there is never an unformatted reserve
// sitting between heapTop and heapEnd for a later call to carve up without
// going through the break source again.
func (e *Engine) extend(need uintptr) error {
	grant := need
	if grant < e.cfg.GrowthIncrement {
		grant = e.cfg.GrowthIncrement
	}

	grant = alignUp(grant)

	prevBreak, err := e.brk.adjust(grant)
	if err != nil {
		return err
	}

	switch {
	case prevBreak == e.heapEnd:
		e.heapEnd += grant
		e.formatFreeSpan(e.heapTop, e.heapEnd-e.heapTop)
		e.heapTop = e.heapEnd

	case prevBreak > e.heapEnd:
		gapSize := prevBreak - e.heapTop
		if gapSize%uintptr(wordSize) != 0 || gapSize < minBlockSize {
			return allocerrors.SystemCallFailed("brk_adjust",
				fmt.Errorf("non-contiguous gap of %d bytes cannot host a gap block", gapSize))
		}

		formatGapBlock(e.heapTop, gapSize)
		e.heapTop = prevBreak
		e.heapEnd = prevBreak + grant
		e.formatFreeSpan(e.heapTop, e.heapEnd-e.heapTop)
		e.heapTop = e.heapEnd

	default:
		return allocerrors.SystemCallFailed("brk_adjust", fmt.Errorf("break moved backward"))
	}

	return nil
}

// Stats returns a snapshot of the engine's bookkeeping.
func (e *Engine) Stats() Stats {
	s := e.stats
	for i := range e.lists.heads {
		count := 0
		for cur := e.lists.heads[i]; cur != 0; cur = linkNext(cur) {
			count++
		}
		s.FreeListCounts[i] = count
	}

	return s
}

// Close releases the engine's reserved arena back to the OS, if it owns
// one. Not required for process-lifetime use.
func (e *Engine) Close() error {
	if arena, ok := e.brk.(*reservedArena); ok {
		return arena.close()
	}

	return nil
}
