package alloc

import (
	"testing"
	"unsafe"
)

// newTestEngine builds an Engine over a fakeBreakSource (real backing
// memory, scriptable previous-break values) and the production page mapper
// (plain unix.Mmap/Munmap needs no scripting to exercise).
func newTestEngine(t *testing.T, heapTotal, growth, mmapThreshold uintptr) (*Engine, *fakeBreakSource) {
	t.Helper()

	brk := newFakeBreakSource(64 * 1024 * 1024)
	cfg := &Config{
		HeapTotalSize:       heapTotal,
		MmapThreshold:       mmapThreshold,
		GrowthIncrement:     growth,
		ReservationCapacity: 64 * 1024 * 1024,
	}

	return newWithSources(cfg, brk, osPageMapper{}), brk
}

func writePattern(t *testing.T, p unsafe.Pointer, n int, seed byte) {
	t.Helper()

	buf := (*[1 << 20]byte)(p)[:n:n]
	for i := range buf {
		buf[i] = byte(int(seed) + i)
	}
}

func checkPattern(t *testing.T, p unsafe.Pointer, n int, seed byte) {
	t.Helper()

	buf := (*[1 << 20]byte)(p)[:n:n]
	for i := range buf {
		if buf[i] != byte(int(seed)+i) {
			t.Fatalf("pattern mismatch at index %d: got %d", i, buf[i])
		}
	}
}

func assertNoViolations(t *testing.T, e *Engine) {
	t.Helper()

	if v := e.CheckInvariants(); len(v) != 0 {
		t.Fatalf("invariant violations:\n%s", FormatViolations(v))
	}
}

func TestBasicAllocateFreeSequence(t *testing.T) {
	e, _ := newTestEngine(t, 4096, 4096, 128*1024)

	p1 := e.Allocate(32)
	p2 := e.Allocate(64)
	p3 := e.Allocate(128)

	if p1 == nil || p2 == nil || p3 == nil {
		t.Fatal("expected all three allocations to succeed")
	}

	writePattern(t, p1, 32, 1)
	writePattern(t, p2, 64, 2)
	writePattern(t, p3, 128, 3)

	checkPattern(t, p1, 32, 1)
	checkPattern(t, p2, 64, 2)
	checkPattern(t, p3, 128, 3)

	assertNoViolations(t, e)

	e.Free(p1)
	e.Free(p2)
	e.Free(p3)

	assertNoViolations(t, e)

	stats := e.Stats()

	freeBlocks := 0
	for _, n := range stats.FreeListCounts {
		freeBlocks += n
	}

	if freeBlocks > 2 {
		t.Fatalf("expected at most 2 free blocks after freeing a contiguous run, got %d", freeBlocks)
	}
}

func TestReuseReturnsSameAddress(t *testing.T) {
	e, _ := newTestEngine(t, 4096, 4096, 128*1024)

	p1 := e.Allocate(64)
	if p1 == nil {
		t.Fatal("first allocation failed")
	}

	e.Free(p1)

	p2 := e.Allocate(64)
	if p2 == nil {
		t.Fatal("second allocation failed")
	}

	if p1 != p2 {
		t.Fatalf("expected reuse of freed block: p1=%p p2=%p", p1, p2)
	}

	assertNoViolations(t, e)
}

func TestCoalescingMergesThreeNeighbors(t *testing.T) {
	e, _ := newTestEngine(t, 4096, 4096, 128*1024)

	const s = 64

	p1 := e.Allocate(s)
	p2 := e.Allocate(s)
	p3 := e.Allocate(s)

	if p1 == nil || p2 == nil || p3 == nil {
		t.Fatal("setup allocations failed")
	}

	bsz := blockSizeFor(s)

	e.Free(p2)
	e.Free(p3)
	e.Free(p1)

	assertNoViolations(t, e)

	merged := 3 * bsz
	n := merged - 2*uintptr(wordSize)

	p := e.Allocate(n)
	if p == nil {
		t.Fatal("merged allocation failed")
	}

	if p != p1 {
		t.Fatalf("expected merged allocation to reuse p1's address: got %p want %p", p, p1)
	}

	assertNoViolations(t, e)
}

func TestLargeAllocationBypassesHeap(t *testing.T) {
	e, _ := newTestEngine(t, 4096, 4096, 128*1024)

	const big = 262144

	p := e.Allocate(big)
	if p == nil {
		t.Fatal("large allocation failed")
	}

	buf := (*[big]byte)(p)
	buf[0] = 0xAB
	buf[big-1] = 0xCD

	if buf[0] != 0xAB || buf[big-1] != 0xCD {
		t.Fatal("large allocation is not independently addressable")
	}

	heapStart, heapEnd := e.heapStart, e.heapEnd
	addr := uintptr(p)

	if addr >= heapStart && addr < heapEnd {
		t.Fatalf("large allocation address %x falls inside heap span [%x,%x)", addr, heapStart, heapEnd)
	}

	e.Free(p)

	small := e.Allocate(16)
	if small == nil {
		t.Fatal("small allocation after large free failed")
	}

	saddr := uintptr(small)
	if saddr < e.heapStart || saddr >= e.heapEnd {
		t.Fatalf("small allocation address %x expected inside heap span [%x,%x)", saddr, e.heapStart, e.heapEnd)
	}
}

func TestHeapExtensionUnderPressure(t *testing.T) {
	e, _ := newTestEngine(t, 512, 4096, 128*1024)

	const count = 70
	const payload = 96

	ptrs := make([]unsafe.Pointer, count)

	for i := 0; i < count; i++ {
		ptrs[i] = e.Allocate(payload)
		if ptrs[i] == nil {
			t.Fatalf("allocation %d failed", i)
		}

		assertNoViolations(t, e)
	}

	for i := 0; i < count; i += 2 {
		e.Free(ptrs[i])
		assertNoViolations(t, e)
	}

	for i := 1; i < count; i += 2 {
		e.Free(ptrs[i])
		assertNoViolations(t, e)
	}

	assertNoViolations(t, e)
}

func TestGapBridgeBlockIsNeverCoalesced(t *testing.T) {
	e, brk := newTestEngine(t, 256, 256, 128*1024)

	p := e.Allocate(64)
	if p == nil {
		t.Fatal("setup allocation failed")
	}

	e.Free(p)

	// Simulate an unrelated consumer stealing address space between the
	// engine's recorded heapEnd and the break source's real cursor, then
	// force another extension so the engine observes a non-contiguous
	// previous break.
	brk.consumeGap(256)

	gapHeapTop := e.heapTop

	big := e.Allocate(512)
	if big == nil {
		t.Fatal("post-gap allocation failed")
	}

	if !blockUsed(gapHeapTop) {
		t.Fatalf("expected gap block at %x to be marked used", gapHeapTop)
	}

	assertNoViolations(t, e)

	e.Free(big)

	assertNoViolations(t, e)

	// The gap block must still be used and absent from every free list
	// after coalescing activity on both sides of it.
	if !blockUsed(gapHeapTop) {
		t.Fatalf("gap block at %x was coalesced away", gapHeapTop)
	}
}

func TestZeroSizeAllocationReturnsNil(t *testing.T) {
	e, _ := newTestEngine(t, 4096, 4096, 128*1024)

	if p := e.Allocate(0); p != nil {
		t.Fatalf("expected nil for a zero-size request, got %p", p)
	}
}

func TestFreeNilIsNoOp(t *testing.T) {
	e, _ := newTestEngine(t, 4096, 4096, 128*1024)

	e.Free(nil)
	assertNoViolations(t, e)
}

func TestSmallestRequestIsWordAlignedAndMinBlock(t *testing.T) {
	e, _ := newTestEngine(t, 4096, 4096, 128*1024)

	p := e.Allocate(1)
	if p == nil {
		t.Fatal("allocation of 1 byte failed")
	}

	addr := uintptr(p)
	if addr%uintptr(wordSize) != 0 {
		t.Fatalf("payload address %x is not word-aligned", addr)
	}

	blk := blockFromPayload(addr)
	if blockSize(blk) != minBlockSize {
		t.Fatalf("expected a 1-byte request to occupy exactly B_min (%d), got %d", minBlockSize, blockSize(blk))
	}
}

func TestMmapThresholdBoundary(t *testing.T) {
	e, _ := newTestEngine(t, 4096, 4096, 1024)

	atThreshold := e.Allocate(1024)
	if atThreshold == nil {
		t.Fatal("allocation at threshold failed")
	}

	if uintptr(atThreshold) < e.heapStart || uintptr(atThreshold) >= e.heapEnd {
		t.Fatal("expected a request at the threshold to use the heap path")
	}

	e.Free(atThreshold)

	aboveThreshold := e.Allocate(1025)
	if aboveThreshold == nil {
		t.Fatal("allocation above threshold failed")
	}

	if uintptr(aboveThreshold) >= e.heapStart && uintptr(aboveThreshold) < e.heapEnd {
		t.Fatal("expected a request above the threshold to bypass the heap")
	}

	e.Free(aboveThreshold)
}

func TestSplitSuppressedWhenRemainderTooSmall(t *testing.T) {
	e, _ := newTestEngine(t, 4096, 4096, 128*1024)

	p := e.Allocate(64)
	if p == nil {
		t.Fatal("setup allocation failed")
	}

	// Keep p's successor in use so that freeing p does not merge it with
	// the free tail of the heap.
	if guard := e.Allocate(64); guard == nil {
		t.Fatal("guard allocation failed")
	}

	blk := blockFromPayload(uintptr(p))
	full := blockSize(blk)

	e.Free(p)

	// Request a size whose block size leaves a remainder smaller than
	// minBlockSize: the splitter must hand out the whole block instead.
	n := full - 2*uintptr(wordSize) - (minBlockSize - 1)

	p2 := e.Allocate(n)
	if p2 == nil {
		t.Fatal("reallocation failed")
	}

	blk2 := blockFromPayload(uintptr(p2))
	if blockSize(blk2) != full {
		t.Fatalf("expected split to be suppressed and the whole block (%d) returned, got %d", full, blockSize(blk2))
	}

	assertNoViolations(t, e)
}
