package alloc

import (
	"sync"
	"testing"
	"unsafe"
)

func TestSafeEngineConcurrentAllocateFree(t *testing.T) {
	eng, err := NewSafe(WithHeapTotalSize(8192), WithGrowthIncrement(4096))
	if err != nil {
		t.Fatalf("NewSafe failed: %v", err)
	}

	const goroutines = 16
	const perGoroutine = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()

			for i := 0; i < perGoroutine; i++ {
				p := eng.Allocate(48)
				if p == nil {
					t.Errorf("allocation failed under concurrent load")
					return
				}

				eng.Free(p)
			}
		}()
	}

	wg.Wait()

	stats := eng.Stats()
	if stats.AllocCount != goroutines*perGoroutine {
		t.Fatalf("expected %d allocations recorded, got %d", goroutines*perGoroutine, stats.AllocCount)
	}
}

func TestPackageLevelConvenienceFunctions(t *testing.T) {
	// Initialize is idempotent: a second call after the default engine
	// already exists is a no-op returning the original error (nil here).
	if err := Initialize(WithHeapTotalSize(4096)); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := Initialize(WithHeapTotalSize(8192)); err != nil {
		t.Fatalf("second Initialize call should be a no-op, got: %v", err)
	}

	p := Alloc(64)
	if p == nil {
		t.Fatal("package-level Alloc failed")
	}

	var buf *[64]byte = (*[64]byte)(unsafe.Pointer(p))
	buf[0] = 0x42

	Free(p)

	_ = GetStats()
}
